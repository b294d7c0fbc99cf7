package input

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nxadm/tail"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logsiem/internal/domain"
	"github.com/xoelrdgz/logsiem/internal/ports"
)

// FileTailer follows a record file and emits parsed records. It survives
// rotation and waits for the file to appear.
type FileTailer struct {
	path          string
	parser        ports.RecordParser
	tail          *tail.Tail
	bufferSize    int
	fromBeginning bool
	follow        bool
	mu            sync.Mutex
	running       bool
	stopChan      chan struct{}

	parsed  atomic.Uint64
	skipped atomic.Uint64
}

func NewFileTailer(path string, parser ports.RecordParser, bufferSize int) *FileTailer {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &FileTailer{
		path:       path,
		parser:     parser,
		bufferSize: bufferSize,
		follow:     true,
		stopChan:   make(chan struct{}),
	}
}

// NewFileTailerFull reads the file from the beginning before following it.
func NewFileTailerFull(path string, parser ports.RecordParser, bufferSize int) *FileTailer {
	t := NewFileTailer(path, parser, bufferSize)
	t.fromBeginning = true
	return t
}

func (t *FileTailer) SetFromBeginning(fromBeginning bool) {
	t.fromBeginning = fromBeginning
}

// SetFollow controls whether the tailer waits for new lines at EOF. With
// follow off it reads the existing content once and closes its channels.
func (t *FileTailer) SetFollow(follow bool) {
	t.follow = follow
}

func (t *FileTailer) Start(ctx context.Context) (<-chan *domain.NormalizedRecord, <-chan error) {
	recordChan := make(chan *domain.NormalizedRecord, t.bufferSize)
	errChan := make(chan error, 10)

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		close(recordChan)
		close(errChan)
		return recordChan, errChan
	}
	t.running = true
	t.stopChan = make(chan struct{})
	stop := t.stopChan
	t.mu.Unlock()

	go func() {
		defer close(recordChan)
		defer close(errChan)

		whence := 2
		if t.fromBeginning || !t.follow {
			whence = 0
		}

		config := tail.Config{
			Follow:    t.follow,
			ReOpen:    t.follow,
			MustExist: !t.follow,
			Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
			Logger:    tail.DiscardingLogger,
		}

		tf, err := tail.TailFile(t.path, config)
		if err != nil {
			log.Error().Err(err).Str("file", t.path).Msg("Failed to tail file")
			errChan <- err
			return
		}
		t.mu.Lock()
		t.tail = tf
		t.mu.Unlock()
		defer tf.Cleanup()

		log.Info().
			Str("file", t.path).
			Str("format", t.parser.Format()).
			Bool("follow", t.follow).
			Msg("Started tailing record file")

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("Context cancelled, stopping tailer")
				return
			case <-stop:
				log.Info().Msg("Stop signal received, stopping tailer")
				return
			case line, ok := <-tf.Lines:
				if !ok {
					log.Info().Uint64("parsed", t.parsed.Load()).Msg("Tail channel closed")
					return
				}
				if line.Err != nil {
					log.Warn().Err(line.Err).Msg("Error reading line")
					select {
					case errChan <- line.Err:
					default:
					}
					continue
				}
				if line.Text == "" {
					continue
				}

				rec, err := t.parser.Parse(line.Text)
				if err != nil {
					t.skipped.Add(1)
					log.Debug().Err(err).Int("length", len(line.Text)).Msg("Failed to parse record line")
					continue
				}
				if rec.Truncated {
					log.Warn().
						Str("client_id", rec.ClientID).
						Int("original_size", len(line.Text)).
						Msg("Truncated oversized record")
				}
				t.parsed.Add(1)

				select {
				case recordChan <- rec:
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		}
	}()

	return recordChan, errChan
}

func (t *FileTailer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}

	close(t.stopChan)
	t.running = false

	if t.tail != nil {
		return t.tail.Stop()
	}
	return nil
}

func (t *FileTailer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Stats returns parsed and skipped line counts.
func (t *FileTailer) Stats() (parsed, skipped uint64) {
	return t.parsed.Load(), t.skipped.Load()
}

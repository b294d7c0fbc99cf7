package app

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logsiem/internal/domain"
)

// Overflow entry kinds.
const (
	OverflowRecord = "record"
	OverflowThreat = "threat"
)

// jsonlSink appends one JSON document per line. A nil sink is disabled and
// every method on it is a no-op.
type jsonlSink struct {
	path string

	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
	n   atomic.Int64
}

func openSink(path string, bufSize int) (*jsonlSink, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	return &jsonlSink{path: path, f: f, buf: bufio.NewWriterSize(f, bufSize)}, nil
}

// put writes v as one line. durable lines reach the disk before put returns;
// others wait for flush.
func (s *jsonlSink) put(v any, durable bool) (int64, error) {
	line, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.buf.Write(append(line, '\n')); err != nil {
		return 0, err
	}
	if durable {
		if err := s.syncLocked(); err != nil {
			return 0, err
		}
	}
	return s.n.Add(1), nil
}

func (s *jsonlSink) syncLocked() error {
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *jsonlSink) flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked()
}

func (s *jsonlSink) close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	flushErr := s.buf.Flush()
	if err := s.f.Close(); err != nil {
		return err
	}
	return flushErr
}

func (s *jsonlSink) count() int64 {
	if s == nil {
		return 0
	}
	return s.n.Load()
}

// OverflowEntry is one spilled line.
type OverflowEntry struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// OverflowWriter keeps records and threats that found a full queue. Lines
// are buffered and reach the disk on Flush or Close.
type OverflowWriter struct {
	sink *jsonlSink
}

// NewOverflowWriter appends to path. An empty path disables the writer.
func NewOverflowWriter(path string) (*OverflowWriter, error) {
	sink, err := openSink(path, 64*1024)
	if err != nil {
		return nil, fmt.Errorf("open overflow file: %w", err)
	}
	if sink != nil {
		log.Info().Str("path", path).Msg("Overflow spill file opened")
	}
	return &OverflowWriter{sink: sink}, nil
}

func (w *OverflowWriter) WriteRecord(rec *domain.NormalizedRecord) error {
	return w.spill(OverflowRecord, rec)
}

func (w *OverflowWriter) WriteThreat(threat *domain.ThreatRecord) error {
	return w.spill(OverflowThreat, threat)
}

func (w *OverflowWriter) spill(kind string, v any) error {
	if w.sink == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.sink.put(OverflowEntry{Type: kind, Timestamp: time.Now().UTC(), Data: data}, false)
	return err
}

func (w *OverflowWriter) Flush() error {
	return w.sink.flush()
}

// Close flushes and closes the file.
func (w *OverflowWriter) Close() error {
	if n := w.sink.count(); n > 0 {
		log.Warn().
			Int64("spilled", n).
			Str("path", w.sink.path).
			Msg("Records and threats were spilled to overflow, replay them")
	}
	return w.sink.close()
}

func (w *OverflowWriter) Count() int64 {
	return w.sink.count()
}

func (w *OverflowWriter) Enabled() bool {
	return w.sink != nil
}

// QuarantineEntry is one record that made a worker panic.
type QuarantineEntry struct {
	Timestamp  time.Time                `json:"timestamp"`
	WorkerID   int                      `json:"worker_id"`
	PanicError string                   `json:"panic_error"`
	Record     *domain.NormalizedRecord `json:"record"`
}

// QuarantineWriter keeps the records that crashed a worker. Each entry is
// on disk before WriteToxicRecord returns.
type QuarantineWriter struct {
	sink *jsonlSink
}

func NewQuarantineWriter(path string) (*QuarantineWriter, error) {
	sink, err := openSink(path, 16*1024)
	if err != nil {
		return nil, fmt.Errorf("open quarantine file: %w", err)
	}
	if sink != nil {
		log.Info().Str("path", path).Msg("Quarantine file opened")
	}
	return &QuarantineWriter{sink: sink}, nil
}

func panicString(v any) string {
	switch p := v.(type) {
	case nil:
		return "unknown panic"
	case error:
		return p.Error()
	case string:
		return p
	default:
		return fmt.Sprintf("%v", p)
	}
}

// WriteToxicRecord stores rec with the panic value. rec is nil when the
// worker panicked between records.
func (w *QuarantineWriter) WriteToxicRecord(workerID int, panicErr any, rec *domain.NormalizedRecord) error {
	if w.sink == nil {
		return nil
	}

	reason := panicString(panicErr)
	n, err := w.sink.put(QuarantineEntry{
		Timestamp:  time.Now().UTC(),
		WorkerID:   workerID,
		PanicError: reason,
		Record:     rec,
	}, true)
	if err != nil {
		return err
	}

	log.Warn().
		Int("worker_id", workerID).
		Str("panic", reason).
		Int64("quarantined", n).
		Msg("Record quarantined after worker panic")
	return nil
}

func (w *QuarantineWriter) Close() error {
	if n := w.sink.count(); n > 0 {
		log.Warn().
			Int64("quarantined", n).
			Str("path", w.sink.path).
			Msg("Quarantine file holds records that crashed a worker")
	}
	return w.sink.close()
}

func (w *QuarantineWriter) Count() int64 {
	return w.sink.count()
}

func (w *QuarantineWriter) Enabled() bool {
	return w.sink != nil
}

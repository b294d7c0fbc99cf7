// Package storage provides the durable event store used by the worker pool
// and the correlator.
//
// Records and threats live in two bbolt buckets. Keys are the big-endian
// receive time in Unix nanoseconds followed by a big-endian bucket sequence,
// so a cursor walks them in time order and equal timestamps never collide.
// Values are JSON documents.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/xoelrdgz/logsiem/internal/domain"
)

var (
	RecordsBucket = []byte("records")
	ThreatsBucket = []byte("threats")

	ErrStoreClosed = errors.New("event store closed")
)

const keySize = 16

type BoltConfig struct {
	Path        string        // Database file (default: ./data/logsiem.db)
	OpenTimeout time.Duration // Wait for the file lock (default: 1s)
	NoSync      bool          // Skip fsync per commit; tests only
}

func DefaultBoltConfig() BoltConfig {
	return BoltConfig{
		Path:        "./data/logsiem.db",
		OpenTimeout: time.Second,
	}
}

// BoltStore is an EventStore backed by a single bbolt file. bbolt serializes
// writers, so concurrent Append calls are safe.
type BoltStore struct {
	db     *bolt.DB
	path   string
	closed atomic.Bool
}

func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultBoltConfig().Path
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBoltConfig().OpenTimeout
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout:    cfg.OpenTimeout,
		NoSync:     cfg.NoSync,
		NoGrowSync: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{RecordsBucket, ThreatsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &BoltStore{db: db, path: cfg.Path}
	records, threats, _ := s.Counts()
	log.Info().
		Str("db_path", cfg.Path).
		Int("records", records).
		Int("threats", threats).
		Msg("Event store opened")

	return s, nil
}

func (s *BoltStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return ctx.Err()
}

// timeKey builds the bucket key for t with sequence seq.
func timeKey(t time.Time, seq uint64) []byte {
	k := make([]byte, keySize)
	binary.BigEndian.PutUint64(k[:8], uint64(t.UnixNano()))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}

func keyTime(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[:8]))
}

func put(b *bolt.Bucket, at time.Time, v any) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode: %w", err)
	}
	return b.Put(timeKey(at, seq), data)
}

func (s *BoltStore) Append(ctx context.Context, rec domain.ClassifiedRecord) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(RecordsBucket), rec.ReceivedAt, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// AppendThreats stores all threats in one transaction.
func (s *BoltStore) AppendThreats(ctx context.Context, threats ...domain.ThreatRecord) error {
	if len(threats) == 0 {
		return nil
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ThreatsBucket)
		for i := range threats {
			if err := put(b, threats[i].Timestamp, threats[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append %d threats: %w", len(threats), err)
	}
	return nil
}

// scanRecords calls fn for every record received at or after since, oldest
// first, until fn returns false.
func (s *BoltStore) scanRecords(ctx context.Context, since time.Time, fn func(domain.ClassifiedRecord) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(RecordsBucket).Cursor()
		for k, v := c.Seek(timeKey(since, 0)); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec domain.ClassifiedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record at key %x: %w", k, err)
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

func containsFold(message, lowerPhrase string) bool {
	return strings.Contains(strings.ToLower(message), lowerPhrase)
}

func (s *BoltStore) CountMatchesSince(ctx context.Context, phrase string, since time.Time) ([]domain.GroupCount, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	lower := strings.ToLower(phrase)

	type group struct{ client, ip string }
	counts := make(map[group]int)
	err := s.scanRecords(ctx, since, func(rec domain.ClassifiedRecord) bool {
		if containsFold(rec.Message, lower) {
			counts[group{rec.ClientID, rec.SourceIP}]++
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count matches: %w", err)
	}

	out := make([]domain.GroupCount, 0, len(counts))
	for g, n := range counts {
		out = append(out, domain.GroupCount{ClientID: g.client, SourceIP: g.ip, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].SourceIP < out[j].SourceIP
	})
	return out, nil
}

// LatestMatch walks the records bucket backwards from the newest key.
func (s *BoltStore) LatestMatch(ctx context.Context, clientID, phrase string, since time.Time) (domain.ClassifiedRecord, bool, error) {
	var zero domain.ClassifiedRecord
	if err := s.check(ctx); err != nil {
		return zero, false, err
	}
	lower := strings.ToLower(phrase)
	floor := since.UnixNano()

	var (
		found domain.ClassifiedRecord
		ok    bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(RecordsBucket).Cursor()
		for k, v := c.Last(); k != nil && keyTime(k) >= floor; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec domain.ClassifiedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record at key %x: %w", k, err)
			}
			if rec.ClientID == clientID && containsFold(rec.Message, lower) {
				found, ok = rec, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return zero, false, fmt.Errorf("failed to find latest match: %w", err)
	}
	return found, ok, nil
}

// ThreatsSince lists stored threats at or after since, oldest first.
func (s *BoltStore) ThreatsSince(ctx context.Context, since time.Time) ([]domain.ThreatRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var out []domain.ThreatRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(ThreatsBucket).Cursor()
		for k, v := c.Seek(timeKey(since, 0)); k != nil; k, v = c.Next() {
			var t domain.ThreatRecord
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("corrupt threat at key %x: %w", k, err)
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list threats: %w", err)
	}
	return out, nil
}

// Counts returns the number of stored records and threats.
func (s *BoltStore) Counts() (records, threats int, err error) {
	if s.closed.Load() {
		return 0, 0, ErrStoreClosed
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		records = tx.Bucket(RecordsBucket).Stats().KeyN
		threats = tx.Bucket(ThreatsBucket).Stats().KeyN
		return nil
	})
	return records, threats, err
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.path
}

// Close closes the database. Later calls return ErrStoreClosed.
func (s *BoltStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

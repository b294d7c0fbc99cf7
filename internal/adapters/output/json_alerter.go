// Package output provides threat output adapters.
//
// This file implements threat destinations:
//   - JSONAlerter: buffered JSON lines to file or stdout
//   - MemoryAlerter: in-memory ring buffer of recent threats
//
// The console and NATS destinations live in console.go and nats.go.
//
// Thread Safety: All implementations are safe for concurrent Send() calls.
package output

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/xoelrdgz/logsiem/internal/domain"
)

const jsonBufferSize = 64 * 1024

// JSONAlerter writes threats as JSON lines to a file or stdout.
//
// Writes are buffered and flushed every FlushInterval; file output is
// synced on every flush.
type JSONAlerter struct {
	bufWriter *bufio.Writer
	file      *os.File // nil for stdout and discard
	encoder   *json.Encoder
	mu        sync.Mutex
	stopFlush chan struct{}
	closeOnce sync.Once
}

// JSONAlerterConfig configures JSON threat output.
type JSONAlerterConfig struct {
	FilePath      string        // Output file path (empty for discard)
	Stdout        bool          // Write to stdout
	Pretty        bool          // Indent JSON
	FlushInterval time.Duration // Periodic flush (default: 1s)
}

// NewJSONAlerter creates a JSON threat output.
//
// Output Priority:
//  1. Stdout if config.Stdout is true
//  2. File if config.FilePath is set (appended, mode 0600)
//  3. io.Discard otherwise
func NewJSONAlerter(config JSONAlerterConfig) (*JSONAlerter, error) {
	var writer io.Writer
	var file *os.File

	switch {
	case config.Stdout:
		writer = os.Stdout
	case config.FilePath != "":
		var err error
		file, err = os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		writer = file
	default:
		writer = io.Discard
	}

	return newJSONAlerter(writer, file, config), nil
}

// NewJSONWriterAlerter writes JSON lines to w. The caller owns w.
func NewJSONWriterAlerter(w io.Writer, config JSONAlerterConfig) *JSONAlerter {
	return newJSONAlerter(w, nil, config)
}

func newJSONAlerter(w io.Writer, file *os.File, config JSONAlerterConfig) *JSONAlerter {
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}

	bufWriter := bufio.NewWriterSize(w, jsonBufferSize)
	a := &JSONAlerter{
		bufWriter: bufWriter,
		file:      file,
		encoder:   json.NewEncoder(bufWriter),
		stopFlush: make(chan struct{}),
	}
	if config.Pretty {
		a.encoder.SetIndent("", "  ")
	}

	go a.periodicFlush(config.FlushInterval)
	return a
}

func (a *JSONAlerter) periodicFlush(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = a.Flush()
		case <-a.stopFlush:
			return
		}
	}
}

// Send encodes one threat as a JSON line.
func (a *JSONAlerter) Send(ctx context.Context, threat *domain.ThreatRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.encoder.Encode(threat)
}

// Flush writes buffered lines and syncs the file.
func (a *JSONAlerter) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.flushLocked()
}

func (a *JSONAlerter) flushLocked() error {
	if err := a.bufWriter.Flush(); err != nil {
		return err
	}
	if a.file != nil {
		return a.file.Sync()
	}
	return nil
}

// Close stops periodic flushing, flushes and closes the file. Safe to call
// more than once.
func (a *JSONAlerter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stopFlush)

		a.mu.Lock()
		defer a.mu.Unlock()

		err = a.flushLocked()
		if a.file != nil {
			if cerr := a.file.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

// MemoryAlerter stores threats in a fixed-size ring buffer. The oldest
// threat is overwritten once the buffer is full.
//
// Thread Safety: Safe for concurrent access via RWMutex.
type MemoryAlerter struct {
	threats    []*domain.ThreatRecord
	head       int // Next write position
	count      int
	maxThreats int
	mu         sync.RWMutex
}

// NewMemoryAlerter creates a ring buffer holding maxThreats entries
// (default: 1000 if <= 0).
func NewMemoryAlerter(maxThreats int) *MemoryAlerter {
	if maxThreats <= 0 {
		maxThreats = 1000
	}
	return &MemoryAlerter{
		threats:    make([]*domain.ThreatRecord, maxThreats),
		maxThreats: maxThreats,
	}
}

func (a *MemoryAlerter) Send(ctx context.Context, threat *domain.ThreatRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.threats[a.head] = threat
	a.head = (a.head + 1) % a.maxThreats
	if a.count < a.maxThreats {
		a.count++
	}
	return nil
}

func (a *MemoryAlerter) Flush() error {
	return nil
}

func (a *MemoryAlerter) Close() error {
	return nil
}

// Threats returns the stored threats, oldest first.
func (a *MemoryAlerter) Threats() []*domain.ThreatRecord {
	return a.Latest(0)
}

// Latest returns the n most recent threats, oldest first. n <= 0 returns
// everything stored.
func (a *MemoryAlerter) Latest(n int) []*domain.ThreatRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if n <= 0 || n > a.count {
		n = a.count
	}
	result := make([]*domain.ThreatRecord, n)
	for i := 0; i < n; i++ {
		idx := (a.head - n + i + a.maxThreats) % a.maxThreats
		result[i] = a.threats[idx]
	}
	return result
}

func (a *MemoryAlerter) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

func (a *MemoryAlerter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.head = 0
	a.count = 0
	clear(a.threats)
}

// OnThreat implements ports.ThreatSubscriber.
func (a *MemoryAlerter) OnThreat(threat *domain.ThreatRecord) {
	_ = a.Send(context.Background(), threat)
}

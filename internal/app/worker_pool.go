// Package app wires intake, classification, persistence, correlation and
// threat dispatch into a running pipeline.
//
// The WorkerPool classifies and persists records, the ThreatDispatcher fans
// threats out to outputs, and the CorrelationService mines persisted history
// on a ticker. Analyzer runs them under a suture supervisor.
package app

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logsiem/internal/adapters/detection"
	"github.com/xoelrdgz/logsiem/internal/domain"
	"github.com/xoelrdgz/logsiem/internal/ports"
)

// RecordClassifier is the part of detection.Classifier the pool uses.
type RecordClassifier interface {
	Evaluate(rec domain.NormalizedRecord) detection.Verdict
}

// WorkerPool classifies records, persists them and publishes inline threats.
//
// Features:
//   - Fixed worker count (one by default, which keeps a single store writer)
//   - Backpressure on Submit with overflow to disk
//   - Quarantine and automatic worker restart on panic
//   - In-flight records finish persisting after cancellation
//
// Thread Safety: All public methods are safe for concurrent access.
type WorkerPool struct {
	workerCount int
	inputChan   chan *domain.NormalizedRecord
	classifier  RecordClassifier
	store       ports.EventStore
	dispatcher  *ThreatDispatcher
	metrics     *domain.AnalysisMetrics
	collector   ports.MetricsCollector
	observer    ports.ProcessingObserver
	bufferSize  int

	submitTimeout time.Duration
	storeTimeout  time.Duration

	overflow        *OverflowWriter
	overflowRecords atomic.Int64
	quarantine      *QuarantineWriter
	quarantined     atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
	running  bool
	mu       sync.RWMutex
}

// WorkerPoolConfig defines worker pool configuration options.
type WorkerPoolConfig struct {
	WorkerCount    int           // Worker goroutines (default: 1)
	BufferSize     int           // Input queue capacity (default: 10000)
	SubmitTimeout  time.Duration // Backpressure timeout (default: 100ms)
	StoreTimeout   time.Duration // Deadline per store call (default: 5s)
	OverflowPath   string        // Spill file for rejected records (empty disables)
	QuarantinePath string        // File for records that caused a panic (empty disables)
}

func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:   1,
		BufferSize:    10000,
		SubmitTimeout: 100 * time.Millisecond,
		StoreTimeout:  5 * time.Second,
	}
}

// NewWorkerPool creates a pool. dispatcher and metrics may be nil.
func NewWorkerPool(config WorkerPoolConfig, classifier RecordClassifier, store ports.EventStore, dispatcher *ThreatDispatcher, metrics *domain.AnalysisMetrics) *WorkerPool {
	d := DefaultWorkerPoolConfig()
	if config.WorkerCount <= 0 {
		config.WorkerCount = d.WorkerCount
	}
	if config.BufferSize <= 0 {
		config.BufferSize = d.BufferSize
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = d.SubmitTimeout
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = d.StoreTimeout
	}

	wp := &WorkerPool{
		workerCount:   config.WorkerCount,
		inputChan:     make(chan *domain.NormalizedRecord, config.BufferSize),
		classifier:    classifier,
		store:         store,
		dispatcher:    dispatcher,
		metrics:       metrics,
		bufferSize:    config.BufferSize,
		submitTimeout: config.SubmitTimeout,
		storeTimeout:  config.StoreTimeout,
		stopChan:      make(chan struct{}),
	}

	if config.OverflowPath != "" {
		overflow, err := NewOverflowWriter(config.OverflowPath)
		if err != nil {
			log.Error().Err(err).Str("path", config.OverflowPath).Msg("Failed to create overflow writer")
		} else {
			wp.overflow = overflow
		}
	}

	if config.QuarantinePath != "" {
		quarantine, err := NewQuarantineWriter(config.QuarantinePath)
		if err != nil {
			log.Error().Err(err).Str("path", config.QuarantinePath).Msg("Failed to create quarantine writer")
		} else {
			wp.quarantine = quarantine
		}
	}

	return wp
}

// SetMetricsCollector attaches Prometheus style hooks. Call before Start.
func (wp *WorkerPool) SetMetricsCollector(c ports.MetricsCollector) {
	wp.collector = c
}

// SetProcessingObserver attaches a per-record outcome hook. Call before Start.
func (wp *WorkerPool) SetProcessingObserver(o ports.ProcessingObserver) {
	wp.observer = o
}

// Start launches the workers. Idempotent.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.mu.Lock()
	if wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = true
	wp.mu.Unlock()

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}

	if wp.metrics != nil {
		wp.metrics.SetActiveWorkers(wp.workerCount)
	}
	if wp.collector != nil {
		wp.collector.SetActiveWorkers(wp.workerCount)
	}

	log.Info().
		Int("workers", wp.workerCount).
		Int("buffer", wp.bufferSize).
		Msg("Worker pool started")
}

// worker drains the input queue until it is closed or ctx is cancelled.
// A panic quarantines the current record and restarts the worker.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	var current *domain.NormalizedRecord

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Int("worker_id", id).
				Msg("Worker panic recovered")

			wp.quarantined.Add(1)
			wp.observe("panic")
			if wp.quarantine != nil && wp.quarantine.Enabled() {
				if err := wp.quarantine.WriteToxicRecord(id, r, current); err != nil {
					log.Error().Err(err).Int("worker_id", id).Msg("Failed to quarantine toxic record")
				}
			}

			wp.wg.Add(1)
			go wp.worker(ctx, id)
		}
	}()

	log.Debug().Int("worker_id", id).Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("worker_id", id).Msg("Worker stopped (context cancelled)")
			return
		case rec, ok := <-wp.inputChan:
			if !ok {
				log.Debug().Int("worker_id", id).Msg("Worker stopped (input channel closed)")
				return
			}
			current = rec
			wp.process(ctx, rec)
			current = nil
		}
	}
}

// process classifies one record, appends it and, for THREAT, persists and
// publishes the derived threat. Store failures are logged and counted; they
// never roll back counter state.
func (wp *WorkerPool) process(ctx context.Context, rec *domain.NormalizedRecord) {
	start := time.Now()

	verdict := wp.classifier.Evaluate(*rec)
	classified := domain.ClassifiedRecord{NormalizedRecord: *rec, Severity: verdict.Severity}

	if wp.metrics != nil {
		wp.metrics.RecordSeverity(verdict.Severity)
	}
	if wp.collector != nil {
		wp.collector.IncrementRecords(verdict.Severity)
		if reason := verdict.Reason(); reason != "" {
			wp.collector.IncrementRuleHits(reason)
		}
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wp.storeTimeout)
	defer cancel()

	result := strings.ToLower(string(verdict.Severity))
	if err := wp.store.Append(storeCtx, classified); err != nil {
		wp.storeFailed(err, "append", rec)
		result = "store_error"
	}

	if classified.IsThreat() {
		threat := domain.NewInlineThreat(classified, verdict.Reason())
		if err := wp.store.AppendThreats(storeCtx, threat); err != nil {
			wp.storeFailed(err, "append_threats", rec)
			result = "store_error"
		} else if wp.collector != nil {
			wp.collector.IncrementThreats(domain.ProvenanceInline)
		}

		log.Debug().
			Str("client_id", rec.ClientID).
			Str("source_ip", rec.SourceIP).
			Str("rule", threat.Rule).
			Int("risk", verdict.Risk).
			Msg("Inline threat")

		if wp.dispatcher != nil {
			wp.dispatcher.Publish(threat)
		}
	}

	wp.observe(result)
	if wp.collector != nil {
		wp.collector.ObserveProcessingTime(time.Since(start).Seconds())
	}
}

func (wp *WorkerPool) storeFailed(err error, op string, rec *domain.NormalizedRecord) {
	log.Warn().
		Err(err).
		Str("op", op).
		Str("client_id", rec.ClientID).
		Msg("Event store call failed")
	if wp.metrics != nil {
		wp.metrics.IncrementStoreErrors()
	}
	if wp.collector != nil {
		wp.collector.IncrementStoreErrors()
	}
}

func (wp *WorkerPool) observe(result string) {
	if wp.observer != nil {
		wp.observer.IncrementRecordsProcessedByResult(result)
	}
}

// Submit queues a record, waiting up to SubmitTimeout for space before
// spilling it to the overflow file.
//
// Returns false if the pool is not running or every fallback failed.
func (wp *WorkerPool) Submit(rec *domain.NormalizedRecord) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if !wp.running {
		return false
	}

	select {
	case wp.inputChan <- rec:
		return true
	default:
	}

	timer := time.NewTimer(wp.submitTimeout)
	defer timer.Stop()
	select {
	case wp.inputChan <- rec:
		return true
	case <-timer.C:
	}

	if wp.overflow != nil && wp.overflow.Enabled() {
		if err := wp.overflow.WriteRecord(rec); err != nil {
			log.Error().Err(err).Msg("Failed to write record to overflow")
			return false
		}
		wp.overflowRecords.Add(1)
		return true
	}
	return false
}

// SubmitBlocking blocks until the record is queued, ctx is cancelled or
// the pool stops.
func (wp *WorkerPool) SubmitBlocking(ctx context.Context, rec *domain.NormalizedRecord) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if !wp.running {
		return false
	}

	select {
	case wp.inputChan <- rec:
		return true
	case <-ctx.Done():
		return false
	case <-wp.stopChan:
		return false
	}
}

// Stop closes the queue, lets workers drain it and closes the spill files.
// Idempotent.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.stopChan)

		wp.mu.Lock()
		wp.running = false
		close(wp.inputChan)
		wp.mu.Unlock()

		wp.wg.Wait()

		if wp.overflow != nil {
			if err := wp.overflow.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close overflow writer")
			}
		}
		if wp.quarantine != nil {
			if err := wp.quarantine.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close quarantine writer")
			}
		}

		if wp.metrics != nil {
			wp.metrics.SetActiveWorkers(0)
		}
		if wp.collector != nil {
			wp.collector.SetActiveWorkers(0)
		}

		if n := wp.overflowRecords.Load(); n > 0 {
			log.Warn().Int64("overflow_records", n).Msg("Worker pool stopped with records in overflow file")
		} else {
			log.Info().Msg("Worker pool stopped")
		}
	})
}

func (wp *WorkerPool) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}

func (wp *WorkerPool) QueueLength() int {
	return len(wp.inputChan)
}

func (wp *WorkerPool) QueueCapacity() int {
	return wp.bufferSize
}

// QueueUtilization returns the percentage of queue capacity in use.
func (wp *WorkerPool) QueueUtilization() float64 {
	if wp.bufferSize == 0 {
		return 0
	}
	return float64(len(wp.inputChan)) / float64(wp.bufferSize) * 100
}

func (wp *WorkerPool) OverflowRecords() int64 {
	return wp.overflowRecords.Load()
}

// Quarantined returns how many records made a worker panic.
func (wp *WorkerPool) Quarantined() int64 {
	return wp.quarantined.Load()
}

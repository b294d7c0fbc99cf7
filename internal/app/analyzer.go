package app

import (
	"context"
	"errors"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"

	"github.com/xoelrdgz/logsiem/internal/domain"
	"github.com/xoelrdgz/logsiem/internal/ports"
)

// CounterSweeper is the part of detection.Classifier the housekeeping loop
// uses.
type CounterSweeper interface {
	Sweep(now time.Time) int
	TrackedKeys() int
}

// GaugeSink receives pipeline gauges. Satisfied by output.PrometheusMetrics.
type GaugeSink interface {
	SetQueueLength(n int)
	SetTrackedKeys(n int)
}

type AnalyzerConfig struct {
	SweepInterval   time.Duration // Counter sweep period (default: 30s)
	StatsInterval   time.Duration // Gauge refresh period (default: 1s)
	ShutdownTimeout time.Duration // Supervisor stop deadline (default: 10s)
}

func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		SweepInterval:   30 * time.Second,
		StatsInterval:   time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Analyzer runs the pipeline: intake feeds the worker pool, the pool
// persists and publishes, and the correlation service mines history.
// Intake, correlation and housekeeping run as suture services.
type Analyzer struct {
	cfg         AnalyzerConfig
	reader      ports.RecordReader
	pool        *WorkerPool
	dispatcher  *ThreatDispatcher
	correlation *CorrelationService
	sweeper     CounterSweeper
	metrics     *domain.AnalysisMetrics
	gauges      GaugeSink

	supervisor *suture.Supervisor
	supErr     <-chan error
	cancel     context.CancelFunc
	cancelPool context.CancelFunc
	intakeDone chan struct{}

	running bool
	mu      sync.Mutex
}

// NewAnalyzer assembles a runtime. correlation, sweeper and gauges may be nil.
func NewAnalyzer(cfg AnalyzerConfig, reader ports.RecordReader, pool *WorkerPool, dispatcher *ThreatDispatcher, correlation *CorrelationService, sweeper CounterSweeper, metrics *domain.AnalysisMetrics) *Analyzer {
	d := DefaultAnalyzerConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = d.StatsInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	if metrics == nil {
		metrics = domain.NewAnalysisMetrics()
	}
	return &Analyzer{
		cfg:         cfg,
		reader:      reader,
		pool:        pool,
		dispatcher:  dispatcher,
		correlation: correlation,
		sweeper:     sweeper,
		metrics:     metrics,
		intakeDone:  make(chan struct{}),
	}
}

func (a *Analyzer) SetGaugeSink(g GaugeSink) {
	a.gauges = g
}

func supervisorEvent(e suture.Event) {
	switch e.Type() {
	case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
		log.Error().Fields(e.Map()).Msg("Supervised service failed")
	case suture.EventTypeBackoff:
		log.Warn().Fields(e.Map()).Msg("Supervisor entering backoff")
	default:
		log.Debug().Fields(e.Map()).Msg("Supervisor event")
	}
}

// Start launches the pipeline and returns immediately.
func (a *Analyzer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.running = true

	// Workers outlive the supervisor so they can drain the queue on Stop.
	poolCtx, cancelPool := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelPool = cancelPool
	if a.dispatcher != nil {
		a.dispatcher.Start()
	}
	a.pool.Start(poolCtx)

	a.supervisor = suture.New("logsiem", suture.Spec{
		EventHook: supervisorEvent,
		Timeout:   a.cfg.ShutdownTimeout,
	})
	a.supervisor.Add(&intakeService{reader: a.reader, pool: a.pool, done: a.intakeDone})
	a.supervisor.Add(&housekeepingService{a: a})
	if a.correlation != nil {
		a.supervisor.Add(a.correlation)
	}

	supCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.supErr = a.supervisor.ServeBackground(supCtx)

	log.Info().Bool("correlation", a.correlation != nil).Msg("Analyzer started")
	return nil
}

// Done is closed when intake has no more records, for example after a
// file was read without following it.
func (a *Analyzer) Done() <-chan struct{} {
	return a.intakeDone
}

// Stop shuts intake and correlation down, drains the worker pool and
// flushes the outputs. Idempotent.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false

	log.Info().Msg("Stopping analyzer gracefully...")

	a.cancel()
	select {
	case err := <-a.supErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("Supervisor stopped with error")
		}
	case <-time.After(a.cfg.ShutdownTimeout):
		log.Warn().Msg("Supervisor did not stop in time")
	}

	a.pool.Stop()
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	a.cancelPool()

	snap := a.metrics.GetSnapshot()
	log.Info().
		Int64("records", snap.TotalRecords).
		Int64("threats", snap.ThreatRecords).
		Int64("correlated", snap.CorrelatedThreats).
		Int64("store_errors", snap.StoreErrors).
		Msg("Analyzer stopped")
}

// Run starts the pipeline and blocks until SIGINT/SIGTERM, ctx
// cancellation or the end of intake.
func (a *Analyzer) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(sigCtx); err != nil {
		return err
	}

	select {
	case <-sigCtx.Done():
		log.Info().Msg("Received shutdown signal")
	case <-a.intakeDone:
		log.Info().Msg("Intake finished")
	}

	a.Stop()
	return nil
}

func (a *Analyzer) Metrics() domain.MetricsSnapshot {
	return a.metrics.GetSnapshot()
}

func (a *Analyzer) InternalMetrics() *domain.AnalysisMetrics {
	return a.metrics
}

func (a *Analyzer) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// intakeService moves records from the reader into the worker pool.
type intakeService struct {
	reader   ports.RecordReader
	pool     *WorkerPool
	done     chan struct{}
	doneOnce sync.Once
}

func (s *intakeService) Serve(ctx context.Context) error {
	records, errs := s.reader.Start(ctx)
	defer func() {
		if err := s.reader.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping reader")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Error().Err(err).Msg("Error reading records")
		case rec, ok := <-records:
			if !ok {
				log.Info().Msg("Record channel closed")
				s.doneOnce.Do(func() { close(s.done) })
				return suture.ErrDoNotRestart
			}
			if err := rec.Validate(); err != nil {
				log.Debug().Err(err).Str("client_id", rec.ClientID).Msg("Dropping invalid record")
				continue
			}
			if !s.pool.SubmitBlocking(ctx, rec) {
				log.Warn().Str("client_id", rec.ClientID).Msg("Failed to submit record to worker pool")
			}
		}
	}
}

func (s *intakeService) String() string {
	return "intake"
}

// housekeepingService sweeps expired counter keys and refreshes gauges.
type housekeepingService struct {
	a *Analyzer

	lastTotal int64
	lastCheck time.Time
}

func (s *housekeepingService) Serve(ctx context.Context) error {
	a := s.a
	stats := time.NewTicker(a.cfg.StatsInterval)
	sweep := time.NewTicker(a.cfg.SweepInterval)
	defer stats.Stop()
	defer sweep.Stop()

	s.lastCheck = time.Now()
	s.lastTotal = a.metrics.TotalRecords()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-sweep.C:
			if a.sweeper != nil {
				if removed := a.sweeper.Sweep(now); removed > 0 {
					log.Debug().Int("removed", removed).Msg("Swept expired window keys")
				}
			}
		case now := <-stats.C:
			s.refresh(now)
		}
	}
}

func (s *housekeepingService) refresh(now time.Time) {
	a := s.a
	if elapsed := now.Sub(s.lastCheck).Seconds(); elapsed > 0 {
		total := a.metrics.TotalRecords()
		a.metrics.UpdateRPS(float64(total-s.lastTotal) / elapsed)
		s.lastTotal = total
		s.lastCheck = now
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	a.metrics.SetMemoryUsage(float64(ms.Alloc) / 1024 / 1024)

	if a.gauges != nil {
		a.gauges.SetQueueLength(a.pool.QueueLength())
		if a.sweeper != nil {
			a.gauges.SetTrackedKeys(a.sweeper.TrackedKeys())
		}
	}
}

func (s *housekeepingService) String() string {
	return "housekeeping"
}

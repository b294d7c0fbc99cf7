package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logsiem/internal/domain"
	"github.com/xoelrdgz/logsiem/internal/ports"
)

const DefaultCorrelationInterval = 2 * time.Second

// CorrelationRunner is the part of detection.Correlator the service uses.
type CorrelationRunner interface {
	Run(ctx context.Context, now time.Time) ([]domain.ThreatRecord, error)
}

// CorrelationService runs a correlation pass on a ticker. It implements
// suture.Service.
//
// Cancellation is honoured between passes only: a pass that has started
// runs to completion on a context detached from the service context.
type CorrelationService struct {
	runner     CorrelationRunner
	dispatcher *ThreatDispatcher
	metrics    *domain.AnalysisMetrics
	collector  ports.MetricsCollector
	now        func() time.Time

	interval atomic.Int64 // nanoseconds
	reset    chan struct{}

	passes   atomic.Int64
	failures atomic.Int64
	found    atomic.Int64

	mu       sync.Mutex
	lastPass time.Time
	lastErr  error
}

// NewCorrelationService creates the service. dispatcher, metrics and
// collector may be nil.
func NewCorrelationService(runner CorrelationRunner, interval time.Duration, dispatcher *ThreatDispatcher, metrics *domain.AnalysisMetrics, collector ports.MetricsCollector) *CorrelationService {
	s := &CorrelationService{
		runner:     runner,
		dispatcher: dispatcher,
		metrics:    metrics,
		collector:  collector,
		now:        time.Now,
		reset:      make(chan struct{}, 1),
	}
	s.SetInterval(interval)
	return s
}

// SetInterval changes the pass interval. A running service picks it up
// after the current tick.
func (s *CorrelationService) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultCorrelationInterval
	}
	if time.Duration(s.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

func (s *CorrelationService) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// Serve implements suture.Service.
func (s *CorrelationService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	log.Info().Dur("interval", s.Interval()).Msg("Correlation service started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Int64("passes", s.passes.Load()).Msg("Correlation service stopped")
			return ctx.Err()
		case <-s.reset:
			ticker.Reset(s.Interval())
			log.Info().Dur("interval", s.Interval()).Msg("Correlation interval updated")
		case <-ticker.C:
			s.RunOnce(context.WithoutCancel(ctx))
		}
	}
}

// RunOnce executes one pass and publishes what it found. Errors are logged
// and counted; the next tick tries again.
func (s *CorrelationService) RunOnce(ctx context.Context) ([]domain.ThreatRecord, error) {
	start := time.Now()
	threats, err := s.runner.Run(ctx, s.now())
	elapsed := time.Since(start)

	s.passes.Add(1)
	s.mu.Lock()
	s.lastPass = start
	s.lastErr = err
	s.mu.Unlock()

	result := "ok"
	switch {
	case err != nil:
		result = "error"
		s.failures.Add(1)
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("Correlation pass failed")
	case len(threats) > 0:
		result = "found"
		s.found.Add(int64(len(threats)))
		if s.metrics != nil {
			s.metrics.AddCorrelatedThreats(len(threats))
		}
		for _, t := range threats {
			log.Warn().
				Str("client_id", t.ClientID).
				Str("source_ip", t.SourceIP).
				Str("message", t.Message).
				Msg("Correlated threat")
			if s.collector != nil {
				s.collector.IncrementThreats(domain.ProvenanceCorrelated)
			}
		}
		if s.dispatcher != nil {
			s.dispatcher.Publish(threats...)
		}
	}

	if s.collector != nil {
		s.collector.ObserveCorrelationPass(result, elapsed.Seconds())
	}
	return threats, err
}

// Stats returns pass, failure and finding counts.
func (s *CorrelationService) Stats() (passes, failures, found int64) {
	return s.passes.Load(), s.failures.Load(), s.found.Load()
}

// LastPass returns when the last pass started and its error.
func (s *CorrelationService) LastPass() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPass, s.lastErr
}

func (s *CorrelationService) String() string {
	return "correlation"
}

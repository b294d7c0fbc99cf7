package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/xoelrdgz/logsiem/internal/domain"
	"github.com/xoelrdgz/logsiem/internal/ports"
)

// BreakerConfig configures the circuit breaker around a store.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // Consecutive failures that open the breaker (default: 5)
	Timeout          time.Duration // Open state duration before a probe (default: 30s)
	MaxRequests      uint32        // Probes allowed while half-open (default: 1)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "event-store",
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

// BreakerStore guards another EventStore with a circuit breaker. Once the
// inner store keeps failing, calls fail fast with gobreaker.ErrOpenState
// instead of queueing behind a dead disk.
type BreakerStore struct {
	next ports.EventStore
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerStore(next ports.EventStore, cfg BreakerConfig) *BreakerStore {
	d := DefaultBreakerConfig()
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = d.MaxRequests
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Caller cancellation says nothing about store health. A deadline
		// that expires inside the store does, so it counts as a failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Event store circuit breaker changed state")
		},
	}

	return &BreakerStore{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[any](settings),
	}
}

func (b *BreakerStore) Append(ctx context.Context, rec domain.ClassifiedRecord) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Append(ctx, rec)
	})
	return err
}

func (b *BreakerStore) AppendThreats(ctx context.Context, threats ...domain.ThreatRecord) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.AppendThreats(ctx, threats...)
	})
	return err
}

func (b *BreakerStore) CountMatchesSince(ctx context.Context, phrase string, since time.Time) ([]domain.GroupCount, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.CountMatchesSince(ctx, phrase, since)
	})
	if err != nil {
		return nil, err
	}
	groups, _ := res.([]domain.GroupCount)
	return groups, nil
}

type latestResult struct {
	rec   domain.ClassifiedRecord
	found bool
}

func (b *BreakerStore) LatestMatch(ctx context.Context, clientID, phrase string, since time.Time) (domain.ClassifiedRecord, bool, error) {
	res, err := b.cb.Execute(func() (any, error) {
		rec, found, err := b.next.LatestMatch(ctx, clientID, phrase, since)
		return latestResult{rec: rec, found: found}, err
	})
	if err != nil {
		return domain.ClassifiedRecord{}, false, err
	}
	r := res.(latestResult)
	return r.rec, r.found, nil
}

// ThreatsSince forwards to the inner store when it can list threats.
func (b *BreakerStore) ThreatsSince(ctx context.Context, since time.Time) ([]domain.ThreatRecord, error) {
	lister, ok := b.next.(ports.ThreatLister)
	if !ok {
		return nil, errors.New("inner store cannot list threats")
	}
	res, err := b.cb.Execute(func() (any, error) {
		return lister.ThreatsSince(ctx, since)
	})
	if err != nil {
		return nil, err
	}
	threats, _ := res.([]domain.ThreatRecord)
	return threats, nil
}

func (b *BreakerStore) Close() error {
	return b.next.Close()
}

// State returns "closed", "half-open" or "open".
func (b *BreakerStore) State() string {
	return b.cb.State().String()
}

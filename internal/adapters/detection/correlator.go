package detection

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logsiem/internal/domain"
	"github.com/xoelrdgz/logsiem/internal/ports"
)

const (
	DefaultLookback          = 2 * time.Minute
	DefaultMinFailedAttempts = 5
	DefaultDedupeSize        = 10000

	FailedLoginPhrase  = "failed login attempt"
	SuccessLoginPhrase = "login successful"
)

// CorrelatorConfig configures a Correlator.
type CorrelatorConfig struct {
	Lookback          time.Duration // History scanned per pass (default: 2m)
	MinFailedAttempts int           // Failed logins per (client, address) to become a suspect (default: 5)

	// Dedupe suppresses a finding already emitted for the same client and
	// address within the same lookback bucket. Off by default: a suspect is
	// re-affirmed on every pass while its burst is inside the lookback.
	Dedupe     bool
	DedupeSize int // Remembered findings (default: 10000)
}

type findingKey struct {
	clientID string
	sourceIP string
	bucket   int64
}

// Correlator mines recent persisted history for brute force followed by a
// successful login.
//
// Thread Safety: Run may be called concurrently with classification. Two
// concurrent Run calls are not coordinated with each other.
type Correlator struct {
	store ports.EventStore
	cfg   CorrelatorConfig
	seen  *lru.Cache[findingKey, struct{}]
}

func NewCorrelator(store ports.EventStore, cfg CorrelatorConfig) (*Correlator, error) {
	if store == nil {
		return nil, fmt.Errorf("correlator requires an event store")
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.MinFailedAttempts <= 0 {
		cfg.MinFailedAttempts = DefaultMinFailedAttempts
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}

	c := &Correlator{store: store, cfg: cfg}
	if cfg.Dedupe {
		seen, err := lru.New[findingKey, struct{}](cfg.DedupeSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
		}
		c.seen = seen
	}
	return c, nil
}

// Suspects returns the (client, address) pairs with at least
// MinFailedAttempts failed logins received since since.
func (c *Correlator) Suspects(ctx context.Context, since time.Time) ([]domain.CorrelationSuspect, error) {
	groups, err := c.store.CountMatchesSince(ctx, FailedLoginPhrase, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count failed logins: %w", err)
	}

	var suspects []domain.CorrelationSuspect
	for _, g := range groups {
		if g.Count >= c.cfg.MinFailedAttempts {
			suspects = append(suspects, domain.CorrelationSuspect{
				ClientID:       g.ClientID,
				SourceIP:       g.SourceIP,
				FailedAttempts: g.Count,
			})
		}
	}
	return suspects, nil
}

// Run executes one correlation pass as of now and returns the threats it
// persisted. Any query or append failure aborts the pass without persisting
// anything.
func (c *Correlator) Run(ctx context.Context, now time.Time) ([]domain.ThreatRecord, error) {
	windowStart := now.Add(-c.cfg.Lookback)

	suspects, err := c.Suspects(ctx, windowStart)
	if err != nil {
		return nil, err
	}

	var (
		threats []domain.ThreatRecord
		keys    []findingKey
	)
	for _, s := range suspects {
		key := findingKey{clientID: s.ClientID, sourceIP: s.SourceIP, bucket: now.Truncate(c.cfg.Lookback).UnixNano()}
		if c.seen != nil && c.seen.Contains(key) {
			log.Debug().
				Str("client_id", s.ClientID).
				Str("source_ip", s.SourceIP).
				Msg("Correlation finding already emitted in this bucket")
			continue
		}

		_, found, err := c.store.LatestMatch(ctx, s.ClientID, SuccessLoginPhrase, windowStart)
		if err != nil {
			return nil, fmt.Errorf("failed to look up successful login for %s: %w", s.ClientID, err)
		}
		if !found {
			continue
		}

		threats = append(threats, domain.NewCorrelatedThreat(now, s.ClientID, s.SourceIP, BruteforceMessage(s.FailedAttempts)))
		keys = append(keys, key)
	}

	if len(threats) == 0 {
		return nil, nil
	}
	if err := c.store.AppendThreats(ctx, threats...); err != nil {
		return nil, fmt.Errorf("failed to persist correlated threats: %w", err)
	}
	if c.seen != nil {
		for _, k := range keys {
			c.seen.Add(k, struct{}{})
		}
	}
	return threats, nil
}

// BruteforceMessage is the message of a synthesized brute force finding.
func BruteforceMessage(failed int) string {
	return fmt.Sprintf("Bruteforce suspected: %d failed logins followed by successful login", failed)
}

// Lookback returns the configured lookback.
func (c *Correlator) Lookback() time.Duration {
	return c.cfg.Lookback
}

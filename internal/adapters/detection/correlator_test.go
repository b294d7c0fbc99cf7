package detection

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/logsiem/internal/domain"
)

// memStore is an in-memory EventStore for correlator tests.
type memStore struct {
	mu        sync.Mutex
	records   []domain.ClassifiedRecord
	threats   []domain.ThreatRecord
	countErr  error
	latestErr error
	appendErr error
}

func (s *memStore) Append(_ context.Context, rec domain.ClassifiedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) AppendThreats(_ context.Context, threats ...domain.ThreatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.threats = append(s.threats, threats...)
	return nil
}

func (s *memStore) CountMatchesSince(_ context.Context, phrase string, since time.Time) ([]domain.GroupCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return nil, s.countErr
	}
	counts := map[[2]string]int{}
	for _, r := range s.records {
		if !r.ReceivedAt.Before(since) && strings.Contains(strings.ToLower(r.Message), phrase) {
			counts[[2]string{r.ClientID, r.SourceIP}]++
		}
	}
	var out []domain.GroupCount
	for k, n := range counts {
		out = append(out, domain.GroupCount{ClientID: k[0], SourceIP: k[1], Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].SourceIP < out[j].SourceIP
	})
	return out, nil
}

func (s *memStore) LatestMatch(_ context.Context, clientID, phrase string, since time.Time) (domain.ClassifiedRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestErr != nil {
		return domain.ClassifiedRecord{}, false, s.latestErr
	}
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.ClientID == clientID && !r.ReceivedAt.Before(since) && strings.Contains(strings.ToLower(r.Message), phrase) {
			return r, true, nil
		}
	}
	return domain.ClassifiedRecord{}, false, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) add(client, ip, message string, at time.Time) {
	_ = s.Append(context.Background(), domain.ClassifiedRecord{
		NormalizedRecord: domain.NormalizedRecord{ReceivedAt: at, ClientID: client, SourceIP: ip, Message: message},
		Severity:         domain.SeverityInfo,
	})
}

func seedBruteforce(s *memStore, client, ip string, failures int, start time.Time) time.Time {
	at := start
	for i := 0; i < failures; i++ {
		at = start.Add(time.Duration(i) * time.Second)
		s.add(client, ip, "Failed login attempt for admin", at)
	}
	at = at.Add(time.Second)
	s.add(client, ip, "Login successful for admin", at)
	return at
}

func newTestCorrelator(t *testing.T, store *memStore, cfg CorrelatorConfig) *Correlator {
	t.Helper()
	c, err := NewCorrelator(store, cfg)
	require.NoError(t, err)
	return c
}

func TestCorrelator_FiveFailuresThenSuccess(t *testing.T) {
	store := &memStore{}
	last := seedBruteforce(store, "C1", "1.2.3.4", 5, base)
	now := last.Add(time.Second)

	c := newTestCorrelator(t, store, CorrelatorConfig{})
	threats, err := c.Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, threats, 1)

	th := threats[0]
	assert.Contains(t, th.Message, "5 failed logins")
	assert.Equal(t, "Bruteforce suspected: 5 failed logins followed by successful login", th.Message)
	assert.Equal(t, "C1", th.ClientID)
	assert.Equal(t, "1.2.3.4", th.SourceIP)
	assert.Empty(t, th.SourceMAC)
	assert.Equal(t, domain.SeverityThreat, th.Severity)
	assert.Equal(t, domain.ProvenanceCorrelated, th.Provenance)
	assert.True(t, th.Timestamp.Equal(now))
	assert.NotEmpty(t, th.ID)

	assert.Equal(t, threats, store.threats)
}

func TestCorrelator_FourFailuresIsNotEnough(t *testing.T) {
	store := &memStore{}
	last := seedBruteforce(store, "C1", "1.2.3.4", 4, base)

	c := newTestCorrelator(t, store, CorrelatorConfig{})
	threats, err := c.Run(context.Background(), last.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, threats)
	assert.Empty(t, store.threats)
}

func TestCorrelator_RequiresSuccessfulLogin(t *testing.T) {
	store := &memStore{}
	for i := 0; i < 8; i++ {
		store.add("C1", "1.2.3.4", "Failed login attempt", base.Add(time.Duration(i)*time.Second))
	}
	store.add("C2", "1.2.3.4", "login successful", base.Add(10*time.Second))

	c := newTestCorrelator(t, store, CorrelatorConfig{})
	threats, err := c.Run(context.Background(), base.Add(20*time.Second))
	require.NoError(t, err)
	assert.Empty(t, threats, "success from another client does not count")
}

func TestCorrelator_OutsideLookback(t *testing.T) {
	store := &memStore{}
	last := seedBruteforce(store, "C1", "1.2.3.4", 5, base)

	c := newTestCorrelator(t, store, CorrelatorConfig{})
	threats, err := c.Run(context.Background(), last.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, threats)
}

func TestCorrelator_GroupsByClientAndAddress(t *testing.T) {
	store := &memStore{}
	for i := 0; i < 3; i++ {
		store.add("C1", "1.1.1.1", "failed login attempt", base.Add(time.Duration(i)*time.Second))
		store.add("C1", "2.2.2.2", "failed login attempt", base.Add(time.Duration(i)*time.Second))
	}
	for i := 0; i < 6; i++ {
		store.add("C2", "3.3.3.3", "failed login attempt", base.Add(time.Duration(i)*time.Second))
	}
	store.add("C1", "1.1.1.1", "login successful", base.Add(10*time.Second))
	store.add("C2", "3.3.3.3", "login successful", base.Add(10*time.Second))

	c := newTestCorrelator(t, store, CorrelatorConfig{})
	suspects, err := c.Suspects(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, []domain.CorrelationSuspect{{ClientID: "C2", SourceIP: "3.3.3.3", FailedAttempts: 6}}, suspects)

	threats, err := c.Run(context.Background(), base.Add(20*time.Second))
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, "C2", threats[0].ClientID)
	assert.Contains(t, threats[0].Message, "6 failed logins")
}

func TestCorrelator_ReaffirmsOnEveryPass(t *testing.T) {
	store := &memStore{}
	last := seedBruteforce(store, "C1", "1.2.3.4", 5, base)

	c := newTestCorrelator(t, store, CorrelatorConfig{})
	for i := 1; i <= 3; i++ {
		threats, err := c.Run(context.Background(), last.Add(time.Duration(i)*2*time.Second))
		require.NoError(t, err)
		assert.Len(t, threats, 1)
	}
	assert.Len(t, store.threats, 3)
}

func TestCorrelator_Dedupe(t *testing.T) {
	store := &memStore{}
	seedBruteforce(store, "C1", "1.2.3.4", 5, base)

	c := newTestCorrelator(t, store, CorrelatorConfig{Dedupe: true, DedupeSize: 16})
	first, err := c.Run(context.Background(), base.Add(10*time.Second))
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := c.Run(context.Background(), base.Add(12*time.Second))
	require.NoError(t, err)
	assert.Empty(t, second)

	// A new lookback bucket re-emits while the burst is still in range.
	next := base.Add(10 * time.Second).Truncate(DefaultLookback).Add(DefaultLookback)
	require.LessOrEqual(t, next.Sub(base), DefaultLookback)
	third, err := c.Run(context.Background(), next)
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

func TestCorrelator_FailuresApplyNothing(t *testing.T) {
	boom := errors.New("disk on fire")

	tests := []struct {
		name   string
		mutate func(*memStore)
	}{
		{"count query", func(s *memStore) { s.countErr = boom }},
		{"latest query", func(s *memStore) { s.latestErr = boom }},
		{"append", func(s *memStore) { s.appendErr = boom }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &memStore{}
			seedBruteforce(store, "C1", "1.2.3.4", 5, base)
			seedBruteforce(store, "C2", "5.6.7.8", 5, base)
			tc.mutate(store)

			c := newTestCorrelator(t, store, CorrelatorConfig{Dedupe: true})
			threats, err := c.Run(context.Background(), base.Add(10*time.Second))
			assert.ErrorIs(t, err, boom)
			assert.Nil(t, threats)
			assert.Empty(t, store.threats)

			// The dedupe cache is only updated after a successful append.
			store.countErr, store.latestErr, store.appendErr = nil, nil, nil
			threats, err = c.Run(context.Background(), base.Add(10*time.Second))
			require.NoError(t, err)
			assert.Len(t, threats, 2)
		})
	}
}

func TestNewCorrelator(t *testing.T) {
	_, err := NewCorrelator(nil, CorrelatorConfig{})
	assert.Error(t, err)

	c, err := NewCorrelator(&memStore{}, CorrelatorConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultLookback, c.Lookback())
}

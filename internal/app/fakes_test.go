package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xoelrdgz/logsiem/internal/adapters/detection"
	"github.com/xoelrdgz/logsiem/internal/domain"
)

var errStoreDown = errors.New("store down")

// keywordClassifier maps message keywords to verdicts.
type keywordClassifier struct {
	calls atomic.Int64
}

func (c *keywordClassifier) Evaluate(rec domain.NormalizedRecord) detection.Verdict {
	c.calls.Add(1)
	switch {
	case strings.Contains(rec.Message, "panic"):
		panic("intentional panic for testing")
	case strings.Contains(rec.Message, "threat"):
		return detection.Verdict{Severity: domain.SeverityThreat, Rule: detection.RuleAccountLock, ShortCircuit: true}
	case strings.Contains(rec.Message, "warn"):
		return detection.Verdict{Severity: domain.SeverityWarning, Risk: 2}
	default:
		return detection.Verdict{Severity: domain.SeverityInfo}
	}
}

type memStore struct {
	mu          sync.Mutex
	records     []domain.ClassifiedRecord
	threats     []domain.ThreatRecord
	failAppend  bool
	failThreats bool
}

func (s *memStore) Append(ctx context.Context, rec domain.ClassifiedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return errStoreDown
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) AppendThreats(ctx context.Context, threats ...domain.ThreatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failThreats {
		return errStoreDown
	}
	s.threats = append(s.threats, threats...)
	return nil
}

func (s *memStore) CountMatchesSince(ctx context.Context, phrase string, since time.Time) ([]domain.GroupCount, error) {
	return nil, nil
}

func (s *memStore) LatestMatch(ctx context.Context, clientID, phrase string, since time.Time) (domain.ClassifiedRecord, bool, error) {
	return domain.ClassifiedRecord{}, false, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) counts() (records, threats int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), len(s.threats)
}

type countingAlerter struct {
	mu      sync.Mutex
	threats []*domain.ThreatRecord
	closed  bool
}

func (a *countingAlerter) Send(ctx context.Context, threat *domain.ThreatRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threats = append(a.threats, threat)
	return nil
}

func (a *countingAlerter) Flush() error { return nil }

func (a *countingAlerter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *countingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.threats)
}

type resultObserver struct {
	mu      sync.Mutex
	results map[string]int
}

func (o *resultObserver) IncrementRecordsProcessedByResult(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.results == nil {
		o.results = make(map[string]int)
	}
	o.results[result]++
}

func (o *resultObserver) get(result string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results[result]
}

type collectorStub struct {
	mu          sync.Mutex
	records     map[domain.Severity]int
	threats     map[domain.Provenance]int
	rules       map[string]int
	passes      map[string]int
	storeErrors int
	workers     int
}

func newCollectorStub() *collectorStub {
	return &collectorStub{
		records: make(map[domain.Severity]int),
		threats: make(map[domain.Provenance]int),
		rules:   make(map[string]int),
		passes:  make(map[string]int),
	}
}

func (c *collectorStub) IncrementRecords(s domain.Severity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[s]++
}

func (c *collectorStub) IncrementThreats(p domain.Provenance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threats[p]++
}

func (c *collectorStub) IncrementRuleHits(rule string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[rule]++
}

func (c *collectorStub) ObserveProcessingTime(float64) {}

func (c *collectorStub) ObserveCorrelationPass(result string, _ float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passes[result]++
}

func (c *collectorStub) IncrementStoreErrors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeErrors++
}

func (c *collectorStub) SetActiveWorkers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers = n
}

// sliceReader emits a fixed set of records and closes its channels.
type sliceReader struct {
	records []*domain.NormalizedRecord
	stopped atomic.Bool
}

func (r *sliceReader) Start(ctx context.Context) (<-chan *domain.NormalizedRecord, <-chan error) {
	out := make(chan *domain.NormalizedRecord)
	errs := make(chan error)
	go func() {
		defer close(out)
		defer close(errs)
		for _, rec := range r.records {
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errs
}

func (r *sliceReader) Stop() error {
	r.stopped.Store(true)
	return nil
}

func newRecord(client, ip, msg string) *domain.NormalizedRecord {
	rec := domain.NewNormalizedRecord(time.Now(), client, "", ip, msg)
	return &rec
}

// blockingReader produces nothing until stopped by context cancellation.
type blockingReader struct {
	stopped atomic.Bool
}

func (r *blockingReader) Start(ctx context.Context) (<-chan *domain.NormalizedRecord, <-chan error) {
	out := make(chan *domain.NormalizedRecord)
	errs := make(chan error)
	go func() {
		<-ctx.Done()
		close(out)
		close(errs)
	}()
	return out, errs
}

func (r *blockingReader) Stop() error {
	r.stopped.Store(true)
	return nil
}

package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

type MetricsSnapshot struct {
	TotalRecords      int64
	InfoRecords       int64
	WarningRecords    int64
	ThreatRecords     int64
	CorrelatedThreats int64
	StoreErrors       int64
	RecordsPerSecond  float64
	ActiveWorkers     int
	MemoryUsageMB     float64
	Uptime            time.Duration
	StartTime         time.Time
}

// AnalysisMetrics holds in-process counters shared by the worker pool, the
// correlation service and the Prometheus adapter.
type AnalysisMetrics struct {
	totalRecords      atomic.Int64
	infoRecords       atomic.Int64
	warningRecords    atomic.Int64
	threatRecords     atomic.Int64
	correlatedThreats atomic.Int64
	storeErrors       atomic.Int64

	recordsPerSecond float64
	activeWorkers    int
	memoryUsageMB    float64
	startTime        time.Time

	mu sync.RWMutex
}

func NewAnalysisMetrics() *AnalysisMetrics {
	return &AnalysisMetrics{
		startTime: time.Now(),
	}
}

func (m *AnalysisMetrics) RecordSeverity(s Severity) {
	m.totalRecords.Add(1)
	switch s {
	case SeverityThreat:
		m.threatRecords.Add(1)
	case SeverityWarning:
		m.warningRecords.Add(1)
	default:
		m.infoRecords.Add(1)
	}
}

func (m *AnalysisMetrics) AddCorrelatedThreats(n int) {
	m.correlatedThreats.Add(int64(n))
}

func (m *AnalysisMetrics) IncrementStoreErrors() {
	m.storeErrors.Add(1)
}

func (m *AnalysisMetrics) TotalRecords() int64 {
	return m.totalRecords.Load()
}

func (m *AnalysisMetrics) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		TotalRecords:      m.totalRecords.Load(),
		InfoRecords:       m.infoRecords.Load(),
		WarningRecords:    m.warningRecords.Load(),
		ThreatRecords:     m.threatRecords.Load(),
		CorrelatedThreats: m.correlatedThreats.Load(),
		StoreErrors:       m.storeErrors.Load(),
		RecordsPerSecond:  m.recordsPerSecond,
		ActiveWorkers:     m.activeWorkers,
		MemoryUsageMB:     m.memoryUsageMB,
		Uptime:            time.Since(m.startTime),
		StartTime:         m.startTime,
	}
}

func (m *AnalysisMetrics) UpdateRPS(rps float64) {
	m.mu.Lock()
	m.recordsPerSecond = rps
	m.mu.Unlock()
}

func (m *AnalysisMetrics) SetActiveWorkers(count int) {
	m.mu.Lock()
	m.activeWorkers = count
	m.mu.Unlock()
}

func (m *AnalysisMetrics) SetMemoryUsage(mb float64) {
	m.mu.Lock()
	m.memoryUsageMB = mb
	m.mu.Unlock()
}

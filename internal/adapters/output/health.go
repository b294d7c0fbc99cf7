package output

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// PipelineProbe is the view of the worker pool the health checker needs.
type PipelineProbe interface {
	IsRunning() bool
	QueueLength() int
	QueueCapacity() int
	QueueUtilization() float64
	Quarantined() int64
}

// StoreProbe reports the storage circuit breaker state ("closed",
// "half-open" or "open").
type StoreProbe interface {
	State() string
}

type HealthStatus struct {
	Healthy       bool          `json:"healthy"`
	Status        string        `json:"status"`
	QueueLength   int           `json:"queue_length"`
	QueueCapacity int           `json:"queue_capacity"`
	Utilization   float64       `json:"utilization_percent"`
	Quarantined   int64         `json:"quarantined"`
	StoreState    string        `json:"store_state,omitempty"`
	Uptime        time.Duration `json:"uptime_ns"`
	Reason        string        `json:"reason,omitempty"`
}

// HealthChecker backs the /ready endpoint. Results are cached for
// CheckInterval so probes cannot add load to a saturated pipeline.
type HealthChecker struct {
	pool      PipelineProbe
	store     StoreProbe
	startTime time.Time

	lastCheck     HealthStatus
	lastCheckTime time.Time
	lastCheckMu   sync.RWMutex
	checkInterval time.Duration
}

type HealthCheckerConfig struct {
	CheckInterval time.Duration
}

func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		CheckInterval: 5 * time.Second,
	}
}

// NewHealthChecker creates a checker. store may be nil.
func NewHealthChecker(pool PipelineProbe, store StoreProbe, config HealthCheckerConfig) *HealthChecker {
	return &HealthChecker{
		pool:          pool,
		store:         store,
		checkInterval: config.CheckInterval,
		startTime:     time.Now(),
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.lastCheckMu.RLock()
	if !h.lastCheckTime.IsZero() && time.Since(h.lastCheckTime) < h.checkInterval {
		cached := h.lastCheck
		h.lastCheckMu.RUnlock()
		return cached
	}
	h.lastCheckMu.RUnlock()

	status := h.performCheck()

	h.lastCheckMu.Lock()
	h.lastCheck = status
	h.lastCheckTime = time.Now()
	h.lastCheckMu.Unlock()

	return status
}

func (h *HealthChecker) performCheck() HealthStatus {
	status := HealthStatus{
		Uptime: time.Since(h.startTime),
	}
	if h.pool == nil || !h.pool.IsRunning() {
		status.Status = "OFFLINE"
		status.Reason = "worker pool not running"
		return status
	}

	status.QueueLength = h.pool.QueueLength()
	status.QueueCapacity = h.pool.QueueCapacity()
	status.Utilization = h.pool.QueueUtilization()
	status.Quarantined = h.pool.Quarantined()

	if h.store != nil {
		status.StoreState = h.store.State()
		if status.StoreState == "open" {
			status.Status = "STORE_UNAVAILABLE"
			status.Reason = "event store circuit breaker is open"
			return status
		}
	}

	if status.Utilization >= 95 {
		status.Status = "SATURATED"
		status.Reason = fmt.Sprintf("queue utilization at %.1f%%", status.Utilization)
		return status
	}

	status.Healthy = true
	switch {
	case status.Utilization >= 80:
		status.Status = "DEGRADED"
		status.Reason = fmt.Sprintf("queue utilization elevated at %.1f%%", status.Utilization)
	case status.StoreState == "half-open":
		status.Status = "DEGRADED"
		status.Reason = "event store recovering"
	default:
		status.Status = "HEALTHY"
	}
	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

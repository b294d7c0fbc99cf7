// Package ports defines the primary and secondary port interfaces following
// hexagonal architecture (ports and adapters pattern).
//
// This package contains interfaces that define the contract between the
// detection core and external infrastructure (record sources, the event
// store, alert destinations).
//
// Design Principles:
//   - Interfaces are small and focused
//   - Dependencies flow inward (the detection core knows nothing about bbolt or NATS)
//   - Implementations provided by adapters in internal/adapters/
package ports

import (
	"context"

	"github.com/xoelrdgz/logsiem/internal/domain"
)

// Alerter dispatches threat records to an output destination.
//
// Implementations:
//   - ConsoleAlerter: one sanitized "[THREAT] ..." line per threat
//   - JSONAlerter: JSON lines to file or stdout
//   - MemoryAlerter: in-memory ring buffer
//   - NATSAlerter: publishes to a NATS subject
//
// Thread Safety: Implementations MUST be safe for concurrent Send() calls.
// Inline threats arrive from workers while correlated threats arrive from the
// correlation service.
type Alerter interface {
	// Send dispatches one threat.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - threat: Immutable threat to dispatch
	//
	// Returns:
	//   - nil on success
	//   - Error if dispatch fails (caller logs and moves on)
	Send(ctx context.Context, threat *domain.ThreatRecord) error

	// Flush forces pending threats to be written to the destination.
	Flush() error

	// Close releases resources and flushes pending output.
	Close() error
}

// ThreatSubscriber is notified synchronously of every threat, inline or
// correlated. Implementations must return quickly.
type ThreatSubscriber interface {
	OnThreat(threat *domain.ThreatRecord)
}

// MetricsCollector defines the observability hooks used by the pipeline.
//
// Thread Safety: All methods MUST be safe for concurrent calls.
type MetricsCollector interface {
	// IncrementRecords counts one classified record by severity.
	IncrementRecords(severity domain.Severity)

	// IncrementThreats counts one threat by provenance ("inline" or "correlated").
	IncrementThreats(provenance domain.Provenance)

	// IncrementRuleHits counts the rule that short-circuited a verdict.
	IncrementRuleHits(rule string)

	// ObserveProcessingTime records classification plus persistence latency.
	ObserveProcessingTime(seconds float64)

	// ObserveCorrelationPass records one correlation pass.
	//
	// Parameters:
	//   - result: "ok", "found" or "error"
	//   - seconds: pass duration
	ObserveCorrelationPass(result string, seconds float64)

	// IncrementStoreErrors counts one failed storage call.
	IncrementStoreErrors()

	// SetActiveWorkers updates the active worker gauge.
	SetActiveWorkers(count int)
}

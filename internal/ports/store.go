package ports

import (
	"context"
	"time"

	"github.com/xoelrdgz/logsiem/internal/domain"
)

// EventStore is the durable, time-ordered store the detection core relies on.
// It only needs append plus two range queries.
//
// Implementations:
//   - storage.BoltStore: embedded bbolt file
//   - storage.BreakerStore: circuit breaker around another EventStore
//
// Thread Safety: Implementations MUST be safe for concurrent use and
// serialize their own writes.
type EventStore interface {
	// Append persists one classified record.
	Append(ctx context.Context, rec domain.ClassifiedRecord) error

	// AppendThreats persists threats atomically: either all are stored or none.
	AppendThreats(ctx context.Context, threats ...domain.ThreatRecord) error

	// CountMatchesSince counts classified records received at or after since
	// whose message contains phrase (case-insensitive), grouped by
	// (ClientID, SourceIP). Groups are ordered by client then address.
	CountMatchesSince(ctx context.Context, phrase string, since time.Time) ([]domain.GroupCount, error)

	// LatestMatch returns the most recent classified record of clientID
	// received at or after since whose message contains phrase.
	//
	// Returns:
	//   - the record and true when found
	//   - zero value and false when nothing matches
	LatestMatch(ctx context.Context, clientID, phrase string, since time.Time) (domain.ClassifiedRecord, bool, error)

	Close() error
}

// ThreatLister is implemented by stores that can list persisted threats.
// Used by the CLI only.
type ThreatLister interface {
	ThreatsSince(ctx context.Context, since time.Time) ([]domain.ThreatRecord, error)
}

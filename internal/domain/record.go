package domain

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageLength caps the message text of a single record. Longer messages
// are truncated at intake.
const MaxMessageLength = 8192

// UnknownClient is the client identifier used when a source does not report one.
const UnknownClient = "unknown"

var ErrInvalidRecord = errors.New("invalid record")

type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityThreat  Severity = "THREAT"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityThreat:
		return true
	default:
		return false
	}
}

func (s Severity) Color() string {
	switch s {
	case SeverityThreat:
		return "\033[31m"
	case SeverityWarning:
		return "\033[33m"
	case SeverityInfo:
		return "\033[36m"
	default:
		return "\033[0m"
	}
}

// NormalizedRecord is one event record as delivered by a reporting source.
// It is treated as immutable once created.
//
// ReceivedAt is the intake time and drives every window, sweep and
// correlation lookback. SourceTime is the time the source claims, zero when
// the source sent none.
type NormalizedRecord struct {
	ReceivedAt time.Time `json:"timestamp"`
	SourceTime time.Time `json:"source_time"`
	ClientID   string    `json:"client_id"`
	SourceMAC  string    `json:"mac"`
	SourceIP   string    `json:"ip"`
	Message    string    `json:"message"`
	Truncated  bool      `json:"truncated,omitempty"`
}

// NewNormalizedRecord builds a record, defaulting the client identifier and
// truncating oversized messages.
func NewNormalizedRecord(receivedAt time.Time, clientID, mac, ip, message string) NormalizedRecord {
	rec := NormalizedRecord{
		ReceivedAt: receivedAt.UTC(),
		ClientID:   strings.TrimSpace(clientID),
		SourceMAC:  strings.TrimSpace(mac),
		SourceIP:   strings.TrimSpace(ip),
		Message:    message,
	}
	if rec.ClientID == "" {
		rec.ClientID = UnknownClient
	}
	if len(rec.Message) > MaxMessageLength {
		rec.Message = truncateUTF8(rec.Message, MaxMessageLength)
		rec.Truncated = true
	}
	return rec
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// WithSourceTime returns a copy of r carrying the source's own timestamp.
func (r NormalizedRecord) WithSourceTime(t time.Time) NormalizedRecord {
	r.SourceTime = t.UTC()
	return r
}

// OccurredAt is the source time when known and the intake time otherwise.
func (r NormalizedRecord) OccurredAt() time.Time {
	if r.SourceTime.IsZero() {
		return r.ReceivedAt
	}
	return r.SourceTime
}

func (r NormalizedRecord) Validate() error {
	if r.ReceivedAt.IsZero() {
		return errors.Join(ErrInvalidRecord, errors.New("missing timestamp"))
	}
	return nil
}

// ClassifiedRecord is a NormalizedRecord with the severity assigned by the
// classifier. It is produced once per input record and never mutated.
type ClassifiedRecord struct {
	NormalizedRecord
	Severity Severity `json:"severity"`
}

func (r ClassifiedRecord) IsThreat() bool {
	return r.Severity == SeverityThreat
}

// GroupCount is one (client, address) bucket of a grouped match query.
type GroupCount struct {
	ClientID string
	SourceIP string
	Count    int
}

// CorrelationSuspect is a (client, address) pair whose failed-login volume
// crossed the correlation threshold during one pass.
type CorrelationSuspect struct {
	ClientID       string
	SourceIP       string
	FailedAttempts int
}

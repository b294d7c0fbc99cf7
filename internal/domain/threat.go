package domain

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type Provenance string

const (
	// ProvenanceInline marks threats assigned by the streaming classifier.
	ProvenanceInline Provenance = "inline"
	// ProvenanceCorrelated marks threats synthesized by a correlation pass.
	ProvenanceCorrelated Provenance = "correlated"
)

// ThreatRecord is a persisted threat finding.
type ThreatRecord struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	ClientID   string     `json:"client_id"`
	SourceMAC  string     `json:"mac,omitempty"`
	SourceIP   string     `json:"ip"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Provenance Provenance `json:"provenance"`
	Rule       string     `json:"rule,omitempty"`
}

// NewInlineThreat derives the threat record for a record the classifier
// marked as THREAT.
func NewInlineThreat(rec ClassifiedRecord, rule string) ThreatRecord {
	return ThreatRecord{
		ID:         uuid.NewString(),
		Timestamp:  rec.ReceivedAt,
		ClientID:   rec.ClientID,
		SourceMAC:  rec.SourceMAC,
		SourceIP:   rec.SourceIP,
		Severity:   SeverityThreat,
		Message:    rec.Message,
		Provenance: ProvenanceInline,
		Rule:       rule,
	}
}

// NewCorrelatedThreat builds a synthesized threat. It has no single origin
// device, so SourceMAC stays empty.
func NewCorrelatedThreat(at time.Time, clientID, sourceIP, message string) ThreatRecord {
	return ThreatRecord{
		ID:         uuid.NewString(),
		Timestamp:  at.UTC(),
		ClientID:   clientID,
		SourceIP:   sourceIP,
		Severity:   SeverityThreat,
		Message:    message,
		Provenance: ProvenanceCorrelated,
	}
}

func (t ThreatRecord) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

func (t ThreatRecord) IPString() string {
	if t.SourceIP == "" {
		return "unknown"
	}
	return t.SourceIP
}

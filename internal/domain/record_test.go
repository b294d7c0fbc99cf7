package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNormalizedRecord(t *testing.T) {
	local := time.Date(2026, 3, 14, 9, 26, 53, 0, time.FixedZone("CET", 3600))
	rec := NewNormalizedRecord(local, "  agent-01 ", " aa:bb:cc:dd:ee:ff", "10.0.0.5 ", "user logged in")

	assert.Equal(t, time.UTC, rec.ReceivedAt.Location())
	assert.True(t, rec.ReceivedAt.Equal(local))
	assert.Equal(t, "agent-01", rec.ClientID)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", rec.SourceMAC)
	assert.Equal(t, "10.0.0.5", rec.SourceIP)
	assert.Equal(t, "user logged in", rec.Message)
	assert.False(t, rec.Truncated)
}

func TestNewNormalizedRecordDefaults(t *testing.T) {
	rec := NewNormalizedRecord(time.Now(), "   ", "", "", "")
	assert.Equal(t, UnknownClient, rec.ClientID)
	assert.Empty(t, rec.Message)
	assert.NoError(t, rec.Validate())
}

func TestNewNormalizedRecordTruncates(t *testing.T) {
	long := strings.Repeat("x", MaxMessageLength+10)
	rec := NewNormalizedRecord(time.Now(), "agent-01", "", "", long)

	assert.Len(t, rec.Message, MaxMessageLength)
	assert.True(t, rec.Truncated)

	exact := NewNormalizedRecord(time.Now(), "agent-01", "", "", long[:MaxMessageLength])
	assert.False(t, exact.Truncated)
}

func TestNewNormalizedRecordTruncatesOnRuneBoundary(t *testing.T) {
	// "é" is two bytes; the limit falls between them.
	long := strings.Repeat("x", MaxMessageLength-1) + strings.Repeat("é", 4)
	rec := NewNormalizedRecord(time.Now(), "agent-01", "", "", long)

	assert.True(t, rec.Truncated)
	assert.True(t, utf8.ValidString(rec.Message))
	assert.Len(t, rec.Message, MaxMessageLength-1)
	assert.NotContains(t, rec.Message, "\uFFFD")
}

func TestNormalizedRecordOccurredAt(t *testing.T) {
	intake := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	rec := NewNormalizedRecord(intake, "agent-01", "", "", "ok")
	assert.True(t, rec.OccurredAt().Equal(intake))

	claimed := time.Date(2026, 3, 14, 10, 20, 4, 0, time.FixedZone("CET", 3600))
	rec = rec.WithSourceTime(claimed)
	assert.True(t, rec.ReceivedAt.Equal(intake))
	assert.True(t, rec.OccurredAt().Equal(claimed))
	assert.Equal(t, time.UTC, rec.SourceTime.Location())
}

func TestNormalizedRecordValidate(t *testing.T) {
	var rec NormalizedRecord
	err := rec.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRecord))
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		sev   Severity
		valid bool
		color string
	}{
		{SeverityInfo, true, "\033[36m"},
		{SeverityWarning, true, "\033[33m"},
		{SeverityThreat, true, "\033[31m"},
		{Severity("CRITICAL"), false, "\033[0m"},
	}
	for _, tt := range tests {
		t.Run(string(tt.sev), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.sev.Valid())
			assert.Equal(t, tt.color, tt.sev.Color())
		})
	}
}

func TestClassifiedRecordIsThreat(t *testing.T) {
	rec := ClassifiedRecord{NormalizedRecord: NewNormalizedRecord(time.Now(), "a", "", "", "m"), Severity: SeverityWarning}
	assert.False(t, rec.IsThreat())
	rec.Severity = SeverityThreat
	assert.True(t, rec.IsThreat())
}

func TestAnalysisMetrics(t *testing.T) {
	m := NewAnalysisMetrics()
	m.RecordSeverity(SeverityInfo)
	m.RecordSeverity(SeverityInfo)
	m.RecordSeverity(SeverityWarning)
	m.RecordSeverity(SeverityThreat)
	m.AddCorrelatedThreats(2)
	m.IncrementStoreErrors()
	m.UpdateRPS(12.5)
	m.SetActiveWorkers(4)
	m.SetMemoryUsage(64)

	snap := m.GetSnapshot()
	assert.Equal(t, int64(4), snap.TotalRecords)
	assert.Equal(t, int64(4), m.TotalRecords())
	assert.Equal(t, int64(2), snap.InfoRecords)
	assert.Equal(t, int64(1), snap.WarningRecords)
	assert.Equal(t, int64(1), snap.ThreatRecords)
	assert.Equal(t, int64(2), snap.CorrelatedThreats)
	assert.Equal(t, int64(1), snap.StoreErrors)
	assert.Equal(t, 12.5, snap.RecordsPerSecond)
	assert.Equal(t, 4, snap.ActiveWorkers)
	assert.Equal(t, 64.0, snap.MemoryUsageMB)
	assert.False(t, snap.StartTime.IsZero())
}

package input

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/logsiem/internal/adapters/detection"
)

func newDemo(attackPercent int) *DemoGenerator {
	return NewDemoGenerator(DemoConfig{
		Rate:          1000,
		BufferSize:    100,
		AttackPercent: attackPercent,
		Clients:       4,
		Seed:          42,
		Clock:         fixedClock,
	})
}

func TestDemoGeneratorRecords(t *testing.T) {
	gen := newDemo(15)

	clients := make(map[string]bool)
	for _, rec := range gen.Batch(200) {
		require.NoError(t, rec.Validate())
		assert.True(t, strings.HasPrefix(rec.ClientID, "agent-"))
		assert.NotEmpty(t, rec.SourceIP)
		assert.NotEmpty(t, rec.SourceMAC)
		assert.NotEmpty(t, rec.Message)
		assert.True(t, rec.ReceivedAt.Equal(intake))
		assert.NotContains(t, rec.Message, "{")
		clients[rec.ClientID] = true
	}
	assert.LessOrEqual(t, len(clients), 4)
}

func TestDemoGeneratorAttackMix(t *testing.T) {
	matcher, err := detection.NewMatcher(detection.DefaultPatterns())
	require.NoError(t, err)

	benign := newDemo(0)
	for _, rec := range benign.Batch(100) {
		assert.True(t, matcher.Match(rec.Message).Empty(), "benign template matched: %q", rec.Message)
	}

	hostile := newDemo(100)
	for _, rec := range hostile.Batch(100) {
		assert.False(t, matcher.Match(rec.Message).Empty(), "attack template missed: %q", rec.Message)
	}
}

func TestDemoGeneratorBurst(t *testing.T) {
	gen := newDemo(0)
	burst := gen.Burst(5)

	require.Len(t, burst, 6)
	for _, rec := range burst[:5] {
		assert.Contains(t, strings.ToLower(rec.Message), detection.FailedLoginPhrase)
		assert.Equal(t, burst[0].ClientID, rec.ClientID)
		assert.Equal(t, burst[0].SourceIP, rec.SourceIP)
	}
	last := burst[5]
	assert.Contains(t, strings.ToLower(last.Message), detection.SuccessLoginPhrase)
	assert.Equal(t, burst[0].ClientID, last.ClientID)
}

func TestDemoGeneratorStartStop(t *testing.T) {
	gen := newDemo(20)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records, _ := gen.Start(ctx)
	for i := 0; i < 20; i++ {
		select {
		case rec := <-records:
			require.NotNil(t, rec)
		case <-ctx.Done():
			t.Fatal("generator produced too few records")
		}
	}

	require.NoError(t, gen.Stop())
	for range records {
	}
	assert.GreaterOrEqual(t, gen.Generated(), uint64(20))
	assert.NoError(t, gen.Stop())
}

func TestRenderedRecordsParse(t *testing.T) {
	gen := newDemo(50)
	jsonParser := NewJSONParser(fixedClock)
	syslogParser := NewSyslogParser(fixedClock, nil)

	for _, rec := range gen.Batch(20) {
		line, err := RenderJSON(rec)
		require.NoError(t, err)
		parsed, err := jsonParser.Parse(line)
		require.NoError(t, err)
		assert.Equal(t, rec.ClientID, parsed.ClientID)
		assert.Equal(t, rec.SourceMAC, parsed.SourceMAC)
		assert.Equal(t, rec.Message, parsed.Message)
		assert.True(t, rec.OccurredAt().Equal(parsed.SourceTime))

		parsed, err = syslogParser.Parse(RenderSyslog(rec))
		require.NoError(t, err, RenderSyslog(rec))
		assert.Equal(t, rec.ClientID, parsed.ClientID)
		assert.Equal(t, rec.SourceIP, parsed.SourceIP)
		assert.True(t, strings.HasSuffix(rec.Message, parsed.Message))
	}
}

package output

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/logsiem/internal/domain"
)

func startNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSAlerterPublishes(t *testing.T) {
	ns := startNATS(t)

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	s, err := sub.ChanSubscribe(DefaultNATSSubject, msgs)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	a, err := NewNATSAlerter(NATSConfig{URL: ns.ClientURL()})
	require.NoError(t, err)
	assert.Equal(t, DefaultNATSSubject, a.Subject())

	correlated := domain.NewCorrelatedThreat(t0, "agent-01", "203.0.113.9",
		"Bruteforce suspected: 5 failed logins followed by successful login")
	require.NoError(t, a.Send(context.Background(), &correlated))
	require.NoError(t, a.Flush())

	select {
	case msg := <-msgs:
		assert.Equal(t, correlated.ID, msg.Header.Get(HeaderThreatID))
		assert.Equal(t, "correlated", msg.Header.Get(HeaderProvenance))

		var got domain.ThreatRecord
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, correlated.Message, got.Message)
		assert.Equal(t, "agent-01", got.ClientID)
		assert.True(t, t0.Equal(got.Timestamp))
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(context.Background(), &correlated), ErrAlerterClosed)
}

func TestNATSAlerterCustomSubject(t *testing.T) {
	ns := startNATS(t)

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	s, err := sub.SubscribeSync("siem.alerts")
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	a, err := NewNATSAlerter(NATSConfig{URL: ns.ClientURL(), Subject: "siem.alerts"})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Send(context.Background(), inlineThreat("agent-01", "10.0.0.5", "Rate limit exceeded")))
	require.NoError(t, a.Flush())

	msg, err := s.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "inline", msg.Header.Get(HeaderProvenance))
}

func TestNATSAlerterCancelledContext(t *testing.T) {
	ns := startNATS(t)
	a, err := NewNATSAlerter(NATSConfig{URL: ns.ClientURL()})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Send(ctx, inlineThreat("agent-01", "10.0.0.5", "x")), context.Canceled)
}

package output

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logsiem/internal/domain"
)

const (
	DefaultNATSSubject = "logsiem.threats"

	// Headers set on every published threat.
	HeaderThreatID   = "Logsiem-Threat-Id"
	HeaderProvenance = "Logsiem-Provenance"
)

var ErrAlerterClosed = errors.New("alerter closed")

// NATSConfig configures the NATS threat publisher.
type NATSConfig struct {
	URL           string
	Subject       string        // default: logsiem.threats
	Name          string        // connection name shown by the server
	MaxReconnects int           // default: 10
	ReconnectWait time.Duration // default: 1s
	FlushTimeout  time.Duration // default: 2s
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       DefaultNATSSubject,
		Name:          "logsiem",
		MaxReconnects: 10,
		ReconnectWait: time.Second,
		FlushTimeout:  2 * time.Second,
	}
}

// NATSAlerter publishes each threat as a JSON message. Correlated and
// inline threats share the subject; the provenance header tells them apart.
type NATSAlerter struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewNATSAlerter connects to the server at cfg.URL. The connection retries
// in the background if the server is not up yet.
func NewNATSAlerter(cfg NATSConfig) (*NATSAlerter, error) {
	d := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = d.URL
	}
	if cfg.Subject == "" {
		cfg.Subject = d.Subject
	}
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = d.MaxReconnects
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = d.ReconnectWait
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = d.FlushTimeout
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("NATS threat output enabled")

	return &NATSAlerter{nc: nc, subject: cfg.Subject, timeout: cfg.FlushTimeout}, nil
}

func (a *NATSAlerter) Send(ctx context.Context, threat *domain.ThreatRecord) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrAlerterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(threat)
	if err != nil {
		return fmt.Errorf("encode threat: %w", err)
	}

	msg := nats.NewMsg(a.subject)
	msg.Data = data
	msg.Header.Set(HeaderThreatID, threat.ID)
	msg.Header.Set(HeaderProvenance, string(threat.Provenance))

	if err := a.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish threat: %w", err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (a *NATSAlerter) Flush() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	return a.nc.FlushTimeout(a.timeout)
}

// Close drains pending messages and closes the connection.
func (a *NATSAlerter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if err := a.nc.Drain(); err != nil {
		a.nc.Close()
		return err
	}
	return nil
}

func (a *NATSAlerter) Subject() string {
	return a.subject
}

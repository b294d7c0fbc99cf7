package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logsiem/internal/domain"
	"github.com/xoelrdgz/logsiem/internal/ports"
)

// ThreatDispatcher fans persisted threats out to alerters and subscribers
// from a single goroutine, so slow outputs never block classification.
//
// Publish waits up to SubmitTimeout for queue space and then spills the
// threat to the overflow file, if one is configured.
type ThreatDispatcher struct {
	queue       chan *domain.ThreatRecord
	alerters    []ports.Alerter
	subscribers []ports.ThreatSubscriber
	overflow    *OverflowWriter

	submitTimeout time.Duration
	sendTimeout   time.Duration

	dispatched atomic.Int64
	overflowed atomic.Int64
	dropped    atomic.Int64

	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	stopOnce sync.Once
}

type DispatcherConfig struct {
	BufferSize    int           // Queue capacity (default: 1000)
	SubmitTimeout time.Duration // Max wait for queue space (default: 100ms)
	SendTimeout   time.Duration // Per-alerter Send deadline (default: 5s)
}

func NewThreatDispatcher(cfg DispatcherConfig, alerters []ports.Alerter, overflow *OverflowWriter) *ThreatDispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 100 * time.Millisecond
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &ThreatDispatcher{
		queue:         make(chan *domain.ThreatRecord, cfg.BufferSize),
		alerters:      alerters,
		overflow:      overflow,
		submitTimeout: cfg.SubmitTimeout,
		sendTimeout:   cfg.SendTimeout,
	}
}

// AddSubscriber registers a synchronous threat callback. Call before Start.
func (d *ThreatDispatcher) AddSubscriber(sub ports.ThreatSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

func (d *ThreatDispatcher) AddAlerter(alerter ports.Alerter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerters = append(d.alerters, alerter)
}

func (d *ThreatDispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true

	d.wg.Add(1)
	go d.loop()
}

func (d *ThreatDispatcher) loop() {
	defer d.wg.Done()
	for threat := range d.queue {
		d.deliver(threat)
	}
}

func (d *ThreatDispatcher) deliver(threat *domain.ThreatRecord) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, alerter := range d.alerters {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		if err := alerter.Send(ctx, threat); err != nil {
			log.Debug().Err(err).Str("threat_id", threat.ID).Msg("Threat send failed")
		}
		cancel()
	}
	for _, sub := range d.subscribers {
		sub.OnThreat(threat)
	}
	d.dispatched.Add(1)
}

// Publish queues threats for delivery. It returns how many were queued or
// spilled to overflow.
func (d *ThreatDispatcher) Publish(threats ...domain.ThreatRecord) int {
	// The read lock keeps Stop from closing the queue mid-send.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		d.dropped.Add(int64(len(threats)))
		return 0
	}

	accepted := 0
	for i := range threats {
		threat := &threats[i]
		if d.enqueue(threat) {
			accepted++
			continue
		}
		d.dropped.Add(1)
		log.Warn().
			Str("client_id", threat.ClientID).
			Str("source_ip", threat.SourceIP).
			Msg("Threat dropped, dispatcher queue full")
	}
	return accepted
}

func (d *ThreatDispatcher) enqueue(threat *domain.ThreatRecord) bool {
	select {
	case d.queue <- threat:
		return true
	default:
	}

	timer := time.NewTimer(d.submitTimeout)
	defer timer.Stop()
	select {
	case d.queue <- threat:
		return true
	case <-timer.C:
	}

	if d.overflow != nil && d.overflow.Enabled() {
		if err := d.overflow.WriteThreat(threat); err != nil {
			log.Error().Err(err).Msg("Failed to write threat to overflow")
			return false
		}
		d.overflowed.Add(1)
		return true
	}
	return false
}

// Stop drains the queue, then flushes and closes every alerter.
func (d *ThreatDispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		wasRunning := d.running
		d.running = false
		d.mu.Unlock()

		if wasRunning {
			close(d.queue)
			d.wg.Wait()
		}

		for _, alerter := range d.alerters {
			if err := alerter.Flush(); err != nil {
				log.Warn().Err(err).Msg("Alerter flush failed")
			}
			if err := alerter.Close(); err != nil {
				log.Warn().Err(err).Msg("Alerter close failed")
			}
		}

		log.Info().
			Int64("dispatched", d.dispatched.Load()).
			Int64("overflowed", d.overflowed.Load()).
			Int64("dropped", d.dropped.Load()).
			Msg("Threat dispatcher stopped")
	})
}

func (d *ThreatDispatcher) Dispatched() int64 { return d.dispatched.Load() }
func (d *ThreatDispatcher) Overflowed() int64 { return d.overflowed.Load() }
func (d *ThreatDispatcher) Dropped() int64    { return d.dropped.Load() }

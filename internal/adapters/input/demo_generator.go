package input

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logsiem/internal/domain"
)

// demoClient is one simulated reporting agent.
type demoClient struct {
	id  string
	ip  string
	mac string
}

var benignTemplates = []string{
	"sshd[{pid}]: Accepted password for {user} from {ip} port {port}",
	"systemd[{pid}]: Started Session {session} of user {user}.",
	"cron[{pid}]: ({user}) CMD (/usr/bin/backup --incremental)",
	"kernel: eth0: link up",
	"nginx[{pid}]: GET /api/v1/items 200 {port}ms",
	"backup[{pid}]: nightly backup completed",
	"sensor[{pid}]: temperature reading nominal",
}

// attackTemplates cover every detector of the classifier table.
var attackTemplates = []string{
	"sshd[{pid}]: Failed login attempt for {user} from {ip}",
	"auth[{pid}]: Suspicious login detected for {user} from {ip}",
	"auth[{pid}]: Account {user} locked after repeated failures",
	"auth[{pid}]: Failed login attempt for {user} (Attempts: {attempts}/5)",
	"gateway[{pid}]: Rate limit exceeded for {ip}",
	"nginx[{pid}]: POST /api/login 503 upstream unavailable",
	"auth[{pid}]: Password changed for {user}",
	"backup[{pid}]: Integrity: CORRUPTED backup set",
	"backup[{pid}]: Backup size increased by {port}%",
	"iot[{pid}]: Suspicious device behavior from {device}",
	"iot[{pid}]: Device {device} offline",
	"iot[{pid}]: Firmware outdated on sensor {device}",
	"auth[{pid}]: login successful for {user}",
}

// DemoConfig configures the synthetic record generator.
type DemoConfig struct {
	Rate          int    // Records per second (default: 200)
	BufferSize    int    // Output channel capacity (default: 10000)
	AttackPercent int    // Share of attack records (default: 15)
	BurstPercent  int    // Share of ticks that emit a brute force burst (default: 2)
	Clients       int    // Simulated agents (default: 20)
	Seed          uint64 // Faker seed, 0 for random
	Clock         Clock  // Record timestamps (default: time.Now)
}

func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		Rate:          200,
		BufferSize:    10000,
		AttackPercent: 15,
		BurstPercent:  2,
		Clients:       20,
		Clock:         time.Now,
	}
}

// DemoGenerator emits synthetic records mixing benign traffic with attack
// messages and occasional brute force bursts (failed logins followed by a
// successful login) that trip both the classifier and the correlator.
type DemoGenerator struct {
	cfg       DemoConfig
	faker     *gofakeit.Faker
	clients   []demoClient
	mu        sync.Mutex
	running   bool
	stopChan  chan struct{}
	generated atomic.Uint64
}

func NewDemoGenerator(cfg DemoConfig) *DemoGenerator {
	d := DefaultDemoConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = d.Rate
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.AttackPercent < 0 || cfg.AttackPercent > 100 {
		cfg.AttackPercent = d.AttackPercent
	}
	if cfg.BurstPercent < 0 || cfg.BurstPercent > 100 {
		cfg.BurstPercent = d.BurstPercent
	}
	if cfg.Clients <= 0 {
		cfg.Clients = d.Clients
	}
	if cfg.Clock == nil {
		cfg.Clock = d.Clock
	}

	faker := gofakeit.New(cfg.Seed)
	clients := make([]demoClient, cfg.Clients)
	for i := range clients {
		clients[i] = demoClient{
			id:  fmt.Sprintf("agent-%02d", i+1),
			ip:  faker.IPv4Address(),
			mac: faker.MacAddress(),
		}
	}

	return &DemoGenerator{
		cfg:      cfg,
		faker:    faker,
		clients:  clients,
		stopChan: make(chan struct{}),
	}
}

func (g *DemoGenerator) Start(ctx context.Context) (<-chan *domain.NormalizedRecord, <-chan error) {
	recordChan := make(chan *domain.NormalizedRecord, g.cfg.BufferSize)
	errChan := make(chan error, 1)

	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		close(recordChan)
		close(errChan)
		return recordChan, errChan
	}
	g.running = true
	g.stopChan = make(chan struct{})
	stop := g.stopChan
	g.mu.Unlock()

	go func() {
		defer close(recordChan)
		defer close(errChan)

		const ticksPerSecond = 20
		batchSize := g.cfg.Rate / ticksPerSecond
		if batchSize < 1 {
			batchSize = 1
		}
		ticker := time.NewTicker(time.Second / ticksPerSecond)
		defer ticker.Stop()

		log.Info().Int("rate", g.cfg.Rate).Int("clients", len(g.clients)).Msg("Demo generator started")

		emit := func(rec *domain.NormalizedRecord) bool {
			select {
			case recordChan <- rec:
				g.generated.Add(1)
				return true
			case <-ctx.Done():
				return false
			case <-stop:
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				log.Info().Uint64("total_generated", g.generated.Load()).Msg("Demo generator stopped (context cancelled)")
				return
			case <-stop:
				log.Info().Uint64("total_generated", g.generated.Load()).Msg("Demo generator stopped")
				return
			case <-ticker.C:
				batch := g.Batch(batchSize)
				if g.faker.Number(1, 100) <= g.cfg.BurstPercent {
					batch = append(batch, g.Burst(g.faker.Number(5, 8))...)
				}
				for _, rec := range batch {
					if !emit(rec) {
						return
					}
				}
			}
		}
	}()

	return recordChan, errChan
}

func (g *DemoGenerator) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		close(g.stopChan)
		g.running = false
	}
	return nil
}

// Generated returns how many records were emitted.
func (g *DemoGenerator) Generated() uint64 {
	return g.generated.Load()
}

// Batch returns n independent records.
func (g *DemoGenerator) Batch(n int) []*domain.NormalizedRecord {
	out := make([]*domain.NormalizedRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.Record())
	}
	return out
}

// Record returns one benign or attack record.
func (g *DemoGenerator) Record() *domain.NormalizedRecord {
	c := g.clients[g.faker.Number(0, len(g.clients)-1)]
	templates := benignTemplates
	if g.faker.Number(1, 100) <= g.cfg.AttackPercent {
		templates = attackTemplates
	}
	msg := g.fill(g.faker.RandomString(templates), c.ip)
	rec := domain.NewNormalizedRecord(g.cfg.Clock(), c.id, c.mac, c.ip, msg)
	return &rec
}

// Burst returns failures failed logins from one client and address followed
// by a successful login, all stamped with the current time.
func (g *DemoGenerator) Burst(failures int) []*domain.NormalizedRecord {
	c := g.clients[g.faker.Number(0, len(g.clients)-1)]
	attacker := g.faker.IPv4Address()
	user := g.faker.Username()
	now := g.cfg.Clock()

	out := make([]*domain.NormalizedRecord, 0, failures+1)
	for i := 0; i < failures; i++ {
		msg := fmt.Sprintf("sshd[%d]: Failed login attempt for %s from %s", g.faker.Number(100, 65535), user, attacker)
		rec := domain.NewNormalizedRecord(now, c.id, c.mac, attacker, msg)
		out = append(out, &rec)
	}
	msg := fmt.Sprintf("sshd[%d]: login successful for %s", g.faker.Number(100, 65535), user)
	rec := domain.NewNormalizedRecord(now, c.id, c.mac, attacker, msg)
	return append(out, &rec)
}

func (g *DemoGenerator) fill(template, clientIP string) string {
	r := strings.NewReplacer(
		"{pid}", fmt.Sprint(g.faker.Number(100, 65535)),
		"{user}", g.faker.Username(),
		"{ip}", g.pickIP(clientIP),
		"{port}", fmt.Sprint(g.faker.Number(1024, 65535)),
		"{session}", fmt.Sprint(g.faker.Number(1000, 9999)),
		"{attempts}", fmt.Sprint(g.faker.Number(1, 5)),
		"{device}", fmt.Sprintf("%012x", g.faker.Uint64()&0xffffffffffff),
	)
	return r.Replace(template)
}

// pickIP reuses the client's own address half of the time so per-address
// counters see repeats.
func (g *DemoGenerator) pickIP(clientIP string) string {
	if g.faker.Bool() {
		return clientIP
	}
	return g.faker.IPv4Address()
}

// RenderJSON formats rec as a line the JSON parser accepts.
func RenderJSON(rec *domain.NormalizedRecord) (string, error) {
	data, err := json.Marshal(JSONRecord{
		Timestamp: rec.OccurredAt().Format(time.RFC3339Nano),
		ClientID:  rec.ClientID,
		MAC:       rec.SourceMAC,
		IP:        rec.SourceIP,
		Message:   rec.Message,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RenderSyslog formats rec as an agent syslog line. Messages that already
// carry a "service[pid]:" prefix keep it; others are attributed to "system".
func RenderSyslog(rec *domain.NormalizedRecord) string {
	msg := rec.Message
	if !strings.Contains(msg, ": ") {
		msg = "system: " + msg
	}
	return fmt.Sprintf("%s %s@%s %s", rec.OccurredAt().Format("Jan 02 15:04:05"), rec.ClientID, rec.SourceIP, msg)
}

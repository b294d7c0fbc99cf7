package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/xoelrdgz/logsiem/internal/domain"
	"github.com/xoelrdgz/logsiem/pkg/sanitize"
)

const colorReset = "\033[0m"

// ConsoleAlerter prints one line per threat:
//
//	[THREAT] <timestamp> <client> <ip> <message>
//
// Every field comes from a reporting source, so each one is sanitized
// before it reaches the terminal.
type ConsoleAlerter struct {
	w     io.Writer
	color bool
	mu    sync.Mutex
}

// NewConsoleAlerter writes to w, or stdout when w is nil.
func NewConsoleAlerter(w io.Writer, color bool) *ConsoleAlerter {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleAlerter{w: w, color: color}
}

// FormatThreat renders the console line without color.
func FormatThreat(threat *domain.ThreatRecord) string {
	return fmt.Sprintf("[THREAT] %s %s %s %s",
		threat.Timestamp.UTC().Format(time.RFC3339),
		sanitize.Field(threat.ClientID),
		sanitize.IP(threat.SourceIP),
		sanitize.Message(threat.Message, sanitize.DefaultMaxMessageLength),
	)
}

func (a *ConsoleAlerter) Send(ctx context.Context, threat *domain.ThreatRecord) error {
	line := FormatThreat(threat)
	if a.color {
		line = threat.Severity.Color() + line + colorReset
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := fmt.Fprintln(a.w, line)
	return err
}

func (a *ConsoleAlerter) Flush() error {
	return nil
}

func (a *ConsoleAlerter) Close() error {
	return nil
}

func (a *ConsoleAlerter) OnThreat(threat *domain.ThreatRecord) {
	_ = a.Send(context.Background(), threat)
}

package input

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/xoelrdgz/logsiem/internal/domain"
	"github.com/xoelrdgz/logsiem/internal/ports"
)

// MaxLineLength caps a raw line before parsing. Longer lines are cut and the
// resulting record is flagged as truncated.
const MaxLineLength = 64 * 1024

var ErrInvalidRecordFormat = errors.New("invalid record format")

// Clock returns the intake time. Parsers stamp every record's ReceivedAt
// with it and use it to infer the syslog year.
type Clock func() time.Time

// JSONRecord is the wire shape of one JSON line.
type JSONRecord struct {
	Timestamp string `json:"timestamp"`
	ClientID  string `json:"client_id"`
	MAC       string `json:"mac"`
	IP        string `json:"ip"`
	Message   string `json:"message"`
}

// JSONParser parses one JSON object per line. The line's timestamp is kept
// as SourceTime; ReceivedAt is always the intake time. A missing client
// becomes "unknown".
type JSONParser struct {
	now Clock
}

func NewJSONParser(now Clock) *JSONParser {
	if now == nil {
		now = time.Now
	}
	return &JSONParser{now: now}
}

func (p *JSONParser) Parse(line string) (*domain.NormalizedRecord, error) {
	line, truncated := capLine(line)
	line = strings.TrimSpace(line)
	if len(line) < 2 || line[0] != '{' {
		return nil, ErrInvalidRecordFormat
	}

	var raw JSONRecord
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecordFormat, err)
	}

	var claimed time.Time
	if raw.Timestamp != "" {
		parsed, err := parseTimestamp(raw.Timestamp)
		if err != nil || parsed.IsZero() {
			return nil, fmt.Errorf("%w: bad timestamp %q", ErrInvalidRecordFormat, raw.Timestamp)
		}
		claimed = parsed
	}

	rec := domain.NewNormalizedRecord(p.now(), raw.ClientID, raw.MAC, raw.IP, raw.Message)
	if !claimed.IsZero() {
		rec = rec.WithSourceTime(claimed)
	}
	rec.Truncated = rec.Truncated || truncated
	return &rec, nil
}

func (p *JSONParser) Format() string {
	return "json"
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	var err error
	for _, layout := range timestampLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// syslogPattern matches "Jan 02 15:04:05 <client>@<ip> <service>[<pid>]: <message>".
// The pid is optional, as in "kernel: eth0: link up".
var syslogPattern = regexp.MustCompile(`^([A-Z][a-z]{2} [ 0-9]\d \d{2}:\d{2}:\d{2}) ([^@\s]+)@(\S+) ([^\s\[:]+)(?:\[(\d+)\])?: ?(.*)$`)

const syslogLayout = "Jan _2 15:04:05"

// SyslogParser parses the agent's syslog-style lines. The year is not part
// of the line and is taken from the intake clock; a date more than a day in
// the future is assumed to belong to the previous year.
type SyslogParser struct {
	now Clock
	loc *time.Location
}

func NewSyslogParser(now Clock, loc *time.Location) *SyslogParser {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &SyslogParser{now: now, loc: loc}
}

func (p *SyslogParser) Parse(line string) (*domain.NormalizedRecord, error) {
	line, truncated := capLine(line)
	m := syslogPattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return nil, ErrInvalidRecordFormat
	}

	stamp, err := time.ParseInLocation(syslogLayout, m[1], p.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrInvalidRecordFormat, m[1])
	}
	now := p.now().In(p.loc)
	ts := time.Date(now.Year(), stamp.Month(), stamp.Day(), stamp.Hour(), stamp.Minute(), stamp.Second(), 0, p.loc)
	if ts.Sub(now) > 24*time.Hour {
		ts = ts.AddDate(-1, 0, 0)
	}

	rec := domain.NewNormalizedRecord(now, m[2], "", m[3], m[6]).WithSourceTime(ts)
	rec.Truncated = rec.Truncated || truncated
	return &rec, nil
}

func (p *SyslogParser) Format() string {
	return "syslog"
}

// AutoDetectParser tries JSON for lines starting with '{' and syslog
// otherwise.
type AutoDetectParser struct {
	json   *JSONParser
	syslog *SyslogParser
}

func NewAutoDetectParser(now Clock) *AutoDetectParser {
	return &AutoDetectParser{
		json:   NewJSONParser(now),
		syslog: NewSyslogParser(now, nil),
	}
}

func (p *AutoDetectParser) Parse(line string) (*domain.NormalizedRecord, error) {
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		return p.json.Parse(line)
	}
	return p.syslog.Parse(line)
}

func (p *AutoDetectParser) Format() string {
	return "auto"
}

// NewParser returns the parser for format: "json", "syslog" or "auto".
func NewParser(format string, now Clock) (ports.RecordParser, error) {
	switch strings.ToLower(format) {
	case "json", "":
		return NewJSONParser(now), nil
	case "syslog":
		return NewSyslogParser(now, nil), nil
	case "auto":
		return NewAutoDetectParser(now), nil
	default:
		return nil, fmt.Errorf("unknown input format %q", format)
	}
}

func capLine(line string) (string, bool) {
	if len(line) > MaxLineLength {
		return line[:MaxLineLength], true
	}
	return line, false
}

package input_test

import (
	"strings"
	"testing"
	"time"

	"github.com/xoelrdgz/logsiem/internal/adapters/input"
	"github.com/xoelrdgz/logsiem/internal/domain"
)

var fuzzClock = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }

func FuzzJSONParser(f *testing.F) {
	parser := input.NewJSONParser(fuzzClock)

	seeds := []string{
		`{"timestamp":"2026-03-14T12:00:00Z","client_id":"agent-01","mac":"aa:bb:cc:dd:ee:ff","ip":"10.0.0.5","message":"Failed login attempt"}`,
		`{"client_id":"agent-01","message":"login successful"}`,
		`{}`,
		`{"timestamp":""}`,
		`{"timestamp":"not a time"}`,
		`{"message":"\xff\xfe"}`,
		`{"message":"` + strings.Repeat("A", 10000) + `"}`,
		`{"a":{"b":{"c":{"d":{}}}}}`,
		`{"client_id":123}`,
		`{"incomplete": `,
		`{{{`,
		`null`,
		`[]`,
		`""`,
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, data string) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("parser panicked on input %q: %v", truncate(data, 100), r)
			}
		}()

		rec, err := parser.Parse(data)
		if err != nil {
			return
		}
		checkRecord(t, rec)
	})
}

func FuzzSyslogParser(f *testing.F) {
	parser := input.NewSyslogParser(fuzzClock, nil)

	seeds := []string{
		"Mar 14 11:59:00 agent-01@10.0.0.5 sshd[1234]: Failed login attempt for root",
		"Mar  4 00:00:00 agent-02@10.0.0.6 kernel: eth0: link up",
		"Dec 31 23:59:59 agent-03@::1 auth: ",
		"Feb 30 00:00:00 a@b x: y",
		"Mar 14 11:59:00 @ sshd: x",
		"Mar 14 11:59:00 agent@ip svc[99999999999999999999]: overflow",
		"Mar 14 11:59:00 agent@ip svc: " + strings.Repeat("B", 70000),
		"\x00\xff",
		"",
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, data string) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("syslog parser panicked on input %q: %v", truncate(data, 100), r)
			}
		}()

		rec, err := parser.Parse(data)
		if err != nil {
			return
		}
		checkRecord(t, rec)
		if rec.SourceTime.After(fuzzClock().Add(24 * time.Hour)) {
			t.Errorf("timestamp %v more than a day in the future", rec.SourceTime)
		}
	})
}

func FuzzAutoDetectParser(f *testing.F) {
	parser := input.NewAutoDetectParser(fuzzClock)

	for _, seed := range []string{
		`{"client_id":"agent-01","message":"x"}`,
		"Mar 14 11:59:00 agent-01@10.0.0.5 sshd: x",
		`{garbage`,
		"\x00\xff",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, data string) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("auto-detect parser panicked: %v", r)
			}
		}()

		rec, err := parser.Parse(data)
		if err == nil {
			checkRecord(t, rec)
		}
	})
}

func checkRecord(t *testing.T, rec *domain.NormalizedRecord) {
	t.Helper()
	if rec == nil {
		t.Fatal("nil record without error")
	}
	if len(rec.Message) > domain.MaxMessageLength {
		t.Errorf("message length exceeded limit: %d", len(rec.Message))
	}
	if rec.ClientID == "" {
		t.Error("client id must default to unknown")
	}
	if rec.ReceivedAt.Location() != time.UTC || rec.SourceTime.Location() != time.UTC {
		t.Errorf("timestamps not normalized to UTC: %v, %v", rec.ReceivedAt.Location(), rec.SourceTime.Location())
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("parsed record failed validation: %v", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

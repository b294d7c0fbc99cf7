// Package sanitize neutralizes untrusted record fields before they reach a
// terminal or a log line. Reporting sources control message text, so an
// attacker could otherwise inject escape sequences into operator consoles.
package sanitize

import (
	"net/netip"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxMessageLength = 512
	DefaultMaxFieldLength   = 64
)

// Message makes message text safe for a single console line and truncates it
// to maxLen bytes without splitting a UTF-8 sequence.
func Message(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	return Truncate(Terminal(s), maxLen)
}

// Terminal replaces control bytes and ANSI/CSI escape sequences with visible
// markers. Tabs and newlines become spaces so the output stays on one line.
func Terminal(s string) string {
	if !hasControl(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == 0x1B:
			if i+1 < len(s) && s[i+1] == '[' {
				i += 2
				for i < len(s) && !isCSIFinal(s[i]) {
					i++
				}
			}
			b.WriteString("[ESC]")
		case c == '\t' || c == '\n':
			b.WriteByte(' ')
		case c == '\r':
			b.WriteString("[CR]")
		case c == 0x7F:
			b.WriteString("[DEL]")
		case c < 0x20:
			b.WriteString("[CTRL]")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Truncate cuts s to at most maxLen bytes, ending with "..." when shortened.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Field sanitizes a short identifier such as a client id. Only printable
// ASCII survives; anything else becomes '?'.
func Field(s string) string {
	if s == "" {
		return "-"
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s) && b.Len() < DefaultMaxFieldLength; i++ {
		c := s[i]
		if c > 0x20 && c < 0x7F {
			b.WriteByte(c)
		} else {
			b.WriteByte('?')
		}
	}
	return b.String()
}

// IP returns the canonical form of a valid address and "[INVALID]"
// otherwise. An empty input yields "unknown".
func IP(s string) string {
	if s == "" {
		return "unknown"
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "[INVALID]"
	}
	return addr.String()
}

func hasControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c == 0x7F {
			return true
		}
	}
	return false
}

func isCSIFinal(c byte) bool {
	return c >= 0x40 && c <= 0x7E
}

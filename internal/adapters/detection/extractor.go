// Package detection implements the streaming classifier and the periodic
// correlator for logsiem.
//
// Components, leaf-first:
//   - Extract: pulls the source address and device identifier out of message text
//   - Matcher: evaluates message text against the fixed detector table
//   - WindowCounter: per-key sliding windows with eviction and key bounding
//   - Classifier: the ordered decision list that assigns a severity
//   - Correlator: batch pass over persisted history that synthesizes threats
package detection

import (
	"net/netip"
	"regexp"
	"strconv"
)

var (
	addrPattern   = regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})\b`)
	devicePattern = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
)

// Signals holds the identifying tokens found in a message. Empty fields mean
// the token was absent.
type Signals struct {
	SourceAddr string
	DeviceID   string
}

func (s Signals) HasAddr() bool   { return s.SourceAddr != "" }
func (s Signals) HasDevice() bool { return s.DeviceID != "" }

// Extract scans message for the first dotted-quad address whose octets are
// all <= 255 and the first standalone hexadecimal token of at least 8
// characters. It never fails and has no side effects.
func Extract(message string) Signals {
	return Signals{
		SourceAddr: extractAddr(message),
		DeviceID:   devicePattern.FindString(message),
	}
}

func extractAddr(message string) string {
	for _, m := range addrPattern.FindAllStringSubmatch(message, -1) {
		var octets [4]byte
		valid := true
		for i := 0; i < 4; i++ {
			n, err := strconv.Atoi(m[i+1])
			if err != nil || n > 255 {
				valid = false
				break
			}
			octets[i] = byte(n)
		}
		if valid {
			return netip.AddrFrom4(octets).String()
		}
	}
	return ""
}

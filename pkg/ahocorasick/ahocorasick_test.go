package ahocorasick

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_TooManyPatterns(t *testing.T) {
	patterns := make([]string, MaxPatterns+1)
	for i := range patterns {
		patterns[i] = strings.Repeat("a", i+1)
	}
	_, err := New(patterns)
	assert.ErrorIs(t, err, ErrTooManyPatterns)

	assert.Panics(t, func() { MustNew(patterns) })
}

func TestMatcher_Contains(t *testing.T) {
	m := MustNew([]string{"failed login attempt", "rate limit exceeded", "firmware outdated"})

	tests := []struct {
		input    string
		expected bool
	}{
		{"Failed login attempt from 9.9.9.9", true},
		{"API RATE LIMIT EXCEEDED", true},
		{"firmware outdated on sensor", true},
		{"login successful", false},
		{"failed login", false},
		{"", false},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, m.Contains(tc.input))
		})
	}
}

func TestMatcher_Scan(t *testing.T) {
	m := MustNew([]string{"login successful", "suspicious login", "login"})

	got := m.Scan("Suspicious LOGIN then login successful")
	assert.Equal(t, 3, got.Len())
	assert.Equal(t, []int{0, 1, 2}, got.Indices())

	got = m.Scan("suspicious logins")
	assert.True(t, got.Has(1))
	assert.True(t, got.Has(2))
	assert.False(t, got.Has(0))
}

func TestMatcher_OverlappingSuffixes(t *testing.T) {
	m := MustNew([]string{"he", "she", "his", "hers"})

	got := m.Scan("ushers")
	assert.Equal(t, []int{0, 1, 3}, got.Indices())
}

func TestMatcher_FailureLinkRecovery(t *testing.T) {
	// "aab" requires falling back from "aa" to "a" on the third 'a'.
	m := MustNew([]string{"aab"})
	assert.True(t, m.Contains("aaab"))
	assert.False(t, m.Contains("aaa"))
}

func TestMatcher_EmptyPatternNeverMatches(t *testing.T) {
	m := MustNew([]string{"", "x"})
	got := m.Scan("abc")
	assert.Equal(t, 0, got.Len())
	assert.True(t, m.Scan("x").Has(1))
}

func TestMatcher_NonASCIIVerbatim(t *testing.T) {
	m := MustNew([]string{"café"})
	assert.True(t, m.Contains("CAFé latte"))
	assert.False(t, m.Contains("CAFÉ latte"))
}

func TestMatcher_Pattern(t *testing.T) {
	m := MustNew([]string{"one", "two"})
	require.Equal(t, 2, m.PatternCount())
	assert.Equal(t, "two", m.Pattern(1))
}

func TestSet_Has(t *testing.T) {
	var s Set = 1<<3 | 1<<63
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(63))
	assert.False(t, s.Has(64))
	assert.False(t, s.Has(-1))
	assert.Equal(t, []int{3, 63}, s.Indices())
}

func BenchmarkMatcher_Scan(b *testing.B) {
	m := MustNew([]string{
		"failed login attempt", "login successful", "suspicious login",
		"rate limit exceeded", "password changed", "integrity: corrupted",
		"backup size increased", "suspicious device behavior", "firmware outdated",
	})
	text := "Jan 02 15:04:05 node-7 sshd[812]: Failed login attempt for admin from 203.0.113.7 port 5122"
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.Scan(text)
	}
}

func FuzzMatcher_Scan(f *testing.F) {
	patterns := []string{"login successful", "rate limit exceeded", "account"}
	m := MustNew(patterns)
	f.Add("login successful")
	f.Add("RATE LIMIT EXCEEDED")
	f.Add("\x00\xff account")

	f.Fuzz(func(t *testing.T, input string) {
		got := m.Scan(input)
		buf := []byte(input)
		for i, c := range buf {
			buf[i] = fold(c)
		}
		lower := string(buf)
		for i, p := range patterns {
			if got.Has(i) != strings.Contains(lower, p) {
				t.Fatalf("pattern %q: Scan=%v on %q", p, got.Has(i), input)
			}
		}
	})
}

// Package ahocorasick implements a case-insensitive Aho-Corasick automaton
// for small phrase dictionaries.
//
// The automaton is compiled into a dense byte-indexed transition table, so a
// scan is a single pass over the input with one table lookup per byte and no
// failure-link walking at match time. Case folding covers ASCII letters only,
// which is what the detection phrases need; non-ASCII bytes are compared
// verbatim.
//
// Thread Safety: a Matcher is immutable after New returns and safe for
// concurrent Scan/Contains calls.
package ahocorasick

import (
	"errors"
	"math/bits"
)

// MaxPatterns is the largest dictionary a Matcher accepts. Results are
// reported as a 64-bit set.
const MaxPatterns = 64

var ErrTooManyPatterns = errors.New("ahocorasick: more than 64 patterns")

// Set is a bitset of pattern indices. Bit i is set when pattern i occurred.
type Set uint64

func (s Set) Has(i int) bool {
	return i >= 0 && i < MaxPatterns && s&(1<<uint(i)) != 0
}

func (s Set) Len() int {
	return bits.OnesCount64(uint64(s))
}

// Indices lists the set members in ascending order.
func (s Set) Indices() []int {
	out := make([]int, 0, s.Len())
	for v := uint64(s); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros64(v))
	}
	return out
}

type state struct {
	next   [256]int32
	output Set
}

// Matcher is a compiled phrase dictionary.
type Matcher struct {
	states   []state
	patterns []string
}

// New compiles patterns into a Matcher. Empty patterns never match.
//
// Complexity:
//   - Construction: O(sum of pattern lengths * 256)
//   - Scan: O(len(text))
func New(patterns []string) (*Matcher, error) {
	if len(patterns) > MaxPatterns {
		return nil, ErrTooManyPatterns
	}
	m := &Matcher{
		states:   make([]state, 1, 32),
		patterns: append([]string(nil), patterns...),
	}
	trie := [][256]int32{{}}
	for i, p := range patterns {
		if p == "" {
			continue
		}
		cur := int32(0)
		for j := 0; j < len(p); j++ {
			c := fold(p[j])
			if trie[cur][c] == 0 {
				trie = append(trie, [256]int32{})
				m.states = append(m.states, state{})
				trie[cur][c] = int32(len(trie) - 1)
			}
			cur = trie[cur][c]
		}
		m.states[cur].output |= 1 << uint(i)
	}
	m.compile(trie)
	return m, nil
}

// MustNew is New for static dictionaries.
func MustNew(patterns []string) *Matcher {
	m, err := New(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

// compile turns the trie into a full DFA by resolving every missing edge
// through the failure function in BFS order.
func (m *Matcher) compile(trie [][256]int32) {
	fail := make([]int32, len(trie))
	queue := make([]int32, 0, len(trie))

	for c := 0; c < 256; c++ {
		if child := trie[0][c]; child != 0 {
			m.states[0].next[c] = child
			queue = append(queue, child)
		}
	}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		m.states[s].output |= m.states[fail[s]].output
		for c := 0; c < 256; c++ {
			child := trie[s][c]
			if child == 0 {
				m.states[s].next[c] = m.states[fail[s]].next[c]
				continue
			}
			fail[child] = m.states[fail[s]].next[c]
			m.states[s].next[c] = child
			queue = append(queue, child)
		}
	}
}

// Scan returns the set of patterns occurring anywhere in text.
func (m *Matcher) Scan(text string) Set {
	var found Set
	cur := int32(0)
	for i := 0; i < len(text); i++ {
		cur = m.states[cur].next[fold(text[i])]
		found |= m.states[cur].output
	}
	return found
}

// Contains reports whether any pattern occurs in text. It stops at the
// first hit.
func (m *Matcher) Contains(text string) bool {
	cur := int32(0)
	for i := 0; i < len(text); i++ {
		cur = m.states[cur].next[fold(text[i])]
		if m.states[cur].output != 0 {
			return true
		}
	}
	return false
}

func (m *Matcher) Pattern(i int) string {
	return m.patterns[i]
}

func (m *Matcher) PatternCount() int {
	return len(m.patterns)
}

func fold(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

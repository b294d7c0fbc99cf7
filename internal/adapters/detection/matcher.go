package detection

import (
	"fmt"
	"math/bits"
	"regexp"
	"strings"

	"github.com/xoelrdgz/logsiem/pkg/ahocorasick"
)

// Rule names one entry of the detector table.
type Rule uint8

const (
	RuleFailedLogin Rule = iota
	RuleSuccessLogin
	RuleAccountLock
	RuleSuspiciousLogin
	RuleRateLimit
	RuleAttemptsHigh
	RulePasswordChange
	RuleError5xx
	RuleBackupCorrupt
	RuleBackupGrowth
	RuleDeviceSuspicious
	RuleDeviceOffline
	RuleFirmwareOutdated

	ruleCount
)

var ruleNames = [ruleCount]string{
	RuleFailedLogin:      "FAILED_LOGIN",
	RuleSuccessLogin:     "SUCCESS_LOGIN",
	RuleAccountLock:      "ACCOUNT_LOCK",
	RuleSuspiciousLogin:  "SUSPICIOUS_LOGIN",
	RuleRateLimit:        "RATE_LIMIT",
	RuleAttemptsHigh:     "ATTEMPTS_HIGH",
	RulePasswordChange:   "PASSWORD_CHANGE",
	RuleError5xx:         "ERROR_5XX",
	RuleBackupCorrupt:    "BACKUP_CORRUPT",
	RuleBackupGrowth:     "BACKUP_GROWTH",
	RuleDeviceSuspicious: "DEVICE_SUSPICIOUS",
	RuleDeviceOffline:    "DEVICE_OFFLINE",
	RuleFirmwareOutdated: "FIRMWARE_OUTDATED",
}

func (r Rule) String() string {
	if r < ruleCount {
		return ruleNames[r]
	}
	return fmt.Sprintf("RULE(%d)", uint8(r))
}

// ParseRule resolves a rule by its table name.
func ParseRule(name string) (Rule, bool) {
	for i, n := range ruleNames {
		if strings.EqualFold(n, name) {
			return Rule(i), true
		}
	}
	return 0, false
}

// MatchSet is the set of rules whose trigger fired for one message.
type MatchSet uint32

func (m MatchSet) Has(r Rule) bool {
	return r < ruleCount && m&(1<<r) != 0
}

func (m MatchSet) With(r Rule) MatchSet {
	return m | 1<<r
}

func (m MatchSet) Empty() bool {
	return m == 0
}

func (m MatchSet) Len() int {
	return bits.OnesCount32(uint32(m))
}

// Names lists the matched rule names in table order.
func (m MatchSet) Names() []string {
	names := make([]string, 0, m.Len())
	for r := Rule(0); r < ruleCount; r++ {
		if m.Has(r) {
			names = append(names, r.String())
		}
	}
	return names
}

// Pattern is one detector of the table.
//
// A pattern with only a Phrase fires when the phrase occurs anywhere in the
// message, ignoring case. A pattern with a Regex fires when the regex
// matches; when it also has a Phrase, the regex is evaluated only if that
// phrase was seen, so most messages never reach the regex engine.
type Pattern struct {
	Rule   Rule
	Phrase string
	Regex  *regexp.Regexp
}

// DefaultPatterns returns the detector table in evaluation order.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Rule: RuleFailedLogin, Phrase: "failed login attempt"},
		{Rule: RuleSuccessLogin, Phrase: "login successful"},
		{Rule: RuleAccountLock, Phrase: "locked", Regex: regexp.MustCompile(`(?i)account .* locked`)},
		{Rule: RuleSuspiciousLogin, Phrase: "suspicious login"},
		{Rule: RuleRateLimit, Phrase: "rate limit exceeded"},
		{Rule: RuleAttemptsHigh, Phrase: "attempts:", Regex: regexp.MustCompile(`(?i)attempts:\s*[4-9]/`)},
		{Rule: RulePasswordChange, Phrase: "password changed"},
		{Rule: RuleError5xx, Regex: regexp.MustCompile(`(^|\s)5\d\d(\s|$)`)},
		{Rule: RuleBackupCorrupt, Phrase: "integrity: corrupted"},
		{Rule: RuleBackupGrowth, Phrase: "backup size increased"},
		{Rule: RuleDeviceSuspicious, Phrase: "suspicious device behavior"},
		{Rule: RuleDeviceOffline, Phrase: "offline", Regex: regexp.MustCompile(`(?i)device .* offline`)},
		{Rule: RuleFirmwareOutdated, Phrase: "firmware outdated"},
	}
}

type compiledPattern struct {
	Pattern
	phrase int // index in the automaton, -1 when ungated
}

// Matcher evaluates message text against a detector table. It scans the
// message once with an Aho-Corasick automaton built from every phrase in the
// table and only then runs the gated regexes.
//
// Thread Safety: immutable after construction, safe for concurrent use.
type Matcher struct {
	patterns []compiledPattern
	phrases  *ahocorasick.Matcher
}

// NewMatcher compiles a detector table. Every pattern needs a phrase or a
// regex and a known rule.
func NewMatcher(patterns []Pattern) (*Matcher, error) {
	index := make(map[string]int)
	var phrases []string

	m := &Matcher{patterns: make([]compiledPattern, 0, len(patterns))}
	for _, p := range patterns {
		if p.Rule >= ruleCount {
			return nil, fmt.Errorf("unknown rule %d", p.Rule)
		}
		if p.Phrase == "" && p.Regex == nil {
			return nil, fmt.Errorf("pattern %s has neither phrase nor regex", p.Rule)
		}
		cp := compiledPattern{Pattern: p, phrase: -1}
		if p.Phrase != "" {
			key := strings.ToLower(p.Phrase)
			i, ok := index[key]
			if !ok {
				i = len(phrases)
				index[key] = i
				phrases = append(phrases, key)
			}
			cp.phrase = i
		}
		m.patterns = append(m.patterns, cp)
	}

	ac, err := ahocorasick.New(phrases)
	if err != nil {
		return nil, fmt.Errorf("failed to build phrase automaton: %w", err)
	}
	m.phrases = ac
	return m, nil
}

// Match returns every rule whose trigger fires for message.
func (m *Matcher) Match(message string) MatchSet {
	var set MatchSet
	if message == "" {
		return set
	}
	seen := m.phrases.Scan(message)
	for _, p := range m.patterns {
		if p.phrase >= 0 && !seen.Has(p.phrase) {
			continue
		}
		if p.Regex != nil && !p.Regex.MatchString(message) {
			continue
		}
		set = set.With(p.Rule)
	}
	return set
}

// PatternCount returns the table size.
func (m *Matcher) PatternCount() int {
	return len(m.patterns)
}

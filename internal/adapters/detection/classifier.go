package detection

import (
	"fmt"
	"time"

	"github.com/xoelrdgz/logsiem/internal/domain"
)

// Risk weights of the additive rules.
const (
	weightFailedLogin      = 1
	weightSuspiciousLogin  = 3
	weightRateLimit        = 2
	weightError5xx         = 1
	weightBackupGrowth     = 2
	weightDeviceSuspicious = 3
	weightDeviceOffline    = 2
	weightFirmwareOutdated = 1

	// elevatedRisk is the risk at which a successful login or a password
	// change is treated as a takeover.
	elevatedRisk = 3
)

// ReasonRiskThreshold is reported when a THREAT comes from the final risk
// check rather than a short-circuit rule.
const ReasonRiskThreshold = "RISK_THRESHOLD"

// ClassifierConfig configures a Classifier. Zero values take defaults.
type ClassifierConfig struct {
	Window   time.Duration // Counter window (default: 60s)
	Patterns []Pattern     // Detector table (default: DefaultPatterns())

	FailedLoginThreshold int // Failed logins per address to short-circuit (default: 3)
	RateLimitThreshold   int // Rate-limit hits per address to short-circuit (default: 2)
	DeviceThreshold      int // Suspicious-device events per device to short-circuit (default: 2)

	ThreatRisk  int // Final risk for THREAT (default: 5)
	WarningRisk int // Final risk for WARNING (default: 2)

	// DisableRiskCarry scores every record from zero instead of from the
	// risk its client accumulated over the window.
	DisableRiskCarry bool

	ShardCount int // Shards per counter namespace (default: 16)
	MaxKeys    int // Keys per counter namespace (default: 100000)

	Now func() time.Time // Clock for records without a timestamp and for sweeps
}

// DefaultClassifierConfig returns the reference thresholds.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Window:               DefaultWindow,
		Patterns:             DefaultPatterns(),
		FailedLoginThreshold: 3,
		RateLimitThreshold:   2,
		DeviceThreshold:      2,
		ThreatRisk:           5,
		WarningRisk:          2,
		ShardCount:           DefaultShardCount,
		MaxKeys:              DefaultMaxKeys,
		Now:                  time.Now,
	}
}

func (c *ClassifierConfig) applyDefaults() {
	d := DefaultClassifierConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Patterns == nil {
		c.Patterns = d.Patterns
	}
	if c.FailedLoginThreshold <= 0 {
		c.FailedLoginThreshold = d.FailedLoginThreshold
	}
	if c.RateLimitThreshold <= 0 {
		c.RateLimitThreshold = d.RateLimitThreshold
	}
	if c.DeviceThreshold <= 0 {
		c.DeviceThreshold = d.DeviceThreshold
	}
	if c.ThreatRisk <= 0 {
		c.ThreatRisk = d.ThreatRisk
	}
	if c.WarningRisk <= 0 {
		c.WarningRisk = d.WarningRisk
	}
	if c.ShardCount <= 0 {
		c.ShardCount = d.ShardCount
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = d.MaxKeys
	}
	if c.Now == nil {
		c.Now = d.Now
	}
}

// Verdict is the full classification decision for one record.
type Verdict struct {
	Severity domain.Severity
	Risk     int      // Final risk, carried risk included
	Carried  int      // Risk carried in from earlier records of the client
	Matches  MatchSet // Every rule whose trigger fired
	Rule     Rule     // Short-circuit rule, valid when ShortCircuit is set
	// ShortCircuit is set when a rule returned THREAT before the final check.
	ShortCircuit bool
	Signals      Signals
}

// Reason names what produced a THREAT: the short-circuit rule or
// ReasonRiskThreshold. Empty for other severities.
func (v Verdict) Reason() string {
	switch {
	case v.ShortCircuit:
		return v.Rule.String()
	case v.Severity == domain.SeverityThreat:
		return ReasonRiskThreshold
	default:
		return ""
	}
}

// Classifier assigns a severity to each record with the ordered decision
// list below. It owns four windowed counter namespaces: failed logins by
// address, rate-limit hits by address, suspicious-device events by device,
// and carried risk by client.
//
// Thread Safety: safe for concurrent use. Each counter update is atomic per
// key. Risk carry is read and written in two steps, so concurrent records
// of the same client may see each other's contribution late.
type Classifier struct {
	cfg     ClassifierConfig
	matcher *Matcher

	failedLogins *WindowCounter
	rateLimits   *WindowCounter
	devices      *WindowCounter
	carried      *WindowCounter
}

// NewClassifier builds an independent classifier.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	cfg.applyDefaults()

	matcher, err := NewMatcher(cfg.Patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid detector table: %w", err)
	}

	counterCfg := CounterConfig{
		Window:     cfg.Window,
		ShardCount: cfg.ShardCount,
		MaxKeys:    cfg.MaxKeys,
	}
	return &Classifier{
		cfg:          cfg,
		matcher:      matcher,
		failedLogins: NewWindowCounter(counterCfg),
		rateLimits:   NewWindowCounter(counterCfg),
		devices:      NewWindowCounter(counterCfg),
		carried:      NewWindowCounter(counterCfg),
	}, nil
}

// Classify returns the record with its severity attached.
func (c *Classifier) Classify(rec domain.NormalizedRecord) domain.ClassifiedRecord {
	return domain.ClassifiedRecord{
		NormalizedRecord: rec,
		Severity:         c.Evaluate(rec).Severity,
	}
}

// Evaluate runs the decision list. Counter updates happen whenever a rule's
// trigger and key are present, whatever the final verdict.
func (c *Classifier) Evaluate(rec domain.NormalizedRecord) Verdict {
	ts := rec.ReceivedAt
	if ts.IsZero() {
		ts = c.cfg.Now()
	}

	v := Verdict{
		Matches: c.matcher.Match(rec.Message),
		Signals: Extract(rec.Message),
	}

	// Carried risk only lifts records that match something themselves.
	client, carry := c.carryKey(rec)
	if carry && !v.Matches.Empty() {
		v.Carried = c.carried.Sum(client, ts)
	}
	risk := v.Carried

	defer func() {
		if own := risk - v.Carried; carry && own > 0 {
			c.carried.Add(client, ts, own)
		}
	}()

	threat := func(r Rule) Verdict {
		v.Severity = domain.SeverityThreat
		v.Rule = r
		v.ShortCircuit = true
		v.Risk = risk
		return v
	}

	m, sig := v.Matches, v.Signals

	if m.Has(RuleFailedLogin) && sig.HasAddr() {
		if c.failedLogins.Record(sig.SourceAddr, ts) >= c.cfg.FailedLoginThreshold {
			return threat(RuleFailedLogin)
		}
		risk += weightFailedLogin
	}
	if m.Has(RuleAttemptsHigh) {
		return threat(RuleAttemptsHigh)
	}
	if m.Has(RuleAccountLock) {
		return threat(RuleAccountLock)
	}
	if m.Has(RuleSuspiciousLogin) {
		risk += weightSuspiciousLogin
	}
	if m.Has(RuleRateLimit) {
		if sig.HasAddr() && c.rateLimits.Record(sig.SourceAddr, ts) >= c.cfg.RateLimitThreshold {
			return threat(RuleRateLimit)
		}
		risk += weightRateLimit
	}
	if m.Has(RuleError5xx) {
		risk += weightError5xx
	}
	if m.Has(RuleSuccessLogin) && risk >= elevatedRisk {
		return threat(RuleSuccessLogin)
	}
	if m.Has(RulePasswordChange) && risk >= elevatedRisk {
		return threat(RulePasswordChange)
	}
	if m.Has(RuleBackupCorrupt) {
		return threat(RuleBackupCorrupt)
	}
	if m.Has(RuleBackupGrowth) {
		risk += weightBackupGrowth
	}
	if m.Has(RuleDeviceSuspicious) {
		if sig.HasDevice() && c.devices.Record(sig.DeviceID, ts) >= c.cfg.DeviceThreshold {
			return threat(RuleDeviceSuspicious)
		}
		risk += weightDeviceSuspicious
	}
	if m.Has(RuleDeviceOffline) {
		risk += weightDeviceOffline
	}
	if m.Has(RuleFirmwareOutdated) {
		risk += weightFirmwareOutdated
	}

	v.Risk = risk
	switch {
	case risk >= c.cfg.ThreatRisk:
		v.Severity = domain.SeverityThreat
	case risk >= c.cfg.WarningRisk:
		v.Severity = domain.SeverityWarning
	default:
		v.Severity = domain.SeverityInfo
	}
	return v
}

// carryKey returns the client key for risk carry. Records of unidentified
// clients do not carry risk.
func (c *Classifier) carryKey(rec domain.NormalizedRecord) (string, bool) {
	if c.cfg.DisableRiskCarry || rec.ClientID == "" || rec.ClientID == domain.UnknownClient {
		return "", false
	}
	return rec.ClientID, true
}

// Window returns the configured counter window.
func (c *Classifier) Window() time.Duration {
	return c.cfg.Window
}

// TrackedKeys returns the number of live keys across all namespaces.
func (c *Classifier) TrackedKeys() int {
	n := 0
	for _, wc := range c.namespaces() {
		n += wc.Len()
	}
	return n
}

// Sweep drops empty windows from every namespace.
func (c *Classifier) Sweep(now time.Time) int {
	removed := 0
	for _, wc := range c.namespaces() {
		removed += wc.Sweep(now)
	}
	return removed
}

func (c *Classifier) namespaces() []*WindowCounter {
	return []*WindowCounter{c.failedLogins, c.rateLimits, c.devices, c.carried}
}

package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// SetDefaults registers the default of every configuration key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("input.path", "./testdata/records.log")
	v.SetDefault("input.format", "json")

	v.SetDefault("workers.count", 1)
	v.SetDefault("workers.buffer_size", 10000)
	v.SetDefault("workers.quarantine_path", "")
	v.SetDefault("workers.overflow_path", "")

	v.SetDefault("detection.window_seconds", 60)
	v.SetDefault("detection.max_keys", 100000)
	v.SetDefault("detection.risk_carry", true)
	v.SetDefault("detection.sweep_interval", 30*time.Second)

	v.SetDefault("correlation.enabled", true)
	v.SetDefault("correlation.interval", DefaultCorrelationInterval)
	v.SetDefault("correlation.lookback", 2*time.Minute)
	v.SetDefault("correlation.min_failed_attempts", 5)
	v.SetDefault("correlation.dedupe.enabled", false)
	v.SetDefault("correlation.dedupe.size", 10000)

	v.SetDefault("storage.path", "./data/logsiem.db")
	v.SetDefault("storage.breaker.failure_threshold", 5)
	v.SetDefault("storage.breaker.timeout", 30*time.Second)

	v.SetDefault("output.console.enabled", true)
	v.SetDefault("output.json.enabled", false)
	v.SetDefault("output.json.path", "")
	v.SetDefault("output.overflow_path", "")
	v.SetDefault("output.nats.enabled", false)
	v.SetDefault("output.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("output.nats.subject", "logsiem.threats")
	v.SetDefault("output.metrics.enabled", true)
	v.SetDefault("output.metrics.port", ":9090")
}

// RuntimeSettings are the configuration values that can change without a
// restart.
type RuntimeSettings struct {
	LogLevel            zerolog.Level
	CorrelationInterval time.Duration
}

// ReloadFunc applies settings that passed validation.
type ReloadFunc func(RuntimeSettings)

// HotReloadConfig watches the config file and applies RuntimeSettings when
// it changes. Invalid files are rejected and the running settings stay.
type HotReloadConfig struct {
	v       *viper.Viper
	apply   ReloadFunc
	mu      sync.Mutex
	reloads int
}

type HotReloadOptions struct {
	Viper *viper.Viper // default: the global viper instance
	Apply ReloadFunc
}

func NewHotReloadConfig(opts HotReloadOptions) *HotReloadConfig {
	if opts.Viper == nil {
		opts.Viper = viper.GetViper()
	}
	return &HotReloadConfig{v: opts.Viper, apply: opts.Apply}
}

// StartWatching registers the fsnotify-backed watcher. viper re-reads the
// file before the callback runs.
func (h *HotReloadConfig) StartWatching() {
	h.v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().
			Str("file", e.Name).
			Str("op", e.Op.String()).
			Msg("Config file changed, reloading...")
		if _, err := h.Reload(); err != nil {
			log.Error().Err(err).Msg("Invalid configuration, rejecting reload")
		}
	})
	h.v.WatchConfig()
	log.Info().Str("config", h.v.ConfigFileUsed()).Msg("Hot-reload config watching started")
}

// Reload validates the current viper state and applies it.
func (h *HotReloadConfig) Reload() (RuntimeSettings, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := ValidateConfig(h.v); err != nil {
		return RuntimeSettings{}, err
	}
	settings, err := LoadRuntimeSettings(h.v)
	if err != nil {
		return RuntimeSettings{}, err
	}
	if h.apply != nil {
		h.apply(settings)
	}
	h.reloads++

	log.Info().
		Str("log_level", settings.LogLevel.String()).
		Dur("correlation_interval", settings.CorrelationInterval).
		Msg("Configuration hot-reloaded successfully")
	return settings, nil
}

func (h *HotReloadConfig) Reloads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloads
}

func LoadRuntimeSettings(v *viper.Viper) (RuntimeSettings, error) {
	level, err := zerolog.ParseLevel(v.GetString("logging.level"))
	if err != nil {
		return RuntimeSettings{}, &ConfigValidationError{Field: "logging.level", Value: v.GetString("logging.level"), Reason: "unknown level"}
	}
	return RuntimeSettings{
		LogLevel:            level,
		CorrelationInterval: v.GetDuration("correlation.interval"),
	}, nil
}

// ValidateConfig checks the ranges of every key the runtime reads.
func ValidateConfig(v *viper.Viper) error {
	if n := v.GetInt("workers.count"); n < 1 || n > 1000 {
		return &ConfigValidationError{Field: "workers.count", Value: n, Reason: "must be between 1 and 1000"}
	}
	if n := v.GetInt("workers.buffer_size"); n < 100 || n > 10000000 {
		return &ConfigValidationError{Field: "workers.buffer_size", Value: n, Reason: "must be between 100 and 10M"}
	}
	if n := v.GetInt("detection.window_seconds"); n < 1 {
		return &ConfigValidationError{Field: "detection.window_seconds", Value: n, Reason: "must be positive"}
	}
	if n := v.GetInt("detection.max_keys"); n < 1 {
		return &ConfigValidationError{Field: "detection.max_keys", Value: n, Reason: "must be positive"}
	}
	if d := v.GetDuration("correlation.interval"); d < 100*time.Millisecond {
		return &ConfigValidationError{Field: "correlation.interval", Value: d, Reason: "must be at least 100ms"}
	}
	if d := v.GetDuration("correlation.lookback"); d <= 0 {
		return &ConfigValidationError{Field: "correlation.lookback", Value: d, Reason: "must be positive"}
	}
	if n := v.GetInt("correlation.min_failed_attempts"); n < 1 {
		return &ConfigValidationError{Field: "correlation.min_failed_attempts", Value: n, Reason: "must be positive"}
	}
	switch f := v.GetString("input.format"); f {
	case "json", "syslog", "auto":
	default:
		return &ConfigValidationError{Field: "input.format", Value: f, Reason: "must be json, syslog or auto"}
	}
	return nil
}

type ConfigValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s = %v - %s", e.Field, e.Value, e.Reason)
}

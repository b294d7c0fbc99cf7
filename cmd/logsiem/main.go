package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/logsiem/internal/adapters/detection"
	"github.com/xoelrdgz/logsiem/internal/adapters/input"
	"github.com/xoelrdgz/logsiem/internal/adapters/output"
	"github.com/xoelrdgz/logsiem/internal/adapters/storage"
	"github.com/xoelrdgz/logsiem/internal/app"
	"github.com/xoelrdgz/logsiem/internal/domain"
	"github.com/xoelrdgz/logsiem/internal/ports"
)

var (
	cfgFile      string
	inputPath    string
	inputFormat  string
	fullAnalysis bool
	demoMode     bool
	demoRate     int
	workers      int
	noColor      bool
	jsonOut      bool

	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "logsiem",
	Short: "Event log detection engine",
	Long: `logsiem classifies event records reported by monitored clients and
correlates their history to surface brute force logins.

Detection:
  - Streaming classifier: keyword and regex detectors, windowed counters,
    per-client risk carry
  - Correlator: failed login bursts followed by a successful login

Records are persisted to an embedded store; threats go to the console,
JSON lines, NATS and Prometheus.`,
	SilenceUsage: true,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the detection pipeline on a record source",
	Long: `Start intake, classification, storage and periodic correlation.
Runs until SIGINT/SIGTERM.

Examples:
  logsiem analyze --input /var/log/logsiem/records.log
  logsiem analyze --input ./agent.log --format syslog --full
  logsiem analyze --demo --demo-rate 500
  logsiem analyze --input ./records.log --json --no-color`,
	RunE: runAnalyze,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("logsiem %s\n", Version)
		fmt.Printf("Commit:  %s\n", Commit)
		fmt.Printf("Built:   %s\n", BuildTime)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "plain output, JSON logs")

	analyzeCmd.Flags().StringVarP(&inputPath, "input", "i", "", "record file to analyze")
	analyzeCmd.Flags().StringVarP(&inputFormat, "format", "f", "", "record format: json, syslog or auto")
	analyzeCmd.Flags().BoolVar(&fullAnalysis, "full", false, "analyze the entire file from the beginning")
	analyzeCmd.Flags().BoolVar(&demoMode, "demo", false, "demo mode: generate synthetic records")
	analyzeCmd.Flags().IntVar(&demoRate, "demo-rate", 200, "demo mode: records per second")
	analyzeCmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of worker goroutines")
	analyzeCmd.Flags().BoolVar(&jsonOut, "json", false, "write threats as JSON lines to stdout")

	viper.BindPFlag("input.path", analyzeCmd.Flags().Lookup("input"))
	viper.BindPFlag("input.format", analyzeCmd.Flags().Lookup("format"))
	viper.BindPFlag("workers.count", analyzeCmd.Flags().Lookup("workers"))

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(correlateCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/logsiem")
	}

	app.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Msg("Error reading config file")
		}
	}

	viper.SetEnvPrefix("LOGSIEM")
	viper.AutomaticEnv()
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	settings, err := app.LoadRuntimeSettings(viper.GetViper())
	if err != nil {
		settings.LogLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(settings.LogLevel)

	if noColor {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}
	if err != nil {
		log.Warn().Err(err).Msg("Falling back to info log level")
	}
}

func newClassifier() (*detection.Classifier, error) {
	return detection.NewClassifier(detection.ClassifierConfig{
		Window:           time.Duration(viper.GetInt("detection.window_seconds")) * time.Second,
		MaxKeys:          viper.GetInt("detection.max_keys"),
		DisableRiskCarry: !viper.GetBool("detection.risk_carry"),
	})
}

func newCorrelator(store ports.EventStore) (*detection.Correlator, error) {
	return detection.NewCorrelator(store, detection.CorrelatorConfig{
		Lookback:          viper.GetDuration("correlation.lookback"),
		MinFailedAttempts: viper.GetInt("correlation.min_failed_attempts"),
		Dedupe:            viper.GetBool("correlation.dedupe.enabled"),
		DedupeSize:        viper.GetInt("correlation.dedupe.size"),
	})
}

func openStore() (*storage.BoltStore, *storage.BreakerStore, error) {
	bolt, err := storage.NewBoltStore(storage.BoltConfig{Path: viper.GetString("storage.path")})
	if err != nil {
		return nil, nil, err
	}
	breakerCfg := storage.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = uint32(viper.GetInt("storage.breaker.failure_threshold"))
	breakerCfg.Timeout = viper.GetDuration("storage.breaker.timeout")
	return bolt, storage.NewBreakerStore(bolt, breakerCfg), nil
}

func newReader() (ports.RecordReader, string, error) {
	if demoMode {
		cfg := input.DefaultDemoConfig()
		cfg.Rate = demoRate
		cfg.BufferSize = viper.GetInt("workers.buffer_size")
		return input.NewDemoGenerator(cfg), "DEMO", nil
	}

	path := viper.GetString("input.path")
	if path == "" {
		return nil, "", fmt.Errorf("input path required: use --input or --demo")
	}
	parser, err := input.NewParser(viper.GetString("input.format"), nil)
	if err != nil {
		return nil, "", err
	}
	tailer := input.NewFileTailer(path, parser, viper.GetInt("workers.buffer_size"))
	if fullAnalysis {
		tailer.SetFromBeginning(true)
		log.Info().Msg("Full analysis mode: reading from beginning")
	}
	return tailer, path, nil
}

func newAlerters() ([]ports.Alerter, error) {
	var alerters []ports.Alerter

	if viper.GetBool("output.console.enabled") && !jsonOut {
		alerters = append(alerters, output.NewConsoleAlerter(os.Stdout, !noColor))
	}

	if jsonOut || viper.GetBool("output.json.enabled") {
		jsonConfig := output.JSONAlerterConfig{Stdout: jsonOut}
		if path := viper.GetString("output.json.path"); path != "" && !jsonOut {
			jsonConfig.FilePath = path
		}
		jsonAlerter, err := output.NewJSONAlerter(jsonConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create JSON alerter: %w", err)
		}
		alerters = append(alerters, jsonAlerter)
	}

	if viper.GetBool("output.nats.enabled") {
		natsCfg := output.DefaultNATSConfig()
		natsCfg.URL = viper.GetString("output.nats.url")
		natsCfg.Subject = viper.GetString("output.nats.subject")
		natsAlerter, err := output.NewNATSAlerter(natsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS alerter: %w", err)
		}
		alerters = append(alerters, natsAlerter)
	}

	return alerters, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := app.ValidateConfig(viper.GetViper()); err != nil {
		return err
	}

	reader, source, err := newReader()
	if err != nil {
		return err
	}

	bolt, store, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing event store")
		}
	}()

	classifier, err := newClassifier()
	if err != nil {
		return err
	}

	alerters, err := newAlerters()
	if err != nil {
		return err
	}
	memAlerter := output.NewMemoryAlerter(100)
	alerters = append(alerters, memAlerter)

	threatOverflow, err := app.NewOverflowWriter(viper.GetString("output.overflow_path"))
	if err != nil {
		return err
	}
	defer threatOverflow.Close()

	analysisMetrics := domain.NewAnalysisMetrics()
	dispatcher := app.NewThreatDispatcher(app.DispatcherConfig{}, alerters, threatOverflow)

	poolCfg := app.WorkerPoolConfig{
		WorkerCount:    viper.GetInt("workers.count"),
		BufferSize:     viper.GetInt("workers.buffer_size"),
		OverflowPath:   viper.GetString("workers.overflow_path"),
		QuarantinePath: viper.GetString("workers.quarantine_path"),
	}
	pool := app.NewWorkerPool(poolCfg, classifier, store, dispatcher, analysisMetrics)

	var promMetrics *output.PrometheusMetrics
	if viper.GetBool("output.metrics.enabled") {
		promMetrics = output.NewPrometheusMetrics(prometheus.NewRegistry(), "logsiem", analysisMetrics)
		pool.SetMetricsCollector(promMetrics)
		pool.SetProcessingObserver(promMetrics)
	}

	var correlation *app.CorrelationService
	if viper.GetBool("correlation.enabled") {
		correlator, err := newCorrelator(store)
		if err != nil {
			return err
		}
		var collector ports.MetricsCollector
		if promMetrics != nil {
			collector = promMetrics
		}
		correlation = app.NewCorrelationService(correlator, viper.GetDuration("correlation.interval"), dispatcher, analysisMetrics, collector)
	}

	analyzer := app.NewAnalyzer(app.AnalyzerConfig{
		SweepInterval: viper.GetDuration("detection.sweep_interval"),
	}, reader, pool, dispatcher, correlation, classifier, analysisMetrics)

	if promMetrics != nil {
		analyzer.SetGaugeSink(promMetrics)

		health := output.NewHealthChecker(pool, store, output.DefaultHealthCheckerConfig())
		metricsConfig := output.DefaultMetricsConfig()
		metricsConfig.Port = viper.GetString("output.metrics.port")
		if err := promMetrics.StartServer(metricsConfig, map[string]http.Handler{"/ready": health}); err != nil {
			log.Warn().Err(err).Msg("Failed to start metrics server")
		}
		defer promMetrics.StopServer()
	}

	if viper.ConfigFileUsed() != "" {
		reloader := app.NewHotReloadConfig(app.HotReloadOptions{
			Apply: func(s app.RuntimeSettings) {
				zerolog.SetGlobalLevel(s.LogLevel)
				if correlation != nil {
					correlation.SetInterval(s.CorrelationInterval)
				}
			},
		})
		reloader.StartWatching()
	}

	log.Info().
		Str("source", source).
		Str("store", bolt.Path()).
		Int("workers", poolCfg.WorkerCount).
		Bool("correlation", correlation != nil).
		Msg("logsiem started")

	if err := analyzer.Run(context.Background()); err != nil {
		return err
	}

	snap := analyzer.Metrics()
	log.Info().
		Int64("records", snap.TotalRecords).
		Int64("warnings", snap.WarningRecords).
		Int64("threats", snap.ThreatRecords).
		Int64("correlated", snap.CorrelatedThreats).
		Int("recent_threats", memAlerter.Count()).
		Dur("uptime", snap.Uptime).
		Msg("Analysis finished")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

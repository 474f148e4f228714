package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/aelhadee/247trader-V2-sub000/internal/alert"
	"github.com/aelhadee/247trader-V2-sub000/internal/audit"
	"github.com/aelhadee/247trader-V2-sub000/internal/clocksync"
	"github.com/aelhadee/247trader-V2-sub000/internal/config"
	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/internal/costs"
	"github.com/aelhadee/247trader-V2-sub000/internal/exchange/coinbase"
	"github.com/aelhadee/247trader-V2-sub000/internal/execution"
	"github.com/aelhadee/247trader-V2-sub000/internal/infrastructure/health"
	"github.com/aelhadee/247trader-V2-sub000/internal/infrastructure/metrics"
	"github.com/aelhadee/247trader-V2-sub000/internal/lock"
	"github.com/aelhadee/247trader-V2-sub000/internal/loop"
	"github.com/aelhadee/247trader-V2-sub000/internal/orders"
	"github.com/aelhadee/247trader-V2-sub000/internal/position"
	"github.com/aelhadee/247trader-V2-sub000/internal/risk"
	"github.com/aelhadee/247trader-V2-sub000/internal/secrets"
	"github.com/aelhadee/247trader-V2-sub000/internal/state"
	"github.com/aelhadee/247trader-V2-sub000/internal/strategy"
	"github.com/aelhadee/247trader-V2-sub000/internal/universe"
	"github.com/aelhadee/247trader-V2-sub000/pkg/logging"
	"github.com/aelhadee/247trader-V2-sub000/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

const dataDir = "data"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trader: %v\n", err)
		os.Exit(1)
	}
}

// run wires every subsystem in startup order and drives the trading loop
// until a signal arrives. It returns an error for any startup validation
// failure so main can exit non-zero; deferred cleanup still runs.
func run() error {
	once := flag.Bool("once", false, "Run a single cycle and exit")
	interval := flag.Int("interval", 0, "Cycle interval in seconds (overrides config)")
	configDir := flag.String("config-dir", "config", "Directory containing app.yaml, policy.yaml, signals.yaml, universe.yaml")
	forceLock := flag.Bool("force-lock", false, "Take the instance lock even if the holder is alive (operator recovery)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("247trader version %s (built %s)\n", version, buildTime)
		return nil
	}

	// .env only populates the process environment; credentials are still
	// read exclusively from environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load(*configDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *interval > 0 {
		cfg.App.Loop.IntervalSeconds = *interval
	}
	mode := cfg.Mode()

	logger, err := logging.NewZapLogger(cfg.App.Logging.Level, cfg.App.Logging.File)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting 247trader",
		"version", version,
		"mode", string(mode),
		"config_dir", cfg.Dir,
		"config_hash", cfg.Hash,
		"read_only", cfg.App.Exchange.ReadOnly)

	// The instance lock is the first side effect after config validation.
	// Two processes trading one account would double-spend every budget.
	instanceLock := lock.New(dataDir, logger)
	if err := instanceLock.Acquire(*forceLock); err != nil {
		return err
	}
	defer instanceLock.Release()

	var sinks []core.IAlertSink
	sinks = append(sinks, alert.NewLogSink(logger))
	if url := cfg.App.Monitoring.Alerts.SlackWebhookURL; url != "" {
		sinks = append(sinks, alert.NewSlackSink(url))
	}
	alerts := alert.NewManager(
		alert.ParseSeverity(cfg.App.Monitoring.Alerts.MinSeverity),
		cfg.App.Monitoring.AlertsEnabled,
		logger,
		sinks...)
	defer alerts.Close()

	// Startup validations: credential age, then clock sanity.
	rotation := secrets.NewTracker(filepath.Join(dataDir, "rotation.json"), logger)
	switch res := rotation.Check(); res.Level {
	case secrets.LevelCritical:
		alerts.Critical("secret_rotation_overdue", res.Message, nil)
	case secrets.LevelWarning:
		alerts.Warning("secret_rotation_due", res.Message, nil)
	}

	if err := clocksync.NewValidator(nil, logger).Validate(mode); err != nil {
		return fmt.Errorf("clock validation failed: %w", err)
	}

	tel, err := telemetry.Setup("247trader")
	if err != nil {
		logger.Warn("Telemetry setup failed, metrics disabled", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Telemetry shutdown failed", "error", err)
			}
		}()
	}

	creds, err := coinbase.LoadCredentialsFromEnv()
	if err != nil {
		if mode == core.ModeLive {
			return fmt.Errorf("LIVE mode requires credentials: %w", err)
		}
		logger.Warn("No API credentials in environment; private endpoints will fail", "error", err)
		creds = &coinbase.Credentials{APIKey: "unconfigured", APISecret: "unconfigured-placeholder"}
	}
	client, err := coinbase.NewClient(creds, coinbase.Options{
		ReadOnly: cfg.App.Exchange.ReadOnly,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create exchange client: %w", err)
	}

	backupPath := cfg.App.State.BackupPath
	if backupPath == "" {
		backupPath = filepath.Join(dataDir, "backups")
	}
	store := state.NewStore(state.Options{
		Path:           filepath.Join(dataDir, "state.json"),
		BackupEnabled:  cfg.App.State.BackupEnabled,
		BackupPath:     backupPath,
		BackupInterval: time.Duration(cfg.App.State.BackupIntervalHours) * time.Hour,
		BackupMaxFiles: cfg.App.State.BackupMaxFiles,
		FlushInterval:  time.Duration(cfg.App.State.PersistIntervalSeconds) * time.Second,
	}, logger)
	if err := store.Load(); err != nil {
		logger.Warn("State load failed, starting from an empty snapshot", "error", err)
	}
	client.SetLatencyObserver(store.UpdateLatencyStats)

	machine := orders.NewStateMachine(logger)
	costModel := costs.NewModel(cfg.Policy.Execution.MakerFeeBps, cfg.Policy.Execution.TakerFeeBps)
	engine := execution.NewEngine(client, machine, store, costModel,
		cfg.Policy.Execution, cfg.Policy.Microstructure, mode, logger)

	cb := cfg.Policy.CircuitBreakers
	circuits := risk.NewCircuitRegistry(risk.CircuitConfig{
		MaxConsecutiveAPIErrors: cb.MaxConsecutiveAPIErrors,
		RateLimitCooldownCycles: cb.RateLimitCooldownCycles,
		StaleQuoteTripCount:     cb.StaleQuoteTripCount,
		VolatilityCrashPct:      cb.VolatilityCrashPct,
		VolatilityWindow:        time.Duration(cb.VolatilityWindowMinutes) * time.Minute,
	}, logger)
	cooldowns := risk.NewCooldownTracker(
		time.Duration(cfg.Policy.Risk.CooldownMinutes)*time.Minute,
		time.Duration(cfg.Policy.Risk.StopLossCooldownMinutes)*time.Minute,
		cfg.Policy.Risk.PerSymbolCooldownEnabled,
		logger)
	riskEngine := risk.NewEngine(cfg.Policy.Risk, cfg.Policy.Governance, circuits, cooldowns, logger)

	// Strategies are a plug-in surface; an empty registry runs the full
	// cycle and records rules_engine_no_proposals.
	registry := strategy.NewRegistry(logger)
	if len(registry.Names()) == 0 {
		logger.Warn("No strategies registered; cycles will produce no proposals")
	}

	positions := position.NewManager(logger)
	universeBuilder := universe.NewStaticBuilder(
		filepath.Join(cfg.Dir, config.UniverseFile),
		time.Duration(cfg.App.Loop.UniverseCacheSeconds)*time.Second,
		logger)

	auditLogger, err := audit.NewLogger(filepath.Join(dataDir, "audit.jsonl"), logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	trading := loop.New(loop.Deps{
		Cfg:             cfg,
		Exchange:        client,
		Engine:          engine,
		Risk:            riskEngine,
		Strategies:      registry,
		Positions:       positions,
		Universe:        universeBuilder,
		Store:           store,
		Audit:           auditLogger,
		Alerts:          alerts,
		Logger:          logger,
		ExchangeHealth:  client.Health,
		ResetRateWindow: client.ResetRateLimitWindow,
		Limiter:         client.RateLimiter(),
	})
	trading.SetOnce(*once)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartFlusher(ctx)

	var healthServer *health.Server
	if cfg.App.Monitoring.HealthcheckEnabled {
		healthServer = health.NewServer(cfg.App.Monitoring.HealthcheckPort, trading.Status, logger)
		healthServer.Start()
	}
	var metricsServer *metrics.Server
	if cfg.App.Monitoring.MetricsEnabled && tel != nil {
		metricsServer = metrics.NewServer(cfg.App.Monitoring.MetricsPort, logger)
		metricsServer.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return trading.Run(gctx)
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if healthServer != nil {
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Health server shutdown failed", "error", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("trading loop failed: %w", runErr)
	}
	logger.Info("247trader stopped")
	return nil
}

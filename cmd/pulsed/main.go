// Command pulsed runs the pulsedb server: the persistence layer, the
// single-writer commit coordinator fenced by a Raft writer lease, the
// retention/backfill worker, the function-runtime host, and the
// WebSocket sync-worker listener, all wired from one process per §5.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsedb/pulse/pkg/commit"
	"github.com/pulsedb/pulse/pkg/commit/lease"
	"github.com/pulsedb/pulse/pkg/config"
	"github.com/pulsedb/pulse/pkg/health"
	"github.com/pulsedb/pulse/pkg/index"
	"github.com/pulsedb/pulse/pkg/log"
	"github.com/pulsedb/pulse/pkg/persistence/boltdb"
	"github.com/pulsedb/pulse/pkg/retention"
	"github.com/pulsedb/pulse/pkg/runtime"
	"github.com/pulsedb/pulse/pkg/runtime/modules"
	"github.com/pulsedb/pulse/pkg/secretseal"
	"github.com/pulsedb/pulse/pkg/session"
	"github.com/pulsedb/pulse/pkg/subscribe"
	"github.com/pulsedb/pulse/pkg/tracing"
	"github.com/pulsedb/pulse/pkg/usage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pulsed",
	Short:   "pulsedb server: reactive document backend with embedded function runtime",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pulsed version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.WithComponent("pulsed")

	store, err := boltdb.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	registry := index.NewRegistry(store)

	l, err := lease.Bootstrap(lease.Config{
		NodeID:   cfg.Raft.NodeID,
		BindAddr: cfg.Raft.BindAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("bootstrap writer lease: %w", err)
	}
	defer l.Shutdown()

	subs := subscribe.NewManager(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	committer, err := commit.New(ctx, store, registry, subs, l, commit.DefaultConfig())
	if err != nil {
		return fmt.Errorf("start commit coordinator: %w", err)
	}

	sealPassphrase := cfg.Env.SealPassphrase
	if sealPassphrase == "" {
		sealPassphrase = cfg.Session.JWTSecret
	}
	sealer, err := secretseal.NewFromPassphrase(sealPassphrase)
	if err != nil {
		return fmt.Errorf("build env sealer: %w", err)
	}
	env := newEnvStore(store, sealer)
	sched := newDelayedScheduler()
	stor := newLocalStorage(fmt.Sprintf("http://%s", cfg.BindAddr))

	runtimeCfg := runtime.DefaultConfig()
	runtimeCfg.SystemTimeout = cfg.Runtime.SystemTimeout
	runtimeCfg.UserTimeout = cfg.Runtime.UserTimeout
	runtimeCfg.MaxOCCRetries = cfg.Runtime.MaxOCCRetries

	usageTracker := usage.NewTracker()
	usageTracker.Start()
	defer usageTracker.Stop()

	// runtime.Host and retention.Worker reference each other (the host is
	// retention's ReaderTracker; the worker is the host's
	// persistence.RetentionValidator), so the host is built twice: once to
	// hand to the worker, discarded unused, then rebuilt with the worker
	// wired in as its retention validator.
	bootstrapHost := runtime.NewHost(store, registry, nil, committer, env, sched, stor, usageTracker, runtimeCfg)

	retentionCfg := retention.DefaultConfig()
	retentionCfg.RetentionInterval = cfg.Retention.Interval
	retentionCfg.BackfillInterval = cfg.Retention.BackfillInterval
	retentionCfg.GracePeriod = cfg.Retention.GracePeriod
	retentionWorker := retention.NewWorker(store, registry, bootstrapHost, retentionCfg)

	host := runtime.NewHost(store, registry, retentionWorker, committer, env, sched, stor, usageTracker, runtimeCfg)
	moduleStore := modules.NewStore(store, registry, retentionWorker, committer)
	sched.bind(host, moduleStore, committer)

	retentionWorker.Start()
	defer retentionWorker.Stop()

	idProv := session.NewJWTProvider([]byte(cfg.Session.JWTSecret), "pulsedb")
	sessionCfg := session.DefaultConfig()
	sessionCfg.QueueCapacity = cfg.Session.MaxQueueDepth
	sessionCfg.IdleExpiration = cfg.Session.IdleExpiration
	sessionCfg.CongestedExpiration = cfg.Session.CongestedExpiration

	sessionServer := session.NewServer(idProv, subs, host, moduleStore, committer, env, sessionCfg)

	healthReg := health.NewRegistry(5 * time.Second)
	healthReg.Register("store", checkerFromErr(func(ctx context.Context) error {
		_, _, err := store.GetPersistenceGlobal(ctx, "health:ping")
		return err
	}))
	healthReg.Register("writer_lease", checkerFromErr(func(context.Context) error {
		if !l.IsLeader() {
			return fmt.Errorf("not the writer-lease holder")
		}
		return nil
	}))

	if cfg.Tracing.Enabled {
		tracing.New(tracing.Config{})
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("sync worker listening")
		if err := sessionServer.Start(cfg.BindAddr); err != nil {
			errCh <- fmt.Errorf("session server: %w", err)
		}
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HealthPort)
		logger.Info().Str("addr", addr).Msg("health/metrics listening")
		if err := serveHealthAndMetrics(addr, healthReg, usageTracker); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	if err := sessionServer.Stop(10 * time.Second); err != nil {
		logger.Error().Err(err).Msg("session server shutdown error")
	}
	return nil
}

// checkerFromErr adapts a plain error-returning probe into a health.Checker.
func checkerFromErr(f func(ctx context.Context) error) health.Checker {
	return func(ctx context.Context) health.Result {
		start := time.Now()
		if err := f(ctx); err != nil {
			return health.Fail(start, err.Error())
		}
		return health.OK(start, "ok")
	}
}

func serveHealthAndMetrics(addr string, reg *health.Registry, tracker *usage.Tracker) error {
	mux := newHealthMux(reg, tracker)
	return listenAndServe(addr, mux)
}

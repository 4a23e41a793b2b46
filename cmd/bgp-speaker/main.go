package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/db"
	"github.com/route-beacon/bgp-speaker/internal/history"
	bgphttp "github.com/route-beacon/bgp-speaker/internal/http"
	"github.com/route-beacon/bgp-speaker/internal/kafka"
	"github.com/route-beacon/bgp-speaker/internal/maintenance"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/rib"
	"github.com/route-beacon/bgp-speaker/internal/speaker"
	"github.com/route-beacon/bgp-speaker/migrations"
)

const (
	maintenanceInterval = time.Hour
	applicationName     = "bgp-speaker"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgp-speaker <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Run the BGP sessions of every configured peer")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
	fmt.Println("  --migrations-dir <dir>  Apply .sql files from dir instead of the built-in schema (migrate)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsFS returns the schema compiled into the binary unless
// --migrations-dir names a directory on disk.
func migrationsFS(args []string) fs.FS {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--migrations-dir" {
			return os.DirFS(args[i+1])
		}
	}
	return migrations.FS
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgp-speaker",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Uint32("asn", cfg.Speaker.ASN),
		zap.String("router_id", cfg.Speaker.RouterID),
		zap.Int("peers", len(cfg.Peers)),
	)

	peers, err := speaker.PeersFromConfig(cfg)
	if err != nil {
		logger.Fatal("invalid peer configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sinks []rib.Sink
	var opts []speaker.PeerOption
	checks := map[string]bgphttp.Checker{}
	var wg sync.WaitGroup

	// --- Kafka route export ---
	var publisher *kafka.Publisher
	if cfg.Kafka.Enabled {
		tlsCfg, err := cfg.Kafka.BuildTLSConfig()
		if err != nil {
			logger.Fatal("failed to build TLS config", zap.Error(err))
		}
		publisher, err = kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID,
			time.Duration(cfg.Kafka.LingerMs)*time.Millisecond, tlsCfg, cfg.Kafka.BuildSASLMechanism(),
			logger.Named("kafka"))
		if err != nil {
			logger.Fatal("failed to create kafka publisher", zap.Error(err))
		}
		sinks = append(sinks, publisher)
		checks["kafka"] = publisher
		logger.Info("route export enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	// --- History ---
	if cfg.History.Enabled {
		pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns, applicationName)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		// Ensure partitions exist before the first flush.
		pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create partitions on startup", zap.Error(err))
		}

		writer := history.NewWriter(pool, logger.Named("history.writer"),
			cfg.History.StoreRawBytes, cfg.History.StoreRawBytesCompress)
		pipeline := history.NewPipeline(writer, cfg.History.BatchSize, cfg.History.FlushIntervalMs,
			cfg.History.ChannelBufferSize, logger.Named("history.pipeline")).WithPeerStore(pool)
		opts = append(opts, speaker.WithRecorder(pipeline))
		if cfg.History.RouteEvents {
			sinks = append(sinks, pipeline)
		}

		wg.Add(2)
		go func() { defer wg.Done(); pipeline.Run(ctx) }()
		go func() { defer wg.Done(); pm.RunEvery(ctx, maintenanceInterval) }()

		checks["postgres"] = bgphttp.CheckFunc(func(ctx context.Context) error { return db.Ping(ctx, pool) })
		logger.Info("history enabled",
			zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
			zap.Bool("route_events", cfg.History.RouteEvents),
		)
	}

	// --- Sessions ---
	spk := speaker.New(peers, cfg.Speaker.Listen, rib.Multi(sinks...), logger, opts...)
	speakerErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		speakerErr <- spk.Run(ctx)
	}()

	// --- HTTP server ---
	httpServer := bgphttp.NewServer(cfg.Service.HTTPListen, spk, logger.Named("http"))
	for name, c := range checks {
		httpServer.AddCheck(name, c)
	}
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("sessions and HTTP server started")

	// Wait for shutdown signal or a fatal speaker error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-speakerErr:
		if err != nil {
			logger.Error("speaker stopped", zap.Error(err))
		}
	}

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel context to send Cease to every peer and stop the pipelines.
	cancel()

	// Wait for sessions and the history pipeline to finish their final flush.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all sessions stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	if publisher != nil {
		publisher.Close(shutdownCtx)
	}

	logger.Info("bgp-speaker stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns, applicationName)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsFS(os.Args[2:]), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns, applicationName)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

var passwordKV = regexp.MustCompile(`password\s*=\s*\S+`)

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format: redact the password=... portion
		return passwordKV.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

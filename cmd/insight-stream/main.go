package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chartwise/insight-stream/internal/config"
	"github.com/chartwise/insight-stream/internal/platform/auth"
	"github.com/chartwise/insight-stream/internal/platform/db"
	"github.com/chartwise/insight-stream/internal/platform/middleware"
	"github.com/chartwise/insight-stream/internal/platform/phi"
	"github.com/chartwise/insight-stream/internal/stream/backlog"
	"github.com/chartwise/insight-stream/internal/stream/delivery"
	"github.com/chartwise/insight-stream/internal/stream/health"
	"github.com/chartwise/insight-stream/internal/stream/registry"
	"github.com/chartwise/insight-stream/internal/stream/router"
	"github.com/chartwise/insight-stream/internal/stream/source"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "insight-stream",
		Short: "Realtime clinical insight delivery service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the insight delivery server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Encryption gate
	keyring, err := buildKeyring(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build keyring")
	}
	gate := phi.NewGate(keyring)
	auditor := phi.NewPGAuditor(pool, logger)

	// Subscription registry with periodic authorization refresh
	authSource := auth.NewPGSource(pool)
	reg := registry.New(authSource, logger)
	refreshCtx, refreshCancel := context.WithCancel(ctx)
	defer refreshCancel()
	go reg.RunRefresher(refreshCtx, cfg.AuthRefreshInterval)

	// Resume/replay store
	policy := backlog.Policy{Retention: cfg.BacklogRetention, ScopeCap: cfg.BacklogScopeCap}
	var store backlog.Store
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		store = backlog.NewRedisStore(redis.NewClient(redisOpts), policy)
		logger.Info().Msg("using redis-backed replay store")
	} else {
		store = backlog.NewMemoryStore(policy)
		logger.Warn().Msg("REDIS_URL not set; replay store is in-memory and per-instance")
	}

	// Delivery channel. Replay failures feed the health monitor, which is
	// built right after the manager it watches.
	var monitor *health.Monitor
	manager := delivery.NewManager(store, gate, auditor, delivery.Options{
		QueueSize:           cfg.SendQueueSize,
		SlowConsumerTimeout: cfg.SlowConsumerTimeout,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		OnReplayFailure:     func() { monitor.ReportBacklogFailure() },
	}, logger)

	// Change event source and router
	src := source.New(&source.PGListener{Pool: pool, Channel: cfg.ListenChannel}, cfg.ReconnectMaxBackoff, logger)
	journal := &source.PGJournal{Pool: pool, Logger: logger}
	rtr := router.New(reg, gate, store, journal, manager, auditor, cfg.RouterPartitions, logger)
	monitor = health.NewMonitor(src, manager, 2*cfg.ReconnectMaxBackoff)
	rtr.OnStoreFailure(monitor.ReportBacklogFailure)

	evictCtx, evictCancel := context.WithCancel(ctx)
	defer evictCancel()
	go backlog.RunEviction(evictCtx, store, cfg.BacklogEvictEvery, func(err error) {
		logger.Error().Err(err).Msg("backlog eviction failed")
		monitor.ReportBacklogFailure()
	})

	sourceCtx, sourceCancel := context.WithCancel(ctx)
	go src.Run(sourceCtx)
	routerDone := make(chan struct{})
	go func() {
		rtr.Run(ctx, src.Events())
		close(routerDone)
	}()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	verifier := auth.NewTokenVerifier([]byte(cfg.JWTSigningKey), cfg.JWTIssuer)
	wsHandler := delivery.NewHandler(verifier, reg, manager, logger)
	e.GET("/ws", wsHandler.Serve, middleware.ConnLimit(middleware.DefaultConnLimitConfig()))
	e.GET("/health", monitor.Handler)
	e.GET("/health/db", db.HealthHandler(pool))

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("insight stream listening")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	// Stop accepting connections, then close the upstream subscription and
	// let the router drain before tearing sessions down.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 15*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	sourceCancel()
	select {
	case <-routerDone:
	case <-time.After(10 * time.Second):
		logger.Error().Msg("router did not drain in time")
	}
	manager.CloseAll()
	return nil
}

// buildKeyring loads the configured key set, or generates an ephemeral dev
// key so local environments work without provisioning key material.
func buildKeyring(cfg *config.Config, logger zerolog.Logger) (*phi.Keyring, error) {
	if cfg.PHIEncryptionKeys != "" {
		keys, err := phi.ParseKeySpec(cfg.PHIEncryptionKeys)
		if err != nil {
			return nil, err
		}
		return phi.NewKeyring(keys, cfg.PHIActiveKey)
	}

	if !cfg.IsDev() {
		return nil, fmt.Errorf("PHI_ENCRYPTION_KEYS is required outside development")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	logger.Warn().Msg("PHI_ENCRYPTION_KEYS not set; using an ephemeral development key")
	return phi.NewKeyring(map[string]string{"v1": hex.EncodeToString(raw)}, "v1")
}

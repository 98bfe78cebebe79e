package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/ehr/medsafety/internal/config"
	"github.com/ehr/medsafety/internal/domain/alert"
	"github.com/ehr/medsafety/internal/domain/prescription"
	"github.com/ehr/medsafety/internal/domain/safety"
	"github.com/ehr/medsafety/internal/platform/auth"
	"github.com/ehr/medsafety/internal/platform/broadcast"
	"github.com/ehr/medsafety/internal/platform/db"
	"github.com/ehr/medsafety/internal/platform/events"
	"github.com/ehr/medsafety/internal/platform/metrics"
	"github.com/ehr/medsafety/internal/platform/middleware"
	"github.com/ehr/medsafety/internal/platform/redact"
	"github.com/ehr/medsafety/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "medsafety-server",
		Short: "Medication safety check and clinical alert server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(referenceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the safety check API server",
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

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(cmd, statuses)
			return nil
		},
	})

	return cmd
}

func printStatuses(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func referenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reference",
		Short: "Manage drug reference data",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse a reference dataset without loading it",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			ds, err := safety.LoadDataset(file)
			if err != nil {
				return err
			}
			printDataset(cmd, ds)
			return nil
		},
	}
	validateCmd.Flags().String("file", "./data/reference.yaml", "Path to the YAML reference dataset")
	cmd.AddCommand(validateCmd)

	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Replace the reference tables with a YAML dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			ds, err := safety.LoadDataset(file)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := safety.NewPGStore(pool).Replace(ctx, ds); err != nil {
				return fmt.Errorf("load reference data: %w", err)
			}
			printDataset(cmd, ds)

			// Cached interaction results were computed against the old tables.
			rdb, err := newRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer rdb.Close()
				if err := safety.NewRedisCache(rdb, cfg.InteractionCacheTTL, zerolog.Nop()).Purge(ctx); err != nil {
					return fmt.Errorf("purge interaction cache: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Purged shared interaction cache.")
			}
			return nil
		},
	}
	loadCmd.Flags().String("file", "./data/reference.yaml", "Path to the YAML reference dataset")
	cmd.AddCommand(loadCmd)

	return cmd
}

func printDataset(cmd *cobra.Command, ds *safety.Dataset) {
	fmt.Fprintf(cmd.OutOrStdout(),
		"Reference dataset %q: %d interactions, %d cross-reactivities, %d contraindications, %d dose ranges.\n",
		ds.Version, len(ds.Interactions), len(ds.CrossReactivities), len(ds.Contraindications), len(ds.DoseRanges))
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// newRedisClient returns nil when no URL is configured.
func newRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// newReferenceStore selects the reference source and wraps it in a circuit
// breaker.
func newReferenceStore(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (safety.ReferenceStore, error) {
	var store safety.ReferenceStore
	switch cfg.ReferenceSource {
	case "file":
		ds, err := safety.LoadDataset(cfg.ReferenceDataPath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("version", ds.Version).Str("path", cfg.ReferenceDataPath).Msg("loaded reference dataset")
		store = safety.NewMemoryStore(ds)
	case "postgres":
		if pool == nil {
			store = safety.UnconfiguredStore()
		} else {
			store = safety.NewPGStore(pool)
		}
	default:
		return nil, fmt.Errorf("unknown reference source %q", cfg.ReferenceSource)
	}
	return safety.NewBreakerStore(store, safety.BreakerConfig{}, logger), nil
}

func newInteractionCache(cfg *config.Config, rdb *redis.Client, m *metrics.Collector, logger zerolog.Logger) *safety.TieredCache {
	var shared safety.InteractionCache
	if rdb != nil {
		shared = safety.NewRedisCache(rdb, cfg.InteractionCacheTTL, logger)
	}
	return safety.NewTieredCache(safety.NewMemoryCache(cfg.InteractionCacheSize, cfg.InteractionCacheTTL), shared, m)
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.NewLogPublisher(logger), nil
	}
	return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	})
}

// roomAuthorizer admits the clinical roles that may read alerts to any
// alert room.
func roomAuthorizer(ctx context.Context, _ string) bool {
	return auth.HasRole(auth.RolesFromContext(ctx), "physician", "pharmacist", "nurse")
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// services holds everything the HTTP layer needs.
type services struct {
	gate          *safety.Gate
	checkers      safety.Checkers
	absolute      safety.AbsoluteLookup
	alerts        *alert.Manager
	prescriptions *prescription.Service
	hub           *broadcast.Hub
	emitter       *events.Emitter
	metrics       *metrics.Collector
	redactor      *redact.Redactor
	pinger        db.Pinger
}

func newEcho(cfg *config.Config, svc services, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(svc.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.SecureWithConfig(echomw.SecureConfig{
		XSSProtection:      "0",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         hstsMaxAge(cfg),
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(authMiddleware(cfg))
	e.Use(middleware.Audit(logger, svc.redactor, middleware.EventRecorder{Emitter: svc.emitter}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(svc.pinger, logger))
	e.GET("/metrics", echo.WrapHandler(svc.metrics.Handler()))

	broadcast.NewHandler(svc.hub, logger, broadcast.HandlerConfig{
		AllowedOrigins: cfg.CORSOrigins,
		Authorize:      roomAuthorizer,
	}).RegisterRoutes(e.Group(""))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	safety.NewHandler(svc.gate, svc.checkers, svc.absolute).RegisterRoutes(apiV1)
	alert.NewHandler(svc.alerts).RegisterRoutes(apiV1)
	prescription.NewHandler(svc.prescriptions).RegisterRoutes(apiV1)

	return e
}

func hstsMaxAge(cfg *config.Config) int {
	if cfg.TLSEnabled {
		return 31536000
	}
	return 0
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	policy, err := safety.ParseDegradedPolicy(cfg.DegradedSafetyPolicy)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector("medsafety", reg)

	// Redis is optional; without it the cache and broadcasts stay in-process.
	rdb, err := newRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to redis")
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info().Msg("connected to redis")
	}

	// Events
	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start event publisher")
		return err
	}
	defer publisher.Close()
	emitter := events.NewEmitter(publisher, logger, collector)
	redactor := redact.New(cfg.RedactionSalt)

	var bg conc.WaitGroup

	// Broadcasts
	hub := broadcast.NewHub(logger, collector)
	var broadcaster broadcast.Broadcaster = hub
	if rdb != nil {
		relay := broadcast.NewRedisRelay(hub, rdb, logger)
		broadcaster = relay
		bg.Go(func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("broadcast relay stopped")
			}
		})
	}

	// Safety checks
	store, err := newReferenceStore(cfg, pool, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open reference data")
		return err
	}
	checkers := safety.NewCheckers(store, newInteractionCache(cfg, rdb, collector, logger))

	prescriptions := prescription.NewService(prescription.NewRepoPG(pool))
	alerts := alert.NewManager(alert.ManagerDeps{
		Repo:        alert.NewRepoPG(pool),
		Broadcaster: broadcaster,
		Events:      emitter,
		Metrics:     collector,
		Redactor:    redactor,
		Logger:      logger,
	})
	bg.Go(func() { alerts.RunSweeper(ctx, cfg.AlertSweepInterval) })

	gate := safety.NewGate(safety.GateDeps{
		Checkers:      checkers,
		Prescriptions: prescriptions,
		Alerts:        alerts,
		Events:        emitter,
		Metrics:       collector,
		Redactor:      redactor,
		Logger:        logger,
	}, safety.GateConfig{
		CheckTimeout:   cfg.SafetyCheckTimeout,
		DegradedPolicy: policy,
	})

	e := newEcho(cfg, services{
		gate:          gate,
		checkers:      checkers,
		absolute:      safety.NewContraindicationChecker(store),
		alerts:        alerts,
		prescriptions: prescriptions,
		hub:           hub,
		emitter:       emitter,
		metrics:       collector,
		redactor:      redactor,
		pinger:        pool,
	}, logger)

	serverErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).
			Str("reference_source", cfg.ReferenceSource).
			Str("degraded_policy", cfg.DegradedSafetyPolicy).
			Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		logger.Error().Err(runErr).Msg("server error")
		stop()
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	// Background workers stop with ctx; drain in-flight side effects before
	// the publisher and pool close.
	bg.Wait()
	alerts.Wait()
	emitter.Wait()

	logger.Info().Msg("server stopped")
	return runErr
}

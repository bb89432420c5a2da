package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthbridge/healthbridge/internal/config"
	"github.com/healthbridge/healthbridge/internal/domain/caregiver"
	"github.com/healthbridge/healthbridge/internal/domain/patient"
	"github.com/healthbridge/healthbridge/internal/platform/auth"
	"github.com/healthbridge/healthbridge/internal/platform/clock"
	"github.com/healthbridge/healthbridge/internal/platform/db"
	"github.com/healthbridge/healthbridge/internal/platform/docstore"
	"github.com/healthbridge/healthbridge/internal/platform/hipaa"
	"github.com/healthbridge/healthbridge/internal/platform/lock"
	"github.com/healthbridge/healthbridge/internal/platform/metrics"
	"github.com/healthbridge/healthbridge/internal/platform/middleware"
)

const lockPrefix = "healthbridge:locks:"

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthbridge-server",
		Short: "HealthBridge caregiver access API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, _ := cmd.Flags().GetString("seed")
			return runServer(seed)
		},
	}
	cmd.Flags().String("seed", "", "JSON file of patients to create on startup (overrides SEED_FILE)")
	return cmd
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
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := migrationPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, dir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := migrationPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.Modified {
						status = "modified"
					}
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required to run migrations")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: 2})
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed pending invitations once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.newSweeper(cfg).RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Printf("Expired %d invitation(s).\n", n)
			return nil
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer(seedFile string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: requests without a bearer token are treated as admin")
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise application")
	}
	defer a.Close()

	if seedFile == "" {
		seedFile = cfg.SeedFile
	}
	if seedFile != "" {
		if err := a.seed(ctx, seedFile); err != nil {
			logger.Fatal().Err(err).Str("file", seedFile).Msg("failed to load patient seed")
		}
	}

	e := a.routes(cfg)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if cfg.ExpirySweepInterval > 0 {
		go a.newSweeper(cfg).Run(sweepCtx)
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// app holds the wired dependencies shared by serve and sweep.
type app struct {
	logger      zerolog.Logger
	store       docstore.Store
	pool        *pgxpool.Pool
	redis       *redis.Client
	locker      *lock.Locker
	metrics     *metrics.CaregiverMetrics
	patients    patient.Repository
	invitations caregiver.InvitationRepository
	svc         *caregiver.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}
	if cfg.MetricsEnabled {
		a.metrics = metrics.Caregiver()
	}

	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.store = docstore.NewPostgres(pool)
		logger.Info().Msg("connected to database")
	} else {
		a.store = docstore.NewMemory()
		logger.Warn().Msg("using in-memory document store; data is lost on restart")
	}

	if cfg.RedisURL != "" {
		client, err := lock.NewClient(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = client
		a.locker = lock.NewLocker(client, lockPrefix)
	}

	clk := clock.Real()
	a.patients = patient.NewRepo(a.store, a.metrics)
	a.invitations = caregiver.NewInvitationRepo(a.store, clk, a.metrics, logger)
	a.svc = caregiver.NewService(a.invitations, a.patients, a.store, clk, a.metrics, logger)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) seed(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := patient.LoadSeed(ctx, a.patients, f)
	if err != nil {
		return err
	}
	a.logger.Info().Int("created", n).Msg("loaded patient seed")
	return nil
}

// newSweeper only hands the locker over when Redis is configured, so a
// single replica sweeps without one.
func (a *app) newSweeper(cfg *config.Config) *caregiver.Sweeper {
	sc := caregiver.SweeperConfig{Interval: cfg.ExpirySweepInterval}
	if a.locker == nil {
		return caregiver.NewSweeper(a.svc, nil, sc, a.metrics, a.logger)
	}
	return caregiver.NewSweeper(a.svc, a.locker, sc, a.metrics, a.logger)
}

func (a *app) routes(cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	jwt := auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	})
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwt))
	} else {
		e.Use(jwt)
	}
	var recorder middleware.AuditRecorder
	var accessLog *hipaa.AccessLogger
	if cfg.AuditLogEnabled {
		accessLog = hipaa.NewAccessLogger(a.store)
		recorder = accessLog
	}
	e.Use(middleware.Audit(a.logger, recorder))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	var tokenLimit echo.MiddlewareFunc
	if cfg.TokenLookupRPS > 0 {
		tokenLimit = middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.TokenLookupRPS,
			BurstSize:         cfg.TokenLookupBurst,
			KeyFunc:           func(c echo.Context) string { return "token-lookup:" + c.RealIP() },
			IdleTTL:           10 * time.Minute,
		})
	}

	caregiver.NewHandler(a.svc).RegisterRoutes(apiV1, tokenLimit)
	patient.NewHandler(a.patients, patient.NewAuthorizer(a.patients, a.metrics)).RegisterRoutes(apiV1)
	if accessLog != nil {
		accessLog.RegisterRoutes(apiV1)
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	probes := []db.Probe{{Name: "store", Ping: a.store.Ping}}
	if a.locker != nil {
		probes = append(probes, db.Probe{Name: "redis", Ping: a.locker.Ping})
	}
	e.GET("/health/db", db.HealthHandler(probes...))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
	return e
}

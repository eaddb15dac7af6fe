package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/woundcare/woundcare/internal/config"
	"github.com/woundcare/woundcare/internal/domain/assessment"
	"github.com/woundcare/woundcare/internal/domain/patient"
	"github.com/woundcare/woundcare/internal/platform/apierr"
	"github.com/woundcare/woundcare/internal/platform/blobstore"
	"github.com/woundcare/woundcare/internal/platform/db"
	"github.com/woundcare/woundcare/internal/platform/middleware"
	"github.com/woundcare/woundcare/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "wound-server",
		Short:        "Diabetic foot ulcer assessment API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(promptsCmd())
	rootCmd.AddCommand(patientsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assessment API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (postgres backend)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, db.EmbeddedMigrations()).Up(ctx)
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
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.EmbeddedMigrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd, statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
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

func promptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Inspect the model instruction templates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:       "show [fillin|analyze]",
		Short:     "Print a rendered instruction template",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(assessment.TemplateFillIn), string(assessment.TemplateAnalyze)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			composer, err := assessment.NewComposer(cfg.PromptDir)
			if err != nil {
				return err
			}
			text, err := composer.Instructions(assessment.Template(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	})
	return cmd
}

func patientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "Inspect the patient registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "next-id",
		Short: "Print the id the next registration would receive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer b.Close()

			svc := patient.NewService(b.patients, b.images, nil, zerolog.Nop())
			id, err := svc.PeekNextID(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	})
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required for migrations")
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

// backend holds the storage components selected by STORAGE_BACKEND.
type backend struct {
	patients patient.Repository
	cases    assessment.CaseStore
	images   blobstore.BlobStore
	pool     *pgxpool.Pool
}

func (b *backend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	images, err := blobstore.NewFileBlobStore(filepath.Join(cfg.DataDir, "images"))
	if err != nil {
		return nil, err
	}
	b := &backend{images: images}

	if !cfg.UsesPostgres() {
		if b.patients, err = patient.NewCSVRepo(filepath.Join(cfg.DataDir, "patients.csv")); err != nil {
			return nil, err
		}
		if b.cases, err = assessment.NewCSVCaseStore(cfg.DataDir); err != nil {
			return nil, err
		}
		logger.Info().Str("data_dir", cfg.DataDir).Msg("using csv storage")
		return b, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	n, err := db.NewMigrator(pool, db.EmbeddedMigrations()).Up(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info().Int("applied_migrations", n).Msg("connected to database")

	b.pool = pool
	b.patients = patient.NewPGRepo(pool)
	b.cases = assessment.NewPGCaseStore(pool)
	return b, nil
}

func gatewayConfig(cfg *config.Config) assessment.GatewayConfig {
	return assessment.GatewayConfig{
		Models: map[assessment.Template]string{
			assessment.TemplateFillIn:  cfg.GeminiFillInModel,
			assessment.TemplateAnalyze: cfg.GeminiAnalyzeModel,
		},
		Temperature: cfg.GeminiTemperature,
		Timeout:     cfg.GeminiTimeout,
		MaxAttempts: cfg.GeminiMaxAttempts,
		BaseDelay:   cfg.GeminiRetryBaseDelay,
	}
}

// newServer wires every route and middleware onto a fresh echo instance.
func newServer(cfg *config.Config, logger zerolog.Logger, b *backend, gen assessment.Generator, metrics *telemetry.Metrics) (*echo.Echo, error) {
	composer, err := assessment.NewComposer(cfg.PromptDir)
	if err != nil {
		return nil, err
	}
	normalizer, err := assessment.NewNormalizer()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apierr.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(middleware.BodyLimit(cfg.MaxUploadSize))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health", "/metrics"))

	// Health and diagnostics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.POST("/test-connection", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"message": "CORS is working!"})
	})
	e.GET("/metrics", metrics.Handler())
	if b.pool != nil {
		pool := b.pool
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	}

	patientSvc := patient.NewService(b.patients, b.images, metrics, logger)
	gateway := assessment.NewGateway(gen, gatewayConfig(cfg), metrics, logger)
	assessmentSvc := assessment.NewService(composer, gateway, normalizer, b.cases, b.images, patientSvc, logger)

	apiV1 := e.Group("/api/v1")
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	blobstore.NewBlobHandler(b.images).RegisterRoutes(apiV1)
	assessment.NewHandler(assessmentSvc).RegisterRoutes(e.Group(""), apiV1)

	return e, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.RequireModelAccess(); err != nil {
		logger.Error().Err(err).Msg("refusing to start")
		return err
	}

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open storage")
		return err
	}
	defer b.Close()

	gen, err := assessment.NewGeminiGenerator(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return err
	}

	e, err := newServer(cfg, logger, b, gen, telemetry.New("wound-server"))
	if err != nil {
		return err
	}

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("backend", cfg.StorageBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

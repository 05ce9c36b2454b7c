package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medbridge/ehrsync/internal/config"
	"github.com/medbridge/ehrsync/internal/domain/bulkexport"
	"github.com/medbridge/ehrsync/internal/domain/connection"
	"github.com/medbridge/ehrsync/internal/domain/resource"
	"github.com/medbridge/ehrsync/internal/domain/syncjob"
	"github.com/medbridge/ehrsync/internal/domain/transform"
	"github.com/medbridge/ehrsync/internal/domain/webhook"
	"github.com/medbridge/ehrsync/internal/platform/adapter"
	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/auth"
	"github.com/medbridge/ehrsync/internal/platform/blobstore"
	"github.com/medbridge/ehrsync/internal/platform/db"
	"github.com/medbridge/ehrsync/internal/platform/hipaa"
	"github.com/medbridge/ehrsync/internal/platform/middleware"
	"github.com/medbridge/ehrsync/internal/platform/notify"
	"github.com/medbridge/ehrsync/internal/platform/smart"
	"github.com/medbridge/ehrsync/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehrsync-server",
		Short: "EHR integration and sync service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync service",
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

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
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

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return err
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

// seedCmd loads the default transformation rule set for every supported
// vendor and, in development, a sandbox connection against the SMART
// Health IT launcher. Seeding is idempotent per rule shape.
func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load default transformation rules and a dev sandbox connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
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

			engine, err := transform.NewEngine(logger)
			if err != nil {
				return err
			}
			svc := transform.NewService(engine,
				transform.NewRuleRepoPG(pool), transform.NewConflictRepoPG(pool), logger)

			n, err := svc.Seed(ctx, adapter.SupportedVendors())
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d transformation rule(s).\n", n)

			if cfg.IsDev() {
				if err := seedSandboxConnection(ctx, cfg, pool, logger); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// seedSandboxConnection creates one PENDING_AUTH connection pointed at
// the SMART Health IT launcher so a fresh dev environment has something
// to authorize against. Skipped when the sandbox user already has one.
func seedSandboxConnection(ctx context.Context, cfg *config.Config,
	pool *pgxpool.Pool, logger zerolog.Logger) error {

	const sandboxUser = "sandbox"

	sealKey, _, err := resolveSealKey(cfg)
	if err != nil {
		return err
	}
	sealer, err := hipaa.NewSealer(sealKey)
	if err != nil {
		return err
	}
	connSvc := connection.NewService(connection.NewConnectionRepoPG(pool), sealer, logger)
	connSvc.SetManager(smart.NewManager(connSvc, smart.NewClient(nil, logger),
		smart.NewStateStore(10*time.Minute), telemetry.NewMetrics(), logger))

	existing, err := connSvc.List(ctx, sandboxUser)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		fmt.Println("Sandbox connection already present.")
		return nil
	}

	res, err := connSvc.Connect(ctx, connection.ConnectParams{
		UserID:       sandboxUser,
		Vendor:       "epic",
		FHIRBaseURL:  "https://launch.smarthealthit.org/v/r4/fhir",
		AuthorizeURL: "https://launch.smarthealthit.org/v/r4/auth/authorize",
		TokenURL:     "https://launch.smarthealthit.org/v/r4/auth/token",
		ClientID:     "ehrsync-dev",
		RedirectURI:  "http://localhost:" + cfg.Port + cfg.BasePrefix + "/ehr/authorize",
	})
	if err != nil {
		return err
	}
	fmt.Printf("Seeded sandbox connection %s (authorize at %s).\n",
		res.Connection.ID, res.Launch.AuthorizeURL)
	return nil
}

// tokenCmd mints an HS256 bearer token for the admin API.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not configured")
			}

			token, err := auth.Mint([]byte(cfg.JWTSecret), subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("subject", "operator", "Token subject")
	cmd.Flags().StringSlice("roles", []string{auth.RoleOperator}, "Roles to embed")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// resolveSealKey turns ENCRYPTION_KEY into the token sealing key. Outside
// production an empty setting falls back to a random per-process key, which
// keeps local runs working but invalidates stored tokens across restarts.
func resolveSealKey(cfg *config.Config) ([]byte, bool, error) {
	if cfg.EncryptionKey != "" {
		key, err := hipaa.KeyFromConfig(cfg.EncryptionKey)
		return key, false, err
	}
	if cfg.IsProduction() {
		return nil, false, fmt.Errorf("ENCRYPTION_KEY is required in production")
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate ephemeral seal key: %w", err)
	}
	return key, true, nil
}

// buildNotifier wires the configured alert sinks; with none set, alerts are
// discarded.
func buildNotifier(cfg *config.Config) notify.Notifier {
	var sinks notify.Multi
	for _, url := range []string{cfg.SlackWebhookURL, cfg.AlertWebhookURL} {
		if url == "" {
			continue
		}
		var opts []notify.Option
		if cfg.WebhookSecret != "" {
			opts = append(opts, notify.WithSigning(
				cfg.WebhookSecret, cfg.WebhookSignatureHeader, cfg.WebhookHashAlgorithm))
		}
		sinks = append(sinks, notify.NewWebhookNotifier(url, opts...))
	}
	if len(sinks) == 0 {
		return notify.Nop{}
	}
	return sinks
}

// housekeeping is the nightly maintenance pass the scheduler leader runs:
// merge duplicate error fingerprints, rotate oversized logs, and purge
// records past retention.
type housekeeping struct {
	router    *telemetry.Router
	rotator   *telemetry.Rotator
	retention *hipaa.Retention
	logger    zerolog.Logger
}

func (h *housekeeping) RunHousekeeping(ctx context.Context) {
	if merged, err := h.router.Compact(ctx); err != nil {
		h.logger.Error().Err(err).Msg("error record compaction failed")
	} else if merged > 0 {
		h.logger.Info().Int64("merged", merged).Msg("error records compacted")
	}

	if should, err := h.rotator.ShouldRotate(); err != nil {
		h.logger.Error().Err(err).Msg("log size check failed")
	} else if should {
		if res, err := h.rotator.Rotate(); err != nil {
			h.logger.Error().Err(err).Msg("log rotation failed")
		} else {
			h.logger.Info().Str("archive", res.Archive).Msg("log rotated")
		}
	}
	h.rotator.Sweep()

	report, err := h.retention.PurgeExpired(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("retention purge failed")
		return
	}
	h.logger.Info().
		Interface("error_records", report.ErrorRecords).
		Int64("incidents", report.Incidents).
		Msg("retention purge complete")
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	sealKey, ephemeral, err := resolveSealKey(cfg)
	if err != nil {
		return err
	}
	if ephemeral {
		logger.Warn().Msg("ENCRYPTION_KEY not set; using an ephemeral seal key")
	}
	sealer, err := hipaa.NewSealer(sealKey)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	notifier := buildNotifier(cfg)

	// Telemetry: operational error routing, incident management, retention.
	auditLog := hipaa.NewAuditLog(pool)
	router := telemetry.NewRouter(pool,
		telemetry.NewErrorRepoPG(pool), telemetry.NewIncidentRepoPG(pool),
		auditLog, notifier, metrics, logger, telemetry.RouterConfig{
			IncidentPrefix:  cfg.IncidentPrefix,
			DedupWindow:     cfg.DedupWindow(),
			MaxStackSamples: cfg.MaxSampleStackTraces,
		})
	rotator := telemetry.NewRotator(cfg.LogDir, "ehrsync.log",
		int64(cfg.MaxLogFileSizeMB)<<20, cfg.LogRotationThreshold, logger)
	retention := hipaa.NewRetention(pool, logger, map[string]int{
		telemetry.SeverityLow:      cfg.LowRetentionDays,
		telemetry.SeverityMedium:   cfg.MediumRetentionDays,
		telemetry.SeverityHigh:     cfg.HighRetentionDays,
		telemetry.SeverityCritical: cfg.CriticalRetentionDays,
	}, cfg.ComplianceRetentionYears)

	// Connections and SMART auth. The connection service is the token store;
	// the manager keeps vendor access tokens fresh for the adapters.
	connSvc := connection.NewService(connection.NewConnectionRepoPG(pool), sealer, logger)
	manager := smart.NewManager(connSvc, smart.NewClient(nil, logger),
		smart.NewStateStore(10*time.Minute), metrics, logger)
	connSvc.SetManager(manager)

	vendorCaps := make(map[string]int64)
	if cfg.VendorMaxConcurrency > 0 {
		for _, v := range adapter.SupportedVendors() {
			vendorCaps[v] = cfg.VendorMaxConcurrency
		}
	}
	registry := adapter.NewRegistry(manager, nil, adapter.Config{MaxConcurrent: vendorCaps}, metrics, logger)

	// Transformation and canonical storage.
	engine, err := transform.NewEngine(logger)
	if err != nil {
		return err
	}
	transformSvc := transform.NewService(engine,
		transform.NewRuleRepoPG(pool), transform.NewConflictRepoPG(pool), logger)
	resourceSvc := resource.NewService(resource.NewRepoPG(pool), logger)
	docs, err := blobstore.NewStore(cfg.DocumentDir, logger)
	if err != nil {
		return err
	}

	// Sync orchestration: queue, executors, worker pool, scheduler.
	jobRepo := syncjob.NewRepoPG(pool)
	jobSvc := syncjob.NewService(jobRepo, syncjob.NewScheduleRepoPG(pool),
		cfg.QueueHighWaterMark, metrics, logger)
	runner := syncjob.NewSyncRunner(registry, connSvc, transformSvc, resourceSvc, docs, logger)

	exportRepo := bulkexport.NewRepoPG(pool)
	bulkRunner := bulkexport.NewRunner(exportRepo, jobSvc, runner, registry, connSvc,
		bulkexport.RunnerConfig{
			PollInitial:     time.Duration(cfg.BulkPollInitialSeconds) * time.Second,
			PollMax:         time.Duration(cfg.BulkPollMaxSeconds) * time.Second,
			BatchSize:       cfg.BulkBatchSize,
			FileConcurrency: cfg.BulkFileConcurrency,
		}, logger)
	exportSvc := bulkexport.NewService(exportRepo, pool, jobSvc, registry, connSvc, logger)

	executors := map[string]syncjob.Executor{
		syncjob.TypeFull:        runner,
		syncjob.TypeIncremental: runner,
		syncjob.TypePatient:     runner,
		syncjob.TypeResource:    runner,
		syncjob.TypeWebhook:     runner,
		syncjob.TypeBulkExport:  bulkRunner,
	}
	workers := syncjob.NewPool(jobRepo, executors, syncjob.PoolConfig{
		Workers:           cfg.QueueWorkers,
		VendorCeiling:     int(cfg.VendorMaxConcurrency),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		JobTimeout:        cfg.JobTimeout(),
		BulkExportTimeout: cfg.BulkExportTimeout(),
		ShutdownGrace:     cfg.ShutdownGrace(),
	}, metrics, notifier, logger)

	scheduler := syncjob.NewScheduler(pool, jobSvc, connSvc,
		&housekeeping{router: router, rotator: rotator, retention: retention, logger: logger},
		syncjob.SchedulerConfig{CleanupSchedule: cfg.CleanupSchedule}, logger)

	receiver := webhook.NewReceiver(webhook.NewRepoPG(pool), jobSvc, connSvc, registry,
		webhook.Config{
			Secret:          cfg.WebhookSecret,
			SignatureHeader: cfg.WebhookSignatureHeader,
			HashAlgorithm:   cfg.WebhookHashAlgorithm,
		}, metrics, logger)

	// HTTP surface.
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout()))
	e.Use(middleware.BodyLimit(cfg.MaxBodySize, cfg.WebhookMaxBodySize))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", cfg.WebhookSignatureHeader},
	}))

	e.GET("/health", db.HealthHandler())
	e.GET("/health/ready", db.ReadyHandler(pool))
	e.GET("/metrics", metrics.Handler())

	api := e.Group(cfg.BasePrefix)
	rateCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateCfg.RequestsPerSecond <= 0 {
		rateCfg = middleware.DefaultRateLimitConfig()
	}
	api.Use(middleware.RateLimit(rateCfg))

	// Vendor pushes authenticate with the body signature, not a bearer token.
	webhook.NewHandler(receiver).RegisterRoutes(api)

	secured := api.Group("", auth.Middleware([]byte(cfg.JWTSecret), cfg.IsDev()))
	connection.NewHandler(connSvc).RegisterRoutes(secured)
	syncjob.NewHandler(jobSvc, connSvc).RegisterRoutes(secured)
	bulkexport.NewHandler(exportSvc).RegisterRoutes(secured)
	transform.NewHandler(transformSvc).RegisterRoutes(secured)
	telemetry.NewHandler(router, rotator, retention).RegisterRoutes(secured.Group("/admin"))

	// Background machinery.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	workers.Start(bgCtx)
	scheduler.Start(bgCtx)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	scheduler.Stop()
	workers.Stop()
	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

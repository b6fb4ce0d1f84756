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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careops/emrsync/internal/config"
	"github.com/careops/emrsync/internal/emr"
	"github.com/careops/emrsync/internal/emrsync"
	"github.com/careops/emrsync/internal/platform/db"
	"github.com/careops/emrsync/internal/platform/middleware"
	"github.com/careops/emrsync/internal/registry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "emrsync-server",
		Short: "Bidirectional EMR synchronization service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(retryCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync operations API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one bidirectional sync pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(func(ctx context.Context, app *application) error {
				patients, records, err := loadEntities(ctx, app.store, app.cfg.SyncBatchSize)
				if err != nil {
					return err
				}

				res, err := app.engine.Run(ctx, patients, records, emrsync.Options{
					ConflictStrategy: emrsync.ConflictStrategy(app.cfg.SyncConflictStrategy),
					BatchSize:        app.cfg.SyncBatchSize,
					Workers:          app.cfg.SyncWorkers,
				})
				if err != nil {
					return err
				}

				fmt.Printf("Sync pass finished in %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
				fmt.Printf("  synced:    %d\n", res.SyncedRecords)
				fmt.Printf("  conflicts: %d\n", res.ConflictRecords)
				fmt.Printf("  errors:    %d\n", res.ErrorRecords)
				if res.Cancelled {
					fmt.Println("  pass was cancelled before completion")
				}
				for _, c := range res.Conflicts {
					fmt.Printf("  conflict %s: %s %s\n", c.ID, c.EntityType, c.RecordID)
				}
				for _, se := range res.Errors {
					fmt.Printf("  error on %s %s: %s\n", se.EntityType, se.RecordID, se.Message)
				}
				return nil
			})
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Replay the failed-operation queue once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(func(ctx context.Context, app *application) error {
				out, err := app.engine.RetryFailed(ctx)
				if err != nil {
					return err
				}

				fmt.Printf("Retry replay finished\n")
				fmt.Printf("  succeeded:    %d\n", len(out.Succeeded))
				fmt.Printf("  still failed: %d\n", len(out.StillFailed))
				fmt.Printf("  exhausted:    %d\n", len(out.Exhausted))
				for _, op := range out.Exhausted {
					fmt.Printf("  needs manual intervention: %s %s (%s)\n", op.Kind, op.ID, op.Error)
				}
				return nil
			})
		},
	}
}

// application bundles the wired components shared by the server and the
// one-shot commands.
type application struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	store   registry.Store
	engine  *emrsync.Engine
	monitor *emrsync.Monitor
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func buildApplication(ctx context.Context) (*application, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	client := emr.NewClient(cfg.EMRBaseURL,
		emr.StaticCredentials{ClientID: cfg.EMRClientID, ClientSecret: cfg.EMRClientSecret},
		logger,
		emr.WithCallTimeout(cfg.EMRTimeout),
		emr.WithFacilityID(cfg.EMRFacilityID),
	)

	monitor := emrsync.NewMonitor(client.Metrics(), logger, emrsync.MonitorConfig{
		Interval:      cfg.MonitorInterval,
		LatencySoft:   cfg.LatencySoftThreshold,
		ErrorRateSoft: cfg.ErrorRateSoft,
		ErrorRateHard: cfg.ErrorRateHard,
	})

	store := registry.NewPGStore(pool)
	engine := emrsync.NewEngine(client, store,
		emrsync.NewPGConflictStore(pool),
		emrsync.NewPGRetryStore(pool),
		logger,
		emrsync.WithMaxRetries(cfg.SyncMaxRetries),
		emrsync.WithMonitor(monitor),
	)

	app := &application{cfg: cfg, logger: logger, pool: pool, store: store, engine: engine, monitor: monitor}
	cleanup := func() {
		monitor.Stop()
		pool.Close()
	}
	return app, cleanup, nil
}

func runOneShot(fn func(ctx context.Context, app *application) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, cleanup, err := buildApplication(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return fn(ctx, app)
}

func loadEntities(ctx context.Context, store registry.Store, batch int) ([]*registry.Patient, []*registry.MedicalRecord, error) {
	var patients []*registry.Patient
	for offset := 0; ; offset += batch {
		page, total, err := store.ListPatients(ctx, batch, offset)
		if err != nil {
			return nil, nil, err
		}
		patients = append(patients, page...)
		if len(page) == 0 || offset+batch >= total {
			break
		}
	}

	var records []*registry.MedicalRecord
	for offset := 0; ; offset += batch {
		page, total, err := store.ListRecords(ctx, batch, offset)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, page...)
		if len(page) == 0 || offset+batch >= total {
			break
		}
	}
	return patients, records, nil
}

func runServer() error {
	ctx := context.Background()
	app, cleanup, err := buildApplication(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := app.logger

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: app.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(app.pool))

	apiV1 := e.Group("/api/v1")
	handler := emrsync.NewHandler(app.engine, app.monitor, app.store, logger)
	handler.RegisterRoutes(apiV1)

	app.monitor.Start()

	// Start server with graceful shutdown
	go func() {
		addr := ":" + app.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting sync operations API")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openlis/lisbridge/internal/config"
	"github.com/openlis/lisbridge/internal/domain/connection"
	"github.com/openlis/lisbridge/internal/domain/ingestion"
	"github.com/openlis/lisbridge/internal/domain/instrument"
	"github.com/openlis/lisbridge/internal/domain/order"
	"github.com/openlis/lisbridge/internal/domain/panel"
	"github.com/openlis/lisbridge/internal/domain/unmatched"
	"github.com/openlis/lisbridge/internal/platform/audit"
	"github.com/openlis/lisbridge/internal/platform/db"
	"github.com/openlis/lisbridge/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lis-server",
		Short: "Laboratory instrument integration server",
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
		Short: "Start the instrument bridge and its API",
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
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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
	defaultLab, _ := cfg.DefaultLab()

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Repositories
	instrumentRepo := instrument.NewRepoPG(pool)
	mappingRepo := instrument.NewMappingRepoPG(pool)
	messageRepo := instrument.NewMessageRepoPG(pool)
	orderRepo := order.NewOrderRepoPG(pool)
	sampleRepo := order.NewSampleRepoPG(pool)
	orderTestRepo := order.NewOrderTestRepoPG(pool)
	historyRepo := order.NewResultHistoryRepoPG(pool)
	componentRepo := order.NewTestComponentRepoPG(pool)
	unmatchedRepo := unmatched.NewRepoPG(pool)

	// Services
	auditLog := audit.NewLogger(pool)
	panelSvc := panel.NewService(orderTestRepo, componentRepo)
	ingestSvc := ingestion.NewService(ingestion.Deps{
		Instruments: instrumentRepo,
		Mappings:    mappingRepo,
		Messages:    messageRepo,
		Orders:      orderRepo,
		Samples:     sampleRepo,
		OrderTests:  orderTestRepo,
		History:     historyRepo,
		Unmatched:   unmatchedRepo,
		Panels:      panelSvc,
		Audit:       auditLog,
		Logger:      logger,
	})
	inTx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.InTx(ctx, pool, fn)
	}
	unmatchedSvc := unmatched.NewService(unmatchedRepo, orderRepo, orderTestRepo, historyRepo, panelSvc, auditLog, inTx)

	// Instrument links
	manager := connection.NewManager(instrumentRepo, messageRepo, ingestSvc,
		time.Duration(cfg.ConnectTimeout)*time.Second, logger)
	if err := manager.StartAll(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start instrument links")
	}
	defer manager.Shutdown(context.Background())

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	// API routes
	apiV1 := e.Group("/api/v1")
	connection.NewHandler(instrumentRepo, mappingRepo, messageRepo, orderRepo, orderTestRepo, manager, ingestSvc).
		RegisterRoutes(apiV1)
	unmatched.NewHandler(unmatchedSvc, defaultLab).RegisterRoutes(apiV1)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
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
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kira-kanban/dispatch-core/config"
	"github.com/kira-kanban/dispatch-core/internal/automation"
	"github.com/kira-kanban/dispatch-core/internal/database"
	"github.com/kira-kanban/dispatch-core/internal/eventbus"
	"github.com/kira-kanban/dispatch-core/internal/httpapi"
	"github.com/kira-kanban/dispatch-core/internal/jobs"
	"github.com/kira-kanban/dispatch-core/internal/registry"
	"github.com/kira-kanban/dispatch-core/internal/store"
	"github.com/kira-kanban/dispatch-core/internal/tasksvc"
	"github.com/kira-kanban/dispatch-core/internal/telemetry"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Logging)

	logger.Info().Msg("Starting dispatch core")

	ctx := context.Background()
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.GetConfigFromEnv())
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		telemetryShutdown = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}()

	dbURL := config.GetDatabaseURL()
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL not set")
	}

	if err := database.Connect(
		ctx,
		dbURL,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		cfg.Database.MaxConnLifetime,
		cfg.Database.MaxConnIdleTime,
	); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	logger.Info().Msg("Database connected")

	dispatchStore := store.New(database.Pool())
	dispatchStore = dispatchStore.WithRetryConfig(store.RetryConfig{
		MaxRetries:       cfg.RateLimit.MaxRetries,
		InitialBackoffMs: cfg.RateLimit.InitialBackoffMs,
		MaxBackoffMs:     cfg.RateLimit.MaxBackoffMs,
	})

	bus := eventbus.New()
	autoEngine := automation.New(dispatchStore, bus, *logger)
	tasks := tasksvc.New(dispatchStore, bus, autoEngine, *logger)
	reg := registry.New(dispatchStore, bus, autoEngine, *logger)

	sweeper := registry.NewSweeper(reg, cfg.Registry.SweepInterval, cfg.Registry.StaleAfter, cfg.Registry.OfflineAfter)
	go sweeper.Start(ctx)

	retention := jobs.NewRetentionScheduler(database.Pool(), jobs.DefaultRetentionConfig())
	go retention.Start(ctx, 24*time.Hour)

	if cfg.Logging.Level == "info" || cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := httpapi.NewRouter(httpapi.RouterConfig{
		AuthToken:     cfg.Server.AuthToken,
		PollPerSecond: cfg.RateLimit.PollPerSecond,
		PollBurst:     cfg.RateLimit.PollBurst,
	}, bus, reg, tasks, *logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited")
}

func initLogger(cfg config.LoggingConfig) *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer
	if cfg.Format == "json" {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: cfg.NoColor}
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Str("service", "dispatch-core").Logger()
	return &logger
}

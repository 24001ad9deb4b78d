package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskline/deskline/internal/api"
	"github.com/deskline/deskline/internal/auth"
	"github.com/deskline/deskline/internal/config"
	"github.com/deskline/deskline/internal/dispatch"
	"github.com/deskline/deskline/internal/handlers"
	"github.com/deskline/deskline/internal/hub"
	"github.com/deskline/deskline/internal/presence"
	"github.com/deskline/deskline/internal/registry"
	"github.com/deskline/deskline/internal/sessions"
	"github.com/deskline/deskline/internal/store"
	"github.com/deskline/deskline/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Pick the durable store: Postgres when configured, SQLite otherwise.
	var st store.Store
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		st = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		st = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	}
	defer st.Close()

	// Initialize Redis store
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Wire the chat core
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	reg := registry.New(st, logger, cfg.HeartbeatTimeout)
	topics := hub.New(reg, logger)
	sessionRouter := sessions.NewRouter(st, reg, topics, logger)
	dispatcher := dispatch.New(st, redisStore, reg, dispatch.Options{
		MaxBodyChars:  cfg.MaxBodyChars,
		RecallWindow:  cfg.RecallWindow,
		EditWindow:    cfg.EditWindow,
		ReplayLimit:   cfg.ReplayLimit,
		SendRateLimit: cfg.SendRateLimit,
		SendRateWin:   cfg.SendRateWin,
	}, logger)
	monitor := presence.NewMonitor(st, redisStore, reg, topics, cfg.SweepInterval, logger)

	go monitor.Run(ctx)

	wsServer := ws.NewServer(verifier, reg, topics, sessionRouter, dispatcher, monitor, cfg.ReplayLimit, logger)
	h := handlers.NewHandler(st, redisStore, reg, sessionRouter, dispatcher)

	// Create router
	router := api.NewRouter(logger, h, verifier, wsServer, redisStore, nil)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting deskline server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	stop()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

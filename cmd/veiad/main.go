package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/veia-chat/veia/internal/server/auth"
	"github.com/veia-chat/veia/internal/server/config"
	"github.com/veia-chat/veia/internal/server/handlers"
	"github.com/veia-chat/veia/internal/server/ratelimit"
	"github.com/veia-chat/veia/internal/server/storage"
	"github.com/veia-chat/veia/internal/server/ws"
)

func main() {
	cfg := config.Load()

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

	store, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	logger.Info().Msg("connected to database")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens := auth.NewTokenService(cfg.JWTSecret)
	limiter := ratelimit.New(ctx, cfg.MaxConnsPerIP, cfg.AuthPerMinute)

	hub := ws.NewHub(store, tokens, logger)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handlers.HandleWebSocket(hub, limiter, logger, w, r)
	})
	mux.HandleFunc("/health", handlers.HealthCheck)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Int("max_conns_per_ip", cfg.MaxConnsPerIP).
			Int("auth_per_min", cfg.AuthPerMinute).
			Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

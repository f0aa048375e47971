// Package main runs the Diabetactic dev stack: an in-memory fake of the
// backend services the orchestrator talks to, for local development and
// manual failure-mode testing.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/diabetactic/orchestrator/internal/telemetry"
)

// Version is set at compile time via ldflags.
var Version = "dev"

func main() {
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", "diabetactic-devstack").
		Str("version", Version).
		Logger()

	port := os.Getenv("DEVSTACK_PORT")
	if port == "" {
		port = "8000"
	}

	signingKey := os.Getenv("DEVSTACK_SIGNING_KEY")
	if signingKey == "" {
		signingKey = "local-dev-signing-key"
		log.Warn().Msg("using default signing key")
	}

	tokenTTL := 30 * time.Minute
	if v := os.Getenv("DEVSTACK_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid DEVSTACK_TOKEN_TTL")
		}
		tokenTTL = d
	}

	ctx := context.Background()
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  "diabetactic-devstack",
		AppVersion:   Version,
		Environment:  "development",
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Enabled:      os.Getenv("OTEL_ENABLED") == "true",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	stack := newDevStack(log, []byte(signingKey), tokenTTL)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      stack.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Dur("token_ttl", tokenTTL).
			Msg("dev stack listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down dev stack")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("dev stack stopped")
}

// Command syncengine runs the HTTP operator API: trigger/monitor backfills,
// ingest webhooks, and serve health checks. The synced data itself lives in
// Postgres for other services to read directly; this process only drives
// the sync.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sourcegraph-sync/cdcengine/internal/analytical"
	"github.com/sourcegraph-sync/cdcengine/internal/auth"
	"github.com/sourcegraph-sync/cdcengine/internal/backfill"
	"github.com/sourcegraph-sync/cdcengine/internal/config"
	"github.com/sourcegraph-sync/cdcengine/internal/httpapi"
	"github.com/sourcegraph-sync/cdcengine/internal/pagedriver"
	"github.com/sourcegraph-sync/cdcengine/internal/remoteclient"
	"github.com/sourcegraph-sync/cdcengine/internal/resources"
	"github.com/sourcegraph-sync/cdcengine/internal/runstate"
	"github.com/sourcegraph-sync/cdcengine/internal/storage"
	"github.com/sourcegraph-sync/cdcengine/internal/webhookapplier"
	"github.com/sourcegraph-sync/cdcengine/internal/writepath"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "cdcengine").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	pool, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	remote := remoteclient.New(remoteclient.DefaultConfig(cfg.RemoteBaseURL, cfg.RemoteAPIKey), log.Logger)

	reg, err := resources.Build(remote)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build resource registry")
	}

	runs := runstate.New(pool, pool.DB())
	writer := writepath.New(pool, pool.DB())

	pageDriver := pagedriver.New(reg, runs, writer, log.Logger)

	var analyticalDriver *analytical.Driver
	if len(resources.NewAnalyticalDriverResources(reg)) > 0 {
		analyticalDriver = analytical.New(reg, writer, remote, log.Logger)
	}

	orchestrator := backfill.New(reg, runs, pageDriver, analyticalDriver, log.Logger)
	webhooks := webhookapplier.New(reg, writer, log.Logger)

	jwtCfg := auth.JWTCfg{
		Issuer:                  cfg.JWTIssuer,
		Audience:                cfg.JWTAudience,
		JWKSURL:                 cfg.JWKSURL,
		HS256Secret:             cfg.JWTHS256Secret,
		BackendRSAPrivateKeyPEM: cfg.BackendRSAPrivateKeyPEM,
		BackendKeyID:            cfg.BackendKeyID,
	}
	if err := auth.InitBackendSigner(jwtCfg); err != nil {
		log.Warn().Err(err).Msg("backend token signer not configured, falling back to HS256")
	}

	if cfg.StaleRunThreshold > 0 && cfg.DefaultAccountID != "" {
		if err := runs.CancelStaleRuns(ctx, cfg.DefaultAccountID, cfg.StaleRunThreshold); err != nil {
			log.Warn().Err(err).Msg("failed to cancel stale runs on startup")
		}
	}

	srv := &httpapi.Server{
		DB:            pool,
		Registry:      reg,
		Runs:          runs,
		Orchestrator:  orchestrator,
		Webhooks:      webhooks,
		JWTCfg:        jwtCfg,
		WebhookSecret: cfg.WebhookSecret,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

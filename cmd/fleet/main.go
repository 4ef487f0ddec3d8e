// botfleet supervisor runs the whole bot fleet.
//
// Loads the fleet manifest, spawns one bot process per identity,
// restarts crashed processes under a rolling budget, and serves the
// admin HTTP API for credential submission and fleet inspection.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/api"
	"github.com/botfleet/botfleet/internal/api/handlers"
	"github.com/botfleet/botfleet/internal/config"
	"github.com/botfleet/botfleet/internal/fleet"
	"github.com/botfleet/botfleet/internal/keypool"
	"github.com/botfleet/botfleet/internal/notify"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/internal/telemetry"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	log.Info().Str("version", cfg.Version).Msg("botfleet supervisor starting")

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer shutdownTelemetry(context.Background())

	identities, err := config.LoadFleet(cfg.Fleet.ManifestPath)
	if err != nil {
		log.Fatal().Err(err).Str("manifest", cfg.Fleet.ManifestPath).Msg("failed to load fleet manifest")
	}

	st, err := store.OpenSQLite(cfg.Store.Path, cfg.Store.Namespace, cfg.Store.Timeout)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("failed to open store")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Secret, "supervisor")

	pool := keypool.New(ctx, st, keypool.Options{
		FailingThreshold: cfg.Pool.FailingThreshold,
		RefreshInterval:  cfg.Pool.RefreshInterval,
		LowEnergyFloor:   cfg.Pool.LowEnergyFloor,
		Notifier:         notifier,
	})
	go pool.Run(ctx)

	supervisor := fleet.New(fleet.Options{
		BotBinary:     cfg.Fleet.BotBinary,
		RestartBudget: cfg.Fleet.RestartBudget,
		RestartWindow: cfg.Fleet.RestartWindow,
		GracePeriod:   cfg.Fleet.GracePeriod,
		Reporter:      notifier,
	}, identities)

	h := handlers.New(st, pool, supervisor)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:      api.NewRouter(cfg, h),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.AdminPort).Msg("admin API listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin API failed")
			cancel()
		}
	}()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down fleet")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("identities", len(identities)).Msg("starting fleet")
	supervisor.Run(ctx)

	if supervisor.AnyDead() {
		log.Error().Msg("fleet stopped with dead identities")
		os.Exit(1)
	}
	log.Info().Msg("fleet stopped cleanly")
}

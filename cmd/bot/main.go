// botfleet bot runs one chat identity.
//
// Normally spawned by the supervisor, one process per manifest entry.
// Runs standalone with the console gateway for local smoke testing.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/bot"
	"github.com/botfleet/botfleet/internal/config"
	"github.com/botfleet/botfleet/internal/dispatch"
	"github.com/botfleet/botfleet/internal/keypool"
	"github.com/botfleet/botfleet/internal/llm"
	"github.com/botfleet/botfleet/internal/memory"
	"github.com/botfleet/botfleet/internal/notify"
	"github.com/botfleet/botfleet/internal/persona"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/internal/telemetry"
	"github.com/botfleet/botfleet/pkg/models"
)

func main() {
	var (
		name      = flag.String("name", "", "bot identity name (required)")
		character = flag.String("character", "", "character profile name")
		tokenEnv  = flag.String("token-env", "BOT_TOKEN", "env var holding the platform token")
		admin     = flag.Bool("admin", false, "run as the admin utility identity")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if *name == "" {
		log.Fatal().Msg("-name is required")
	}
	if !*admin && *character == "" {
		log.Fatal().Msg("-character is required for character bots")
	}
	if os.Getenv(*tokenEnv) == "" {
		log.Warn().Str("env", *tokenEnv).Msg("platform token not set")
	}

	cfg := config.Load()
	log.Info().Str("bot", *name).Str("version", cfg.Version).Msg("bot starting")

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer shutdownTelemetry(context.Background())

	st, err := store.OpenSQLite(cfg.Store.Path, cfg.Store.Namespace, cfg.Store.Timeout)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("failed to open store")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Str("bot", *name).Msg("shutting down")
		cancel()
	}()

	identityType := models.IdentityCharacter
	systemPrompt := ""
	if *admin {
		identityType = models.IdentityAdmin
	} else {
		library, err := persona.Load(cfg.Bot.CharactersPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Bot.CharactersPath).Msg("failed to load characters")
		}
		systemPrompt, err = library.SystemPrompt(*character)
		if err != nil {
			log.Fatal().Err(err).Str("character", *character).Msg("unknown character")
		}
	}

	notifier := notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Secret, *name)
	pool := keypool.New(ctx, st, keypool.Options{
		FailingThreshold: cfg.Pool.FailingThreshold,
		RefreshInterval:  cfg.Pool.RefreshInterval,
		LowEnergyFloor:   cfg.Pool.LowEnergyFloor,
		Notifier:         notifier,
	})
	go pool.Run(ctx)

	client := llm.NewClient(cfg.LLM.APIURL, cfg.LLM.Model, cfg.LLM.Timeout)
	dispatcher := dispatch.New(pool, client, cfg.LLM.Retries, time.Second)
	mem := memory.New(st, cfg.Bot.TurnCap)
	gateway := bot.NewConsoleGateway(os.Stdin, os.Stdout, cfg.Bot.TargetChannel)

	b := bot.New(bot.Options{
		Name:          *name,
		Character:     *character,
		Type:          identityType,
		SystemPrompt:  systemPrompt,
		DefaultModel:  cfg.LLM.Model,
		TargetChannel: cfg.Bot.TargetChannel,
		EnergyChannel: cfg.Bot.EnergyChannel,
	}, gateway, dispatcher, mem, st, st)

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Str("bot", *name).Msg("bot stopped")
	}
	log.Info().Str("bot", *name).Msg("bot stopped cleanly")
}

// botfleet wipe is a destructive operator tool.
//
// Deletes every credential, audit entry, conversation turn, and runtime
// setting in the configured namespace. Refuses to run without -yes.
// Lives in its own binary; neither chat commands nor the admin API can
// trigger a wipe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/config"
	"github.com/botfleet/botfleet/internal/store"
)

func main() {
	yes := flag.Bool("yes", false, "actually delete everything in the namespace")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()

	st, err := store.OpenSQLite(cfg.Store.Path, cfg.Store.Namespace, cfg.Store.Timeout)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("failed to open store")
	}
	defer st.Close()

	ctx := context.Background()

	if !*yes {
		creds, err := st.ListCredentials(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to inspect namespace")
		}
		fmt.Printf("namespace %q at %s holds %d credential(s).\n", cfg.Store.Namespace, cfg.Store.Path, len(creds))
		fmt.Println("re-run with -yes to delete all data in this namespace.")
		return
	}

	if err := st.Wipe(ctx, true); err != nil {
		log.Fatal().Err(err).Str("namespace", cfg.Store.Namespace).Msg("wipe failed")
	}
	log.Info().Str("namespace", cfg.Store.Namespace).Msg("namespace wiped")
}

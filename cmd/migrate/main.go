// Command migrate applies the embedded SQL migrations against DATABASE_URL
// and exits. It's the deploy-time counterpart to the migration runner the
// server applies automatically on boot.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/whoopsync-api/internal/config"
	"github.com/erauner12/whoopsync-api/internal/db"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Str("service", "whoopsync-migrate").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	log.Info().Msg("migrations applied")
	os.Exit(0)
}

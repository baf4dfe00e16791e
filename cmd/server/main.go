package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/whoopsync-api/internal/auth"
	"github.com/erauner12/whoopsync-api/internal/config"
	"github.com/erauner12/whoopsync-api/internal/db"
	"github.com/erauner12/whoopsync-api/internal/httpapi"
	"github.com/erauner12/whoopsync-api/internal/oauthflow"
	"github.com/erauner12/whoopsync-api/internal/repository"
	"github.com/erauner12/whoopsync-api/internal/syncengine"
	"github.com/erauner12/whoopsync-api/internal/tokenstore"
	"github.com/erauner12/whoopsync-api/internal/whoopclient"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "whoopsync-api").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Pretty logging for local dev only.
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: cfg.JWTHS256Secret,
		DevMode:     cfg.DevMode,
		Issuer:      cfg.JWTIssuer,
		JWKSURL:     cfg.JWTJWKSURL,
		Audience:    cfg.JWTAudience,
	}

	// Security validation: JWKS URL and issuer must be set together, else
	// token signature validation would have no issuer to bind against.
	if (cfg.JWTJWKSURL != "") != (cfg.JWTIssuer != "") {
		log.Fatal().
			Str("issuer", cfg.JWTIssuer).
			Str("jwks_url", cfg.JWTJWKSURL).
			Msg("FATAL: JWT_ISSUER and JWT_JWKS_URL must both be set or both be empty")
	}

	if !cfg.DevMode && (cfg.JWTHS256Secret == "" || cfg.JWTHS256Secret == "dev-secret-change-in-production") {
		log.Fatal().Msg("FATAL: cannot start outside dev mode with a default or missing JWT_HS256_SECRET")
	}

	if err := auth.InitJWKSCache(jwtCfg); err != nil {
		log.Warn().Err(err).Msg("failed to pre-fetch JWKS (will retry on first request)")
	}

	whoopClient := whoopclient.New(whoopclient.Config{
		BaseURL:      cfg.UpstreamBaseURL,
		Timeout:      cfg.HTTPTimeout(),
		RatePerMin:   cfg.RateLimitPerMinute,
		RatePerDay:   cfg.RateLimitPerDay,
		ClientID:     cfg.UpstreamClientID,
		ClientSecret: cfg.UpstreamClientSecret,
	})

	tokens := tokenstore.New(pool, whoopClient)
	oauth := oauthflow.New(pool, whoopClient, tokens, cfg.OAuthStateTTL())
	repo := repository.New(pool)
	engine := syncengine.New(tokens, whoopClient, repo, syncengine.Thresholds{
		Recovery: cfg.FreshnessThresholdRecovery(),
		Sleep:    cfg.FreshnessThresholdSleep(),
		Cycle:    cfg.FreshnessThresholdCycle(),
		Workout:  cfg.FreshnessThresholdWorkout(),
	}, cfg.InitialBackfillDays)

	srv := &httpapi.Server{
		DB:               pool,
		JWTCfg:           jwtCfg,
		RateLimitConfig:  httpapi.RateLimitInfo{WindowSeconds: 60, MaxRequests: cfg.RateLimitPerMinute, Burst: cfg.RateLimitPerMinute / 2},
		Tokens:           tokens,
		OAuth:            oauth,
		Sync:             engine,
		UpstreamClientID: cfg.UpstreamClientID,
		RedirectURI:      cfg.UpstreamRedirectURI,
	}

	// Reap expired oauth_pending rows (abandoned PKCE handshakes) hourly.
	sched := cron.New()
	if _, err := sched.AddFunc("@hourly", func() {
		n, err := oauth.ReapExpired(context.Background())
		if err != nil {
			log.Error().Err(err).Msg("oauth_pending reap failed")
			return
		}
		if n > 0 {
			log.Info().Int64("reaped", n).Msg("swept expired oauth_pending rows")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule oauth_pending reaper")
	}
	sched.Start()
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("starting HTTP server")
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

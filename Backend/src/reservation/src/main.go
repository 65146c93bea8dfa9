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
)

func main() {
	// Logger
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := LoadConfig()
	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("db", cfg.DBPath).
		Str("rabbit", cfg.RabbitURL).
		Int("max_active", cfg.MaxActiveReservations).
		Msg("starting reservation service")

	// Repo
	repo, err := NewRepository(cfg.DBPath)
	must(err)
	defer repo.Close()

	if cfg.SeedOnStart {
		must(repo.Seed(context.Background()))
		log.Info().Msg("seeded titles and members")
	}

	// Rabbit (opcional en dev: sin URL los eventos sólo se pierden, el motor sigue)
	var events Events
	if cfg.RabbitURL != "" {
		rabbit, err := NewRabbit(cfg.RabbitURL, cfg.Exchange)
		must(err)
		defer rabbit.Close()
		events = rabbit
		log.Info().Str("exchange", cfg.Exchange).Msg("rabbit connected")
	} else {
		log.Warn().Msg("no RABBITMQ_URL, domain events disabled")
	}

	// Núcleo
	cache := NewTitleCache(cfg.CacheTTL)
	policy := NewCooldownPolicy(cfg.CooldownStages)
	engine := NewEngine(repo, policy, cfg, events, cache)
	sweeper := NewSweeper(engine, cfg.SweepInterval, cfg.ReminderHorizon)
	recon := NewReconciler(repo, cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Start(ctx)

	// HTTP
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewServer(engine, repo, sweeper, recon, cache, cfg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Señales para apagado limpio
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Warn().Msg("shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), ShutdownGrace)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Info().Msg("HTTP listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("serve")
	}
}

func must(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}

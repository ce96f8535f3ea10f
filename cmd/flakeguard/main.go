// Command flakeguard runs the FlakeGuard GitHub App backend: the
// webhook intake, the event processors, and the `/api/...` control
// surface, all behind one HTTP server. Wiring mirrors the teacher's
// cmd/releaseparty-api/main.go (config → app → store → server →
// graceful shutdown), extended with the worker pool and rate limiter
// C3 requires.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"flakeguard/internal/actions"
	"flakeguard/internal/api"
	"flakeguard/internal/config"
	"flakeguard/internal/events"
	"flakeguard/internal/flake"
	"flakeguard/internal/githubapp"
	"flakeguard/internal/rerun"
	"flakeguard/internal/store"
	"flakeguard/internal/upstream"
	"flakeguard/internal/webhook"
	"flakeguard/internal/workerpool"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "flakeguard").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if lvl, lerr := zerolog.ParseLevel(cfg.LogLevel); lerr == nil {
		log = log.Level(lvl)
	}

	app, err := githubapp.New(cfg.GitHubAppID, cfg.GitHubAppSlug, cfg.GitHubWebhookSecret, cfg.GitHubPrivateKeyPEM, cfg.BaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("build github app")
	}
	broker, err := githubapp.NewBroker(app, 256)
	if err != nil {
		log.Fatal().Err(err).Msg("build credential broker")
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	clientFactory := func(ctx context.Context, installationID int64) (upstream.Client, error) {
		return upstream.NewForInstallation(ctx, broker, installationID, log)
	}

	analyzerCfg := flake.Config{
		MinRunsForAnalysis:        cfg.MinRunsForAnalysis,
		FlakeThreshold:            cfg.FlakeThreshold,
		HighConfidenceThreshold:   cfg.HighConfidenceThreshold,
		MediumConfidenceThreshold: cfg.MediumConfidenceThreshold,
		AnalysisWindowDays:        cfg.AnalysisWindowDays,
		RecentFailuresWindowDays:  cfg.RecentFailuresWindowDays,
		CommonFlakePatterns:       flake.DefaultConfig().CommonFlakePatterns,
	}
	analyzer := flake.New(st, analyzerCfg, log)
	rerunCtl := rerun.New(st, cfg.RerunCeiling)
	dispatcher := actions.New(st, rerunCtl, clientFactory, log)
	processors := events.New(st, analyzer, dispatcher, clientFactory, log)

	ctx, stopWorkers := context.WithCancel(context.Background())
	pool := workerpool.NewTiered(ctx, cfg.WorkerConcurrency, cfg.WorkerConcurrency*10, cfg.HighPriorityWorkers)
	defer pool.Shutdown()

	limiter := webhook.NewLimiter(cfg.WebhookRateLimitPerMin)
	intake := webhook.New([]byte(cfg.GitHubWebhookSecret), st, processors, limiter, pool, log)

	srv := api.New(app, broker, st, analyzer, intake, log)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	log.Info().Msg("shutting down")
	stopWorkers()
	_ = httpSrv.Close()
}

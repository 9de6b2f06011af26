package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/yangwenmai/sdragent/internal/api"
	"github.com/yangwenmai/sdragent/internal/config"
	"github.com/yangwenmai/sdragent/internal/engine"
	"github.com/yangwenmai/sdragent/internal/llm"
	"github.com/yangwenmai/sdragent/internal/metrics"
	"github.com/yangwenmai/sdragent/internal/research"
	"github.com/yangwenmai/sdragent/internal/retry"
	"github.com/yangwenmai/sdragent/internal/store"
	"github.com/yangwenmai/sdragent/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	slog.SetDefault(newLogger(cfg))
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Open SQLite.
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	s, err := store.New(db)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	recorder := metrics.NewRecorder()

	gen, err := llm.New(cfg, recorder)
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}
	slog.Info("llm provider ready", "provider", cfg.LLMProvider)

	tokens, err := llm.NewTokenCounter()
	if err != nil {
		return err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		OnRetry:     recorder.ObserveRetry,
	}
	settings := engine.Settings{
		MaxRounds:   cfg.MaxReflectionRounds,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: llm.Float(cfg.LLMTemperature),
		Policy:      policy,
	}

	researcher := research.NewStep(research.NewHTTPFetcher(cfg.ResearchTimeout), policy, tokens, cfg.ResearchExcerptTokens)
	pipeline := engine.NewPipeline(
		researcher,
		engine.NewDrafter(gen, settings),
		engine.NewEvaluator(gen, settings),
		s,
		engine.WithObserver(recorder),
		engine.WithLogRounds(cfg.LogRounds),
	)
	reports := metrics.NewService(s)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	monitor := worker.New(reports, recorder, cfg.RegressionThreshold, cfg.RegressionInterval)
	go monitor.Start(ctx)

	srv := api.New(pipeline, s, reports,
		api.WithCORSOrigin(cfg.CORSOrigin),
		api.WithBatchConcurrency(cfg.BatchConcurrency),
		api.WithRegressionThreshold(cfg.RegressionThreshold),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", srv.Handler())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sdr agent listening", "addr", "http://localhost:"+cfg.Port, "db", cfg.DBPath)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

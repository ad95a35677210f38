package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/hpungsan/insight/internal/capture"
	"github.com/hpungsan/insight/internal/config"
	"github.com/hpungsan/insight/internal/distill"
	"github.com/hpungsan/insight/internal/fetch"
	"github.com/hpungsan/insight/internal/llm"
	"github.com/hpungsan/insight/internal/note"
	"github.com/hpungsan/insight/internal/pipeline"
	"github.com/hpungsan/insight/internal/ratelimit"
	"github.com/hpungsan/insight/internal/retry"
	"github.com/hpungsan/insight/internal/state"
	"github.com/hpungsan/insight/internal/xapi"
)

// env holds the stores every command shares. The orchestrator is built on
// demand because only some commands need provider credentials.
type env struct {
	cfg       *config.Config
	db        *sql.DB
	state     *state.Store
	artifacts *capture.ArtifactStore
	limiter   *ratelimit.Limiter
	logger    *slog.Logger

	// newPipeline builds the orchestrator. Tests replace it.
	newPipeline func(ctx context.Context, e *env) (*pipeline.Orchestrator, error)
}

func openEnv(cfg *config.Config, database *sql.DB, l *slog.Logger) (*env, error) {
	st, err := state.Open(cfg.StatePath(), l)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:         cfg,
		db:          database,
		state:       st,
		artifacts:   capture.NewArtifactStore(cfg.ArtifactDir()),
		limiter:     ratelimit.New(rateLimits(cfg)),
		logger:      l,
		newPipeline: buildPipeline,
	}, nil
}

func (e *env) pipeline(ctx context.Context) (*pipeline.Orchestrator, error) {
	return e.newPipeline(ctx, e)
}

// buildPipeline wires the real providers, fetchers and stores.
func buildPipeline(ctx context.Context, e *env) (*pipeline.Orchestrator, error) {
	cfg := e.cfg
	httpClient := &http.Client{Timeout: clientTimeout(cfg)}

	providers, err := llm.NewFromConfig(ctx, cfg, httpClient, e.logger)
	if err != nil {
		return nil, err
	}

	var cache fetch.Cache
	if ttl := cfg.LinkCacheTTL(); ttl > 0 && e.db != nil {
		cache = fetch.NewSQLiteCache(e.db, ttl, e.logger)
	}

	deps := capture.Deps{
		Pages:       fetch.NewHTTPFetcher(httpClient, cache, e.logger),
		Images:      providers.Vision,
		Transcripts: fetch.NewYouTubeTranscripts(httpClient, e.logger),
		Enrichers:   []capture.Enricher{note.NewLegacyEnricher(e.state, e.logger)},
	}
	if cfg.XBearerToken != "" {
		x := xapi.New(ctx, cfg.XBearerToken, e.logger)
		deps.Threads = x
		deps.Enrichers = append(deps.Enrichers, x)
	} else {
		e.logger.Warn("no X bearer token configured, thread expansion and API enrichment disabled")
	}

	policy := retryPolicy(cfg)
	capturer := capture.New(deps, e.limiter, e.artifacts, capture.Options{
		TokenBudget:  cfg.TokenBudget,
		FetchTimeout: cfg.FetchTimeout(),
		LLMTimeout:   cfg.LLMTimeout(),
		Retry:        policy,
		Logger:       e.logger,
	})

	return pipeline.New(pipeline.Deps{
		State:     e.state,
		Capturer:  capturer,
		Artifacts: e.artifacts,
		Distiller: distill.New(providers.Text, e.logger),
		Writer:    note.NewWriter(cfg.OutputDir, e.logger),
		Limiter:   e.limiter,
		Runs:      e.db,
	}, pipeline.Options{
		Workers:       cfg.Workers,
		Retry:         policy,
		ShutdownGrace: cfg.ShutdownGrace(),
		LLMTimeout:    cfg.LLMTimeout(),
		Logger:        e.logger,
	}), nil
}

// clientTimeout is the hard ceiling for any request on the shared client.
// Per-call contexts are tighter; this catches calls made without one.
func clientTimeout(cfg *config.Config) time.Duration {
	return max(cfg.FetchTimeout(), cfg.LLMTimeout())
}

func rateLimits(cfg *config.Config) map[ratelimit.Category]ratelimit.Config {
	out := ratelimit.DefaultConfigs()
	for name, rl := range cfg.RateLimits {
		out[ratelimit.Category(name)] = ratelimit.Config{RPS: rl.RPS, Concurrency: rl.Concurrency}
	}
	return out
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		Jitter:      cfg.Retry.Jitter,
	}
}

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/screenroast/screenroast/internal/cost"
	"github.com/screenroast/screenroast/internal/enrich"
	"github.com/screenroast/screenroast/internal/joblog"
	"github.com/screenroast/screenroast/internal/queue"
	"github.com/screenroast/screenroast/internal/refresh"
	"github.com/screenroast/screenroast/internal/resilience"
	"github.com/screenroast/screenroast/internal/store"
	"github.com/screenroast/screenroast/pkg/anthropic"
	"github.com/screenroast/screenroast/pkg/perplexity"
	"github.com/screenroast/screenroast/pkg/tmdb"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "screenroast.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// env bundles everything a long-running command needs.
type env struct {
	Store        store.Store
	Tracker      *joblog.Tracker
	Queue        *queue.Queue
	Pipeline     *enrich.Pipeline
	Orchestrator *refresh.Orchestrator
}

func (e *env) Close() {
	if e.Queue != nil {
		_ = e.Queue.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initEnv(ctx context.Context) (*env, error) {
	if err := cfg.Validate("enrichment"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	catalogOpts := []tmdb.Option{
		tmdb.WithBaseURL(cfg.Catalog.BaseURL),
		tmdb.WithRegion(cfg.Catalog.Region),
	}
	if cfg.Catalog.TimeoutSecs > 0 {
		catalogOpts = append(catalogOpts, tmdb.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Catalog.TimeoutSecs) * time.Second,
		}))
	}
	catalog := tmdb.NewClient(cfg.Catalog.Key, catalogOpts...)

	pplx := perplexity.NewClient(cfg.Perplexity.Key,
		perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
		perplexity.WithModel(cfg.Perplexity.Model),
		perplexity.WithRateLimit(cfg.Perplexity.RequestsPerSec),
	)

	claude := anthropic.NewClient(cfg.Anthropic.Key,
		anthropic.WithRateLimit(cfg.Anthropic.RequestsPerSec),
	)

	rates := cost.DefaultRates()
	if len(cfg.Pricing.Anthropic) > 0 {
		rates.Anthropic = map[string]cost.ModelRate{}
		for m, p := range cfg.Pricing.Anthropic {
			rates.Anthropic[m] = cost.ModelRate{Input: p.Input, Output: p.Output}
		}
	}
	if cfg.Pricing.Perplexity.PerQuery > 0 {
		rates.PerplexityPerQuery = cfg.Pricing.Perplexity.PerQuery
	}

	pipeline := enrich.NewPipeline(enrich.Config{
		Store:         st,
		Searcher:      enrich.NewSearcher(pplx, cfg.Perplexity.Model),
		Extractor:     enrich.NewExtractor(claude, cfg.Anthropic.ExtractModel, cfg.Anthropic.MaxTokens),
		Generator:     enrich.NewGenerator(claude, cfg.Anthropic.GenerateModel, cfg.Anthropic.MaxTokens, cfg.Roast.Language),
		Availability:  catalog,
		Calculator:    cost.NewCalculator(rates),
		Language:      cfg.Roast.Language,
		ExtractModel:  cfg.Anthropic.ExtractModel,
		GenerateModel: cfg.Anthropic.GenerateModel,
	})

	q := queue.New(queue.Config{
		Topic:      cfg.Queue.Topic,
		DLQTopic:   cfg.Queue.DLQTopic,
		BatchSize:  cfg.Queue.BatchSize,
		BufferSize: cfg.Queue.BufferSize,
	})

	catalogRetry := resilience.FromRetryConfig(
		cfg.Catalog.Retry.MaxAttempts,
		cfg.Catalog.Retry.InitialBackoffMs,
		cfg.Catalog.Retry.MaxBackoffMs,
		cfg.Catalog.Retry.Multiplier,
		cfg.Catalog.Retry.JitterFraction,
	)

	tracker := joblog.NewTracker(st)
	orch := refresh.NewOrchestrator(
		tracker,
		st,
		refresh.NewCatalogSource(catalog, cfg.Catalog.MaxPages, cfg.Catalog.WindowDays, catalogRetry),
		q,
		cfg.Refresh.JobName,
		cfg.Catalog.Categories,
	)

	return &env{
		Store:        st,
		Tracker:      tracker,
		Queue:        q,
		Pipeline:     pipeline,
		Orchestrator: orch,
	}, nil
}

package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/acquire"
	"github.com/civicsignal/billcost/internal/analysis"
	"github.com/civicsignal/billcost/internal/ingest"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/monitoring"
	"github.com/civicsignal/billcost/internal/registry"
	"github.com/civicsignal/billcost/internal/store"
	"github.com/civicsignal/billcost/internal/tasks"
	"github.com/civicsignal/billcost/pkg/llm"
)

// appEnv holds the initialized store and the subsystems the serve,
// scrape, and analyze commands share. Callers defer env.Close().
type appEnv struct {
	Store    store.Store
	Registry *registry.Registry
	Runner   *acquire.Runner
	Ingestor *ingest.Ingestor
	Pipeline *analysis.Pipeline
	Manager  *tasks.Manager
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (*store.PostgresStore, error) {
	if cfg.Store.DatabaseURL == "" {
		return nil, eris.New("store.database_url is required (BILLCOST_STORE_DATABASE_URL)")
	}
	return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
}

// initEnv sets up the store, LLM clients, and every subsystem needed by
// the long-running commands.
func initEnv(ctx context.Context, command string) (*appEnv, error) {
	if err := cfg.Validate(command); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	alerter := monitoring.NewAlerter(cfg.Alert)
	reg := registry.New(st, alerter, cfg.Health.FailureWindow)

	runner := acquire.NewRunner(st, reg, cfg.Acquire.MaxConcurrent,
		acquire.NewAPIFetcher(cfg.Acquire),
		acquire.NewScrapeFetcher(cfg.Acquire),
	)

	var embedder llm.Embedder
	if cfg.Voyage.Key != "" {
		opts := []llm.VoyageOption{}
		if cfg.Voyage.BaseURL != "" {
			opts = append(opts, llm.WithVoyageBaseURL(cfg.Voyage.BaseURL))
		}
		if cfg.Voyage.Model != "" {
			opts = append(opts, llm.WithVoyageModel(cfg.Voyage.Model))
		}
		embedder = llm.NewVoyage(cfg.Voyage.Key, opts...)
	} else {
		zap.L().Warn("voyage key not set, ingestion and retrieval disabled")
	}

	providers := llm.Providers{}
	if cfg.Anthropic.Key != "" {
		providers["anthropic"] = llm.NewAnthropic(cfg.Anthropic.Key)
	}

	ing := ingest.NewIngestor(st, embedder, cfg.Ingest)
	pipe := analysis.NewPipeline(st, providers, embedder, cfg.Analysis, cfg.Retrieval)

	manager := tasks.NewManager(st, cfg.Tasks)
	analysisExec := tasks.AnalysisExecutor(pipe)
	manager.Register(model.TaskResearch, analysisExec)
	manager.Register(model.TaskGenerate, analysisExec)
	manager.Register(model.TaskReview, analysisExec)
	manager.Register(model.TaskScrape, tasks.ScrapeExecutor(st, runner, ing))

	return &appEnv{
		Store:    st,
		Registry: reg,
		Runner:   runner,
		Ingestor: ing,
		Pipeline: pipe,
		Manager:  manager,
	}, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/knoguchi/shortlist/internal/agent"
	"github.com/knoguchi/shortlist/internal/arc"
	"github.com/knoguchi/shortlist/internal/config"
	"github.com/knoguchi/shortlist/internal/corpus"
	"github.com/knoguchi/shortlist/internal/embedder"
	"github.com/knoguchi/shortlist/internal/feedback"
	"github.com/knoguchi/shortlist/internal/llm"
	"github.com/knoguchi/shortlist/internal/metrics"
	"github.com/knoguchi/shortlist/internal/repository/postgres"
	"github.com/knoguchi/shortlist/internal/rescore"
	"github.com/knoguchi/shortlist/internal/reranker"
	"github.com/knoguchi/shortlist/internal/retrieval"
	"github.com/knoguchi/shortlist/internal/server"
	"github.com/knoguchi/shortlist/internal/service"
	"github.com/knoguchi/shortlist/internal/vectorstore"
)

// app holds the wired components and the resources to release on exit.
type app struct {
	cfg      *config.Config
	pipeline *service.Pipeline
	store    feedback.Store
	recorder *metrics.Recorder
	checks   map[string]server.ReadyCheck
	closers  []func() error
}

func (a *app) Close() error {
	if a.pipeline != nil {
		a.pipeline.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newApp wires every component from cfg. On error, already opened resources
// are released.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	logger := slog.Default()
	a := &app{
		cfg:      cfg,
		recorder: metrics.NewRecorder(metrics.DefaultConfig()),
		checks:   make(map[string]server.ReadyCheck),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	store, err := a.openStore(ctx, logger)
	if err != nil {
		return nil, err
	}
	a.store = store

	bindings, err := a.bindArcs(logger)
	if err != nil {
		return nil, err
	}
	registry, err := arc.NewRegistry(bindings,
		arc.WithArcTimeout(cfg.ArcTimeout),
		arc.WithLogger(logger),
		arc.WithRecorder(a.recorder),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create arc registry: %w", err)
	}

	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)

	rescorer, err := rescore.NewHalfLifeRescorer(store, rescore.Config{
		HalfLifeDays: cfg.HalfLifeDays,
		Alpha:        cfg.BoostAlpha,
		TopicWindow:  cfg.TopicWindow,
		TimestampKey: rescore.DefaultTimestampKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rescorer: %w", err)
	}

	var rr reranker.Reranker
	keyword, err := reranker.NewKeywordCosineReranker(reranker.KeywordConfig{
		AlphaPrior:  cfg.AlphaPrior,
		TitleWeight: cfg.TitleWeight,
		DocChars:    cfg.DocChars,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reranker: %w", err)
	}
	rr = keyword
	if cfg.LLMRerank {
		rr, err = reranker.NewLLMReranker(llmClient,
			reranker.WithAlphaPrior(cfg.AlphaPrior),
			reranker.WithFallback(keyword),
			reranker.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM reranker: %w", err)
		}
	}

	analyzerModel := cfg.OllamaAnalyzerModel
	if analyzerModel == "" {
		analyzerModel = cfg.OllamaLLMModel
	}

	a.pipeline, err = service.NewPipeline(registry, agent.NewLLMComposer(llmClient), store,
		service.WithAnalyzer(agent.NewLLMAnalyzer(llmClient, agent.WithAnalyzerModel(analyzerModel))),
		service.WithRescorer(rescorer),
		service.WithReranker(rr),
		service.WithBudgets(service.Budgets{
			TopKCeiling:    cfg.TopKCeiling,
			FinalDocCount:  cfg.FinalDocCount,
			PerNoteChars:   cfg.PerNoteChars,
			SynthMaxTokens: cfg.SynthMaxTokens,
			ShortlistFloor: cfg.ShortlistFloor,
		}),
		service.WithCircuit(service.NewCircuit(cfg.CircuitMaxSteps)),
		service.WithTimeouts(cfg.ReasoningTimeout, cfg.SynthesisTimeout),
		service.WithLogger(logger),
		service.WithRecorder(a.recorder),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context, logger *slog.Logger) (feedback.Store, error) {
	switch a.cfg.FeedbackBackend {
	case config.FeedbackPostgres:
		db, err := postgres.New(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, func() error { db.Close(); return nil })
		if err := db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		a.checks["postgres"] = func(ctx context.Context) error { return db.Pool.Ping(ctx) }
		logger.Info("connected to PostgreSQL")
		return postgres.NewFeedbackRepo(db,
			postgres.WithLogger(logger),
			postgres.WithRecorder(a.recorder),
		), nil
	default:
		fs, err := feedback.OpenFileStore(a.cfg.FeedbackDir,
			feedback.WithLogger(logger),
			feedback.WithRecorder(a.recorder),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to open feedback store: %w", err)
		}
		a.closers = append(a.closers, fs.Close)
		logger.Info("opened feedback store", "root", fs.Root())
		return fs, nil
	}
}

func (a *app) bindArcs(logger *slog.Logger) ([]arc.Binding, error) {
	var bindings []arc.Binding

	if a.cfg.LexicalEnabled {
		docs, err := corpus.NewLoader(a.cfg.CorpusDir, corpus.WithLogger(logger)).Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load corpus: %w", err)
		}
		logger.Info("loaded corpus", "dir", a.cfg.CorpusDir, "documents", len(docs))
		bindings = append(bindings, arc.Binding{
			Name:    "lexical",
			Weight:  a.cfg.LexicalWeight,
			Limit:   a.cfg.LexicalLimit,
			Enabled: true,
			Backend: retrieval.NewLexicalBackend(docs),
		})
	}

	if a.cfg.DenseEnabled {
		store, emb, err := a.openVectorStore()
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, arc.Binding{
			Name:    "dense",
			Weight:  a.cfg.DenseWeight,
			Limit:   a.cfg.DenseLimit,
			Enabled: true,
			Backend: vectorstore.NewDenseBackend(emb, store, a.cfg.DenseMinScore),
		})
	}
	return bindings, nil
}

func (a *app) openVectorStore() (*vectorstore.QdrantStore, *embedder.OllamaEmbedder, error) {
	store, err := vectorstore.NewQdrantStore(a.cfg.QdrantGRPCURL, a.cfg.QdrantCollection)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	emb := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: a.cfg.OllamaURL,
		Model:   a.cfg.OllamaEmbeddingModel,
	})
	return store, emb, nil
}

// closeQuietly closes c and logs a failure.
func closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("close failed", "error", err)
	}
}

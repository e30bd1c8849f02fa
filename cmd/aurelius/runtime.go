package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aurelian-labs/aurelius/pkg/agent"
	"github.com/aurelian-labs/aurelius/pkg/auth"
	"github.com/aurelian-labs/aurelius/pkg/condensation"
	"github.com/aurelian-labs/aurelius/pkg/config"
	"github.com/aurelian-labs/aurelius/pkg/consensus"
	"github.com/aurelian-labs/aurelius/pkg/embedders"
	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/ingest"
	"github.com/aurelian-labs/aurelius/pkg/llms"
	"github.com/aurelian-labs/aurelius/pkg/memory"
	"github.com/aurelian-labs/aurelius/pkg/observability"
	"github.com/aurelian-labs/aurelius/pkg/store"
	"github.com/aurelian-labs/aurelius/pkg/utils"
	"github.com/aurelian-labs/aurelius/pkg/vectors"
)

// runtime holds every wired component. Close releases them in reverse
// dependency order.
type runtime struct {
	cfg          *config.Config
	logger       *slog.Logger
	store        store.Store
	vectors      vectors.VectorStore
	router       *llms.Router
	protocol     *consensus.Engine
	condenser    *condensation.Engine
	orchestrator *agent.Orchestrator
	pipeline     *ingest.Pipeline
	validator    *auth.Validator
	metrics      *observability.Metrics
}

// buildRuntime wires the full stack from configuration. Every command
// goes through here so CLI and server behave identically.
func buildRuntime(ctx context.Context, cli *CLI) (*runtime, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	logger := initLogger(cfg, cli.LogLevel)
	metrics := observability.NewMetrics()

	router, err := buildRouter(logger)
	if err != nil {
		return nil, err
	}
	router.SetMetrics(metrics)

	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	embedder, err := buildEmbedder(router, cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	vs, err := vectors.Open(ctx, cfg.Database.URL, embedder, vectorPersistPath(cfg.Database.URL))
	if err != nil {
		st.Close()
		return nil, err
	}

	counter, err := utils.NewTokenCounter(cfg.Models.Main)
	if err != nil {
		st.Close()
		vs.Close()
		return nil, err
	}

	protocol, err := consensus.New(router, cfg.Models.Main, cfg.Models.Reviewer,
		cfg.Consensus.BetaThreshold, cfg.Consensus.MaxRounds, logger,
		consensus.WithLogFolder(cfg.Consensus.LogFolder))
	if err != nil {
		st.Close()
		vs.Close()
		return nil, err
	}

	condenser, err := condensation.New(st, counter, router, protocol, cfg.Models.Main, cfg.Condensation, logger)
	if err != nil {
		st.Close()
		vs.Close()
		return nil, err
	}

	episodic := memory.NewEpisodic(st, vs, counter, cfg.Memory.MaxContextTokens, logger)
	semantic := memory.NewSemantic(st, vs, logger)
	retriever := memory.NewRetriever(vs, router, episodic, semantic, cfg.Models.Light, logger)
	builder := memory.NewBuilder(st, condenser, cfg.Memory.NarrativeTokens)

	brain, err := agent.NewBrain(router, cfg.Models.Main, logger)
	if err != nil {
		st.Close()
		vs.Close()
		return nil, err
	}

	orchestrator, err := agent.NewOrchestrator(st, brain, retriever, builder, condenser,
		semantic, episodic, protocol, cfg.Consensus, logger)
	if err != nil {
		st.Close()
		vs.Close()
		return nil, err
	}

	pipeline, err := ingest.New(vs, router, cfg.Models.Light, cfg.RAG, logger)
	if err != nil {
		st.Close()
		vs.Close()
		return nil, err
	}

	validator, err := auth.NewValidatorFromConfig(cfg.Auth)
	if err != nil {
		st.Close()
		vs.Close()
		return nil, err
	}

	return &runtime{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		vectors:      vs,
		router:       router,
		protocol:     protocol,
		condenser:    condenser,
		orchestrator: orchestrator,
		pipeline:     pipeline,
		validator:    validator,
		metrics:      metrics,
	}, nil
}

func (r *runtime) Close() {
	r.orchestrator.Wait()
	if err := r.vectors.Close(); err != nil {
		r.logger.Warn("failed to close vector store", "error", err)
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to close store", "error", err)
	}
}

// buildRouter wires whichever providers have API keys in the
// environment. At least one key is required.
func buildRouter(logger *slog.Logger) (*llms.Router, error) {
	var openai *llms.OpenAIProvider
	var anthropic *llms.AnthropicProvider

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, err := llms.NewOpenAIProvider(key)
		if err != nil {
			return nil, err
		}
		openai = p
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := llms.NewAnthropicProvider(key)
		if err != nil {
			return nil, err
		}
		anthropic = p
	}
	if openai == nil && anthropic == nil {
		return nil, fault.New(fault.KindConfig,
			"no LLM provider configured: set OPENAI_API_KEY and/or ANTHROPIC_API_KEY")
	}
	return llms.NewRouter(openai, anthropic, logger)
}

// buildEmbedder prefers the OpenAI embeddings API and falls back to the
// deterministic local encoder when no OpenAI key is present.
func buildEmbedder(router *llms.Router, cfg *config.Config, logger *slog.Logger) (embedders.Embedder, error) {
	if os.Getenv("OPENAI_API_KEY") != "" {
		return embedders.NewOpenAIEmbedder(router, cfg.Models.Embed, 0)
	}
	logger.Warn("no OPENAI_API_KEY: using local hash embedder, retrieval quality will be degraded")
	return embedders.NewLocalEmbedder(0), nil
}

// vectorPersistPath puts the chromem export next to the sqlite file.
// Postgres URLs do not use it.
func vectorPersistPath(dbURL string) string {
	if !strings.HasPrefix(dbURL, "sqlite:///") {
		return ""
	}
	dbPath := strings.TrimPrefix(dbURL, "sqlite:///")
	return filepath.Join(filepath.Dir(dbPath), "vectors.gob")
}

// Package config loads and validates runtime configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration.
type Config struct {
	Models       Models       `yaml:"models" mapstructure:"models"`
	Database     Database     `yaml:"database" mapstructure:"database"`
	Memory       Memory       `yaml:"memory" mapstructure:"memory"`
	RAG          RAG          `yaml:"rag" mapstructure:"rag"`
	Consensus    Consensus    `yaml:"aegean_consensus" mapstructure:"aegean_consensus"`
	Condensation Condensation `yaml:"condensation" mapstructure:"condensation"`
	Server       Server       `yaml:"server" mapstructure:"server"`
	Auth         Auth         `yaml:"auth" mapstructure:"auth"`
	Logging      Logging      `yaml:"logging" mapstructure:"logging"`
}

// Models names the models used by the runtime.
// Main drives persona generation, Reviewer is the consensus counterpart,
// Light handles cheap auxiliary calls (query expansion, tagging).
type Models struct {
	Main     string `yaml:"main" mapstructure:"main"`
	Reviewer string `yaml:"reviewer" mapstructure:"reviewer"`
	Light    string `yaml:"light" mapstructure:"light"`
	Embed    string `yaml:"embed" mapstructure:"embed"`
}

// Database selects the relational (and vector) back-end by URL scheme:
// sqlite:///path or postgres(ql)://...
type Database struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// Memory bounds the recent-message window fed into prompts.
type Memory struct {
	MaxContextTokens   int `yaml:"max_context_tokens" mapstructure:"max_context_tokens"`
	NarrativeTokens    int `yaml:"narrative_tokens" mapstructure:"narrative_tokens"`
	RecentMessageLimit int `yaml:"recent_message_limit" mapstructure:"recent_message_limit"`
}

// RAG controls corpus ingestion and retrieval.
type RAG struct {
	ChunkSize           int     `yaml:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap        int     `yaml:"chunk_overlap" mapstructure:"chunk_overlap"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
}

// Consensus tunes the dual-model consensus protocol.
type Consensus struct {
	BetaThreshold           int    `yaml:"beta_threshold" mapstructure:"beta_threshold"`
	AlphaQuorum             int    `yaml:"alpha_quorum" mapstructure:"alpha_quorum"`
	MaxRounds               int    `yaml:"max_rounds" mapstructure:"max_rounds"`
	SessionsBetweenAnalysis int    `yaml:"sessions_between_analysis" mapstructure:"sessions_between_analysis"`
	MinSummariesForProfile  int    `yaml:"min_summaries_for_profile" mapstructure:"min_summaries_for_profile"`
	UseModelAOnFailure      bool   `yaml:"use_model_a_on_failure" mapstructure:"use_model_a_on_failure"`
	LogFolder               string `yaml:"log_folder" mapstructure:"log_folder"`
}

// Condensation holds the three token thresholds driving the
// condensation engine.
type Condensation struct {
	HotBufferTokens      int  `yaml:"hot_buffer_tokens" mapstructure:"hot_buffer_tokens"`
	ChunkThresholdTokens int  `yaml:"chunk_threshold_tokens" mapstructure:"chunk_threshold_tokens"`
	SummaryBudgetTokens  int  `yaml:"summary_budget_tokens" mapstructure:"summary_budget_tokens"`
	UseConsensus         bool `yaml:"use_consensus" mapstructure:"use_consensus"`
}

// Server configures the HTTP facade.
type Server struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

// Auth configures bearer-token validation. Empty JWKSURL disables auth.
type Auth struct {
	JWKSURL  string `yaml:"jwks_url" mapstructure:"jwks_url"`
	Issuer   string `yaml:"issuer" mapstructure:"issuer"`
	Audience string `yaml:"audience" mapstructure:"audience"`
}

// Logging configures the slog logger.
type Logging struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SetDefaults fills zero-valued fields with working defaults.
func (c *Config) SetDefaults() {
	if c.Models.Main == "" {
		c.Models.Main = "gpt-4o"
	}
	if c.Models.Reviewer == "" {
		c.Models.Reviewer = "claude-sonnet-4-20250514"
	}
	if c.Models.Light == "" {
		c.Models.Light = "gpt-4o-mini"
	}
	if c.Models.Embed == "" {
		c.Models.Embed = "text-embedding-3-small"
	}
	if c.Database.URL == "" {
		c.Database.URL = "sqlite:///data/aurelius.db"
	}
	if c.Memory.MaxContextTokens == 0 {
		c.Memory.MaxContextTokens = 4000
	}
	if c.Memory.NarrativeTokens == 0 {
		c.Memory.NarrativeTokens = 2000
	}
	if c.Memory.RecentMessageLimit == 0 {
		c.Memory.RecentMessageLimit = 100
	}
	if c.RAG.ChunkSize == 0 {
		c.RAG.ChunkSize = 500
	}
	if c.RAG.ChunkOverlap == 0 {
		c.RAG.ChunkOverlap = 50
	}
	if c.RAG.SimilarityThreshold == 0 {
		c.RAG.SimilarityThreshold = 0.7
	}
	if c.Consensus.BetaThreshold == 0 {
		c.Consensus.BetaThreshold = 2
	}
	if c.Consensus.AlphaQuorum == 0 {
		c.Consensus.AlphaQuorum = 2
	}
	if c.Consensus.MaxRounds == 0 {
		c.Consensus.MaxRounds = c.Consensus.BetaThreshold
	}
	if c.Consensus.SessionsBetweenAnalysis == 0 {
		c.Consensus.SessionsBetweenAnalysis = 5
	}
	if c.Consensus.MinSummariesForProfile == 0 {
		c.Consensus.MinSummariesForProfile = 3
	}
	if c.Consensus.LogFolder == "" {
		c.Consensus.LogFolder = "data/consensus_logs"
	}
	if c.Condensation.HotBufferTokens == 0 {
		c.Condensation.HotBufferTokens = 4000
	}
	if c.Condensation.ChunkThresholdTokens == 0 {
		c.Condensation.ChunkThresholdTokens = 8000
	}
	if c.Condensation.SummaryBudgetTokens == 0 {
		c.Condensation.SummaryBudgetTokens = 12000
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
}

// Validate checks invariants that would otherwise fail deep in a request.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Database.URL, "sqlite://") &&
		!strings.HasPrefix(c.Database.URL, "postgres://") &&
		!strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("unsupported database url: %s", c.Database.URL)
	}
	if c.Consensus.BetaThreshold < 1 {
		return fmt.Errorf("aegean_consensus.beta_threshold must be >= 1")
	}
	if c.Consensus.MaxRounds < c.Consensus.BetaThreshold {
		return fmt.Errorf("aegean_consensus.max_rounds must be >= beta_threshold")
	}
	if c.Condensation.HotBufferTokens <= 0 ||
		c.Condensation.ChunkThresholdTokens <= 0 ||
		c.Condensation.SummaryBudgetTokens <= 0 {
		return fmt.Errorf("condensation thresholds must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

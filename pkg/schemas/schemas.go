// Package schemas defines the entities persisted and exchanged by the runtime.
package schemas

import (
	"time"
)

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Vector collections. Fixed set, created at startup.
const (
	CollectionEpisodic       = "episodic"
	CollectionSemantic       = "semantic"
	CollectionStoicWisdom    = "stoic_wisdom"
	CollectionPsychoanalysis = "psychoanalysis"
)

// User owns sessions, insights, summaries and profiles.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session groups an ordered sequence of messages.
// Metadata is a free-form string map (source, import file, etc.).
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SessionInfo is a session with its message count, for listings.
type SessionInfo struct {
	Session
	MessageCount int `json:"message_count"`
}

// SemanticAssertion is a single extracted statement about the user.
type SemanticAssertion struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// PsychUpdate is the structured analysis the agent attaches to its replies.
// Extras carries fields the model emitted beyond the known set.
type PsychUpdate struct {
	DetectedPatterns   []string               `json:"detected_patterns,omitempty"`
	EmotionalState     string                 `json:"emotional_state,omitempty"`
	AppliedPrinciple   string                 `json:"applied_principle,omitempty"`
	NextDirection      string                 `json:"next_direction,omitempty"`
	Confidence         float64                `json:"confidence,omitempty"`
	SemanticAssertions []SemanticAssertion    `json:"semantic_assertions,omitempty"`
	Extras             map[string]interface{} `json:"-"`
}

// Message is one turn in a session. PsychUpdate is set on agent messages
// only. SemanticProcessedAt is set once by the extraction job.
type Message struct {
	ID                  string       `json:"id"`
	SessionID           string       `json:"session_id"`
	Role                string       `json:"role"`
	Content             string       `json:"content"`
	PsychUpdate         *PsychUpdate `json:"psych_update,omitempty"`
	SemanticProcessedAt *time.Time   `json:"semantic_processed_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
}

// SemanticInsight is a persisted assertion derived from a PsychUpdate.
type SemanticInsight struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	SourceMessageID string    `json:"source_message_id"`
	Text            string    `json:"text"`
	Confidence      float64   `json:"confidence"`
	CreatedAt       time.Time `json:"created_at"`
}

// Profile is a synthesized psychological profile of a user.
// Version is assigned by the store and is strictly monotonic per user.
type Profile struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Version      int                    `json:"version"`
	Content      string                 `json:"content"`
	ConsensusLog map[string]interface{} `json:"consensus_log,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// CondensedSummary is one node of the condensation tree. Level 1 covers raw
// messages; level L>1 references level L-1 summaries by id.
type CondensedSummary struct {
	ID                 string                 `json:"id"`
	UserID             string                 `json:"user_id"`
	Level              int                    `json:"level"`
	Content            string                 `json:"content"`
	PeriodStart        time.Time              `json:"period_start"`
	PeriodEnd          time.Time              `json:"period_end"`
	SourceMessageCount int                    `json:"source_message_count"`
	SourceWordCount    int                    `json:"source_word_count"`
	SourceSummaryIDs   []string               `json:"source_summary_ids,omitempty"`
	ConsensusLog       map[string]interface{} `json:"consensus_log,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}

// Covers reports whether this summary's period fully contains other's.
func (s *CondensedSummary) Covers(other *CondensedSummary) bool {
	return !s.PeriodStart.After(other.PeriodStart) && !s.PeriodEnd.Before(other.PeriodEnd)
}

// Severity levels a reviewer may attach to a concern.
const (
	SeverityMinor    = "minor"
	SeverityModerate = "moderate"
	SeverityCritical = "critical"
)

// ReviewConcern is one objection raised during cross-review.
type ReviewConcern struct {
	Issue    string `json:"issue"`
	Severity string `json:"severity"`
}

// Review is a reviewer model's verdict on the other model's output.
type Review struct {
	Approved  bool            `json:"approved"`
	Strengths []string        `json:"strengths"`
	Concerns  []ReviewConcern `json:"concerns"`
	Reasoning string          `json:"reasoning"`
}

// ConsensusRound records one generate/cross-review iteration.
type ConsensusRound struct {
	Round     int       `json:"round"`
	OutputA   string    `json:"output_a"`
	OutputB   string    `json:"output_b"`
	ReviewAB  Review    `json:"review_a_of_b"`
	ReviewBA  Review    `json:"review_b_of_a"`
	Reached   bool      `json:"reached"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsensusResult is the outcome of a full consensus run.
type ConsensusResult struct {
	FinalOutput    string                 `json:"final_output"`
	Reached        bool                   `json:"consensus_reached"`
	Rounds         []ConsensusRound       `json:"rounds"`
	ModelA         string                 `json:"model_a"`
	ModelB         string                 `json:"model_b"`
	StabilityScore float64                `json:"stability_score"`
	CriticalFlags  []string               `json:"critical_flags,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

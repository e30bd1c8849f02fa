package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aurelian-labs/aurelius/pkg/condensation"
	"github.com/aurelian-labs/aurelius/pkg/config"
	"github.com/aurelian-labs/aurelius/pkg/consensus"
	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/memory"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
	"github.com/aurelian-labs/aurelius/pkg/store"
)

// criticalConstructs are flagged when profile reviewers disagree on them.
var criticalConstructs = []string{"attachment patterns", "defense mechanisms", "core beliefs"}

// analysisFallbackMessages bounds the raw-message fallback when no
// summaries exist yet.
const analysisFallbackMessages = 50

// keyedMutex hands out one mutex per key. Keys are never evicted; the
// population is bounded by active users and sessions.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	return lock
}

// TurnResult is what a conversational turn returns to the caller.
type TurnResult struct {
	ReplyText string `json:"reply_text"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// AnalysisResult reports one analysis run.
type AnalysisResult struct {
	Skipped           bool             `json:"skipped"`
	SessionsSince     int              `json:"sessions_since"`
	Threshold         int              `json:"threshold"`
	ProcessedMessages int              `json:"processed_messages"`
	Condensed         bool             `json:"condensed"`
	Profile           *schemas.Profile `json:"profile,omitempty"`
}

// AnalysisStatus describes whether an analysis is due.
type AnalysisStatus struct {
	SessionsSince  int  `json:"sessions_since"`
	Threshold      int  `json:"threshold"`
	Due            bool `json:"due"`
	ProfileVersion int  `json:"profile_version"`
}

// Orchestrator coordinates a full turn: retrieval, generation, guarding,
// persistence, and the background condensation/profile work.
type Orchestrator struct {
	store     store.Store
	brain     *Brain
	retriever *memory.Retriever
	builder   *memory.Builder
	condenser *condensation.Engine
	semantic  *memory.Semantic
	episodic  *memory.Episodic
	protocol  *consensus.Engine
	cfg       config.Consensus
	logger    *slog.Logger

	sessions keyedMutex
	users    keyedMutex
	bg       sync.WaitGroup

	// Background work runs detached from the request context; tests
	// disable it to keep turns synchronous.
	backgroundEnabled bool
}

// NewOrchestrator wires the turn pipeline.
func NewOrchestrator(st store.Store, brain *Brain, retriever *memory.Retriever, builder *memory.Builder, condenser *condensation.Engine, semantic *memory.Semantic, episodic *memory.Episodic, protocol *consensus.Engine, cfg config.Consensus, logger *slog.Logger) (*Orchestrator, error) {
	if st == nil || brain == nil || retriever == nil || builder == nil || condenser == nil {
		return nil, fault.New(fault.KindConfig, "orchestrator is missing a dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:             st,
		brain:             brain,
		retriever:         retriever,
		builder:           builder,
		condenser:         condenser,
		semantic:          semantic,
		episodic:          episodic,
		protocol:          protocol,
		cfg:               cfg,
		logger:            logger,
		backgroundEnabled: true,
	}, nil
}

// Respond runs one conversational turn. sessionID may be empty, in which
// case a new session is created. Turns within a session are serialized.
func (o *Orchestrator) Respond(ctx context.Context, userID, sessionID, text string) (*TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fault.New(fault.KindParse, "message text is empty")
	}

	if _, err := o.store.GetOrCreateUser(ctx, userID); err != nil {
		return nil, err
	}

	var session *schemas.Session
	var err error
	if sessionID == "" {
		session, err = o.store.CreateSession(ctx, userID, nil)
	} else {
		session, err = o.store.GetSession(ctx, sessionID)
		if err == nil && session.UserID != userID {
			err = fault.New(fault.KindNotFound, "session %s not found for user", sessionID)
		}
	}
	if err != nil {
		return nil, err
	}

	lock := o.sessions.get(session.ID)
	lock.Lock()
	defer lock.Unlock()

	// Retrieval is best-effort: a degraded context still yields a turn.
	profile, err := o.builder.Profile(ctx, userID)
	if err != nil {
		o.logger.Warn("profile lookup failed", "user_id", userID, "error", err)
		profile = ""
	}
	narrative := ""
	if summaries, err := o.builder.Narrative(ctx, userID); err != nil {
		o.logger.Warn("narrative retrieval failed", "user_id", userID, "error", err)
	} else {
		narrative = memory.FormatNarrative(summaries)
	}
	rc, err := o.retriever.Retrieve(ctx, userID, session.ID, text)
	if err != nil {
		o.logger.Warn("retrieval failed", "user_id", userID, "error", err)
		rc = &memory.RetrievalContext{}
	}

	reply, err := o.brain.Respond(ctx, text, rc, profile, narrative)
	if err != nil {
		return nil, err
	}

	// Message persistence is the one fatal step of the turn.
	userMsg := &schemas.Message{SessionID: session.ID, Role: schemas.RoleUser, Content: text}
	if err := o.store.SaveMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	update := reply.PsychUpdate
	agentMsg := &schemas.Message{
		SessionID:   session.ID,
		Role:        schemas.RoleAgent,
		Content:     reply.Text,
		PsychUpdate: &update,
	}
	if err := o.store.SaveMessage(ctx, agentMsg); err != nil {
		return nil, err
	}

	if o.semantic != nil {
		if _, err := o.semantic.StoreAssertions(ctx, userID, agentMsg.ID, update.SemanticAssertions); err != nil {
			o.logger.Warn("failed to store assertions", "user_id", userID, "error", err)
		}
	}
	if o.episodic != nil {
		if err := o.episodic.StoreTurn(ctx, userID, session.ID, agentMsg.ID, text, reply.Text); err != nil {
			o.logger.Warn("failed to store episodic turn", "user_id", userID, "error", err)
		}
	}

	if o.backgroundEnabled {
		o.bg.Add(1)
		go func(bgCtx context.Context) {
			defer o.bg.Done()
			o.postTurn(bgCtx, userID)
		}(context.WithoutCancel(ctx))
	} else {
		o.postTurn(ctx, userID)
	}

	return &TurnResult{
		ReplyText: reply.Text,
		SessionID: session.ID,
		MessageID: agentMsg.ID,
	}, nil
}

// postTurn runs condensation and, when due, a profile refresh. Serialized
// per user; all failures are logged and swallowed.
func (o *Orchestrator) postTurn(ctx context.Context, userID string) {
	lock := o.users.get(userID)
	lock.Lock()
	defer lock.Unlock()

	produced, err := o.condenser.MaybeCondense(ctx, userID)
	if err != nil {
		o.logger.Warn("background condensation failed", "user_id", userID, "error", err)
		return
	}
	if !produced {
		return
	}

	due, err := o.profileRefreshDue(ctx, userID)
	if err != nil {
		o.logger.Warn("profile refresh check failed", "user_id", userID, "error", err)
		return
	}
	if !due {
		return
	}
	if _, err := o.synthesizeProfile(ctx, userID); err != nil {
		o.logger.Warn("background profile synthesis failed", "user_id", userID, "error", err)
	}
}

// profileRefreshDue requires at least MinSummariesForProfile summaries
// overall and two produced since the latest profile.
func (o *Orchestrator) profileRefreshDue(ctx context.Context, userID string) (bool, error) {
	summaries, err := o.store.ListSummaries(ctx, userID, nil)
	if err != nil {
		return false, err
	}
	minSummaries := o.cfg.MinSummariesForProfile
	if minSummaries <= 0 {
		minSummaries = 3
	}
	if len(summaries) < minSummaries {
		return false, nil
	}

	latest, err := o.store.LatestProfile(ctx, userID)
	if err != nil {
		if fault.Is(err, fault.KindNotFound) {
			return true, nil
		}
		return false, err
	}

	newSince := 0
	for _, s := range summaries {
		if s.CreatedAt.After(latest.CreatedAt) {
			newSince++
		}
	}
	return newSince >= 2, nil
}

// Analyze runs the on-demand analysis path: semantic extraction, a
// condensation pass, then consensus profile synthesis. Unless forced, it
// is skipped until enough sessions have accumulated since the last
// profile.
func (o *Orchestrator) Analyze(ctx context.Context, userID string, force bool) (*AnalysisResult, error) {
	if _, err := o.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	lock := o.users.get(userID)
	lock.Lock()
	defer lock.Unlock()

	sessionsSince, err := o.store.CountSessionsSinceLastProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	threshold := o.cfg.SessionsBetweenAnalysis
	result := &AnalysisResult{SessionsSince: sessionsSince, Threshold: threshold}

	if !force && sessionsSince < threshold {
		result.Skipped = true
		return result, nil
	}

	if o.semantic != nil {
		processed, err := o.semantic.ProcessUnprocessedMessages(ctx, userID)
		if err != nil {
			return nil, err
		}
		result.ProcessedMessages = processed
	}

	condensed, err := o.condenser.MaybeCondense(ctx, userID)
	if err != nil {
		o.logger.Warn("condensation during analysis failed", "user_id", userID, "error", err)
	}
	result.Condensed = condensed

	profile, err := o.synthesizeProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	result.Profile = profile
	return result, nil
}

// Status reports whether an analysis is due without running one.
func (o *Orchestrator) Status(ctx context.Context, userID string) (*AnalysisStatus, error) {
	sessionsSince, err := o.store.CountSessionsSinceLastProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	status := &AnalysisStatus{
		SessionsSince: sessionsSince,
		Threshold:     o.cfg.SessionsBetweenAnalysis,
		Due:           sessionsSince >= o.cfg.SessionsBetweenAnalysis,
	}
	if profile, err := o.store.LatestProfile(ctx, userID); err == nil {
		status.ProfileVersion = profile.Version
	} else if !fault.Is(err, fault.KindNotFound) {
		return nil, err
	}
	return status, nil
}

// Wait blocks until background work finishes. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// synthesizeProfile runs the consensus protocol over the condensed
// history and persists the resulting profile version.
func (o *Orchestrator) synthesizeProfile(ctx context.Context, userID string) (*schemas.Profile, error) {
	if o.protocol == nil {
		return nil, fault.New(fault.KindConfig, "consensus protocol is not configured")
	}

	history, err := o.condensedHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	if history == "" {
		return nil, fault.New(fault.KindNotFound, "no conversation history to analyze")
	}

	insightsText := "None"
	if insights, err := o.store.ListInsights(ctx, userID); err == nil && len(insights) > 0 {
		lines := make([]string, 0, len(insights))
		for _, insight := range insights {
			lines = append(lines, fmt.Sprintf("- %s (confidence: %.2f)", insight.Text, insight.Confidence))
		}
		insightsText = strings.Join(lines, "\n")
	}

	sessionsSince, err := o.store.CountSessionsSinceLastProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	consensusResult, err := o.protocol.Run(ctx, consensus.Request{
		PromptName: "profile_synthesis",
		Variables: map[string]string{
			"condensed_history": history,
			"insights":          insightsText,
			"session_count":     strconv.Itoa(sessionsSince),
			"source_data":       history,
		},
		CriticalConstructs: criticalConstructs,
		UseModelAOnFailure: o.cfg.UseModelAOnFailure,
	})
	if err != nil {
		return nil, err
	}

	profile, err := o.store.SaveProfile(ctx, userID, consensusResult.FinalOutput, consensus.LogSummary(consensusResult))
	if err != nil {
		return nil, err
	}
	o.logger.Info("profile synthesized",
		"user_id", userID, "version", profile.Version,
		"consensus_reached", consensusResult.Reached,
		"stability_score", consensusResult.StabilityScore)
	return profile, nil
}

// condensedHistory prefers the summary tree and falls back to recent raw
// messages for users who have never been condensed.
func (o *Orchestrator) condensedHistory(ctx context.Context, userID string) (string, error) {
	summaries, err := o.store.ListSummaries(ctx, userID, nil)
	if err != nil {
		return "", err
	}
	if len(summaries) > 0 {
		sort.Slice(summaries, func(i, j int) bool {
			return summaries[i].PeriodStart.Before(summaries[j].PeriodStart)
		})
		parts := make([]string, 0, len(summaries))
		for _, s := range summaries {
			parts = append(parts, fmt.Sprintf("### Period: %s to %s (Level %d, %d messages, %d words)\n%s",
				s.PeriodStart.Format("2006-01-02"), s.PeriodEnd.Format("2006-01-02"),
				s.Level, s.SourceMessageCount, s.SourceWordCount, s.Content))
		}
		return strings.Join(parts, "\n\n"), nil
	}

	recent, err := o.store.RecentMessages(ctx, userID, analysisFallbackMessages)
	if err != nil {
		return "", err
	}
	if len(recent) == 0 {
		return "", nil
	}
	return condensation.FormatMessages(recent), nil
}

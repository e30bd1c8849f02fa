package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), "sqlite:///"+path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		driver  string
		dialect string
		wantErr bool
	}{
		{"sqlite relative", "sqlite:///data/app.db", "sqlite3", "sqlite", false},
		{"sqlite absolute", "sqlite:////var/app.db", "sqlite3", "sqlite", false},
		{"postgres", "postgres://localhost/aurelius", "postgres", "postgres", false},
		{"postgresql", "postgresql://localhost/aurelius", "postgres", "postgres", false},
		{"mysql rejected", "mysql://localhost/db", "", "", true},
		{"empty sqlite path", "sqlite:///", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := ParseURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.driver, backend.Driver)
			assert.Equal(t, tt.dialect, backend.Dialect)
		})
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	url := "sqlite:///" + path

	s1, err := Open(context.Background(), url)
	require.NoError(t, err)
	s1.Close()

	// Reopening reruns migrate against the populated ledger.
	s2, err := Open(context.Background(), url)
	require.NoError(t, err)
	s2.Close()
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "u1", "Marcus")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Marcus", got.Name)

	require.NoError(t, s.UpdateUserName(ctx, "u1", "Aurelius"))
	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Aurelius", got.Name)

	_, err = s.GetUser(ctx, "missing")
	assert.True(t, fault.Is(err, fault.KindNotFound))

	// get-or-create: existing returns as-is, new creates
	existing, err := s.GetOrCreateUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Aurelius", existing.Name)

	created, err := s.GetOrCreateUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", created.ID)
}

func TestSessionsAndMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "u1", "")
	require.NoError(t, err)

	sess, err := s.CreateSession(ctx, "u1", map[string]string{"source": "cli"})
	require.NoError(t, err)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "cli", got.Metadata["source"])

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		msg := &schemas.Message{
			SessionID: sess.ID,
			Role:      schemas.RoleUser,
			Content:   "hello",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.SaveMessage(ctx, msg))
	}

	messages, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.True(t, messages[0].CreatedAt.Before(messages[2].CreatedAt))

	infos, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 3, infos[0].MessageCount)

	latest, err := s.LatestSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, latest.ID)
}

func TestMessageRangeAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "u1", "")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, "u1", nil)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.SaveMessage(ctx, &schemas.Message{
			SessionID: sess.ID,
			Role:      schemas.RoleUser,
			Content:   "msg",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	// (start, end] half-open range
	got, err := s.ListMessagesInRange(ctx, "u1", base.Add(2*time.Hour), base.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 3)

	recent, err := s.RecentMessages(ctx, "u1", 4)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	// chronological order, ending at the newest
	assert.Equal(t, base.Add(9*time.Hour), recent[3].CreatedAt.UTC())
	assert.True(t, recent[0].CreatedAt.Before(recent[3].CreatedAt))
}

func TestUnprocessedMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "u1", "")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, "u1", nil)
	require.NoError(t, err)

	plain := &schemas.Message{SessionID: sess.ID, Role: schemas.RoleUser, Content: "no update"}
	require.NoError(t, s.SaveMessage(ctx, plain))

	withUpdate := &schemas.Message{
		SessionID: sess.ID,
		Role:      schemas.RoleAgent,
		Content:   "reply",
		PsychUpdate: &schemas.PsychUpdate{
			EmotionalState: "anxious",
			SemanticAssertions: []schemas.SemanticAssertion{
				{Text: "fears failure", Confidence: 0.8},
			},
		},
	}
	require.NoError(t, s.SaveMessage(ctx, withUpdate))

	pending, err := s.ListUnprocessedMessages(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, withUpdate.ID, pending[0].ID)
	require.NotNil(t, pending[0].PsychUpdate)
	assert.Equal(t, "anxious", pending[0].PsychUpdate.EmotionalState)

	require.NoError(t, s.MarkMessageProcessed(ctx, withUpdate.ID, time.Now().UTC()))

	pending, err = s.ListUnprocessedMessages(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProfileVersionsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "u1", "")
	require.NoError(t, err)

	_, err = s.LatestProfile(ctx, "u1")
	assert.True(t, fault.Is(err, fault.KindNotFound))

	p1, err := s.SaveProfile(ctx, "u1", "first profile", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, p1.Version)

	p2, err := s.SaveProfile(ctx, "u1", "second profile", map[string]interface{}{"rounds": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, p2.Version)

	latest, err := s.LatestProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "second profile", latest.Content)
	assert.EqualValues(t, 2, latest.ConsensusLog["rounds"])
}

func TestCountSessionsSinceLastProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "u1", "")
	require.NoError(t, err)

	_, err = s.CreateSession(ctx, "u1", nil)
	require.NoError(t, err)

	// no profile yet: all sessions count
	count, err := s.CountSessionsSinceLastProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = s.SaveProfile(ctx, "u1", "profile", nil)
	require.NoError(t, err)

	count, err = s.CountSessionsSinceLastProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "u1", "")
	require.NoError(t, err)

	d := func(day int) time.Time {
		return time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC)
	}

	l1a := &schemas.CondensedSummary{
		UserID: "u1", Level: 1, Content: "week one",
		PeriodStart: d(1), PeriodEnd: d(7),
		SourceMessageCount: 40, SourceWordCount: 2000,
	}
	l1b := &schemas.CondensedSummary{
		UserID: "u1", Level: 1, Content: "week two",
		PeriodStart: d(8), PeriodEnd: d(14),
		SourceMessageCount: 35, SourceWordCount: 1800,
	}
	require.NoError(t, s.SaveSummary(ctx, l1b))
	require.NoError(t, s.SaveSummary(ctx, l1a))

	l2 := &schemas.CondensedSummary{
		UserID: "u1", Level: 2, Content: "first fortnight",
		PeriodStart: d(1), PeriodEnd: d(14),
		SourceMessageCount: 75, SourceWordCount: 3800,
		SourceSummaryIDs: []string{l1a.ID, l1b.ID},
	}
	require.NoError(t, s.SaveSummary(ctx, l2))

	all, err := s.ListSummaries(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// ordered by period_start
	assert.Equal(t, d(1), all[0].PeriodStart.UTC())

	level1 := 1
	l1s, err := s.ListSummaries(ctx, "u1", &level1)
	require.NoError(t, err)
	require.Len(t, l1s, 2)
	assert.Equal(t, "week one", l1s[0].Content)

	level2 := 2
	l2s, err := s.ListSummaries(ctx, "u1", &level2)
	require.NoError(t, err)
	require.Len(t, l2s, 1)
	assert.Equal(t, []string{l1a.ID, l1b.ID}, l2s[0].SourceSummaryIDs)
}

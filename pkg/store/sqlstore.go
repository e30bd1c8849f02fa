package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
)

const queryTimeout = 30 * time.Second

// SQLStore implements Store over database/sql for sqlite and postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// Open connects to the database named by url, verifies the connection and
// runs pending migrations.
func Open(ctx context.Context, url string) (*SQLStore, error) {
	backend, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(backend.Driver, backend.DSN)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindConfig, "failed to open database")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fault.Wrap(err, fault.KindConfig, "failed to connect to database")
	}

	if err := migrate(ctx, db, backend.Dialect); err != nil {
		db.Close()
		return nil, fault.Wrap(err, fault.KindConfig, "failed to migrate schema")
	}

	return &SQLStore{db: db, dialect: backend.Dialect}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders to $N for postgres.
func (s *SQLStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(err, fault.KindInternal, "failed to begin transaction")
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if ctx.Err() != nil {
			return fault.Wrap(ctx.Err(), fault.KindCancelled, "transaction cancelled")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(err, fault.KindInternal, "failed to commit transaction")
	}
	return nil
}

func marshalJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fault.Wrap(err, fault.KindInternal, "failed to marshal json column")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// ----------------------------------------------------------------------------
// Users
// ----------------------------------------------------------------------------

func (s *SQLStore) CreateUser(ctx context.Context, id, name string) (*schemas.User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if id == "" {
		id = uuid.NewString()
	}
	user := &schemas.User{ID: id, Name: name, CreatedAt: time.Now().UTC()}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)`),
			user.ID, nullString(user.Name), user.CreatedAt,
		)
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "failed to insert user")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*schemas.User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, name, created_at FROM users WHERE id = ?`), id)

	var user schemas.User
	var name sql.NullString
	if err := row.Scan(&user.ID, &name, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.KindNotFound, "user %s not found", id)
		}
		return nil, fault.Wrap(err, fault.KindInternal, "failed to query user")
	}
	user.Name = name.String
	return &user, nil
}

func (s *SQLStore) GetOrCreateUser(ctx context.Context, id string) (*schemas.User, error) {
	user, err := s.GetUser(ctx, id)
	if err == nil {
		return user, nil
	}
	if !fault.Is(err, fault.KindNotFound) {
		return nil, err
	}
	return s.CreateUser(ctx, id, "")
}

func (s *SQLStore) UpdateUserName(ctx context.Context, id, name string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			s.q(`UPDATE users SET name = ? WHERE id = ?`), name, id)
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "failed to update user name")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "failed to check update result")
		}
		if affected == 0 {
			return fault.New(fault.KindNotFound, "user %s not found", id)
		}
		return nil
	})
}

// ----------------------------------------------------------------------------
// Sessions
// ----------------------------------------------------------------------------

func (s *SQLStore) CreateSession(ctx context.Context, userID string, metadata map[string]string) (*schemas.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	session := &schemas.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	metaJSON, err := marshalJSON(metadataOrNil(metadata))
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO sessions (id, user_id, metadata, created_at) VALUES (?, ?, ?, ?)`),
			session.ID, session.UserID, metaJSON, session.CreatedAt,
		)
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "failed to insert session")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func metadataOrNil(m map[string]string) interface{} {
	if len(m) == 0 {
		return nil
	}
	return m
}

func (s *SQLStore) scanSession(row interface{ Scan(...interface{}) error }) (*schemas.Session, error) {
	var session schemas.Session
	var metaJSON sql.NullString
	if err := row.Scan(&session.ID, &session.UserID, &metaJSON, &session.CreatedAt); err != nil {
		return nil, err
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &session.Metadata); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "corrupt session metadata")
		}
	}
	return &session, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*schemas.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, user_id, metadata, created_at FROM sessions WHERE id = ?`), id)

	session, err := s.scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.KindNotFound, "session %s not found", id)
		}
		return nil, fault.Wrap(err, fault.KindInternal, "failed to query session")
	}
	return session, nil
}

func (s *SQLStore) LatestSession(ctx context.Context, userID string) (*schemas.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, user_id, metadata, created_at FROM sessions
WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`), userID)

	session, err := s.scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.KindNotFound, "no sessions for user %s", userID)
		}
		return nil, fault.Wrap(err, fault.KindInternal, "failed to query latest session")
	}
	return session, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, userID string) ([]schemas.SessionInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT s.id, s.user_id, s.metadata, s.created_at, COUNT(m.id)
FROM sessions s
LEFT JOIN messages m ON m.session_id = s.id
WHERE s.user_id = ?
GROUP BY s.id, s.user_id, s.metadata, s.created_at
ORDER BY s.created_at DESC`), userID)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "failed to list sessions")
	}
	defer rows.Close()

	var infos []schemas.SessionInfo
	for rows.Next() {
		var info schemas.SessionInfo
		var metaJSON sql.NullString
		if err := rows.Scan(&info.ID, &info.UserID, &metaJSON, &info.CreatedAt, &info.MessageCount); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "failed to scan session")
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &info.Metadata); err != nil {
				return nil, fault.Wrap(err, fault.KindInternal, "corrupt session metadata")
			}
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLStore) CountSessionsSinceLastProfile(ctx context.Context, userID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	profile, err := s.LatestProfile(ctx, userID)
	if err != nil && !fault.Is(err, fault.KindNotFound) {
		return 0, err
	}

	query := `SELECT COUNT(*) FROM sessions WHERE user_id = ?`
	args := []interface{}{userID}
	if profile != nil {
		query += ` AND created_at > ?`
		args = append(args, profile.CreatedAt)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&count); err != nil {
		return 0, fault.Wrap(err, fault.KindInternal, "failed to count sessions")
	}
	return count, nil
}

// ----------------------------------------------------------------------------
// Messages
// ----------------------------------------------------------------------------

func (s *SQLStore) SaveMessage(ctx context.Context, msg *schemas.Message) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	psychJSON, err := marshalJSON(psychOrNil(msg.PsychUpdate))
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO messages (id, session_id, role, content, psych_update, semantic_processed_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
			msg.ID, msg.SessionID, msg.Role, msg.Content, psychJSON,
			nullTime(msg.SemanticProcessedAt), msg.CreatedAt,
		)
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "failed to insert message")
		}
		return nil
	})
}

func psychOrNil(p *schemas.PsychUpdate) interface{} {
	if p == nil {
		return nil
	}
	return p
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

const messageColumns = `id, session_id, role, content, psych_update, semantic_processed_at, created_at`

func scanMessage(rows *sql.Rows) (*schemas.Message, error) {
	var msg schemas.Message
	var psychJSON sql.NullString
	var processedAt sql.NullTime
	if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &psychJSON, &processedAt, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if psychJSON.Valid && psychJSON.String != "" {
		var p schemas.PsychUpdate
		if err := json.Unmarshal([]byte(psychJSON.String), &p); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "corrupt psych_update")
		}
		msg.PsychUpdate = &p
	}
	if processedAt.Valid {
		t := processedAt.Time
		msg.SemanticProcessedAt = &t
	}
	return &msg, nil
}

func (s *SQLStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]schemas.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "failed to query messages")
	}
	defer rows.Close()

	var messages []schemas.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "failed to scan message")
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]schemas.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.queryMessages(ctx, `
SELECT `+messageColumns+` FROM messages
WHERE session_id = ?
ORDER BY created_at ASC, id ASC`, sessionID)
}

func (s *SQLStore) ListMessagesInRange(ctx context.Context, userID string, start, end time.Time) ([]schemas.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.queryMessages(ctx, `
SELECT m.id, m.session_id, m.role, m.content, m.psych_update, m.semantic_processed_at, m.created_at
FROM messages m
JOIN sessions s ON s.id = m.session_id
WHERE s.user_id = ? AND m.created_at > ? AND m.created_at <= ?
ORDER BY m.created_at ASC, m.id ASC`, userID, start, end)
}

func (s *SQLStore) RecentMessages(ctx context.Context, userID string, limit int) ([]schemas.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	messages, err := s.queryMessages(ctx, `
SELECT m.id, m.session_id, m.role, m.content, m.psych_update, m.semantic_processed_at, m.created_at
FROM messages m
JOIN sessions s ON s.id = m.session_id
WHERE s.user_id = ?
ORDER BY m.created_at DESC, m.id DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}

	// Flip back to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLStore) ListUnprocessedMessages(ctx context.Context, userID string) ([]schemas.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.queryMessages(ctx, `
SELECT m.id, m.session_id, m.role, m.content, m.psych_update, m.semantic_processed_at, m.created_at
FROM messages m
JOIN sessions s ON s.id = m.session_id
WHERE s.user_id = ? AND m.psych_update IS NOT NULL AND m.semantic_processed_at IS NULL
ORDER BY m.created_at ASC, m.id ASC`, userID)
}

func (s *SQLStore) MarkMessageProcessed(ctx context.Context, messageID string, at time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			s.q(`UPDATE messages SET semantic_processed_at = ? WHERE id = ?`), at, messageID)
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "failed to mark message processed")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "failed to check update result")
		}
		if affected == 0 {
			return fault.New(fault.KindNotFound, "message %s not found", messageID)
		}
		return nil
	})
}

// ----------------------------------------------------------------------------
// Insights
// ----------------------------------------------------------------------------

func (s *SQLStore) SaveInsight(ctx context.Context, insight *schemas.SemanticInsight) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if insight.ID == "" {
		insight.ID = uuid.NewString()
	}
	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = time.Now().UTC()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO semantic_insights (id, user_id, source_message_id, text, confidence, created_at)
VALUES (?, ?, ?, ?, ?, ?)`),
			insight.ID, insight.UserID, insight.SourceMessageID,
			insight.Text, insight.Confidence, insight.CreatedAt,
		)
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "failed to insert insight")
		}
		return nil
	})
}

func (s *SQLStore) ListInsights(ctx context.Context, userID string) ([]schemas.SemanticInsight, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, user_id, source_message_id, text, confidence, created_at
FROM semantic_insights
WHERE user_id = ?
ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "failed to list insights")
	}
	defer rows.Close()

	var insights []schemas.SemanticInsight
	for rows.Next() {
		var insight schemas.SemanticInsight
		if err := rows.Scan(&insight.ID, &insight.UserID, &insight.SourceMessageID,
			&insight.Text, &insight.Confidence, &insight.CreatedAt); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "failed to scan insight")
		}
		insights = append(insights, insight)
	}
	return insights, rows.Err()
}

// ----------------------------------------------------------------------------
// Profiles
// ----------------------------------------------------------------------------

// SaveProfile assigns the next version inside the insert transaction, so
// versions stay dense and unique per user even under concurrent writers.
func (s *SQLStore) SaveProfile(ctx context.Context, userID, content string, consensusLog map[string]interface{}) (*schemas.Profile, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	logJSON, err := marshalJSON(mapOrNil(consensusLog))
	if err != nil {
		return nil, err
	}

	profile := &schemas.Profile{
		ID:           uuid.NewString(),
		UserID:       userID,
		Content:      content,
		ConsensusLog: consensusLog,
		CreatedAt:    time.Now().UTC(),
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var maxVersion int
		err := tx.QueryRowContext(ctx,
			s.q(`SELECT COALESCE(MAX(version), 0) FROM profiles WHERE user_id = ?`),
			userID).Scan(&maxVersion)
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "failed to read profile version")
		}
		profile.Version = maxVersion + 1

		_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO profiles (id, user_id, version, content, consensus_log, created_at)
VALUES (?, ?, ?, ?, ?, ?)`),
			profile.ID, profile.UserID, profile.Version,
			profile.Content, logJSON, profile.CreatedAt,
		)
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "failed to insert profile")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func mapOrNil(m map[string]interface{}) interface{} {
	if len(m) == 0 {
		return nil
	}
	return m
}

func (s *SQLStore) LatestProfile(ctx context.Context, userID string) (*schemas.Profile, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.q(`
SELECT id, user_id, version, content, consensus_log, created_at
FROM profiles
WHERE user_id = ?
ORDER BY version DESC LIMIT 1`), userID)

	var profile schemas.Profile
	var logJSON sql.NullString
	err := row.Scan(&profile.ID, &profile.UserID, &profile.Version,
		&profile.Content, &logJSON, &profile.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.KindNotFound, "no profile for user %s", userID)
		}
		return nil, fault.Wrap(err, fault.KindInternal, "failed to query profile")
	}
	if logJSON.Valid && logJSON.String != "" {
		if err := json.Unmarshal([]byte(logJSON.String), &profile.ConsensusLog); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "corrupt consensus_log")
		}
	}
	return &profile, nil
}

// ----------------------------------------------------------------------------
// Condensed summaries
// ----------------------------------------------------------------------------

func (s *SQLStore) SaveSummary(ctx context.Context, summary *schemas.CondensedSummary) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}

	idsJSON, err := marshalJSON(sliceOrNil(summary.SourceSummaryIDs))
	if err != nil {
		return err
	}
	logJSON, err := marshalJSON(mapOrNil(summary.ConsensusLog))
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO condensed_summaries
(id, user_id, level, content, period_start, period_end, source_message_count, source_word_count, source_summary_ids, consensus_log, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			summary.ID, summary.UserID, summary.Level, summary.Content,
			summary.PeriodStart, summary.PeriodEnd,
			summary.SourceMessageCount, summary.SourceWordCount,
			idsJSON, logJSON, summary.CreatedAt,
		)
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "failed to insert summary")
		}
		return nil
	})
}

func sliceOrNil(s []string) interface{} {
	if len(s) == 0 {
		return nil
	}
	return s
}

func (s *SQLStore) ListSummaries(ctx context.Context, userID string, level *int) ([]schemas.CondensedSummary, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
SELECT id, user_id, level, content, period_start, period_end, source_message_count, source_word_count, source_summary_ids, consensus_log, created_at
FROM condensed_summaries
WHERE user_id = ?`
	args := []interface{}{userID}
	if level != nil {
		query += ` AND level = ?`
		args = append(args, *level)
	}
	query += ` ORDER BY period_start ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "failed to list summaries")
	}
	defer rows.Close()

	var summaries []schemas.CondensedSummary
	for rows.Next() {
		var summary schemas.CondensedSummary
		var idsJSON, logJSON sql.NullString
		err := rows.Scan(&summary.ID, &summary.UserID, &summary.Level, &summary.Content,
			&summary.PeriodStart, &summary.PeriodEnd,
			&summary.SourceMessageCount, &summary.SourceWordCount,
			&idsJSON, &logJSON, &summary.CreatedAt)
		if err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "failed to scan summary")
		}
		if idsJSON.Valid && idsJSON.String != "" {
			if err := json.Unmarshal([]byte(idsJSON.String), &summary.SourceSummaryIDs); err != nil {
				return nil, fault.Wrap(err, fault.KindInternal, "corrupt source_summary_ids")
			}
		}
		if logJSON.Valid && logJSON.String != "" {
			if err := json.Unmarshal([]byte(logJSON.String), &summary.ConsensusLog); err != nil {
				return nil, fault.Wrap(err, fault.KindInternal, "corrupt consensus_log")
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

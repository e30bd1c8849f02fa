package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one schema step. Statements run inside a transaction along
// with the ledger insert, so a failed step leaves no partial state.
type migration struct {
	version  int
	sqlite   []string
	postgres []string
}

var migrations = []migration{
	{
		version: 1,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255),
    created_at TIMESTAMP NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
			`CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    psych_update TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
			`CREATE TABLE IF NOT EXISTS semantic_insights (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    source_message_id VARCHAR(255) NOT NULL,
    text TEXT NOT NULL,
    confidence REAL NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
)`,
			`CREATE INDEX IF NOT EXISTS idx_insights_user_id ON semantic_insights(user_id)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255),
    created_at TIMESTAMP NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    metadata JSONB,
    created_at TIMESTAMP NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
			`CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    psych_update JSONB,
    created_at TIMESTAMP NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
			`CREATE TABLE IF NOT EXISTS semantic_insights (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    source_message_id VARCHAR(255) NOT NULL,
    text TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMP NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_insights_user_id ON semantic_insights(user_id)`,
		},
	},
	{
		version: 2,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS profiles (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    version INTEGER NOT NULL,
    content TEXT NOT NULL,
    consensus_log TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
    UNIQUE (user_id, version)
)`,
			`CREATE TABLE IF NOT EXISTS condensed_summaries (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    level INTEGER NOT NULL,
    content TEXT NOT NULL,
    period_start TIMESTAMP NOT NULL,
    period_end TIMESTAMP NOT NULL,
    source_message_count INTEGER NOT NULL,
    source_word_count INTEGER NOT NULL,
    source_summary_ids TEXT,
    consensus_log TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
)`,
			`CREATE INDEX IF NOT EXISTS idx_summaries_user_level ON condensed_summaries(user_id, level)`,
			`CREATE INDEX IF NOT EXISTS idx_summaries_period ON condensed_summaries(user_id, period_start)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS profiles (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    version INTEGER NOT NULL,
    content TEXT NOT NULL,
    consensus_log JSONB,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, version)
)`,
			`CREATE TABLE IF NOT EXISTS condensed_summaries (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    level INTEGER NOT NULL,
    content TEXT NOT NULL,
    period_start TIMESTAMP NOT NULL,
    period_end TIMESTAMP NOT NULL,
    source_message_count INTEGER NOT NULL,
    source_word_count INTEGER NOT NULL,
    source_summary_ids JSONB,
    consensus_log JSONB,
    created_at TIMESTAMP NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_summaries_user_level ON condensed_summaries(user_id, level)`,
			`CREATE INDEX IF NOT EXISTS idx_summaries_period ON condensed_summaries(user_id, period_start)`,
		},
	},
	{
		version: 3,
		sqlite: []string{
			`ALTER TABLE messages ADD COLUMN semantic_processed_at TIMESTAMP`,
		},
		postgres: []string{
			`ALTER TABLE messages ADD COLUMN IF NOT EXISTS semantic_processed_at TIMESTAMP`,
		},
	},
}

// migrate advances the schema to the latest version. Applied versions are
// recorded one row per version in schema_version; reruns are no-ops.
func migrate(ctx context.Context, db *sql.DB, dialect string) error {
	ledgerSQL := `CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
)`
	if _, err := db.ExecContext(ctx, ledgerSQL); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return fmt.Errorf("failed to read schema_version: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}

		statements := m.sqlite
		if dialect == "postgres" {
			statements = m.postgres
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}

		ledgerInsert := `INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`
		if dialect == "postgres" {
			ledgerInsert = `INSERT INTO schema_version (version, applied_at) VALUES ($1, $2)`
		}
		if _, err := tx.ExecContext(ctx, ledgerInsert, m.version, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

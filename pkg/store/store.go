// Package store is the relational persistence layer.
//
// Two back-ends are supported, selected by URL scheme: sqlite:///path for
// the embedded engine and postgres(ql)://... for the server engine. Call
// sites never branch on back-end.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
)

// Store is the narrow persistence contract the rest of the runtime uses.
type Store interface {
	// Users
	CreateUser(ctx context.Context, id, name string) (*schemas.User, error)
	GetUser(ctx context.Context, id string) (*schemas.User, error)
	GetOrCreateUser(ctx context.Context, id string) (*schemas.User, error)
	UpdateUserName(ctx context.Context, id, name string) error

	// Sessions
	CreateSession(ctx context.Context, userID string, metadata map[string]string) (*schemas.Session, error)
	GetSession(ctx context.Context, id string) (*schemas.Session, error)
	LatestSession(ctx context.Context, userID string) (*schemas.Session, error)
	ListSessions(ctx context.Context, userID string) ([]schemas.SessionInfo, error)
	CountSessionsSinceLastProfile(ctx context.Context, userID string) (int, error)

	// Messages
	SaveMessage(ctx context.Context, msg *schemas.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]schemas.Message, error)
	ListMessagesInRange(ctx context.Context, userID string, start, end time.Time) ([]schemas.Message, error)
	RecentMessages(ctx context.Context, userID string, limit int) ([]schemas.Message, error)
	ListUnprocessedMessages(ctx context.Context, userID string) ([]schemas.Message, error)
	MarkMessageProcessed(ctx context.Context, messageID string, at time.Time) error

	// Insights
	SaveInsight(ctx context.Context, insight *schemas.SemanticInsight) error
	ListInsights(ctx context.Context, userID string) ([]schemas.SemanticInsight, error)

	// Profiles
	SaveProfile(ctx context.Context, userID, content string, consensusLog map[string]interface{}) (*schemas.Profile, error)
	LatestProfile(ctx context.Context, userID string) (*schemas.Profile, error)

	// Condensed summaries
	SaveSummary(ctx context.Context, summary *schemas.CondensedSummary) error
	ListSummaries(ctx context.Context, userID string, level *int) ([]schemas.CondensedSummary, error)

	Close() error
}

// Backend identifies the relational engine behind a database URL.
type Backend struct {
	Driver  string // sql driver name
	Dialect string // "sqlite" or "postgres"
	DSN     string
}

// ParseURL maps a database URL onto a driver and DSN.
//
//	sqlite:///data/app.db    -> relative file path
//	sqlite:////var/app.db    -> absolute file path
//	postgres://host/db       -> passed through to lib/pq
func ParseURL(url string) (*Backend, error) {
	switch {
	case strings.HasPrefix(url, "sqlite:///"):
		path := strings.TrimPrefix(url, "sqlite:///")
		if path == "" {
			return nil, fault.New(fault.KindConfig, "sqlite URL has no path: %s", url)
		}
		return &Backend{
			Driver:  "sqlite3",
			Dialect: "sqlite",
			DSN:     path + "?_busy_timeout=5000&_foreign_keys=on",
		}, nil

	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return &Backend{
			Driver:  "postgres",
			Dialect: "postgres",
			DSN:     url,
		}, nil

	default:
		return nil, fault.New(fault.KindConfig, "unsupported database url: %s", url)
	}
}

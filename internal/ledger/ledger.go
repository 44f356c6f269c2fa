// Package ledger provides storage backends for the NudgePipe conversation ledger.
//
// The ledger is the durable, append-only record of exchanges and is the
// ground truth for eligibility and response correlation. It includes an
// in-memory store for tests and development, plus SQLite and PostgreSQL
// backends for persistent storage.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// Ledger is the query surface consumed by the eligibility, correlation, and
// orchestration components.
type Ledger interface {
	// Append stores a new conversation record. Records are never updated or deleted.
	Append(ctx context.Context, rec models.ConversationRecord) error

	// LastActivityAt returns the time of the most recent record for the user
	// whose kind differs from excludeKind. Returns nil when no such record exists.
	LastActivityAt(ctx context.Context, userID string, excludeKind models.MessageKind) (*time.Time, error)

	// LastRecordOfKind returns the most recent record of the given kind for
	// the user, or nil when none exists.
	LastRecordOfKind(ctx context.Context, userID string, kind models.MessageKind) (*models.ConversationRecord, error)

	// CountRecordsOfKind counts records of the given kind for the user,
	// restricted to records created strictly after the given time when set.
	CountRecordsOfKind(ctx context.Context, userID string, kind models.MessageKind, after *time.Time) (int, error)

	// RecentHistory returns up to limit most recent records for the user in
	// chronological order.
	RecentHistory(ctx context.Context, userID string, limit int) ([]models.ConversationRecord, error)

	// AggregateStats computes send/response counts and the response rate for the user.
	AggregateStats(ctx context.Context, userID string) (models.AggregateStats, error)

	// Close releases any underlying resources.
	Close() error
}

// Opts holds configuration options for ledger backends.
type Opts struct {
	SQLiteDSN   string
	PostgresDSN string
}

// Option defines a configuration option for ledger backends.
type Option func(*Opts)

// WithSQLiteDSN configures a SQLite-backed ledger at the given file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.SQLiteDSN = dsn }
}

// WithPostgresDSN configures a PostgreSQL-backed ledger with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.PostgresDSN = dsn }
}

// DetectDSNType determines whether a DSN refers to PostgreSQL or SQLite.
// PostgreSQL DSNs use the postgres:// scheme or key=value connection strings;
// anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// New creates a ledger backend based on the configured options. With no DSN
// configured it falls back to the in-memory store.
func New(opts ...Option) (Ledger, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	switch {
	case cfg.PostgresDSN != "":
		return NewPostgresLedger(cfg.PostgresDSN)
	case cfg.SQLiteDSN != "":
		return NewSQLiteLedger(cfg.SQLiteDSN)
	default:
		return NewInMemoryLedger(), nil
	}
}

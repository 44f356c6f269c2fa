// This file implements the PostgreSQL-backed conversation ledger.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/util"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresLedger persists conversation records in PostgreSQL.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger connects to PostgreSQL with the given DSN and applies migrations.
func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	if dsn == "" {
		slog.Error("PostgresLedger DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresLedger failed to open connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgresLedger ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresLedger failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresLedger migrations applied")

	return &PostgresLedger{db: db}, nil
}

func (s *PostgresLedger) Append(ctx context.Context, rec models.ConversationRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = util.GenerateRecordID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_records (id, user_id, channel_id, user_text, bot_text, kind, initiator, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.UserID, nilIfEmpty(rec.ChannelID), nilIfEmpty(rec.UserText), nilIfEmpty(rec.BotText),
		string(rec.Kind), string(rec.Initiator), rec.CreatedAt)
	if err != nil {
		slog.Error("PostgresLedger Append failed", "error", err, "userID", rec.UserID, "kind", rec.Kind)
		return fmt.Errorf("failed to insert conversation record: %w", err)
	}
	slog.Debug("PostgresLedger Append succeeded", "userID", rec.UserID, "kind", rec.Kind)
	return nil
}

func (s *PostgresLedger) LastActivityAt(ctx context.Context, userID string, excludeKind models.MessageKind) (*time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM conversation_records
		 WHERE user_id = $1 AND kind != $2
		 ORDER BY created_at DESC LIMIT 1`,
		userID, string(excludeKind))

	var t time.Time
	if err := row.Scan(&t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Error("PostgresLedger LastActivityAt failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query last activity: %w", err)
	}
	return &t, nil
}

func (s *PostgresLedger) LastRecordOfKind(ctx context.Context, userID string, kind models.MessageKind) (*models.ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, channel_id, user_text, bot_text, kind, initiator, created_at
		 FROM conversation_records
		 WHERE user_id = $1 AND kind = $2
		 ORDER BY created_at DESC LIMIT 1`,
		userID, string(kind))

	rec, err := scanRecordRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Error("PostgresLedger LastRecordOfKind failed", "error", err, "userID", userID, "kind", kind)
		return nil, fmt.Errorf("failed to query last record of kind: %w", err)
	}
	return &rec, nil
}

func (s *PostgresLedger) CountRecordsOfKind(ctx context.Context, userID string, kind models.MessageKind, after *time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM conversation_records WHERE user_id = $1 AND kind = $2`
	args := []interface{}{userID, string(kind)}
	if after != nil {
		query += ` AND created_at > $3`
		args = append(args, *after)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		slog.Error("PostgresLedger CountRecordsOfKind failed", "error", err, "userID", userID, "kind", kind)
		return 0, fmt.Errorf("failed to count records of kind: %w", err)
	}
	return count, nil
}

func (s *PostgresLedger) RecentHistory(ctx context.Context, userID string, limit int) ([]models.ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, channel_id, user_text, bot_text, kind, initiator, created_at
		 FROM conversation_records
		 WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		slog.Error("PostgresLedger RecentHistory query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query recent history: %w", err)
	}
	defer rows.Close()

	records, err := collectRecords(rows)
	if err != nil {
		slog.Error("PostgresLedger RecentHistory scan failed", "error", err, "userID", userID)
		return nil, err
	}
	reverseRecords(records)
	return records, nil
}

func (s *PostgresLedger) AggregateStats(ctx context.Context, userID string) (models.AggregateStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM conversation_records WHERE user_id = $1 GROUP BY kind`,
		userID)
	if err != nil {
		slog.Error("PostgresLedger AggregateStats query failed", "error", err, "userID", userID)
		return models.AggregateStats{}, fmt.Errorf("failed to query aggregate stats: %w", err)
	}
	defer rows.Close()

	return collectStats(rows)
}

// Close closes the underlying database connection.
func (s *PostgresLedger) Close() error {
	return s.db.Close()
}

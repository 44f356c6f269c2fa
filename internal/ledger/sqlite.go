// This file implements the SQLite-backed conversation ledger.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite ledger configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteLedger persists conversation records in a local SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (creating if necessary) a SQLite ledger at the given
// file path and applies migrations.
func NewSQLiteLedger(dsn string) (*SQLiteLedger, error) {
	if dsn == "" {
		slog.Error("SQLiteLedger DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteLedger failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteLedger failed to open connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLiteLedger ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteLedger failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteLedger migrations applied")

	return &SQLiteLedger{db: db}, nil
}

func (s *SQLiteLedger) Append(ctx context.Context, rec models.ConversationRecord) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, nilIfEmpty(rec.ChannelID), nilIfEmpty(rec.UserText), nilIfEmpty(rec.BotText),
		string(rec.Kind), string(rec.Initiator), rec.CreatedAt)
	if err != nil {
		slog.Error("SQLiteLedger Append failed", "error", err, "userID", rec.UserID, "kind", rec.Kind)
		return fmt.Errorf("failed to insert conversation record: %w", err)
	}
	slog.Debug("SQLiteLedger Append succeeded", "userID", rec.UserID, "kind", rec.Kind)
	return nil
}

func (s *SQLiteLedger) LastActivityAt(ctx context.Context, userID string, excludeKind models.MessageKind) (*time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM conversation_records
		 WHERE user_id = ? AND kind != ?
		 ORDER BY created_at DESC LIMIT 1`,
		userID, string(excludeKind))

	var t time.Time
	if err := row.Scan(&t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Error("SQLiteLedger LastActivityAt failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query last activity: %w", err)
	}
	return &t, nil
}

func (s *SQLiteLedger) LastRecordOfKind(ctx context.Context, userID string, kind models.MessageKind) (*models.ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, channel_id, user_text, bot_text, kind, initiator, created_at
		 FROM conversation_records
		 WHERE user_id = ? AND kind = ?
		 ORDER BY created_at DESC LIMIT 1`,
		userID, string(kind))

	rec, err := scanRecordRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Error("SQLiteLedger LastRecordOfKind failed", "error", err, "userID", userID, "kind", kind)
		return nil, fmt.Errorf("failed to query last record of kind: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteLedger) CountRecordsOfKind(ctx context.Context, userID string, kind models.MessageKind, after *time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM conversation_records WHERE user_id = ? AND kind = ?`
	args := []interface{}{userID, string(kind)}
	if after != nil {
		query += ` AND created_at > ?`
		args = append(args, *after)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		slog.Error("SQLiteLedger CountRecordsOfKind failed", "error", err, "userID", userID, "kind", kind)
		return 0, fmt.Errorf("failed to count records of kind: %w", err)
	}
	return count, nil
}

func (s *SQLiteLedger) RecentHistory(ctx context.Context, userID string, limit int) ([]models.ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, channel_id, user_text, bot_text, kind, initiator, created_at
		 FROM conversation_records
		 WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		slog.Error("SQLiteLedger RecentHistory query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query recent history: %w", err)
	}
	defer rows.Close()

	records, err := collectRecords(rows)
	if err != nil {
		slog.Error("SQLiteLedger RecentHistory scan failed", "error", err, "userID", userID)
		return nil, err
	}
	reverseRecords(records)
	return records, nil
}

func (s *SQLiteLedger) AggregateStats(ctx context.Context, userID string) (models.AggregateStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM conversation_records WHERE user_id = ? GROUP BY kind`,
		userID)
	if err != nil {
		slog.Error("SQLiteLedger AggregateStats query failed", "error", err, "userID", userID)
		return models.AggregateStats{}, fmt.Errorf("failed to query aggregate stats: %w", err)
	}
	defer rows.Close()

	return collectStats(rows)
}

// Close closes the underlying database connection.
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

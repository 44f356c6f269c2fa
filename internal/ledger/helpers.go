package ledger

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanRecordRow scans a ConversationRecord from a single sql.Row.
func scanRecordRow(row *sql.Row) (models.ConversationRecord, error) {
	var rec models.ConversationRecord
	var channelID, userText, botText sql.NullString
	var kind, initiator string
	err := row.Scan(&rec.ID, &rec.UserID, &channelID, &userText, &botText, &kind, &initiator, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	rec.ChannelID = channelID.String
	rec.UserText = userText.String
	rec.BotText = botText.String
	rec.Kind = models.MessageKind(kind)
	rec.Initiator = models.Initiator(initiator)
	return rec, nil
}

// collectRecords scans all ConversationRecords from sql.Rows.
func collectRecords(rows *sql.Rows) ([]models.ConversationRecord, error) {
	var records []models.ConversationRecord
	for rows.Next() {
		var rec models.ConversationRecord
		var channelID, userText, botText sql.NullString
		var kind, initiator string
		if err := rows.Scan(&rec.ID, &rec.UserID, &channelID, &userText, &botText, &kind, &initiator, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation record: %w", err)
		}
		rec.ChannelID = channelID.String
		rec.UserText = userText.String
		rec.BotText = botText.String
		rec.Kind = models.MessageKind(kind)
		rec.Initiator = models.Initiator(initiator)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation records: %w", err)
	}
	return records, nil
}

// collectStats folds per-kind counts into AggregateStats.
func collectStats(rows *sql.Rows) (models.AggregateStats, error) {
	var stats models.AggregateStats
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return stats, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.TotalRecords += count
		switch models.MessageKind(kind) {
		case models.KindProactive:
			stats.ProactiveSends += count
		case models.KindResponseToProactive:
			stats.Responses += count
		case models.KindUserInitiated:
			stats.UserInitiated += count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("failed to iterate stats rows: %w", err)
	}
	if stats.ProactiveSends > 0 {
		stats.ResponseRate = float64(stats.Responses) / float64(stats.ProactiveSends)
	}
	return stats, nil
}

// reverseRecords reverses a record slice in place so DESC query results come
// back in chronological order.
func reverseRecords(records []models.ConversationRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}

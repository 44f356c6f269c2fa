package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/util"
)

// InMemoryLedger is a mutex-guarded in-memory ledger used in tests and when
// no database DSN is configured.
type InMemoryLedger struct {
	mu      sync.RWMutex
	records []models.ConversationRecord
}

// NewInMemoryLedger creates an empty in-memory ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{}
}

func (s *InMemoryLedger) Append(ctx context.Context, rec models.ConversationRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = util.GenerateRecordID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemoryLedger) LastActivityAt(ctx context.Context, userID string, excludeKind models.MessageKind) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *time.Time
	for i := range s.records {
		r := &s.records[i]
		if r.UserID != userID || r.Kind == excludeKind {
			continue
		}
		if last == nil || r.CreatedAt.After(*last) {
			t := r.CreatedAt
			last = &t
		}
	}
	return last, nil
}

func (s *InMemoryLedger) LastRecordOfKind(ctx context.Context, userID string, kind models.MessageKind) (*models.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *models.ConversationRecord
	for i := range s.records {
		r := &s.records[i]
		if r.UserID != userID || r.Kind != kind {
			continue
		}
		if last == nil || r.CreatedAt.After(last.CreatedAt) {
			cp := *r
			last = &cp
		}
	}
	return last, nil
}

func (s *InMemoryLedger) CountRecordsOfKind(ctx context.Context, userID string, kind models.MessageKind, after *time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for i := range s.records {
		r := &s.records[i]
		if r.UserID != userID || r.Kind != kind {
			continue
		}
		if after != nil && !r.CreatedAt.After(*after) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *InMemoryLedger) RecentHistory(ctx context.Context, userID string, limit int) ([]models.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var history []models.ConversationRecord
	for i := range s.records {
		if s.records[i].UserID == userID {
			history = append(history, s.records[i])
		}
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

func (s *InMemoryLedger) AggregateStats(ctx context.Context, userID string) (models.AggregateStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats models.AggregateStats
	for i := range s.records {
		r := &s.records[i]
		if r.UserID != userID {
			continue
		}
		stats.TotalRecords++
		switch r.Kind {
		case models.KindProactive:
			stats.ProactiveSends++
		case models.KindResponseToProactive:
			stats.Responses++
		case models.KindUserInitiated:
			stats.UserInitiated++
		}
	}
	if stats.ProactiveSends > 0 {
		stats.ResponseRate = float64(stats.Responses) / float64(stats.ProactiveSends)
	}
	return stats, nil
}

func (s *InMemoryLedger) Close() error {
	return nil
}

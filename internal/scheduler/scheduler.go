// Package scheduler provides the periodic trigger for NudgePipe.
//
// It wraps robfig/cron with a single managed job whose schedule expression
// can be validated and swapped at runtime.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// DefaultSchedule fires at the top of every hour.
const DefaultSchedule = "0 * * * *"

// Scheduler provides cron-based job scheduling with atomic schedule swaps.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	parser  cron.Parser
	entryID cron.EntryID
	expr    string
	hasJob  bool
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c, parser: parser}
}

// SetJob validates expr and swaps the managed job onto the new schedule.
// The old trigger is removed only after the new expression parses, so an
// invalid expression leaves the current schedule running.
func (s *Scheduler) SetJob(expr string, task func()) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", models.ErrInvalidScheduleExpr, expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasJob {
		s.cron.Remove(s.entryID)
		slog.Debug("Scheduler removed previous job", "expr", s.expr)
	}

	entryID, err := s.cron.AddFunc(expr, task)
	if err != nil {
		s.hasJob = false
		return fmt.Errorf("failed to add job: %w", err)
	}
	s.entryID = entryID
	s.expr = expr
	s.hasJob = true
	slog.Info("Scheduler job scheduled", "expr", expr)
	return nil
}

// Expression returns the currently active schedule expression.
func (s *Scheduler) Expression() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("Scheduler stopped")
}

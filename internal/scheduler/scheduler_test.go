package scheduler

import (
	"errors"
	"testing"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

func TestSetJobValidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.SetJob("0 * * * *", func() {}); err != nil {
		t.Fatalf("SetJob with valid expression failed: %v", err)
	}
	if s.Expression() != "0 * * * *" {
		t.Errorf("Expression = %q, want %q", s.Expression(), "0 * * * *")
	}
}

func TestSetJobRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	err := s.SetJob("not a cron expr", func() {})
	if err == nil {
		t.Fatal("expected error for invalid expression")
	}
	if !errors.Is(err, models.ErrInvalidScheduleExpr) {
		t.Errorf("expected ErrInvalidScheduleExpr, got %v", err)
	}
}

func TestSetJobRejectsSixFieldExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	// The parser is 5-field; a seconds field must be rejected.
	if err := s.SetJob("0 0 * * * *", func() {}); err == nil {
		t.Error("expected error for 6-field expression")
	}
}

func TestSetJobKeepsScheduleOnInvalidSwap(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.SetJob("0 * * * *", func() {}); err != nil {
		t.Fatalf("initial SetJob failed: %v", err)
	}
	if err := s.SetJob("bogus", func() {}); err == nil {
		t.Fatal("expected error for invalid replacement expression")
	}
	if s.Expression() != "0 * * * *" {
		t.Errorf("invalid swap must keep previous schedule, got %q", s.Expression())
	}
}

func TestSetJobSwapsSchedule(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.SetJob("0 * * * *", func() {}); err != nil {
		t.Fatalf("initial SetJob failed: %v", err)
	}
	if err := s.SetJob("*/5 * * * *", func() {}); err != nil {
		t.Fatalf("swap SetJob failed: %v", err)
	}
	if s.Expression() != "*/5 * * * *" {
		t.Errorf("Expression = %q, want %q", s.Expression(), "*/5 * * * *")
	}
}

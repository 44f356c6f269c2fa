package correlation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/ledger"
	"github.com/BTreeMap/NudgePipe/internal/models"
)

func newTestCorrelator(store ledger.Ledger, window time.Duration, maxEntries int) *Correlator {
	return NewCorrelator(store, WithWindow(window), WithMaxEntries(maxEntries))
}

func TestClassifyResponseWithinWindow(t *testing.T) {
	c := newTestCorrelator(ledger.NewInMemoryLedger(), time.Hour, 10)
	sentAt := time.Now()
	c.startTrackingAt("user1", "m_1", sentAt)

	result := c.Classify(context.Background(), "user1", "hey!", sentAt.Add(30*time.Minute))
	if !result.IsResponse {
		t.Fatal("expected message within window to classify as response")
	}
	if result.Kind != models.ClassifiedResponse {
		t.Errorf("Kind = %q, want %q", result.Kind, models.ClassifiedResponse)
	}
	if result.ResponseLatency != 30*time.Minute {
		t.Errorf("ResponseLatency = %v, want 30m", result.ResponseLatency)
	}
	if c.Responded() != 1 {
		t.Errorf("Responded = %d, want 1", c.Responded())
	}
}

func TestClassifyAtExactWindowBoundary(t *testing.T) {
	window := time.Hour
	c := newTestCorrelator(ledger.NewInMemoryLedger(), window, 10)
	sentAt := time.Now()
	c.startTrackingAt("user1", "m_1", sentAt)

	// Exactly at the boundary still counts as a response.
	result := c.Classify(context.Background(), "user1", "hey!", sentAt.Add(window))
	if !result.IsResponse {
		t.Error("message at exact window boundary should classify as response")
	}
}

func TestClassifyColdPathAtExactWindowBoundary(t *testing.T) {
	window := time.Hour
	store := ledger.NewInMemoryLedger()
	sentAt := time.Now().Add(-window)
	appendProactive(t, store, "user1", sentAt)

	// No in-memory entry: both paths must agree at the exact boundary.
	c := newTestCorrelator(store, window, 10)
	result := c.Classify(context.Background(), "user1", "hey!", sentAt.Add(window))
	if !result.IsResponse {
		t.Error("cold-path message at exact window boundary should classify as response")
	}
	if result.Kind != models.ClassifiedResponse {
		t.Errorf("Kind = %q, want %q", result.Kind, models.ClassifiedResponse)
	}
	if result.ResponseLatency != window {
		t.Errorf("ResponseLatency = %v, want %v", result.ResponseLatency, window)
	}
}

func TestClassifyAfterWindowTimesOut(t *testing.T) {
	window := time.Hour
	c := newTestCorrelator(ledger.NewInMemoryLedger(), window, 10)
	sentAt := time.Now()
	c.startTrackingAt("user1", "m_1", sentAt)

	result := c.Classify(context.Background(), "user1", "hey!", sentAt.Add(window+time.Millisecond))
	if result.IsResponse {
		t.Error("message past window must not classify as response")
	}
	if result.Kind != models.ClassifiedTimeout {
		t.Errorf("Kind = %q, want %q", result.Kind, models.ClassifiedTimeout)
	}
	if result.Kind.MessageKind() != models.KindUserInitiated {
		t.Errorf("timeout must persist as user_initiated, got %q", result.Kind.MessageKind())
	}
	if c.TimedOut() != 1 {
		t.Errorf("TimedOut = %d, want 1", c.TimedOut())
	}
}

func TestClassifySecondMessageIsUserInitiated(t *testing.T) {
	store := ledger.NewInMemoryLedger()
	c := newTestCorrelator(store, time.Hour, 10)
	sentAt := time.Now()

	appendProactive(t, store, "user1", sentAt)
	c.startTrackingAt("user1", "m_1", sentAt)

	first := c.Classify(context.Background(), "user1", "hey!", sentAt.Add(time.Minute))
	if !first.IsResponse {
		t.Fatal("first message should be the response")
	}
	appendResponse(t, store, "user1", sentAt.Add(time.Minute))

	second := c.Classify(context.Background(), "user1", "also this", sentAt.Add(2*time.Minute))
	if second.IsResponse {
		t.Error("second message after a response must be user_initiated")
	}
	if second.Kind != models.ClassifiedUserInitiated {
		t.Errorf("Kind = %q, want %q", second.Kind, models.ClassifiedUserInitiated)
	}
}

func TestClassifyColdPathMatchesWarmPath(t *testing.T) {
	store := ledger.NewInMemoryLedger()
	sentAt := time.Now().Add(-30 * time.Minute)
	appendProactive(t, store, "user1", sentAt)

	// No in-memory entry: simulates a process restart after the send.
	c := newTestCorrelator(store, time.Hour, 10)
	result := c.Classify(context.Background(), "user1", "hey!", time.Now())
	if !result.IsResponse {
		t.Fatal("cold-path reconciliation should classify as response inside window")
	}
	if result.Kind != models.ClassifiedResponse {
		t.Errorf("Kind = %q, want %q", result.Kind, models.ClassifiedResponse)
	}
	if result.ResponseLatency <= 0 {
		t.Error("expected positive response latency from reconciliation")
	}
}

func TestClassifyColdPathOutsideWindow(t *testing.T) {
	store := ledger.NewInMemoryLedger()
	appendProactive(t, store, "user1", time.Now().Add(-2*time.Hour))

	c := newTestCorrelator(store, time.Hour, 10)
	result := c.Classify(context.Background(), "user1", "hey!", time.Now())
	if result.IsResponse {
		t.Error("cold-path message outside window must not be a response")
	}
	if result.Kind != models.ClassifiedUserInitiated {
		t.Errorf("Kind = %q, want %q", result.Kind, models.ClassifiedUserInitiated)
	}
}

func TestClassifyColdPathAlreadyResponded(t *testing.T) {
	store := ledger.NewInMemoryLedger()
	sentAt := time.Now().Add(-30 * time.Minute)
	appendProactive(t, store, "user1", sentAt)
	appendResponse(t, store, "user1", sentAt.Add(5*time.Minute))

	c := newTestCorrelator(store, time.Hour, 10)
	result := c.Classify(context.Background(), "user1", "another", time.Now())
	if result.IsResponse {
		t.Error("proactive send that already drew a response must not match again")
	}
}

func TestClassifyNoProactiveHistory(t *testing.T) {
	c := newTestCorrelator(ledger.NewInMemoryLedger(), time.Hour, 10)
	result := c.Classify(context.Background(), "user1", "hello", time.Now())
	if result.IsResponse {
		t.Error("message with no proactive history must be user_initiated")
	}
}

func TestStartTrackingOverwritesExistingEntry(t *testing.T) {
	c := newTestCorrelator(ledger.NewInMemoryLedger(), time.Hour, 10)
	now := time.Now()
	c.startTrackingAt("user1", "m_old", now.Add(-10*time.Minute))
	c.startTrackingAt("user1", "m_new", now)

	if c.TrackedCount() != 1 {
		t.Fatalf("TrackedCount = %d, want 1 (single entry per user)", c.TrackedCount())
	}
	tracked := c.CurrentlyTracked()
	if len(tracked) != 1 || tracked[0].MessageID != "m_new" {
		t.Errorf("expected newest entry to win, got %+v", tracked)
	}
}

func TestCancelTracking(t *testing.T) {
	c := newTestCorrelator(ledger.NewInMemoryLedger(), time.Hour, 10)
	c.startTrackingAt("user1", "m_1", time.Now())
	c.CancelTracking("user1")
	if c.TrackedCount() != 0 {
		t.Errorf("TrackedCount = %d after cancel, want 0", c.TrackedCount())
	}
}

func TestSweepEvictsElapsedEntries(t *testing.T) {
	window := time.Hour
	c := newTestCorrelator(ledger.NewInMemoryLedger(), window, 10)
	now := time.Now()
	c.startTrackingAt("stale", "m_1", now.Add(-2*window))
	c.startTrackingAt("fresh", "m_2", now)

	evicted := c.Sweep(now)
	if evicted != 1 {
		t.Errorf("Sweep evicted %d entries, want 1", evicted)
	}
	if c.TrackedCount() != 1 {
		t.Errorf("TrackedCount = %d after sweep, want 1", c.TrackedCount())
	}
	// The stale entry was still awaiting, so eviction counts it as timed out.
	if c.TimedOut() != 1 {
		t.Errorf("TimedOut = %d, want 1", c.TimedOut())
	}
}

func TestTrackingMapStaysBounded(t *testing.T) {
	c := newTestCorrelator(ledger.NewInMemoryLedger(), time.Hour, 5)
	now := time.Now()
	for i := 0; i < 20; i++ {
		c.startTrackingAt(fmt.Sprintf("user%d", i), fmt.Sprintf("m_%d", i), now.Add(time.Duration(i)*time.Second))
	}
	if c.TrackedCount() > 5 {
		t.Errorf("TrackedCount = %d, want <= 5", c.TrackedCount())
	}
	// The newest user must always have survived eviction.
	found := false
	for _, entry := range c.CurrentlyTracked() {
		if entry.UserID == "user19" {
			found = true
		}
	}
	if !found {
		t.Error("newest tracked user missing after bounded eviction")
	}
}

func TestCurrentlyTrackedSortedAndFlagged(t *testing.T) {
	window := time.Hour
	c := newTestCorrelator(ledger.NewInMemoryLedger(), window, 10)
	now := time.Now()
	c.startTrackingAt("near", "m_1", now.Add(-55*time.Minute))
	c.startTrackingAt("recent", "m_2", now.Add(-5*time.Minute))

	tracked := c.CurrentlyTracked()
	if len(tracked) != 2 {
		t.Fatalf("expected 2 tracked entries, got %d", len(tracked))
	}
	if tracked[0].UserID != "near" {
		t.Errorf("expected longest-elapsed entry first, got %q", tracked[0].UserID)
	}
	if !tracked[0].NearExpiry {
		t.Error("entry at 55m of a 60m window should be flagged near expiry")
	}
	if tracked[1].NearExpiry {
		t.Error("entry at 5m of a 60m window should not be flagged near expiry")
	}
}

func TestResponseRate(t *testing.T) {
	c := newTestCorrelator(ledger.NewInMemoryLedger(), time.Hour, 10)
	if c.ResponseRate() != 0 {
		t.Errorf("ResponseRate on empty correlator = %v, want 0", c.ResponseRate())
	}

	sentAt := time.Now()
	c.startTrackingAt("user1", "m_1", sentAt)
	c.Classify(context.Background(), "user1", "hi", sentAt.Add(time.Minute))

	c.startTrackingAt("user2", "m_2", sentAt.Add(-2*time.Hour))
	c.Sweep(time.Now())

	if rate := c.ResponseRate(); rate != 0.5 {
		t.Errorf("ResponseRate = %v, want 0.5", rate)
	}
}

func appendProactive(t *testing.T, store ledger.Ledger, userID string, at time.Time) {
	t.Helper()
	err := store.Append(context.Background(), models.ConversationRecord{
		UserID:    userID,
		BotText:   "checking in",
		Kind:      models.KindProactive,
		Initiator: models.InitiatorBot,
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("failed to append proactive record: %v", err)
	}
}

func appendResponse(t *testing.T, store ledger.Ledger, userID string, at time.Time) {
	t.Helper()
	err := store.Append(context.Background(), models.ConversationRecord{
		UserID:    userID,
		UserText:  "hey!",
		Kind:      models.KindResponseToProactive,
		Initiator: models.InitiatorUser,
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("failed to append response record: %v", err)
	}
}

// Package correlation attributes inbound user messages to outstanding
// proactive sends.
//
// After a successful send, a time-boxed tracking entry is opened per user.
// The next inbound message from that user is classified as a response or
// unrelated activity. When no in-memory entry exists (for example after a
// restart), classification falls back to reconciling against the conversation
// ledger, so behavior is identical whether or not the process restarted
// between the send and the response.
package correlation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/ledger"
	"github.com/BTreeMap/NudgePipe/internal/models"
)

// Default correlation configuration
const (
	// DefaultWindow is the span after a proactive send during which a user's
	// next message is attributed to it.
	DefaultWindow = 24 * time.Hour
	// DefaultMaxEntries bounds the in-memory tracking map.
	DefaultMaxEntries = 1000
	// DefaultSweepInterval is how often elapsed entries are evicted.
	DefaultSweepInterval = 10 * time.Minute
	// nearExpiryFraction flags tracked entries close to window expiry.
	nearExpiryFraction = 0.8
)

// entryState is the lifecycle state of one tracking entry.
type entryState int

const (
	stateAwaiting entryState = iota
	stateResponded
	stateTimedOut
)

// trackingEntry is the in-memory record of one outstanding proactive send.
// It is a precision optimization over the ledger; correctness never depends
// on it surviving a restart.
type trackingEntry struct {
	userID      string
	messageID   string
	sentAt      time.Time
	state       entryState
	respondedAt *time.Time
	timedOutAt  *time.Time
}

// Opts holds configuration options for the correlator.
type Opts struct {
	Window        time.Duration
	MaxEntries    int
	SweepInterval time.Duration
}

// Option defines a configuration option for the correlator.
type Option func(*Opts)

// WithWindow sets the response-tracking window.
func WithWindow(window time.Duration) Option {
	return func(o *Opts) { o.Window = window }
}

// WithMaxEntries bounds the number of concurrently tracked users.
func WithMaxEntries(max int) Option {
	return func(o *Opts) { o.MaxEntries = max }
}

// WithSweepInterval sets how often the eviction sweep runs.
func WithSweepInterval(interval time.Duration) Option {
	return func(o *Opts) { o.SweepInterval = interval }
}

// Correlator tracks outstanding proactive sends and classifies inbound
// user messages against them.
type Correlator struct {
	store ledger.Ledger
	opts  Opts

	mu      sync.Mutex
	entries map[string]*trackingEntry

	responded atomic.Int64
	timedOut  atomic.Int64

	done     chan struct{}
	stopOnce sync.Once
}

// NewCorrelator creates a correlator reconciling against the given ledger.
func NewCorrelator(store ledger.Ledger, opts ...Option) *Correlator {
	cfg := Opts{
		Window:        DefaultWindow,
		MaxEntries:    DefaultMaxEntries,
		SweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Correlator{
		store:   store,
		opts:    cfg,
		entries: make(map[string]*trackingEntry),
		done:    make(chan struct{}),
	}
}

// Start launches the periodic eviction sweep.
func (c *Correlator) Start() {
	slog.Info("Correlator starting sweep loop", "interval", c.opts.SweepInterval, "window", c.opts.Window)
	go func() {
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep(time.Now())
			case <-c.done:
				slog.Debug("Correlator sweep loop stopped")
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (c *Correlator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// StartTracking opens (or overwrites) the tracking entry for a user after a
// successful proactive send. At most one entry exists per user.
func (c *Correlator) StartTracking(userID, messageID string) {
	c.startTrackingAt(userID, messageID, time.Now())
}

func (c *Correlator) startTrackingAt(userID, messageID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[userID]; !exists && len(c.entries) >= c.opts.MaxEntries {
		// Eager sweep before admitting a new user.
		evicted := c.sweepLocked(now)
		slog.Debug("Correlator eager sweep at entry bound", "evicted", evicted, "maxEntries", c.opts.MaxEntries)
		if len(c.entries) >= c.opts.MaxEntries {
			c.evictOldestLocked()
		}
	}

	c.entries[userID] = &trackingEntry{
		userID:    userID,
		messageID: messageID,
		sentAt:    now,
		state:     stateAwaiting,
	}
	slog.Info("Correlator tracking started", "userID", userID, "messageID", messageID, "window", c.opts.Window)
}

// CancelTracking removes the tracking entry for a user immediately.
func (c *Correlator) CancelTracking(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[userID]; exists {
		delete(c.entries, userID)
		slog.Debug("Correlator tracking cancelled", "userID", userID)
	}
}

// Classify decides how an inbound user message relates to the last proactive
// send. The warm path consults the in-memory entry; the cold path reconciles
// against the ledger. Storage failures degrade to user_initiated so normal
// message handling is never blocked.
func (c *Correlator) Classify(ctx context.Context, userID, text string, now time.Time) models.Classification {
	c.mu.Lock()
	entry, exists := c.entries[userID]
	if exists && entry.state == stateAwaiting {
		elapsed := now.Sub(entry.sentAt)
		if elapsed <= c.opts.Window {
			entry.state = stateResponded
			t := now
			entry.respondedAt = &t
			c.mu.Unlock()
			c.responded.Add(1)
			slog.Info("Correlator classified response", "userID", userID, "latency", elapsed)
			return models.Classification{
				IsResponse:      true,
				Kind:            models.ClassifiedResponse,
				ResponseLatency: elapsed,
			}
		}
		entry.state = stateTimedOut
		t := now
		entry.timedOutAt = &t
		c.mu.Unlock()
		c.timedOut.Add(1)
		slog.Info("Correlator tracking window elapsed before response", "userID", userID, "elapsed", elapsed)
		return models.Classification{Kind: models.ClassifiedTimeout}
	}
	c.mu.Unlock()

	// Cold start or already resolved: reconcile with the ledger.
	return c.reconcile(ctx, userID, now)
}

// reconcile classifies a message purely from persisted state: if the most
// recent proactive record is at most one window old and has drawn no response
// yet, this message is the response. The window comparison is inclusive,
// matching the warm path.
func (c *Correlator) reconcile(ctx context.Context, userID string, now time.Time) models.Classification {
	lastProactive, err := c.store.LastRecordOfKind(ctx, userID, models.KindProactive)
	if err != nil {
		slog.Warn("Correlator reconciliation lookup failed, degrading to user_initiated", "error", err, "userID", userID)
		return models.Classification{Kind: models.ClassifiedUserInitiated}
	}
	if lastProactive == nil || now.Sub(lastProactive.CreatedAt) > c.opts.Window {
		return models.Classification{Kind: models.ClassifiedUserInitiated}
	}

	responses, err := c.store.CountRecordsOfKind(ctx, userID, models.KindResponseToProactive, &lastProactive.CreatedAt)
	if err != nil {
		slog.Warn("Correlator reconciliation count failed, degrading to user_initiated", "error", err, "userID", userID)
		return models.Classification{Kind: models.ClassifiedUserInitiated}
	}
	if responses > 0 {
		return models.Classification{Kind: models.ClassifiedUserInitiated}
	}

	latency := now.Sub(lastProactive.CreatedAt)
	c.responded.Add(1)
	slog.Info("Correlator classified response via ledger reconciliation", "userID", userID, "latency", latency)
	return models.Classification{
		IsResponse:      true,
		Kind:            models.ClassifiedResponse,
		ResponseLatency: latency,
	}
}

// Sweep evicts entries whose window has fully elapsed, counting still-awaiting
// ones as timed out. It returns the number of evicted entries.
func (c *Correlator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

func (c *Correlator) sweepLocked(now time.Time) int {
	evicted := 0
	for userID, entry := range c.entries {
		if now.Sub(entry.sentAt) <= c.opts.Window {
			continue
		}
		if entry.state == stateAwaiting {
			c.timedOut.Add(1)
			slog.Debug("Correlator sweep timed out awaiting entry", "userID", userID)
		}
		delete(c.entries, userID)
		evicted++
	}
	if evicted > 0 {
		slog.Debug("Correlator sweep evicted entries", "count", evicted, "remaining", len(c.entries))
	}
	return evicted
}

// evictOldestLocked drops the entry with the oldest send time.
func (c *Correlator) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for userID, entry := range c.entries {
		if oldestID == "" || entry.sentAt.Before(oldestAt) {
			oldestID = userID
			oldestAt = entry.sentAt
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
		slog.Warn("Correlator evicted oldest entry at capacity", "userID", oldestID, "sentAt", oldestAt)
	}
}

// CurrentlyTracked returns entries still awaiting a response, sorted by
// elapsed time (longest first) and flagged when within 80% of window expiry.
func (c *Correlator) CurrentlyTracked() []models.TrackedUser {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	tracked := make([]models.TrackedUser, 0, len(c.entries))
	for _, entry := range c.entries {
		if entry.state != stateAwaiting {
			continue
		}
		elapsed := now.Sub(entry.sentAt)
		remaining := c.opts.Window - elapsed
		if remaining < 0 {
			remaining = 0
		}
		tracked = append(tracked, models.TrackedUser{
			UserID:     entry.userID,
			MessageID:  entry.messageID,
			SentAt:     entry.sentAt,
			Elapsed:    elapsed,
			Remaining:  remaining,
			NearExpiry: elapsed >= time.Duration(nearExpiryFraction*float64(c.opts.Window)),
		})
	}
	sort.Slice(tracked, func(i, j int) bool {
		return tracked[i].Elapsed > tracked[j].Elapsed
	})
	return tracked
}

// TrackedCount returns the number of entries in the map (any state).
func (c *Correlator) TrackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Responded returns the number of proactive sends that drew a response.
func (c *Correlator) Responded() int64 {
	return c.responded.Load()
}

// TimedOut returns the number of tracking windows that elapsed unanswered.
func (c *Correlator) TimedOut() int64 {
	return c.timedOut.Load()
}

// ResponseRate returns responded / (responded + timedOut), or 0 when no
// window has resolved yet.
func (c *Correlator) ResponseRate() float64 {
	responded := float64(c.responded.Load())
	timedOut := float64(c.timedOut.Load())
	if responded+timedOut == 0 {
		return 0
	}
	return responded / (responded + timedOut)
}

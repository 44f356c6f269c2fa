// Package eligibility decides whether conditions permit a new proactive send.
//
// The evaluator runs four ordered, short-circuiting checks (target resolution,
// destination resolution, timing window, prior-response requirement) against
// the conversation ledger and returns a structured decision with a
// human-readable reason and debug context.
package eligibility

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/ledger"
	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/platform"
)

// Default timing configuration (hour-scale; debug mode swaps in minutes)
const (
	DefaultMinGapHours    = 72.0
	DefaultJitterMinHours = 0.0
	DefaultJitterMaxHours = 12.0
)

// TargetSelector returns the candidate user ID for a proactive send, or an
// empty string when no candidate is available.
type TargetSelector func(ctx context.Context) (string, error)

// ChannelResolver resolves a configured destination name to a Channel.
type ChannelResolver func(name string) (platform.Channel, error)

// Opts holds configuration options for the evaluator.
type Opts struct {
	ChannelName    string
	MinGapHours    float64
	JitterMinHours float64
	JitterMaxHours float64
	// DebugTiming compresses all time constants from hours to minutes for
	// testing without changing the algorithm.
	DebugTiming bool
}

// Option defines a configuration option for the evaluator.
type Option func(*Opts)

// WithChannelName sets the destination channel name to resolve.
func WithChannelName(name string) Option {
	return func(o *Opts) { o.ChannelName = name }
}

// WithMinGapHours sets the minimum conversation gap before a send is considered.
func WithMinGapHours(hours float64) Option {
	return func(o *Opts) { o.MinGapHours = hours }
}

// WithJitterRange sets the bounds of the randomized wait added to the minimum gap.
func WithJitterRange(minHours, maxHours float64) Option {
	return func(o *Opts) {
		o.JitterMinHours = minHours
		o.JitterMaxHours = maxHours
	}
}

// WithDebugTiming switches all hour-scale constants to minute scale.
func WithDebugTiming(debug bool) Option {
	return func(o *Opts) { o.DebugTiming = debug }
}

// Evaluator runs the eligibility checks for one scheduling tick.
type Evaluator struct {
	store  ledger.Ledger
	opts   Opts
	checks atomic.Int64
}

// NewEvaluator creates an evaluator reading from the given ledger.
func NewEvaluator(store ledger.Ledger, opts ...Option) *Evaluator {
	cfg := Opts{
		MinGapHours:    DefaultMinGapHours,
		JitterMinHours: DefaultJitterMinHours,
		JitterMaxHours: DefaultJitterMaxHours,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Evaluator{store: store, opts: cfg}
}

// timeUnit returns the duration one "hour" of configuration maps to.
func (e *Evaluator) timeUnit() time.Duration {
	if e.opts.DebugTiming {
		return time.Minute
	}
	return time.Hour
}

// unitName names the active time unit for human-readable reasons.
func (e *Evaluator) unitName() string {
	if e.opts.DebugTiming {
		return "minutes"
	}
	return "hours"
}

// sampleJitter draws a fresh jitter value uniformly from the configured range.
// It is redrawn on every evaluation, so the effective next-eligible instant is
// never fixed in advance.
func (e *Evaluator) sampleJitter() (time.Duration, float64) {
	minH, maxH := e.opts.JitterMinHours, e.opts.JitterMaxHours
	if maxH < minH {
		minH, maxH = maxH, minH
	}
	hours := minH
	if maxH > minH {
		hours = minH + rand.Float64()*(maxH-minH)
	}
	return time.Duration(hours * float64(e.timeUnit())), hours
}

// CheckCount returns the number of evaluations performed.
func (e *Evaluator) CheckCount() int64 {
	return e.checks.Load()
}

// Evaluate runs the four ordered checks and returns a fresh decision. The
// first failing check determines the decision and its reason.
func (e *Evaluator) Evaluate(ctx context.Context, selectTarget TargetSelector, resolve ChannelResolver) models.EligibilityDecision {
	e.checks.Add(1)
	now := time.Now()

	// Check 1: target resolution.
	userID, err := selectTarget(ctx)
	if err != nil {
		slog.Warn("Evaluator target selection failed", "error", err)
		return models.EligibilityDecision{Reason: fmt.Sprintf("target selection failed: %v", err)}
	}
	if userID == "" {
		return models.EligibilityDecision{Reason: "no target user available"}
	}

	// Check 2: destination resolution.
	ch, err := resolve(e.opts.ChannelName)
	if err != nil {
		slog.Warn("Evaluator destination resolution failed", "error", err, "channel", e.opts.ChannelName)
		return models.EligibilityDecision{
			TargetUserID: userID,
			Reason:       fmt.Sprintf("destination channel %q not found", e.opts.ChannelName),
		}
	}

	decision := models.EligibilityDecision{
		TargetUserID: userID,
		ChannelID:    ch.ID(),
		ChannelName:  ch.Name(),
	}

	// Check 3: timing window with fresh jitter.
	lastConversation, err := e.store.LastActivityAt(ctx, userID, models.KindProactive)
	if err != nil {
		slog.Error("Evaluator last-activity lookup failed", "error", err, "userID", userID)
		decision.Reason = fmt.Sprintf("last-activity lookup failed: %v", err)
		return decision
	}

	jitter, jitterHours := e.sampleJitter()
	decision.Debug.JitterHoursApplied = jitterHours
	decision.Debug.LastConversationAt = lastConversation

	if lastConversation != nil {
		minGap := time.Duration(e.opts.MinGapHours * float64(e.timeUnit()))
		nextEligible := lastConversation.Add(minGap + jitter)
		decision.Debug.NextEligibleAt = &nextEligible

		if now.Before(nextEligible) {
			remaining := nextEligible.Sub(now)
			unit := e.unitName()
			decision.Reason = fmt.Sprintf("conversation gap not reached: %.1f %s remaining (jitter %.1f %s applied)",
				float64(remaining)/float64(e.timeUnit()), unit, jitterHours, unit)
			slog.Debug("Evaluator timing window not due",
				"userID", userID, "lastConversationAt", lastConversation,
				"nextEligibleAt", nextEligible, "jitterHours", jitterHours)
			return decision
		}
	}

	// Check 4: prior-response requirement. A first-ever send passes; after
	// that, the last proactive message must have drawn at least one response
	// so unanswered sends do not pile up.
	lastProactive, err := e.store.LastRecordOfKind(ctx, userID, models.KindProactive)
	if err != nil {
		slog.Error("Evaluator last-proactive lookup failed", "error", err, "userID", userID)
		decision.Reason = fmt.Sprintf("last-proactive lookup failed: %v", err)
		return decision
	}
	if lastProactive != nil {
		responses, err := e.store.CountRecordsOfKind(ctx, userID, models.KindResponseToProactive, &lastProactive.CreatedAt)
		if err != nil {
			slog.Error("Evaluator response count failed", "error", err, "userID", userID)
			decision.Reason = fmt.Sprintf("response count failed: %v", err)
			return decision
		}
		decision.Debug.HadPriorResponse = responses > 0
		if responses == 0 {
			decision.Reason = "no response to the last proactive message yet"
			slog.Debug("Evaluator prior-response requirement not met",
				"userID", userID, "lastProactiveAt", lastProactive.CreatedAt)
			return decision
		}
	}

	decision.ShouldSend = true
	decision.Reason = "all eligibility checks passed"
	slog.Info("Evaluator decision: eligible",
		"userID", userID, "channel", ch.Name(), "jitterHours", jitterHours)
	return decision
}

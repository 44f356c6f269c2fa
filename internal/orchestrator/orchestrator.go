// Package orchestrator drives the proactive messaging loop.
//
// On every trigger (scheduled or manual) it asks the eligibility evaluator
// for a decision and, when eligible, generates message content, delivers it,
// records the send in the conversation ledger, and opens response tracking.
// A single in-flight guard prevents overlapping executions, and every failure
// inside one tick is caught at this boundary so a bad tick cannot crash the
// periodic trigger.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/correlation"
	"github.com/BTreeMap/NudgePipe/internal/delivery"
	"github.com/BTreeMap/NudgePipe/internal/eligibility"
	"github.com/BTreeMap/NudgePipe/internal/ledger"
	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/retry"
	"github.com/BTreeMap/NudgePipe/internal/scheduler"
	"github.com/BTreeMap/NudgePipe/internal/tone"
	"github.com/BTreeMap/NudgePipe/internal/worker"
)

// DefaultFallbackMessage is sent when content generation fails.
const DefaultFallbackMessage = "Hey, it's been a while! How have you been?"

// historyLimit bounds the conversation history handed to the generator.
const historyLimit = 10

// ContentGenerator is the boundary to the external AI text generator.
type ContentGenerator interface {
	Generate(ctx context.Context, userID string, gen models.GenerationContext) (string, error)
}

// Opts holds configuration options for the orchestrator.
type Opts struct {
	FallbackMessage string
	Retry           *retry.Policy
}

// Option defines a configuration option for the orchestrator.
type Option func(*Opts)

// WithFallbackMessage sets the text substituted when generation fails.
func WithFallbackMessage(msg string) Option {
	return func(o *Opts) { o.FallbackMessage = msg }
}

// WithRetryPolicy sets the retry policy used for the generator call site.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(o *Opts) { o.Retry = p }
}

// Status is a diagnostic snapshot of the orchestrator and its collaborators.
type Status struct {
	ScheduleExpr     string                      `json:"schedule_expr"`
	TriggersFired    int64                       `json:"triggers_fired"`
	ChecksPerformed  int64                       `json:"checks_performed"`
	MessagesSent     int64                       `json:"messages_sent"`
	SendErrors       int64                       `json:"send_errors"`
	LastDecision     *models.EligibilityDecision `json:"last_decision,omitempty"`
	Delivery         delivery.Counters           `json:"delivery"`
	Responded        int64                       `json:"responded"`
	TimedOut         int64                       `json:"timed_out"`
	ResponseRate     float64                     `json:"response_rate"`
	CurrentlyTracked int                         `json:"currently_tracked"`
}

// Orchestrator coordinates eligibility, generation, delivery, and tracking.
type Orchestrator struct {
	evaluator    *eligibility.Evaluator
	deliverer    *delivery.Deliverer
	correlator   *correlation.Correlator
	store        ledger.Ledger
	generator    ContentGenerator
	toneManager  *tone.Manager
	sideEffects  *worker.Queue
	sched        *scheduler.Scheduler
	selectTarget eligibility.TargetSelector
	resolve      eligibility.ChannelResolver
	opts         Opts

	inFlight   atomic.Bool
	triggers   atomic.Int64
	sends      atomic.Int64
	sendErrors atomic.Int64

	mu           sync.Mutex
	lastDecision *models.EligibilityDecision
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(
	evaluator *eligibility.Evaluator,
	deliverer *delivery.Deliverer,
	correlator *correlation.Correlator,
	store ledger.Ledger,
	generator ContentGenerator,
	toneManager *tone.Manager,
	sideEffects *worker.Queue,
	selectTarget eligibility.TargetSelector,
	resolve eligibility.ChannelResolver,
	opts ...Option,
) *Orchestrator {
	cfg := Opts{FallbackMessage: DefaultFallbackMessage}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.NewPolicy()
	}
	return &Orchestrator{
		evaluator:    evaluator,
		deliverer:    deliverer,
		correlator:   correlator,
		store:        store,
		generator:    generator,
		toneManager:  toneManager,
		sideEffects:  sideEffects,
		selectTarget: selectTarget,
		resolve:      resolve,
		opts:         cfg,
	}
}

// Start begins firing checks on the given cron schedule.
func (o *Orchestrator) Start(expr string) error {
	if expr == "" {
		expr = scheduler.DefaultSchedule
	}
	o.sched = scheduler.NewScheduler()
	if err := o.sched.SetJob(expr, o.scheduledTick); err != nil {
		o.sched.Stop()
		o.sched = nil
		return err
	}
	o.correlator.Start()
	slog.Info("Orchestrator started", "schedule", expr)
	return nil
}

// SetSchedule validates expr and swaps the periodic trigger onto it.
func (o *Orchestrator) SetSchedule(expr string) error {
	if o.sched == nil {
		return fmt.Errorf("orchestrator not started")
	}
	if err := o.sched.SetJob(expr, o.scheduledTick); err != nil {
		return err
	}
	slog.Info("Orchestrator schedule updated", "schedule", expr)
	return nil
}

// Stop cancels the periodic trigger and the correlation sweep. An
// already-issued network call is not cancelled.
func (o *Orchestrator) Stop() {
	if o.sched != nil {
		o.sched.Stop()
	}
	o.correlator.Stop()
	slog.Info("Orchestrator stopped")
}

func (o *Orchestrator) scheduledTick() {
	if err := o.runCheck(context.Background(), "schedule"); err != nil {
		slog.Debug("Orchestrator scheduled check finished with error", "error", err)
	}
}

// TriggerManualCheck runs one proactive check immediately. A check already
// in flight makes this a no-op.
func (o *Orchestrator) TriggerManualCheck(ctx context.Context) error {
	return o.runCheck(ctx, "manual")
}

// runCheck executes one full tick. All failures are contained here so the
// next scheduled tick always runs.
func (o *Orchestrator) runCheck(ctx context.Context, source string) (err error) {
	o.triggers.Add(1)

	if !o.inFlight.CompareAndSwap(false, true) {
		slog.Info("Orchestrator check already in flight, skipping", "source", source)
		return models.ErrCheckAlreadyInFlight
	}
	defer o.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator check panicked", "source", source, "panic", r)
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()

	decision := o.evaluator.Evaluate(ctx, o.selectTarget, o.resolve)
	o.setLastDecision(decision)

	if !decision.ShouldSend {
		slog.Info("Orchestrator not eligible to send",
			"source", source, "reason", decision.Reason,
			"lastConversationAt", decision.Debug.LastConversationAt,
			"nextEligibleAt", decision.Debug.NextEligibleAt,
			"jitterHours", decision.Debug.JitterHoursApplied)
		return nil
	}

	userID := decision.TargetUserID
	ch, err := o.resolve(decision.ChannelName)
	if err != nil {
		o.sendErrors.Add(1)
		slog.Error("Orchestrator destination vanished after evaluation", "error", err, "channel", decision.ChannelName)
		return err
	}

	// Pre-flight permission gate: failing here aborts without side effects.
	if err := o.deliverer.CheckPermissions(ch); err != nil {
		o.sendErrors.Add(1)
		slog.Error("Orchestrator permission check failed", "error", err, "channel", ch.Name())
		return err
	}

	content := o.generateContent(ctx, userID)
	if mention := ch.Mention(userID); mention != "" {
		content = mention + " " + content
	}

	result := o.deliverer.Send(ctx, ch, content, delivery.SendOptions{Typing: true})
	if !result.Success {
		// No ledger write on delivery failure, so no orphaned proactive
		// record without an actual send.
		o.sendErrors.Add(1)
		slog.Error("Orchestrator delivery failed, aborting tick",
			"userID", userID, "failureKind", result.FailureKind, "error", result.Error,
			"attempted", result.Attempted)
		return fmt.Errorf("%w: %s", models.ErrDeliveryFailed, result.Error)
	}
	o.sends.Add(1)

	rec := models.ConversationRecord{
		UserID:    userID,
		ChannelID: ch.ID(),
		BotText:   content,
		Kind:      models.KindProactive,
		Initiator: models.InitiatorBot,
		CreatedAt: time.Now(),
	}
	if err := o.store.Append(ctx, rec); err != nil {
		// The message already reached the user; retrying inline risks a
		// duplicate send on the next tick, so record the inconsistency only.
		slog.Error("Orchestrator ledger write failed after successful delivery",
			"error", err, "userID", userID, "messageID", result.MessageID)
	}

	o.correlator.StartTracking(userID, result.MessageID)

	if o.sideEffects != nil && o.toneManager != nil {
		o.sideEffects.Enqueue(worker.Task{
			Name: "tone-contact-update",
			Run: func(ctx context.Context) error {
				o.toneManager.TouchContact(userID, time.Now())
				return nil
			},
		})
	}

	slog.Info("Orchestrator proactive message sent",
		"source", source, "userID", userID, "channel", ch.Name(),
		"messageID", result.MessageID, "duration", result.SendDuration)
	return nil
}

// generateContent asks the external generator for message text, retrying
// transient failures. Generation failure falls back to the fixed message
// rather than aborting the send.
func (o *Orchestrator) generateContent(ctx context.Context, userID string) string {
	gen := models.GenerationContext{}
	history, err := o.store.RecentHistory(ctx, userID, historyLimit)
	if err != nil {
		slog.Warn("Orchestrator history lookup failed, generating without context", "error", err, "userID", userID)
	} else {
		gen.History = history
	}
	if o.toneManager != nil {
		gen.ToneHints = o.toneManager.Hints(userID)
	}

	var content string
	_, err = o.opts.Retry.Execute(ctx, func(ctx context.Context) error {
		text, genErr := o.generator.Generate(ctx, userID, gen)
		if genErr != nil {
			return genErr
		}
		content = text
		return nil
	})
	if err != nil {
		slog.Warn("Orchestrator content generation failed, using fallback", "error", err, "userID", userID)
		return o.opts.FallbackMessage
	}
	return content
}

// HandleInbound classifies one inbound user message and appends it to the
// ledger with the classified kind. Called by the transport event handler for
// every user message, concurrently with any in-flight tick.
func (o *Orchestrator) HandleInbound(ctx context.Context, userID, text string, at time.Time) models.Classification {
	classification := o.correlator.Classify(ctx, userID, text, at)

	rec := models.ConversationRecord{
		UserID:    userID,
		UserText:  text,
		Kind:      classification.Kind.MessageKind(),
		Initiator: models.InitiatorUser,
		CreatedAt: at,
	}
	if err := o.store.Append(ctx, rec); err != nil {
		slog.Error("Orchestrator failed to persist inbound message", "error", err, "userID", userID)
	}

	slog.Debug("Orchestrator inbound message handled",
		"userID", userID, "kind", classification.Kind, "isResponse", classification.IsResponse)
	return classification
}

// EvaluateEligibility runs the eligibility checks without sending anything.
// Used by the diagnostics surface as a dry run.
func (o *Orchestrator) EvaluateEligibility(ctx context.Context) models.EligibilityDecision {
	return o.evaluator.Evaluate(ctx, o.selectTarget, o.resolve)
}

// TrackedUsers returns the correlator's currently tracked entries.
func (o *Orchestrator) TrackedUsers() []models.TrackedUser {
	return o.correlator.CurrentlyTracked()
}

func (o *Orchestrator) setLastDecision(d models.EligibilityDecision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastDecision = &d
}

// LastDecision returns the most recent eligibility decision, or nil.
func (o *Orchestrator) LastDecision() *models.EligibilityDecision {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastDecision
}

// Status returns a diagnostic snapshot across the orchestrator and its
// collaborators.
func (o *Orchestrator) Status() Status {
	status := Status{
		TriggersFired:    o.triggers.Load(),
		ChecksPerformed:  o.evaluator.CheckCount(),
		MessagesSent:     o.sends.Load(),
		SendErrors:       o.sendErrors.Load(),
		LastDecision:     o.LastDecision(),
		Delivery:         o.deliverer.Counters(),
		Responded:        o.correlator.Responded(),
		TimedOut:         o.correlator.TimedOut(),
		ResponseRate:     o.correlator.ResponseRate(),
		CurrentlyTracked: len(o.correlator.CurrentlyTracked()),
	}
	if o.sched != nil {
		status.ScheduleExpr = o.sched.Expression()
	}
	return status
}

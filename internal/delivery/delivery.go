// Package delivery sends finished messages to a chat destination.
//
// It validates and truncates text, manages the typing/presence indicator
// during composition, retries transient failures with bounded backoff,
// classifies failures for observability, and maintains rolling counters.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/platform"
	"github.com/BTreeMap/NudgePipe/internal/retry"
)

// Default delivery configuration
const (
	// DefaultSendTimeout is the wall-clock timeout for one send attempt.
	DefaultSendTimeout = 30 * time.Second
	// DefaultTypingInterval is how often the typing indicator re-fires.
	DefaultTypingInterval = 8 * time.Second
	// DefaultTypingMaxDuration caps how long the typing indicator may run.
	DefaultTypingMaxDuration = 60 * time.Second
	// DefaultBatchDelay is the fixed delay between batch messages.
	DefaultBatchDelay = 2 * time.Second
	// Ellipsis is appended when a message is truncated.
	Ellipsis = "…"
)

// Opts holds configuration options for the deliverer.
type Opts struct {
	MaxLength         int
	SendTimeout       time.Duration
	TypingInterval    time.Duration
	TypingMaxDuration time.Duration
	BatchDelay        time.Duration
	Retry             *retry.Policy
}

// Option defines a configuration option for the deliverer.
type Option func(*Opts)

// WithRetryPolicy sets the retry policy used for send attempts.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(o *Opts) { o.Retry = p }
}

// WithSendTimeout sets the per-attempt wall-clock timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SendTimeout = d }
}

// WithTypingIndicator configures the typing-indicator refresh interval and cap.
func WithTypingIndicator(interval, maxDuration time.Duration) Option {
	return func(o *Opts) {
		o.TypingInterval = interval
		o.TypingMaxDuration = maxDuration
	}
}

// WithBatchDelay sets the fixed inter-message delay for batch sends.
func WithBatchDelay(d time.Duration) Option {
	return func(o *Opts) { o.BatchDelay = d }
}

// SendOptions controls one send.
type SendOptions struct {
	// Typing drives the typing/presence indicator while the send is in flight.
	Typing bool
}

// Counters is a snapshot of the deliverer's rolling counters.
type Counters struct {
	Sent           int64            `json:"sent"`
	Errors         int64            `json:"errors"`
	AvgSendLatency time.Duration    `json:"avg_send_latency"`
	PerChannel     map[string]int64 `json:"per_channel"`
}

// Deliverer sends messages through destination channels.
type Deliverer struct {
	opts Opts

	mu         sync.Mutex
	sent       int64
	errors     int64
	avgLatency time.Duration
	perChannel map[string]int64
}

// NewDeliverer creates a deliverer with the given options.
func NewDeliverer(opts ...Option) *Deliverer {
	cfg := Opts{
		MaxLength:         models.MaxMessageLength,
		SendTimeout:       DefaultSendTimeout,
		TypingInterval:    DefaultTypingInterval,
		TypingMaxDuration: DefaultTypingMaxDuration,
		BatchDelay:        DefaultBatchDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.NewPolicy()
	}
	return &Deliverer{opts: cfg, perChannel: make(map[string]int64)}
}

// CheckPermissions verifies the destination exists and can be sent to.
// Used by the orchestrator as a pre-flight gate.
func (d *Deliverer) CheckPermissions(ch platform.Channel) error {
	if ch == nil {
		return models.ErrChannelNotFound
	}
	if !ch.HasSendPermission() {
		return models.ErrNoSendPermission
	}
	return nil
}

// Send delivers text to the destination, retrying transient failures.
func (d *Deliverer) Send(ctx context.Context, ch platform.Channel, text string, opts SendOptions) models.DeliveryResult {
	start := time.Now()
	result := models.DeliveryResult{
		ChannelID:   ch.ID(),
		ChannelName: ch.Name(),
		Timestamp:   start,
	}

	if strings.TrimSpace(text) == "" {
		result.Error = models.ErrEmptyMessage.Error()
		result.FailureKind = models.FailureUnknown
		d.recordError(ch.Name())
		slog.Error("Deliverer rejected empty message", "channel", ch.Name())
		return result
	}
	text = d.truncate(text, ch.Name())

	if opts.Typing {
		stopTyping := d.startTypingLoop(ctx, ch)
		defer stopTyping()
	}

	var messageID string
	attempts, err := d.opts.Retry.Execute(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		defer cancel()

		id, sendErr := ch.Send(attemptCtx, text)
		if sendErr != nil {
			return sendErr
		}
		messageID = id
		return nil
	})

	result.Attempted = attempts
	result.SendDuration = time.Since(start)

	if err != nil {
		result.Error = err.Error()
		result.FailureKind = ClassifyFailure(err)
		d.recordError(ch.Name())
		slog.Error("Deliverer send failed",
			"channel", ch.Name(), "error", err, "failureKind", result.FailureKind,
			"attempted", attempts, "duration", result.SendDuration)
		return result
	}

	result.Success = true
	result.MessageID = messageID
	d.recordSuccess(ch.Name(), result.SendDuration)
	slog.Info("Deliverer send succeeded",
		"channel", ch.Name(), "messageID", messageID,
		"attempted", attempts, "duration", result.SendDuration)
	return result
}

// SendBatch sends a sequence of messages with a fixed inter-message delay,
// collecting partial failures without aborting the remaining batch.
func (d *Deliverer) SendBatch(ctx context.Context, ch platform.Channel, messages []string, opts SendOptions) []models.DeliveryResult {
	results := make([]models.DeliveryResult, 0, len(messages))
	for i, msg := range messages {
		if i > 0 {
			select {
			case <-time.After(d.opts.BatchDelay):
			case <-ctx.Done():
				slog.Warn("Deliverer batch cancelled", "channel", ch.Name(), "sent", i, "total", len(messages))
				return results
			}
		}
		result := d.Send(ctx, ch, msg, opts)
		if !result.Success {
			slog.Warn("Deliverer batch message failed, continuing",
				"channel", ch.Name(), "index", i, "error", result.Error)
		}
		results = append(results, result)
	}
	return results
}

// truncate enforces the platform maximum message length.
func (d *Deliverer) truncate(text, channelName string) string {
	runes := []rune(text)
	if len(runes) <= d.opts.MaxLength {
		return text
	}
	truncated := string(runes[:d.opts.MaxLength-1]) + Ellipsis
	slog.Warn("Deliverer truncated overlong message",
		"channel", channelName, "original_length", len(runes), "max_length", d.opts.MaxLength)
	return truncated
}

// startTypingLoop fires the typing indicator immediately and re-fires it on a
// fixed interval until the returned stop function is called or the maximum
// duration elapses. The stop function is idempotent and never leaks the timer.
func (d *Deliverer) startTypingLoop(ctx context.Context, ch platform.Channel) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		if err := ch.StartTyping(ctx); err != nil {
			slog.Debug("Deliverer typing indicator failed", "channel", ch.Name(), "error", err)
		}
		ticker := time.NewTicker(d.opts.TypingInterval)
		defer ticker.Stop()
		deadline := time.NewTimer(d.opts.TypingMaxDuration)
		defer deadline.Stop()

		for {
			select {
			case <-ticker.C:
				if err := ch.StartTyping(ctx); err != nil {
					slog.Debug("Deliverer typing indicator refresh failed", "channel", ch.Name(), "error", err)
				}
			case <-deadline.C:
				slog.Debug("Deliverer typing indicator reached max duration", "channel", ch.Name())
				return
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return stop
}

func (d *Deliverer) recordSuccess(channelName string, latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent++
	d.perChannel[channelName]++
	// Cumulative moving average of send latency.
	d.avgLatency += (latency - d.avgLatency) / time.Duration(d.sent)
}

func (d *Deliverer) recordError(channelName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors++
}

// Counters returns a snapshot of the rolling delivery counters.
func (d *Deliverer) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	perChannel := make(map[string]int64, len(d.perChannel))
	for name, count := range d.perChannel {
		perChannel[name] = count
	}
	return Counters{
		Sent:           d.sent,
		Errors:         d.errors,
		AvgSendLatency: d.avgLatency,
		PerChannel:     perChannel,
	}
}

// ClassifyFailure maps a delivery error to a FailureKind for observability.
func ClassifyFailure(err error) models.FailureKind {
	if err == nil {
		return models.FailureUnknown
	}
	if errors.Is(err, models.ErrNoSendPermission) {
		return models.FailurePermission
	}
	if errors.Is(err, models.ErrChannelNotFound) {
		return models.FailureDestinationNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "unauthorized"):
		return models.FailurePermission
	case strings.Contains(msg, "not found") || strings.Contains(msg, "unknown destination"):
		return models.FailureDestinationNotFound
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return models.FailureRateLimited
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.FailureTimeout
		}
		return models.FailureNetwork
	}
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return models.FailureTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "no such host"):
		return models.FailureNetwork
	}
	return models.FailureUnknown
}

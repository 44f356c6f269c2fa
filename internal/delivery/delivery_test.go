package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/platform"
	"github.com/BTreeMap/NudgePipe/internal/retry"
)

func fastDeliverer(opts ...Option) *Deliverer {
	base := []Option{
		WithRetryPolicy(&retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}),
		WithSendTimeout(time.Second),
		WithTypingIndicator(10*time.Millisecond, 100*time.Millisecond),
		WithBatchDelay(time.Millisecond),
	}
	return NewDeliverer(append(base, opts...)...)
}

func TestSendSucceeds(t *testing.T) {
	d := fastDeliverer()
	ch := platform.NewMockChannel("general")

	result := d.Send(context.Background(), ch, "hello there", SendOptions{})
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.MessageID == "" {
		t.Error("expected a platform message ID")
	}
	if result.Attempted != 1 {
		t.Errorf("Attempted = %d, want 1", result.Attempted)
	}
	if ch.LastSent() != "hello there" {
		t.Errorf("channel received %q", ch.LastSent())
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	d := fastDeliverer()
	ch := platform.NewMockChannel("general")

	result := d.Send(context.Background(), ch, "   ", SendOptions{})
	if result.Success {
		t.Fatal("expected empty message to be rejected")
	}
	if ch.SendCalls() != 0 {
		t.Errorf("channel was called %d times for an empty message", ch.SendCalls())
	}
}

func TestSendRetriesTransientFailure(t *testing.T) {
	d := fastDeliverer()
	ch := platform.NewMockChannel("general")
	ch.SendErr = errors.New("connection reset by peer")
	ch.SendErrTimes = 2

	result := d.Send(context.Background(), ch, "hello", SendOptions{})
	if !result.Success {
		t.Fatalf("expected success after retries, got %q", result.Error)
	}
	if result.Attempted != 3 {
		t.Errorf("Attempted = %d, want 3 (two failures then success)", result.Attempted)
	}
}

func TestSendExhaustsRetries(t *testing.T) {
	d := fastDeliverer()
	ch := platform.NewMockChannel("general")
	ch.SendErr = errors.New("service unavailable")

	result := d.Send(context.Background(), ch, "hello", SendOptions{})
	if result.Success {
		t.Fatal("expected failure after exhausting retries")
	}
	if result.Attempted != 4 {
		t.Errorf("Attempted = %d, want 4", result.Attempted)
	}
	if result.FailureKind == "" {
		t.Error("expected a failure classification")
	}
}

func TestSendTruncatesOverlongMessage(t *testing.T) {
	d := fastDeliverer()
	ch := platform.NewMockChannel("general")

	long := strings.Repeat("a", models.MaxMessageLength+100)
	result := d.Send(context.Background(), ch, long, SendOptions{})
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
	sent := []rune(ch.LastSent())
	if len(sent) != models.MaxMessageLength {
		t.Errorf("sent length = %d, want %d", len(sent), models.MaxMessageLength)
	}
	if !strings.HasSuffix(ch.LastSent(), Ellipsis) {
		t.Error("truncated message should end with ellipsis")
	}
}

func TestSendFiresTypingIndicator(t *testing.T) {
	d := fastDeliverer()
	ch := platform.NewMockChannel("general")

	d.Send(context.Background(), ch, "hello", SendOptions{Typing: true})
	// The typing goroutine fires once immediately before the send completes.
	deadline := time.Now().Add(time.Second)
	for ch.TypingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ch.TypingCount() == 0 {
		t.Error("expected at least one typing indicator call")
	}
}

func TestSendWithoutTypingOption(t *testing.T) {
	d := fastDeliverer()
	ch := platform.NewMockChannel("general")

	d.Send(context.Background(), ch, "hello", SendOptions{})
	time.Sleep(30 * time.Millisecond)
	if ch.TypingCount() != 0 {
		t.Errorf("typing calls = %d without typing option, want 0", ch.TypingCount())
	}
}

func TestCheckPermissions(t *testing.T) {
	d := fastDeliverer()

	if err := d.CheckPermissions(nil); !errors.Is(err, models.ErrChannelNotFound) {
		t.Errorf("nil channel: got %v, want ErrChannelNotFound", err)
	}

	ch := platform.NewMockChannel("general")
	ch.NoPermission = true
	if err := d.CheckPermissions(ch); !errors.Is(err, models.ErrNoSendPermission) {
		t.Errorf("no permission: got %v, want ErrNoSendPermission", err)
	}

	ch.NoPermission = false
	if err := d.CheckPermissions(ch); err != nil {
		t.Errorf("permitted channel: got %v, want nil", err)
	}
}

func TestSendBatchContinuesPastFailures(t *testing.T) {
	d := fastDeliverer()
	ch := platform.NewMockChannel("general")
	ch.SendErr = errors.New("invalid recipient")
	ch.SendErrTimes = 1

	results := d.SendBatch(context.Background(), ch, []string{"one", "two", "three"}, SendOptions{})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Success {
		t.Error("first message should have failed")
	}
	if !results[1].Success || !results[2].Success {
		t.Error("remaining messages should have succeeded")
	}
}

func TestSendBatchAbortsOnContextCancel(t *testing.T) {
	d := NewDeliverer(
		WithRetryPolicy(&retry.Policy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
		WithBatchDelay(time.Hour),
	)
	ch := platform.NewMockChannel("general")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	results := d.SendBatch(ctx, ch, []string{"one", "two"}, SendOptions{})
	if len(results) != 1 {
		t.Errorf("expected batch to abort after cancellation, got %d results", len(results))
	}
}

func TestCountersTrackOutcomes(t *testing.T) {
	d := fastDeliverer()
	ch := platform.NewMockChannel("general")

	d.Send(context.Background(), ch, "one", SendOptions{})
	d.Send(context.Background(), ch, "two", SendOptions{})

	failing := platform.NewMockChannel("broken")
	failing.SendErr = errors.New("forbidden")
	d.Send(context.Background(), failing, "three", SendOptions{})

	counters := d.Counters()
	if counters.Sent != 2 {
		t.Errorf("Sent = %d, want 2", counters.Sent)
	}
	if counters.Errors != 1 {
		t.Errorf("Errors = %d, want 1", counters.Errors)
	}
	if counters.PerChannel["general"] != 2 {
		t.Errorf("PerChannel[general] = %d, want 2", counters.PerChannel["general"])
	}
	if counters.AvgSendLatency < 0 {
		t.Errorf("AvgSendLatency = %v, want >= 0", counters.AvgSendLatency)
	}
}

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o deadline reached" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.FailureKind
	}{
		{"nil", nil, models.FailureUnknown},
		{"permission sentinel", models.ErrNoSendPermission, models.FailurePermission},
		{"channel sentinel", models.ErrChannelNotFound, models.FailureDestinationNotFound},
		{"forbidden text", errors.New("403 forbidden"), models.FailurePermission},
		{"not found text", errors.New("recipient not found"), models.FailureDestinationNotFound},
		{"rate limited", errors.New("too many requests"), models.FailureRateLimited},
		{"deadline", context.DeadlineExceeded, models.FailureTimeout},
		{"net timeout", timeoutNetError{}, models.FailureTimeout},
		{"timeout text", errors.New("request timed out"), models.FailureTimeout},
		{"network text", errors.New("broken pipe"), models.FailureNetwork},
		{"unknown", errors.New("something odd"), models.FailureUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyFailure(tc.err); got != tc.want {
				t.Errorf("ClassifyFailure(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

var _ net.Error = timeoutNetError{}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/correlation"
	"github.com/BTreeMap/NudgePipe/internal/delivery"
	"github.com/BTreeMap/NudgePipe/internal/eligibility"
	"github.com/BTreeMap/NudgePipe/internal/ledger"
	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/orchestrator"
	"github.com/BTreeMap/NudgePipe/internal/platform"
	"github.com/BTreeMap/NudgePipe/internal/retry"
	"github.com/BTreeMap/NudgePipe/internal/tone"
	"github.com/BTreeMap/NudgePipe/internal/worker"
)

type staticGenerator struct{}

func (staticGenerator) Generate(ctx context.Context, userID string, gen models.GenerationContext) (string, error) {
	return "hello from the test generator", nil
}

func newTestServer(t *testing.T) (*Server, *platform.MockChannel, ledger.Ledger) {
	t.Helper()

	store := ledger.NewInMemoryLedger()
	channel := platform.NewMockChannel("general")
	registry := platform.NewRegistry()
	registry.Register(channel)

	policy := &retry.Policy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	orch := orchestrator.NewOrchestrator(
		eligibility.NewEvaluator(store, eligibility.WithChannelName("general"), eligibility.WithJitterRange(0, 0)),
		delivery.NewDeliverer(delivery.WithRetryPolicy(policy)),
		correlation.NewCorrelator(store),
		store,
		staticGenerator{},
		tone.NewManager(),
		worker.NewQueue(8),
		func(ctx context.Context) (string, error) { return "user1", nil },
		registry.Resolve,
		orchestrator.WithRetryPolicy(policy),
	)
	return NewServer(orch, store), channel, store
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return resp
}

func TestServerDisabledWithoutAddr(t *testing.T) {
	s, _, _ := newTestServer(t)

	// No WithAddr means no listener; the endpoints must not be exposed.
	s.Start()
	if s.srv != nil {
		t.Error("Start with empty address must not create an HTTP server")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop on disabled server should be a no-op, got: %v", err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.statusHandler(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("Status = %q", resp.Status)
	}
}

func TestStatusEndpointRejectsPost(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.statusHandler(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status code = %d, want 405", rec.Code)
	}
}

func TestEligibilityEndpointIsDryRun(t *testing.T) {
	s, channel, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.eligibilityHandler(rec, httptest.NewRequest(http.MethodGet, "/eligibility", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if channel.SendCalls() != 0 {
		t.Error("eligibility endpoint must not send")
	}
}

func TestTriggerEndpointSends(t *testing.T) {
	s, channel, store := newTestServer(t)

	rec := httptest.NewRecorder()
	s.triggerHandler(rec, httptest.NewRequest(http.MethodPost, "/trigger", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Status != string(models.APIStatusTriggered) {
		t.Errorf("Status = %q, want triggered", resp.Status)
	}
	if channel.SendCalls() != 1 {
		t.Errorf("SendCalls = %d, want 1", channel.SendCalls())
	}
	proactive, _ := store.LastRecordOfKind(context.Background(), "user1", models.KindProactive)
	if proactive == nil {
		t.Error("expected proactive record after trigger")
	}
}

func TestTriggerEndpointRejectsGet(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.triggerHandler(rec, httptest.NewRequest(http.MethodGet, "/trigger", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status code = %d, want 405", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, _, store := newTestServer(t)
	err := store.Append(context.Background(), models.ConversationRecord{
		UserID:    "user1",
		BotText:   "checking in",
		Kind:      models.KindProactive,
		Initiator: models.InitiatorBot,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	rec := httptest.NewRecorder()
	s.statsHandler(rec, httptest.NewRequest(http.MethodGet, "/stats?user=user1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
}

func TestScheduleEndpointValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedule", strings.NewReader(`{"expr":"bogus"}`))
	s.scheduleHandler(rec, req)
	// Orchestrator not started, so any schedule change is rejected.
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/schedule", strings.NewReader(`{bad json`))
	s.scheduleHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status code for bad body = %d, want 400", rec.Code)
	}
}

func TestTrackedEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	// Trigger once so a tracking entry exists.
	rec := httptest.NewRecorder()
	s.triggerHandler(rec, httptest.NewRequest(http.MethodPost, "/trigger", nil))

	rec = httptest.NewRecorder()
	s.trackedHandler(rec, httptest.NewRequest(http.MethodGet, "/tracked", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("Status = %q", resp.Status)
	}
}

// Package api exposes the diagnostics and control HTTP surface for NudgePipe.
//
// The surface is read-mostly: orchestrator status, tracked users, a dry-run
// eligibility evaluation, and ledger aggregates. The two mutating endpoints
// trigger a proactive check and swap the cron schedule.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/ledger"
	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/orchestrator"
)

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address. Empty disables the server entirely.
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address. An empty address disables the server.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server serves the diagnostics endpoints.
type Server struct {
	orch  *orchestrator.Orchestrator
	store ledger.Ledger
	srv   *http.Server
	opts  Opts
}

// NewServer creates the diagnostics server around the orchestrator and ledger.
func NewServer(orch *orchestrator.Orchestrator, store ledger.Ledger, opts ...Option) *Server {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{orch: orch, store: store, opts: cfg}
}

// Start begins listening in the background. With no configured address the
// server stays disabled and Start is a no-op.
func (s *Server) Start() {
	if s.opts.Addr == "" {
		slog.Info("Server disabled, no listen address configured")
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/tracked", s.trackedHandler)
	mux.HandleFunc("/eligibility", s.eligibilityHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/trigger", s.triggerHandler)
	mux.HandleFunc("/schedule", s.scheduleHandler)

	s.srv = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", s.opts.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server listen failed", "error", err)
		}
	}()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	slog.Info("Server shutting down")
	return s.srv.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.orch.Status()))
}

func (s *Server) trackedHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.orch.TrackedUsers()))
}

// eligibilityHandler runs a dry-run eligibility evaluation. It never sends.
func (s *Server) eligibilityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	decision := s.orch.EvaluateEligibility(r.Context())
	writeJSONResponse(w, http.StatusOK, models.Success(decision))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		if d := s.orch.LastDecision(); d != nil {
			userID = d.TargetUserID
		}
	}
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user query parameter required"))
		return
	}
	stats, err := s.store.AggregateStats(r.Context(), userID)
	if err != nil {
		slog.Error("Server stats lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to compute stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	if err := s.orch.TriggerManualCheck(r.Context()); err != nil {
		if errors.Is(err, models.ErrCheckAlreadyInFlight) {
			writeJSONResponse(w, http.StatusConflict, models.Error("check already in flight"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Error(fmt.Sprintf("check completed with error: %v", err)))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Triggered("proactive check executed"))
}

// scheduleRequest is the body of POST /schedule.
type scheduleRequest struct {
	Expr string `json:"expr"`
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}
	if err := s.orch.SetSchedule(req.Expr); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("invalid schedule: %v", err)))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"expr": req.Expr}))
}

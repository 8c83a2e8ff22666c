// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api exposes the HTTP control surface: event intake, policy
// management, statistics, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/MuzeenMir/sentinel-sub000/internal/clock"
	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/ingest"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
	"github.com/MuzeenMir/sentinel-sub000/internal/policy"
	"github.com/MuzeenMir/sentinel-sub000/internal/stats"
)

// PolicyService is the slice of the policy engine the server needs.
type PolicyService interface {
	Create(ctx context.Context, intent policy.Intent, force bool) (*policy.ApplyResult, error)
	Update(ctx context.Context, id string, intent policy.Intent) (*policy.ApplyResult, error)
	Rollback(ctx context.Context, id string) (*policy.ApplyResult, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*policy.Policy, error)
	List(ctx context.Context) ([]*policy.Policy, error)
	ValidateIntent(intent policy.Intent) ([]policy.Rule, policy.ValidationResult)
	Statistics() policy.Stats
}

// StatsSource serves the statistics endpoint; nil disables it.
type StatsSource interface {
	Snapshot(ctx context.Context, topN int) (*stats.Snapshot, error)
}

// HealthSnapshot is whatever the pipeline wants to report under /health.
type HealthSnapshot map[string]any

// ServerOptions holds dependencies for the API server.
type ServerOptions struct {
	Policies PolicyService
	Push     *ingest.PushIngestor
	Stats    StatsSource
	Metrics  http.Handler
	Health   func() HealthSnapshot
	Logger   *logging.Logger

	MaxBodyBytes int64
}

// Server handles API requests.
type Server struct {
	policies PolicyService
	push     *ingest.PushIngestor
	stats    StatsSource
	metrics  http.Handler
	health   func() HealthSnapshot
	logger   *logging.Logger

	maxBodyBytes int64
	startTime    time.Time
	router       *mux.Router
}

// NewServer wires the routes and returns the server.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	s := &Server{
		policies:     opts.Policies,
		push:         opts.Push,
		stats:        opts.Stats,
		metrics:      opts.Metrics,
		health:       opts.Health,
		logger:       logger,
		maxBodyBytes: opts.MaxBodyBytes,
		startTime:    clock.Now(),
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/statistics", s.handleStatistics).Methods(http.MethodGet)
	v1.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)

	v1.HandleFunc("/policies", s.handlePolicyCreate).Methods(http.MethodPost)
	v1.HandleFunc("/policies", s.handlePolicyList).Methods(http.MethodGet)
	v1.HandleFunc("/policies/validate", s.handlePolicyValidate).Methods(http.MethodPost)
	v1.HandleFunc("/policies/apply", s.handlePolicyApply).Methods(http.MethodPost)
	v1.HandleFunc("/policies/{id}", s.handlePolicyGet).Methods(http.MethodGet)
	v1.HandleFunc("/policies/{id}", s.handlePolicyUpdate).Methods(http.MethodPut)
	v1.HandleFunc("/policies/{id}", s.handlePolicyDelete).Methods(http.MethodDelete)
	v1.HandleFunc("/policies/{id}/rollback", s.handlePolicyRollback).Methods(http.MethodPost)
	v1.HandleFunc("/rules/translate", s.handleRulesTranslate).Methods(http.MethodPost)

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until ctx is canceled, then drains connections.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

// respondError maps error kinds onto HTTP statuses and attaches any
// structured attributes (validation findings, conflicts).
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetKind(err) {
	case errors.KindValidation, errors.KindMalformedInput:
		status = http.StatusBadRequest
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindConflict:
		status = http.StatusConflict
	case errors.KindUnavailable, errors.KindAdapterTransient:
		status = http.StatusServiceUnavailable
	case errors.KindPartialApply:
		status = http.StatusMultiStatus
	case errors.KindQueueFull:
		status = http.StatusTooManyRequests
	}

	body := map[string]any{"error": err.Error()}
	if attrs := errors.GetAttributes(err); len(attrs) > 0 {
		body["details"] = attrs
	}
	s.respondJSON(w, status, body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, errors.Wrap(err, errors.KindMalformedInput, "decode request"))
		return false
	}
	return true
}

// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the pipeline over HTTP+JSON.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"path"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/jllopis/kairos-runner/pkg/artifacts"
	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/health"
	"github.com/jllopis/kairos-runner/pkg/pipeline"
	"github.com/jllopis/kairos-runner/pkg/store"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultListLimit    = 50
	maxListLimit        = 500
)

// Dispatcher runs pipeline requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req pipeline.Request) (*pipeline.Response, *pipeline.Ack, error)
}

// Executions is the read side of the execution store.
type Executions interface {
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]store.Execution, error)
}

// Server is the HTTP surface of the runner.
type Server struct {
	pipeline     Dispatcher
	executions   Executions
	health       *health.Registry
	filesDir     string
	maxBodyBytes int64
	logger       *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithHealth serves /healthz from registry.
func WithHealth(registry *health.Registry) Option {
	return func(s *Server) { s.health = registry }
}

// WithFilesDir serves disk artifacts from dir under /files/.
func WithFilesDir(dir string) Option {
	return func(s *Server) { s.filesDir = dir }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a server.
func New(p Dispatcher, executions Executions, opts ...Option) *Server {
	s := &Server{
		pipeline:     p,
		executions:   executions,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/run", s.handleRun)
	mux.HandleFunc("GET /v1/executions", s.handleListExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.filesDir != "" {
		mux.Handle("GET "+artifacts.FilesPath, http.StripPrefix(artifacts.FilesPath, noListing(http.FileServer(http.Dir(s.filesDir)))))
	}
	return s.recoverer(s.logRequests(mux))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, ack, err := s.pipeline.Dispatch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ack != nil {
		writeJSON(w, http.StatusAccepted, ack)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	execs, err := s.executions.ListExecutions(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if execs == nil {
		execs = []store.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.executions.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": health.Healthy})
		return
	}
	results, overall := s.health.CheckAll(r.Context())
	code := http.StatusOK
	if overall == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": overall, "components": results})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			e := errors.Newf(errors.CodeInvalidInput, "request body exceeds %d bytes", tooLarge.Limit)
			e.StatusCode = http.StatusRequestEntityTooLarge
			return e
		}
		return errors.New(errors.CodeInvalidInput, "invalid request body: "+err.Error(), err)
	}
	return nil
}

func parseFilter(r *http.Request) (store.ExecutionFilter, error) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		SkillID: q.Get("skillId"),
		Status:  store.ExecutionStatus(q.Get("status")),
		Trigger: store.Trigger(q.Get("trigger")),
		Limit:   defaultListLimit,
	}
	switch filter.Status {
	case "", store.StatusRunning, store.StatusCompleted, store.StatusFailed:
	default:
		return filter, errors.Newf(errors.CodeInvalidInput, "invalid status %q", filter.Status)
	}
	if filter.Trigger != "" && !filter.Trigger.Valid() {
		return filter, errors.Newf(errors.CodeInvalidInput, "invalid trigger %q", filter.Trigger)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, errors.Newf(errors.CodeInvalidInput, "invalid limit %q", v)
		}
		filter.Limit = min(n, maxListLimit)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.Newf(errors.CodeInvalidInput, "invalid since %q", v)
		}
		filter.Since = t
	}
	return filter, nil
}

type errorBody struct {
	Error errors.Public `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.StatusCode(err)
	if code >= 500 {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorBody{Error: errors.Sanitize(err)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// noListing hides directory indexes.
func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.DebugContext(r.Context(), "http request",
			"method", r.Method, "path", path.Clean(r.URL.Path),
			"status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.ErrorContext(r.Context(), "handler panic", "panic", v, "stack", string(debug.Stack()))
				s.writeError(w, r, errors.New(errors.CodeInternal, "panic", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

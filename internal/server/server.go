// Package server exposes the HTTP surface: iteration progress streams,
// suggestion review and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ahrav/go-promptlab/internal/diff"
	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/internal/progress"
	"github.com/ahrav/go-promptlab/internal/review"
	"github.com/ahrav/go-promptlab/internal/store"
)

// Config holds listener settings.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// KeepAlive is the SSE ping interval.
	KeepAlive time.Duration
}

// Iterations reads iterations for the API.
type Iterations interface {
	GetIteration(ctx context.Context, id string) (*domain.Iteration, error)
}

// Reviewer applies suggestion decisions.
type Reviewer interface {
	Review(ctx context.Context, suggestionID string, decision domain.ReviewDecision) (*review.Outcome, error)
}

// Server is the promptlab API server.
type Server struct {
	cfg        Config
	iterations Iterations
	reviewer   Reviewer
	broker     progress.Broker
	metrics    http.Handler
	logger     *slog.Logger
}

// New creates a server. A nil metrics handler leaves /metrics unrouted.
func New(cfg Config, iterations Iterations, reviewer Reviewer, broker progress.Broker, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return &Server{
		cfg:        cfg,
		iterations: iterations,
		reviewer:   reviewer,
		broker:     broker,
		metrics:    metrics,
		logger:     logger.With("component", "server"),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /iterations/{id}", s.getIteration)
	mux.HandleFunc("GET /iterations/{id}/events", s.streamEvents)
	mux.HandleFunc("POST /suggestions/{id}/review", s.reviewSuggestion)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return recoverer(s.logger, requestLogger(s.logger, mux))
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	// No WriteTimeout: event streams stay open for the life of an iteration.
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting api server", "address", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down api server", "timeout", s.cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (s *Server) getIteration(w http.ResponseWriter, r *http.Request) {
	it, err := s.iterations.GetIteration(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.iterations.GetIteration(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	progress.Stream(w, r, s.broker, id, s.cfg.KeepAlive, s.logger)
}

type reviewRequest struct {
	Decision domain.ReviewDecision `json:"decision"`
}

func (s *Server) reviewSuggestion(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	out, err := s.reviewer.Review(r.Context(), r.PathValue("id"), req.Decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrSuggestionReviewed), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, review.ErrInvalidDecision), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, diff.ErrDoesNotApply), errors.Is(err, diff.ErrMalformedDiff),
		errors.Is(err, diff.ErrEmptyDiff), errors.Is(err, diff.ErrTooMuchChange):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

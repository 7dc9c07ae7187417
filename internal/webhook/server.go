package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/pipewright/internal/run"
	"github.com/mattjoyce/pipewright/internal/trigger"
)

// Server represents the webhook HTTP server.
type Server struct {
	config    Config
	verifier  TriggerVerifier
	submitter RunSubmitter
	recorder  TriggerRecorder
	logger    *slog.Logger
	server    *http.Server

	// endpoints maps URL paths to their configurations
	endpoints map[string]*EndpointConfig
}

// New creates a new webhook server instance. recorder may be nil.
func New(config Config, verifier TriggerVerifier, submitter RunSubmitter, recorder TriggerRecorder, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		verifier:  verifier,
		submitter: submitter,
		recorder:  recorder,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "pipewright-webhook")
	})

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook handles incoming webhook POST requests.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	p := endpoint.Pipeline

	payload, err := trigger.FromRequest(r, endpoint.MaxBodySize)
	if errors.Is(err, trigger.ErrPayloadTooLarge) {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}

	rec := run.TriggerRecord{Endpoint: endpoint.Path, Pipeline: p.Name}
	if provider, err := trigger.Classify(payload); err == nil {
		rec.Provider = string(provider)
		rec.Event = payload.Header.Get(trigger.EventHeader(provider))
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("pipewright.pipeline", p.Name),
		attribute.String("pipewright.provider", rec.Provider),
	)

	verified, err := s.verifier.Verify(ctx, p.Triggers, payload)
	if err != nil {
		rec.Error = err.Error()
		s.record(ctx, rec)

		status, message := verifyErrorStatus(err)
		s.logger.Warn("webhook trigger verification failed",
			"path", endpoint.Path,
			"pipeline", p.Name,
			"provider", rec.Provider,
			"status", status,
			"error", err,
		)
		s.respondError(w, status, message)
		return
	}

	if !verified {
		s.record(ctx, rec)
		s.logger.Info("webhook request is not a trigger event",
			"path", endpoint.Path,
			"pipeline", p.Name,
			"provider", rec.Provider,
		)
		s.respondJSON(w, http.StatusOK, TriggerResponse{Triggered: false})
		return
	}

	rec.Verified = true
	runID, err := s.submitter.Submit(ctx, p, rec.Provider)
	rec.RunID = runID
	if err != nil {
		rec.Error = err.Error()
		s.record(ctx, rec)
		s.logger.Error("failed to queue run",
			"path", endpoint.Path,
			"pipeline", p.Name,
			"error", err,
		)
		switch {
		case errors.Is(err, run.ErrQueueFull):
			s.respondError(w, http.StatusServiceUnavailable, "preparation queue is full")
			return
		case errors.Is(err, run.ErrPreparerStopped):
			s.respondError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		s.respondError(w, http.StatusInternalServerError, "failed to queue run")
		return
	}
	s.record(ctx, rec)
	span.SetAttributes(attribute.String("pipewright.run_id", runID))

	s.logger.Info("webhook run queued",
		"path", endpoint.Path,
		"pipeline", p.Name,
		"provider", rec.Provider,
		"run_id", runID,
	)
	s.respondJSON(w, http.StatusAccepted, TriggerResponse{Triggered: true, RunID: runID})
}

// verifyErrorStatus maps a dispatcher error to a response.
func verifyErrorStatus(err error) (int, string) {
	var precondition *trigger.PreconditionError
	switch {
	case errors.Is(err, trigger.ErrUnknownProvider):
		return http.StatusBadRequest, "unknown webhook provider"
	case errors.As(err, &precondition), errors.Is(err, trigger.ErrNoVerifier):
		return http.StatusInternalServerError, "trigger configuration error"
	default:
		return http.StatusUnprocessableEntity, "invalid webhook payload"
	}
}

func (s *Server) record(ctx context.Context, rec run.TriggerRecord) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.RecordTrigger(ctx, rec); err != nil {
		s.logger.Error("failed to record trigger event", "path", rec.Endpoint, "error", err)
	}
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}

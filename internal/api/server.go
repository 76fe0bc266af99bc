package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"growmate/internal/engine"
	"growmate/internal/types"
)

// Server wires the engine facade to HTTP. Construction and route mounting
// are separate so tests can mount routes against a fake engine.
type Server struct {
	engine   *engine.Engine
	logger   types.Logger
	validate *validator.Validate

	router *chi.Mux
	http   *http.Server
}

// NewServer creates the control-surface server for the given engine.
func NewServer(eng *engine.Engine, logger types.Logger) *Server {
	s := &Server{
		engine:   eng,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		router:   chi.NewRouter(),
	}
	s.mountRoutes()
	return s
}

// Handler returns the server's http.Handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) mountRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoverMiddleware)

	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/schedule", s.handleSchedule)
		r.Post("/schedule/batch", s.handleScheduleBatch)
		r.Delete("/tasks/{taskID}/schedule", s.handleCancel)
		r.Post("/tasks/{taskID}/reschedule", s.handleReschedule)
		r.Post("/sweep", s.handleSweep)
		r.Post("/events/delivery", s.handleDeliveryEvent)
		r.Get("/stats", s.handleStats)
	})
}

// Listen starts serving on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening",
		"addr", addr,
	)
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// requestIDMiddleware assigns each request an id, honoring an upstream
// X-Request-ID when present.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
	})
}

// loggingMiddleware logs one line per request with latency and status.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", types.GetRequestID(r.Context()),
		)
	})
}

// recoverMiddleware converts handler panics into 500 responses.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic recovered",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", types.GetRequestID(r.Context()),
				)
				Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected,
					"an unexpected error occurred", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

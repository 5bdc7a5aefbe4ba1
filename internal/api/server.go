package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/metrics"
)

const defaultRequestTimeout = 30 * time.Second

// Service is the orchestrator surface the handlers drive.
type Service interface {
	StartFullCrawl(ctx context.Context, targetID string, limit crawler.PageLimit, maxItems int) (string, error)
	StartSearch(ctx context.Context, targetID, query string, maxItems int) (string, error)
	StartSingleItem(ctx context.Context, targetID, sourceURL string) (string, error)
	StartUpdateAllKnown(ctx context.Context, targetID string, itemLimit int) (string, error)
	StartUpdateItem(ctx context.Context, contentID string) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (crawler.Job, error)
	ListJobs(ctx context.Context, page, pageSize int, status *crawler.JobStatus) ([]crawler.Job, error)
	JobLogs(ctx context.Context, jobID string, limit int) ([]crawler.LogEntry, error)
	CancelJob(ctx context.Context, jobID string) error
	PauseJob(ctx context.Context, jobID string) error
	ResumeJob(ctx context.Context, jobID string) error
}

// Targets lists the configured crawl targets.
type Targets interface {
	List() []crawler.CrawlTarget
}

// Options tunes optional server behavior.
type Options struct {
	// APIKey, when set, is required on every /v1 request via X-API-Key.
	APIKey string
	// Ready reports downstream readiness for /readyz; nil means always ready.
	Ready          func(ctx context.Context) error
	RequestTimeout time.Duration
	// Metrics serves /metrics; nil uses the Prometheus default handler.
	Metrics http.Handler
	Logger  *zap.Logger
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router  chi.Router
	svc     Service
	targets Targets
	ready   func(ctx context.Context) error
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, targets Targets, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Handler()
	}
	s := &Server{
		svc:     svc,
		targets: targets,
		ready:   opts.Ready,
		logger:  opts.Logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", opts.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/targets", s.listTargets)
		r.Route("/targets/{target_id}", func(r chi.Router) {
			r.Post("/crawl", s.startCrawl)
			r.Post("/update", s.startUpdate)
			r.Post("/items", s.startItem)
			r.Post("/search", s.startSearch)
		})
		r.Post("/contents/{content_id}/update", s.startContentUpdate)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/logs", s.jobLogs)
				r.Post("/cancel", s.cancelJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/resume", s.resumeJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.Stack("stack"))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

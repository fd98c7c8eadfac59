// Package server is the HTTP surface: submissions, polling, batches and
// operational endpoints. It speaks JSON and maps pipeline failures onto
// status codes; all domain logic stays in the pipeline.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"distillo/internal/batch"
	"distillo/internal/config"
	"distillo/internal/log"
	"distillo/internal/pipeline"
	"distillo/internal/store"
)

// Pipeline is the slice of the coordinator the HTTP layer needs.
type Pipeline interface {
	ProcessURL(ctx context.Context, sub pipeline.Submission) pipeline.Outcome
	ProcessForward(ctx context.Context, sub pipeline.Submission) pipeline.ForwardResult
	Status(ctx context.Context, requestID string) (*pipeline.StatusInfo, error)
	SummaryOf(ctx context.Context, requestID string) (*store.Summary, error)
	Trail(ctx context.Context, correlationID string) ([]store.AuditEvent, error)
}

// Batches is the slice of the orchestrator the HTTP layer needs.
type Batches interface {
	Start(ctx context.Context, urls []string, userID string, done func(*batch.Report)) string
	Get(batchID string) *batch.Snapshot
}

type Server struct {
	pipe    Pipeline
	batches Batches
	cfg     config.Config
	logger  zerolog.Logger
}

func New(pipe Pipeline, batches Batches, cfg config.Config) *Server {
	return &Server{pipe: pipe, batches: batches, cfg: cfg, logger: log.WithComponent("server")}
}

// Router builds the full route tree. Submission routes carry a per-IP rate
// limit; polling and operational routes do not.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
			r.Post("/submit", s.handleSubmit)
			r.Post("/batches", s.handleBatchCreate)
		})
		r.Get("/requests/{id}", s.handleRequestStatus)
		r.Get("/requests/{id}/summary", s.handleRequestSummary)
		r.Get("/requests/{id}/trail", s.handleRequestTrail)
		r.Get("/batches/{id}", s.handleBatchProgress)
		r.Get("/batches/{id}/progress", s.handleBatchProgress)
	})
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then drains for up to
// ten seconds.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info().Str("listen", s.cfg.Listen).Msg("http server up")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]string{"error_type": errType, "error": msg})
}

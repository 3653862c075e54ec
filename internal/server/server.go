// Package server exposes analysis jobs and batches over HTTP, with live
// snapshots streamed as Server-Sent Events.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/explain-cli/internal/batch"
	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/pipeline"
)

// JobRunner drives single analysis jobs. *pipeline.Machine satisfies it.
type JobRunner interface {
	Run(ctx context.Context, req model.AnalysisRequest, opts ...pipeline.RunOption) pipeline.Outcome
	Retry(ctx context.Context, prev pipeline.Outcome, opts ...pipeline.RunOption) (pipeline.Outcome, error)
}

// BatchRunner drives batches. *batch.Orchestrator satisfies it.
type BatchRunner interface {
	Run(ctx context.Context, items []model.BatchItem, opts ...batch.RunOption) (*batch.Result, error)
}

// Server holds the in-memory registry of jobs and batches.
type Server struct {
	jobs    JobRunner
	batches BatchRunner

	allowedOrigins []string
	retention      time.Duration
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	jobByID   map[string]*job
	batchByID map[string]*batchJob
}

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins sets the CORS allow-list. Defaults to "*".
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// WithRetention sets how long finished jobs and batches stay queryable.
func WithRetention(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.retention = d
		}
	}
}

// New creates a Server. Jobs run on a context owned by the server, so they
// outlive the request that started them.
func New(jobs JobRunner, batches BatchRunner, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		jobs:           jobs,
		batches:        batches,
		allowedOrigins: []string{"*"},
		retention:      time.Hour,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
		jobByID:        make(map[string]*job),
		batchByID:      make(map[string]*batchJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/{id}", s.getJob)
			r.Get("/{id}/events", s.jobEvents)
			r.Post("/{id}/cancel", s.cancelJob)
			r.Post("/{id}/retry", s.retryJob)
		})
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.createBatch)
			r.Get("/{id}", s.getBatch)
			r.Get("/{id}/events", s.batchEvents)
			r.Post("/{id}/cancel", s.cancelBatch)
		})
	})
	return r
}

// Shutdown abandons every running job and batch and waits for their
// goroutines to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, j := range s.jobByID {
		j.abort.Set()
	}
	for _, b := range s.batchByID {
		b.abort.Set()
	}
	s.mu.RUnlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep forgets jobs and batches that finished more than the retention
// period ago and returns how many were removed.
func (s *Server) Sweep() int {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, j := range s.jobByID {
		if fin, ok := j.finishedAt(); ok && fin.Before(cutoff) {
			delete(s.jobByID, id)
			removed++
		}
	}
	for id, b := range s.batchByID {
		if fin, ok := b.finishedAt(); ok && fin.Before(cutoff) {
			delete(s.batchByID, id)
			removed++
		}
	}
	if removed > 0 {
		zap.L().Debug("server: swept finished work", zap.Int("removed", removed))
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Sweep()
		}
	}
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/pipeline"
)

// job is one analysis run started over HTTP.
type job struct {
	id        string
	retryOf   string
	createdAt time.Time
	abort     *pipeline.Abort
	feed      *feed[pipeline.Snapshot]

	mu       sync.Mutex
	outcome  *pipeline.Outcome
	finished time.Time
}

// jobView is the JSON shape of a job.
type jobView struct {
	ID            string                  `json:"id"`
	State         model.State             `json:"state"`
	Stage         model.Stage             `json:"stage,omitempty"`
	StageMessages map[model.Stage]string  `json:"stage_messages,omitempty"`
	Result        *model.ExplainResponse  `json:"result,omitempty"`
	Error         *model.CategorizedError `json:"error,omitempty"`
	Actions       []model.Action          `json:"actions,omitempty"`
	CostUSD       float64                 `json:"cost_usd,omitempty"`
	ElapsedMs     int64                   `json:"elapsed_ms"`
	RetryOf       string                  `json:"retry_of,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	FinishedAt    *time.Time              `json:"finished_at,omitempty"`
}

func (j *job) finish(out pipeline.Outcome, at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcome = &out
	j.finished = at
}

func (j *job) result() (pipeline.Outcome, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outcome == nil {
		return pipeline.Outcome{}, false
	}
	return *j.outcome, true
}

func (j *job) finishedAt() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished, j.outcome != nil
}

func (j *job) view() jobView {
	v := jobView{ID: j.id, RetryOf: j.retryOf, CreatedAt: j.createdAt, State: model.StateIdle}

	if out, ok := j.result(); ok {
		fin, _ := j.finishedAt()
		v.State = out.State
		v.StageMessages = out.StageMessages
		v.Result = out.Response
		v.Error = out.Err
		v.Actions = out.Actions()
		v.CostUSD = out.Cost
		v.ElapsedMs = out.Elapsed.Milliseconds()
		v.FinishedAt = &fin
		if snap, ok := j.feed.snapshot(); ok {
			v.Stage = snap.Stage
		}
		return v
	}
	if snap, ok := j.feed.snapshot(); ok {
		v.State = snap.State
		v.Stage = snap.Stage
		v.StageMessages = snap.StageMessages
		v.ElapsedMs = snap.Elapsed.Milliseconds()
	}
	return v
}

type runFunc func(ctx context.Context, opts ...pipeline.RunOption) pipeline.Outcome

func (s *Server) startJob(run runFunc, retryOf string) *job {
	j := &job{
		id:        uuid.New().String(),
		retryOf:   retryOf,
		createdAt: s.now().UTC(),
		abort:     pipeline.NewAbort(),
		feed:      newFeed[pipeline.Snapshot](),
	}

	s.mu.Lock()
	s.jobByID[j.id] = j
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.feed.close()

		out := run(s.ctx,
			pipeline.WithJobID(j.id),
			pipeline.WithObserver(j.feed.publish),
			pipeline.WithAbort(j.abort),
		)
		j.finish(out, s.now().UTC())
		zap.L().Info("server: job finished",
			zap.String("job", j.id),
			zap.String("state", string(out.State)),
		)
	}()
	return j
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*job, bool) {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	j, ok := s.jobByID[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
	}
	return j, ok
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req model.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Extraction == nil {
		writeError(w, http.StatusBadRequest, "extraction_result is required")
		return
	}

	j := s.startJob(func(ctx context.Context, opts ...pipeline.RunOption) pipeline.Outcome {
		return s.jobs.Run(ctx, req, opts...)
	}, "")
	writeJSON(w, http.StatusAccepted, j.view())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, j.view())
}

func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	streamFeed(w, r, j.feed, func() any { return j.view() })
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if _, done := j.result(); done {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	j.abort.Set()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": j.id, "status": "cancelling"})
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	prev, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	out, done := prev.result()
	if !done {
		writeError(w, http.StatusConflict, "job is still running")
		return
	}
	if out.Err == nil || !out.Err.Retryable() {
		writeError(w, http.StatusConflict, "job is not retryable")
		return
	}

	j := s.startJob(func(ctx context.Context, opts ...pipeline.RunOption) pipeline.Outcome {
		next, err := s.jobs.Retry(ctx, out, opts...)
		if err != nil {
			zap.L().Warn("server: retry refused", zap.String("job", prev.id), zap.Error(err))
			return out
		}
		return next
	}, prev.id)
	writeJSON(w, http.StatusAccepted, j.view())
}

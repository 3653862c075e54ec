package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/explain-cli/internal/batch"
	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/pipeline"
)

// batchJob is one batch started over HTTP.
type batchJob struct {
	id        string
	createdAt time.Time
	abort     *pipeline.Abort
	feed      *feed[batch.Snapshot]

	mu       sync.Mutex
	result   *batch.Result
	err      error
	finished time.Time
}

type batchView struct {
	ID         string          `json:"id"`
	Progress   *batch.Snapshot `json:"progress,omitempty"`
	Result     *batch.Result   `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

type createBatchRequest struct {
	Items []model.BatchItem `json:"items"`
}

func (b *batchJob) finish(res *batch.Result, err error, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result = res
	b.err = err
	b.finished = at
}

func (b *batchJob) finishedAt() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished, !b.finished.IsZero()
}

func (b *batchJob) view() batchView {
	v := batchView{ID: b.id, CreatedAt: b.createdAt}
	if snap, ok := b.feed.snapshot(); ok {
		v.Progress = &snap
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.finished.IsZero() {
		fin := b.finished
		v.FinishedAt = &fin
		v.Result = b.result
		if b.err != nil {
			v.Error = b.err.Error()
		}
	}
	return v
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items are required")
		return
	}
	for i := range req.Items {
		it := &req.Items[i]
		if it.Request.Extraction == nil {
			writeError(w, http.StatusBadRequest, "every item needs an extraction_result")
			return
		}
		if it.Filename == "" {
			it.Filename = it.Request.Filename()
		}
	}

	b := &batchJob{
		id:        uuid.New().String(),
		createdAt: s.now().UTC(),
		abort:     pipeline.NewAbort(),
		feed:      newFeed[batch.Snapshot](),
	}
	s.mu.Lock()
	s.batchByID[b.id] = b
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer b.feed.close()

		res, err := s.batches.Run(s.ctx, req.Items,
			batch.WithBatchID(b.id),
			batch.WithObserver(b.feed.publish),
			batch.WithAbort(b.abort),
		)
		if err != nil && !errors.Is(err, batch.ErrBatchFailed) && !errors.Is(err, batch.ErrAborted) {
			zap.L().Error("server: batch failed", zap.String("batch", b.id), zap.Error(err))
		}
		b.finish(res, err, s.now().UTC())
	}()

	writeJSON(w, http.StatusAccepted, b.view())
}

func (s *Server) lookupBatch(w http.ResponseWriter, r *http.Request) (*batchJob, bool) {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	b, ok := s.batchByID[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "batch not found")
	}
	return b, ok
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookupBatch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b.view())
}

func (s *Server) batchEvents(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookupBatch(w, r)
	if !ok {
		return
	}
	streamFeed(w, r, b.feed, func() any { return b.view() })
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookupBatch(w, r)
	if !ok {
		return
	}
	if _, done := b.finishedAt(); done {
		writeError(w, http.StatusConflict, "batch already finished")
		return
	}
	b.abort.Set()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": b.id, "status": "cancelling"})
}

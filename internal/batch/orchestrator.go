// Package batch runs several analysis jobs in order, feeding what earlier
// items produced into later requests.
package batch

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/pipeline"
	"github.com/sells-group/explain-cli/internal/resilience"
)

var (
	// ErrNoItems is returned when a batch is started without items.
	ErrNoItems = eris.New("batch: no items")
	// ErrBatchFailed is returned when every item in a batch failed. The
	// result is still returned for inspection.
	ErrBatchFailed = eris.New("batch: no item succeeded")
	// ErrAborted is returned when the caller abandoned the batch.
	ErrAborted = eris.New("batch: aborted")
)

// Kind describes how a finished batch should be presented.
type Kind string

const (
	// KindNone means no item succeeded.
	KindNone Kind = "none"
	// KindSingle means exactly one item succeeded; it is presented as a
	// single-item run.
	KindSingle Kind = "single"
	// KindComparison means two or more items succeeded and are presented
	// side by side.
	KindComparison Kind = "comparison"
)

// Runner drives one analysis job. *pipeline.Machine satisfies it.
type Runner interface {
	Run(ctx context.Context, req model.AnalysisRequest, opts ...pipeline.RunOption) pipeline.Outcome
}

// Recorder persists batch progress. Failures are logged and never affect
// the batch.
type Recorder interface {
	CreateBatchRun(ctx context.Context, run model.BatchRun) error
	UpdateBatchRun(ctx context.Context, run model.BatchRun) error
	SaveBatchItem(ctx context.Context, batchID string, item model.BatchItemState) error
	EnqueueFailed(ctx context.Context, item resilience.FailedItem) error
}

// Snapshot is the observable state of a batch.
type Snapshot struct {
	BatchID   string                 `json:"batch_id"`
	Status    model.BatchStatus      `json:"status"`
	Items     []model.BatchItemState `json:"items"`
	Completed int                    `json:"completed"`
	Succeeded int                    `json:"succeeded"`
	Failed    int                    `json:"failed"`
	Total     int                    `json:"total"`
}

// Observer receives snapshots from the goroutine driving the batch.
type Observer func(Snapshot)

// Result is the aggregate of a finished batch.
type Result struct {
	BatchID   string                   `json:"batch_id"`
	Kind      Kind                     `json:"kind"`
	Status    model.BatchStatus        `json:"status"`
	Items     []model.BatchItemState   `json:"items"`
	Results   []*model.ExplainResponse `json:"results"`
	Labels    []string                 `json:"labels"`
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Cost      float64                  `json:"cost_usd"`

	UsedOpenings   []string             `json:"used_openings,omitempty"`
	PriorSummaries []model.PriorSummary `json:"prior_summaries,omitempty"`
}

// Single returns the only successful result of a KindSingle batch.
func (r *Result) Single() *model.ExplainResponse {
	if r == nil || r.Kind != KindSingle || len(r.Results) != 1 {
		return nil
	}
	return r.Results[0]
}

// Orchestrator runs batches strictly one item at a time.
type Orchestrator struct {
	runner   Runner
	recorder Recorder
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder persists batch runs, item states and failed items.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// New creates an Orchestrator that drives each item through runner.
func New(runner Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{runner: runner, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunOption configures a single batch run.
type RunOption func(*runOptions)

type runOptions struct {
	batchID  string
	observer Observer
	abort    *pipeline.Abort
}

// WithBatchID sets the batch identifier instead of generating one.
func WithBatchID(id string) RunOption {
	return func(o *runOptions) {
		o.batchID = id
	}
}

// WithObserver publishes every item transition to fn.
func WithObserver(fn Observer) RunOption {
	return func(o *runOptions) {
		o.observer = fn
	}
}

// WithAbort lets the caller abandon the batch by setting a. The flag is
// checked between items and inside the running item.
func WithAbort(a *pipeline.Abort) RunOption {
	return func(o *runOptions) {
		o.abort = a
	}
}

// Run processes items in order. A failed item is recorded and the batch
// continues. It returns ErrBatchFailed when nothing succeeded and ErrAborted
// when the batch was abandoned; the result is non-nil in both cases.
func (o *Orchestrator) Run(ctx context.Context, items []model.BatchItem, opts ...RunOption) (*Result, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.batchID == "" {
		ro.batchID = uuid.New().String()
	}

	b := &batchRun{
		o:     o,
		opts:  ro,
		items: items,
		acc:   NewAccumulator(),
		log:   zap.L().With(zap.String("batch", ro.batchID)),
		run: model.BatchRun{
			ID:        ro.batchID,
			Status:    model.BatchRunning,
			Total:     len(items),
			CreatedAt: o.now().UTC(),
			UpdatedAt: o.now().UTC(),
		},
	}
	return b.execute(ctx)
}

// batchRun is the state of one batch. It is owned by the goroutine calling
// Orchestrator.Run.
type batchRun struct {
	o      *Orchestrator
	opts   runOptions
	items  []model.BatchItem
	states []model.BatchItemState
	acc    *Accumulator
	log    *zap.Logger
	run    model.BatchRun
	cost   float64
}

func (b *batchRun) execute(ctx context.Context) (*Result, error) {
	b.states = make([]model.BatchItemState, len(b.items))
	for i, item := range b.items {
		key := item.Key
		if key == "" {
			key = strconv.Itoa(i + 1)
		}
		b.states[i] = model.BatchItemState{
			Key:      key,
			Filename: item.Filename,
			Label:    item.DisplayLabel(),
			Request:  item.Request,
			Status:   model.ItemWaiting,
		}
	}

	b.log.Info("batch: starting", zap.Int("items", len(b.items)))
	b.record(func(ctx context.Context, r Recorder) error { return r.CreateBatchRun(ctx, b.run) })
	b.publish()

	aborted := false
	for i := range b.items {
		if b.stopped(ctx) {
			aborted = true
			break
		}
		if !b.process(ctx, i) {
			aborted = true
			break
		}
	}

	return b.finish(aborted)
}

func (b *batchRun) stopped(ctx context.Context) bool {
	return b.opts.abort.IsSet() || ctx.Err() != nil
}

// process runs item i and reports whether the batch may continue.
func (b *batchRun) process(ctx context.Context, i int) bool {
	st := &b.states[i]
	log := b.log.With(zap.String("item", st.Key), zap.String("label", st.Label))

	st.Status = model.ItemProcessing
	st.StartedAt = b.o.now().UTC()
	st.Request = b.acc.Apply(b.items[i].Request)
	log.Info("batch: processing item",
		zap.Int("position", i+1),
		zap.Int("avoid_openings", len(st.Request.AvoidOpenings)),
		zap.Int("prior_summaries", len(st.Request.PriorSummaries)),
	)
	b.publish()

	out := b.o.runner.Run(ctx, st.Request,
		pipeline.WithJobID(b.run.ID+"/"+st.Key),
		pipeline.WithAbort(b.opts.abort),
		pipeline.WithObserver(func(s pipeline.Snapshot) {
			st.CurrentStage = s.Stage
			st.StageMessages = s.StageMessages
			b.publish()
		}),
	)
	if out.Aborted() {
		log.Info("batch: item abandoned")
		return false
	}

	st.FinishedAt = b.o.now().UTC()
	st.StageMessages = out.StageMessages
	if out.Succeeded() {
		st.Status = model.ItemDone
		st.Result = out.Response
		b.acc.Record(st.Label, out.Response)
		b.run.Succeeded++
		b.cost += out.Cost
		log.Info("batch: item complete", zap.Duration("elapsed", out.Elapsed))
	} else {
		st.Status = model.ItemError
		st.Error = out.Err
		b.run.Failed++
		log.Warn("batch: item failed",
			zap.String("category", string(out.Err.Category)),
			zap.String("message", out.Err.Message),
		)
		b.enqueueFailed(*st)
	}

	item := st.Clone()
	b.record(func(ctx context.Context, r Recorder) error { return r.SaveBatchItem(ctx, b.run.ID, item) })
	b.publish()
	return true
}

func (b *batchRun) enqueueFailed(st model.BatchItemState) {
	if st.Error == nil {
		return
	}
	now := b.o.now().UTC()
	failed := resilience.FailedItem{
		ID:           uuid.New().String(),
		BatchID:      b.run.ID,
		ItemKey:      st.Key,
		Label:        st.Label,
		Request:      st.Request,
		Error:        *st.Error,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	b.record(func(ctx context.Context, r Recorder) error { return r.EnqueueFailed(ctx, failed) })
}

func (b *batchRun) finish(aborted bool) (*Result, error) {
	res := &Result{
		BatchID:        b.run.ID,
		Items:          b.snapshotItems(),
		Succeeded:      b.run.Succeeded,
		Failed:         b.run.Failed,
		Cost:           b.cost,
		UsedOpenings:   b.acc.UsedOpenings(),
		PriorSummaries: b.acc.PriorSummaries(),
	}
	for _, st := range b.states {
		if st.Status == model.ItemDone {
			res.Results = append(res.Results, st.Result)
			res.Labels = append(res.Labels, st.Label)
		}
	}
	switch len(res.Results) {
	case 0:
		res.Kind = KindNone
	case 1:
		res.Kind = KindSingle
	default:
		res.Kind = KindComparison
	}

	var err error
	switch {
	case aborted:
		b.run.Status = model.BatchCancelled
		err = ErrAborted
	case res.Succeeded == 0:
		b.run.Status = model.BatchFailed
		err = ErrBatchFailed
	default:
		b.run.Status = model.BatchComplete
	}
	res.Status = b.run.Status
	b.run.UpdatedAt = b.o.now().UTC()

	b.record(func(ctx context.Context, r Recorder) error { return r.UpdateBatchRun(ctx, b.run) })
	b.publish()

	b.log.Info("batch: finished",
		zap.String("status", string(res.Status)),
		zap.String("kind", string(res.Kind)),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Float64("cost_usd", res.Cost),
	)
	return res, err
}

// record writes through the recorder on a context detached from the
// caller's, so progress of an interrupted batch is still kept.
func (b *batchRun) record(fn func(ctx context.Context, r Recorder) error) {
	if b.o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx, b.o.recorder); err != nil {
		b.log.Warn("batch: failed to record progress", zap.Error(err))
	}
}

// publish delivers a snapshot unless the batch has been abandoned.
func (b *batchRun) publish() {
	if b.opts.observer == nil || b.opts.abort.IsSet() {
		return
	}
	b.opts.observer(Snapshot{
		BatchID:   b.run.ID,
		Status:    b.run.Status,
		Items:     b.snapshotItems(),
		Completed: b.run.Succeeded + b.run.Failed,
		Succeeded: b.run.Succeeded,
		Failed:    b.run.Failed,
		Total:     b.run.Total,
	})
}

func (b *batchRun) snapshotItems() []model.BatchItemState {
	out := make([]model.BatchItemState, len(b.states))
	for i, st := range b.states {
		out[i] = st.Clone()
	}
	return out
}

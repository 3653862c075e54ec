// Package pipeline drives one analysis job through the remote service's
// stages to a terminal outcome.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/explain-cli/internal/cost"
	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/resilience"
	"github.com/sells-group/explain-cli/internal/sse"
)

// ErrNotRetryable is returned by Retry for outcomes whose category does not
// offer a retry.
var ErrNotRetryable = eris.New("pipeline: run is not retryable")

// noContentMessage is reported when a request carries no extracted text.
const noContentMessage = "No extracted report content to analyze. Import the report again."

// missingPayloadMessage is reported when a done event carries no usable result.
const missingPayloadMessage = "The analysis finished but returned a malformed result."

// Streamer opens the analysis event stream for a request.
type Streamer interface {
	StreamExplain(ctx context.Context, req model.AnalysisRequest) (io.ReadCloser, error)
}

// Persister stores the record of a completed analysis.
type Persister interface {
	SaveHistory(ctx context.Context, rec model.HistoryRecord) (string, error)
}

// Machine runs analysis jobs. One Machine may drive many runs, sequentially
// or concurrently; each run owns its own state.
type Machine struct {
	streamer       Streamer
	persister      Persister
	notifier       Notifier
	costCalc       *cost.Calculator
	persistTimeout time.Duration
	now            func() time.Time

	wg sync.WaitGroup
}

// Option configures a Machine.
type Option func(*Machine)

// WithPersister sets where completed analyses are recorded. Without one,
// nothing is persisted.
func WithPersister(p Persister) Option {
	return func(m *Machine) {
		m.persister = p
	}
}

// WithNotifier sets the receiver of soft notices.
func WithNotifier(n Notifier) Option {
	return func(m *Machine) {
		m.notifier = n
	}
}

// WithCostCalculator enables cost estimation of completed runs.
func WithCostCalculator(c *cost.Calculator) Option {
	return func(m *Machine) {
		m.costCalc = c
	}
}

// WithPersistTimeout bounds each background persistence call.
func WithPersistTimeout(d time.Duration) Option {
	return func(m *Machine) {
		m.persistTimeout = d
	}
}

// New creates a Machine that opens streams through s.
func New(s Streamer, opts ...Option) *Machine {
	m := &Machine{
		streamer:       s,
		persistTimeout: 30 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	jobID    string
	observer Observer
	abort    *Abort
}

// WithJobID tags the run's logs, snapshots and notices.
func WithJobID(id string) RunOption {
	return func(o *runOptions) {
		o.jobID = id
	}
}

// WithObserver publishes every state change of the run to fn.
func WithObserver(fn Observer) RunOption {
	return func(o *runOptions) {
		o.observer = fn
	}
}

// WithAbort lets the caller abandon the run by setting a.
func WithAbort(a *Abort) RunOption {
	return func(o *runOptions) {
		o.abort = a
	}
}

// Run drives req to a terminal outcome. It never returns an error: failures
// are classified into Outcome.Err. Cancelling ctx, or setting the abort flag,
// ends the run in StateAborted without publishing anything further.
func (m *Machine) Run(ctx context.Context, req model.AnalysisRequest, opts ...RunOption) Outcome {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	r := &run{
		m:        m,
		req:      req,
		opts:     ro,
		start:    m.now(),
		messages: make(map[model.Stage]string),
		log: zap.L().With(
			zap.String("job", ro.jobID),
			zap.String("file", req.Filename()),
		),
	}
	return r.execute(ctx)
}

// Retry re-runs a failed outcome from Idle with its original request. Only
// categories that offer a retry action are accepted.
func (m *Machine) Retry(ctx context.Context, prev Outcome, opts ...RunOption) (Outcome, error) {
	if prev.State != model.StateError || prev.Err == nil || !prev.Err.Retryable() {
		return prev, ErrNotRetryable
	}
	zap.L().Info("pipeline: retrying run",
		zap.String("file", prev.Request.Filename()),
		zap.String("category", string(prev.Err.Category)),
	)
	return m.Run(ctx, prev.Request, opts...), nil
}

// Drain waits for background persistence and stream draining to finish.
func (m *Machine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pipeline: drain")
	}
}

// run is the state of a single job. It is owned by the goroutine calling
// Machine.Run.
type run struct {
	m        *Machine
	req      model.AnalysisRequest
	opts     runOptions
	log      *zap.Logger
	start    time.Time
	state    model.State
	stage    model.Stage
	messages map[model.Stage]string
}

func (r *run) execute(ctx context.Context) Outcome {
	if r.req.Extraction.Empty() {
		ce := resilience.NewCategorized(model.CategoryParse)
		ce.Message = noContentMessage
		r.log.Warn("pipeline: no extracted content, not starting")
		return r.fail(ce)
	}
	if r.stopped(ctx) {
		return r.aborted()
	}

	r.log.Info("pipeline: starting analysis", zap.Bool("short_comment", r.req.ShortComment))
	r.transition(model.StageDetecting, "")

	rc, err := r.m.streamer.StreamExplain(ctx, r.req)
	if r.stopped(ctx) {
		if rc != nil {
			r.m.drainBody(rc)
		}
		return r.aborted()
	}
	if err != nil {
		r.log.Error("pipeline: open stream failed", zap.Error(err))
		return r.fail(resilience.ClassifyErr(err))
	}

	dec := sse.NewDecoder(rc)
	for dec.Next() {
		if r.stopped(ctx) {
			r.m.drainBody(rc)
			return r.aborted()
		}

		ev := dec.Event()
		if !ev.IsTerminal() {
			r.progress(ev)
			continue
		}

		_ = rc.Close()
		if ev.Outcome == model.OutcomeError {
			msg := ev.Message
			if msg == "" {
				msg = "analysis failed"
			}
			r.log.Warn("pipeline: backend reported error", zap.String("message", msg))
			return r.fail(resilience.Classify(msg))
		}
		if ev.Payload == nil {
			r.log.Warn("pipeline: done event without a usable payload")
			return r.fail(resilience.Classify(missingPayloadMessage))
		}
		return r.done(ev)
	}

	if r.stopped(ctx) {
		r.m.drainBody(rc)
		return r.aborted()
	}
	_ = rc.Close()

	err = dec.Err()
	if errors.Is(err, sse.ErrNoTerminal) {
		r.log.Warn("pipeline: stream closed without a terminal event")
	} else {
		r.log.Error("pipeline: stream read failed", zap.Error(err))
	}
	return r.fail(resilience.ClassifyErr(err))
}

// stopped reports whether the caller abandoned the run. A deadline is not an
// abandonment: it surfaces as a timeout failure instead.
func (r *run) stopped(ctx context.Context) bool {
	return r.opts.abort.IsSet() || errors.Is(ctx.Err(), context.Canceled)
}

// progress applies a progress event. Unknown stages and stages earlier than
// the current one are ignored.
func (r *run) progress(ev model.ProgressEvent) {
	if !ev.Stage.Valid() {
		r.log.Debug("pipeline: ignoring unknown stage", zap.String("stage", string(ev.Stage)))
		return
	}
	if r.stage != "" && ev.Stage.Order() < r.stage.Order() {
		r.log.Debug("pipeline: ignoring stage regression",
			zap.String("current", string(r.stage)),
			zap.String("stage", string(ev.Stage)),
		)
		return
	}
	r.transition(ev.Stage, ev.Message)
}

func (r *run) transition(stage model.Stage, message string) {
	if stage != r.stage {
		r.log.Debug("pipeline: stage", zap.String("stage", string(stage)))
	}
	r.stage = stage
	r.state = model.State(stage)
	if message != "" {
		r.messages[stage] = message
	}
	r.publish(nil, nil)
}

func (r *run) done(ev model.ProgressEvent) Outcome {
	resp := ev.Payload
	r.state = model.StateDone
	out := r.outcome()
	out.Response = resp
	out.Raw = ev.Raw
	out.Cost = r.m.costCalc.Response(resp)

	r.log.Info("pipeline: analysis complete",
		zap.String("test_type", resp.ParsedReport.TestType),
		zap.String("model", resp.ModelUsed),
		zap.Int("input_tokens", resp.InputTokens),
		zap.Int("output_tokens", resp.OutputTokens),
		zap.Float64("cost_usd", out.Cost),
		zap.Duration("elapsed", out.Elapsed),
	)

	r.publish(resp, nil)
	if r.opts.abort.IsSet() {
		return out
	}
	r.m.persist(r.log, r.opts.jobID, model.NewHistoryRecord(r.req.Filename(), resp, ev.Raw))
	return out
}

func (r *run) fail(ce *model.CategorizedError) Outcome {
	r.state = model.StateError
	out := r.outcome()
	out.Err = ce
	r.log.Info("pipeline: analysis failed",
		zap.String("category", string(ce.Category)),
		zap.String("message", ce.Message),
	)
	r.publish(nil, ce)
	return out
}

func (r *run) aborted() Outcome {
	r.state = model.StateAborted
	r.log.Info("pipeline: run abandoned", zap.String("stage", string(r.stage)))
	return r.outcome()
}

func (r *run) outcome() Outcome {
	return Outcome{
		State:         r.state,
		Request:       r.req,
		StageMessages: cloneMessages(r.messages),
		Elapsed:       r.m.now().Sub(r.start),
	}
}

// publish delivers a snapshot unless the run has been abandoned.
func (r *run) publish(result *model.ExplainResponse, ce *model.CategorizedError) {
	if r.opts.observer == nil || r.opts.abort.IsSet() {
		return
	}
	r.opts.observer(Snapshot{
		JobID:         r.opts.jobID,
		State:         r.state,
		Stage:         r.stage,
		StageMessages: cloneMessages(r.messages),
		Elapsed:       r.m.now().Sub(r.start),
		Result:        result,
		Error:         ce,
	})
}

package pipeline

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/sells-group/explain-cli/internal/model"
)

// Snapshot is the observable state of one run at a point in time.
type Snapshot struct {
	JobID         string                  `json:"job_id,omitempty"`
	State         model.State             `json:"state"`
	Stage         model.Stage             `json:"stage,omitempty"`
	StageMessages map[model.Stage]string  `json:"stage_messages,omitempty"`
	Elapsed       time.Duration           `json:"elapsed_ns"`
	Result        *model.ExplainResponse  `json:"result,omitempty"`
	Error         *model.CategorizedError `json:"error,omitempty"`
}

// Observer receives snapshots from the goroutine driving the run. It must not
// block for long.
type Observer func(Snapshot)

// Outcome is the terminal result of one run.
type Outcome struct {
	State         model.State
	Response      *model.ExplainResponse
	Raw           json.RawMessage
	Err           *model.CategorizedError
	Request       model.AnalysisRequest
	StageMessages map[model.Stage]string
	Elapsed       time.Duration
	Cost          float64
}

// Succeeded reports whether the run ended in Done.
func (o Outcome) Succeeded() bool {
	return o.State == model.StateDone
}

// Aborted reports whether the run was abandoned before reaching a result.
func (o Outcome) Aborted() bool {
	return o.State == model.StateAborted
}

// Actions lists the follow-ups available after a failed run.
func (o Outcome) Actions() []model.Action {
	if o.Err == nil {
		return nil
	}
	return o.Err.Actions()
}

// Abort is a cooperative cancellation flag shared between a run and the
// caller that may abandon it. A nil *Abort is never set.
type Abort struct {
	set atomic.Bool
}

// NewAbort returns an unset flag.
func NewAbort() *Abort {
	return &Abort{}
}

// Set marks the run as abandoned. It is safe to call more than once.
func (a *Abort) Set() {
	if a != nil {
		a.set.Store(true)
	}
}

// IsSet reports whether Set has been called.
func (a *Abort) IsSet() bool {
	return a != nil && a.set.Load()
}

// Notice is a soft notification that does not change any run's outcome.
type Notice struct {
	JobID   string
	Message string
	Err     error
}

// Notifier receives soft notices, e.g. a history record that failed to save.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notice) {
	f(n)
}

func cloneMessages(in map[model.Stage]string) map[model.Stage]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[model.Stage]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

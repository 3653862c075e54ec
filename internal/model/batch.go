package model

import "time"

// ItemStatus is the lifecycle state of one batch item.
type ItemStatus string

const (
	ItemWaiting    ItemStatus = "waiting"
	ItemProcessing ItemStatus = "processing"
	ItemDone       ItemStatus = "done"
	ItemError      ItemStatus = "error"
)

// BatchItem is one input file submitted to a batch.
type BatchItem struct {
	Key      string          `json:"key"`
	Filename string          `json:"filename"`
	Label    string          `json:"label"`
	Request  AnalysisRequest `json:"request"`
}

// DisplayLabel returns the label used to cross-reference this item.
func (b BatchItem) DisplayLabel() string {
	if b.Label != "" {
		return b.Label
	}
	return b.Filename
}

// BatchItemState is the record of what happened to one item during a batch run.
type BatchItemState struct {
	Key           string            `json:"key"`
	Filename      string            `json:"filename"`
	Label         string            `json:"label"`
	Request       AnalysisRequest   `json:"-"`
	Status        ItemStatus        `json:"status"`
	CurrentStage  Stage             `json:"current_stage,omitempty"`
	StageMessages map[Stage]string  `json:"stage_messages,omitempty"`
	Result        *ExplainResponse  `json:"result,omitempty"`
	Error         *CategorizedError `json:"error,omitempty"`
	StartedAt     time.Time         `json:"started_at,omitzero"`
	FinishedAt    time.Time         `json:"finished_at,omitzero"`
}

// Clone returns a copy safe to hand to readers.
func (s BatchItemState) Clone() BatchItemState {
	out := s
	if s.StageMessages != nil {
		out.StageMessages = make(map[Stage]string, len(s.StageMessages))
		for k, v := range s.StageMessages {
			out.StageMessages[k] = v
		}
	}
	return out
}

// BatchStatus is the lifecycle state of a whole batch run.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchComplete  BatchStatus = "complete"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// BatchRun is the persisted header of a batch run.
type BatchRun struct {
	ID        string      `json:"id"`
	Status    BatchStatus `json:"status"`
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

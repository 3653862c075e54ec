package resilience

import (
	"time"

	"github.com/sells-group/explain-cli/internal/model"
)

// FailedItem records a batch item that ended in error so it can be re-run
// manually later. Nothing re-runs these automatically.
type FailedItem struct {
	ID           string                 `json:"id"`
	BatchID      string                 `json:"batch_id"`
	ItemKey      string                 `json:"item_key"`
	Label        string                 `json:"label"`
	Request      model.AnalysisRequest  `json:"request"`
	Error        model.CategorizedError `json:"error"`
	RetryCount   int                    `json:"retry_count"`
	CreatedAt    time.Time              `json:"created_at"`
	LastFailedAt time.Time              `json:"last_failed_at"`
}

// FailedFilter specifies criteria for listing failed items.
type FailedFilter struct {
	BatchID       string `json:"batch_id,omitempty"`
	RetryableOnly bool   `json:"retryable_only,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// CanRetry reports whether the recorded category allows a manual re-run.
func (f *FailedItem) CanRetry() bool {
	return f.Error.Retryable()
}

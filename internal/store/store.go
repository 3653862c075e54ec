// Package store persists batch runs, their items, failed items awaiting a
// manual re-run, and the local analysis history.
package store

import (
	"context"
	"time"

	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/resilience"
)

// RunFilter specifies criteria for listing batch runs.
type RunFilter struct {
	Status model.BatchStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// HistoryEntry is a stored history record.
type HistoryEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	model.HistoryRecord
}

// Store defines the persistence interface for batches and history.
type Store interface {
	// Batch runs
	CreateBatchRun(ctx context.Context, run model.BatchRun) error
	UpdateBatchRun(ctx context.Context, run model.BatchRun) error
	GetBatchRun(ctx context.Context, id string) (*model.BatchRun, error)
	ListBatchRuns(ctx context.Context, filter RunFilter) ([]model.BatchRun, error)
	PurgeBatch(ctx context.Context, batchID string) error

	// Batch items
	SaveBatchItem(ctx context.Context, batchID string, item model.BatchItemState) error
	ListBatchItems(ctx context.Context, batchID string) ([]model.BatchItemState, error)

	// Failed items
	EnqueueFailed(ctx context.Context, item resilience.FailedItem) error
	ListFailed(ctx context.Context, filter resilience.FailedFilter) ([]resilience.FailedItem, error)
	GetFailed(ctx context.Context, id string) (*resilience.FailedItem, error)
	IncrementFailedRetry(ctx context.Context, id string, lastErr model.CategorizedError) error
	RemoveFailed(ctx context.Context, id string) error
	CountFailed(ctx context.Context) (int, error)

	// History
	SaveHistory(ctx context.Context, rec model.HistoryRecord) (string, error)
	ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// retryableCategories are the failure categories a manual re-run may fix.
var retryableCategories = []string{
	string(model.CategoryNetwork),
	string(model.CategoryTimeout),
	string(model.CategoryQuota),
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/resilience"
)

func failedItem(id, batchID string, cat model.Category, failedAt time.Time) resilience.FailedItem {
	return resilience.FailedItem{
		ID:      id,
		BatchID: batchID,
		ItemKey: "2",
		Label:   "Labs",
		Request: model.AnalysisRequest{
			Extraction:    &model.Extraction{FullText: "LDL 130", Filename: "labs.pdf"},
			AvoidOpenings: []string{"Your heart pumps normally."},
			ShortComment:  true,
		},
		Error:        model.CategorizedError{Category: cat, Message: "boom"},
		CreatedAt:    failedAt,
		LastFailedAt: failedAt,
	}
}

func TestSQLite_Failed_EnqueueAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.EnqueueFailed(ctx, failedItem("f-1", "batch-1", model.CategoryNetwork, now)))

	got, err := st.GetFailed(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", got.BatchID)
	assert.Equal(t, "Labs", got.Label)
	assert.Equal(t, "labs.pdf", got.Request.Filename())
	assert.Equal(t, []string{"Your heart pumps normally."}, got.Request.AvoidOpenings)
	assert.True(t, got.Request.ShortComment)
	assert.Equal(t, model.CategoryNetwork, got.Error.Category)
	assert.True(t, got.CanRetry())
}

func TestSQLite_Failed_GetNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetFailed(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_Failed_EnqueueAssignsID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	item := failedItem("", "batch-1", model.CategoryParse, time.Time{})
	require.NoError(t, st.EnqueueFailed(ctx, item))

	items, err := st.ListFailed(ctx, resilience.FailedFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NotEmpty(t, items[0].ID)
	assert.False(t, items[0].CreatedAt.IsZero())
}

func TestSQLite_Failed_ListFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.EnqueueFailed(ctx, failedItem("f-1", "batch-1", model.CategoryNetwork, base)))
	require.NoError(t, st.EnqueueFailed(ctx, failedItem("f-2", "batch-1", model.CategoryAuth, base.Add(time.Minute))))
	require.NoError(t, st.EnqueueFailed(ctx, failedItem("f-3", "batch-2", model.CategoryQuota, base.Add(2*time.Minute))))

	all, err := st.ListFailed(ctx, resilience.FailedFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "f-3", all[0].ID)

	byBatch, err := st.ListFailed(ctx, resilience.FailedFilter{BatchID: "batch-1"})
	require.NoError(t, err)
	assert.Len(t, byBatch, 2)

	retryable, err := st.ListFailed(ctx, resilience.FailedFilter{RetryableOnly: true})
	require.NoError(t, err)
	require.Len(t, retryable, 2)
	for _, f := range retryable {
		assert.True(t, f.CanRetry(), f.ID)
	}

	limited, err := st.ListFailed(ctx, resilience.FailedFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_Failed_IncrementRetry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueFailed(ctx, failedItem("f-1", "batch-1", model.CategoryNetwork, time.Now().UTC())))
	require.NoError(t, st.IncrementFailedRetry(ctx, "f-1", model.CategorizedError{Category: model.CategoryTimeout, Message: "again"}))

	got, err := st.GetFailed(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, model.CategoryTimeout, got.Error.Category)
	assert.Equal(t, "again", got.Error.Message)

	err = st.IncrementFailedRetry(ctx, "missing", model.CategorizedError{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_Failed_RemoveAndCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.EnqueueFailed(ctx, failedItem("f-1", "batch-1", model.CategoryNetwork, now)))
	require.NoError(t, st.EnqueueFailed(ctx, failedItem("f-2", "batch-1", model.CategoryNetwork, now)))

	n, err := st.CountFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, st.RemoveFailed(ctx, "f-1"))
	n, err = st.CountFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

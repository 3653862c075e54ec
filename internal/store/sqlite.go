package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batch_runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	total      INTEGER NOT NULL DEFAULT 0,
	succeeded  INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS batch_items (
	batch_id       TEXT NOT NULL REFERENCES batch_runs(id),
	item_key       TEXT NOT NULL,
	filename       TEXT NOT NULL DEFAULT '',
	label          TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	current_stage  TEXT NOT NULL DEFAULT '',
	stage_messages TEXT,
	result         TEXT,
	error          TEXT,
	started_at     DATETIME,
	finished_at    DATETIME,
	PRIMARY KEY (batch_id, item_key)
);

CREATE TABLE IF NOT EXISTS failed_items (
	id             TEXT PRIMARY KEY,
	batch_id       TEXT NOT NULL,
	item_key       TEXT NOT NULL,
	label          TEXT NOT NULL DEFAULT '',
	request        TEXT NOT NULL,
	error          TEXT NOT NULL,
	category       TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS history (
	id                TEXT PRIMARY KEY,
	test_type         TEXT NOT NULL DEFAULT '',
	test_type_display TEXT NOT NULL DEFAULT '',
	filename          TEXT NOT NULL DEFAULT '',
	summary           TEXT NOT NULL DEFAULT '',
	full_response     TEXT,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_batch_runs_status ON batch_runs(status);
CREATE INDEX IF NOT EXISTS idx_batch_items_batch_id ON batch_items(batch_id);
CREATE INDEX IF NOT EXISTS idx_failed_items_batch_id ON failed_items(batch_id);
CREATE INDEX IF NOT EXISTS idx_failed_items_category ON failed_items(category);
CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Batch runs

func (s *SQLiteStore) CreateBatchRun(ctx context.Context, run model.BatchRun) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (id, status, total, succeeded, failed, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.Total, run.Succeeded, run.Failed, run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert batch run %s", run.ID)
}

func (s *SQLiteStore) UpdateBatchRun(ctx context.Context, run model.BatchRun) error {
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET status = ?, succeeded = ?, failed = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), run.Succeeded, run.Failed, run.UpdatedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update batch run %s", run.ID)
	}
	return checkRowsAffected(res, "batch run", run.ID)
}

func (s *SQLiteStore) GetBatchRun(ctx context.Context, id string) (*model.BatchRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, total, succeeded, failed, created_at, updated_at FROM batch_runs WHERE id = ?`, id,
	)
	r, err := scanBatchRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("batch run not found: %s", id)
	}
	return r, err
}

func (s *SQLiteStore) ListBatchRuns(ctx context.Context, filter RunFilter) ([]model.BatchRun, error) {
	query := `SELECT id, status, total, succeeded, failed, created_at, updated_at FROM batch_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batch runs")
	}
	defer rows.Close()

	var runs []model.BatchRun
	for rows.Next() {
		r, err := scanBatchRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list batch runs iterate")
}

// Batch items

func (s *SQLiteStore) SaveBatchItem(ctx context.Context, batchID string, item model.BatchItemState) error {
	cols, err := encodeItem(item)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode batch item")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_items
		 (batch_id, item_key, filename, label, status, current_stage, stage_messages, result, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (batch_id, item_key) DO UPDATE SET
		   status = excluded.status, current_stage = excluded.current_stage,
		   stage_messages = excluded.stage_messages, result = excluded.result, error = excluded.error,
		   started_at = excluded.started_at, finished_at = excluded.finished_at`,
		batchID, item.Key, item.Filename, item.Label, string(item.Status), string(item.CurrentStage),
		nullString(cols.stageMessages), nullString(cols.result), nullString(cols.err),
		item.StartedAt, item.FinishedAt,
	)
	return eris.Wrapf(err, "sqlite: save batch item %s/%s", batchID, item.Key)
}

func (s *SQLiteStore) ListBatchItems(ctx context.Context, batchID string) ([]model.BatchItemState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_key, filename, label, status, current_stage, stage_messages, result, error, started_at, finished_at
		 FROM batch_items WHERE batch_id = ? ORDER BY started_at ASC, item_key ASC`, batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list batch items %s", batchID)
	}
	defer rows.Close()

	var items []model.BatchItemState
	for rows.Next() {
		var it model.BatchItemState
		var stageMessages, result, errJSON sql.NullString
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&it.Key, &it.Filename, &it.Label, &it.Status, &it.CurrentStage,
			&stageMessages, &result, &errJSON, &startedAt, &finishedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch item")
		}
		it.StartedAt = startedAt.Time
		it.FinishedAt = finishedAt.Time
		if err := decodeItem(&it, itemColumns{
			stageMessages: stageMessages.String,
			result:        result.String,
			err:           errJSON.String,
		}); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode batch item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list batch items iterate")
}

// Failed items

func (s *SQLiteStore) EnqueueFailed(ctx context.Context, item resilience.FailedItem) error {
	reqJSON, errJSON, err := encodeFailed(&item)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode failed item")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO failed_items
		 (id, batch_id, item_key, label, request, error, category, retry_count, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, category = excluded.category,
		   retry_count = excluded.retry_count, last_failed_at = excluded.last_failed_at`,
		item.ID, item.BatchID, item.ItemKey, item.Label, string(reqJSON), string(errJSON),
		string(item.Error.Category), item.RetryCount, item.CreatedAt, item.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue failed item")
}

const failedColumns = `id, batch_id, item_key, label, request, error, retry_count, created_at, last_failed_at`

func (s *SQLiteStore) ListFailed(ctx context.Context, filter resilience.FailedFilter) ([]resilience.FailedItem, error) {
	query := `SELECT ` + failedColumns + ` FROM failed_items WHERE 1=1`
	var args []any

	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.RetryableOnly {
		query += ` AND category IN (?` + strings.Repeat(`, ?`, len(retryableCategories)-1) + `)`
		for _, c := range retryableCategories {
			args = append(args, c)
		}
	}
	query += ` ORDER BY last_failed_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failed items")
	}
	defer rows.Close()

	var items []resilience.FailedItem
	for rows.Next() {
		f, err := scanFailed(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *f)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list failed items iterate")
}

func (s *SQLiteStore) GetFailed(ctx context.Context, id string) (*resilience.FailedItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+failedColumns+` FROM failed_items WHERE id = ?`, id)
	f, err := scanFailed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("failed item not found: %s", id)
	}
	return f, err
}

func (s *SQLiteStore) IncrementFailedRetry(ctx context.Context, id string, lastErr model.CategorizedError) error {
	errJSON, err := json.Marshal(lastErr)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal failed item error")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE failed_items SET retry_count = retry_count + 1, error = ?, category = ?, last_failed_at = ? WHERE id = ?`,
		string(errJSON), string(lastErr.Category), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment failed item retry %s", id)
	}
	return checkRowsAffected(res, "failed item", id)
}

func (s *SQLiteStore) RemoveFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM failed_items WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove failed item")
}

func (s *SQLiteStore) CountFailed(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_items`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count failed items")
}

// History

func (s *SQLiteStore) SaveHistory(ctx context.Context, rec model.HistoryRecord) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (id, test_type, test_type_display, filename, summary, full_response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, rec.TestType, rec.TestTypeDisplay, rec.Filename, rec.Summary,
		nullString(string(rec.FullResponse)), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert history")
	}
	return id, nil
}

func (s *SQLiteStore) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, test_type, test_type_display, filename, summary, full_response, created_at
		 FROM history ORDER BY created_at DESC LIMIT ?`, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list history")
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var full sql.NullString
		if err := rows.Scan(&e.ID, &e.TestType, &e.TestTypeDisplay, &e.Filename, &e.Summary, &full, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		if full.Valid {
			e.FullResponse = json.RawMessage(full.String)
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list history iterate")
}

// PurgeBatch deletes a batch run together with its items and failed items.
func (s *SQLiteStore) PurgeBatch(ctx context.Context, batchID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin purge")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM failed_items WHERE batch_id = ?`,
		`DELETE FROM batch_items WHERE batch_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, batchID); err != nil {
			return eris.Wrapf(err, "sqlite: purge batch %s", batchID)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM batch_runs WHERE id = ?`, batchID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: purge batch %s", batchID)
	}
	if err := checkRowsAffected(res, "batch run", batchID); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit purge")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBatchRun(row scannable) (*model.BatchRun, error) {
	var r model.BatchRun
	err := row.Scan(&r.ID, &r.Status, &r.Total, &r.Succeeded, &r.Failed, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(err, "batch run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan batch run")
	}
	return &r, nil
}

func scanFailed(row scannable) (*resilience.FailedItem, error) {
	var f resilience.FailedItem
	var reqJSON, errJSON string
	err := row.Scan(&f.ID, &f.BatchID, &f.ItemKey, &f.Label, &reqJSON, &errJSON,
		&f.RetryCount, &f.CreatedAt, &f.LastFailedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(err, "failed item not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan failed item")
	}
	if err := decodeFailed(&f, []byte(reqJSON), []byte(errJSON)); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode failed item")
	}
	return &f, nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/explain-cli/internal/db"
	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_batch_run": `INSERT INTO batch_runs (id, status, total, succeeded, failed, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"update_batch_run": `UPDATE batch_runs SET status = $1, succeeded = $2, failed = $3, updated_at = $4 WHERE id = $5`,
	"get_batch_run":    `SELECT id, status, total, succeeded, failed, created_at, updated_at FROM batch_runs WHERE id = $1`,
	"insert_history":   `INSERT INTO history (id, test_type, test_type_display, filename, summary, full_response, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"count_failed":     `SELECT COUNT(*) FROM failed_items`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batch_runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status     TEXT NOT NULL DEFAULT 'running',
	total      INTEGER NOT NULL DEFAULT 0,
	succeeded  INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS batch_items (
	batch_id       TEXT NOT NULL REFERENCES batch_runs(id),
	item_key       TEXT NOT NULL,
	filename       TEXT NOT NULL DEFAULT '',
	label          TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	current_stage  TEXT NOT NULL DEFAULT '',
	stage_messages JSONB,
	result         JSONB,
	error          JSONB,
	started_at     TIMESTAMPTZ,
	finished_at    TIMESTAMPTZ,
	PRIMARY KEY (batch_id, item_key)
);

CREATE TABLE IF NOT EXISTS failed_items (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	batch_id       TEXT NOT NULL,
	item_key       TEXT NOT NULL,
	label          TEXT NOT NULL DEFAULT '',
	request        JSONB NOT NULL,
	error          JSONB NOT NULL,
	category       TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS history (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	test_type         TEXT NOT NULL DEFAULT '',
	test_type_display TEXT NOT NULL DEFAULT '',
	filename          TEXT NOT NULL DEFAULT '',
	summary           TEXT NOT NULL DEFAULT '',
	full_response     JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_batch_runs_status ON batch_runs(status);
CREATE INDEX IF NOT EXISTS idx_batch_items_batch_id ON batch_items(batch_id);
CREATE INDEX IF NOT EXISTS idx_failed_items_batch_id ON failed_items(batch_id);
CREATE INDEX IF NOT EXISTS idx_failed_items_category ON failed_items(category);
CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Batch runs

func (s *PostgresStore) CreateBatchRun(ctx context.Context, run model.BatchRun) error {
	now := nowUTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_runs (id, status, total, succeeded, failed, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, string(run.Status), run.Total, run.Succeeded, run.Failed, run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert batch run %s", run.ID)
}

func (s *PostgresStore) UpdateBatchRun(ctx context.Context, run model.BatchRun) error {
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = nowUTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_runs SET status = $1, succeeded = $2, failed = $3, updated_at = $4 WHERE id = $5`,
		string(run.Status), run.Succeeded, run.Failed, run.UpdatedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update batch run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("batch run not found: %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetBatchRun(ctx context.Context, id string) (*model.BatchRun, error) {
	var r model.BatchRun
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, total, succeeded, failed, created_at, updated_at FROM batch_runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.Status, &r.Total, &r.Succeeded, &r.Failed, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("batch run not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch run %s", id)
	}
	return &r, nil
}

func (s *PostgresStore) ListBatchRuns(ctx context.Context, filter RunFilter) ([]model.BatchRun, error) {
	query := `SELECT id, status, total, succeeded, failed, created_at, updated_at FROM batch_runs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batch runs")
	}
	defer rows.Close()

	var runs []model.BatchRun
	for rows.Next() {
		var r model.BatchRun
		if err := rows.Scan(&r.ID, &r.Status, &r.Total, &r.Succeeded, &r.Failed, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list batch runs iterate")
}

// Batch items

func (s *PostgresStore) SaveBatchItem(ctx context.Context, batchID string, item model.BatchItemState) error {
	cols, err := encodeItem(item)
	if err != nil {
		return eris.Wrap(err, "postgres: encode batch item")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_items
		 (batch_id, item_key, filename, label, status, current_stage, stage_messages, result, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (batch_id, item_key) DO UPDATE SET
		   status = $5, current_stage = $6, stage_messages = $7, result = $8, error = $9,
		   started_at = $10, finished_at = $11`,
		batchID, item.Key, item.Filename, item.Label, string(item.Status), string(item.CurrentStage),
		jsonOrNil(cols.stageMessages), jsonOrNil(cols.result), jsonOrNil(cols.err),
		timeOrNil(item.StartedAt), timeOrNil(item.FinishedAt),
	)
	return eris.Wrapf(err, "postgres: save batch item %s/%s", batchID, item.Key)
}

func (s *PostgresStore) ListBatchItems(ctx context.Context, batchID string) ([]model.BatchItemState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT item_key, filename, label, status, current_stage, stage_messages, result, error, started_at, finished_at
		 FROM batch_items WHERE batch_id = $1 ORDER BY started_at ASC NULLS LAST, item_key ASC`, batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list batch items %s", batchID)
	}
	defer rows.Close()

	var items []model.BatchItemState
	for rows.Next() {
		var it model.BatchItemState
		var stageMessages, result, errJSON []byte
		var startedAt, finishedAt *time.Time
		if err := rows.Scan(&it.Key, &it.Filename, &it.Label, &it.Status, &it.CurrentStage,
			&stageMessages, &result, &errJSON, &startedAt, &finishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch item")
		}
		if startedAt != nil {
			it.StartedAt = *startedAt
		}
		if finishedAt != nil {
			it.FinishedAt = *finishedAt
		}
		if err := decodeItem(&it, itemColumns{
			stageMessages: string(stageMessages),
			result:        string(result),
			err:           string(errJSON),
		}); err != nil {
			return nil, eris.Wrap(err, "postgres: decode batch item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list batch items iterate")
}

// Failed items

func (s *PostgresStore) EnqueueFailed(ctx context.Context, item resilience.FailedItem) error {
	reqJSON, errJSON, err := encodeFailed(&item)
	if err != nil {
		return eris.Wrap(err, "postgres: encode failed item")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO failed_items
		 (id, batch_id, item_key, label, request, error, category, retry_count, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $6, category = $7, retry_count = $8, last_failed_at = $10`,
		item.ID, item.BatchID, item.ItemKey, item.Label, reqJSON, errJSON,
		string(item.Error.Category), item.RetryCount, item.CreatedAt, item.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue failed item")
}

const pgFailedColumns = `id, batch_id, item_key, label, request, error, retry_count, created_at, last_failed_at`

func (s *PostgresStore) ListFailed(ctx context.Context, filter resilience.FailedFilter) ([]resilience.FailedItem, error) {
	query := `SELECT ` + pgFailedColumns + ` FROM failed_items WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.BatchID != "" {
		query += fmt.Sprintf(` AND batch_id = $%d`, argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}
	if filter.RetryableOnly {
		query += fmt.Sprintf(` AND category = ANY($%d)`, argIdx)
		args = append(args, retryableCategories)
		argIdx++
	}

	query += fmt.Sprintf(` ORDER BY last_failed_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failed items")
	}
	defer rows.Close()

	var items []resilience.FailedItem
	for rows.Next() {
		f, err := scanPgFailed(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *f)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list failed items iterate")
}

func (s *PostgresStore) GetFailed(ctx context.Context, id string) (*resilience.FailedItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgFailedColumns+` FROM failed_items WHERE id = $1`, id)
	f, err := scanPgFailed(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("failed item not found: %s", id)
	}
	return f, err
}

func (s *PostgresStore) IncrementFailedRetry(ctx context.Context, id string, lastErr model.CategorizedError) error {
	errJSON, err := json.Marshal(lastErr)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal failed item error")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE failed_items
		 SET retry_count = retry_count + 1, error = $1, category = $2, last_failed_at = now()
		 WHERE id = $3`,
		errJSON, string(lastErr.Category), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment failed item retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("failed item not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveFailed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM failed_items WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove failed item")
}

func (s *PostgresStore) CountFailed(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM failed_items`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count failed items")
}

// History

func (s *PostgresStore) SaveHistory(ctx context.Context, rec model.HistoryRecord) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO history (id, test_type, test_type_display, filename, summary, full_response, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, rec.TestType, rec.TestTypeDisplay, rec.Filename, rec.Summary,
		jsonOrNil(string(rec.FullResponse)), nowUTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert history")
	}
	return id, nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, test_type, test_type_display, filename, summary, full_response, created_at
		 FROM history ORDER BY created_at DESC LIMIT $1`, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list history")
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var full []byte
		if err := rows.Scan(&e.ID, &e.TestType, &e.TestTypeDisplay, &e.Filename, &e.Summary, &full, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		if len(full) > 0 {
			e.FullResponse = json.RawMessage(full)
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list history iterate")
}

// PurgeBatch deletes a batch run together with its items and failed items.
func (s *PostgresStore) PurgeBatch(ctx context.Context, batchID string) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, q := range []string{
			`DELETE FROM failed_items WHERE batch_id = $1`,
			`DELETE FROM batch_items WHERE batch_id = $1`,
		} {
			if _, err := tx.Exec(ctx, q, batchID); err != nil {
				return eris.Wrapf(err, "postgres: purge batch %s", batchID)
			}
		}
		tag, err := tx.Exec(ctx, `DELETE FROM batch_runs WHERE id = $1`, batchID)
		if err != nil {
			return eris.Wrapf(err, "postgres: purge batch %s", batchID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("batch run not found: %s", batchID)
		}
		return nil
	})
}

func scanPgFailed(row pgx.Row) (*resilience.FailedItem, error) {
	var f resilience.FailedItem
	var reqJSON, errJSON []byte
	err := row.Scan(&f.ID, &f.BatchID, &f.ItemKey, &f.Label, &reqJSON, &errJSON,
		&f.RetryCount, &f.CreatedAt, &f.LastFailedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan failed item")
	}
	if err := decodeFailed(&f, reqJSON, errJSON); err != nil {
		return nil, eris.Wrap(err, "postgres: decode failed item")
	}
	return &f, nil
}

func jsonOrNil(s string) any {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

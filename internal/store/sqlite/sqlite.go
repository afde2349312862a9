// Package sqlite implements store.Store on a local SQLite file using the
// pure-Go modernc.org/sqlite driver (no cgo — the binary stays a single
// static artifact, which matters for a desktop install).
//
// One row per queue item in action_queue, one row per execution attempt in
// action_history. Claiming is a single UPDATE…RETURNING statement so it is
// atomic without explicit locking; WAL mode plus a busy timeout keeps
// concurrent workers from tripping over each other.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trimbox/actionq/internal/store"
	"github.com/trimbox/actionq/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS action_queue (
  id                 TEXT PRIMARY KEY,
  email_id           TEXT NOT NULL,
  action_type        TEXT NOT NULL,
  action_params_json TEXT NOT NULL,
  bulk_group_id      TEXT NOT NULL DEFAULT '',
  status             TEXT NOT NULL,
  priority           INTEGER NOT NULL,
  retry_count        INTEGER NOT NULL DEFAULT 0,
  max_retries        INTEGER NOT NULL,
  last_attempted     INTEGER NOT NULL DEFAULT 0,
  next_retry_after   INTEGER NOT NULL DEFAULT 0,
  error_message      TEXT NOT NULL DEFAULT '',
  created_at         INTEGER NOT NULL,
  completed_at       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_ready
  ON action_queue(status, priority, created_at, id);
CREATE INDEX IF NOT EXISTS idx_queue_email
  ON action_queue(email_id, status);
CREATE INDEX IF NOT EXISTS idx_queue_group
  ON action_queue(bulk_group_id);

CREATE TABLE IF NOT EXISTS action_history (
  id                INTEGER PRIMARY KEY AUTOINCREMENT,
  action_queue_id   TEXT NOT NULL,
  attempt_number    INTEGER NOT NULL,
  status            TEXT NOT NULL,
  response_code     INTEGER NOT NULL DEFAULT 0,
  response_message  TEXT NOT NULL DEFAULT '',
  execution_time_ms INTEGER NOT NULL DEFAULT 0,
  attempted_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_item
  ON action_history(action_queue_id, attempt_number);
`

// itemColumns is the canonical SELECT column list for action_queue rows.
const itemColumns = `id, email_id, action_type, action_params_json, bulk_group_id,
  status, priority, retry_count, max_retries, last_attempted, next_retry_after,
  error_message, created_at, completed_at`

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open creates or reopens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// ─── Enqueue ─────────────────────────────────────────────────────────────────

// Enqueue inserts the batch in one transaction; any failure rolls the whole
// batch back so a bulk group is never partially persisted.
func (s *Store) Enqueue(ctx context.Context, items []*types.ActionQueueItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin enqueue: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO action_queue
		  (id, email_id, action_type, action_params_json, bulk_group_id,
		   status, priority, retry_count, max_retries, last_attempted,
		   next_retry_after, error_message, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare enqueue: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		params, err := json.Marshal(it.Params)
		if err != nil {
			return fmt.Errorf("sqlite: marshal params for %s: %w", it.ID, err)
		}
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM action_queue WHERE id = ?`, it.ID).Scan(&exists); err != nil {
			return fmt.Errorf("sqlite: check id %s: %w", it.ID, err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", store.ErrDuplicateID, it.ID)
		}
		_, err = stmt.ExecContext(ctx,
			it.ID, it.EmailID, string(it.ActionType), string(params), it.BulkGroupID,
			it.Status.String(), it.Priority, it.RetryCount, it.MaxRetries,
			ms(it.LastAttemptedAt), ms(it.NextRetryAfter), it.ErrorMessage,
			ms(it.CreatedAt), ms(it.CompletedAt))
		if err != nil {
			return fmt.Errorf("sqlite: insert %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit enqueue: %w", err)
	}
	return nil
}

// ─── Claim / release ─────────────────────────────────────────────────────────

// ClaimNextReady picks the ready item with the smallest (priority, created_at,
// id) tuple whose email has nothing in flight, and flips it to Processing.
// The whole selection+update is one statement, so concurrent workers can
// never claim the same item or the same email twice.
func (s *Store) ClaimNextReady(ctx context.Context, now time.Time) (*types.ActionQueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE action_queue
		SET status = 'processing', last_attempted = ?
		WHERE id = (
		  SELECT id FROM action_queue
		  WHERE status IN ('pending', 'retrying')
		    AND (next_retry_after = 0 OR next_retry_after <= ?)
		    AND email_id NOT IN (
		      SELECT email_id FROM action_queue WHERE status = 'processing'
		    )
		  ORDER BY priority ASC, created_at ASC, id ASC
		  LIMIT 1
		)
		RETURNING `+itemColumns,
		ms(now), ms(now))

	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim: %w", err)
	}
	return it, nil
}

// Release puts a claimed item back into the ready pool without an attempt
// record or retry penalty.
func (s *Store) Release(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_queue SET status = 'pending', last_attempted = 0
		 WHERE id = ? AND status = 'processing'`, itemID)
	if err != nil {
		return fmt.Errorf("sqlite: release %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: release %s: %w", itemID, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, itemID); err != nil {
			return err
		}
		return fmt.Errorf("%w: release of non-processing item %s", store.ErrInvalidTransition, itemID)
	}
	return nil
}

// ─── Outcomes ────────────────────────────────────────────────────────────────

// RecordOutcome applies the transition and appends the attempt record in one
// transaction. Illegal transitions (including any write to a terminal item)
// fail with ErrInvalidTransition and change nothing.
func (s *Store) RecordOutcome(ctx context.Context, itemID string, oc store.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin outcome: %w", err)
	}
	defer tx.Rollback()

	var curStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM action_queue WHERE id = ?`, itemID).Scan(&curStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, itemID)
	}
	if err != nil {
		return fmt.Errorf("sqlite: read status of %s: %w", itemID, err)
	}

	cur, err := types.ParseStatus(curStatus)
	if err != nil {
		return fmt.Errorf("sqlite: item %s: %w", itemID, err)
	}
	if !types.ValidTransition(cur, oc.Status) {
		return fmt.Errorf("%w: %s → %s for %s", store.ErrInvalidTransition, cur, oc.Status, itemID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE action_queue
		SET status = ?, retry_count = ?, next_retry_after = ?,
		    error_message = ?, completed_at = ?
		WHERE id = ?`,
		oc.Status.String(), oc.RetryCount, ms(oc.NextRetryAfter),
		oc.ErrorMessage, ms(oc.CompletedAt), itemID)
	if err != nil {
		return fmt.Errorf("sqlite: update %s: %w", itemID, err)
	}

	a := oc.Attempt
	_, err = tx.ExecContext(ctx, `
		INSERT INTO action_history
		  (action_queue_id, attempt_number, status, response_code,
		   response_message, execution_time_ms, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		itemID, a.AttemptNumber, string(a.Category), a.ResponseCode,
		a.ResponseMessage, a.Duration.Milliseconds(), ms(a.AttemptedAt))
	if err != nil {
		return fmt.Errorf("sqlite: append history for %s: %w", itemID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit outcome: %w", err)
	}
	return nil
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// Get returns the item by ID.
func (s *Store) Get(ctx context.Context, itemID string) (*types.ActionQueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM action_queue WHERE id = ?`, itemID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s: %w", itemID, err)
	}
	return it, nil
}

// QueryByBulkGroup returns the group's items in creation order.
func (s *Store) QueryByBulkGroup(ctx context.Context, bulkGroupID string) ([]*types.ActionQueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM action_queue
		 WHERE bulk_group_id = ? ORDER BY created_at ASC, id ASC`, bulkGroupID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query group %s: %w", bulkGroupID, err)
	}
	defer rows.Close()

	var items []*types.ActionQueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan group %s: %w", bulkGroupID, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// StatusCounts tallies the queue; retrying folds into pending.
func (s *Store) StatusCounts(ctx context.Context) (types.StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM action_queue GROUP BY status`)
	if err != nil {
		return types.StatusCounts{}, fmt.Errorf("sqlite: status counts: %w", err)
	}
	defer rows.Close()

	var c types.StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return types.StatusCounts{}, fmt.Errorf("sqlite: scan counts: %w", err)
		}
		switch status {
		case "pending", "retrying":
			c.Pending += n
		case "processing":
			c.Processing += n
		case "completed":
			c.Completed += n
		case "failed":
			c.Failed += n
		}
	}
	return c, rows.Err()
}

// AttemptHistory returns the item's attempts, oldest first.
func (s *Store) AttemptHistory(ctx context.Context, itemID string) ([]types.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_number, status, response_code, response_message,
		       execution_time_ms, attempted_at
		FROM action_history
		WHERE action_queue_id = ?
		ORDER BY attempt_number ASC, id ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history %s: %w", itemID, err)
	}
	defer rows.Close()

	var recs []types.AttemptRecord
	for rows.Next() {
		var (
			r     types.AttemptRecord
			cat   string
			durMs int64
			atMs  int64
		)
		if err := rows.Scan(&r.AttemptNumber, &cat, &r.ResponseCode,
			&r.ResponseMessage, &durMs, &atMs); err != nil {
			return nil, fmt.Errorf("sqlite: scan history %s: %w", itemID, err)
		}
		r.ItemID = itemID
		r.Category = types.AttemptCategory(cat)
		r.Duration = time.Duration(durMs) * time.Millisecond
		r.AttemptedAt = fromMs(atMs)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ─── Crash recovery ──────────────────────────────────────────────────────────

// RecoverStale sweeps items abandoned in Processing by a previous run. Each
// one is treated as if its attempt had failed with an unknown error: retry
// count incremented, a synthetic history row appended, status Retrying — or
// Failed when the budget is spent.
func (s *Store) RecoverStale(ctx context.Context, now time.Time, olderThan time.Duration) (int, error) {
	cutoff := ms(now.Add(-olderThan))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin recovery: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, retry_count, max_retries FROM action_queue
		WHERE status = 'processing' AND last_attempted <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: scan stale: %w", err)
	}

	type stale struct {
		id         string
		retryCount int
		maxRetries int
	}
	var stales []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.retryCount, &st.maxRetries); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: scan stale row: %w", err)
		}
		stales = append(stales, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, st := range stales {
		newCount := st.retryCount + 1
		status := types.StatusRetrying
		completedAt := int64(0)
		msg := "attempt abandoned by interrupted run"
		if newCount > st.maxRetries {
			status = types.StatusFailed
			completedAt = ms(now)
			newCount = st.maxRetries // invariant: retryCount <= maxRetries
			msg = "attempt abandoned by interrupted run; retries exhausted"
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE action_queue
			SET status = ?, retry_count = ?, next_retry_after = 0,
			    error_message = ?, completed_at = ?
			WHERE id = ?`,
			status.String(), newCount, msg, completedAt, st.id); err != nil {
			return 0, fmt.Errorf("sqlite: recover %s: %w", st.id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO action_history
			  (action_queue_id, attempt_number, status, response_code,
			   response_message, execution_time_ms, attempted_at)
			VALUES (?, ?, ?, 0, ?, 0, ?)`,
			st.id, st.retryCount+1, string(types.AttemptAPIError), msg, ms(now)); err != nil {
			return 0, fmt.Errorf("sqlite: recovery history %s: %w", st.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit recovery: %w", err)
	}
	return len(stales), nil
}

// ─── Row plumbing ────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*types.ActionQueueItem, error) {
	var (
		it         types.ActionQueueItem
		actionType string
		paramsJSON string
		status     string
		lastMs     int64
		nextMs     int64
		createdMs  int64
		doneMs     int64
	)
	err := row.Scan(&it.ID, &it.EmailID, &actionType, &paramsJSON, &it.BulkGroupID,
		&status, &it.Priority, &it.RetryCount, &it.MaxRetries, &lastMs, &nextMs,
		&it.ErrorMessage, &createdMs, &doneMs)
	if err != nil {
		return nil, err
	}

	it.ActionType = types.ActionType(actionType)
	if err := json.Unmarshal([]byte(paramsJSON), &it.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	it.Status, err = types.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	it.LastAttemptedAt = fromMs(lastMs)
	it.NextRetryAfter = fromMs(nextMs)
	it.CreatedAt = fromMs(createdMs)
	it.CompletedAt = fromMs(doneMs)
	return &it, nil
}

// ms converts a time to UTC milliseconds, with zero times stored as 0.
func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

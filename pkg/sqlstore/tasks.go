package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/tasks"
)

const taskColumns = `id, type, priority, payload, status, worker_id, retry_count, max_retries,
	error, result, created_at, started_at, completed_at, next_eligible_at, batch_id, item_index`

type rowScanner interface {
	Scan(dest ...any) error
}

// normTime is the canonical stored form of a timestamp. Both dialects then
// compare and round-trip identically.
func normTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func encodeJSON(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: encode json: %v", tasks.ErrInvalidTask, err)
	}
	return string(b), nil
}

func encodeNullJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	s, err := encodeJSON(m)
	return sql.NullString{String: s, Valid: err == nil}, err
}

func decodeJSON(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// scanTime accepts the timestamp representations both drivers produce.
type scanTime struct {
	Time  time.Time
	Valid bool
}

var scanTimeLayouts = []string{
	textTimeLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	time.RFC3339Nano,
}

func (st *scanTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*st = scanTime{}
		return nil
	case time.Time:
		*st = scanTime{Time: v.UTC(), Valid: true}
		return nil
	case []byte:
		return st.parse(string(v))
	case string:
		return st.parse(v)
	}
	return fmt.Errorf("cannot scan %T into timestamp", src)
}

func (st *scanTime) parse(s string) error {
	for _, layout := range scanTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*st = scanTime{Time: t.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

func (st scanTime) ptr() *time.Time {
	if !st.Valid {
		return nil
	}
	t := st.Time
	return &t
}

func scanTask(row rowScanner) (*tasks.Task, error) {
	var (
		t                      tasks.Task
		payload, result        []byte
		workerID, errMsg       sql.NullString
		batchID                sql.NullString
		itemIndex              sql.NullInt64
		createdAt, eligibleAt  scanTime
		startedAt, completedAt scanTime
	)
	err := row.Scan(
		&t.ID, &t.Type, &t.Priority, &payload, &t.Status, &workerID, &t.RetryCount, &t.MaxRetries,
		&errMsg, &result, &createdAt, &startedAt, &completedAt, &eligibleAt, &batchID, &itemIndex,
	)
	if err != nil {
		return nil, err
	}

	if t.Payload, err = decodeJSON(payload); err != nil {
		return nil, err
	}
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	if t.Result, err = decodeJSON(result); err != nil {
		return nil, err
	}
	t.WorkerID = workerID.String
	t.Error = errMsg.String
	t.BatchID = batchID.String
	if itemIndex.Valid {
		idx := int(itemIndex.Int64)
		t.ItemIndex = &idx
	}
	t.CreatedAt = createdAt.Time
	t.NextEligibleAt = eligibleAt.Time
	t.StartedAt = startedAt.ptr()
	t.CompletedAt = completedAt.ptr()
	return &t, nil
}

func (s *Store) insertTask(ctx context.Context, q queryer, t *tasks.Task) error {
	payload, err := encodeJSON(t.Payload)
	if err != nil {
		return err
	}
	var itemIndex sql.NullInt64
	if t.ItemIndex != nil {
		itemIndex = sql.NullInt64{Int64: int64(*t.ItemIndex), Valid: true}
	}

	_, err = q.ExecContext(ctx, s.dialect.q(`
		INSERT INTO tasks (id, type, priority, payload, status, retry_count, max_retries,
			created_at, next_eligible_at, batch_id, item_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, string(t.Type), int(t.Priority), payload, string(t.Status), t.RetryCount, t.MaxRetries,
		s.dialect.ts(t.CreatedAt), s.dialect.ts(t.NextEligibleAt), nullString(t.BatchID), itemIndex,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, mapError(err))
	}
	return nil
}

// InsertTask persists a new task.
func (s *Store) InsertTask(ctx context.Context, t *tasks.Task) error {
	return s.insertTask(ctx, s.db, t)
}

// InsertTasks persists all tasks in one transaction, or none of them.
func (s *Store) InsertTasks(ctx context.Context, ts []*tasks.Task) error {
	return RunInTransaction(s.withLogger(ctx), s.db, func(ctx context.Context, tx *sql.Tx) error {
		for _, t := range ts {
			if err := s.insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) getTask(ctx context.Context, q queryer, id string) (*tasks.Task, error) {
	row := q.QueryRowContext(ctx, s.dialect.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// GetTask returns the task or tasks.ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	return s.getTask(ctx, s.db, id)
}

// ListTasks returns tasks matching f in claim order.
func (s *Store) ListTasks(ctx context.Context, f tasks.Filter) ([]*tasks.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if f.StartedBefore != nil {
		where = append(where, "started_at < ?")
		args = append(args, s.dialect.ts(*f.StartedBefore))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority, next_eligible_at, created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// ClaimByID moves a specific pending, eligible task to processing. It returns
// tasks.ErrNotClaimable if another worker won or the task is not eligible.
func (s *Store) ClaimByID(ctx context.Context, id, workerID string, now time.Time) (*tasks.Task, error) {
	at := s.dialect.ts(now)
	row := s.db.QueryRowContext(ctx, s.dialect.q(`
		UPDATE tasks
		SET status = 'processing', worker_id = ?, started_at = ?
		WHERE id = ? AND status = 'pending' AND next_eligible_at <= ?
		RETURNING `+taskColumns),
		workerID, at, id, at,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", tasks.ErrNotClaimable, id)
	}
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	return t, nil
}

// ClaimNext claims the first eligible pending task ordered by priority,
// eligibility time, creation time and id. It returns nil, nil when none is ready.
func (s *Store) ClaimNext(ctx context.Context, workerID string, now time.Time) (*tasks.Task, error) {
	at := s.dialect.ts(now)
	row := s.db.QueryRowContext(ctx, s.dialect.q(`
		UPDATE tasks
		SET status = 'processing', worker_id = ?, started_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending' AND next_eligible_at <= ?
			ORDER BY priority, next_eligible_at, created_at, id
			LIMIT 1`+s.dialect.skipLocked+`
		) AND status = 'pending'
		RETURNING `+taskColumns),
		workerID, at, at,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return t, nil
}

// transitionError explains why a conditional update on id matched no row.
func (s *Store) transitionError(ctx context.Context, q queryer, id string, want tasks.Status) (*tasks.Task, error) {
	t, err := s.getTask(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if t.Status == want {
		return t, fmt.Errorf("%w: task %s changed concurrently", tasks.ErrInvalidTransition, id)
	}
	return t, fmt.Errorf("%w: task %s is %s, not %s", tasks.ErrInvalidTransition, id, t.Status, want)
}

// CompleteTask records a result for a processing task. Completing an already
// completed task returns it with changed == false and no error.
func (s *Store) CompleteTask(ctx context.Context, id string, result map[string]any, now time.Time) (*tasks.Task, bool, error) {
	res, err := encodeNullJSON(result)
	if err != nil {
		return nil, false, err
	}
	row := s.db.QueryRowContext(ctx, s.dialect.q(`
		UPDATE tasks
		SET status = 'completed', result = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'
		RETURNING `+taskColumns),
		res, s.dialect.ts(now), id,
	)
	t, err := scanTask(row)
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("complete task %s: %w", id, err)
	}

	current, terr := s.transitionError(ctx, s.db, id, tasks.StatusProcessing)
	if current != nil && current.Status == tasks.StatusCompleted {
		return current, false, nil
	}
	return nil, false, terr
}

// RetryTask returns a processing task to pending with an updated retry count,
// error message and eligibility time, releasing the claim. retryCount must
// exceed the stored count, so a stale failure report cannot apply twice.
func (s *Store) RetryTask(ctx context.Context, id, errMsg string, retryCount int, eligibleAt time.Time) (*tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.q(`
		UPDATE tasks
		SET status = 'pending', retry_count = ?, error = ?, worker_id = NULL,
			started_at = NULL, next_eligible_at = ?
		WHERE id = ? AND status = 'processing' AND retry_count < ?
		RETURNING `+taskColumns),
		retryCount, nullString(errMsg), s.dialect.ts(eligibleAt), id, retryCount,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		_, terr := s.transitionError(ctx, s.db, id, tasks.StatusProcessing)
		return nil, terr
	}
	if err != nil {
		return nil, fmt.Errorf("retry task %s: %w", id, err)
	}
	return t, nil
}

// DeadLetterTask marks a processing task failed and records a pending dead
// letter for it in the same transaction. retryCount is checked as in RetryTask.
func (s *Store) DeadLetterTask(ctx context.Context, id, errMsg string, retryCount int, now time.Time) (*tasks.Task, *tasks.DeadLetter, error) {
	now = normTime(now)
	var (
		task *tasks.Task
		dl   *tasks.DeadLetter
	)
	err := RunInTransaction(s.withLogger(ctx), s.db, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.dialect.q(`
			UPDATE tasks
			SET status = 'failed', retry_count = ?, error = ?, completed_at = ?
			WHERE id = ? AND status = 'processing' AND retry_count < ?
			RETURNING `+taskColumns),
			retryCount, nullString(errMsg), s.dialect.ts(now), id, retryCount,
		)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			_, terr := s.transitionError(ctx, tx, id, tasks.StatusProcessing)
			return terr
		}
		if err != nil {
			return fmt.Errorf("fail task %s: %w", id, err)
		}

		d := newDeadLetter(t, now)
		if err := s.insertDeadLetter(ctx, tx, d); err != nil {
			return err
		}
		task, dl = t, d
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return task, dl, nil
}

func (s *Store) countByStatus(ctx context.Context, query string, args ...any) (map[tasks.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[tasks.Status]int64, len(tasks.Statuses))
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[tasks.Status(status)] = n
	}
	return counts, rows.Err()
}

// Stats counts tasks by status and open (non-resolved) dead letters.
func (s *Store) Stats(ctx context.Context) (tasks.Stats, error) {
	counts, err := s.countByStatus(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return tasks.Stats{}, fmt.Errorf("count tasks: %w", err)
	}

	var dlq int64
	err = s.db.QueryRowContext(ctx, s.dialect.q(
		`SELECT COUNT(*) FROM dead_letters WHERE status <> ?`), string(tasks.DeadLetterResolved),
	).Scan(&dlq)
	if err != nil {
		return tasks.Stats{}, fmt.Errorf("count dead letters: %w", err)
	}

	return tasks.Stats{
		Pending:    counts[tasks.StatusPending],
		Processing: counts[tasks.StatusProcessing],
		Completed:  counts[tasks.StatusCompleted],
		Failed:     counts[tasks.StatusFailed],
		DLQSize:    dlq,
		Source:     s.Name(),
	}, nil
}

// BatchStatus aggregates the tasks sharing batchID.
func (s *Store) BatchStatus(ctx context.Context, batchID string) (tasks.BatchStatus, error) {
	counts, err := s.countByStatus(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE batch_id = ? GROUP BY status`, batchID)
	if err != nil {
		return tasks.BatchStatus{}, fmt.Errorf("count batch %s: %w", batchID, err)
	}
	bs := tasks.BatchStatus{BatchID: batchID, Counts: counts}
	for _, n := range counts {
		bs.Total += n
	}
	return bs, nil
}

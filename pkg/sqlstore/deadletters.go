package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/ingestq/pkg/tasks"
)

const deadLetterColumns = `id, task_id, task_type, payload, error, retry_count, max_retries,
	status, created_at, updated_at`

func newDeadLetter(t *tasks.Task, now time.Time) *tasks.DeadLetter {
	return &tasks.DeadLetter{
		ID:         uuid.NewString(),
		TaskID:     t.ID,
		TaskType:   t.Type,
		Payload:    t.Payload,
		Error:      t.Error,
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
		Status:     tasks.DeadLetterPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func scanDeadLetter(row rowScanner) (*tasks.DeadLetter, error) {
	var (
		d                    tasks.DeadLetter
		payload              []byte
		errMsg               sql.NullString
		createdAt, updatedAt scanTime
	)
	err := row.Scan(&d.ID, &d.TaskID, &d.TaskType, &payload, &errMsg, &d.RetryCount, &d.MaxRetries,
		&d.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if d.Payload, err = decodeJSON(payload); err != nil {
		return nil, err
	}
	if d.Payload == nil {
		d.Payload = map[string]any{}
	}
	d.Error = errMsg.String
	d.CreatedAt = createdAt.Time
	d.UpdatedAt = updatedAt.Time
	return &d, nil
}

func (s *Store) insertDeadLetter(ctx context.Context, q queryer, d *tasks.DeadLetter) error {
	payload, err := encodeJSON(d.Payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, s.dialect.q(`
		INSERT INTO dead_letters (`+deadLetterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.TaskID, string(d.TaskType), payload, nullString(d.Error), d.RetryCount, d.MaxRetries,
		string(d.Status), s.dialect.ts(d.CreatedAt), s.dialect.ts(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter for task %s: %w", d.TaskID, mapError(err))
	}
	return nil
}

func (s *Store) getDeadLetter(ctx context.Context, q queryer, id string) (*tasks.DeadLetter, error) {
	row := q.QueryRowContext(ctx, s.dialect.q(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`), id)
	d, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", tasks.ErrDeadLetterNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return d, nil
}

// GetDeadLetter returns the entry or tasks.ErrDeadLetterNotFound.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*tasks.DeadLetter, error) {
	return s.getDeadLetter(ctx, s.db, id)
}

// ListDeadLetters returns entries oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, f tasks.DeadLetterFilter) ([]*tasks.DeadLetter, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	return collectDeadLetters(rows)
}

func collectDeadLetters(rows *sql.Rows) ([]*tasks.DeadLetter, error) {
	var out []*tasks.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimDeadLetters moves up to limit pending entries to processing, bumping
// their retry count, and returns them oldest first. Entries claimed by a
// concurrent caller are skipped, never returned twice.
func (s *Store) ClaimDeadLetters(ctx context.Context, limit int, now time.Time) ([]*tasks.DeadLetter, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.q(`
		UPDATE dead_letters
		SET status = 'processing', retry_count = retry_count + 1, updated_at = ?
		WHERE id IN (
			SELECT id FROM dead_letters
			WHERE status = 'pending'
			ORDER BY created_at, id
			LIMIT ?`+s.dialect.skipLocked+`
		) AND status = 'pending'
		RETURNING `+deadLetterColumns),
		s.dialect.ts(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim dead letters: %w", err)
	}
	defer rows.Close()

	out, err := collectDeadLetters(rows)
	if err != nil {
		return nil, fmt.Errorf("claim dead letters: %w", err)
	}
	// RETURNING order is unspecified.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// TransitionDeadLetter moves an entry from one status to another. It fails
// with tasks.ErrInvalidTransition when the entry is not currently in from.
func (s *Store) TransitionDeadLetter(ctx context.Context, id string, from, to tasks.DeadLetterStatus, now time.Time) (*tasks.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.q(`
		UPDATE dead_letters
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+deadLetterColumns),
		string(to), s.dialect.ts(now), id, string(from),
	)
	d, err := scanDeadLetter(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update dead letter %s: %w", id, err)
	}

	current, err := s.getDeadLetter(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: dead letter %s is %s, not %s", tasks.ErrInvalidTransition, id, current.Status, from)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, kind, owner_id, next_run_at, is_running, retry_count, argument`

// CreateTask persists a new task.
func (s *Store) CreateTask(ctx context.Context, kind TaskKind, runAt time.Time, ownerID, argument string) (*Task, error) {
	t := &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		OwnerID:   ownerID,
		NextRunAt: runAt.UTC(),
		Argument:  argument,
	}
	_, err := s.private.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, owner_id, next_run_at, argument) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Kind, t.OwnerID, millis(t.NextRunAt), t.Argument)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// NextPendingTask returns the non-running task with the earliest next_run_at,
// or nil when there is none.
func (s *Store) NextPendingTask(ctx context.Context) (*Task, error) {
	t, err := scanTask(s.private.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE is_running = 0
		ORDER BY next_run_at ASC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// TaskByID returns a task by id, or nil when absent.
func (s *Store) TaskByID(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.private.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// FindTask returns the first task of the given kind (and owner, when
// non-empty), or nil when absent.
func (s *Store) FindTask(ctx context.Context, kind TaskKind, ownerID string) (*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE kind = ?`
	args := []any{kind}
	if ownerID != "" {
		q += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	t, err := scanTask(s.private.QueryRowContext(ctx, q+` LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ListTasks returns every task ordered by next_run_at.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.private.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY next_run_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// MarkTaskRunning flips is_running on, reporting whether this call won the
// flip (false when the task is already running or gone).
func (s *Store) MarkTaskRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.private.ExecContext(ctx,
		`UPDATE tasks SET is_running = 1 WHERE id = ? AND is_running = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DelayTask pushes a task's next_run_at to the given instant without
// touching its retry count.
func (s *Store) DelayTask(ctx context.Context, id string, until time.Time) error {
	_, err := s.private.ExecContext(ctx,
		`UPDATE tasks SET next_run_at = ? WHERE id = ?`, millis(until), id)
	return err
}

// FinishTask records a successful run: reschedule, clear the retry count and
// release the running flag.
func (s *Store) FinishTask(ctx context.Context, id string, nextRunAt time.Time) error {
	_, err := s.private.ExecContext(ctx,
		`UPDATE tasks SET next_run_at = ?, retry_count = 0, is_running = 0 WHERE id = ?`,
		millis(nextRunAt), id)
	return err
}

// RetryTask reschedules a failed run and bumps the retry count.
func (s *Store) RetryTask(ctx context.Context, id string, at time.Time) error {
	_, err := s.private.ExecContext(ctx,
		`UPDATE tasks SET next_run_at = ?, retry_count = retry_count + 1, is_running = 0 WHERE id = ?`,
		millis(at), id)
	return err
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.private.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

// DeleteTasksForOwner removes every task owned by the given user, optionally
// restricted to one kind.
func (s *Store) DeleteTasksForOwner(ctx context.Context, ownerID string, kind TaskKind) error {
	if kind == "" {
		_, err := s.private.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id = ?`, ownerID)
		return err
	}
	_, err := s.private.ExecContext(ctx,
		`DELETE FROM tasks WHERE owner_id = ? AND kind = ?`, ownerID, kind)
	return err
}

// ShiftTasks pushes every task of the given kind scheduled in [from, to) by
// delta, returning how many were moved.
func (s *Store) ShiftTasks(ctx context.Context, kind TaskKind, from, to time.Time, delta time.Duration) (int64, error) {
	res, err := s.private.ExecContext(ctx,
		`UPDATE tasks SET next_run_at = next_run_at + ?
		WHERE kind = ? AND next_run_at >= ? AND next_run_at < ?`,
		delta.Milliseconds(), kind, millis(from), millis(to))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetRunningTasks clears the running flag left behind by a crash and
// returns the tasks that were affected.
func (s *Store) ResetRunningTasks(ctx context.Context) ([]Task, error) {
	tx, err := s.private.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE is_running = 1`)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(tasks) > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET is_running = 0 WHERE is_running = 1`); err != nil {
			return nil, err
		}
	}
	return tasks, tx.Commit()
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t  Task
		ms int64
	)
	err := row.Scan(&t.ID, &t.Kind, &t.OwnerID, &ms, &t.IsRunning, &t.RetryCount, &t.Argument)
	if err != nil {
		return nil, err
	}
	t.NextRunAt = fromMillis(ms)
	return &t, nil
}

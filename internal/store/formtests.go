package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const formTestColumns = `id, requested_by, course_config, time_executed,
	is_scheduled, in_progress, is_finished, errors, fill_result`

// CreateFormTest inserts a new form-filling test setup.
func (s *Store) CreateFormTest(ctx context.Context, requestedBy, courseConfig string) (*FormFillingTest, error) {
	t := &FormFillingTest{
		ID:           uuid.NewString(),
		RequestedBy:  requestedBy,
		CourseConfig: courseConfig,
		Errors:       []FailureEvent{},
	}
	_, err := s.shared.ExecContext(ctx,
		`INSERT INTO form_tests (id, requested_by, course_config) VALUES (?, ?, ?)`,
		t.ID, t.RequestedBy, t.CourseConfig)
	if err != nil {
		return nil, fmt.Errorf("insert form test: %w", err)
	}
	return t, nil
}

// FormTestByID returns a test setup by id, or nil when absent.
func (s *Store) FormTestByID(ctx context.Context, id string) (*FormFillingTest, error) {
	t, err := scanFormTest(s.shared.QueryRowContext(ctx,
		`SELECT `+formTestColumns+` FROM form_tests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// SaveFormTest writes back every mutable field of t.
func (s *Store) SaveFormTest(ctx context.Context, t *FormFillingTest) error {
	errsJSON, err := marshal(t.Errors)
	if err != nil {
		return err
	}
	var result any
	if t.FillResult != nil {
		if result, err = marshal(t.FillResult); err != nil {
			return err
		}
	}
	var executed any
	if t.TimeExecuted != nil {
		executed = millis(*t.TimeExecuted)
	}
	_, err = s.shared.ExecContext(ctx, `UPDATE form_tests SET
		time_executed = ?, is_scheduled = ?, in_progress = ?, is_finished = ?,
		errors = ?, fill_result = ?
		WHERE id = ?`,
		executed, t.IsScheduled, t.InProgress, t.IsFinished, errsJSON, result, t.ID)
	return err
}

// AddFormTestFailure appends a failure event to the test's error list.
func (s *Store) AddFormTestFailure(ctx context.Context, id string, ev FailureEvent) error {
	tx, err := s.shared.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw []byte
	if err := tx.QueryRowContext(ctx,
		`SELECT errors FROM form_tests WHERE id = ?`, id).Scan(&raw); err != nil {
		return fmt.Errorf("load form test errors: %w", err)
	}
	events, err := unmarshal[[]FailureEvent](raw)
	if err != nil {
		return err
	}
	events = append(events, ev)
	out, err := marshal(events)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE form_tests SET errors = ? WHERE id = ?`, out, id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteFormTest removes a test setup.
func (s *Store) DeleteFormTest(ctx context.Context, id string) error {
	_, err := s.shared.ExecContext(ctx, `DELETE FROM form_tests WHERE id = ?`, id)
	return err
}

func scanFormTest(row rowScanner) (*FormFillingTest, error) {
	var (
		t        FormFillingTest
		executed sql.NullInt64
		errsRaw  []byte
		result   []byte
	)
	err := row.Scan(&t.ID, &t.RequestedBy, &t.CourseConfig, &executed,
		&t.IsScheduled, &t.InProgress, &t.IsFinished, &errsRaw, &result)
	if err != nil {
		return nil, err
	}
	if executed.Valid {
		v := fromMillis(executed.Int64)
		t.TimeExecuted = &v
	}
	if t.Errors, err = unmarshal[[]FailureEvent](errsRaw); err != nil {
		return nil, err
	}
	if t.Errors == nil {
		t.Errors = []FailureEvent{}
	}
	if len(result) > 0 {
		r, err := unmarshal[FillFormResult](result)
		if err != nil {
			return nil, err
		}
		t.FillResult = &r
	}
	return &t, nil
}

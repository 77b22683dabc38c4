package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const userColumns = `id, token, login, password, email, first_name, last_name,
	grade, active, errors, last_fill_form_result, courses`

// CreateUser inserts a new inactive-credentials user with a fresh token.
func (s *Store) CreateUser(ctx context.Context) (*User, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	u := &User{
		ID:     uuid.NewString(),
		Token:  hex.EncodeToString(buf),
		Active: true,
		Errors: []FailureEvent{},
	}
	_, err := s.private.ExecContext(ctx,
		`INSERT INTO users (id, token, active) VALUES (?, ?, 1)`, u.ID, u.Token)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// UserByToken resolves a bearer token to its user.
func (s *Store) UserByToken(ctx context.Context, token string) (*User, error) {
	u, err := s.scanUser(s.private.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewError(CodeBadToken, "Bad token")
	}
	return u, err
}

// UserByID returns the user with the given id, or nil when absent.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	u, err := s.scanUser(s.private.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// SaveUser writes back every mutable field of u.
func (s *Store) SaveUser(ctx context.Context, u *User) error {
	errsJSON, err := marshal(u.Errors)
	if err != nil {
		return err
	}
	var result any
	if u.LastFillFormResult != nil {
		if result, err = marshal(u.LastFillFormResult); err != nil {
			return err
		}
	}
	var courses any
	if u.Courses != nil {
		if courses, err = marshal(u.Courses); err != nil {
			return err
		}
	}
	var login any
	if u.Login != "" {
		login = u.Login
	}
	var grade any
	if u.Grade != nil {
		grade = *u.Grade
	}
	_, err = s.private.ExecContext(ctx, `UPDATE users SET
		login = ?, password = ?, email = ?, first_name = ?, last_name = ?,
		grade = ?, active = ?, errors = ?, last_fill_form_result = ?, courses = ?
		WHERE id = ?`,
		login, u.Password, u.Email, u.FirstName, u.LastName,
		grade, u.Active, errsJSON, result, courses, u.ID)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return NewError(CodeInvalidField, "Login already in use")
	}
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// DeleteUser removes the user row. Task and screenshot cleanup is the
// caller's responsibility.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	_, err := s.private.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

// UsersWithCredentials returns users that have both a login and a stored
// password, optionally restricted to active ones.
func (s *Store) UsersWithCredentials(ctx context.Context, activeOnly bool) ([]*User, error) {
	q := `SELECT ` + userColumns + ` FROM users
		WHERE login IS NOT NULL AND password != ''`
	if activeOnly {
		q += ` AND active = 1`
	}
	rows, err := s.private.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []*User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AddUserFailure appends a failure event to the user's error list.
func (s *Store) AddUserFailure(ctx context.Context, userID string, ev FailureEvent) error {
	tx, err := s.private.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw []byte
	if err := tx.QueryRowContext(ctx,
		`SELECT errors FROM users WHERE id = ?`, userID).Scan(&raw); err != nil {
		return fmt.Errorf("load user errors: %w", err)
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
		`UPDATE users SET errors = ? WHERE id = ?`, out, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveUserFailure removes the failure event with the given id from the
// user identified by token.
func (s *Store) RemoveUserFailure(ctx context.Context, token, errorID string) error {
	tx, err := s.private.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var userID string
	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT id, errors FROM users WHERE token = ?`, token).Scan(&userID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return NewError(CodeBadToken, "Bad token")
	}
	if err != nil {
		return err
	}
	events, err := unmarshal[[]FailureEvent](raw)
	if err != nil {
		return err
	}
	kept := events[:0]
	for _, ev := range events {
		if ev.ID != errorID {
			kept = append(kept, ev)
		}
	}
	if len(kept) == len(events) {
		return NewError(CodeInvalidField, "Bad error id")
	}
	out, err := marshal(kept)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET errors = ? WHERE id = ?`, out, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// SetLastFillFormResult replaces the user's last fill result. A nil result
// clears it.
func (s *Store) SetLastFillFormResult(ctx context.Context, userID string, r *FillFormResult) error {
	var val any
	if r != nil {
		var err error
		if val, err = marshal(r); err != nil {
			return err
		}
	}
	_, err := s.private.ExecContext(ctx,
		`UPDATE users SET last_fill_form_result = ? WHERE id = ?`, val, userID)
	return err
}

// SetUserCourses replaces the user's resolved course list. A nil slice marks
// course resolution as pending.
func (s *Store) SetUserCourses(ctx context.Context, userID string, courses []string) error {
	var val any
	if courses != nil {
		var err error
		if val, err = marshal(courses); err != nil {
			return err
		}
	}
	_, err := s.private.ExecContext(ctx,
		`UPDATE users SET courses = ? WHERE id = ?`, val, userID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanUser(row rowScanner) (*User, error) {
	var (
		u       User
		login   sql.NullString
		grade   sql.NullInt64
		errsRaw []byte
		result  []byte
		courses []byte
	)
	err := row.Scan(&u.ID, &u.Token, &login, &u.Password, &u.Email,
		&u.FirstName, &u.LastName, &grade, &u.Active, &errsRaw, &result, &courses)
	if err != nil {
		return nil, err
	}
	u.Login = login.String
	if grade.Valid {
		g := int(grade.Int64)
		u.Grade = &g
	}
	if u.Errors, err = unmarshal[[]FailureEvent](errsRaw); err != nil {
		return nil, err
	}
	if u.Errors == nil {
		u.Errors = []FailureEvent{}
	}
	if len(result) > 0 {
		r, err := unmarshal[FillFormResult](result)
		if err != nil {
			return nil, err
		}
		u.LastFillFormResult = &r
	}
	if courses != nil {
		if u.Courses, err = unmarshal[[]string](courses); err != nil {
			return nil, err
		}
		if u.Courses == nil {
			u.Courses = []string{}
		}
	}
	return &u, nil
}

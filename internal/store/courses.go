package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

const courseColumns = `id, course_code, configuration_locked, has_attendance_form,
	form_url, form_config_id, known_slots, teacher_name`

// CourseByID returns a course by id, or nil when absent.
func (s *Store) CourseByID(ctx context.Context, id string) (*Course, error) {
	c, err := scanCourse(s.shared.QueryRowContext(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// CourseByCode returns a course by its unique course code, or nil.
func (s *Store) CourseByCode(ctx context.Context, code string) (*Course, error) {
	c, err := scanCourse(s.shared.QueryRowContext(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE course_code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// CoursesByIDs resolves a list of course ids, skipping ids that no longer
// exist.
func (s *Store) CoursesByIDs(ctx context.Context, ids []string) ([]*Course, error) {
	var courses []*Course
	for _, id := range ids {
		c, err := s.CourseByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			courses = append(courses, c)
		}
	}
	return courses, nil
}

// SaveCourse writes back every mutable field of c.
func (s *Store) SaveCourse(ctx context.Context, c *Course) error {
	slots, err := marshal(c.KnownSlots)
	if err != nil {
		return err
	}
	_, err = s.shared.ExecContext(ctx, `UPDATE courses SET
		configuration_locked = ?, has_attendance_form = ?, form_url = ?,
		form_config_id = ?, known_slots = ?, teacher_name = ?
		WHERE id = ?`,
		c.ConfigurationLocked, c.HasAttendanceForm, c.FormURL,
		c.FormConfigID, slots, c.TeacherName, c.ID)
	return err
}

// UpsertCourse finds or creates the course for the given code, appends the
// slot to its known slots if new, and sets the teacher name if unset.
func (s *Store) UpsertCourse(ctx context.Context, slot CourseSlot) (*Course, error) {
	tx, err := s.shared.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c, err := scanCourse(tx.QueryRowContext(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE course_code = ?`, slot.CourseCode))
	if errors.Is(err, sql.ErrNoRows) {
		c = &Course{
			ID:                uuid.NewString(),
			CourseCode:        slot.CourseCode,
			HasAttendanceForm: true,
			KnownSlots:        []string{},
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO courses (id, course_code) VALUES (?, ?)`, c.ID, c.CourseCode); err != nil {
			return nil, fmt.Errorf("insert course: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	changed := false
	if slot.Slot != "" && !slices.Contains(c.KnownSlots, slot.Slot) {
		c.KnownSlots = append(c.KnownSlots, slot.Slot)
		changed = true
	}
	if c.TeacherName == "" && slot.TeacherName != "" {
		c.TeacherName = slot.TeacherName
		changed = true
	}
	if changed {
		slots, err := marshal(c.KnownSlots)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE courses SET known_slots = ?, teacher_name = ? WHERE id = ?`,
			slots, c.TeacherName, c.ID); err != nil {
			return nil, err
		}
	}
	return c, tx.Commit()
}

// PopulateUserCourses upserts a course per observed slot and records the
// referenced course ids on the user. When clearPrevious is false the ids are
// merged into the user's existing list instead of replacing it.
func (s *Store) PopulateUserCourses(ctx context.Context, userID string, items []CourseSlot, clearPrevious bool) error {
	var ids []string
	for _, item := range items {
		c, err := s.UpsertCourse(ctx, item)
		if err != nil {
			return fmt.Errorf("upsert course %s: %w", item.CourseCode, err)
		}
		if !slices.Contains(ids, c.ID) {
			ids = append(ids, c.ID)
		}
	}
	if !clearPrevious {
		u, err := s.UserByID(ctx, userID)
		if err != nil {
			return err
		}
		if u != nil {
			for _, id := range u.Courses {
				if !slices.Contains(ids, id) {
					ids = append(ids, id)
				}
			}
		}
	}
	if ids == nil {
		ids = []string{}
	}
	return s.SetUserCourses(ctx, userID, ids)
}

func scanCourse(row rowScanner) (*Course, error) {
	var (
		c     Course
		slots []byte
	)
	err := row.Scan(&c.ID, &c.CourseCode, &c.ConfigurationLocked, &c.HasAttendanceForm,
		&c.FormURL, &c.FormConfigID, &slots, &c.TeacherName)
	if err != nil {
		return nil, err
	}
	if c.KnownSlots, err = unmarshal[[]string](slots); err != nil {
		return nil, err
	}
	if c.KnownSlots == nil {
		c.KnownSlots = []string{}
	}
	return &c, nil
}

// FormByID returns a form template by id, or nil when absent.
func (s *Store) FormByID(ctx context.Context, id string) (*Form, error) {
	var (
		f      Form
		fields []byte
	)
	err := s.shared.QueryRowContext(ctx,
		`SELECT id, name, sub_fields, thumbnail_id, is_default FROM forms WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &fields, &f.ThumbnailID, &f.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if f.SubFields, err = unmarshal[[]FormField](fields); err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateForm inserts a form template, assigning an id when unset.
func (s *Store) CreateForm(ctx context.Context, f *Form) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	fields, err := marshal(f.SubFields)
	if err != nil {
		return err
	}
	_, err = s.shared.ExecContext(ctx,
		`INSERT INTO forms (id, name, sub_fields, thumbnail_id, is_default) VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.Name, fields, f.ThumbnailID, f.IsDefault)
	return err
}

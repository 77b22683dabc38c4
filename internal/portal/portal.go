// Package portal wraps the external school-information service. The wire
// protocol is hidden behind the Client and Session interfaces; handlers and
// tests consume those.
package portal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Client opens authenticated portal sessions.
type Client interface {
	Login(ctx context.Context, username, password string) (Session, error)
}

// Session is a logged-in portal session. Sessions are cheap and
// per-operation; Close releases the underlying transport state.
type Session interface {
	Info(ctx context.Context) (*UserInfo, error)
	DayCycleNames(ctx context.Context, schoolCode int, start, end time.Time) ([]string, error)
	Timetable(ctx context.Context, schoolCode int, date time.Time) ([]TimetableItem, error)
	Close() error
}

// StatusError is a portal HTTP failure. A 401 means bad credentials; any
// other status is transient.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal: %s", e.Status)
}

// Unauthorized reports whether err is a portal 401.
func Unauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == 401
}

// StudentInfo is the per-school identity block of a user.
type StudentInfo struct {
	FirstName         string
	LastName          string
	CurrentGradeLevel string
}

// School is one school a user is enrolled in.
type School struct {
	Code        int
	Name        string
	SchoolYear  string // "XXXXYYYY", e.g. "20232024"
	StudentInfo StudentInfo
}

// UserInfo is the identity data of a logged-in user.
type UserInfo struct {
	Email   string
	Name    string // "Last, First"
	Schools []School
}

// TimetableItem is one period of a user's timetable.
type TimetableItem struct {
	CourseCode         string
	CoursePeriod       string
	CourseCycleDay     int
	CourseTeacherName  string
	CourseTeacherEmail string
}

// Async reports whether the item is an asynchronous period.
func (i TimetableItem) Async() bool {
	return len(i.CoursePeriod) > 0 && i.CoursePeriod[len(i.CoursePeriod)-1] == 'a'
}

// SelectSchool picks the school matching code, or the only school when code
// is zero.
func SelectSchool(info *UserInfo, code int) (*School, error) {
	if code == 0 {
		if len(info.Schools) != 1 {
			return nil, fmt.Errorf("portal reported %d schools; exactly 1 is required", len(info.Schools))
		}
		return &info.Schools[0], nil
	}
	for i := range info.Schools {
		if info.Schools[i].Code == code {
			return &info.Schools[i], nil
		}
	}
	return nil, fmt.Errorf("you do not appear to be in the configured school (#%d)", code)
}

// Grade derives the student's grade. CurrentGradeLevel increments once per
// calendar year, so it is off by one during the first half of the school
// year; SchoolYear not ending in the current year marks that case.
func (s *School) Grade(now time.Time) (int, bool) {
	grade, err := strconv.Atoi(s.StudentInfo.CurrentGradeLevel)
	if err != nil {
		return 0, false
	}
	if s.SchoolYear != "" && !strings.HasSuffix(s.SchoolYear, strconv.Itoa(now.Year())) {
		grade++
	}
	return grade, true
}

const (
	cycleLength = 4
	checkRange  = 14
	scanHorizon = 100
)

// AsyncPeriods enumerates the asynchronous periods across one full cycle.
// Day-cycle names are scanned up to 100 days ahead in 14-day windows to find
// a concrete date for each of the 4 cycle days ("D<N>"; bare "D" is a
// non-school day), then each date's timetable is collected.
func AsyncPeriods(ctx context.Context, s Session, schoolCode int, today time.Time) ([]TimetableItem, error) {
	offsets := map[string]int{}
scan:
	for i := 0; i < scanHorizon; i += checkRange {
		days, err := s.DayCycleNames(ctx, schoolCode,
			today.AddDate(0, 0, i), today.AddDate(0, 0, i+checkRange))
		if err != nil {
			return nil, err
		}
		for off, day := range days {
			if len(day) != 2 {
				continue
			}
			if _, seen := offsets[day]; !seen {
				offsets[day] = i + off
				if len(offsets) == cycleLength {
					break scan
				}
			}
		}
	}

	var found []TimetableItem
	for _, off := range offsets {
		items, err := s.Timetable(ctx, schoolCode, today.AddDate(0, 0, off))
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if item.Async() {
				found = append(found, item)
			}
		}
	}
	return found, nil
}

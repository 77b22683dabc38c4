package portal

import (
	"context"
	"time"
)

// Fake is a programmable in-memory portal for tests. Logins check against
// Password when set; LoginErr wins over everything.
type Fake struct {
	Password  string
	LoginErr  error
	User      UserInfo
	DayNames  []string // returned for any range
	Items     []TimetableItem
	ItemsErr  error
	DaysErr   error
	LoginSeen int
}

// Login implements Client.
func (f *Fake) Login(ctx context.Context, username, password string) (Session, error) {
	f.LoginSeen++
	if f.LoginErr != nil {
		return nil, f.LoginErr
	}
	if f.Password != "" && password != f.Password {
		return nil, &StatusError{StatusCode: 401, Status: "401 Unauthorized"}
	}
	return &fakeSession{fake: f}, nil
}

type fakeSession struct {
	fake *Fake
}

func (s *fakeSession) Info(ctx context.Context) (*UserInfo, error) {
	info := s.fake.User
	return &info, nil
}

func (s *fakeSession) DayCycleNames(ctx context.Context, schoolCode int, start, end time.Time) ([]string, error) {
	if s.fake.DaysErr != nil {
		return nil, s.fake.DaysErr
	}
	return s.fake.DayNames, nil
}

func (s *fakeSession) Timetable(ctx context.Context, schoolCode int, date time.Time) ([]TimetableItem, error) {
	if s.fake.ItemsErr != nil {
		return nil, s.fake.ItemsErr
	}
	return s.fake.Items, nil
}

func (s *fakeSession) Close() error { return nil }

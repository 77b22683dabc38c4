package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/dohr-michael/lockbox/internal/portal"
	"github.com/dohr-michael/lockbox/internal/scheduler"
	"github.com/dohr-michael/lockbox/internal/store"
)

const (
	populateRetryIn    = 10 * time.Minute
	populateRetryLimit = 12
)

// populateCourses refreshes a user's course list from a full timetable
// cycle. The list is forced into the pending state up front so API
// reads during the fetch report "still working".
func (e *Engine) populateCourses(ctx context.Context, owner *store.User, retries int, argument string) (*time.Time, error) {
	if !owner.CredentialsSet() {
		return nil, scheduler.Abandon("user credentials are incomplete")
	}
	password, err := e.decryptPassword(owner)
	if err != nil {
		slog.Error("populate courses: stored password cannot be decrypted", "user", owner.ID)
		return nil, scheduler.Abandon("cannot decrypt user password")
	}

	if err := e.store.SetUserCourses(ctx, owner.ID, nil); err != nil {
		return nil, err
	}

	items, err := e.fetchCycleCourses(ctx, owner.Login, password)
	if err != nil {
		if retries < populateRetryLimit {
			return nil, scheduler.Retry(populateRetryIn, "TDSB Connects error: %v", err)
		}
		return nil, scheduler.Abandon("TDSB Connects error: %v", err)
	}
	if err := e.store.PopulateUserCourses(ctx, owner.ID, slotsOf(items), true); err != nil {
		return nil, err
	}
	slog.Info("populate courses: finished", "user", owner.ID, "periods", len(items))
	return nil, nil
}

// fetchCycleCourses logs in and enumerates the async periods across a
// full day cycle.
func (e *Engine) fetchCycleCourses(ctx context.Context, login, password string) ([]portal.TimetableItem, error) {
	session, err := e.portal.Login(ctx, login, password)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	info, err := session.Info(ctx)
	if err != nil {
		return nil, err
	}
	school, err := portal.SelectSchool(info, e.schoolCode)
	if err != nil {
		return nil, err
	}
	return portal.AsyncPeriods(ctx, session, school.Code, e.now())
}

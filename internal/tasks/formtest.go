package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/lockbox/internal/portal"
	"github.com/dohr-michael/lockbox/internal/scheduler"
	"github.com/dohr-michael/lockbox/internal/store"
)

// testFillForm dry-runs a fill against the course configured in a
// FormFillingTest and stores the outcome in the shared record. The
// test document is created by the API just before the task, so a
// missing record is retried briefly to cover the write race.
func (e *Engine) testFillForm(ctx context.Context, owner *store.User, retries int, argument string) (*time.Time, error) {
	test, err := e.store.FormTestByID(ctx, argument)
	if err != nil {
		return nil, err
	}
	if test == nil {
		if retries > 2 {
			slog.Error("test fill form: test setup not found", "id", argument)
			return nil, nil
		}
		return nil, scheduler.Retry(5*time.Second, "missing test setup %s, waiting", argument)
	}

	now := e.now().UTC()
	test.TimeExecuted = &now
	e.runFormTest(ctx, owner, test)

	test.IsFinished = true
	test.InProgress = false
	if err := e.store.SaveFormTest(ctx, test); err != nil {
		return nil, err
	}
	return nil, nil
}

// runFormTest performs the dry-run attempt, mutating test in place.
func (e *Engine) runFormTest(ctx context.Context, owner *store.User, test *store.FormFillingTest) {
	reportFailure := func(kind store.FailureKind, message string) {
		if err := e.store.AddFormTestFailure(ctx, test.ID, e.failureEvent(kind, message)); err != nil {
			slog.Error("test fill form: recording failure event failed", "test", test.ID, "error", err)
		}
	}
	setResultError := func(courseID string) {
		test.FillResult = &store.FillFormResult{
			Result:   store.FillFailure,
			LoggedAt: e.now().UTC(),
			CourseID: courseID,
		}
	}

	course, err := e.store.CourseByID(ctx, test.CourseConfig)
	if err != nil || course == nil {
		slog.Error("test fill form: test setup has invalid course", "test", test.ID, "course", test.CourseConfig, "error", err)
		setResultError("")
		reportFailure(store.FailureInternal, "Internal error: Failed to find course by id in test setup.")
		return
	}

	password, err := e.decryptPassword(owner)
	if err != nil {
		slog.Error("test fill form: stored password cannot be decrypted", "user", owner.ID)
		setResultError("")
		reportFailure(store.FailureInternal, "Internal error: Failed to decrypt password")
		return
	}

	var (
		info    *portal.UserInfo
		student *portal.StudentInfo
	)
	freshInfo, school, _, portalErr := e.portalSnapshot(ctx, owner.Login, password)
	if portalErr == nil {
		info = freshInfo
		student = &school.StudentInfo
	} else {
		var failure *taskFailure
		if errors.As(portalErr, &failure) && failure.kind == store.FailureTDSBConnects {
			reportFailure(store.FailureTDSBConnects, fmt.Sprintf(
				"Warning: TDSB Connects failed with error '%s'. Falling back to stored data.", failure.message))
		} else {
			message := portalErr.Error()
			kind := store.FailureUnknown
			if errors.As(portalErr, &failure) {
				kind = failure.kind
			}
			slog.Error("test fill form: cannot get user info", "user", owner.ID, "error", message)
			setResultError("")
			reportFailure(kind, message)
			return
		}
	}

	if !course.HasAttendanceForm {
		slog.Info("test fill form: no form for course", "course", course.CourseCode)
		return
	}
	if course.FormURL == "" || course.FormConfigID == "" {
		slog.Warn("test fill form: course missing form config", "course", course.CourseCode)
		setResultError(course.ID)
		reportFailure(store.FailureConfig, fmt.Sprintf("Course missing form config: %s. Will not retry.", course.CourseCode))
		return
	}

	feContext := e.fieldexprContext(owner, course, info, student, nil, reportFailure)
	result, err := e.doFillForm(ctx, owner, course, password, feContext, true, true, reportFailure)
	if err != nil {
		var failure *taskFailure
		if errors.As(err, &failure) {
			suffix := " Will not retry."
			if failure.retry {
				suffix = " Would've retried later."
			}
			setResultError(course.ID)
			reportFailure(store.FailureInternal, failure.message+suffix)
			return
		}
		slog.Error("test fill form: unexpected failure", "test", test.ID, "error", err)
		setResultError(course.ID)
		reportFailure(store.FailureInternal, "Internal error: "+err.Error())
		return
	}
	test.FillResult = result
	slog.Info("test fill form: finished", "user", owner.ID, "test", test.ID)
}

// removeOldTestResults expires a finished test and its screenshot.
func (e *Engine) removeOldTestResults(ctx context.Context, owner *store.User, retries int, argument string) (*time.Time, error) {
	test, err := e.store.FormTestByID(ctx, argument)
	if err != nil {
		return nil, err
	}
	if test == nil {
		slog.Warn("test fill form cleanup: test setup not found", "id", argument)
		return nil, nil
	}
	if test.FillResult != nil && test.FillResult.FormScreenshotID != "" {
		if err := e.store.DeleteBlob(ctx, test.FillResult.FormScreenshotID); err != nil {
			slog.Warn("test fill form cleanup: deleting screenshot failed", "blob", test.FillResult.FormScreenshotID, "error", err)
		}
	}
	if err := e.store.DeleteFormTest(ctx, test.ID); err != nil {
		return nil, err
	}
	slog.Info("test fill form cleanup: removed", "test", test.ID)
	return nil, nil
}

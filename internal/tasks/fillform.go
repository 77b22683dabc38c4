package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/lockbox/internal/fieldexpr"
	"github.com/dohr-michael/lockbox/internal/ghoster"
	"github.com/dohr-michael/lockbox/internal/portal"
	"github.com/dohr-michael/lockbox/internal/scheduler"
	"github.com/dohr-michael/lockbox/internal/store"
)

func (e *Engine) failureEvent(kind store.FailureKind, message string) store.FailureEvent {
	return store.FailureEvent{
		ID:       uuid.NewString(),
		LoggedAt: e.now().UTC(),
		Kind:     kind,
		Message:  message,
	}
}

// fillForm fills today's attendance form for one user. Fill-form tasks
// exist only for active users with complete credentials; anything else
// means the task is stale and is dropped.
func (e *Engine) fillForm(ctx context.Context, owner *store.User, retries int, argument string) (*time.Time, error) {
	slog.Info("fill form: starting", "user", owner.ID, "login", owner.Login)
	if !owner.Active {
		return nil, scheduler.Abandon("user %s has form filling disabled", owner.ID)
	}
	if !owner.CredentialsSet() {
		return nil, scheduler.Abandon("user %s's credentials are incomplete", owner.ID)
	}

	reportFailure := func(kind store.FailureKind, message string) {
		if err := e.store.AddUserFailure(ctx, owner.ID, e.failureEvent(kind, message)); err != nil {
			slog.Error("fill form: recording failure event failed", "user", owner.ID, "error", err)
		}
	}

	// setLastResult replaces the previous attempt's record, deleting
	// its screenshots from blob storage first.
	setLastResult := func(result *store.FillFormResult) {
		if prev := owner.LastFillFormResult; prev != nil {
			for _, blobID := range []string{prev.FormScreenshotID, prev.ConfirmationScreenshotID} {
				if blobID == "" {
					continue
				}
				if err := e.store.DeleteBlob(ctx, blobID); err != nil {
					slog.Warn("fill form: deleting previous screenshot failed", "user", owner.ID, "blob", blobID, "error", err)
				}
			}
		}
		owner.LastFillFormResult = result
		if err := e.store.SetLastFillFormResult(ctx, owner.ID, result); err != nil {
			slog.Error("fill form: saving result failed", "user", owner.ID, "error", err)
		}
	}

	next := e.NextRunTime(e.cfg.FillFormWindow)

	// handleError records a failed attempt and decides between
	// retrying in place and giving up until tomorrow.
	handleError := func(kind store.FailureKind, message string, retry bool, courseID string) (*time.Time, error) {
		setLastResult(&store.FillFormResult{
			Result:   store.FillFailure,
			LoggedAt: e.now().UTC(),
			CourseID: courseID,
		})
		if !retry {
			reportFailure(kind, message+"; Will not retry.")
			return &next, nil
		}
		if retries < e.cfg.FillFormRetryLimit {
			reportFailure(kind, message+"; Will retry later.")
			return nil, scheduler.Retry(e.cfg.FillFormRetryIn.Duration(), "%s", message)
		}
		reportFailure(kind, message+"; Retry limit reached.")
		return &next, nil
	}

	password, err := e.decryptPassword(owner)
	if err != nil {
		slog.Error("fill form: stored password cannot be decrypted", "user", owner.ID)
		return handleError(store.FailureInternal, "Internal error: Failed to decrypt password", false, "")
	}

	var (
		info       *portal.UserInfo
		student    *portal.StudentInfo
		tdsbCourse *portal.TimetableItem
		dbCourse   *store.Course
	)
	freshInfo, school, timetable, portalErr := e.portalSnapshot(ctx, owner.Login, password)
	if portalErr == nil {
		// No async periods today means nothing to fill.
		if len(timetable) == 0 {
			slog.Info("fill form: no school or async courses", "user", owner.ID)
			return &next, nil
		}
		info = freshInfo
		student = &school.StudentInfo
		tdsbCourse = &timetable[0]
		if len(timetable) > 1 {
			var missed []string
			for _, item := range timetable[1:] {
				missed = append(missed, fmt.Sprintf("%s in period %s", item.CourseCode, item.CoursePeriod))
			}
			slog.Warn("fill form: multiple async courses today", "user", owner.ID, "missed", missed)
			reportFailure(store.FailureBadUserInfo, fmt.Sprintf(
				"Warning: Multiple async courses detected for today, but only one form will be filled. Missed courses: %s",
				strings.Join(missed, ", ")))
		}
		if err := e.store.PopulateUserCourses(ctx, owner.ID, slotsOf(timetable), false); err != nil {
			slog.Error("fill form: populating courses failed", "user", owner.ID, "error", err)
		}
		dbCourse, err = e.store.CourseByCode(ctx, tdsbCourse.CourseCode)
		if err != nil || dbCourse == nil {
			slog.Error("fill form: course lookup failed", "user", owner.ID, "course", tdsbCourse.CourseCode, "error", err)
			return handleError(store.FailureInternal,
				fmt.Sprintf("Internal error: Failed to find course for %s", tdsbCourse.CourseCode), true, "")
		}
	} else {
		var failure *taskFailure
		if !errors.As(portalErr, &failure) {
			return nil, portalErr
		}
		if failure.kind != store.FailureTDSBConnects {
			slog.Error("fill form: portal identity error", "user", owner.ID, "error", failure.message)
			return handleError(failure.kind, failure.message, failure.retry, "")
		}

		// Portal unreachable: fall back to stored courses and the
		// last known cycle day.
		slog.Warn("fill form: portal failed, falling back to stored data", "user", owner.ID)
		reportFailure(store.FailureTDSBConnects, fmt.Sprintf(
			"Warning: TDSB Connects failed with error '%s'. Falling back to stored data.", failure.message))
		day, known := e.CurrentDay()
		if !known {
			return handleError(store.FailureTDSBConnects, fmt.Sprintf(
				"Error: TDSB Connects error: '%s'. Cannot fall back to stored data (don't know what day it is).",
				failure.message), true, "")
		}
		if day <= 0 {
			slog.Warn("fill form: stored data indicates no school today")
			return &next, nil
		}
		if len(owner.Courses) == 0 {
			slog.Info("fill form: no courses configured", "user", owner.ID)
			return &next, nil
		}
		slot := fmt.Sprintf("%d-1a", day)
		for _, courseID := range owner.Courses {
			course, err := e.store.CourseByID(ctx, courseID)
			if err != nil {
				return nil, err
			}
			if course == nil {
				slog.Error("fill form: broken course reference", "user", owner.ID, "course", courseID)
				continue
			}
			if slices.Contains(course.KnownSlots, slot) {
				dbCourse = course
				break
			}
		}
		if dbCourse == nil {
			slog.Info("fill form: no school or async courses", "user", owner.ID)
			return &next, nil
		}
	}

	feContext := e.fieldexprContext(owner, dbCourse, info, student, tdsbCourse, reportFailure)

	if !dbCourse.HasAttendanceForm {
		slog.Info("fill form: no form for course", "course", dbCourse.CourseCode)
		return &next, nil
	}
	if dbCourse.FormURL == "" || dbCourse.FormConfigID == "" {
		slog.Warn("fill form: course missing form config", "course", dbCourse.CourseCode)
		return handleError(store.FailureConfig,
			fmt.Sprintf("Course missing form config: %s", dbCourse.CourseCode), false, dbCourse.ID)
	}

	if !e.cfg.SubmitEnabled {
		slog.Warn("fill form: submitting is disabled, running dry")
	}
	result, fillErr := e.doFillForm(ctx, owner, dbCourse, password, feContext, !e.cfg.SubmitEnabled, false, reportFailure)
	if fillErr != nil {
		var failure *taskFailure
		if errors.As(fillErr, &failure) {
			slog.Error("fill form: filling failed", "user", owner.ID, "kind", failure.kind, "error", failure.message)
			return handleError(failure.kind, failure.message, failure.retry, dbCourse.ID)
		}
		return nil, fillErr
	}
	setLastResult(result)
	slog.Info("fill form: finished", "user", owner.ID)
	return &next, nil
}

// doFillForm evaluates the form's field expressions and drives the
// browser through one attempt. When test is set the confirmation
// screenshot is not captured separately and warnings go to the test
// record via warn. Returns a taskFailure for anything the caller
// should report.
func (e *Engine) doFillForm(ctx context.Context, owner *store.User, course *store.Course, password string, feContext fieldexpr.Context, dryRun, test bool, warn func(store.FailureKind, string)) (*store.FillFormResult, error) {
	form, err := e.store.FormByID(ctx, course.FormConfigID)
	if err != nil {
		return nil, err
	}
	if form == nil {
		return nil, failf(store.FailureConfig, false, "Course missing form config: %s", course.CourseCode)
	}

	fields := make([]ghoster.Field, 0, len(form.SubFields))
	for _, sub := range form.SubFields {
		value, err := fieldexpr.Interpret(sub.TargetValue, feContext)
		if err != nil {
			slog.Error("fill form: field value formatting error", "course", course.CourseCode, "error", err)
			return nil, failf(store.FailureInternal, true, "Fill form: Field value formatting error: %v", err)
		}
		fields = append(fields, ghoster.Field{
			Index:    sub.IndexOnPage,
			Title:    sub.ExpectedLabelSegment,
			Kind:     sub.Kind,
			Value:    value,
			Critical: sub.Critical,
		})
	}

	creds := ghoster.Credentials{Email: owner.Email, Login: owner.Login, Password: password}
	slog.Info("fill form: form filling started", "course", course.CourseCode, "user", owner.ID)
	outcome, err := e.ghost.FillForm(ctx, course.FormURL, creds, fields, dryRun)
	if err != nil {
		var possible *ghoster.PossibleFailure
		if errors.As(err, &possible) {
			slog.Warn("fill form: possible failure", "user", owner.ID, "error", possible.Message)
			shotID, blobErr := e.store.PutBlob(ctx, "confirmation.png", possible.Screenshot)
			if blobErr != nil {
				slog.Error("fill form: storing screenshot failed", "error", blobErr)
			}
			warn(store.FailureFormFilling, fmt.Sprintf("Possible form filling failure (Not retrying): %s", possible.Message))
			return &store.FillFormResult{
				Result:                   store.FillPossibleFailure,
				LoggedAt:                 e.now().UTC(),
				CourseID:                 course.ID,
				ConfirmationScreenshotID: shotID,
			}, nil
		}
		var failType string
		var authErr *ghoster.AuthError
		var formErr *ghoster.InvalidFormError
		switch {
		case errors.As(err, &authErr):
			failType = "Failed to login"
		case errors.As(err, &formErr):
			failType = "Invalid form"
		default:
			failType = "Unknown failure"
		}
		return nil, failf(store.FailureFormFilling, true, "%s: %v", failType, err)
	}

	for _, warning := range outcome.Warnings {
		warn(store.FailureFormFilling, "Warning: "+warning)
	}

	formShotID, err := e.store.PutBlob(ctx, "form.png", outcome.FormScreenshot)
	if err != nil {
		return nil, failf(store.FailureInternal, true, "Fill form: storing screenshot failed: %v", err)
	}
	result := &store.FillFormResult{
		Result:           store.FillSuccess,
		LoggedAt:         e.now().UTC(),
		CourseID:         course.ID,
		FormScreenshotID: formShotID,
	}
	if !e.cfg.SubmitEnabled {
		result.Result = store.FillSubmitDisabled
	}
	if test {
		result.ConfirmationScreenshotID = formShotID
	} else {
		confirmID, err := e.store.PutBlob(ctx, "confirmation.png", outcome.ConfirmationScreenshot)
		if err != nil {
			return nil, failf(store.FailureInternal, true, "Fill form: storing screenshot failed: %v", err)
		}
		result.ConfirmationScreenshotID = confirmID
	}
	slog.Info("fill form: attempt finished", "user", owner.ID, "result", result.Result)
	return result, nil
}

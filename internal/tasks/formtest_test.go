package tasks

import (
	"context"
	"strings"
	"testing"

	"github.com/dohr-michael/lockbox/internal/portal"
	"github.com/dohr-michael/lockbox/internal/store"
)

func TestTestFillFormWaitsForSetup(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)
	ctx := context.Background()

	_, err := env.engine.testFillForm(ctx, user, 0, "no-such-id")
	if !isRetryTaskError(err) {
		t.Fatalf("err = %v, want retryable task error", err)
	}

	// After a few attempts the missing setup is given up on.
	next, err := env.engine.testFillForm(ctx, user, 3, "no-such-id")
	if err != nil || next != nil {
		t.Fatalf("testFillForm = %v, %v; want silent drop", next, err)
	}
}

func TestTestFillFormDryRun(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)
	course := env.seedForm(t)
	env.browser.HTML = attendancePage
	env.browser.Present[nameSel] = true
	ctx := context.Background()

	test, err := env.store.CreateFormTest(ctx, user.ID, course.ID)
	if err != nil {
		t.Fatalf("create form test: %v", err)
	}
	next, err := env.engine.testFillForm(ctx, user, 0, test.ID)
	if err != nil || next != nil {
		t.Fatalf("testFillForm = %v, %v; want one-shot success", next, err)
	}

	if got := env.browser.Keys[nameSel]; got != "Ada Lovelace" {
		t.Errorf("name field = %q, want %q", got, "Ada Lovelace")
	}
	if len(env.browser.Clicks) != 0 {
		t.Errorf("dry run clicked %v", env.browser.Clicks)
	}

	fresh, err := env.store.FormTestByID(ctx, test.ID)
	if err != nil {
		t.Fatalf("form test by id: %v", err)
	}
	if !fresh.IsFinished || fresh.InProgress || fresh.TimeExecuted == nil {
		t.Errorf("state = finished:%v in_progress:%v executed:%v", fresh.IsFinished, fresh.InProgress, fresh.TimeExecuted)
	}
	result := fresh.FillResult
	if result == nil || result.Result != store.FillSuccess {
		t.Fatalf("fill result = %+v, want success", result)
	}
	if result.CourseID != course.ID {
		t.Errorf("result course = %q, want %q", result.CourseID, course.ID)
	}
	if result.FormScreenshotID == "" || result.ConfirmationScreenshotID != result.FormScreenshotID {
		t.Errorf("screenshots = %q / %q, want one shared blob", result.FormScreenshotID, result.ConfirmationScreenshotID)
	}
	if ok, err := env.store.BlobExists(ctx, result.FormScreenshotID); err != nil || !ok {
		t.Errorf("screenshot blob %q missing (err=%v)", result.FormScreenshotID, err)
	}
}

func TestTestFillFormMissingConfig(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)
	ctx := context.Background()

	course, err := env.store.UpsertCourse(ctx, store.CourseSlot{CourseCode: asyncToday.CourseCode, Slot: "2-1a"})
	if err != nil {
		t.Fatalf("upsert course: %v", err)
	}
	test, err := env.store.CreateFormTest(ctx, user.ID, course.ID)
	if err != nil {
		t.Fatalf("create form test: %v", err)
	}
	if _, err := env.engine.testFillForm(ctx, user, 0, test.ID); err != nil {
		t.Fatalf("testFillForm: %v", err)
	}

	fresh, _ := env.store.FormTestByID(ctx, test.ID)
	if !fresh.IsFinished {
		t.Error("test not marked finished")
	}
	if fresh.FillResult == nil || fresh.FillResult.Result != store.FillFailure {
		t.Fatalf("fill result = %+v, want failure", fresh.FillResult)
	}
	if fresh.FillResult.CourseID != course.ID {
		t.Errorf("result course = %q, want %q", fresh.FillResult.CourseID, course.ID)
	}
	found := false
	for _, ev := range fresh.Errors {
		if ev.Kind == store.FailureConfig && strings.Contains(ev.Message, "Course missing form config") {
			found = true
		}
	}
	if !found {
		t.Errorf("no config failure recorded: %+v", fresh.Errors)
	}
}

func TestTestFillFormPortalFallback(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)
	course := env.seedForm(t)
	env.portal.LoginErr = &portal.StatusError{StatusCode: 503, Status: "503 Service Unavailable"}
	env.browser.HTML = attendancePage
	env.browser.Present[nameSel] = true
	ctx := context.Background()

	test, err := env.store.CreateFormTest(ctx, user.ID, course.ID)
	if err != nil {
		t.Fatalf("create form test: %v", err)
	}
	if _, err := env.engine.testFillForm(ctx, user, 0, test.ID); err != nil {
		t.Fatalf("testFillForm: %v", err)
	}

	fresh, _ := env.store.FormTestByID(ctx, test.ID)
	if fresh.FillResult == nil || fresh.FillResult.Result != store.FillSuccess {
		t.Fatalf("fill result = %+v, want success via stored data", fresh.FillResult)
	}
	// Name came from the email local part.
	if got := env.browser.Keys[nameSel]; got != "ada lovelace" {
		t.Errorf("name field = %q, want %q", got, "ada lovelace")
	}
	warned := false
	for _, ev := range fresh.Errors {
		if ev.Kind == store.FailureTDSBConnects && strings.Contains(ev.Message, "Falling back to stored data") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("no fallback warning recorded: %+v", fresh.Errors)
	}
}

func TestRemoveOldTestResults(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)
	ctx := context.Background()

	test, err := env.store.CreateFormTest(ctx, user.ID, "course")
	if err != nil {
		t.Fatalf("create form test: %v", err)
	}
	shotID, err := env.store.PutBlob(ctx, "form.png", []byte("png"))
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	test.FillResult = &store.FillFormResult{Result: store.FillSuccess, FormScreenshotID: shotID}
	if err := env.store.SaveFormTest(ctx, test); err != nil {
		t.Fatalf("save form test: %v", err)
	}

	if _, err := env.engine.removeOldTestResults(ctx, user, 0, test.ID); err != nil {
		t.Fatalf("removeOldTestResults: %v", err)
	}
	if fresh, _ := env.store.FormTestByID(ctx, test.ID); fresh != nil {
		t.Errorf("test survived cleanup: %+v", fresh)
	}
	if ok, _ := env.store.BlobExists(ctx, shotID); ok {
		t.Error("screenshot blob survived cleanup")
	}

	if _, err := env.engine.removeOldTestResults(ctx, user, 0, test.ID); err != nil {
		t.Fatalf("repeat cleanup: %v", err)
	}
}

package store

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateUserDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Token) != 64 {
		t.Fatalf("token length = %d, want 64", len(u.Token))
	}

	got, err := s.UserByToken(ctx, u.Token)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active {
		t.Error("new user not active")
	}
	if got.CredentialsSet() {
		t.Error("new user has credentials set")
	}
	if len(got.Errors) != 0 {
		t.Errorf("new user has %d errors", len(got.Errors))
	}
	if got.Courses != nil {
		t.Error("new user has a resolved course list")
	}
}

func TestUserByTokenUnknown(t *testing.T) {
	s := openTestStore(t)

	_, err := s.UserByToken(context.Background(), "nope")
	if CodeOf(err) != CodeBadToken {
		t.Fatalf("err = %v, want bad-token", err)
	}
}

func TestSaveUserRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx)
	if err != nil {
		t.Fatal(err)
	}
	grade := 12
	u.Login = "123456789"
	u.Password = "gAAAAA-ciphertext"
	u.Email = "student@example.org"
	u.FirstName = "Ada"
	u.LastName = "Lovelace"
	u.Grade = &grade
	u.Courses = []string{"c1", "c2"}
	if err := s.SaveUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	got, err := s.UserByID(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Login != u.Login || got.Password != u.Password || got.Email != u.Email {
		t.Errorf("credentials did not round trip: %+v", got)
	}
	if got.Grade == nil || *got.Grade != 12 {
		t.Errorf("grade = %v, want 12", got.Grade)
	}
	if !reflect.DeepEqual(got.Courses, []string{"c1", "c2"}) {
		t.Errorf("courses = %v", got.Courses)
	}
	if !got.CredentialsSet() {
		t.Error("credentials_set false after setting login and password")
	}
}

func TestSaveUserDuplicateLogin(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateUser(ctx)
	b, _ := s.CreateUser(ctx)
	a.Login = "111"
	if err := s.SaveUser(ctx, a); err != nil {
		t.Fatal(err)
	}
	b.Login = "111"
	if err := s.SaveUser(ctx, b); CodeOf(err) != CodeInvalidField {
		t.Fatalf("err = %v, want invalid-field", err)
	}
}

func TestUserFailureEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ev := FailureEvent{ID: "e1", LoggedAt: time.Now().UTC(), Kind: FailureConfig, Message: "missing form"}
	if err := s.AddUserFailure(ctx, u.ID, ev); err != nil {
		t.Fatal(err)
	}
	got, err := s.UserByID(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Errors) != 1 || got.Errors[0].Kind != FailureConfig {
		t.Fatalf("errors = %+v", got.Errors)
	}

	if err := s.RemoveUserFailure(ctx, "bad", "e1"); CodeOf(err) != CodeBadToken {
		t.Fatalf("remove with bad token: err = %v", err)
	}
	if err := s.RemoveUserFailure(ctx, u.Token, "e9"); CodeOf(err) != CodeInvalidField {
		t.Fatalf("remove with bad error id: err = %v", err)
	}
	if err := s.RemoveUserFailure(ctx, u.Token, "e1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.UserByID(ctx, u.ID)
	if len(got.Errors) != 0 {
		t.Fatalf("errors not cleared: %+v", got.Errors)
	}
}

func TestUpsertCourseIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	slot := CourseSlot{CourseCode: "MCV4U1-01", Slot: "2-1a", TeacherName: "Grace Hopper"}
	first, err := s.UpsertCourse(ctx, slot)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.UpsertCourse(ctx, slot)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("upsert created a duplicate course: %s vs %s", first.ID, second.ID)
	}
	if !reflect.DeepEqual(second.KnownSlots, []string{"2-1a"}) {
		t.Errorf("known slots = %v", second.KnownSlots)
	}

	// A different slot for the same course extends known_slots but never
	// overwrites the teacher name.
	third, err := s.UpsertCourse(ctx, CourseSlot{CourseCode: "MCV4U1-01", Slot: "4-1a", TeacherName: "Other"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(third.KnownSlots, []string{"2-1a", "4-1a"}) {
		t.Errorf("known slots = %v", third.KnownSlots)
	}
	if third.TeacherName != "Grace Hopper" {
		t.Errorf("teacher name overwritten: %q", third.TeacherName)
	}
}

func TestPopulateUserCourses(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx)
	if err != nil {
		t.Fatal(err)
	}
	items := []CourseSlot{
		{CourseCode: "MCV4U1-01", Slot: "1-1a"},
		{CourseCode: "ENG4U1-02", Slot: "2-1a"},
		{CourseCode: "MCV4U1-01", Slot: "3-1a"},
	}
	if err := s.PopulateUserCourses(ctx, u.ID, items, true); err != nil {
		t.Fatal(err)
	}
	got, _ := s.UserByID(ctx, u.ID)
	if len(got.Courses) != 2 {
		t.Fatalf("courses = %v, want 2 distinct ids", got.Courses)
	}

	// Running again must not change the resolved set.
	if err := s.PopulateUserCourses(ctx, u.ID, items, true); err != nil {
		t.Fatal(err)
	}
	again, _ := s.UserByID(ctx, u.ID)
	if !reflect.DeepEqual(got.Courses, again.Courses) {
		t.Errorf("populate not idempotent: %v vs %v", got.Courses, again.Courses)
	}
}

func TestSetUserCoursesPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, _ := s.CreateUser(ctx)
	if err := s.SetUserCourses(ctx, u.ID, []string{}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.UserByID(ctx, u.ID)
	if got.Courses == nil {
		t.Fatal("empty course list read back as pending")
	}

	if err := s.SetUserCourses(ctx, u.ID, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = s.UserByID(ctx, u.ID)
	if got.Courses != nil {
		t.Fatal("pending course list read back as resolved")
	}
}

func TestFormGeometryLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g, err := s.CreateFormGeometry(ctx, "https://forms.example.org/a", "tok", true)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GeometryByURL(ctx, "https://forms.example.org/a")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !got.Pending() {
		t.Fatalf("fresh entry not pending: %+v", got)
	}

	auth := false
	got.Geometry = []GeometryEntry{{Index: 0, Title: "Name", Kind: FieldText}}
	got.AuthRequired = &auth
	got.ScreenshotID = "blob1"
	if err := s.SaveGeometryResult(ctx, got); err != nil {
		t.Fatal(err)
	}
	done, _ := s.GeometryByID(ctx, g.ID)
	if done.Pending() {
		t.Fatal("completed entry still pending")
	}
	if len(done.Geometry) != 1 || done.Geometry[0].Kind != FieldText {
		t.Fatalf("geometry = %+v", done.Geometry)
	}

	if err := s.ClearFormGeometry(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GeometryByURL(ctx, "https://forms.example.org/a"); got != nil {
		t.Fatal("geometry cache survived clear")
	}
}

func TestBlobReferenceCounting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.PutBlob(ctx, "thumb.png", []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	form := &Form{Name: "Attendance", ThumbnailID: id}
	if err := s.CreateForm(ctx, form); err != nil {
		t.Fatal(err)
	}

	// Still referenced by the form: must survive.
	if err := s.DeleteBlobIfUnreferenced(ctx, id); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.BlobExists(ctx, id); !ok {
		t.Fatal("referenced blob was deleted")
	}

	if err := s.DeleteBlob(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetBlob(ctx, id); err != ErrNoBlob {
		t.Fatalf("err = %v, want ErrNoBlob", err)
	}
}

func TestFormTestRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ft, err := s.CreateFormTest(ctx, "user1", "course1")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	ft.TimeExecuted = &now
	ft.IsScheduled = true
	ft.IsFinished = true
	ft.FillResult = &FillFormResult{Result: FillSubmitDisabled, LoggedAt: now, CourseID: "course1"}
	if err := s.SaveFormTest(ctx, ft); err != nil {
		t.Fatal(err)
	}

	got, err := s.FormTestByID(ctx, ft.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FillResult == nil || got.FillResult.Result != FillSubmitDisabled {
		t.Fatalf("fill result = %+v", got.FillResult)
	}
	if got.TimeExecuted == nil || !got.TimeExecuted.Equal(now) {
		t.Fatalf("time executed = %v, want %v", got.TimeExecuted, now)
	}

	if err := s.DeleteFormTest(ctx, ft.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.FormTestByID(ctx, ft.ID); got != nil {
		t.Fatal("form test survived delete")
	}
}

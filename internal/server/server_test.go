package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/dohr-michael/lockbox/internal/config"
	"github.com/dohr-michael/lockbox/internal/ghoster"
	"github.com/dohr-michael/lockbox/internal/portal"
	"github.com/dohr-michael/lockbox/internal/scheduler"
	"github.com/dohr-michael/lockbox/internal/store"
	"github.com/dohr-michael/lockbox/internal/tasks"
	"github.com/dohr-michael/lockbox/internal/vault"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	store  *store.Store
	portal *portal.Fake
	ts     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v, err := vault.Open(key, "")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}

	portalFake := &portal.Fake{
		Password: "hunter2",
		User: portal.UserInfo{
			Email: "ada.lovelace42@student.example",
			Name:  "Lovelace, Ada",
			Schools: []portal.School{{
				Code:       5031,
				Name:       "Example CI",
				SchoolYear: "20252026",
				StudentInfo: portal.StudentInfo{
					FirstName:         "Ada",
					LastName:          "Lovelace",
					CurrentGradeLevel: "11",
				},
			}},
		},
	}

	cfg := config.Config{}
	cfg.Tasks = config.TasksConfig{
		CheckDayWindow:         config.Window{Start: 4 * 3600, End: 4 * 3600},
		FillFormWindow:         config.Window{Start: 7 * 3600, End: 9 * 3600},
		FillFormRetryLimit:     3,
		FillFormRetryIn:        config.Duration(30 * time.Minute),
		SubmitEnabled:          true,
		UpdateCoursesBatchSize: 3,
		UpdateCoursesInterval:  config.Duration(60 * time.Second),
		GeometryTTL:            config.Duration(15 * time.Minute),
		TestResultTTL:          config.Duration(6 * time.Hour),
	}

	sched := scheduler.New(st)
	ghost := ghoster.New(&ghoster.FakeDriver{Browser: ghoster.NewFakeBrowser()})
	engine := tasks.New(st, sched, portalFake, ghost, v, cfg.Tasks, 0)

	srv := New(st, sched, portalFake, v, engine, cfg)
	srv.now = func() time.Time { return testNow }
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, store: st, portal: portalFake, ts: ts}
}

// call issues a request and decodes the JSON body, when there is one.
func (env *testEnv) call(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode body: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (env *testEnv) createUser(t *testing.T) string {
	t.Helper()
	var created struct {
		Token string `json:"token"`
	}
	if code := env.call(t, http.MethodPost, "/user", "", nil, &created); code != http.StatusCreated {
		t.Fatalf("POST /user = %d", code)
	}
	return created.Token
}

func (env *testEnv) setCredentials(t *testing.T, token string) {
	env.setCredentialsAs(t, token, "123456789")
}

func (env *testEnv) setCredentialsAs(t *testing.T, token, login string) {
	t.Helper()
	body := map[string]any{"login": login, "password": "hunter2"}
	if code := env.call(t, http.MethodPatch, "/user", token, body, nil); code != http.StatusNoContent {
		t.Fatalf("PATCH /user = %d", code)
	}
}

func TestCreateAndGetUser(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(token) {
		t.Fatalf("token = %q, want 64 hex chars", token)
	}

	var user userPayload
	if code := env.call(t, http.MethodGet, "/user", token, nil, &user); code != http.StatusOK {
		t.Fatalf("GET /user = %d", code)
	}
	if !user.Active || user.CredentialsSet {
		t.Errorf("fresh user = %+v, want active without credentials", user)
	}
	if user.Errors == nil || len(user.Errors) != 0 {
		t.Errorf("errors = %v, want empty list", user.Errors)
	}
}

func TestAuthErrors(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		header string
		status int
		errMsg string
	}{
		{"missing header", "", http.StatusUnauthorized, "Missing token"},
		{"not bearer", "Basic Zm9v", http.StatusUnauthorized, "Bearer auth not used"},
		{"unknown token", "Bearer deadbeef", http.StatusUnauthorized, "Bad token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/user", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var body struct {
				Error string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.StatusCode != tc.status || body.Error != tc.errMsg {
				t.Errorf("got %d %q, want %d %q", resp.StatusCode, body.Error, tc.status, tc.errMsg)
			}
		})
	}
}

func TestPatchUserBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)

	var body struct {
		Error string `json:"error"`
	}
	patch := map[string]any{"login": "123456789", "password": "wrong"}
	code := env.call(t, http.MethodPatch, "/user", token, patch, &body)
	if code != http.StatusBadRequest || body.Error != "Incorrect TDSB credentials" {
		t.Fatalf("got %d %q", code, body.Error)
	}

	var user userPayload
	env.call(t, http.MethodGet, "/user", token, nil, &user)
	if user.CredentialsSet {
		t.Error("credentials recorded despite failed verification")
	}
}

func TestPatchUserVerifiesAndSchedules(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)
	env.setCredentials(t, token)
	ctx := context.Background()

	var user userPayload
	env.call(t, http.MethodGet, "/user", token, nil, &user)
	if !user.CredentialsSet {
		t.Fatal("credentials not recorded")
	}
	if user.Email != "ada.lovelace42@student.example" || user.FirstName != "Ada" || user.LastName != "Lovelace" {
		t.Errorf("identity not refreshed: %+v", user)
	}
	// School year "20252026" ends in the current year, so the reported
	// grade is taken as-is.
	if user.Grade == nil || *user.Grade != 11 {
		t.Errorf("grade = %v, want 11", user.Grade)
	}

	dbUser, err := env.store.UserByToken(ctx, token)
	if err != nil {
		t.Fatalf("user by token: %v", err)
	}
	for _, kind := range []store.TaskKind{store.TaskPopulateCourses, store.TaskFillForm, store.TaskCheckDay} {
		owner := dbUser.ID
		if kind == store.TaskCheckDay {
			owner = ""
		}
		if task, err := env.store.FindTask(ctx, kind, owner); err != nil || task == nil {
			t.Errorf("no %s task scheduled (err=%v)", kind, err)
		}
	}

	// Patching the same credentials again must not duplicate tasks.
	env.setCredentials(t, token)
	list, err := env.store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	fillForms := 0
	for _, task := range list {
		if task.Kind == store.TaskFillForm {
			fillForms++
		}
	}
	if fillForms != 1 {
		t.Errorf("fill-form tasks = %d, want 1", fillForms)
	}
}

func TestPatchUserGradeCorrection(t *testing.T) {
	env := newTestEnv(t)
	// First half of the school year: the reported grade trails by one.
	env.portal.User.Schools[0].SchoolYear = "20262027"
	token := env.createUser(t)
	env.setCredentials(t, token)

	var user userPayload
	env.call(t, http.MethodGet, "/user", token, nil, &user)
	if user.Grade == nil || *user.Grade != 12 {
		t.Errorf("grade = %v, want corrected 12", user.Grade)
	}
}

func TestPatchUserDeactivateRemovesFillForm(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)
	env.setCredentials(t, token)
	ctx := context.Background()

	code := env.call(t, http.MethodPatch, "/user", token, map[string]any{"active": false}, nil)
	if code != http.StatusNoContent {
		t.Fatalf("PATCH active=false = %d", code)
	}
	dbUser, _ := env.store.UserByToken(ctx, token)
	if task, _ := env.store.FindTask(ctx, store.TaskFillForm, dbUser.ID); task != nil {
		t.Error("fill-form task survived deactivation")
	}
}

func TestDeleteUser(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)

	if code := env.call(t, http.MethodDelete, "/user", token, nil, nil); code != http.StatusNoContent {
		t.Fatalf("DELETE /user = %d", code)
	}
	if code := env.call(t, http.MethodGet, "/user", token, nil, nil); code != http.StatusUnauthorized {
		t.Errorf("GET after delete = %d, want 401", code)
	}
}

func TestDeleteUserError(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)
	ctx := context.Background()

	dbUser, err := env.store.UserByToken(ctx, token)
	if err != nil {
		t.Fatalf("user by token: %v", err)
	}
	ev := store.FailureEvent{ID: "ev-1", LoggedAt: testNow, Kind: store.FailureConfig, Message: "boom"}
	if err := env.store.AddUserFailure(ctx, dbUser.ID, ev); err != nil {
		t.Fatalf("add failure: %v", err)
	}

	if code := env.call(t, http.MethodDelete, "/user/error/ev-1", token, nil, nil); code != http.StatusNoContent {
		t.Fatalf("DELETE error = %d", code)
	}
	if code := env.call(t, http.MethodDelete, "/user/error/ev-1", token, nil, nil); code != http.StatusBadRequest {
		t.Errorf("repeat DELETE error = %d, want 400", code)
	}
}

func TestGetUserCourses(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)
	ctx := context.Background()

	var courses struct {
		Courses []string `json:"courses"`
		Pending bool     `json:"pending"`
	}
	env.call(t, http.MethodGet, "/user/courses", token, nil, &courses)
	if courses.Courses != nil || courses.Pending {
		t.Errorf("no-credentials response = %+v", courses)
	}

	env.setCredentials(t, token)
	dbUser, _ := env.store.UserByToken(ctx, token)

	// Credentials set but resolution still pending.
	env.call(t, http.MethodGet, "/user/courses", token, nil, &courses)
	if courses.Courses != nil || !courses.Pending {
		t.Errorf("pending response = %+v", courses)
	}

	if err := env.store.SetUserCourses(ctx, dbUser.ID, []string{"course-1"}); err != nil {
		t.Fatalf("set courses: %v", err)
	}
	env.call(t, http.MethodGet, "/user/courses", token, nil, &courses)
	if len(courses.Courses) != 1 || courses.Pending {
		t.Errorf("resolved response = %+v", courses)
	}
}

func TestUpdateUserCoursesNeedsCredentials(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)

	var body struct {
		Error string `json:"error"`
	}
	code := env.call(t, http.MethodPost, "/user/courses/update", token, nil, &body)
	if code != http.StatusConflict || body.Error != "Cannot update courses: Missing credentials" {
		t.Fatalf("got %d %q", code, body.Error)
	}
}

func TestFormGeometryFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)
	env.setCredentials(t, token)
	ctx := context.Background()
	url := "https://docs.google.com/forms/d/e/abc/viewform"

	var geom geometryPayload
	code := env.call(t, http.MethodPost, "/form_geometry", token, map[string]any{"url": url}, &geom)
	if code != http.StatusOK {
		t.Fatalf("POST /form_geometry = %d", code)
	}
	if geom.Geometry != nil || geom.AuthRequired != nil || geom.ScreenshotID != nil {
		t.Errorf("first response not pending: %+v", geom)
	}

	entry, err := env.store.GeometryByURL(ctx, url)
	if err != nil || entry == nil {
		t.Fatalf("no cache entry created (err=%v)", err)
	}
	probe, _ := env.store.FindTask(ctx, store.TaskGetFormGeometry, "")
	cleanup, _ := env.store.FindTask(ctx, store.TaskRemoveOldFormGeometry, "")
	if probe == nil || probe.Argument != entry.ID {
		t.Fatalf("probe task = %+v", probe)
	}
	if cleanup == nil || !cleanup.NextRunAt.Equal(testNow.Add(15*time.Minute)) {
		t.Fatalf("cleanup task = %+v", cleanup)
	}

	// A repeat request while pending does not spawn more tasks.
	env.call(t, http.MethodPost, "/form_geometry", token, map[string]any{"url": url}, &geom)
	list, _ := env.store.ListTasks(ctx)
	probes := 0
	for _, task := range list {
		if task.Kind == store.TaskGetFormGeometry {
			probes++
		}
	}
	if probes != 1 {
		t.Errorf("probe tasks = %d, want 1", probes)
	}

	// Completed entries are served from the cache.
	auth := false
	entry.Geometry = []store.GeometryEntry{{Index: 0, Title: "Full Name", Kind: store.FieldText}}
	entry.AuthRequired = &auth
	if err := env.store.SaveGeometryResult(ctx, entry); err != nil {
		t.Fatalf("save geometry: %v", err)
	}
	env.call(t, http.MethodPost, "/form_geometry", token, map[string]any{"url": url}, &geom)
	if len(geom.Geometry) != 1 || geom.AuthRequired == nil || *geom.AuthRequired {
		t.Errorf("cached response = %+v", geom)
	}
}

func TestFormGeometryNeedsCredentials(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)

	var body struct {
		Error string `json:"error"`
	}
	code := env.call(t, http.MethodPost, "/form_geometry", token,
		map[string]any{"url": "https://example.com/form"}, &body)
	if code != http.StatusConflict || body.Error != "Cannot sign into form: Missing credentials" {
		t.Fatalf("got %d %q", code, body.Error)
	}
}

func TestFormGeometryRateLimited(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)
	env.setCredentials(t, token)

	var limited bool
	for i := 0; i < geometryBurst+2; i++ {
		code := env.call(t, http.MethodPost, "/form_geometry", token,
			map[string]any{"url": "https://example.com/form"}, nil)
		if code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Error("burst of requests was never rate limited")
	}
}

func TestUpdateAllCoursesBatches(t *testing.T) {
	env := newTestEnv(t)
	var tokens []string
	for i := 0; i < 4; i++ {
		token := env.createUser(t)
		env.setCredentialsAs(t, token, "12345678"+strconv.Itoa(i))
		tokens = append(tokens, token)
	}
	ctx := context.Background()
	// setCredentials leaves one populate-courses task per user; drop
	// them so batching is observable.
	for _, token := range tokens {
		u, _ := env.store.UserByToken(ctx, token)
		if err := env.store.DeleteTasksForOwner(ctx, u.ID, store.TaskPopulateCourses); err != nil {
			t.Fatalf("clear tasks: %v", err)
		}
	}

	if code := env.call(t, http.MethodPost, "/update_all_courses", tokens[0], nil, nil); code != http.StatusNoContent {
		t.Fatalf("POST /update_all_courses = %d", code)
	}
	list, err := env.store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	firstBatch, secondBatch := 0, 0
	for _, task := range list {
		if task.Kind != store.TaskPopulateCourses {
			continue
		}
		switch {
		case task.NextRunAt.Equal(testNow):
			firstBatch++
		case task.NextRunAt.Equal(testNow.Add(time.Minute)):
			secondBatch++
		default:
			t.Errorf("task at unexpected time %v", task.NextRunAt)
		}
	}
	if firstBatch != 3 || secondBatch != 1 {
		t.Errorf("batches = %d + %d, want 3 + 1", firstBatch, secondBatch)
	}
}

func TestTestFormSchedules(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)
	ctx := context.Background()

	code := env.call(t, http.MethodPost, "/test_form", token, map[string]any{"test_setup_id": "setup-1"}, nil)
	if code != http.StatusNoContent {
		t.Fatalf("POST /test_form = %d", code)
	}
	run, _ := env.store.FindTask(ctx, store.TaskTestFillForm, "")
	cleanup, _ := env.store.FindTask(ctx, store.TaskRemoveOldTestResults, "")
	if run == nil || run.Argument != "setup-1" {
		t.Fatalf("test task = %+v", run)
	}
	if cleanup == nil || !cleanup.NextRunAt.Equal(testNow.Add(6*time.Hour)) {
		t.Fatalf("cleanup task = %+v", cleanup)
	}

	if code := env.call(t, http.MethodPost, "/test_form", token, map[string]any{}, nil); code != http.StatusBadRequest {
		t.Errorf("missing id = %d, want 400", code)
	}
}

func TestDebugTasks(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t)
	env.setCredentials(t, token)

	var list []taskPayload
	if code := env.call(t, http.MethodGet, "/debug/tasks", token, nil, &list); code != http.StatusOK {
		t.Fatalf("GET /debug/tasks = %d", code)
	}
	if len(list) == 0 {
		t.Fatal("no tasks listed")
	}
	if code := env.call(t, http.MethodPost, "/debug/tasks/update", token, nil, nil); code != http.StatusNoContent {
		t.Errorf("POST /debug/tasks/update = %d", code)
	}
}

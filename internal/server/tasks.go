package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dohr-michael/lockbox/internal/store"
)

// handleUpdateAllCourses enqueues a populate-courses task for every
// user with complete credentials. Tasks are started in batches so the
// portal is not hammered by a hundred simultaneous logins.
func (s *Server) handleUpdateAllCourses(w http.ResponseWriter, r *http.Request, user *store.User) {
	ctx := r.Context()
	users, err := s.store.UsersWithCredentials(ctx, false)
	if err != nil {
		writeError(w, err)
		return
	}
	runAt := s.now().UTC()
	batch := 0
	for _, u := range users {
		if _, err := s.sched.CreateTask(ctx, store.TaskPopulateCourses, runAt, u.ID, ""); err != nil {
			writeError(w, err)
			return
		}
		batch++
		if batch >= s.cfg.UpdateCoursesBatchSize {
			batch = 0
			runAt = runAt.Add(s.cfg.UpdateCoursesInterval.Duration())
		}
	}
	slog.Info("scheduled course update for all users", "users", len(users), "requested_by", user.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleTestForm schedules a dry-run fill for an existing test setup,
// plus its cleanup once the result has expired.
func (s *Server) handleTestForm(w http.ResponseWriter, r *http.Request, user *store.User) {
	var req struct {
		TestSetupID string `json:"test_setup_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TestSetupID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "Missing test_setup_id")
		return
	}
	ctx := r.Context()
	if _, err := s.sched.CreateTask(ctx, store.TaskTestFillForm, s.now().UTC(), user.ID, req.TestSetupID); err != nil {
		writeError(w, err)
		return
	}
	expiry := s.now().UTC().Add(s.cfg.TestResultTTL.Duration())
	if _, err := s.sched.CreateTask(ctx, store.TaskRemoveOldTestResults, expiry, "", req.TestSetupID); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("scheduled form test", "user", user.ID, "test", req.TestSetupID)
	w.WriteHeader(http.StatusNoContent)
}

type taskPayload struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Owner      string    `json:"owner,omitempty"`
	NextRunAt  time.Time `json:"next_run_at"`
	IsRunning  bool      `json:"is_running"`
	RetryCount int       `json:"retry_count"`
	Argument   string    `json:"argument,omitempty"`
}

func (s *Server) handleDebugTasks(w http.ResponseWriter, r *http.Request, user *store.User) {
	list, err := s.store.ListTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	payload := make([]taskPayload, len(list))
	for i, t := range list {
		payload[i] = taskPayload{
			ID:         t.ID,
			Kind:       string(t.Kind),
			Owner:      t.OwnerID,
			NextRunAt:  t.NextRunAt,
			IsRunning:  t.IsRunning,
			RetryCount: t.RetryCount,
			Argument:   t.Argument,
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleDebugTasksUpdate(w http.ResponseWriter, r *http.Request, user *store.User) {
	s.sched.Update()
	w.WriteHeader(http.StatusNoContent)
}

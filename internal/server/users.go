package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/lockbox/internal/portal"
	"github.com/dohr-michael/lockbox/internal/store"
)

// userPayload is the user document as returned by GET /user: password
// and token elided, credentials_set added. Courses is null while
// course resolution is pending.
type userPayload struct {
	Login              string                `json:"login,omitempty"`
	Email              string                `json:"email,omitempty"`
	FirstName          string                `json:"first_name,omitempty"`
	LastName           string                `json:"last_name,omitempty"`
	Grade              *int                  `json:"grade,omitempty"`
	Active             bool                  `json:"active"`
	Errors             []store.FailureEvent  `json:"errors"`
	CredentialsSet     bool                  `json:"credentials_set"`
	LastFillFormResult *store.FillFormResult `json:"last_fill_form_result,omitempty"`
	Courses            []string              `json:"courses"`
}

func dumpUser(u *store.User) userPayload {
	p := userPayload{
		Login:              u.Login,
		Email:              u.Email,
		FirstName:          u.FirstName,
		LastName:           u.LastName,
		Grade:              u.Grade,
		Active:             u.Active,
		Errors:             u.Errors,
		CredentialsSet:     u.CredentialsSet(),
		LastFillFormResult: u.LastFillFormResult,
		Courses:            u.Courses,
	}
	if p.Errors == nil {
		p.Errors = []store.FailureEvent{}
	}
	return p
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.CreateUser(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("created user", "user", user.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"token": user.Token})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, user *store.User) {
	writeJSON(w, http.StatusOK, dumpUser(user))
}

// userPatch carries the mutable user fields; nil means "unchanged".
type userPatch struct {
	Login     *string `json:"login"`
	Password  *string `json:"password"`
	Active    *bool   `json:"active"`
	Grade     *int    `json:"grade"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

func (s *Server) handlePatchUser(w http.ResponseWriter, r *http.Request, user *store.User) {
	var patch userPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	ctx := r.Context()

	password := ""
	if patch.Login != nil {
		user.Login = *patch.Login
	}
	if patch.Password != nil {
		password = *patch.Password
		sealed, err := s.vault.Encrypt(password)
		if err != nil {
			writeError(w, err)
			return
		}
		user.Password = string(sealed)
	}
	if patch.Active != nil {
		user.Active = *patch.Active
	}
	if patch.Grade != nil {
		user.Grade = patch.Grade
	}
	if patch.FirstName != nil {
		user.FirstName = *patch.FirstName
	}
	if patch.LastName != nil {
		user.LastName = *patch.LastName
	}

	// Credentials are verified against the portal whenever a complete
	// pair is present and part of it just changed.
	probe := user.CredentialsSet() && (patch.Login != nil || patch.Password != nil)
	if probe {
		if password == "" {
			var err error
			if password, err = s.vault.Decrypt([]byte(user.Password)); err != nil {
				slog.Error("stored password cannot be decrypted", "user", user.ID)
				writeError(w, store.NewError(store.CodeInternal, "Internal server error: Cannot decrypt password"))
				return
			}
		}
		if err := s.refreshIdentity(r, user, password); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.store.SaveUser(ctx, user); err != nil {
		writeError(w, err)
		return
	}
	if probe {
		slog.Info("credentials verified", "user", user.ID, "login", user.Login)
		if _, err := s.sched.CreateTask(ctx, store.TaskPopulateCourses, s.now().UTC(), user.ID, ""); err != nil {
			writeError(w, err)
			return
		}
	}

	switch {
	case user.Active && user.CredentialsSet():
		if err := s.engine.EnsureFillFormTask(ctx, user); err != nil {
			writeError(w, err)
			return
		}
	case patch.Active != nil && !*patch.Active:
		if err := s.store.DeleteTasksForOwner(ctx, user.ID, store.TaskFillForm); err != nil {
			writeError(w, err)
			return
		}
		s.sched.Update()
	}
	w.WriteHeader(http.StatusNoContent)
}

// refreshIdentity probes the portal with the user's credentials and
// copies the portal-derived identity fields into the user.
func (s *Server) refreshIdentity(r *http.Request, user *store.User, password string) error {
	ctx := r.Context()
	session, err := s.portal.Login(ctx, user.Login, password)
	if err != nil {
		return portalProbeError(err)
	}
	defer session.Close()
	info, err := session.Info(ctx)
	if err != nil {
		return portalProbeError(err)
	}
	school, err := portal.SelectSchool(info, s.schoolCode)
	if err != nil {
		return store.NewError(store.CodeOther, err.Error())
	}

	user.Email = info.Email
	if grade, err := strconv.Atoi(school.StudentInfo.CurrentGradeLevel); err == nil {
		// The reported grade level increments per calendar year, so it
		// is off by one during the first half of the school year.
		if !strings.HasSuffix(school.SchoolYear, strconv.Itoa(s.now().Year())) {
			grade++
		}
		user.Grade = &grade
	}
	if school.StudentInfo.FirstName != "" {
		user.FirstName = school.StudentInfo.FirstName
	}
	if school.StudentInfo.LastName != "" {
		user.LastName = school.StudentInfo.LastName
	}
	return nil
}

func portalProbeError(err error) error {
	if portal.Unauthorized(err) {
		return store.NewError(store.CodeInvalidField, "Incorrect TDSB credentials")
	}
	return store.NewError(store.CodeOther, "HTTP error while logging into TDSB Connects: "+err.Error())
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, user *store.User) {
	ctx := r.Context()
	if result := user.LastFillFormResult; result != nil {
		for _, blobID := range []string{result.FormScreenshotID, result.ConfirmationScreenshotID} {
			if blobID == "" {
				continue
			}
			if err := s.store.DeleteBlob(ctx, blobID); err != nil {
				slog.Warn("deleting result screenshot failed", "user", user.ID, "blob", blobID, "error", err)
			}
		}
	}
	if err := s.store.DeleteUser(ctx, user.ID); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("deleted user", "user", user.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteUserError(w http.ResponseWriter, r *http.Request, user *store.User) {
	id := chi.URLParam(r, "id")
	if err := s.store.RemoveUserFailure(r.Context(), user.Token, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetUserCourses(w http.ResponseWriter, r *http.Request, user *store.User) {
	type coursesPayload struct {
		Courses []string `json:"courses"`
		Pending bool     `json:"pending"`
	}
	switch {
	case !user.CredentialsSet():
		writeJSON(w, http.StatusOK, coursesPayload{})
	case user.Courses == nil:
		writeJSON(w, http.StatusOK, coursesPayload{Pending: true})
	default:
		writeJSON(w, http.StatusOK, coursesPayload{Courses: user.Courses})
	}
}

func (s *Server) handleUpdateUserCourses(w http.ResponseWriter, r *http.Request, user *store.User) {
	if !user.CredentialsSet() {
		writeError(w, store.NewError(store.CodeStateConflict, "Cannot update courses: Missing credentials"))
		return
	}
	if _, err := s.vault.Decrypt([]byte(user.Password)); err != nil {
		slog.Error("stored password cannot be decrypted", "user", user.ID)
		writeError(w, store.NewError(store.CodeInternal, "Internal server error: Cannot decrypt password"))
		return
	}
	if _, err := s.sched.CreateTask(r.Context(), store.TaskPopulateCourses, s.now().UTC(), user.ID, ""); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

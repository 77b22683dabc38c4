package server

import (
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dohr-michael/lockbox/internal/store"
)

// Geometry probes spin up a browser, so requests are throttled
// per token well below the scheduler's own browser limits.
const (
	geometryRate  = rate.Limit(0.5)
	geometryBurst = 5
)

// tokenLimiter hands out a token bucket per bearer token.
type tokenLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newTokenLimiter(r rate.Limit, b int) *tokenLimiter {
	return &tokenLimiter{limiters: map[string]*rate.Limiter{}, r: r, b: b}
}

func (l *tokenLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}

// geometryPayload is the wire shape of a geometry cache entry. All
// three main fields are null while the probe is pending.
type geometryPayload struct {
	Geometry     []store.GeometryEntry `json:"geometry"`
	AuthRequired *bool                 `json:"auth_required"`
	ScreenshotID *string               `json:"screenshot_id"`
	Error        string                `json:"error,omitempty"`
	Status       *int                  `json:"status,omitempty"`
}

func (s *Server) handleFormGeometry(w http.ResponseWriter, r *http.Request, user *store.User) {
	var req struct {
		URL            string `json:"url"`
		GrabScreenshot bool   `json:"grab_screenshot"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeErrorMessage(w, http.StatusBadRequest, "Missing url")
		return
	}
	if !user.CredentialsSet() {
		writeError(w, store.NewError(store.CodeStateConflict, "Cannot sign into form: Missing credentials"))
		return
	}
	if !s.geometryLimiter.Allow(user.Token) {
		writeError(w, store.NewError(store.CodeRateLimited, "Rate limit exceeded"))
		return
	}
	ctx := r.Context()

	geom, err := s.store.GeometryByURL(ctx, req.URL)
	if err != nil {
		writeError(w, err)
		return
	}

	// A completed entry only satisfies a screenshot request while its
	// screenshot blob is still around; the frontend may have deleted it.
	screenshotValid := true
	if geom != nil && req.GrabScreenshot {
		screenshotValid = false
		if geom.ScreenshotID != "" {
			ok, err := s.store.BlobExists(ctx, geom.ScreenshotID)
			if err != nil {
				writeError(w, err)
				return
			}
			screenshotValid = ok
		}
	}

	if geom == nil || (!screenshotValid && geom.Geometry != nil) {
		if geom != nil {
			if err := s.store.DeleteGeometry(ctx, geom.ID); err != nil {
				writeError(w, err)
				return
			}
		}
		geom, err = s.store.CreateFormGeometry(ctx, req.URL, user.Token, req.GrabScreenshot)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := s.sched.CreateTask(ctx, store.TaskGetFormGeometry, s.now().UTC(), user.ID, geom.ID); err != nil {
			writeError(w, err)
			return
		}
		expiry := s.now().UTC().Add(s.cfg.GeometryTTL.Duration())
		if _, err := s.sched.CreateTask(ctx, store.TaskRemoveOldFormGeometry, expiry, user.ID, geom.ID); err != nil {
			writeError(w, err)
			return
		}
		slog.Info("form geometry requested", "user", user.ID, "url", req.URL)
		writeJSON(w, http.StatusOK, geometryPayload{})
		return
	}

	if geom.Pending() {
		writeJSON(w, http.StatusOK, geometryPayload{})
		return
	}

	payload := geometryPayload{
		Geometry:     geom.Geometry,
		AuthRequired: geom.AuthRequired,
	}
	if payload.Geometry == nil {
		payload.Geometry = []store.GeometryEntry{}
	}
	if geom.ScreenshotID != "" {
		payload.ScreenshotID = &geom.ScreenshotID
	}
	if geom.ResponseStatus != nil {
		payload.Error = geom.Error
		payload.Status = geom.ResponseStatus
	}
	writeJSON(w, http.StatusOK, payload)
}

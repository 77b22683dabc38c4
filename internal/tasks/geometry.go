package tasks

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dohr-michael/lockbox/internal/ghoster"
	"github.com/dohr-michael/lockbox/internal/scheduler"
	"github.com/dohr-michael/lockbox/internal/store"
)

// getFormGeometry resolves a pending CachedFormGeometry request:
// opens the URL in a browser, classifies every question and records
// the result. Failures are written into the cache entry with a status
// code so the API can relay them; the task itself never retries.
func (e *Engine) getFormGeometry(ctx context.Context, owner *store.User, retries int, argument string) (*time.Time, error) {
	geom, err := e.store.GeometryByID(ctx, argument)
	if err != nil {
		return nil, err
	}
	if geom == nil {
		return nil, scheduler.Abandon("geometry request %s is gone", argument)
	}

	fail := func(status int, message string) (*time.Time, error) {
		geom.ResponseStatus = &status
		geom.Error = message
		if err := e.store.SaveGeometryResult(ctx, geom); err != nil {
			return nil, err
		}
		return nil, nil
	}

	password, err := e.decryptPassword(owner)
	if err != nil {
		slog.Error("form geometry: stored password cannot be decrypted", "user", owner.ID)
		return fail(http.StatusInternalServerError, "Internal error: Failed to decrypt password")
	}

	creds := ghoster.Credentials{Email: owner.Email, Login: owner.Login, Password: password}
	needsSignIn, fields, screenshot, err := e.ghost.FormGeometry(ctx, geom.URL, creds, geom.GrabScreenshot)
	if err != nil {
		var authErr *ghoster.AuthError
		var formErr *ghoster.InvalidFormError
		switch {
		case errors.As(err, &authErr):
			slog.Warn("form geometry: authentication failed", "user", owner.ID, "url", geom.URL, "error", err)
			return fail(http.StatusUnauthorized, authErr.Message)
		case errors.As(err, &formErr):
			slog.Warn("form geometry: invalid form", "url", geom.URL, "error", err)
			return fail(http.StatusBadRequest, formErr.Message)
		default:
			slog.Error("form geometry: browser failure", "url", geom.URL, "error", err)
			return fail(http.StatusInternalServerError, "Internal error: "+err.Error())
		}
	}

	if fields == nil {
		fields = []store.GeometryEntry{}
	}
	geom.Geometry = fields
	geom.AuthRequired = &needsSignIn
	if len(screenshot) > 0 {
		shotID, err := e.store.PutBlob(ctx, "geometry.png", screenshot)
		if err != nil {
			return nil, err
		}
		geom.ScreenshotID = shotID
	}
	if err := e.store.SaveGeometryResult(ctx, geom); err != nil {
		return nil, err
	}
	slog.Info("form geometry: finished", "url", geom.URL, "fields", len(fields), "auth_required", needsSignIn)
	return nil, nil
}

// removeOldFormGeometry expires a cache entry and its screenshot.
func (e *Engine) removeOldFormGeometry(ctx context.Context, owner *store.User, retries int, argument string) (*time.Time, error) {
	geom, err := e.store.GeometryByID(ctx, argument)
	if err != nil {
		return nil, err
	}
	if geom == nil {
		return nil, nil
	}
	if geom.ScreenshotID != "" {
		if err := e.store.DeleteBlob(ctx, geom.ScreenshotID); err != nil {
			slog.Warn("form geometry cleanup: deleting screenshot failed", "blob", geom.ScreenshotID, "error", err)
		}
	}
	if err := e.store.DeleteGeometry(ctx, geom.ID); err != nil {
		return nil, err
	}
	slog.Info("form geometry cleanup: removed", "url", geom.URL)
	return nil, nil
}

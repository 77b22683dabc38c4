package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const geometryColumns = `id, url, requested_by, geometry, auth_required,
	screenshot_id, response_status, error, grab_screenshot`

// CreateFormGeometry inserts a pending geometry cache entry for url.
func (s *Store) CreateFormGeometry(ctx context.Context, url, requestedBy string, grabScreenshot bool) (*CachedFormGeometry, error) {
	g := &CachedFormGeometry{
		ID:             uuid.NewString(),
		URL:            url,
		RequestedBy:    requestedBy,
		GrabScreenshot: grabScreenshot,
	}
	_, err := s.private.ExecContext(ctx,
		`INSERT INTO form_geometry (id, url, requested_by, grab_screenshot) VALUES (?, ?, ?, ?)`,
		g.ID, g.URL, g.RequestedBy, g.GrabScreenshot)
	if err != nil {
		return nil, fmt.Errorf("insert form geometry: %w", err)
	}
	return g, nil
}

// GeometryByURL returns the cache entry for url, or nil when absent.
func (s *Store) GeometryByURL(ctx context.Context, url string) (*CachedFormGeometry, error) {
	g, err := scanGeometry(s.private.QueryRowContext(ctx,
		`SELECT `+geometryColumns+` FROM form_geometry WHERE url = ?`, url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// GeometryByID returns the cache entry with the given id, or nil.
func (s *Store) GeometryByID(ctx context.Context, id string) (*CachedFormGeometry, error) {
	g, err := scanGeometry(s.private.QueryRowContext(ctx,
		`SELECT `+geometryColumns+` FROM form_geometry WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// SaveGeometryResult writes the probe outcome into an existing entry.
func (s *Store) SaveGeometryResult(ctx context.Context, g *CachedFormGeometry) error {
	var geom any
	if g.Geometry != nil {
		var err error
		if geom, err = marshal(g.Geometry); err != nil {
			return err
		}
	}
	var auth any
	if g.AuthRequired != nil {
		auth = *g.AuthRequired
	}
	var status any
	if g.ResponseStatus != nil {
		status = *g.ResponseStatus
	}
	_, err := s.private.ExecContext(ctx, `UPDATE form_geometry SET
		geometry = ?, auth_required = ?, screenshot_id = ?, response_status = ?, error = ?
		WHERE id = ?`,
		geom, auth, g.ScreenshotID, status, g.Error, g.ID)
	return err
}

// DeleteGeometry removes a cache entry.
func (s *Store) DeleteGeometry(ctx context.Context, id string) error {
	_, err := s.private.ExecContext(ctx, `DELETE FROM form_geometry WHERE id = ?`, id)
	return err
}

// ClearFormGeometry drops the whole geometry cache. Entries do not survive a
// restart.
func (s *Store) ClearFormGeometry(ctx context.Context) error {
	_, err := s.private.ExecContext(ctx, `DELETE FROM form_geometry`)
	return err
}

func scanGeometry(row rowScanner) (*CachedFormGeometry, error) {
	var (
		g      CachedFormGeometry
		geom   []byte
		auth   sql.NullBool
		status sql.NullInt64
	)
	err := row.Scan(&g.ID, &g.URL, &g.RequestedBy, &geom, &auth,
		&g.ScreenshotID, &status, &g.Error, &g.GrabScreenshot)
	if err != nil {
		return nil, err
	}
	if geom != nil {
		if g.Geometry, err = unmarshal[[]GeometryEntry](geom); err != nil {
			return nil, err
		}
		if g.Geometry == nil {
			g.Geometry = []GeometryEntry{}
		}
	}
	if auth.Valid {
		v := auth.Bool
		g.AuthRequired = &v
	}
	if status.Valid {
		v := int(status.Int64)
		g.ResponseStatus = &v
	}
	return &g, nil
}

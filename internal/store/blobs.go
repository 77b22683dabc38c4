package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PutBlob stores a named blob in the shared bucket and returns its id.
func (s *Store) PutBlob(ctx context.Context, name string, data []byte) (string, error) {
	id := uuid.NewString()
	_, err := s.shared.ExecContext(ctx,
		`INSERT INTO blobs (id, name, data, created_at) VALUES (?, ?, ?, ?)`,
		id, name, data, millis(time.Now()))
	if err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return id, nil
}

// GetBlob fetches a blob's contents, ErrNoBlob when the id does not resolve.
func (s *Store) GetBlob(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.shared.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoBlob
	}
	return data, err
}

// BlobExists reports whether the blob id resolves.
func (s *Store) BlobExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.shared.QueryRowContext(ctx,
		`SELECT 1 FROM blobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// DeleteBlob removes a blob. Deleting an unknown id is not an error.
func (s *Store) DeleteBlob(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	_, err := s.shared.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id)
	return err
}

// DeleteBlobIfUnreferenced removes a blob unless a form template still uses
// it as a thumbnail.
func (s *Store) DeleteBlobIfUnreferenced(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	var refs int
	if err := s.shared.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM forms WHERE thumbnail_id = ?`, id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return nil
	}
	return s.DeleteBlob(ctx, id)
}

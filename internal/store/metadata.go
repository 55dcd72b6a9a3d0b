package store

import (
	"context"
	"database/sql"
	"errors"
)

// Metadata keys.
const (
	MetaLastRepairAt    = "last_repair_at"
	MetaLastRepairFixed = "last_repair_fixed"
)

// SetMetadata upserts a key-value pair.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO app_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a key, or "" if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.q.QueryRowContext(ctx, `SELECT value FROM app_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// GetImportedFileHash returns the stored hash for path, or "" if never imported.
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.q.QueryRowContext(ctx, `SELECT sha256 FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records that path was imported with the given hash.
func (s *Store) SetImportedFileHash(ctx context.Context, path, hash string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO imported_files (path, sha256, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET sha256 = excluded.sha256, imported_at = excluded.imported_at`,
		path, hash, s.now(),
	)
	return err
}

package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StorageDir is the cache's registry row for one configured SD root.
type StorageDir struct {
	UUID       string
	Path       string
	Label      string
	AddedAt    int64
	LastSeenAt int64
}

type storageDirStatements struct {
	upsert, get, list, touch, delete *sql.Stmt
}

func (d storageDirStatements) all() []*sql.Stmt {
	return []*sql.Stmt{d.upsert, d.get, d.list, d.touch, d.delete}
}

const (
	sqlUpsertStorageDir = `INSERT INTO storage_dirs (uuid, path, label, added_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET path = excluded.path, label = excluded.label, last_seen_at = excluded.last_seen_at`

	sqlGetStorageDir    = `SELECT uuid, path, label, added_at, last_seen_at FROM storage_dirs WHERE uuid = ?`
	sqlListStorageDirs  = `SELECT uuid, path, label, added_at, last_seen_at FROM storage_dirs`
	sqlTouchStorageDir  = `UPDATE storage_dirs SET last_seen_at = ? WHERE uuid = ?`
	sqlDeleteStorageDir = `DELETE FROM storage_dirs WHERE uuid = ?`
)

func (s *Store) prepareStorageDirStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.sdirs.upsert, sqlUpsertStorageDir, "upsertStorageDir"},
		{&s.sdirs.get, sqlGetStorageDir, "getStorageDir"},
		{&s.sdirs.list, sqlListStorageDirs, "listStorageDirs"},
		{&s.sdirs.touch, sqlTouchStorageDir, "touchStorageDir"},
		{&s.sdirs.delete, sqlDeleteStorageDir, "deleteStorageDir"},
	})
}

func scanStorageDir(row interface{ Scan(...any) error }) (*StorageDir, error) {
	var d StorageDir
	if err := row.Scan(&d.UUID, &d.Path, &d.Label, &d.AddedAt, &d.LastSeenAt); err != nil {
		return nil, err
	}

	return &d, nil
}

// UpsertStorageDir registers or updates an SD's cache entry.
func (s *Store) UpsertStorageDir(ctx context.Context, d StorageDir) error {
	if _, err := s.sdirs.upsert.ExecContext(ctx, d.UUID, d.Path, d.Label, d.AddedAt, d.LastSeenAt); err != nil {
		return fmt.Errorf("cache: upsert storage dir %s: %w", d.UUID, err)
	}

	return nil
}

// GetStorageDir returns (nil, nil) if no row exists for uuid.
func (s *Store) GetStorageDir(ctx context.Context, uuid string) (*StorageDir, error) {
	d, err := scanStorageDir(s.sdirs.get.QueryRowContext(ctx, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}

	if err != nil {
		return nil, fmt.Errorf("cache: get storage dir %s: %w", uuid, err)
	}

	return d, nil
}

// ListStorageDirs returns every registered SD.
func (s *Store) ListStorageDirs(ctx context.Context) ([]*StorageDir, error) {
	rows, err := s.sdirs.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: list storage dirs: %w", err)
	}
	defer rows.Close()

	var dirs []*StorageDir

	for rows.Next() {
		d, err := scanStorageDir(rows)
		if err != nil {
			return nil, fmt.Errorf("cache: scan storage dir row: %w", err)
		}

		dirs = append(dirs, d)
	}

	return dirs, rows.Err()
}

// TouchStorageDir updates last_seen_at, used whenever a scan or poll
// observes the SD is still reachable.
func (s *Store) TouchStorageDir(ctx context.Context, uuid string, seenAt int64) error {
	if _, err := s.sdirs.touch.ExecContext(ctx, seenAt, uuid); err != nil {
		return fmt.Errorf("cache: touch storage dir %s: %w", uuid, err)
	}

	return nil
}

// DeleteStorageDir removes an SD's cache registry row, used when a user
// un-registers an SD entirely.
func (s *Store) DeleteStorageDir(ctx context.Context, uuid string) error {
	if _, err := s.sdirs.delete.ExecContext(ctx, uuid); err != nil {
		return fmt.Errorf("cache: delete storage dir %s: %w", uuid, err)
	}

	return nil
}

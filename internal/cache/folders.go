package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Folder is the cache's derived projection of a folder.
type Folder struct {
	ID         string
	StorageDir string
	ParentID   string // empty means root
	Name       string
	SortOrder  int64
	IsDeleted  bool
	UpdatedAt  int64
}

type folderStatements struct {
	upsert, get, listByStorageDir, softDelete, hardDelete *sql.Stmt
}

func (f folderStatements) all() []*sql.Stmt {
	return []*sql.Stmt{f.upsert, f.get, f.listByStorageDir, f.softDelete, f.hardDelete}
}

const (
	sqlUpsertFolder = `INSERT INTO folders (id, storage_dir, parent_id, name, sort_order, is_deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			sort_order = excluded.sort_order,
			is_deleted = excluded.is_deleted,
			updated_at = excluded.updated_at`

	sqlGetFolder = `SELECT id, storage_dir, parent_id, name, sort_order, is_deleted, updated_at
		FROM folders WHERE id = ?`

	sqlListFoldersByStorageDir = `SELECT id, storage_dir, parent_id, name, sort_order, is_deleted, updated_at
		FROM folders WHERE storage_dir = ? AND is_deleted = 0`

	sqlSoftDeleteFolder = `UPDATE folders SET is_deleted = 1, updated_at = ? WHERE id = ?`
	sqlHardDeleteFolder = `DELETE FROM folders WHERE id = ?`
)

func (s *Store) prepareFolderStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.folders.upsert, sqlUpsertFolder, "upsertFolder"},
		{&s.folders.get, sqlGetFolder, "getFolder"},
		{&s.folders.listByStorageDir, sqlListFoldersByStorageDir, "listFoldersByStorageDir"},
		{&s.folders.softDelete, sqlSoftDeleteFolder, "softDeleteFolder"},
		{&s.folders.hardDelete, sqlHardDeleteFolder, "hardDeleteFolder"},
	})
}

func scanFolder(row interface{ Scan(...any) error }) (*Folder, error) {
	var (
		f        Folder
		parentID sql.NullString
		deleted  int
	)

	if err := row.Scan(&f.ID, &f.StorageDir, &parentID, &f.Name, &f.SortOrder, &deleted, &f.UpdatedAt); err != nil {
		return nil, err
	}

	f.ParentID = parentID.String
	f.IsDeleted = deleted != 0

	return &f, nil
}

// UpsertFolder inserts or replaces a folder row.
func (s *Store) UpsertFolder(ctx context.Context, tx *sql.Tx, f Folder) error {
	parentID := sql.NullString{String: f.ParentID, Valid: f.ParentID != ""}

	deleted := 0
	if f.IsDeleted {
		deleted = 1
	}

	exec := s.execer(tx)
	if _, err := exec(ctx, s.folders.upsert, f.ID, f.StorageDir, parentID, f.Name, f.SortOrder, deleted, f.UpdatedAt); err != nil {
		return fmt.Errorf("cache: upsert folder %s: %w", f.ID, err)
	}

	return nil
}

// GetFolder returns (nil, nil) if no row exists for id.
func (s *Store) GetFolder(ctx context.Context, id string) (*Folder, error) {
	f, err := scanFolder(s.folders.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}

	if err != nil {
		return nil, fmt.Errorf("cache: get folder %s: %w", id, err)
	}

	return f, nil
}

// ListFoldersByStorageDir returns every non-deleted folder in sdUUID.
func (s *Store) ListFoldersByStorageDir(ctx context.Context, sdUUID string) ([]*Folder, error) {
	rows, err := s.folders.listByStorageDir.QueryContext(ctx, sdUUID)
	if err != nil {
		return nil, fmt.Errorf("cache: list folders by storage dir %s: %w", sdUUID, err)
	}
	defer rows.Close()

	var folders []*Folder

	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("cache: scan folder row: %w", err)
		}

		folders = append(folders, f)
	}

	return folders, rows.Err()
}

// SoftDeleteFolder marks a folder deleted without removing its row.
func (s *Store) SoftDeleteFolder(ctx context.Context, tx *sql.Tx, id string, updatedAt int64) error {
	exec := s.execer(tx)
	if _, err := exec(ctx, s.folders.softDelete, updatedAt, id); err != nil {
		return fmt.Errorf("cache: soft delete folder %s: %w", id, err)
	}

	return nil
}

// HardDeleteFolder physically removes a folder row, used by orphan cleanup.
func (s *Store) HardDeleteFolder(ctx context.Context, tx *sql.Tx, id string) error {
	exec := s.execer(tx)
	if _, err := exec(ctx, s.folders.hardDelete, id); err != nil {
		return fmt.Errorf("cache: hard delete folder %s: %w", id, err)
	}

	return nil
}

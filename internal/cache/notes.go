package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Note is the cache's derived projection of one note document.
type Note struct {
	ID             string
	StorageDir     string
	FolderID       string // empty means root
	Title          string
	ContentPreview string
	IsPinned       bool
	IsDeleted      bool
	DeletedAt      int64
	CreatedAt      int64
	UpdatedAt      int64
}

type noteStatements struct {
	upsert, get, listByStorageDir, listDeletedByStorageDir, listActive, softDelete, hardDelete, ftsDelete, ftsInsert *sql.Stmt
}

func (n noteStatements) all() []*sql.Stmt {
	return []*sql.Stmt{n.upsert, n.get, n.listByStorageDir, n.listDeletedByStorageDir, n.listActive, n.softDelete, n.hardDelete, n.ftsDelete, n.ftsInsert}
}

const (
	sqlUpsertNote = `INSERT INTO notes
		(id, storage_dir, folder_id, title, content_preview, is_pinned, is_deleted, deleted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			storage_dir = excluded.storage_dir,
			folder_id = excluded.folder_id,
			title = excluded.title,
			content_preview = excluded.content_preview,
			is_pinned = excluded.is_pinned,
			is_deleted = excluded.is_deleted,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at`

	sqlGetNote = `SELECT id, storage_dir, folder_id, title, content_preview, is_pinned, is_deleted, deleted_at, created_at, updated_at
		FROM notes WHERE id = ?`

	sqlListByStorageDir = `SELECT id, storage_dir, folder_id, title, content_preview, is_pinned, is_deleted, deleted_at, created_at, updated_at
		FROM notes WHERE storage_dir = ? AND is_deleted = 0`

	sqlListDeletedByStorageDir = `SELECT id, storage_dir, folder_id, title, content_preview, is_pinned, is_deleted, deleted_at, created_at, updated_at
		FROM notes WHERE storage_dir = ? AND is_deleted = 1`

	sqlListActiveNotes = `SELECT id, storage_dir, folder_id, title, content_preview, is_pinned, is_deleted, deleted_at, created_at, updated_at
		FROM notes WHERE is_deleted = 0`

	sqlSoftDeleteNote = `UPDATE notes SET is_deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ?`

	sqlHardDeleteNote = `DELETE FROM notes WHERE id = ?`

	sqlFtsDelete = `DELETE FROM notes_fts WHERE id = ?`
	sqlFtsInsert = `INSERT INTO notes_fts (id, title, content_preview) VALUES (?, ?, ?)`
)

func (s *Store) prepareNoteStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.notes.upsert, sqlUpsertNote, "upsertNote"},
		{&s.notes.get, sqlGetNote, "getNote"},
		{&s.notes.listByStorageDir, sqlListByStorageDir, "listNotesByStorageDir"},
		{&s.notes.listDeletedByStorageDir, sqlListDeletedByStorageDir, "listDeletedNotesByStorageDir"},
		{&s.notes.listActive, sqlListActiveNotes, "listActiveNotes"},
		{&s.notes.softDelete, sqlSoftDeleteNote, "softDeleteNote"},
		{&s.notes.hardDelete, sqlHardDeleteNote, "hardDeleteNote"},
		{&s.notes.ftsDelete, sqlFtsDelete, "ftsDelete"},
		{&s.notes.ftsInsert, sqlFtsInsert, "ftsInsert"},
	})
}

func scanNote(row interface{ Scan(...any) error }) (*Note, error) {
	var (
		n         Note
		folderID  sql.NullString
		deletedAt sql.NullInt64
		pinned    int
		deleted   int
	)

	if err := row.Scan(&n.ID, &n.StorageDir, &folderID, &n.Title, &n.ContentPreview,
		&pinned, &deleted, &deletedAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}

	n.FolderID = folderID.String
	n.IsPinned = pinned != 0
	n.IsDeleted = deleted != 0
	n.DeletedAt = deletedAt.Int64

	return &n, nil
}

// UpsertNote inserts or replaces a note row and keeps notes_fts in sync
// (delete-then-insert, the simplest consistent approach for a
// non-external-content FTS5 table). Must run inside the caller's
// per-document-keyed critical section.
func (s *Store) UpsertNote(ctx context.Context, tx *sql.Tx, n Note) error {
	folderID := sql.NullString{String: n.FolderID, Valid: n.FolderID != ""}

	deletedAt := sql.NullInt64{Int64: n.DeletedAt, Valid: n.DeletedAt != 0}

	pinned, deleted := 0, 0
	if n.IsPinned {
		pinned = 1
	}

	if n.IsDeleted {
		deleted = 1
	}

	exec := s.execer(tx)

	if _, err := exec(ctx, s.notes.upsert, n.ID, n.StorageDir, folderID, n.Title, n.ContentPreview,
		pinned, deleted, deletedAt, n.CreatedAt, n.UpdatedAt); err != nil {
		return fmt.Errorf("cache: upsert note %s: %w", n.ID, err)
	}

	if _, err := exec(ctx, s.notes.ftsDelete, n.ID); err != nil {
		return fmt.Errorf("cache: fts delete %s: %w", n.ID, err)
	}

	if !n.IsDeleted {
		if _, err := exec(ctx, s.notes.ftsInsert, n.ID, n.Title, n.ContentPreview); err != nil {
			return fmt.Errorf("cache: fts insert %s: %w", n.ID, err)
		}
	}

	return nil
}

// GetNote returns (nil, nil) if no row exists for id.
func (s *Store) GetNote(ctx context.Context, id string) (*Note, error) {
	n, err := scanNote(s.notes.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}

	if err != nil {
		return nil, fmt.Errorf("cache: get note %s: %w", id, err)
	}

	return n, nil
}

// ListActiveNotes returns every non-deleted note across all storage dirs.
func (s *Store) ListActiveNotes(ctx context.Context) ([]*Note, error) {
	rows, err := s.notes.listActive.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: list active notes: %w", err)
	}
	defer rows.Close()

	return scanNoteRows(rows)
}

// ListNotesByStorageDir returns every non-deleted note belonging to sdUUID.
func (s *Store) ListNotesByStorageDir(ctx context.Context, sdUUID string) ([]*Note, error) {
	rows, err := s.notes.listByStorageDir.QueryContext(ctx, sdUUID)
	if err != nil {
		return nil, fmt.Errorf("cache: list notes by storage dir %s: %w", sdUUID, err)
	}
	defer rows.Close()

	return scanNoteRows(rows)
}

// ListDeletedNotesByStorageDir returns sdUUID's soft-deleted notes, the
// backing query for the "Recently Deleted" virtual folder.
func (s *Store) ListDeletedNotesByStorageDir(ctx context.Context, sdUUID string) ([]*Note, error) {
	rows, err := s.notes.listDeletedByStorageDir.QueryContext(ctx, sdUUID)
	if err != nil {
		return nil, fmt.Errorf("cache: list deleted notes by storage dir %s: %w", sdUUID, err)
	}
	defer rows.Close()

	return scanNoteRows(rows)
}

func scanNoteRows(rows *sql.Rows) ([]*Note, error) {
	var notes []*Note

	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("cache: scan note row: %w", err)
		}

		notes = append(notes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: iterate note rows: %w", err)
	}

	return notes, nil
}

// SoftDeleteNote marks a note deleted without removing its row (and drops
// it from the search index), matching DeletionSync's cache-side effect.
func (s *Store) SoftDeleteNote(ctx context.Context, tx *sql.Tx, id string, deletedAt int64) error {
	exec := s.execer(tx)

	if _, err := exec(ctx, s.notes.softDelete, deletedAt, deletedAt, id); err != nil {
		return fmt.Errorf("cache: soft delete note %s: %w", id, err)
	}

	if _, err := exec(ctx, s.notes.ftsDelete, id); err != nil {
		return fmt.Errorf("cache: fts delete on soft delete %s: %w", id, err)
	}

	return nil
}

// HardDeleteNote physically removes a note row, used by cross-SD move and
// by orphan cleanup.
func (s *Store) HardDeleteNote(ctx context.Context, tx *sql.Tx, id string) error {
	exec := s.execer(tx)

	if _, err := exec(ctx, s.notes.hardDelete, id); err != nil {
		return fmt.Errorf("cache: hard delete note %s: %w", id, err)
	}

	if _, err := exec(ctx, s.notes.ftsDelete, id); err != nil {
		return fmt.Errorf("cache: fts delete on hard delete %s: %w", id, err)
	}

	return nil
}

// SearchNotes runs an FTS5 match query over title and content_preview,
// returning matching note ids ranked by relevance.
func (s *Store) SearchNotes(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM notes_fts WHERE notes_fts MATCH ? ORDER BY rank`, query)
	if err != nil {
		return nil, fmt.Errorf("cache: search notes %q: %w", query, err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("cache: scan search result: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// execer returns a statement-execution function bound to tx if non-nil,
// or to the plain prepared statement otherwise — every cache write can be
// called either standalone or as part of a larger transaction.
func (s *Store) execer(tx *sql.Tx) func(ctx context.Context, stmt *sql.Stmt, args ...any) (sql.Result, error) {
	if tx == nil {
		return func(ctx context.Context, stmt *sql.Stmt, args ...any) (sql.Result, error) {
			return stmt.ExecContext(ctx, args...)
		}
	}

	return func(ctx context.Context, stmt *sql.Stmt, args ...any) (sql.Result, error) {
		return tx.Stmt(stmt).ExecContext(ctx, args...)
	}
}

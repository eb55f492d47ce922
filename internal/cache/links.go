package cache

import (
	"context"
	"database/sql"
	"fmt"
)

type linkStatements struct {
	clearNoteLinks, insertNoteLink, listLinksFrom, listLinksTo, deleteOrphanLinks *sql.Stmt
}

func (l linkStatements) all() []*sql.Stmt {
	return []*sql.Stmt{l.clearNoteLinks, l.insertNoteLink, l.listLinksFrom, l.listLinksTo, l.deleteOrphanLinks}
}

const (
	sqlClearNoteLinks = `DELETE FROM note_links WHERE from_note_id = ?`
	sqlInsertNoteLink = `INSERT OR IGNORE INTO note_links (from_note_id, to_note_id) VALUES (?, ?)`
	sqlListLinksFrom  = `SELECT to_note_id FROM note_links WHERE from_note_id = ? ORDER BY to_note_id`
	sqlListLinksTo    = `SELECT from_note_id FROM note_links WHERE to_note_id = ? ORDER BY from_note_id`

	sqlDeleteOrphanLinks = `DELETE FROM note_links WHERE from_note_id NOT IN (SELECT id FROM notes)`
)

func (s *Store) prepareLinkStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.links.clearNoteLinks, sqlClearNoteLinks, "clearNoteLinks"},
		{&s.links.insertNoteLink, sqlInsertNoteLink, "insertNoteLink"},
		{&s.links.listLinksFrom, sqlListLinksFrom, "listLinksFrom"},
		{&s.links.listLinksTo, sqlListLinksTo, "listLinksTo"},
		{&s.links.deleteOrphanLinks, sqlDeleteOrphanLinks, "deleteOrphanLinks"},
	})
}

// SetNoteLinks replaces the outgoing-link index for one note with the link
// target ids currently present in its text projection. The target note
// need not exist locally yet; display resolution tolerates a dangling id.
func (s *Store) SetNoteLinks(ctx context.Context, tx *sql.Tx, noteID string, targetIDs []string) error {
	exec := s.execer(tx)

	if _, err := exec(ctx, s.links.clearNoteLinks, noteID); err != nil {
		return fmt.Errorf("cache: clear links for %s: %w", noteID, err)
	}

	for _, target := range targetIDs {
		if _, err := exec(ctx, s.links.insertNoteLink, noteID, target); err != nil {
			return fmt.Errorf("cache: insert link %s -> %s: %w", noteID, target, err)
		}
	}

	return nil
}

// ListLinksFrom returns the note ids noteID links to.
func (s *Store) ListLinksFrom(ctx context.Context, noteID string) ([]string, error) {
	return s.queryIDColumn(ctx, s.links.listLinksFrom, noteID)
}

// ListLinksTo returns the note ids linking to noteID (backlinks).
func (s *Store) ListLinksTo(ctx context.Context, noteID string) ([]string, error) {
	return s.queryIDColumn(ctx, s.links.listLinksTo, noteID)
}

func (s *Store) queryIDColumn(ctx context.Context, stmt *sql.Stmt, arg string) ([]string, error) {
	rows, err := stmt.QueryContext(ctx, arg)
	if err != nil {
		return nil, fmt.Errorf("cache: query links: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("cache: scan link row: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// DeleteOrphanLinks removes link rows whose source note no longer exists,
// part of the orphan-cleanup pass.
func (s *Store) DeleteOrphanLinks(ctx context.Context, tx *sql.Tx) error {
	exec := s.execer(tx)
	if _, err := exec(ctx, s.links.deleteOrphanLinks); err != nil {
		return fmt.Errorf("cache: delete orphan links: %w", err)
	}

	return nil
}

package cache

import (
	"context"
	"database/sql"
	"fmt"
)

type tagStatements struct {
	upsertTag, getTagID, clearNoteTags, insertNoteTag, listTagsForNote, listNoteIDsByTag, deleteOrphanTags *sql.Stmt
}

func (t tagStatements) all() []*sql.Stmt {
	return []*sql.Stmt{t.upsertTag, t.getTagID, t.clearNoteTags, t.insertNoteTag, t.listTagsForNote, t.listNoteIDsByTag, t.deleteOrphanTags}
}

const (
	sqlUpsertTag = `INSERT INTO tags (name) VALUES (?) ON CONFLICT(name) DO NOTHING`
	sqlGetTagID  = `SELECT id FROM tags WHERE name = ?`

	sqlClearNoteTags   = `DELETE FROM note_tags WHERE note_id = ?`
	sqlInsertNoteTag   = `INSERT INTO note_tags (note_id, tag_id) VALUES (?, ?) ON CONFLICT DO NOTHING`
	sqlListTagsForNote = `SELECT tags.name FROM tags JOIN note_tags ON note_tags.tag_id = tags.id WHERE note_tags.note_id = ?`

	sqlListNoteIDsByTag = `SELECT nt.note_id FROM note_tags nt JOIN tags t ON t.id = nt.tag_id WHERE t.name = ? ORDER BY nt.note_id`

	sqlDeleteOrphanTags = `DELETE FROM tags WHERE id NOT IN (SELECT DISTINCT tag_id FROM note_tags)`
)

func (s *Store) prepareTagStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.tags.upsertTag, sqlUpsertTag, "upsertTag"},
		{&s.tags.getTagID, sqlGetTagID, "getTagID"},
		{&s.tags.clearNoteTags, sqlClearNoteTags, "clearNoteTags"},
		{&s.tags.insertNoteTag, sqlInsertNoteTag, "insertNoteTag"},
		{&s.tags.listTagsForNote, sqlListTagsForNote, "listTagsForNote"},
		{&s.tags.listNoteIDsByTag, sqlListNoteIDsByTag, "listNoteIDsByTag"},
		{&s.tags.deleteOrphanTags, sqlDeleteOrphanTags, "deleteOrphanTags"},
	})
}

// SetNoteTags replaces the full tag set for a note, driven by the
// hashtag-extraction pass over the note's composed text
// (internal/crdtdoc.ExtractTags). Clears then re-inserts rather than
// diffing, since the tag set is small and this runs once per reload.
func (s *Store) SetNoteTags(ctx context.Context, tx *sql.Tx, noteID string, tagNames []string) error {
	exec := s.execer(tx)

	// The store runs on a single connection; a query inside an open tx
	// must go through the tx or it would wait forever for a free conn.
	getTagID := s.tags.getTagID
	if tx != nil {
		getTagID = tx.Stmt(s.tags.getTagID)
	}

	if _, err := exec(ctx, s.tags.clearNoteTags, noteID); err != nil {
		return fmt.Errorf("cache: clear note tags %s: %w", noteID, err)
	}

	for _, name := range tagNames {
		if _, err := exec(ctx, s.tags.upsertTag, name); err != nil {
			return fmt.Errorf("cache: upsert tag %q: %w", name, err)
		}

		var tagID int64
		if err := getTagID.QueryRowContext(ctx, name).Scan(&tagID); err != nil {
			return fmt.Errorf("cache: get tag id %q: %w", name, err)
		}

		if _, err := exec(ctx, s.tags.insertNoteTag, noteID, tagID); err != nil {
			return fmt.Errorf("cache: insert note tag %s/%q: %w", noteID, name, err)
		}
	}

	return nil
}

// ListTagsForNote returns the tag names currently associated with noteID.
func (s *Store) ListTagsForNote(ctx context.Context, noteID string) ([]string, error) {
	rows, err := s.tags.listTagsForNote.QueryContext(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("cache: list tags for note %s: %w", noteID, err)
	}
	defer rows.Close()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("cache: scan tag name: %w", err)
		}

		names = append(names, name)
	}

	return names, rows.Err()
}

// ListNoteIDsByTag returns the ids of notes carrying the (lowercased)
// tag name.
func (s *Store) ListNoteIDsByTag(ctx context.Context, name string) ([]string, error) {
	rows, err := s.tags.listNoteIDsByTag.QueryContext(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("cache: list notes by tag %s: %w", name, err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("cache: scan tag note id: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// DeleteOrphanTags removes tags with no remaining note_tags association,
// part of the orphan-cleanup pass.
func (s *Store) DeleteOrphanTags(ctx context.Context, tx *sql.Tx) error {
	exec := s.execer(tx)
	if _, err := exec(ctx, s.tags.deleteOrphanTags); err != nil {
		return fmt.Errorf("cache: delete orphan tags: %w", err)
	}

	return nil
}

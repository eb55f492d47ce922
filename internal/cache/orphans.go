package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// CleanupOrphanedData removes rows left dangling by removed storage dirs,
// hard-deleted notes, and emptied tags. Run once at startup.
// Uses one-shot statements rather than the prepared groups: this pass runs
// exactly once per process and keeps the hot-path statement set lean.
func (s *Store) CleanupOrphanedData(ctx context.Context) error {
	steps := []struct {
		name string
		sql  string
	}{
		{"orphan notes", `DELETE FROM notes WHERE storage_dir NOT IN (SELECT uuid FROM storage_dirs)`},
		{"orphan folders", `DELETE FROM folders WHERE storage_dir NOT IN (SELECT uuid FROM storage_dirs)`},
		{"orphan fts rows", `DELETE FROM notes_fts WHERE id NOT IN (SELECT id FROM notes)`},
		{"orphan note_tags", `DELETE FROM note_tags WHERE note_id NOT IN (SELECT id FROM notes)`},
		{"orphan note_links", `DELETE FROM note_links WHERE from_note_id NOT IN (SELECT id FROM notes)`},
		{"empty tags", `DELETE FROM tags WHERE id NOT IN (SELECT DISTINCT tag_id FROM note_tags)`},
	}

	return s.Tx(ctx, func(tx *sql.Tx) error {
		for _, step := range steps {
			res, err := tx.ExecContext(ctx, step.sql)
			if err != nil {
				return fmt.Errorf("cache: cleanup %s: %w", step.name, err)
			}

			if n, err := res.RowsAffected(); err == nil && n > 0 {
				s.logger.Info("cache: cleaned orphaned rows",
					slog.String("kind", step.name), slog.Int64("rows", n))
			}
		}

		return nil
	})
}

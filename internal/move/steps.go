package move

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/notecove/notecove-core/internal/activity"
	"github.com/notecove/notecove-core/internal/cache"
	"github.com/notecove/notecove-core/internal/deletion"
	"github.com/notecove/notecove-core/internal/filenames"
	"github.com/notecove/notecove-core/internal/sdlayout"
)

const (
	copyDirPerm  = 0o700
	copyFilePerm = 0o600
)

// stepCopy implements initiated/copying → files_copied: stage the full
// notes/<id>/ tree into the target's dot-prefixed scratch directory, which
// every other subsystem ignores until the rename in stepPublish.
func (sm *StateMachine) stepCopy(ctx context.Context, mv *cache.Move) error {
	if err := sm.transition(ctx, mv, cache.MoveCopying, ""); err != nil {
		return err
	}

	src, err := sdlayout.Open(mv.SrcPath)
	if err != nil {
		return err
	}

	tgt, err := sdlayout.Open(mv.TgtPath)
	if err != nil {
		return err
	}

	srcDir := src.DocRoot(sdlayout.KindNote, mv.NoteID)
	scratch := tgt.MovingScratchDir(mv.NoteID)

	// A previous attempt may have died mid-copy; start clean.
	if err := os.RemoveAll(scratch); err != nil {
		return fmt.Errorf("move: clear scratch %s: %w", scratch, err)
	}

	if err := copyTree(ctx, srcDir, scratch); err != nil {
		return err
	}

	if err := verifyTree(srcDir, scratch); err != nil {
		return err
	}

	return sm.transition(ctx, mv, cache.MoveFilesCopied, "")
}

// stepDB implements files_copied → db_updated: one cache transaction that
// resolves any target-side conflict and repoints the note row at the
// target SD.
func (sm *StateMachine) stepDB(ctx context.Context, mv *cache.Move) error {
	strategy, assignedID := parseResolution(mv.ConflictResolution)
	now := sm.now().UnixMilli()

	// Reads happen before the transaction: the store runs on a single
	// connection, and this state machine is the only writer touching the
	// moved note while the ledger row is non-terminal.
	existing, err := sm.store.GetNote(ctx, mv.NoteID)
	if err != nil {
		return err
	}

	targetFolder := sm.resolveTargetFolder(ctx, mv)

	err = sm.store.Tx(ctx, func(tx *sql.Tx) error {
		moved := cache.Note{
			ID:         mv.NoteID,
			StorageDir: mv.TgtStorageDir,
			FolderID:   targetFolder,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if existing != nil && existing.StorageDir != mv.TgtStorageDir {
			// The row we are moving; carry its derived fields over.
			moved.Title = existing.Title
			moved.ContentPreview = existing.ContentPreview
			moved.IsPinned = existing.IsPinned
			moved.CreatedAt = existing.CreatedAt
		}

		if existing != nil && existing.StorageDir == mv.TgtStorageDir {
			// The cache already claims this id lives in the target SD.
			switch {
			case existing.IsDeleted:
				// The user already deleted it there: silently clear the
				// soft-deleted copy and proceed.
				if err := sm.store.HardDeleteNote(ctx, tx, mv.NoteID); err != nil {
					return err
				}
			case strategy == StrategyReplace:
				if err := sm.store.HardDeleteNote(ctx, tx, mv.NoteID); err != nil {
					return err
				}
			case strategy == StrategyKeepBoth:
				if assignedID == "" {
					assignedID = uuid.NewString()

					resolution := string(StrategyKeepBoth) + ":" + assignedID
					if err := sm.store.SetMoveConflictResolution(ctx, tx, mv.ID, resolution, now); err != nil {
						return err
					}

					mv.ConflictResolution = resolution
				}

				moved.ID = assignedID
			default:
				return ErrMoveConflict
			}
		}

		if err := sm.store.UpsertNote(ctx, tx, moved); err != nil {
			return err
		}

		return sm.store.TransitionMove(ctx, tx, mv.ID, cache.MoveDBUpdated, "", now)
	})
	if err != nil {
		return err
	}

	mv.State = cache.MoveDBUpdated
	mv.LastModified = now

	return nil
}

// resolveTargetFolder falls back to the target SD's root when the
// requested folder is unknown (deleted while the move was in flight, or a
// taken-over move whose folder never synced here).
func (sm *StateMachine) resolveTargetFolder(ctx context.Context, mv *cache.Move) string {
	if mv.TargetFolderID == "" {
		return ""
	}

	folder, err := sm.store.GetFolder(ctx, mv.TargetFolderID)
	if err != nil || folder == nil || folder.StorageDir != mv.TgtStorageDir {
		sm.logger.Warn("move: target folder missing, falling back to root",
			slog.String("moveId", mv.ID), slog.String("folderId", mv.TargetFolderID))

		return ""
	}

	return folder.ID
}

// stepPublish implements db_updated → cleaning: atomically rename the
// scratch directory into notes/, then announce every copied update in this
// instance's activity log on the target SD so peers watching it reload.
func (sm *StateMachine) stepPublish(ctx context.Context, mv *cache.Move) error {
	tgt, err := sdlayout.Open(mv.TgtPath)
	if err != nil {
		return err
	}

	strategy, _ := parseResolution(mv.ConflictResolution)
	finalID := finalNoteID(mv)

	scratch := tgt.MovingScratchDir(mv.NoteID)
	finalDir := tgt.DocRoot(sdlayout.KindNote, finalID)

	if _, err := os.Stat(scratch); err == nil {
		if strategy == StrategyReplace {
			// The replaced copy's tree goes away just before the rename;
			// the cache row was already cleared in stepDB.
			if err := os.RemoveAll(finalDir); err != nil {
				return fmt.Errorf("move: clear replaced tree %s: %w", finalDir, err)
			}
		}

		if err := os.Rename(scratch, finalDir); err != nil {
			return fmt.Errorf("move: publish rename: %w", err)
		}
	} else if _, statErr := os.Stat(finalDir); statErr != nil {
		// Neither scratch nor published tree: a prior crash lost the
		// staged files, so the copy must be redone.
		return fmt.Errorf("move: scratch and published tree both missing for %s: %w", finalID, statErr)
	}

	if err := sm.announceCopiedUpdates(tgt, finalID); err != nil {
		// Non-fatal, same as a failed activity append on a normal write:
		// peers will still find the note via wake discovery.
		sm.logger.Warn("move: activity announce failed", slog.String("moveId", mv.ID), slog.Any("err", err))
	}

	return sm.transition(ctx, mv, cache.MoveCleaning, "")
}

// announceCopiedUpdates appends one activity line per copied update file,
// preserving each file's originating (instanceId, seq) so peers dedupe
// against sequences they have already absorbed.
func (sm *StateMachine) announceCopiedUpdates(tgt *sdlayout.SD, finalID string) error {
	updatesDir := filepath.Join(tgt.DocRoot(sdlayout.KindNote, finalID), "updates")

	entries, err := os.ReadDir(updatesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	logger := activity.NewLogger(tgt.ActivityLogPath(sm.self))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		u, err := filenames.ParseUpdate(e.Name())
		if err != nil {
			continue
		}

		if err := logger.Append(finalID, u.InstanceID, u.Seq); err != nil {
			return err
		}
	}

	return nil
}

// stepCleanup implements cleaning → completed: drop the source tree and
// record the hard-delete in the source SD's deletion log so instances that
// only see the source learn the note left.
func (sm *StateMachine) stepCleanup(ctx context.Context, mv *cache.Move) error {
	src, err := sdlayout.Open(mv.SrcPath)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(src.DocRoot(sdlayout.KindNote, mv.NoteID)); err != nil {
		return fmt.Errorf("move: remove source tree: %w", err)
	}

	if err := deletion.NewLogger(src.DeletionLogPath(sm.self)).Append(mv.NoteID); err != nil {
		return fmt.Errorf("move: source deletion log: %w", err)
	}

	return sm.transition(ctx, mv, cache.MoveCompleted, "")
}

// rollback undoes whatever the recorded state says happened, in reverse
// order, then parks the move in finalState (rolled_back on failure,
// cancelled on user request). Rollback never deletes the target tree
// unless the source tree still exists: after the cleaning step the staged
// copy may be the only copy left.
func (sm *StateMachine) rollback(ctx context.Context, mv *cache.Move, cause error, finalState cache.MoveState) error {
	var problems []string

	if cause != nil {
		problems = append(problems, cause.Error())
	}

	src, srcErr := sdlayout.Open(mv.SrcPath)
	tgt, tgtErr := sdlayout.Open(mv.TgtPath)

	if tgtErr == nil {
		if err := os.RemoveAll(tgt.MovingScratchDir(mv.NoteID)); err != nil {
			problems = append(problems, fmt.Sprintf("remove scratch: %v", err))
		}
	} else {
		problems = append(problems, fmt.Sprintf("open target: %v", tgtErr))
	}

	sourceIntact := false
	if srcErr == nil {
		if _, err := os.Stat(src.DocRoot(sdlayout.KindNote, mv.NoteID)); err == nil {
			sourceIntact = true
		}
	} else {
		problems = append(problems, fmt.Sprintf("open source: %v", srcErr))
	}

	if sourceIntact && tgtErr == nil && mv.State == cache.MoveDBUpdated {
		// The published tree (if the rename happened) is a duplicate of
		// the intact source; remove it unless keep-both renamed it to a
		// fresh id that now owns its own files.
		if _, assigned := parseResolution(mv.ConflictResolution); assigned == "" {
			finalDir := tgt.DocRoot(sdlayout.KindNote, mv.NoteID)
			if err := os.RemoveAll(finalDir); err != nil {
				problems = append(problems, fmt.Sprintf("remove published tree: %v", err))
			}
		}
	}

	// The cache row only needs restoring if the DB step actually ran;
	// before that, the row for this id may legitimately belong to the
	// target SD (the conflict case) and must not be touched.
	dbTouched := mv.State == cache.MoveDBUpdated || mv.State == cache.MoveCleaning

	if sourceIntact && dbTouched {
		if err := sm.restoreSourceRow(ctx, mv); err != nil {
			problems = append(problems, fmt.Sprintf("restore cache row: %v", err))
		}
	}

	errText := strings.Join(problems, "; ")

	if err := sm.transition(ctx, mv, finalState, errText); err != nil {
		return fmt.Errorf("move: record rollback: %w (rollback causes: %s)", err, errText)
	}

	if cause != nil {
		return fmt.Errorf("move: rolled back: %w", cause)
	}

	return nil
}

// restoreSourceRow undoes the DB step: under keep-both the freshly
// inserted row (new id) is removed, otherwise the note's row is repointed
// back at the source SD.
func (sm *StateMachine) restoreSourceRow(ctx context.Context, mv *cache.Move) error {
	_, assigned := parseResolution(mv.ConflictResolution)

	if assigned != "" {
		return sm.store.Tx(ctx, func(tx *sql.Tx) error {
			return sm.store.HardDeleteNote(ctx, tx, assigned)
		})
	}

	n, err := sm.store.GetNote(ctx, mv.NoteID)
	if err != nil {
		return err
	}

	if n == nil || n.StorageDir != mv.TgtStorageDir {
		return nil
	}

	n.StorageDir = mv.SrcStorageDir
	n.UpdatedAt = sm.now().UnixMilli()

	return sm.store.Tx(ctx, func(tx *sql.Tx) error {
		return sm.store.UpsertNote(ctx, tx, *n)
	})
}

// copyTree copies the directory tree at src into dst, preserving relative
// paths and file names. Regular files only; the update/pack/snapshot tree
// never contains links or devices.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("move: walk %s: %w", path, err)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, copyDirPerm)
		}

		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("move: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, copyFilePerm)
	if err != nil {
		return fmt.Errorf("move: create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("move: copy to %s: %w", dst, err)
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("move: sync %s: %w", dst, err)
	}

	return out.Close()
}

// verifyTree checks that every regular file under src exists under dst
// with the same size.
func verifyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		srcInfo, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("move: verify stat %s: %w", path, err)
		}

		dstInfo, err := os.Stat(filepath.Join(dst, rel))
		if err != nil {
			return fmt.Errorf("move: verify missing %s: %w", rel, err)
		}

		if srcInfo.Size() != dstInfo.Size() {
			return fmt.Errorf("move: verify size mismatch %s: %d != %d", rel, srcInfo.Size(), dstInfo.Size())
		}

		return nil
	})
}

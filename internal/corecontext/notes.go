package corecontext

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/notecove/notecove-core/internal/cache"
	"github.com/notecove/notecove-core/internal/deletion"
	"github.com/notecove/notecove-core/internal/move"
	"github.com/notecove/notecove-core/internal/sdlayout"
)

// ListFilter narrows a ListNotes call. The zero value lists a folder's
// active notes; Deleted selects the "Recently Deleted" virtual folder
// instead (FolderID is then ignored); Tag filters to notes carrying the
// tag.
type ListFilter struct {
	Deleted bool
	Tag     string
}

// CreateNote mints a new note in the given SD and folder, writing its
// first update file (which is what makes the note exist globally) and
// its cache row.
func (c *Core) CreateNote(ctx context.Context, sdUUID, folderID string) (string, error) {
	noteID := uuid.NewString()

	h, err := c.OpenDocument(ctx, sdUUID, noteID)
	if err != nil {
		return "", err
	}
	defer h.Close()

	if err := h.SetMeta(ctx, metaFolder, folderID); err != nil {
		return "", err
	}

	return noteID, nil
}

// SoftDeleteNote merges deleted=true into the note's CRDT; the note moves
// to the SD's "Recently Deleted" virtual folder and leaves search/tag
// indexes.
func (c *Core) SoftDeleteNote(ctx context.Context, sdUUID, noteID string) error {
	h, err := c.OpenDocument(ctx, sdUUID, noteID)
	if err != nil {
		return err
	}
	defer h.Close()

	return h.SetMeta(ctx, metaDeleted, "true")
}

// RestoreNote clears the soft-delete flag.
func (c *Core) RestoreNote(ctx context.Context, sdUUID, noteID string) error {
	h, err := c.OpenDocument(ctx, sdUUID, noteID)
	if err != nil {
		return err
	}
	defer h.Close()

	return h.SetMeta(ctx, metaDeleted, "")
}

// HardDeleteNote removes the note's tree from the SD, records the
// deletion in this instance's deletion log, and drops the cache rows.
func (c *Core) HardDeleteNote(ctx context.Context, sdUUID, noteID string) error {
	rt, err := c.sdFor(sdUUID)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(rt.sd.DocRoot(sdlayout.KindNote, noteID)); err != nil {
		return mapWriteErr(err)
	}

	if err := deletion.NewLogger(rt.sd.DeletionLogPath(c.self)).Append(noteID); err != nil {
		return mapWriteErr(err)
	}

	return c.hardDeleteLocal(ctx, rt, noteID)
}

// MoveNote places a note in a different folder of the same SD (a pure
// CRDT metadata write).
func (c *Core) MoveNote(ctx context.Context, sdUUID, noteID, destFolderID string) error {
	h, err := c.OpenDocument(ctx, sdUUID, noteID)
	if err != nil {
		return err
	}
	defer h.Close()

	return h.SetMeta(ctx, metaFolder, destFolderID)
}

// SetNotePinned flips the cache-only pinned flag (never in the CRDT).
func (c *Core) SetNotePinned(ctx context.Context, noteID string, pinned bool) error {
	unlock := c.docKeys.Lock(noteID)
	defer unlock()

	n, err := c.store.GetNote(ctx, noteID)
	if err != nil {
		return err
	}

	if n == nil {
		return fmt.Errorf("%w: %s", ErrUnknownNote, noteID)
	}

	n.IsPinned = pinned
	n.UpdatedAt = time.Now().UnixMilli()

	return c.store.Tx(ctx, func(tx *sql.Tx) error {
		return c.store.UpsertNote(ctx, tx, *n)
	})
}

// ListNotes returns the cache rows for one SD, narrowed by folder and
// filter. folderID "" means the SD's root folder.
func (c *Core) ListNotes(ctx context.Context, sdUUID, folderID string, filter ListFilter) ([]*cache.Note, error) {
	var (
		notes []*cache.Note
		err   error
	)

	if filter.Deleted {
		return c.store.ListDeletedNotesByStorageDir(ctx, sdUUID)
	}

	notes, err = c.store.ListNotesByStorageDir(ctx, sdUUID)
	if err != nil {
		return nil, err
	}

	filtered := notes[:0]

	var tagged map[string]bool

	if filter.Tag != "" {
		ids, err := c.store.ListNoteIDsByTag(ctx, filter.Tag)
		if err != nil {
			return nil, err
		}

		tagged = make(map[string]bool, len(ids))
		for _, id := range ids {
			tagged[id] = true
		}
	}

	for _, n := range notes {
		if filter.Tag == "" && n.FolderID != folderID {
			continue
		}

		if tagged != nil && !tagged[n.ID] {
			continue
		}

		filtered = append(filtered, n)
	}

	return filtered, nil
}

// SearchNotes runs a full-text query over active notes and returns the
// matching cache rows.
func (c *Core) SearchNotes(ctx context.Context, query string) ([]*cache.Note, error) {
	ids, err := c.store.SearchNotes(ctx, query)
	if err != nil {
		return nil, err
	}

	notes := make([]*cache.Note, 0, len(ids))

	for _, id := range ids {
		n, err := c.store.GetNote(ctx, id)
		if err != nil {
			return nil, err
		}

		if n != nil && !n.IsDeleted {
			notes = append(notes, n)
		}
	}

	return notes, nil
}

// MoveNoteCrossSD runs the crash-safe move state machine from this note's
// SD to targetSdUUID, then hydrates the moved note in its new home.
// ErrMoveConflict from the state machine propagates with the ledger row
// parked for resolution via ResolveMoveConflict.
func (c *Core) MoveNoteCrossSD(ctx context.Context, noteID, targetSdUUID, folderID string, strategy move.ConflictStrategy) (*cache.Move, error) {
	n, err := c.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}

	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNote, noteID)
	}

	srcRT, err := c.sdFor(n.StorageDir)
	if err != nil {
		return nil, err
	}

	tgtRT, err := c.sdFor(targetSdUUID)
	if err != nil {
		return nil, err
	}

	mv, err := c.moves.Execute(ctx, move.Request{
		NoteID:         noteID,
		Source:         srcRT.sd,
		Target:         tgtRT.sd,
		TargetFolderID: folderID,
		Strategy:       strategy,
	})
	if err != nil {
		return mv, err
	}

	c.afterMove(ctx, tgtRT, mv)

	return mv, nil
}

// ResolveMoveConflict answers a surfaced ErrMoveConflict with a concrete
// strategy and resumes the parked move.
func (c *Core) ResolveMoveConflict(ctx context.Context, moveID string, strategy move.ConflictStrategy) (*cache.Move, error) {
	mv, err := c.moves.Resume(ctx, moveID, strategy)
	if err != nil {
		return mv, err
	}

	if rt, rtErr := c.sdFor(mv.TgtStorageDir); rtErr == nil {
		c.afterMove(ctx, rt, mv)
	}

	return mv, nil
}

// afterMove rehydrates the landed note so its title/tags reflect the
// moved content, and re-points any open handles.
func (c *Core) afterMove(ctx context.Context, tgtRT *sdRuntime, mv *cache.Move) {
	if mv.State != cache.MoveCompleted {
		return
	}

	finalID := mv.NoteID
	if _, assigned := move.ParseResolution(mv.ConflictResolution); assigned != "" {
		finalID = assigned
	}

	if err := c.hydrateNote(ctx, tgtRT, finalID); err != nil {
		c.logger.Warn("core: post-move hydration failed", slog.String("noteId", finalID), slog.Any("err", err))
	}
}

// ListStuckMoves surfaces incomplete moves initiated by other instances
// that stopped progressing.
func (c *Core) ListStuckMoves(ctx context.Context) ([]*cache.Move, error) {
	return c.moves.ListStuck(ctx, c.cfg.Config().Moves.StuckAfterDuration())
}

// TakeOverMove adopts a stuck foreign move and resumes it.
func (c *Core) TakeOverMove(ctx context.Context, moveID string) (*cache.Move, error) {
	mv, err := c.moves.TakeOver(ctx, moveID)
	if err != nil {
		return mv, err
	}

	if rt, rtErr := c.sdFor(mv.TgtStorageDir); rtErr == nil {
		c.afterMove(ctx, rt, mv)
	}

	return mv, nil
}

// CancelMove rolls back a non-terminal move.
func (c *Core) CancelMove(ctx context.Context, moveID string) error {
	return c.moves.Cancel(ctx, moveID)
}

package corecontext

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/notecove/notecove-core/internal/cache"
	"github.com/notecove/notecove-core/internal/crdtdoc"
	"github.com/notecove/notecove-core/internal/sdlayout"
)

// metaDeleted is the distinguished CRDT field carrying soft-deletion;
// metaFolder carries the note's folder placement.
const (
	metaDeleted = "deleted"
	metaFolder  = "folder"
)

// hydrateNote recomposes one note from its CRDT files and projects it into
// the cache: title, preview, tags, links, soft-delete flag, folder
// placement. The pinned flag is cache-only and preserved. Serialized per
// note id so an ActivitySync reload can't interleave with a local
// soft-delete.
func (c *Core) hydrateNote(ctx context.Context, rt *sdRuntime, noteID string) error {
	unlock := c.docKeys.Lock(noteID)
	defer unlock()

	doc, _, err := rt.manager(noteID).ReadComposedState(ctx)
	if err != nil {
		return err
	}

	if err := c.projectNote(ctx, rt, noteID, doc); err != nil {
		return err
	}

	c.deliverRemote(noteID, doc)
	c.events.emit(Event{Kind: EventNoteUpdated, SdUUID: rt.sd.UUID, NoteID: noteID})

	return nil
}

// projectNote writes the derived cache rows for one composed document.
func (c *Core) projectNote(ctx context.Context, rt *sdRuntime, noteID string, doc *crdtdoc.Document) error {
	text := doc.Text()
	now := time.Now().UnixMilli()

	deletedVal, _ := doc.Meta(metaDeleted)
	folderVal, _ := doc.Meta(metaFolder)
	isDeleted := deletedVal == "true"

	existing, err := c.store.GetNote(ctx, noteID)
	if err != nil {
		return err
	}

	n := cache.Note{
		ID:             noteID,
		StorageDir:     rt.sd.UUID,
		FolderID:       folderVal,
		Title:          crdtdoc.Title(text),
		ContentPreview: crdtdoc.ContentPreview(text),
		IsDeleted:      isDeleted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if existing != nil {
		n.IsPinned = existing.IsPinned // cache-only, never in the CRDT
		n.CreatedAt = existing.CreatedAt
		n.DeletedAt = existing.DeletedAt
	}

	if isDeleted && n.DeletedAt == 0 {
		n.DeletedAt = now
	}

	if !isDeleted {
		n.DeletedAt = 0
	}

	return c.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := c.store.UpsertNote(ctx, tx, n); err != nil {
			return err
		}

		// Soft-deleted notes drop out of tag filtering and search; their
		// tag/link rows go with them.
		tags, links := []string{}, []string{}
		if !isDeleted {
			tags = crdtdoc.ExtractTags(text)
			links = crdtdoc.ExtractLinks(text)
		}

		if err := c.store.SetNoteTags(ctx, tx, noteID, tags); err != nil {
			return err
		}

		return c.store.SetNoteLinks(ctx, tx, noteID, links)
	})
}

// hardDeleteLocal removes a note from the cache and in-memory state,
// without touching the SD tree (the remote writer already removed it, or
// the caller does so itself). Idempotent.
func (c *Core) hardDeleteLocal(ctx context.Context, rt *sdRuntime, noteID string) error {
	unlock := c.docKeys.Lock(noteID)
	defer unlock()

	rt.poll.Cancel(noteID)
	c.closeHandles(noteID)

	existing, err := c.store.GetNote(ctx, noteID)
	if err != nil {
		return err
	}

	if existing == nil {
		return nil
	}

	err = c.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := c.store.SetNoteTags(ctx, tx, noteID, nil); err != nil {
			return err
		}

		if err := c.store.SetNoteLinks(ctx, tx, noteID, nil); err != nil {
			return err
		}

		if err := c.store.DeleteOrphanTags(ctx, tx); err != nil {
			return err
		}

		return c.store.HardDeleteNote(ctx, tx, noteID)
	})
	if err != nil {
		return err
	}

	rt.mgrMu.Lock()
	delete(rt.mgrs, noteID)
	rt.mgrMu.Unlock()

	c.events.emit(Event{Kind: EventNoteDeleted, SdUUID: rt.sd.UUID, NoteID: noteID})

	return nil
}

// checkSDReachable pauses an SD's jobs and tells the UI when the root
// vanished out from under us.
func (c *Core) checkSDReachable(rt *sdRuntime) error {
	if err := sdlayout.Reachable(rt.sd.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.events.emit(Event{Kind: EventStorageDirLost, SdUUID: rt.sd.UUID})
			c.logger.Error("core: storage dir lost", slog.String("path", rt.sd.Path))

			return ErrStorageUnavailable
		}

		return err
	}

	return nil
}

package corecontext

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/notecove/notecove-core/internal/cache"
	"github.com/notecove/notecove-core/internal/crdtdoc"
)

// folderKeyPrefix namespaces folder registers inside the per-SD
// folder-tree document: one LWW register per folder, keyed
// "folder/<folderId>", holding folderRecord JSON. Concurrent edits to the
// same folder converge by LWW; edits to different folders never conflict.
const folderKeyPrefix = "folder/"

type folderRecord struct {
	Name      string `json:"name"`
	Parent    string `json:"parent,omitempty"`
	SortOrder int    `json:"sort,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// CreateFolder mints a folder under parentID ("" for root) in the SD's
// folder tree.
func (c *Core) CreateFolder(ctx context.Context, sdUUID, parentID, name string) (string, error) {
	folderID := uuid.NewString()

	err := c.writeFolderRecord(ctx, sdUUID, folderID, folderRecord{Name: name, Parent: parentID})
	if err != nil {
		return "", err
	}

	return folderID, nil
}

// RenameFolder updates a folder's display name.
func (c *Core) RenameFolder(ctx context.Context, sdUUID, folderID, name string) error {
	rec, err := c.folderRecord(ctx, sdUUID, folderID)
	if err != nil {
		return err
	}

	rec.Name = name

	return c.writeFolderRecord(ctx, sdUUID, folderID, rec)
}

// MoveFolder reparents a folder within the same SD.
func (c *Core) MoveFolder(ctx context.Context, sdUUID, folderID, newParentID string) error {
	rec, err := c.folderRecord(ctx, sdUUID, folderID)
	if err != nil {
		return err
	}

	rec.Parent = newParentID

	return c.writeFolderRecord(ctx, sdUUID, folderID, rec)
}

// DeleteFolder marks a folder deleted in the tree. Notes inside it keep
// their folder id and surface under the SD root until moved.
func (c *Core) DeleteFolder(ctx context.Context, sdUUID, folderID string) error {
	rec, err := c.folderRecord(ctx, sdUUID, folderID)
	if err != nil {
		return err
	}

	rec.Deleted = true

	return c.writeFolderRecord(ctx, sdUUID, folderID, rec)
}

// ListFolders returns the cache rows for one SD's folder tree.
func (c *Core) ListFolders(ctx context.Context, sdUUID string) ([]*cache.Folder, error) {
	return c.store.ListFoldersByStorageDir(ctx, sdUUID)
}

func (c *Core) folderRecord(ctx context.Context, sdUUID, folderID string) (folderRecord, error) {
	rt, err := c.sdFor(sdUUID)
	if err != nil {
		return folderRecord{}, err
	}

	doc, _, err := rt.manager(folderDocID).ReadComposedState(ctx)
	if err != nil {
		return folderRecord{}, err
	}

	raw, ok := doc.Meta(folderKeyPrefix + folderID)
	if !ok {
		return folderRecord{}, fmt.Errorf("%w: folder %s", ErrUnknownNote, folderID)
	}

	var rec folderRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return folderRecord{}, fmt.Errorf("core: folder record %s: %w", folderID, err)
	}

	return rec, nil
}

// writeFolderRecord persists one folder register as a single update to
// the folder-tree document, then rehydrates the cache's folder table.
func (c *Core) writeFolderRecord(ctx context.Context, sdUUID, folderID string, rec folderRecord) error {
	rt, err := c.sdFor(sdUUID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	unlock := c.docKeys.Lock(sdUUID + "/" + folderDocID)
	defer unlock()

	mgr := rt.manager(folderDocID)

	seq, err := mgr.NextSeq()
	if err != nil {
		return err
	}

	op := crdtdoc.SetMetaOp(c.self, seq, folderKeyPrefix+folderID, string(payload))

	data, err := crdtdoc.EncodeUpdate(op)
	if err != nil {
		return err
	}

	if _, err := mgr.WriteUpdate(ctx, data); err != nil {
		return mapWriteErr(err)
	}

	rt.markEdited(folderDocID)

	return c.hydrateFolders(ctx, rt)
}

// hydrateFolders projects the composed folder-tree document into the
// cache's folders table.
func (c *Core) hydrateFolders(ctx context.Context, rt *sdRuntime) error {
	doc, _, err := rt.manager(folderDocID).ReadComposedState(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()

	err = c.store.Tx(ctx, func(tx *sql.Tx) error {
		for key, raw := range doc.MetaAll() {
			folderID, ok := strings.CutPrefix(key, folderKeyPrefix)
			if !ok {
				continue
			}

			var rec folderRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				c.logger.Warn("core: undecodable folder record", slog.String("folderId", folderID))
				continue
			}

			f := cache.Folder{
				ID:         folderID,
				StorageDir: rt.sd.UUID,
				ParentID:   rec.Parent,
				Name:       rec.Name,
				SortOrder:  int64(rec.SortOrder),
				IsDeleted:  rec.Deleted,
				UpdatedAt:  now,
			}

			if err := c.store.UpsertFolder(ctx, tx, f); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	c.events.emit(Event{Kind: EventFoldersChanged, SdUUID: rt.sd.UUID})

	return nil
}

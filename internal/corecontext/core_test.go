package corecontext

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notecove/notecove-core/internal/cache"
	"github.com/notecove/notecove-core/internal/config"
	"github.com/notecove/notecove-core/internal/move"
)

func newTestCore(t *testing.T, instance string) (*Core, string) {
	t.Helper()

	ctx := context.Background()

	store, err := cache.Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	holder := config.NewHolder(config.DefaultConfig(), "")

	c := New(holder, instance, store, logger)
	t.Cleanup(c.Stop)

	sdPath := t.TempDir()

	sd, err := c.AddStorageDir(ctx, sdPath)
	require.NoError(t, err)

	return c, sd.UUID
}

func TestCreateListSearchSoftDelete(t *testing.T) {
	c, sdUUID := newTestCore(t, "instA")
	ctx := context.Background()

	noteID, err := c.CreateNote(ctx, sdUUID, "")
	require.NoError(t, err)

	h, err := c.OpenDocument(ctx, sdUUID, noteID)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.InsertText(ctx, 0, "Groceries\nbuy milk #errands"))

	notes, err := c.ListNotes(ctx, sdUUID, "", ListFilter{})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Groceries", notes[0].Title)
	assert.Equal(t, "buy milk #errands", notes[0].ContentPreview)

	// Tag extraction ran during the local write.
	tagged, err := c.ListNotes(ctx, sdUUID, "", ListFilter{Tag: "errands"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)

	found, err := c.SearchNotes(ctx, "milk")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, noteID, found[0].ID)

	// Soft delete: gone from active lists, search, and tag filters;
	// present in Recently Deleted.
	require.NoError(t, c.SoftDeleteNote(ctx, sdUUID, noteID))

	notes, err = c.ListNotes(ctx, sdUUID, "", ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, notes)

	found, err = c.SearchNotes(ctx, "milk")
	require.NoError(t, err)
	assert.Empty(t, found)

	deleted, err := c.ListNotes(ctx, sdUUID, "", ListFilter{Deleted: true})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, noteID, deleted[0].ID)

	// Restore brings it back.
	require.NoError(t, c.RestoreNote(ctx, sdUUID, noteID))

	notes, err = c.ListNotes(ctx, sdUUID, "", ListFilter{})
	require.NoError(t, err)
	require.Len(t, notes, 1)
}

func TestHardDeleteRemovesTreeAndCache(t *testing.T) {
	c, sdUUID := newTestCore(t, "instA")
	ctx := context.Background()

	noteID, err := c.CreateNote(ctx, sdUUID, "")
	require.NoError(t, err)

	var deletedEvents []string

	unsub := c.Subscribe(func(ev Event) {
		if ev.Kind == EventNoteDeleted {
			deletedEvents = append(deletedEvents, ev.NoteID)
		}
	})
	defer unsub()

	require.NoError(t, c.HardDeleteNote(ctx, sdUUID, noteID))

	n, err := c.Store().GetNote(ctx, noteID)
	require.NoError(t, err)
	assert.Nil(t, n)
	assert.Equal(t, []string{noteID}, deletedEvents)

	// Idempotent: a second hard delete of the same id is a no-op.
	require.NoError(t, c.HardDeleteNote(ctx, sdUUID, noteID))
}

func TestFolderLifecycle(t *testing.T) {
	c, sdUUID := newTestCore(t, "instA")
	ctx := context.Background()

	folderID, err := c.CreateFolder(ctx, sdUUID, "", "Work")
	require.NoError(t, err)

	folders, err := c.ListFolders(ctx, sdUUID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "Work", folders[0].Name)

	require.NoError(t, c.RenameFolder(ctx, sdUUID, folderID, "Projects"))

	folders, err = c.ListFolders(ctx, sdUUID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "Projects", folders[0].Name)

	// Note placement by folder.
	noteID, err := c.CreateNote(ctx, sdUUID, folderID)
	require.NoError(t, err)

	inFolder, err := c.ListNotes(ctx, sdUUID, folderID, ListFilter{})
	require.NoError(t, err)
	require.Len(t, inFolder, 1)
	assert.Equal(t, noteID, inFolder[0].ID)

	atRoot, err := c.ListNotes(ctx, sdUUID, "", ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, atRoot)
}

func TestRemoteUpdateDelivery(t *testing.T) {
	// Two cores (distinct instances, distinct caches) sharing one SD path,
	// the multi-process topology this store is built for.
	ctxB := context.Background()

	a, sdA := newTestCore(t, "instA")
	ctx := context.Background()

	noteID, err := a.CreateNote(ctx, sdA, "")
	require.NoError(t, err)

	hA, err := a.OpenDocument(ctx, sdA, noteID)
	require.NoError(t, err)
	defer hA.Close()

	require.NoError(t, hA.InsertText(ctx, 0, "hello"))

	// Core B mounts the same directory.
	storeB, err := cache.Open(ctxB, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { storeB.Close() })

	b := New(config.NewHolder(config.DefaultConfig(), ""), "instB",
		storeB, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(b.Stop)

	sdB, err := b.AddStorageDir(ctxB, a.ListStorageDirs()[0].Path)
	require.NoError(t, err)
	assert.Equal(t, sdA, sdB.UUID, "SD_ID is the shared cross-instance identity")

	hB, err := b.OpenDocument(ctxB, sdB.UUID, noteID)
	require.NoError(t, err)
	defer hB.Close()

	assert.Equal(t, "hello", hB.Text(), "composed from A's update files")

	var (
		mu    sync.Mutex
		diffs int
	)

	unsub := hB.OnRemoteUpdate(func(diff []byte) {
		mu.Lock()
		diffs++
		mu.Unlock()
	})
	defer unsub()

	// A writes more; B hydrates (as ActivitySync would) and the open
	// handle is patched.
	require.NoError(t, hA.InsertText(ctx, 5, " world"))

	rtB, err := b.sdFor(sdB.UUID)
	require.NoError(t, err)
	require.NoError(t, b.hydrateNote(ctxB, rtB, noteID))

	assert.Equal(t, "hello world", hB.Text())

	mu.Lock()
	assert.Positive(t, diffs)
	mu.Unlock()

	// B's cache row was derived from the same files.
	n, err := b.Store().GetNote(ctxB, noteID)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "hello world", n.Title)

	// A deletes " world"; the already-open handle on B must converge to
	// the composed truth, not keep the stale characters.
	require.NoError(t, hA.DeleteText(ctx, 5, 6))
	require.NoError(t, b.hydrateNote(ctxB, rtB, noteID))

	assert.Equal(t, "hello", hB.Text(), "remote deletes reach open handles incrementally")

	n, err = b.Store().GetNote(ctxB, noteID)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "hello", n.Title)
}

func TestMoveNoteCrossSDViaCore(t *testing.T) {
	c, srcUUID := newTestCore(t, "instA")
	ctx := context.Background()

	tgt, err := c.AddStorageDir(ctx, t.TempDir())
	require.NoError(t, err)

	noteID, err := c.CreateNote(ctx, srcUUID, "")
	require.NoError(t, err)

	h, err := c.OpenDocument(ctx, srcUUID, noteID)
	require.NoError(t, err)
	require.NoError(t, h.InsertText(ctx, 0, "travel plans"))
	h.Close()

	mv, err := c.MoveNoteCrossSD(ctx, noteID, tgt.UUID, "", move.StrategyNone)
	require.NoError(t, err)
	assert.Equal(t, cache.MoveCompleted, mv.State)

	n, err := c.Store().GetNote(ctx, noteID)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, tgt.UUID, n.StorageDir)
	assert.Equal(t, "travel plans", n.Title, "post-move hydration refreshed the row")

	stuck, err := c.ListStuckMoves(ctx)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := newKeyedMutex()

	var (
		mu      sync.Mutex
		order   []int
		started = make(chan struct{})
		done    = make(chan struct{})
	)

	unlock := km.Lock("a")

	go func() {
		defer close(done)
		close(started)

		u := km.Lock("a")
		defer u()

		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	}()

	<-started

	// Another key is not blocked.
	u := km.Lock("b")
	u()

	mu.Lock()
	order = append(order, 1)
	mu.Unlock()

	unlock()

	// Wait for the goroutine to take "a", append, and release it.
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

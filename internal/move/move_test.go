package move

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notecove/notecove-core/internal/atomicfile"
	"github.com/notecove/notecove-core/internal/cache"
	"github.com/notecove/notecove-core/internal/filenames"
	"github.com/notecove/notecove-core/internal/sdlayout"
)

const (
	selfInstance  = "inst-self"
	otherInstance = "inst-other"
	noteID        = "note-1234"
)

type fixture struct {
	store *cache.Store
	src   *sdlayout.SD
	tgt   *sdlayout.SD
	sm    *StateMachine
}

func setup(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()

	store, err := cache.Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	src, err := sdlayout.Open(t.TempDir())
	require.NoError(t, err)

	tgt, err := sdlayout.Open(t.TempDir())
	require.NoError(t, err)

	// Register both SDs up front so orphan cleanup never sees note rows
	// pointing at an unknown storage dir.
	for _, sd := range []*sdlayout.SD{src, tgt} {
		require.NoError(t, store.UpsertStorageDir(ctx, cache.StorageDir{
			UUID: sd.UUID, Path: sd.Path, AddedAt: 1, LastSeenAt: 1,
		}))
	}

	return &fixture{
		store: store,
		src:   src,
		tgt:   tgt,
		sm:    New(store, selfInstance, nil),
	}
}

// seedNote creates a source-side note: three update files on disk and a
// cache row pointing at the source SD.
func (f *fixture) seedNote(t *testing.T) {
	t.Helper()

	dir, err := f.src.UpdatesDir(sdlayout.KindNote, noteID)
	require.NoError(t, err)

	for seq := uint64(0); seq < 3; seq++ {
		name := filenames.FormatUpdate(filenames.Update{InstanceID: otherInstance, TimestampMs: 1000 + int64(seq), Seq: seq})
		require.NoError(t, atomicfile.WriteFlagged(filepath.Join(dir, name), []byte("diff"), 0o600))
	}

	f.upsertNote(t, cache.Note{
		ID: noteID, StorageDir: f.src.UUID, Title: "moved note",
		CreatedAt: 1, UpdatedAt: 1,
	})
}

func (f *fixture) upsertNote(t *testing.T, n cache.Note) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.store.Tx(ctx, func(tx *sql.Tx) error {
		return f.store.UpsertNote(ctx, tx, n)
	}))
}

func (f *fixture) createMove(t *testing.T, mv cache.Move) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.store.Tx(ctx, func(tx *sql.Tx) error {
		return f.store.CreateMove(ctx, tx, mv)
	}))
}

func TestExecuteMovesNoteAcrossSDs(t *testing.T) {
	f := setup(t)
	f.seedNote(t)

	ctx := context.Background()

	mv, err := f.sm.Execute(ctx, Request{
		NoteID: noteID,
		Source: f.src,
		Target: f.tgt,
	})
	require.NoError(t, err)
	assert.Equal(t, cache.MoveCompleted, mv.State)

	// Target has the published tree, scratch is gone, source tree is gone.
	assert.DirExists(t, f.tgt.DocRoot(sdlayout.KindNote, noteID))
	assert.NoDirExists(t, f.tgt.MovingScratchDir(noteID))
	assert.NoDirExists(t, f.src.DocRoot(sdlayout.KindNote, noteID))

	// Cache row repointed at the target SD.
	n, err := f.store.GetNote(ctx, noteID)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, f.tgt.UUID, n.StorageDir)
	assert.Equal(t, "moved note", n.Title)

	// Source deletion log records the departure.
	data, err := os.ReadFile(f.src.DeletionLogPath(selfInstance))
	require.NoError(t, err)
	assert.Contains(t, string(data), noteID+"|")

	// One activity line per copied update, preserving origin seqs.
	act, err := os.ReadFile(f.tgt.ActivityLogPath(selfInstance))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(act), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, noteID+"|"+otherInstance+"_0", lines[0])
	assert.Equal(t, noteID+"|"+otherInstance+"_2", lines[2])
}

func TestConflictWithoutStrategySurfacesAndParks(t *testing.T) {
	f := setup(t)
	f.seedNote(t)

	// Target-side active note with the same id, per the cache.
	f.upsertNote(t, cache.Note{ID: noteID, StorageDir: f.tgt.UUID, Title: "target copy", CreatedAt: 1, UpdatedAt: 1})

	ctx := context.Background()

	mv, err := f.sm.Execute(ctx, Request{NoteID: noteID, Source: f.src, Target: f.tgt})
	require.ErrorIs(t, err, ErrMoveConflict)
	assert.Equal(t, cache.MoveFilesCopied, mv.State, "conflict parks the move for the caller to resolve")

	// Resolving with replace finishes the move over the target copy.
	mv, err = f.sm.Resume(ctx, mv.ID, StrategyReplace)
	require.NoError(t, err)
	assert.Equal(t, cache.MoveCompleted, mv.State)

	// Exactly one row for this id, pointing at the target; the title is
	// rehydrated from the CRDT on the post-move reload.
	n, err := f.store.GetNote(ctx, noteID)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, f.tgt.UUID, n.StorageDir)
}

func TestConflictKeepBothAssignsNewID(t *testing.T) {
	f := setup(t)
	f.seedNote(t)
	f.upsertNote(t, cache.Note{ID: noteID, StorageDir: f.tgt.UUID, Title: "target copy", CreatedAt: 1, UpdatedAt: 1})

	ctx := context.Background()

	mv, err := f.sm.Execute(ctx, Request{
		NoteID: noteID, Source: f.src, Target: f.tgt, Strategy: StrategyKeepBoth,
	})
	require.NoError(t, err)
	assert.Equal(t, cache.MoveCompleted, mv.State)

	_, newID := parseResolution(mv.ConflictResolution)
	require.NotEmpty(t, newID)
	assert.NotEqual(t, noteID, newID)

	// Dragged copy published under the new id; target's own copy intact.
	assert.DirExists(t, f.tgt.DocRoot(sdlayout.KindNote, newID))

	kept, err := f.store.GetNote(ctx, noteID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, "target copy", kept.Title)

	moved, err := f.store.GetNote(ctx, newID)
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, f.tgt.UUID, moved.StorageDir)
}

func TestCancelRollsBack(t *testing.T) {
	f := setup(t)
	f.seedNote(t)
	f.upsertNote(t, cache.Note{ID: noteID, StorageDir: f.tgt.UUID, Title: "target copy", CreatedAt: 1, UpdatedAt: 1})

	ctx := context.Background()

	mv, err := f.sm.Execute(ctx, Request{NoteID: noteID, Source: f.src, Target: f.tgt})
	require.ErrorIs(t, err, ErrMoveConflict)

	require.NoError(t, f.sm.Cancel(ctx, mv.ID))

	got, err := f.store.GetMove(ctx, mv.ID)
	require.NoError(t, err)
	assert.Equal(t, cache.MoveCancelled, got.State)

	// Source untouched, scratch cleared.
	assert.DirExists(t, f.src.DocRoot(sdlayout.KindNote, noteID))
	assert.NoDirExists(t, f.tgt.MovingScratchDir(noteID))
}

func TestResumeFromInitiatedAfterCrash(t *testing.T) {
	f := setup(t)
	f.seedNote(t)

	ctx := context.Background()
	now := time.Now().UnixMilli()

	// Simulate a crash immediately after the ledger row was written.
	mv := cache.Move{
		ID: "move-crashed", NoteID: noteID,
		SrcStorageDir: f.src.UUID, TgtStorageDir: f.tgt.UUID,
		SrcPath: f.src.Path, TgtPath: f.tgt.Path,
		State: cache.MoveInitiated, InitiatedBy: selfInstance,
		CreatedAt: now, LastModified: now,
	}
	f.createMove(t, mv)

	f.sm.RecoverAll(ctx)

	got, err := f.store.GetMove(ctx, mv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cache.MoveCompleted, got.State)
	assert.DirExists(t, f.tgt.DocRoot(sdlayout.KindNote, noteID))
}

func TestRecoverSkipsForeignMoves(t *testing.T) {
	f := setup(t)
	f.seedNote(t)

	ctx := context.Background()
	now := time.Now().UnixMilli()

	mv := cache.Move{
		ID: "move-foreign", NoteID: noteID,
		SrcStorageDir: f.src.UUID, TgtStorageDir: f.tgt.UUID,
		SrcPath: f.src.Path, TgtPath: f.tgt.Path,
		State: cache.MoveCopying, InitiatedBy: otherInstance,
		CreatedAt: now, LastModified: now,
	}
	f.createMove(t, mv)

	f.sm.RecoverAll(ctx)

	got, err := f.store.GetMove(ctx, mv.ID)
	require.NoError(t, err)
	assert.Equal(t, cache.MoveCopying, got.State, "foreign moves are never auto-resumed")
}

func TestStuckDetectionAndTakeOver(t *testing.T) {
	f := setup(t)
	f.seedNote(t)

	ctx := context.Background()
	stale := time.Now().Add(-10 * time.Minute).UnixMilli()

	mv := cache.Move{
		ID: "move-stuck", NoteID: noteID,
		SrcStorageDir: f.src.UUID, TgtStorageDir: f.tgt.UUID,
		SrcPath: f.src.Path, TgtPath: f.tgt.Path,
		State: cache.MoveCopying, InitiatedBy: otherInstance,
		CreatedAt: stale, LastModified: stale,
	}
	f.createMove(t, mv)

	stuck, err := f.sm.ListStuck(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "move-stuck", stuck[0].ID)

	got, err := f.sm.TakeOver(ctx, "move-stuck")
	require.NoError(t, err)
	assert.Equal(t, selfInstance, got.InitiatedBy)
	assert.Equal(t, cache.MoveCompleted, got.State)
}

func TestPurgeOldRecords(t *testing.T) {
	f := setup(t)

	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -40).UnixMilli()
	fresh := time.Now().UnixMilli()

	for _, mv := range []cache.Move{
		{ID: "old-done", NoteID: "a", SrcStorageDir: "s", TgtStorageDir: "t", State: cache.MoveCompleted, InitiatedBy: selfInstance, CreatedAt: old, LastModified: old},
		{ID: "old-live", NoteID: "b", SrcStorageDir: "s", TgtStorageDir: "t", State: cache.MoveCopying, InitiatedBy: selfInstance, CreatedAt: old, LastModified: old},
		{ID: "new-done", NoteID: "c", SrcStorageDir: "s", TgtStorageDir: "t", State: cache.MoveCompleted, InitiatedBy: selfInstance, CreatedAt: fresh, LastModified: fresh},
	} {
		f.createMove(t, mv)
	}

	n, err := f.sm.PurgeOldRecords(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only old terminal rows are purged")
}

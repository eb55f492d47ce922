package cache

import (
	"context"
	"log/slog"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), ":memory:", slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestNoteUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertStorageDir(ctx, StorageDir{UUID: "sd1", Path: "/tmp/sd1", AddedAt: 1, LastSeenAt: 1}); err != nil {
		t.Fatalf("UpsertStorageDir: %v", err)
	}

	n := Note{ID: "note1", StorageDir: "sd1", Title: "Groceries", ContentPreview: "milk eggs bread", CreatedAt: 10, UpdatedAt: 10}

	if err := s.UpsertNote(ctx, nil, n); err != nil {
		t.Fatalf("UpsertNote: %v", err)
	}

	got, err := s.GetNote(ctx, "note1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}

	if got == nil {
		t.Fatal("GetNote returned nil, want a row")
	}

	if got.Title != "Groceries" {
		t.Errorf("Title = %q, want %q", got.Title, "Groceries")
	}

	ids, err := s.SearchNotes(ctx, "milk")
	if err != nil {
		t.Fatalf("SearchNotes: %v", err)
	}

	if len(ids) != 1 || ids[0] != "note1" {
		t.Errorf("SearchNotes(milk) = %v, want [note1]", ids)
	}
}

func TestNoteSoftDeleteDropsFromSearchAndActiveList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertStorageDir(ctx, StorageDir{UUID: "sd1", Path: "/tmp/sd1", AddedAt: 1, LastSeenAt: 1}); err != nil {
		t.Fatalf("UpsertStorageDir: %v", err)
	}

	n := Note{ID: "note1", StorageDir: "sd1", Title: "Recipe", ContentPreview: "pasta sauce", CreatedAt: 10, UpdatedAt: 10}
	if err := s.UpsertNote(ctx, nil, n); err != nil {
		t.Fatalf("UpsertNote: %v", err)
	}

	if err := s.SoftDeleteNote(ctx, nil, "note1", 20); err != nil {
		t.Fatalf("SoftDeleteNote: %v", err)
	}

	active, err := s.ListActiveNotes(ctx)
	if err != nil {
		t.Fatalf("ListActiveNotes: %v", err)
	}

	if len(active) != 0 {
		t.Errorf("ListActiveNotes after soft delete = %d rows, want 0", len(active))
	}

	ids, err := s.SearchNotes(ctx, "pasta")
	if err != nil {
		t.Fatalf("SearchNotes: %v", err)
	}

	if len(ids) != 0 {
		t.Errorf("SearchNotes after soft delete = %v, want empty", ids)
	}

	got, err := s.GetNote(ctx, "note1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}

	if got == nil || !got.IsDeleted {
		t.Error("GetNote after soft delete should still return the row, marked deleted")
	}
}

func TestNoteTagsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertStorageDir(ctx, StorageDir{UUID: "sd1", Path: "/tmp/sd1", AddedAt: 1, LastSeenAt: 1}); err != nil {
		t.Fatalf("UpsertStorageDir: %v", err)
	}

	if err := s.UpsertNote(ctx, nil, Note{ID: "note1", StorageDir: "sd1", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("UpsertNote: %v", err)
	}

	if err := s.SetNoteTags(ctx, nil, "note1", []string{"work", "urgent"}); err != nil {
		t.Fatalf("SetNoteTags: %v", err)
	}

	tags, err := s.ListTagsForNote(ctx, "note1")
	if err != nil {
		t.Fatalf("ListTagsForNote: %v", err)
	}

	if len(tags) != 2 {
		t.Fatalf("ListTagsForNote = %v, want 2 tags", tags)
	}

	// Re-tagging with a smaller set must drop "urgent" and leave "work".
	if err := s.SetNoteTags(ctx, nil, "note1", []string{"work"}); err != nil {
		t.Fatalf("SetNoteTags (retag): %v", err)
	}

	tags, err = s.ListTagsForNote(ctx, "note1")
	if err != nil {
		t.Fatalf("ListTagsForNote: %v", err)
	}

	if len(tags) != 1 || tags[0] != "work" {
		t.Errorf("ListTagsForNote after retag = %v, want [work]", tags)
	}
}

func TestDeleteOrphanTagsRemovesUnusedTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertStorageDir(ctx, StorageDir{UUID: "sd1", Path: "/tmp/sd1", AddedAt: 1, LastSeenAt: 1}); err != nil {
		t.Fatalf("UpsertStorageDir: %v", err)
	}

	if err := s.UpsertNote(ctx, nil, Note{ID: "note1", StorageDir: "sd1", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("UpsertNote: %v", err)
	}

	if err := s.SetNoteTags(ctx, nil, "note1", []string{"temp"}); err != nil {
		t.Fatalf("SetNoteTags: %v", err)
	}

	if err := s.SetNoteTags(ctx, nil, "note1", nil); err != nil {
		t.Fatalf("SetNoteTags (clear): %v", err)
	}

	if err := s.DeleteOrphanTags(ctx, nil); err != nil {
		t.Fatalf("DeleteOrphanTags: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tags").Scan(&count); err != nil {
		t.Fatalf("count tags: %v", err)
	}

	if count != 0 {
		t.Errorf("tags remaining after DeleteOrphanTags = %d, want 0", count)
	}
}

func TestFolderHierarchyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertStorageDir(ctx, StorageDir{UUID: "sd1", Path: "/tmp/sd1", AddedAt: 1, LastSeenAt: 1}); err != nil {
		t.Fatalf("UpsertStorageDir: %v", err)
	}

	if err := s.UpsertFolder(ctx, nil, Folder{ID: "f1", StorageDir: "sd1", Name: "Work", UpdatedAt: 1}); err != nil {
		t.Fatalf("UpsertFolder: %v", err)
	}

	if err := s.UpsertFolder(ctx, nil, Folder{ID: "f2", StorageDir: "sd1", ParentID: "f1", Name: "Projects", UpdatedAt: 1}); err != nil {
		t.Fatalf("UpsertFolder (child): %v", err)
	}

	folders, err := s.ListFoldersByStorageDir(ctx, "sd1")
	if err != nil {
		t.Fatalf("ListFoldersByStorageDir: %v", err)
	}

	if len(folders) != 2 {
		t.Fatalf("ListFoldersByStorageDir = %d, want 2", len(folders))
	}

	if err := s.SoftDeleteFolder(ctx, nil, "f2", 5); err != nil {
		t.Fatalf("SoftDeleteFolder: %v", err)
	}

	folders, err = s.ListFoldersByStorageDir(ctx, "sd1")
	if err != nil {
		t.Fatalf("ListFoldersByStorageDir after delete: %v", err)
	}

	if len(folders) != 1 {
		t.Errorf("ListFoldersByStorageDir after soft delete = %d, want 1", len(folders))
	}
}

func TestAppStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetAppState(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetAppState(missing) = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	if err := s.SetAppState(ctx, "wake_cursor", "12345"); err != nil {
		t.Fatalf("SetAppState: %v", err)
	}

	v, ok, err := s.GetAppState(ctx, "wake_cursor")
	if err != nil || !ok || v != "12345" {
		t.Fatalf("GetAppState = (%q, %v, %v), want (12345, true, nil)", v, ok, err)
	}

	if err := s.SetAppState(ctx, "wake_cursor", "67890"); err != nil {
		t.Fatalf("SetAppState overwrite: %v", err)
	}

	v, _, _ = s.GetAppState(ctx, "wake_cursor")
	if v != "67890" {
		t.Errorf("GetAppState after overwrite = %q, want 67890", v)
	}
}

func TestMoveLifecycleAndStuckDetection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := Move{
		ID: "move1", NoteID: "note1", SrcStorageDir: "sd1", TgtStorageDir: "sd2",
		State: MoveInitiated, InitiatedBy: "instA", CreatedAt: 100, LastModified: 100,
	}

	if err := s.CreateMove(ctx, nil, m); err != nil {
		t.Fatalf("CreateMove: %v", err)
	}

	pending, err := s.ListNonTerminalMoves(ctx)
	if err != nil {
		t.Fatalf("ListNonTerminalMoves: %v", err)
	}

	if len(pending) != 1 {
		t.Fatalf("ListNonTerminalMoves = %d, want 1", len(pending))
	}

	if err := s.TransitionMove(ctx, nil, "move1", MoveCopying, "", 150); err != nil {
		t.Fatalf("TransitionMove to copying: %v", err)
	}

	// Not modified since 150, so a cutoff of 140 must not consider it stuck.
	stuck, err := s.ListStuckMoves(ctx, 140)
	if err != nil {
		t.Fatalf("ListStuckMoves: %v", err)
	}

	if len(stuck) != 0 {
		t.Fatalf("ListStuckMoves(140) = %d, want 0", len(stuck))
	}

	// A cutoff after the last modification must flag it as stuck.
	stuck, err = s.ListStuckMoves(ctx, 200)
	if err != nil {
		t.Fatalf("ListStuckMoves: %v", err)
	}

	if len(stuck) != 1 {
		t.Fatalf("ListStuckMoves(200) = %d, want 1", len(stuck))
	}

	if err := s.TransitionMove(ctx, nil, "move1", MoveCompleted, "", 300); err != nil {
		t.Fatalf("TransitionMove to completed: %v", err)
	}

	pending, err = s.ListNonTerminalMoves(ctx)
	if err != nil {
		t.Fatalf("ListNonTerminalMoves after completion: %v", err)
	}

	if len(pending) != 0 {
		t.Errorf("ListNonTerminalMoves after completion = %d, want 0", len(pending))
	}

	got, err := s.GetMove(ctx, "move1")
	if err != nil {
		t.Fatalf("GetMove: %v", err)
	}

	if got.State != MoveCompleted {
		t.Errorf("GetMove.State = %s, want %s", got.State, MoveCompleted)
	}
}

func TestTransitionMoveUnknownIDFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.TransitionMove(ctx, nil, "does-not-exist", MoveCancelled, "", 1)
	if err == nil {
		t.Fatal("TransitionMove on unknown id: want error, got nil")
	}
}

func TestDeleteMovesOlderThanPurgesOnlyTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateMove(ctx, nil, Move{
		ID: "m1", NoteID: "n1", SrcStorageDir: "sd1", TgtStorageDir: "sd2",
		State: MoveCompleted, InitiatedBy: "instA", CreatedAt: 1, LastModified: 1,
	}); err != nil {
		t.Fatalf("CreateMove m1: %v", err)
	}

	if err := s.CreateMove(ctx, nil, Move{
		ID: "m2", NoteID: "n2", SrcStorageDir: "sd1", TgtStorageDir: "sd2",
		State: MoveCopying, InitiatedBy: "instA", CreatedAt: 1, LastModified: 1,
	}); err != nil {
		t.Fatalf("CreateMove m2: %v", err)
	}

	n, err := s.DeleteMovesOlderThan(ctx, 1000)
	if err != nil {
		t.Fatalf("DeleteMovesOlderThan: %v", err)
	}

	if n != 1 {
		t.Fatalf("DeleteMovesOlderThan purged %d rows, want 1", n)
	}

	if _, err := s.GetMove(ctx, "m2"); err != nil {
		t.Fatalf("GetMove m2 after purge: %v", err)
	}
}

func TestStorageDirRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertStorageDir(ctx, StorageDir{UUID: "sd1", Path: "/tmp/sd1", Label: "Laptop", AddedAt: 1, LastSeenAt: 1}); err != nil {
		t.Fatalf("UpsertStorageDir: %v", err)
	}

	if err := s.TouchStorageDir(ctx, "sd1", 42); err != nil {
		t.Fatalf("TouchStorageDir: %v", err)
	}

	got, err := s.GetStorageDir(ctx, "sd1")
	if err != nil {
		t.Fatalf("GetStorageDir: %v", err)
	}

	if got.LastSeenAt != 42 {
		t.Errorf("LastSeenAt = %d, want 42", got.LastSeenAt)
	}

	dirs, err := s.ListStorageDirs(ctx)
	if err != nil {
		t.Fatalf("ListStorageDirs: %v", err)
	}

	if len(dirs) != 1 {
		t.Fatalf("ListStorageDirs = %d, want 1", len(dirs))
	}

	if err := s.DeleteStorageDir(ctx, "sd1"); err != nil {
		t.Fatalf("DeleteStorageDir: %v", err)
	}

	dirs, err = s.ListStorageDirs(ctx)
	if err != nil {
		t.Fatalf("ListStorageDirs after delete: %v", err)
	}

	if len(dirs) != 0 {
		t.Errorf("ListStorageDirs after delete = %d, want 0", len(dirs))
	}
}

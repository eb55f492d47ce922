package cache

import (
	"context"
	"testing"
)

func seedStorageDir(t *testing.T, s *Store, uuid string) {
	t.Helper()

	if err := s.UpsertStorageDir(context.Background(), StorageDir{
		UUID: uuid, Path: "/tmp/" + uuid, AddedAt: 1, LastSeenAt: 1,
	}); err != nil {
		t.Fatalf("UpsertStorageDir: %v", err)
	}
}

func TestNoteLinksRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedStorageDir(t, s, "sd1")

	for _, id := range []string{"note1", "note2"} {
		if err := s.UpsertNote(ctx, nil, Note{ID: id, StorageDir: "sd1", CreatedAt: 1, UpdatedAt: 1}); err != nil {
			t.Fatalf("UpsertNote %s: %v", id, err)
		}
	}

	if err := s.SetNoteLinks(ctx, nil, "note1", []string{"note2", "note-elsewhere"}); err != nil {
		t.Fatalf("SetNoteLinks: %v", err)
	}

	from, err := s.ListLinksFrom(ctx, "note1")
	if err != nil {
		t.Fatalf("ListLinksFrom: %v", err)
	}

	if len(from) != 2 {
		t.Fatalf("ListLinksFrom = %v, want 2 targets (dangling ids allowed)", from)
	}

	back, err := s.ListLinksTo(ctx, "note2")
	if err != nil {
		t.Fatalf("ListLinksTo: %v", err)
	}

	if len(back) != 1 || back[0] != "note1" {
		t.Errorf("ListLinksTo(note2) = %v, want [note1]", back)
	}

	// Replacing the link set drops stale rows.
	if err := s.SetNoteLinks(ctx, nil, "note1", nil); err != nil {
		t.Fatalf("SetNoteLinks clear: %v", err)
	}

	from, _ = s.ListLinksFrom(ctx, "note1")
	if len(from) != 0 {
		t.Errorf("links after clear = %v, want none", from)
	}
}

func TestCleanupOrphanedData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedStorageDir(t, s, "sd1")
	seedStorageDir(t, s, "sd-gone")

	if err := s.UpsertNote(ctx, nil, Note{ID: "note-kept", StorageDir: "sd1", Title: "kept", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("UpsertNote kept: %v", err)
	}

	if err := s.UpsertNote(ctx, nil, Note{ID: "note-orphan", StorageDir: "sd-gone", Title: "orphan", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("UpsertNote orphan: %v", err)
	}

	if err := s.SetNoteTags(ctx, nil, "note-orphan", []string{"lonely"}); err != nil {
		t.Fatalf("SetNoteTags: %v", err)
	}

	if err := s.SetNoteLinks(ctx, nil, "note-orphan", []string{"note-kept"}); err != nil {
		t.Fatalf("SetNoteLinks: %v", err)
	}

	// The storage dir disappears; its rows become orphans.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM storage_dirs WHERE uuid = 'sd-gone'`); err != nil {
		t.Fatalf("delete storage dir: %v", err)
	}

	if err := s.CleanupOrphanedData(ctx); err != nil {
		t.Fatalf("CleanupOrphanedData: %v", err)
	}

	if n, _ := s.GetNote(ctx, "note-orphan"); n != nil {
		t.Error("orphan note survived cleanup")
	}

	if n, _ := s.GetNote(ctx, "note-kept"); n == nil {
		t.Error("kept note was wrongly removed")
	}

	tags, err := s.ListTagsForNote(ctx, "note-orphan")
	if err != nil {
		t.Fatalf("ListTagsForNote: %v", err)
	}

	if len(tags) != 0 {
		t.Errorf("orphan tags survived: %v", tags)
	}

	ids, err := s.SearchNotes(ctx, "orphan")
	if err != nil {
		t.Fatalf("SearchNotes: %v", err)
	}

	if len(ids) != 0 {
		t.Errorf("orphan fts rows survived: %v", ids)
	}
}

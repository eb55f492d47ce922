package updatemgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notecove/notecove-core/internal/crdtdoc"
	"github.com/notecove/notecove-core/internal/sdlayout"
)

func openSD(t *testing.T) *sdlayout.SD {
	t.Helper()

	sd, err := sdlayout.Open(t.TempDir())
	require.NoError(t, err)

	return sd
}

func writeLocalEdit(t *testing.T, mgr *Manager, doc *crdtdoc.Document, instance string, seq uint64, text string) uint64 {
	t.Helper()

	ops := doc.LocalInsert(instance, seq, len([]rune(doc.Text())), text)
	var lastSeq uint64

	for _, op := range ops {
		doc.ApplyOp(op)

		data, err := crdtdoc.EncodeUpdate(op)
		require.NoError(t, err)

		got, err := mgr.WriteUpdate(context.Background(), data)
		require.NoError(t, err)

		lastSeq = got
	}

	return lastSeq
}

func TestWriteUpdateAllocatesSeqFromZero(t *testing.T) {
	sd := openSD(t)
	mgr := New(sd, sdlayout.KindNote, "note1", "instA", DefaultConfig(), nil)

	seq, err := mgr.WriteUpdate(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	seq, err = mgr.WriteUpdate(context.Background(), []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestSelfHealingSeqRecovery(t *testing.T) {
	sd := openSD(t)
	mgr := New(sd, sdlayout.KindNote, "note1", "instA", DefaultConfig(), nil)

	_, err := mgr.WriteUpdate(context.Background(), []byte("x"))
	require.NoError(t, err)
	_, err = mgr.WriteUpdate(context.Background(), []byte("y"))
	require.NoError(t, err)

	// Simulate a fresh process (new Manager, no cached nextSeq).
	fresh := New(sd, sdlayout.KindNote, "note1", "instA", DefaultConfig(), nil)

	seq, err := fresh.WriteUpdate(context.Background(), []byte("z"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

// Two writers against one note converge to the same composed state and
// vector clock once each sees the other's files.
func TestTwoInstanceConvergence(t *testing.T) {
	sd := openSD(t)
	cfg := DefaultConfig()

	mgrA := New(sd, sdlayout.KindNote, "noteN", "A", cfg, nil)
	mgrB := New(sd, sdlayout.KindNote, "noteN", "B", cfg, nil)

	docA := crdtdoc.NewDocument()
	writeLocalEdit(t, mgrA, docA, "A", 0, "abc") // seq 0,1,2

	docB := crdtdoc.NewDocument()
	writeLocalEdit(t, mgrB, docB, "B", 0, "xy") // seq 0,1

	composedA, vcA, err := mgrA.ReadComposedState(context.Background())
	require.NoError(t, err)

	composedB, vcB, err := mgrB.ReadComposedState(context.Background())
	require.NoError(t, err)

	assert.Equal(t, composedA.Text(), composedB.Text())
	assert.Equal(t, map[string]uint64(vcA), map[string]uint64(vcB))
	assert.Equal(t, uint64(2), vcA["A"])
	assert.Equal(t, uint64(1), vcA["B"])
}

// A crash eats seq 1, leaving 0 and 2; the vector clock must not
// advance past 0.
func TestSequenceGapPermanence(t *testing.T) {
	sd := openSD(t)
	cfg := DefaultConfig()
	mgr := New(sd, sdlayout.KindNote, "noteN", "A", cfg, nil)

	_, err := mgr.WriteUpdate(context.Background(), []byte("seq0"))
	require.NoError(t, err)

	// Manually write seq 2, skipping seq 1 (simulating the lost update).
	mgr.nextSeq = 2
	mgr.seqInit = true
	_, err = mgr.WriteUpdate(context.Background(), []byte("seq2"))
	require.NoError(t, err)

	_, vc, err := mgr.ReadComposedState(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(0), vc["A"])
}

func TestPackMinSizeBoundary(t *testing.T) {
	sd := openSD(t)
	cfg := DefaultConfig()
	cfg.PackMinSize = 10
	cfg.PackKeepRecent = 0
	cfg.PackFreshnessAge = 0 // everything already "old enough"

	mgr := New(sd, sdlayout.KindNote, "noteN", "A", cfg, nil)

	for i := 0; i < 9; i++ {
		_, err := mgr.WriteUpdate(context.Background(), []byte{byte(i)})
		require.NoError(t, err)
	}

	require.NoError(t, mgr.MaybePackUpdates())

	dir, err := sd.PacksDir(sdlayout.KindNote, "noteN")
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "pack of size packMinSize-1 must not be created")

	_, err = mgr.WriteUpdate(context.Background(), []byte{9})
	require.NoError(t, err)

	require.NoError(t, mgr.MaybePackUpdates())

	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "pack of size packMinSize must be created")
}

func TestGCNeverDeletesNeededHistory(t *testing.T) {
	sd := openSD(t)
	cfg := DefaultConfig()
	cfg.GCMinHistory = 0 // allow immediate deletion for the test
	cfg.SnapshotThresholds.Low = 1

	mgr := New(sd, sdlayout.KindNote, "noteN", "A", cfg, nil)

	doc := crdtdoc.NewDocument()
	writeLocalEdit(t, mgr, doc, "A", 0, "abcdefghij") // seq 0..9

	// With the low threshold at 1, this writes one snapshot covering seq
	// 0..9, so GC has a kept clock that dominates every update file.
	created, err := mgr.MaybeCreateSnapshot(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, created)

	before, _, err := mgr.ReadComposedState(context.Background())
	require.NoError(t, err)
	beforeText := before.Text()

	stats, err := mgr.RunGC()
	require.NoError(t, err)
	assert.Empty(t, stats.Errors)

	after, _, err := mgr.ReadComposedState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, beforeText, after.Text())
}

func TestFlagBytePartialUpdateNotApplied(t *testing.T) {
	sd := openSD(t)
	mgr := New(sd, sdlayout.KindNote, "noteN", "A", DefaultConfig(), nil)

	dir, err := sd.UpdatesDir(sdlayout.KindNote, "noteN")
	require.NoError(t, err)

	op := crdtdoc.Op{Kind: crdtdoc.OpInsert, ID: crdtdoc.OpID{Instance: "A", Seq: 0}, Value: 'h'}
	data, err := crdtdoc.EncodeUpdate(op)
	require.NoError(t, err)

	path := filepath.Join(dir, "A_1000-0.yjson")
	require.NoError(t, os.WriteFile(path, append([]byte{0x00}, data...), 0o600))

	doc, _, err := mgr.ReadComposedState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", doc.Text(), "partial update must not be applied")

	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x01}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	doc, _, err = mgr.ReadComposedState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "h", doc.Text())
}

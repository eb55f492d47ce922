// Package updatemgr implements UpdateManager: per-(SD,document)
// emission, composition, packing, snapshotting, and garbage collection of
// CRDT update files.
package updatemgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/notecove/notecove-core/internal/activity"
	"github.com/notecove/notecove-core/internal/atomicfile"
	"github.com/notecove/notecove-core/internal/crdtdoc"
	"github.com/notecove/notecove-core/internal/filenames"
	"github.com/notecove/notecove-core/internal/sdlayout"
)

const updateFilePerm = 0o600

// VectorClock maps InstanceId to the highest contiguous seq absorbed.
type VectorClock map[string]uint64

// Manager is the UpdateManager for one (SD, document) pair.
type Manager struct {
	sd          *sdlayout.SD
	kind        sdlayout.DocumentKind
	docID       string
	instanceID  string
	activityLog *activity.Logger
	cfg         Config
	logger      *slog.Logger

	nextSeq uint64 // cached next seq to allocate; self-healed on first use
	seqInit bool
}

// New creates a Manager for the given document. docID is the noteId for
// KindNote, ignored for KindFolders.
func New(sd *sdlayout.SD, kind sdlayout.DocumentKind, docID, instanceID string, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		sd:          sd,
		kind:        kind,
		docID:       docID,
		instanceID:  instanceID,
		activityLog: activity.NewLogger(sd.ActivityLogPath(instanceID)),
		cfg:         cfg,
		logger:      logger,
	}
}

// WriteUpdate allocates the next per-(instance,document) seq, writes the
// update file, and appends an activity-log entry. Returns the
// allocated seq.
func (m *Manager) WriteUpdate(ctx context.Context, diff []byte) (uint64, error) {
	seq, err := m.allocateSeq()
	if err != nil {
		return 0, err
	}

	dir, err := m.sd.UpdatesDir(m.kind, m.docID)
	if err != nil {
		return 0, mapFSErr(err)
	}

	name := filenames.FormatUpdate(filenames.Update{
		InstanceID:  m.instanceID,
		TimestampMs: nowMs(),
		Seq:         seq,
	})

	path := filepath.Join(dir, name)

	if err := atomicfile.WriteFlagged(path, diff, updateFilePerm); err != nil {
		return 0, mapFSErr(err)
	}

	m.nextSeq = seq + 1

	// At-least-once activity delivery: a failed append here does not
	// invalidate the write above. A subsequent wake-discovery pass on a
	// remote instance will still observe the file via directory scan
	// (activity delivery is at-least-once, not exactly-once).
	if err := m.activityLog.Append(m.docID, m.instanceID, seq); err != nil {
		m.logger.Warn("activity log append failed; update file is still valid",
			slog.String("noteId", m.docID), slog.Uint64("seq", seq), slog.Any("err", err))
	}

	return seq, nil
}

// NextSeq returns the seq the next WriteUpdate on this manager will be
// assigned, without consuming it. Callers minting CRDT ops use this to
// keep the op id's seq in lockstep with the update file that will carry
// it.
func (m *Manager) NextSeq() (uint64, error) {
	return m.allocateSeq()
}

// allocateSeq returns the next seq to use, self-healing by scanning
// existing update/pack/snapshot files the first time it's needed, so a
// restarted writer recovers its counter from what it already shipped.
func (m *Manager) allocateSeq() (uint64, error) {
	if m.seqInit {
		return m.nextSeq, nil
	}

	highest, found, err := m.highestOwnSeq()
	if err != nil {
		return 0, err
	}

	m.seqInit = true

	if !found {
		m.nextSeq = 0
		return 0, nil
	}

	m.nextSeq = highest + 1

	return m.nextSeq, nil
}

// highestOwnSeq scans updates/, packs/, and snapshots/ for the highest seq
// this instance has ever emitted for this document.
func (m *Manager) highestOwnSeq() (uint64, bool, error) {
	updDir, err := m.sd.UpdatesDir(m.kind, m.docID)
	if err != nil {
		return 0, false, mapFSErr(err)
	}

	packDir, err := m.sd.PacksDir(m.kind, m.docID)
	if err != nil {
		return 0, false, mapFSErr(err)
	}

	snapDir, err := m.sd.SnapshotsDir(m.kind, m.docID)
	if err != nil {
		return 0, false, mapFSErr(err)
	}

	var (
		highest uint64
		found   bool
	)

	bump := func(v uint64) {
		if !found || v > highest {
			highest = v
			found = true
		}
	}

	updates, err := listUpdates(updDir)
	if err != nil {
		return 0, false, mapFSErr(err)
	}

	for _, u := range updates {
		if u.InstanceID == m.instanceID {
			bump(u.Seq)
		}
	}

	packs, err := listPacks(packDir)
	if err != nil {
		return 0, false, mapFSErr(err)
	}

	for _, p := range packs {
		if p.InstanceID == m.instanceID {
			bump(p.EndSeq)
		}
	}

	snaps, err := listSnapshots(snapDir)
	if err != nil {
		return 0, false, mapFSErr(err)
	}

	for _, s := range snaps {
		data, err := atomicfile.ReadFlagged(s.Path)
		if err != nil {
			continue
		}

		payload, err := decodeSnapshotPayload(data)
		if err != nil {
			continue
		}

		if v, ok := payload.MaxSequences[m.instanceID]; ok {
			bump(v)
		}
	}

	return highest, found, nil
}

// ReadComposedState composes the current document state: best snapshot,
// then packs, then loose updates, tracking the contiguous-prefix clock.
func (m *Manager) ReadComposedState(ctx context.Context) (*crdtdoc.Document, VectorClock, error) {
	doc, vc, err := m.loadBestSnapshot(ctx)
	if err != nil {
		return nil, nil, err
	}

	packDir, err := m.sd.PacksDir(m.kind, m.docID)
	if err != nil {
		return nil, nil, mapFSErr(err)
	}

	packs, err := listPacks(packDir)
	if err != nil {
		return nil, nil, mapFSErr(err)
	}

	workingVC := cloneClock(vc)

	// next is the seq that extends inst's contiguous prefix. An instance
	// absent from the clock has absorbed nothing yet, so its next seq is 0.
	next := func(inst string) uint64 {
		if top, ok := workingVC[inst]; ok {
			return top + 1
		}

		return 0
	}

	sortPacksAscending(packs)

	for _, p := range packs {
		if p.EndSeq < next(p.InstanceID) {
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		data, err := atomicfile.ReadFlagged(p.Path)
		if err != nil {
			continue // PartialFile/CorruptFile: skip, not fatal
		}

		entries, err := decodePackPayload(data)
		if err != nil {
			continue
		}

		for _, e := range entries {
			if e.Seq < next(p.InstanceID) {
				continue
			}

			op, err := crdtdoc.DecodeUpdate(e.Data)
			if err != nil {
				continue
			}

			doc.ApplyOp(op)

			if e.Seq == next(p.InstanceID) {
				workingVC[p.InstanceID] = e.Seq
			}
		}
	}

	updDir, err := m.sd.UpdatesDir(m.kind, m.docID)
	if err != nil {
		return nil, nil, mapFSErr(err)
	}

	updates, err := listUpdates(updDir)
	if err != nil {
		return nil, nil, mapFSErr(err)
	}

	sortUpdatesAscending(updates)

	for _, u := range updates {
		if u.Seq < next(u.InstanceID) {
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		data, err := atomicfile.ReadFlagged(u.Path)
		if err != nil {
			continue
		}

		op, err := crdtdoc.DecodeUpdate(data)
		if err != nil {
			continue
		}

		doc.ApplyOp(op)

		if u.Seq == next(u.InstanceID) {
			workingVC[u.InstanceID] = u.Seq
		}
	}

	return doc, workingVC, nil
}

// loadBestSnapshot picks the highest totalChanges, then
// lexicographically-smallest instanceId tie-break; drop and retry with
// next-best on any decode failure.
func (m *Manager) loadBestSnapshot(ctx context.Context) (*crdtdoc.Document, VectorClock, error) {
	dir, err := m.sd.SnapshotsDir(m.kind, m.docID)
	if err != nil {
		return nil, nil, mapFSErr(err)
	}

	snaps, err := listSnapshots(dir) // already sorted best-first
	if err != nil {
		return nil, nil, mapFSErr(err)
	}

	for _, s := range snaps {
		data, err := atomicfile.ReadFlagged(s.Path)
		if err != nil {
			continue
		}

		payload, err := decodeSnapshotPayload(data)
		if err != nil {
			continue
		}

		doc, err := crdtdoc.LoadState(payload.DocumentState)
		if err != nil {
			continue
		}

		return doc, VectorClock(payload.MaxSequences), nil
	}

	return crdtdoc.NewDocument(), VectorClock{}, nil
}

func cloneClock(vc VectorClock) VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}

	return out
}

func sortPacksAscending(packs []packEntry) {
	sort.Slice(packs, func(i, j int) bool {
		if packs[i].InstanceID != packs[j].InstanceID {
			return packs[i].InstanceID < packs[j].InstanceID
		}

		return packs[i].StartSeq < packs[j].StartSeq
	})
}

func sortUpdatesAscending(updates []updateEntry) {
	sort.Slice(updates, func(i, j int) bool {
		if updates[i].InstanceID != updates[j].InstanceID {
			return updates[i].InstanceID < updates[j].InstanceID
		}

		return updates[i].Seq < updates[j].Seq
	})
}

func nowMs() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

func mapFSErr(err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}

	return err
}

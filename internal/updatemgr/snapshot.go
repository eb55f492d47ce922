package updatemgr

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/notecove/notecove-core/internal/atomicfile"
	"github.com/notecove/notecove-core/internal/crdtdoc"
	"github.com/notecove/notecove-core/internal/filenames"
)

const snapshotFilePerm = 0o600

// editRateClass classifies recent edit velocity for adaptive snapshot
// thresholds.
type editRateClass int

const (
	rateVeryHigh editRateClass = iota
	rateHigh
	rateMedium
	rateLow
)

// classifyRate buckets edits-per-minute into the four adaptive classes.
// The boundaries pin down the otherwise loose "very high / high /
// medium / low" classes (see DESIGN.md).
func classifyRate(editsPerMinute float64) editRateClass {
	switch {
	case editsPerMinute >= 20:
		return rateVeryHigh
	case editsPerMinute >= 5:
		return rateHigh
	case editsPerMinute >= 1:
		return rateMedium
	default:
		return rateLow
	}
}

func (t SnapshotThresholds) forClass(c editRateClass) int {
	switch c {
	case rateVeryHigh:
		return t.VeryHigh
	case rateHigh:
		return t.High
	case rateMedium:
		return t.Medium
	default:
		return t.Low
	}
}

// MaybeCreateSnapshot recomposes the document, checks whether the
// adaptive threshold (or the idle-force rule) is crossed since the last
// snapshot, and if so writes a new snapshot.
//
// lastActivity is the timestamp of the most recent local or observed
// remote edit to this document, used for the idle-force check.
func (m *Manager) MaybeCreateSnapshot(ctx context.Context, lastActivity time.Time) (bool, error) {
	doc, vc, err := m.ReadComposedState(ctx)
	if err != nil {
		return false, err
	}

	prevTotal, prevTime, err := m.lastSnapshotInfo()
	if err != nil {
		return false, err
	}

	newTotal := sumClock(vc)
	delta := newTotal - prevTotal

	idleElapsed := time.Since(lastActivity)
	idleForced := idleElapsed >= m.cfg.SnapshotThresholds.IdleForceAfter &&
		delta >= uint64(m.cfg.SnapshotThresholds.IdleForceMinUpdates)

	var threshold uint64

	if !prevTime.IsZero() && delta > 0 {
		minutes := time.Since(prevTime).Minutes()
		if minutes < 1.0/60 {
			minutes = 1.0 / 60
		}

		rate := classifyRate(float64(delta) / minutes)
		threshold = uint64(m.cfg.SnapshotThresholds.forClass(rate))
	} else {
		threshold = uint64(m.cfg.SnapshotThresholds.Low)
	}

	if delta < threshold && !idleForced {
		return false, nil
	}

	if err := m.writeSnapshot(doc, vc, newTotal); err != nil {
		return false, err
	}

	return true, nil
}

// writeSnapshot writes snapshot_<totalChanges>_<self>.yjson with a
// flag-byte commit.
func (m *Manager) writeSnapshot(doc *crdtdoc.Document, vc VectorClock, total uint64) error {
	state, err := doc.EncodeState()
	if err != nil {
		return fmt.Errorf("updatemgr: encode snapshot state: %w", err)
	}

	payload, err := encodeSnapshotPayload(snapshotPayload{
		NoteID:        m.docID,
		Timestamp:     time.Now().UnixMilli(),
		TotalChanges:  total,
		DocumentState: state,
		MaxSequences:  vc,
	})
	if err != nil {
		return err
	}

	dir, err := m.sd.SnapshotsDir(m.kind, m.docID)
	if err != nil {
		return mapFSErr(err)
	}

	name := filenames.FormatSnapshot(filenames.Snapshot{TotalChanges: total, InstanceID: m.instanceID})
	path := filepath.Join(dir, name)

	if err := atomicfile.WriteFlagged(path, payload, snapshotFilePerm); err != nil {
		return mapFSErr(err)
	}

	return nil
}

// lastSnapshotInfo returns the best existing snapshot's totalChanges and
// timestamp, or (0, zero-time) if none exists or is loadable.
func (m *Manager) lastSnapshotInfo() (uint64, time.Time, error) {
	dir, err := m.sd.SnapshotsDir(m.kind, m.docID)
	if err != nil {
		return 0, time.Time{}, mapFSErr(err)
	}

	snaps, err := listSnapshots(dir)
	if err != nil {
		return 0, time.Time{}, mapFSErr(err)
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

		return payload.TotalChanges, time.UnixMilli(payload.Timestamp), nil
	}

	return 0, time.Time{}, nil
}

func sumClock(vc VectorClock) uint64 {
	var total uint64
	for _, v := range vc {
		total += v
	}

	return total
}

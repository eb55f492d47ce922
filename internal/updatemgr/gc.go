package updatemgr

import (
	"fmt"
	"os"
	"time"

	"github.com/notecove/notecove-core/internal/atomicfile"
)

// GCStats reports the outcome of one RunGC pass. Per-file errors are
// isolated here rather than aborting the pass.
type GCStats struct {
	SnapshotsDeleted int
	PacksDeleted     int
	UpdatesDeleted   int
	Errors           []error
}

// RunGC determines the oldest kept snapshot among the
// top GCSnapshotRetention by totalChanges, delete older snapshots, then
// delete packs/updates dominated by the kept clock and older than
// GCMinHistory.
func (m *Manager) RunGC() (GCStats, error) {
	var stats GCStats

	snapDir, err := m.sd.SnapshotsDir(m.kind, m.docID)
	if err != nil {
		return stats, mapFSErr(err)
	}

	snaps, err := listSnapshots(snapDir) // sorted best(highest totalChanges)-first
	if err != nil {
		return stats, mapFSErr(err)
	}

	if len(snaps) == 0 {
		return stats, nil // nothing to reclaim against
	}

	keepCount := m.cfg.GCSnapshotRetention
	if keepCount > len(snaps) {
		keepCount = len(snaps)
	}

	kept := snaps[:keepCount]
	toDelete := snaps[keepCount:]

	// kept is sorted highest-totalChanges-first; the oldest kept snapshot
	// is the last entry. Walk backward so a corrupt
	// oldest entry falls back to the next-oldest loadable one.
	var keepVC VectorClock

	for i := len(kept) - 1; i >= 0; i-- {
		data, err := atomicfile.ReadFlagged(kept[i].Path)
		if err != nil {
			continue
		}

		payload, err := decodeSnapshotPayload(data)
		if err != nil {
			continue
		}

		keepVC = VectorClock(payload.MaxSequences)

		break
	}

	if keepVC == nil {
		keepVC = VectorClock{}
	}

	for _, s := range toDelete {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			stats.Errors = append(stats.Errors, fmt.Errorf("gc: delete snapshot %s: %w", s.Path, err))
			continue
		}

		stats.SnapshotsDeleted++
	}

	cutoff := time.Now().Add(-m.cfg.GCMinHistory)

	if err := m.gcPacks(keepVC, cutoff, &stats); err != nil {
		stats.Errors = append(stats.Errors, err)
	}

	if err := m.gcUpdates(keepVC, cutoff, &stats); err != nil {
		stats.Errors = append(stats.Errors, err)
	}

	return stats, nil
}

func (m *Manager) gcPacks(keepVC VectorClock, cutoff time.Time, stats *GCStats) error {
	dir, err := m.sd.PacksDir(m.kind, m.docID)
	if err != nil {
		return mapFSErr(err)
	}

	packs, err := listPacks(dir)
	if err != nil {
		return mapFSErr(err)
	}

	for _, p := range packs {
		if top, ok := keepVC[p.InstanceID]; !ok || p.EndSeq > top {
			continue
		}

		newest, err := packNewestTimestamp(p)
		if err != nil || newest.After(cutoff) {
			continue
		}

		if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
			stats.Errors = append(stats.Errors, fmt.Errorf("gc: delete pack %s: %w", p.Path, err))
			continue
		}

		stats.PacksDeleted++
	}

	return nil
}

func packNewestTimestamp(p packEntry) (time.Time, error) {
	data, err := atomicfile.ReadFlagged(p.Path)
	if err != nil {
		return time.Time{}, err
	}

	entries, err := decodePackPayload(data)
	if err != nil || len(entries) == 0 {
		return time.Time{}, fmt.Errorf("gc: unreadable pack payload")
	}

	newest := entries[0].Timestamp
	for _, e := range entries {
		if e.Timestamp > newest {
			newest = e.Timestamp
		}
	}

	return time.UnixMilli(newest), nil
}

func (m *Manager) gcUpdates(keepVC VectorClock, cutoff time.Time, stats *GCStats) error {
	dir, err := m.sd.UpdatesDir(m.kind, m.docID)
	if err != nil {
		return mapFSErr(err)
	}

	updates, err := listUpdates(dir)
	if err != nil {
		return mapFSErr(err)
	}

	for _, u := range updates {
		if top, ok := keepVC[u.InstanceID]; !ok || u.Seq > top {
			continue
		}

		if time.UnixMilli(u.TimestampMs).After(cutoff) {
			continue
		}

		if err := os.Remove(u.Path); err != nil && !os.IsNotExist(err) {
			stats.Errors = append(stats.Errors, fmt.Errorf("gc: delete update %s: %w", u.Path, err))
			continue
		}

		stats.UpdatesDeleted++
	}

	return nil
}

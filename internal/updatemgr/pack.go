package updatemgr

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/notecove/notecove-core/internal/atomicfile"
	"github.com/notecove/notecove-core/internal/filenames"
)

const packFilePerm = 0o600

// MaybePackUpdates is the background packing pass: for this
// instance's own update files only, fold a contiguous prefix of length >=
// PackMinSize, whose newest entry is older than PackFreshnessAge and not
// among the most recent PackKeepRecent, into one pack file, then delete
// the folded update files.
func (m *Manager) MaybePackUpdates() error {
	updDir, err := m.sd.UpdatesDir(m.kind, m.docID)
	if err != nil {
		return mapFSErr(err)
	}

	updates, err := listUpdates(updDir)
	if err != nil {
		return mapFSErr(err)
	}

	var mine []updateEntry

	for _, u := range updates {
		if u.InstanceID == m.instanceID {
			mine = append(mine, u)
		}
	}

	sortUpdatesAscending(mine)

	if len(mine) <= m.cfg.PackKeepRecent {
		return nil // nothing beyond the always-kept recent tail
	}

	candidates := mine[:len(mine)-m.cfg.PackKeepRecent]

	cutoff := time.Now().Add(-m.cfg.PackFreshnessAge)

	packable := contiguousFreshPrefix(candidates, cutoff)

	// A gap is not fatal: the pack simply stops short of it, and the
	// missing seq stays unpacked forever rather than being falsely closed.
	if len(packable) > 0 && len(packable) < len(candidates) {
		if next := candidates[len(packable)]; next.Seq != packable[len(packable)-1].Seq+1 {
			gap := &SequenceGapError{Instance: m.instanceID, MissingSeq: packable[len(packable)-1].Seq + 1}
			m.logger.Debug("pack stops short of sequence gap",
				slog.String("doc", m.docID), slog.Any("err", gap))
		}
	}

	if len(packable) < m.cfg.PackMinSize {
		return nil
	}

	entries := make([]packEntryData, 0, len(packable))

	for _, u := range packable {
		data, err := atomicfile.ReadFlagged(u.Path)
		if err != nil {
			// Stop at the first unreadable file; pack only the safely
			// readable contiguous prefix collected so far.
			break
		}

		entries = append(entries, packEntryData{Seq: u.Seq, Timestamp: u.TimestampMs, Data: data})
	}

	if len(entries) < m.cfg.PackMinSize {
		return nil
	}

	payload, err := encodePackPayload(entries)
	if err != nil {
		return err
	}

	dir, err := m.sd.PacksDir(m.kind, m.docID)
	if err != nil {
		return mapFSErr(err)
	}

	name := filenames.FormatPack(filenames.Pack{
		InstanceID: m.instanceID,
		StartSeq:   entries[0].Seq,
		EndSeq:     entries[len(entries)-1].Seq,
	})

	path := filepath.Join(dir, name)

	if err := atomicfile.WriteFlagged(path, payload, packFilePerm); err != nil {
		return mapFSErr(err)
	}

	// Only after the pack reaches "ready" (flag-byte complete) on disk do
	// we delete the now-redundant update files.
	for i := 0; i < len(entries); i++ {
		_ = os.Remove(packable[i].Path)
	}

	return nil
}

// contiguousFreshPrefix returns the longest prefix of seqs (already sorted
// ascending) with no gaps, each entry older than cutoff.
func contiguousFreshPrefix(updates []updateEntry, cutoff time.Time) []updateEntry {
	var out []updateEntry

	for i, u := range updates {
		if i > 0 && u.Seq != updates[i-1].Seq+1 {
			break
		}

		if time.UnixMilli(u.TimestampMs).After(cutoff) {
			break
		}

		out = append(out, u)
	}

	return out
}

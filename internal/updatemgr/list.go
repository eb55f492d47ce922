package updatemgr

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/notecove/notecove-core/internal/filenames"
)

// updateEntry pairs a parsed update filename with its full path.
type updateEntry struct {
	filenames.Update
	Path string
}

// packEntry pairs a parsed pack filename with its full path.
type packEntry struct {
	filenames.Pack
	Path string
}

// snapshotEntry pairs a parsed snapshot filename with its full path.
type snapshotEntry struct {
	filenames.Snapshot
	Path string
}

// listUpdates lists updates/, silently skipping unparseable filenames
// (a directory may be touched by future file kinds; only well-formed
// names participate).
func listUpdates(dir string) ([]updateEntry, error) {
	names, err := readDirNames(dir)
	if err != nil {
		return nil, err
	}

	var out []updateEntry

	for _, name := range names {
		u, err := filenames.ParseUpdate(name)
		if err != nil {
			continue
		}

		out = append(out, updateEntry{Update: u, Path: filepath.Join(dir, name)})
	}

	return out, nil
}

func listPacks(dir string) ([]packEntry, error) {
	names, err := readDirNames(dir)
	if err != nil {
		return nil, err
	}

	var out []packEntry

	for _, name := range names {
		p, err := filenames.ParsePack(name)
		if err != nil {
			continue
		}

		out = append(out, packEntry{Pack: p, Path: filepath.Join(dir, name)})
	}

	return out, nil
}

func listSnapshots(dir string) ([]snapshotEntry, error) {
	names, err := readDirNames(dir)
	if err != nil {
		return nil, err
	}

	var out []snapshotEntry

	for _, name := range names {
		s, err := filenames.ParseSnapshot(name)
		if err != nil {
			continue
		}

		out = append(out, snapshotEntry{Snapshot: s, Path: filepath.Join(dir, name)})
	}

	// Highest totalChanges first, lexicographically-smallest instanceId as
	// deterministic tie-break.
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalChanges != out[j].TotalChanges {
			return out[i].TotalChanges > out[j].TotalChanges
		}

		return out[i].InstanceID < out[j].InstanceID
	})

	return out, nil
}

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		names = append(names, e.Name())
	}

	return names, nil
}

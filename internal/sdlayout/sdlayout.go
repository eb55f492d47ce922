// Package sdlayout implements the on-disk layout of a Storage Directory
// and the SD_ID lifecycle.
package sdlayout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	sdIDFile     = "SD_ID"
	notesDir     = "notes"
	foldersDir   = "folders"
	activityDir  = "activity"
	deletedDir   = "deleted"
	snapshotsDir = "snapshots"
	packsDir     = "packs"
	updatesDir   = "updates"
	movingPrefix = ".moving-"

	dirPerm  = 0o700
	filePerm = 0o600
)

// SD describes one Storage Directory rooted at Path, identified by the
// stable cross-instance SdUuid read from (or written to) SD_ID.
type SD struct {
	Path string
	UUID string
}

// Open resolves the SD rooted at path, creating its top-level directory
// structure if absent and resolving/creating SD_ID.
func Open(path string) (*SD, error) {
	for _, d := range []string{path, filepath.Join(path, notesDir), filepath.Join(path, foldersDir),
		filepath.Join(path, activityDir), filepath.Join(path, deletedDir)} {
		if err := os.MkdirAll(d, dirPerm); err != nil {
			return nil, fmt.Errorf("sdlayout: mkdir %s: %w", d, err)
		}
	}

	id, err := resolveSdID(path)
	if err != nil {
		return nil, err
	}

	return &SD{Path: path, UUID: id}, nil
}

// resolveSdID reads SD_ID if present; otherwise it writes
// a freshly generated UUID v4. If a concurrent instance raced and wrote a
// different value first, adopt whatever is now on disk (the loser concedes
// to the winner).
func resolveSdID(sdRoot string) (string, error) {
	idPath := filepath.Join(sdRoot, sdIDFile)

	if data, err := os.ReadFile(idPath); err == nil {
		return strings.TrimSpace(string(data)), nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("sdlayout: read %s: %w", idPath, err)
	}

	candidate := uuid.NewString()

	f, err := os.OpenFile(idPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if os.IsExist(err) {
			// Lost the race: someone else created it first.
			data, readErr := os.ReadFile(idPath)
			if readErr != nil {
				return "", fmt.Errorf("sdlayout: read raced %s: %w", idPath, readErr)
			}

			return strings.TrimSpace(string(data)), nil
		}

		return "", fmt.Errorf("sdlayout: create %s: %w", idPath, err)
	}

	defer f.Close()

	if _, err := f.WriteString(candidate); err != nil {
		return "", fmt.Errorf("sdlayout: write %s: %w", idPath, err)
	}

	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sdlayout: sync %s: %w", idPath, err)
	}

	// Read back to guard against an extremely unlikely concurrent
	// non-O_EXCL writer on a filesystem without atomic O_EXCL semantics
	// (e.g. some network filesystems); prefer what's actually on disk.
	data, err := os.ReadFile(idPath)
	if err != nil {
		return "", fmt.Errorf("sdlayout: read back %s: %w", idPath, err)
	}

	return strings.TrimSpace(string(data)), nil
}

// Reachable reports whether the SD rooted at path still exists, by
// statting its SD_ID file. A previously known SD failing this check maps
// to the StorageUnavailable condition.
func Reachable(path string) error {
	if _, err := os.Stat(filepath.Join(path, sdIDFile)); err != nil {
		return fmt.Errorf("sdlayout: %s: %w", path, err)
	}

	return nil
}

// DocumentKind distinguishes the per-note document tree from the
// single per-SD folder-tree document.
type DocumentKind int

const (
	KindNote DocumentKind = iota
	KindFolders
)

// DocRoot returns the root directory for a document: notes/<id>/ for a
// note, or folders/ for the one-per-SD folder tree (docID is ignored for
// KindFolders).
func (sd *SD) DocRoot(kind DocumentKind, docID string) string {
	if kind == KindFolders {
		return filepath.Join(sd.Path, foldersDir)
	}

	return filepath.Join(sd.Path, notesDir, docID)
}

// SnapshotsDir, PacksDir, and UpdatesDir return the three per-document
// subdirectories, creating them if needed.
func (sd *SD) SnapshotsDir(kind DocumentKind, docID string) (string, error) {
	return sd.ensureSub(kind, docID, snapshotsDir)
}

func (sd *SD) PacksDir(kind DocumentKind, docID string) (string, error) {
	return sd.ensureSub(kind, docID, packsDir)
}

func (sd *SD) UpdatesDir(kind DocumentKind, docID string) (string, error) {
	return sd.ensureSub(kind, docID, updatesDir)
}

func (sd *SD) ensureSub(kind DocumentKind, docID, sub string) (string, error) {
	dir := filepath.Join(sd.DocRoot(kind, docID), sub)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("sdlayout: mkdir %s: %w", dir, err)
	}

	return dir, nil
}

// ActivityLogPath returns the path to an instance's activity log.
func (sd *SD) ActivityLogPath(instanceID string) string {
	return filepath.Join(sd.Path, activityDir, instanceID+".log")
}

// DeletionLogPath returns the path to an instance's deletion log.
func (sd *SD) DeletionLogPath(instanceID string) string {
	return filepath.Join(sd.Path, deletedDir, instanceID+".log")
}

// ActivityDir and DeletedDir return the directories containing every
// instance's activity/deletion logs, for directory-watch and listing.
func (sd *SD) ActivityDir() string { return filepath.Join(sd.Path, activityDir) }
func (sd *SD) DeletedDir() string  { return filepath.Join(sd.Path, deletedDir) }

// NotesRootDir returns notes/ for wake-discovery directory walks.
func (sd *SD) NotesRootDir() string { return filepath.Join(sd.Path, notesDir) }

// MovingScratchDir returns the transient .moving-<noteId> scratch
// directory path for a cross-SD move landing on this SD, without
// creating it.
func (sd *SD) MovingScratchDir(noteID string) string {
	return filepath.Join(sd.Path, movingPrefix+noteID)
}

// IsIgnoredEntry reports whether a directory entry name under the SD root
// (or under notes/) should be ignored by every subsystem other than the
// move state machine: dot-prefixed scratch directories and the SD_ID file
// itself.
func IsIgnoredEntry(name string) bool {
	return strings.HasPrefix(name, ".") || name == sdIDFile
}

// Package activity implements the ActivityLogger/ActivitySync protocol and
// the two-tier PollingGroup: per-instance append-only logs
// announcing "I wrote update X for note Y", watched by every other
// instance to drive fast, filesystem-sync-tolerant remote-update
// discovery.
package activity

import (
	"bufio"
	"fmt"
	"os"

	"github.com/notecove/notecove-core/internal/atomicfile"
)

const (
	logFilePerm = 0o600

	// DefaultMaxEntries is the compaction threshold for one instance's
	// activity log (activityLogMaxEntries).
	DefaultMaxEntries = 1000
)

// Logger appends entries to one instance's own activity log. Line
// grammar: <noteId>|<originatingInstanceId>_<seq>.
type Logger struct {
	path string
}

// NewLogger returns a Logger that appends to the activity log at path.
func NewLogger(path string) *Logger {
	return &Logger{path: path}
}

// Append records that instanceID wrote seq for noteID. Called by
// UpdateManager.WriteUpdate as part of the same logical operation as the
// update file write: if this fails, the update write is still
// valid and a retry of the append may happen later, but at-least-once
// delivery of the notification (via this log or a later wake-discovery
// pass) must still hold.
func (l *Logger) Append(noteID, instanceID string, seq uint64) error {
	line := fmt.Sprintf("%s|%s_%d", noteID, instanceID, seq)

	if err := atomicfile.AppendLine(l.path, line, logFilePerm); err != nil {
		return fmt.Errorf("activity: append: %w", err)
	}

	return nil
}

// CompactIfNeeded rewrites the log in place, keeping only the newest
// maxEntries/2 lines, once the entry count exceeds maxEntries (≤0 uses
// DefaultMaxEntries). Only the owning instance compacts its own log.
// Remote readers observe the shrink as a watermark gap and read the
// rewritten log again from its start, so the kept entries still reach
// them (some a second time).
//
// The rewrite is truncate-and-append on the same inode rather than a
// rename swap: cloud-sync daemons treat renames as delete+create, and the
// log's readers already tolerate any torn intermediate they might observe
// (worst case a one-time missed notification, repaired by the next
// wake-discovery pass).
func (l *Logger) CompactIfNeeded(maxEntries int) (compacted bool, err error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("activity: compact open: %w", err)
	}

	var lines []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	scanErr := scanner.Err()
	f.Close()

	if scanErr != nil {
		return false, fmt.Errorf("activity: compact read: %w", scanErr)
	}

	if len(lines) <= maxEntries {
		return false, nil
	}

	keep := lines[len(lines)-maxEntries/2:]

	out, err := os.OpenFile(l.path, os.O_WRONLY|os.O_TRUNC, logFilePerm)
	if err != nil {
		return false, fmt.Errorf("activity: compact rewrite: %w", err)
	}
	defer out.Close()

	for _, line := range keep {
		if _, err := out.WriteString(line + "\n"); err != nil {
			return false, fmt.Errorf("activity: compact write: %w", err)
		}
	}

	if err := out.Sync(); err != nil {
		return false, fmt.Errorf("activity: compact sync: %w", err)
	}

	return true, nil
}

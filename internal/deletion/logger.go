// Package deletion implements the DeletionLogger/DeletionSync protocol and
// wake-from-sleep discovery: per-instance append-only logs
// announcing hard-deletes, watched by every other instance, plus the
// post-resume directory scan that reconciles the local cache against the
// SD's notes/ tree.
package deletion

import (
	"fmt"
	"sync"
	"time"

	"github.com/notecove/notecove-core/internal/atomicfile"
)

const logFilePerm = 0o600

// Logger appends entries to one instance's own deletion log. Line
// grammar: <noteId>|<timestampMs>, with the timestamp monotonic per
// instance.
type Logger struct {
	path string

	mu     sync.Mutex
	lastMs int64
}

// NewLogger returns a Logger that appends to the deletion log at path.
func NewLogger(path string) *Logger {
	return &Logger{path: path}
}

// Append records the hard-delete of noteID. The recorded timestamp is
// wall-clock milliseconds, bumped forward if the clock stalls or steps
// backwards so successive entries from this instance never share or
// regress a timestamp.
func (l *Logger) Append(noteID string) error {
	l.mu.Lock()

	ts := time.Now().UnixMilli()
	if ts <= l.lastMs {
		ts = l.lastMs + 1
	}

	l.lastMs = ts
	l.mu.Unlock()

	line := fmt.Sprintf("%s|%d", noteID, ts)

	if err := atomicfile.AppendLine(l.path, line, logFilePerm); err != nil {
		return fmt.Errorf("deletion: append: %w", err)
	}

	return nil
}

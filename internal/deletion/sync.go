package deletion

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	logSuffix           = ".log"
	defaultFallbackPoll = 5 * time.Second
)

// FsWatcher abstracts filesystem event monitoring so tests can inject a
// fake. Satisfied by *fsnotify.Watcher via fsnotifyWrapper.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct{ w *fsnotify.Watcher }

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWrapper{w: w}, nil
}

// EntryHandler is invoked for every new deletion-log line observed from an
// instance other than selfInstance. Implementations must be idempotent: a
// noteID that is already gone locally is ignored, not an error.
type EntryHandler func(noteID string, timestampMs int64, otherInstance string)

// Sync watches an SD's deleted/ directory and delivers newly appended
// hard-delete entries from every other instance's log. Same
// fsnotify-plus-periodic-sweep shape as activity.Sync.
type Sync struct {
	dir            string
	selfInstance   string
	onEntry        EntryHandler
	logger         *slog.Logger
	watcherFactory func() (FsWatcher, error)
	fallbackPoll   time.Duration

	mu      sync.Mutex
	offsets map[string]int64 // otherInstance -> bytes already consumed
}

// NewSync creates a Sync over dir (an SD's deleted/ directory).
// selfInstance's own log is never read back.
func NewSync(dir, selfInstance string, onEntry EntryHandler, logger *slog.Logger) *Sync {
	if logger == nil {
		logger = slog.Default()
	}

	return &Sync{
		dir:            dir,
		selfInstance:   selfInstance,
		onEntry:        onEntry,
		logger:         logger,
		watcherFactory: newFsnotifyWatcher,
		fallbackPoll:   defaultFallbackPoll,
		offsets:        make(map[string]int64),
	}
}

// Run blocks until ctx is canceled, scanning on every fsnotify event and
// on a periodic fallback tick.
func (s *Sync) Run(ctx context.Context) error {
	s.ScanAll()

	watcher, err := s.watcherFactory()
	if err != nil {
		s.logger.Warn("deletion: falling back to poll-only mode, fsnotify unavailable", slog.Any("err", err))
		return s.pollOnlyLoop(ctx)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		s.logger.Warn("deletion: failed to watch directory, falling back to poll-only mode",
			slog.String("dir", s.dir), slog.Any("err", err))
		return s.pollOnlyLoop(ctx)
	}

	ticker := time.NewTicker(s.fallbackPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			s.ScanAll()
		case err, ok := <-watcher.Errors():
			if ok {
				s.logger.Warn("deletion: watcher error", slog.Any("err", err))
			}
		case <-ticker.C:
			s.ScanAll()
		}
	}
}

func (s *Sync) pollOnlyLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.fallbackPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ScanAll()
		}
	}
}

// ScanAll reads new lines from every other instance's deletion log. Also
// called directly by wake discovery so a resumed instance consumes pending
// deletions before reconciling the notes/ tree.
func (s *Sync) ScanAll() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("deletion: read dir failed", slog.String("dir", s.dir), slog.Any("err", err))
		}

		return
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), logSuffix) {
			continue
		}

		inst := strings.TrimSuffix(e.Name(), logSuffix)
		if inst == s.selfInstance {
			continue
		}

		s.scanOne(inst, filepath.Join(s.dir, e.Name()))
	}
}

func (s *Sync) scanOne(inst, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	s.mu.Lock()
	offset := s.offsets[inst]
	s.mu.Unlock()

	if info.Size() < offset {
		s.logger.Warn("deletion: log shrank since last read",
			slog.String("instance", inst), slog.Int64("storedOffset", offset), slog.Int64("size", info.Size()))

		offset = info.Size()
	}

	if info.Size() == offset {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}

	consumed := offset
	reader := bufio.NewReader(f)

	for {
		line, readErr := reader.ReadString('\n')

		// A partial trailing line is left for the next scan.
		if !strings.HasSuffix(line, "\n") {
			break
		}

		consumed += int64(len(line))

		if noteID, ts, ok := parseEntryLine(strings.TrimSuffix(line, "\n")); ok {
			if s.onEntry != nil {
				s.onEntry(noteID, ts, inst)
			}
		} else {
			s.logger.Warn("deletion: malformed log line", slog.String("instance", inst), slog.String("line", line))
		}

		if readErr != nil {
			break
		}
	}

	s.mu.Lock()
	s.offsets[inst] = consumed
	s.mu.Unlock()
}

// parseEntryLine parses "<noteId>|<timestampMs>".
func parseEntryLine(line string) (noteID string, ts int64, ok bool) {
	pipe := strings.IndexByte(line, '|')
	if pipe < 0 {
		return "", 0, false
	}

	noteID = line[:pipe]
	if noteID == "" {
		return "", 0, false
	}

	ts, err := strconv.ParseInt(line[pipe+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}

	return noteID, ts, true
}

// ListDeletedNoteIDs reads every visible deletion log in dir (including
// selfInstance's own, unlike the watch path) and returns the union of
// note ids recorded as hard-deleted. Used by wake discovery to avoid
// resurrecting a note whose directory lingers after a remote delete.
func ListDeletedNoteIDs(dir string) (map[string]bool, error) {
	out := make(map[string]bool)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}

		return nil, err
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), logSuffix) {
			continue
		}

		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if noteID, _, ok := parseEntryLine(scanner.Text()); ok {
				out[noteID] = true
			}
		}

		f.Close()
	}

	return out, nil
}

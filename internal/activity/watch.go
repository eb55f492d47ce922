package activity

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

// EntryHandler is invoked for every new activity-log line observed in a
// log owned by an instance other than selfInstance. originInstance is the
// instance named in the line itself, which can differ from the log's
// owner: a cross-SD move announces copied updates under their original
// writer's (instanceId, seq) so peers dedupe against sequences they have
// already absorbed.
type EntryHandler func(noteID, originInstance string, seq uint64)

// Sync watches an SD's activity/ directory and delivers newly appended
// entries from every other instance's log to an EntryHandler.
// It prefers fsnotify and falls back to a periodic stat-and-read sweep
// (fsnotify watch + periodic safety scan).
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

// NewSync creates a Sync over dir (an SD's activity/ directory).
// selfInstance's own log is never read back. onEntry is called
// synchronously from the watch goroutine for each new entry; callers that
// need to do blocking work should dispatch it themselves.
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

// Run blocks until ctx is canceled, scanning for new activity-log entries
// on every fsnotify event and, regardless of watch availability, on a
// periodic fallback tick (protects against missed/coalesced fs events).
func (s *Sync) Run(ctx context.Context) error {
	s.scanAll()

	watcher, err := s.watcherFactory()
	if err != nil {
		s.logger.Warn("activity: falling back to poll-only mode, fsnotify unavailable", slog.Any("err", err))
		return s.pollOnlyLoop(ctx)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		s.logger.Warn("activity: failed to watch directory, falling back to poll-only mode",
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

			s.scanAll()
		case err, ok := <-watcher.Errors():
			if ok {
				s.logger.Warn("activity: watcher error", slog.Any("err", err))
			}
		case <-ticker.C:
			s.scanAll()
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
			s.scanAll()
		}
	}
}

// scanAll reads new lines from every other instance's activity log.
func (s *Sync) scanAll() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("activity: read dir failed", slog.String("dir", s.dir), slog.Any("err", err))
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

// scanOne tails one instance's log from the last consumed byte offset.
// A shrunk file (vs. the stored offset) means compaction or truncation
// occurred; the rewritten log is then read again from the start, so the
// entries it kept are delivered, including any already delivered before
// the shrink.
func (s *Sync) scanOne(inst, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	s.mu.Lock()
	offset := s.offsets[inst]
	s.mu.Unlock()

	if info.Size() < offset {
		s.logger.Warn("activity: watermark gap, log shrank since last read",
			slog.String("instance", inst), slog.Int64("storedOffset", offset), slog.Int64("size", info.Size()))

		offset = 0
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

		// A partial trailing line (the writer's append was observed
		// mid-write) is left for the next scan rather than consumed.
		if !strings.HasSuffix(line, "\n") {
			break
		}

		consumed += int64(len(line))

		if noteID, origin, seq, ok := parseEntryLine(strings.TrimSuffix(line, "\n")); ok {
			if s.onEntry != nil {
				s.onEntry(noteID, origin, seq)
			}
		} else {
			s.logger.Warn("activity: malformed log line", slog.String("instance", inst), slog.String("line", line))
		}

		if readErr != nil {
			break
		}
	}

	s.mu.Lock()
	s.offsets[inst] = consumed
	s.mu.Unlock()
}

// parseEntryLine parses "<noteId>|<instanceId>_<seq>". LastIndex on "_" is
// used rather than SplitN so instance ids that themselves contain
// underscores parse correctly, matching internal/filenames' approach.
func parseEntryLine(line string) (noteID, originInstance string, seq uint64, ok bool) {
	pipe := strings.IndexByte(line, '|')
	if pipe < 0 {
		return "", "", 0, false
	}

	noteID = line[:pipe]
	rest := line[pipe+1:]

	underscore := strings.LastIndex(rest, "_")
	if underscore < 0 {
		return "", "", 0, false
	}

	seq, err := strconv.ParseUint(rest[underscore+1:], 10, 64)
	if err != nil {
		return "", "", 0, false
	}

	originInstance = rest[:underscore]
	if noteID == "" || originInstance == "" {
		return "", "", 0, false
	}

	return noteID, originInstance, seq, true
}

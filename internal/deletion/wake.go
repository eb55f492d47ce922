package deletion

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/notecove/notecove-core/internal/sdlayout"
)

// DefaultWakeDelay is how long a resumed instance waits before scanning,
// giving the cloud-sync daemon a chance to land files written while this
// machine slept (wakeDiscoveryDelayMs).
const DefaultWakeDelay = 5 * time.Second

// DiscoverFunc is called for each noteID present on disk but absent from
// the local cache (and not recorded in any visible deletion log); the
// implementation composes the document and inserts a cache row.
type DiscoverFunc func(ctx context.Context, noteID string) error

// VanishFunc is called for each noteID present in the local cache whose
// directory has disappeared and whose hard-delete is recorded in a
// deletion log; the implementation removes the note locally.
type VanishFunc func(ctx context.Context, noteID string) error

// WakeDiscovery reconciles one SD against the local cache after a
// system-resume.
type WakeDiscovery struct {
	sd          *sdlayout.SD
	delay       time.Duration
	cachedNotes func(ctx context.Context) (map[string]bool, error)
	onDiscover  DiscoverFunc
	onVanish    VanishFunc
	logger      *slog.Logger
}

// NewWakeDiscovery wires a WakeDiscovery for sd. cachedNotes returns the
// set of note ids the local cache currently holds for this SD.
func NewWakeDiscovery(sd *sdlayout.SD, delay time.Duration,
	cachedNotes func(ctx context.Context) (map[string]bool, error),
	onDiscover DiscoverFunc, onVanish VanishFunc, logger *slog.Logger,
) *WakeDiscovery {
	if logger == nil {
		logger = slog.Default()
	}

	if delay < 0 {
		delay = DefaultWakeDelay
	}

	return &WakeDiscovery{
		sd:          sd,
		delay:       delay,
		cachedNotes: cachedNotes,
		onDiscover:  onDiscover,
		onVanish:    onVanish,
		logger:      logger,
	}
}

// Run sleeps for the configured sync-settle delay, then performs one
// reconciliation pass. Canceling ctx aborts the sleep and the pass.
func (w *WakeDiscovery) Run(ctx context.Context) error {
	if w.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.delay):
		}
	}

	return w.Scan(ctx)
}

// Scan walks notes/ once, discovering notes the cache is missing and
// hard-deleting cached notes whose trees vanished with a recorded
// deletion. Per-note errors are logged and skipped so one bad note never
// blocks the rest of the pass.
func (w *WakeDiscovery) Scan(ctx context.Context) error {
	cached, err := w.cachedNotes(ctx)
	if err != nil {
		return err
	}

	deleted, err := ListDeletedNoteIDs(w.sd.DeletedDir())
	if err != nil {
		return err
	}

	onDisk := make(map[string]bool)

	entries, err := os.ReadDir(w.sd.NotesRootDir())
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	for _, e := range entries {
		if !e.IsDir() || sdlayout.IsIgnoredEntry(e.Name()) {
			continue
		}

		noteID := e.Name()
		onDisk[noteID] = true

		if cached[noteID] || deleted[noteID] {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if err := w.onDiscover(ctx, noteID); err != nil {
			w.logger.Warn("wake discovery: compose failed", slog.String("noteId", noteID), slog.Any("err", err))
			continue
		}

		w.logger.Info("wake discovery: found note missed while asleep", slog.String("noteId", noteID))
	}

	for noteID := range cached {
		if onDisk[noteID] || !deleted[noteID] {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if err := w.onVanish(ctx, noteID); err != nil {
			w.logger.Warn("wake discovery: local hard-delete failed", slog.String("noteId", noteID), slog.Any("err", err))
		}
	}

	return nil
}

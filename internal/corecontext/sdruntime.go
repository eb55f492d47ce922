package corecontext

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/notecove/notecove-core/internal/activity"
	"github.com/notecove/notecove-core/internal/deletion"
	"github.com/notecove/notecove-core/internal/filenames"
	"github.com/notecove/notecove-core/internal/sdlayout"
	"github.com/notecove/notecove-core/internal/updatemgr"
)

// folderDocID keys the one-per-SD folder-tree document in the manager map
// and names it in activity-log lines. Note ids are UUIDs, so the literal
// can never collide with a real note.
const folderDocID = "folders"

// sdRuntime is everything that runs per mounted storage dir: lazily
// constructed update managers per document, the activity/deletion
// watchers, the two-tier polling machinery, and the pack/GC loops.
type sdRuntime struct {
	core *Core
	sd   *sdlayout.SD

	mgrMu sync.Mutex
	mgrs  map[string]*updatemgr.Manager

	editMu    sync.Mutex
	lastEdits map[string]time.Time // per-document last local write

	fast    *activity.FastPath
	poll    *activity.PollingGroup
	actSync *activity.Sync
	delSync *deletion.Sync
	actLog  *activity.Logger
}

func (c *Core) newSDRuntime(sd *sdlayout.SD) *sdRuntime {
	rt := &sdRuntime{
		core:      c,
		sd:        sd,
		mgrs:      make(map[string]*updatemgr.Manager),
		lastEdits: make(map[string]time.Time),
		actLog:    activity.NewLogger(sd.ActivityLogPath(c.self)),
	}

	cfg := c.cfg.Config()

	pollCfg := activity.DefaultConfig()
	pollCfg.TotalPollsPerMinute = cfg.Polling.RatePerMin
	pollCfg.FullRepollInterval = cfg.Polling.FullRepollDuration()

	rt.poll = activity.NewPollingGroup(c.runCtx, pollCfg, rt.visible, rt.reload, rt.knownNoteIDs, c.logger)
	rt.fast = activity.NewFastPath(rt.visible, rt.reload, rt.poll.Enqueue,
		time.Duration(cfg.Polling.FastPathMaxMs)*time.Millisecond, c.logger)

	rt.actSync = activity.NewSync(sd.ActivityDir(), c.self, rt.onActivityEntry, c.logger)
	rt.delSync = deletion.NewSync(sd.DeletedDir(), c.self, rt.onDeletionEntry, c.logger)

	return rt
}

// start launches the watchers and periodic jobs under ctx.
func (rt *sdRuntime) start(ctx context.Context) {
	c := rt.core

	c.wg.Add(3)

	go func() {
		defer c.wg.Done()
		rt.actSync.Run(ctx) //nolint:errcheck
	}()

	go func() {
		defer c.wg.Done()
		rt.delSync.Run(ctx) //nolint:errcheck
	}()

	go func() {
		defer c.wg.Done()
		rt.maintenanceLoop(ctx)
	}()

	rt.poll.StartFullRepollLoop(ctx)

	// Startup doubles as a wake: catch up on anything written while this
	// instance was not running.
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		delay := time.Duration(c.cfg.Config().Wake.DiscoveryDelayMs) * time.Millisecond
		if err := rt.wakeDiscovery(delay).Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("core: wake discovery failed", slog.String("sd", rt.sd.UUID), slog.Any("err", err))
		}

		// The folder tree may also have changed while asleep.
		if err := c.hydrateFolders(ctx, rt); err != nil && ctx.Err() == nil {
			c.logger.Warn("core: folder hydration failed", slog.String("sd", rt.sd.UUID), slog.Any("err", err))
		}
	}()
}

// OnSystemResume re-runs discovery after the configured settle delay,
// called by the platform layer's resume hook.
func (c *Core) OnSystemResume() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, rt := range c.sds {
		rt := rt

		c.wg.Add(1)

		go func() {
			defer c.wg.Done()

			delay := time.Duration(c.cfg.Config().Wake.DiscoveryDelayMs) * time.Millisecond
			if err := rt.wakeDiscovery(delay).Run(c.runCtx); err != nil && c.runCtx.Err() == nil {
				c.logger.Warn("core: wake discovery failed", slog.String("sd", rt.sd.UUID), slog.Any("err", err))
			}
		}()
	}
}

func (rt *sdRuntime) wakeDiscovery(delay time.Duration) *deletion.WakeDiscovery {
	c := rt.core

	return deletion.NewWakeDiscovery(rt.sd, delay,
		func(ctx context.Context) (map[string]bool, error) {
			notes, err := c.store.ListNotesByStorageDir(ctx, rt.sd.UUID)
			if err != nil {
				return nil, err
			}

			out := make(map[string]bool, len(notes))
			for _, n := range notes {
				out[n.ID] = true
			}

			return out, nil
		},
		func(ctx context.Context, noteID string) error {
			return c.hydrateNote(ctx, rt, noteID)
		},
		func(ctx context.Context, noteID string) error {
			return c.hardDeleteLocal(ctx, rt, noteID)
		},
		c.logger)
}

// manager returns the UpdateManager for one document, constructing it on
// first use. docID is folderDocID for the folder-tree document.
func (rt *sdRuntime) manager(docID string) *updatemgr.Manager {
	rt.mgrMu.Lock()
	defer rt.mgrMu.Unlock()

	if m, ok := rt.mgrs[docID]; ok {
		return m
	}

	kind := docKind(docID)

	m := updatemgr.New(rt.sd, kind, docID, rt.core.self, rt.core.updateConfig(), rt.core.logger)
	rt.mgrs[docID] = m

	return m
}

func (rt *sdRuntime) markEdited(docID string) {
	rt.editMu.Lock()
	rt.lastEdits[docID] = time.Now()
	rt.editMu.Unlock()
}

func (rt *sdRuntime) lastEdited(docID string) time.Time {
	rt.editMu.Lock()
	defer rt.editMu.Unlock()

	return rt.lastEdits[docID]
}

// onActivityEntry handles one new line from a peer's activity log: the
// Tier-1 fast path races the file's visibility against cloud-sync delay,
// handing off to the polling group after its 60s budget.
func (rt *sdRuntime) onActivityEntry(noteID, otherInstance string, seq uint64) {
	c := rt.core

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		rt.fast.PollAndReload(c.runCtx, noteID, otherInstance, seq)
	}()
}

// onDeletionEntry applies a peer's hard-delete locally. Idempotent: an
// unknown note is ignored.
func (rt *sdRuntime) onDeletionEntry(noteID string, _ int64, otherInstance string) {
	c := rt.core

	if err := c.hardDeleteLocal(c.runCtx, rt, noteID); err != nil {
		c.logger.Warn("core: applying remote hard-delete failed",
			slog.String("noteId", noteID), slog.String("from", otherInstance), slog.Any("err", err))
	}
}

// docKind maps a document id to its on-disk tree.
func docKind(docID string) sdlayout.DocumentKind {
	if docID == folderDocID {
		return sdlayout.KindFolders
	}

	return sdlayout.KindNote
}

// visible reports whether an update or pack file from instanceID covering
// seq can be seen in this SD yet (the fast path / polling visibility
// check).
func (rt *sdRuntime) visible(_ context.Context, noteID, instanceID string, seq uint64) (bool, error) {
	updDir, err := rt.sd.UpdatesDir(docKind(noteID), noteID)
	if err != nil {
		return false, err
	}

	entries, err := os.ReadDir(updDir)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	for _, e := range entries {
		u, err := filenames.ParseUpdate(e.Name())
		if err != nil {
			continue
		}

		if u.InstanceID == instanceID && u.Seq >= seq {
			return true, nil
		}
	}

	packDir, err := rt.sd.PacksDir(docKind(noteID), noteID)
	if err != nil {
		return false, err
	}

	packs, err := os.ReadDir(packDir)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	for _, e := range packs {
		p, err := filenames.ParsePack(e.Name())
		if err != nil {
			continue
		}

		if p.InstanceID == instanceID && p.EndSeq >= seq {
			return true, nil
		}
	}

	return false, nil
}

// reload recomposes a document and refreshes its cache rows, notifying
// subscribers and open handles.
func (rt *sdRuntime) reload(ctx context.Context, noteID string) {
	var err error

	if noteID == folderDocID {
		err = rt.core.hydrateFolders(ctx, rt)
	} else {
		err = rt.core.hydrateNote(ctx, rt, noteID)
	}

	if err != nil && ctx.Err() == nil {
		rt.core.logger.Warn("core: reload failed", slog.String("doc", noteID), slog.Any("err", err))
	}
}

// knownNoteIDs feeds the polling group's full-repoll safety net.
func (rt *sdRuntime) knownNoteIDs() []string {
	notes, err := rt.core.store.ListNotesByStorageDir(context.Background(), rt.sd.UUID)
	if err != nil {
		return nil
	}

	ids := make([]string, 0, len(notes))
	for _, n := range notes {
		ids = append(ids, n.ID)
	}

	return ids
}

// maintenanceLoop drives packing, snapshots, GC, and activity-log
// compaction for this SD on their configured cadences.
func (rt *sdRuntime) maintenanceLoop(ctx context.Context) {
	c := rt.core
	cfg := c.cfg.Config()

	packTicker := time.NewTicker(cfg.Packing.IntervalDuration())
	defer packTicker.Stop()

	gcTicker := time.NewTicker(cfg.GC.IntervalDuration())
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-packTicker.C:
			rt.packPass(ctx)
		case <-gcTicker.C:
			rt.gcPass(ctx)
		}
	}
}

// packPass packs and maybe snapshots every document in this SD, then
// compacts this instance's activity log if it outgrew its bound.
// Skipped entirely while the SD root is unreachable: background jobs
// pause rather than recreate a vanished tree.
func (rt *sdRuntime) packPass(ctx context.Context) {
	c := rt.core

	if err := c.checkSDReachable(rt); err != nil {
		return
	}

	for _, docID := range rt.allDocIDs() {
		if ctx.Err() != nil {
			return
		}

		m := rt.manager(docID)

		if err := m.MaybePackUpdates(); err != nil {
			c.logger.Warn("core: pack pass failed", slog.String("doc", docID), slog.Any("err", err))
		}

		if _, err := m.MaybeCreateSnapshot(ctx, rt.lastEdited(docID)); err != nil {
			c.logger.Warn("core: snapshot pass failed", slog.String("doc", docID), slog.Any("err", err))
		}
	}

	if _, err := rt.actLog.CompactIfNeeded(c.cfg.Config().Activity.LogMaxEntries); err != nil {
		c.logger.Warn("core: activity compaction failed", slog.Any("err", err))
	}
}

// gcPass runs the safety-net garbage collector across every document.
func (rt *sdRuntime) gcPass(ctx context.Context) {
	c := rt.core

	if err := c.checkSDReachable(rt); err != nil {
		return
	}

	for _, docID := range rt.allDocIDs() {
		if ctx.Err() != nil {
			return
		}

		stats, err := rt.manager(docID).RunGC()
		if err != nil {
			c.logger.Warn("core: gc failed", slog.String("doc", docID), slog.Any("err", err))
			continue
		}

		for _, e := range stats.Errors {
			c.logger.Warn("core: gc item error", slog.String("doc", docID), slog.Any("err", e))
		}
	}
}

// RunPackNow runs one pack-and-snapshot pass over every mounted SD,
// outside the normal cadence (CLI maintenance).
func (c *Core) RunPackNow(ctx context.Context) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, rt := range c.sds {
		rt.packPass(ctx)
	}
}

// RunGCNow runs one garbage-collection pass over every mounted SD.
func (c *Core) RunGCNow(ctx context.Context) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, rt := range c.sds {
		rt.gcPass(ctx)
	}
}

// allDocIDs lists every note directory on disk plus the folder-tree
// document, so packing and GC also cover notes the cache hasn't hydrated.
func (rt *sdRuntime) allDocIDs() []string {
	ids := []string{folderDocID}

	entries, err := os.ReadDir(rt.sd.NotesRootDir())
	if err != nil {
		return ids
	}

	for _, e := range entries {
		if e.IsDir() && !sdlayout.IsIgnoredEntry(e.Name()) {
			ids = append(ids, e.Name())
		}
	}

	return ids
}

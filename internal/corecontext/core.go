package corecontext

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/notecove/notecove-core/internal/cache"
	"github.com/notecove/notecove-core/internal/config"
	"github.com/notecove/notecove-core/internal/move"
	"github.com/notecove/notecove-core/internal/sdlayout"
	"github.com/notecove/notecove-core/internal/updatemgr"
)

// Core is the process's storage-core runtime: instance identity,
// configuration, the cache store, and one runtime per mounted storage
// dir. Profile switching tears down a Core and constructs a new one; no
// state here is global or mutated in place across sessions.
type Core struct {
	cfg    *config.Holder
	self   string
	store  *cache.Store
	logger *slog.Logger

	docKeys *keyedMutex
	moves   *move.StateMachine
	events  *notifier

	mu  sync.RWMutex
	sds map[string]*sdRuntime // by SD UUID

	handleMu sync.Mutex
	handles  map[string][]*DocumentHandle // by noteID

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Core. Call Start to mount storage dirs and launch
// background jobs; the zero lifecycle (New without Start) still supports
// direct operations for tests.
func New(cfg *config.Holder, selfInstance string, store *cache.Store, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())

	return &Core{
		cfg:     cfg,
		self:    selfInstance,
		store:   store,
		logger:  logger,
		docKeys: newKeyedMutex(),
		moves:   move.New(store, selfInstance, logger),
		events:  newNotifier(),
		sds:     make(map[string]*sdRuntime),
		handles: make(map[string][]*DocumentHandle),
		runCtx:  runCtx,
		cancel:  cancel,
	}
}

// InstanceID returns this process's stable writer identity.
func (c *Core) InstanceID() string { return c.self }

// Store exposes the cache for read-side consumers (CLI status output).
func (c *Core) Store() *cache.Store { return c.store }

// Moves exposes the cross-SD move state machine.
func (c *Core) Moves() *move.StateMachine { return c.moves }

// Start mounts every storage dir known to the cache plus any configured
// paths not yet registered, cleans orphaned cache rows, resumes in-flight
// moves, and launches the per-SD watchers and background jobs.
func (c *Core) Start(ctx context.Context) error {
	if err := c.store.CleanupOrphanedData(ctx); err != nil {
		return fmt.Errorf("core: orphan cleanup: %w", err)
	}

	known, err := c.store.ListStorageDirs(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)

	for _, d := range known {
		if err := sdlayout.Reachable(d.Path); err != nil {
			c.logger.Warn("core: storage dir unreachable at startup, skipping",
				slog.String("path", d.Path), slog.Any("err", err))
			continue
		}

		if _, err := c.mountSD(ctx, d.Path); err != nil {
			c.logger.Warn("core: mount failed", slog.String("path", d.Path), slog.Any("err", err))
			continue
		}

		seen[d.Path] = true
	}

	for _, path := range c.cfg.Config().StorageDirs {
		if seen[path] {
			continue
		}

		if _, err := c.AddStorageDir(ctx, path); err != nil {
			c.logger.Warn("core: configured storage dir failed", slog.String("path", path), slog.Any("err", err))
		}
	}

	c.moves.RecoverAll(ctx)
	c.startMaintenanceLoop()

	return nil
}

// Stop cancels every background job and waits for them to drain their
// current step.
func (c *Core) Stop() {
	c.cancel()

	c.mu.RLock()
	for _, rt := range c.sds {
		rt.poll.Wait() //nolint:errcheck
	}
	c.mu.RUnlock()

	c.wg.Wait()
}

// AddStorageDir opens (creating structure as needed) the SD rooted at
// path, registers it in the cache, and mounts its runtime.
func (c *Core) AddStorageDir(ctx context.Context, path string) (*sdlayout.SD, error) {
	rt, err := c.mountSD(ctx, path)
	if err != nil {
		return nil, err
	}

	return rt.sd, nil
}

func (c *Core) mountSD(ctx context.Context, path string) (*sdRuntime, error) {
	sd, err := sdlayout.Open(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.sds[sd.UUID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	now := time.Now().UnixMilli()

	err = c.store.UpsertStorageDir(ctx, cache.StorageDir{
		UUID: sd.UUID, Path: sd.Path, AddedAt: now, LastSeenAt: now,
	})
	if err != nil {
		return nil, err
	}

	rt := c.newSDRuntime(sd)

	c.mu.Lock()
	c.sds[sd.UUID] = rt
	c.mu.Unlock()

	rt.start(c.runCtx)

	return rt, nil
}

// sdFor returns the mounted runtime for an SD UUID.
func (c *Core) sdFor(sdUUID string) (*sdRuntime, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rt, ok := c.sds[sdUUID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStorageDir, sdUUID)
	}

	return rt, nil
}

// ListStorageDirs returns the mounted SDs.
func (c *Core) ListStorageDirs() []*sdlayout.SD {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*sdlayout.SD, 0, len(c.sds))
	for _, rt := range c.sds {
		out = append(out, rt.sd)
	}

	return out
}

// updateConfig derives the UpdateManager config from the current
// CoreConfig snapshot.
func (c *Core) updateConfig() updatemgr.Config {
	cfg := c.cfg.Config()

	return updatemgr.Config{
		SnapshotThresholds: updatemgr.SnapshotThresholds{
			VeryHigh:            cfg.Snapshots.VeryHighActivity,
			High:                cfg.Snapshots.HighActivity,
			Medium:              cfg.Snapshots.MediumActivity,
			Low:                 cfg.Snapshots.LowActivity,
			IdleForceAfter:      cfg.Snapshots.IdleForceAfterDuration(),
			IdleForceMinUpdates: cfg.Snapshots.IdleForceMin,
		},
		PackInterval:        cfg.Packing.IntervalDuration(),
		PackKeepRecent:      cfg.Packing.KeepRecent,
		PackMinSize:         cfg.Packing.MinSize,
		PackFreshnessAge:    cfg.Packing.FreshnessDuration(),
		GCInterval:          cfg.GC.IntervalDuration(),
		GCSnapshotRetention: cfg.GC.SnapshotRetention,
		GCMinHistory:        cfg.GC.MinHistoryDuration(),
	}
}

// startMaintenanceLoop runs the daily move-retention sweep.
func (c *Core) startMaintenanceLoop() {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-c.runCtx.Done():
				return
			case <-ticker.C:
				n, err := c.moves.PurgeOldRecords(c.runCtx, c.cfg.Config().Moves.RecordRetentionDays)
				if err != nil {
					c.logger.Warn("core: move retention sweep failed", slog.Any("err", err))
				} else if n > 0 {
					c.logger.Info("core: purged old move records", slog.Int64("rows", n))
				}
			}
		}
	}()
}

// mapWriteErr converts filesystem write failures into the core taxonomy.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}

	if os.IsPermission(err) {
		return fmt.Errorf("%w: %v", ErrReadOnly, err)
	}

	return err
}

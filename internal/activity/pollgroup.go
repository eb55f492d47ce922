package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Priority is a PollingGroup entry's scheduling class.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// ExitReason names why an entry was enqueued, which in turn determines its
// exit criterion.
type ExitReason string

const (
	ReasonFastPathHandoff ExitReason = "fast-path-handoff"
	ReasonFullRepoll      ExitReason = "full-repoll"
	ReasonOpenNote        ExitReason = "open-note"
	ReasonNotesList       ExitReason = "notes-list"
	ReasonRecentEdit      ExitReason = "recent-edit"
)

const recentEditWindow = 5 * time.Minute

// fastHitDivisor makes a hit count as a quarter-poll:
// rate.Limiter has no notion of fractional token cost, so after a hit this
// entry sleeps a quarter of its limiter's nominal inter-poll interval
// instead of waiting on the shared limiter, rather than refunding tokens.
const fastHitDivisor = 4

// PollRequest describes one note to poll under the PollingGroup.
type PollRequest struct {
	NoteID   string
	Expected map[string]uint64 // instanceID -> seq still unseen; nil for full-repoll
	Priority Priority
	Reason   ExitReason

	// IsOpenNote and IsInVisibleList are optional exit-criterion callbacks
	// for the "open-note" and "notes-list" reasons; nil means "always true".
	IsOpenNote      func() bool
	IsInVisibleList func() bool
	LastLocalEdit   time.Time // used by ReasonRecentEdit
}

type pollEntry struct {
	cancel context.CancelFunc
}

// PollingGroup implements Tier 2: a bounded-rate scheduler with
// high/normal priority classes, at least 20% of capacity reserved for the
// normal (background) class.
type PollingGroup struct {
	visible VisibilityFunc
	reload  ReloadFunc
	logger  *slog.Logger

	highLimiter   *rate.Limiter
	normalLimiter *rate.Limiter

	fullRepollInterval time.Duration
	knownNotes         func() []string

	mu      sync.Mutex
	entries map[string]*pollEntry

	eg    *errgroup.Group
	egCtx context.Context
}

// Config configures a PollingGroup.
type Config struct {
	TotalPollsPerMinute   int
	BurstPerSecond        int
	NormalReserveFraction float64
	FullRepollInterval    time.Duration
}

// DefaultConfig: 120 polls/min, burst 10/s, >=20%
// reserved for background, full repoll every 30 minutes.
func DefaultConfig() Config {
	return Config{
		TotalPollsPerMinute:   120,
		BurstPerSecond:        10,
		NormalReserveFraction: 0.2,
		FullRepollInterval:    30 * time.Minute,
	}
}

// NewPollingGroup constructs a PollingGroup bound to ctx: canceling ctx
// stops every in-flight and future entry. knownNotes supplies the note set
// for the periodic full-repoll safety net and may be nil to disable it.
func NewPollingGroup(ctx context.Context, cfg Config, visible VisibilityFunc, reload ReloadFunc, knownNotes func() []string, logger *slog.Logger) *PollingGroup {
	if logger == nil {
		logger = slog.Default()
	}

	total := float64(cfg.TotalPollsPerMinute) / 60.0
	normalRate := total * cfg.NormalReserveFraction
	highRate := total - normalRate

	eg, egCtx := errgroup.WithContext(ctx)

	return &PollingGroup{
		visible:            visible,
		reload:             reload,
		logger:             logger,
		highLimiter:        rate.NewLimiter(rate.Limit(highRate), cfg.BurstPerSecond),
		normalLimiter:      rate.NewLimiter(rate.Limit(normalRate), cfg.BurstPerSecond),
		fullRepollInterval: cfg.FullRepollInterval,
		knownNotes:         knownNotes,
		entries:            make(map[string]*pollEntry),
		eg:                 eg,
		egCtx:              egCtx,
	}
}

// Enqueue starts (or idempotently replaces) the poll entry for
// req.NoteID. Only one entry per note is active at a time, matching the
// note-keyed nature of the exit criteria.
func (g *PollingGroup) Enqueue(req PollRequest) {
	g.mu.Lock()

	if old, ok := g.entries[req.NoteID]; ok {
		old.cancel()
	}

	entryCtx, cancel := context.WithCancel(g.egCtx)
	entry := &pollEntry{cancel: cancel}
	g.entries[req.NoteID] = entry

	g.mu.Unlock()

	g.eg.Go(func() error {
		defer g.finish(req.NoteID, entry)
		g.run(entryCtx, req)
		return nil
	})
}

// Cancel stops the entry for noteID, if any. Idempotent.
func (g *PollingGroup) Cancel(noteID string) {
	g.mu.Lock()
	e, ok := g.entries[noteID]
	g.mu.Unlock()

	if ok {
		e.cancel()
	}
}

// Wait blocks until every enqueued entry has exited (used at shutdown,
// after the group's context has been canceled).
func (g *PollingGroup) Wait() error {
	return g.eg.Wait()
}

// StartFullRepollLoop runs the periodic safety-net sweep until ctx is
// canceled. A FullRepollInterval of 0 disables it entirely.
func (g *PollingGroup) StartFullRepollLoop(ctx context.Context) {
	if g.fullRepollInterval <= 0 || g.knownNotes == nil {
		return
	}

	g.eg.Go(func() error {
		ticker := time.NewTicker(g.fullRepollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, noteID := range g.knownNotes() {
					g.Enqueue(PollRequest{NoteID: noteID, Priority: PriorityNormal, Reason: ReasonFullRepoll})
				}
			}
		}
	})
}

// finish drops noteID's entry unless a later Enqueue has already replaced it.
func (g *PollingGroup) finish(noteID string, e *pollEntry) {
	g.mu.Lock()
	if g.entries[noteID] == e {
		delete(g.entries, noteID)
	}
	g.mu.Unlock()
}

func (g *PollingGroup) limiterFor(p Priority) *rate.Limiter {
	if p == PriorityHigh {
		return g.highLimiter
	}

	return g.normalLimiter
}

func (g *PollingGroup) run(ctx context.Context, req PollRequest) {
	limiter := g.limiterFor(req.Priority)

	if req.Reason == ReasonFullRepoll {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		g.reload(ctx, req.NoteID)

		return
	}

	remaining := make(map[string]uint64, len(req.Expected))
	for k, v := range req.Expected {
		remaining[k] = v
	}

	fastMode := false

	for {
		if len(remaining) == 0 {
			return
		}

		if req.IsOpenNote != nil && !req.IsOpenNote() {
			return
		}

		if req.IsInVisibleList != nil && !req.IsInVisibleList() {
			return
		}

		if req.Reason == ReasonRecentEdit && time.Since(req.LastLocalEdit) > recentEditWindow {
			return
		}

		if fastMode {
			select {
			case <-time.After(fastModeInterval(limiter)):
			case <-ctx.Done():
				return
			}
		} else if err := limiter.Wait(ctx); err != nil {
			return
		}

		hit := false

		for inst, seq := range remaining {
			ok, err := g.visible(ctx, req.NoteID, inst, seq)
			if err != nil {
				g.logger.Warn("activity: poll visibility check failed",
					slog.String("noteId", req.NoteID), slog.String("instance", inst), slog.Any("err", err))

				continue
			}

			if ok {
				delete(remaining, inst)
				hit = true
			}
		}

		fastMode = hit

		if hit {
			g.reload(ctx, req.NoteID)
		}
	}
}

func fastModeInterval(limiter *rate.Limiter) time.Duration {
	l := float64(limiter.Limit())
	if l <= 0 {
		return time.Second
	}

	return time.Duration(float64(time.Second) / l / fastHitDivisor)
}

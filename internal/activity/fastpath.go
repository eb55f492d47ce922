package activity

import (
	"context"
	"log/slog"
	"time"
)

// fastPathDelays is the exponential retry schedule for Tier 1 polling.
var fastPathDelays = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	7 * time.Second,
	10 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

// fastPathHandoffBudget is the cumulative delay past which an unresolved
// poll is handed off to the PollingGroup (Tier 2) rather than retried
// further on the fast path.
const fastPathHandoffBudget = 60 * time.Second

// VisibilityFunc reports whether an update or pack file from instanceID
// with seq >= the given seq is now visible for noteID. Implemented by the
// updatemgr-aware caller (corecontext) and injected here to keep this
// package free of an updatemgr import.
type VisibilityFunc func(ctx context.Context, noteID, instanceID string, seq uint64) (bool, error)

// ReloadFunc triggers a readComposedState + "note updated" broadcast for
// noteID. Also supplied by the caller.
type ReloadFunc func(ctx context.Context, noteID string)

// HandoffFunc enqueues a note into the PollingGroup (Tier 2) when the fast
// path exhausts its budget without seeing the expected sequence.
type HandoffFunc func(req PollRequest)

// FastPath is Tier 1 of remote-change detection: a short exponential
// retry ladder racing a just-announced file against cloud-sync delay.
type FastPath struct {
	visible VisibilityFunc
	reload  ReloadFunc
	handoff HandoffFunc
	logger  *slog.Logger
	budget  time.Duration
}

// NewFastPath constructs a FastPath. handoff may be nil, in which case an
// unresolved poll is simply dropped once its budget is exhausted (the
// periodic full-repoll safety net will still eventually catch it up).
// budget is the cumulative-delay cap before handoff (pollFastPathMaxMs);
// <=0 uses the 60s default.
func NewFastPath(visible VisibilityFunc, reload ReloadFunc, handoff HandoffFunc, budget time.Duration, logger *slog.Logger) *FastPath {
	if logger == nil {
		logger = slog.Default()
	}

	if budget <= 0 {
		budget = fastPathHandoffBudget
	}

	return &FastPath{visible: visible, reload: reload, handoff: handoff, budget: budget, logger: logger}
}

// PollAndReload retries at the fast-path delay schedule until seq becomes
// visible from instanceID for noteID, or the cumulative delay budget is
// exhausted, at which point it hands off to the PollingGroup.
func (f *FastPath) PollAndReload(ctx context.Context, noteID, instanceID string, seq uint64) {
	var elapsed time.Duration

	for _, d := range fastPathDelays {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}

		elapsed += d

		ok, err := f.visible(ctx, noteID, instanceID, seq)
		if err != nil {
			f.logger.Warn("activity: fast-path visibility check failed",
				slog.String("noteId", noteID), slog.String("instance", instanceID), slog.Any("err", err))

			continue
		}

		if ok {
			f.reload(ctx, noteID)
			return
		}

		if elapsed >= f.budget {
			break
		}
	}

	if f.handoff != nil {
		f.handoff(PollRequest{
			NoteID:   noteID,
			Expected: map[string]uint64{instanceID: seq},
			Priority: PriorityNormal,
			Reason:   ReasonFastPathHandoff,
		})
	}
}

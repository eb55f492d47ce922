package move

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/notecove/notecove-core/internal/cache"
)

// DefaultStuckAfter is how stale an incomplete foreign move must be before
// it is surfaced as stuck and eligible for take-over.
const DefaultStuckAfter = 5 * time.Minute

// RecoverAll resumes every non-terminal move this instance initiated,
// called once at startup. Per-move errors
// are isolated: a move whose SDs are unreachable is left in place to be
// retried next start, not rolled back.
func (sm *StateMachine) RecoverAll(ctx context.Context) {
	moves, err := sm.store.ListNonTerminalMoves(ctx)
	if err != nil {
		sm.logger.Error("move: recovery query failed", slog.Any("err", err))
		return
	}

	for _, mv := range moves {
		if mv.InitiatedBy != sm.self {
			continue
		}

		if err := verifyReachable(mv.SrcPath); err != nil {
			sm.logger.Warn("move: recovery deferred, source unreachable",
				slog.String("moveId", mv.ID), slog.Any("err", err))
			continue
		}

		if err := verifyReachable(mv.TgtPath); err != nil {
			sm.logger.Warn("move: recovery deferred, target unreachable",
				slog.String("moveId", mv.ID), slog.Any("err", err))
			continue
		}

		sm.logger.Info("move: resuming after restart",
			slog.String("moveId", mv.ID), slog.String("state", string(mv.State)))

		if _, err := sm.drive(ctx, mv); err != nil && !errors.Is(err, ErrMoveConflict) {
			sm.logger.Error("move: recovery failed", slog.String("moveId", mv.ID), slog.Any("err", err))
		}
	}
}

// ListStuck returns incomplete moves initiated by another instance that
// have not progressed within stuckAfter (≤0 uses DefaultStuckAfter).
// These are surfaced to the user, who may take over or cancel.
func (sm *StateMachine) ListStuck(ctx context.Context, stuckAfter time.Duration) ([]*cache.Move, error) {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}

	cutoff := sm.now().Add(-stuckAfter).UnixMilli()

	moves, err := sm.store.ListStuckMoves(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var foreign []*cache.Move

	for _, mv := range moves {
		if mv.InitiatedBy != sm.self {
			foreign = append(foreign, mv)
		}
	}

	return foreign, nil
}

// TakeOver transfers ownership of a stuck foreign move to this instance
// and resumes it from its recorded state. Both SDs must be reachable
// here; the target-folder fallback to root happens inside stepDB.
func (sm *StateMachine) TakeOver(ctx context.Context, moveID string) (*cache.Move, error) {
	mv, err := sm.store.GetMove(ctx, moveID)
	if err != nil {
		return nil, err
	}

	if mv == nil {
		return nil, cache.ErrMoveNotFound
	}

	if mv.State.IsTerminal() {
		return mv, ErrMoveTerminal
	}

	if err := verifyReachable(mv.SrcPath); err != nil {
		return mv, err
	}

	if err := verifyReachable(mv.TgtPath); err != nil {
		return mv, err
	}

	if err := sm.store.TakeOverMove(ctx, moveID, sm.self, sm.now().UnixMilli()); err != nil {
		return mv, err
	}

	mv.InitiatedBy = sm.self

	sm.logger.Info("move: taken over", slog.String("moveId", mv.ID), slog.String("state", string(mv.State)))

	return sm.drive(ctx, mv)
}

// PurgeOldRecords deletes terminal ledger rows older than retentionDays,
// the daily maintenance pass.
func (sm *StateMachine) PurgeOldRecords(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	cutoff := sm.now().AddDate(0, 0, -retentionDays).UnixMilli()

	return sm.store.DeleteMovesOlderThan(ctx, cutoff)
}

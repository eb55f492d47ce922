// Package move implements the crash-safe cross-SD move state machine:
// a durable note_moves ledger row drives a note's CRDT file
// tree from one storage directory to another, resumable from any recorded
// state after a process kill, with instance-ownership and take-over rules
// for moves stranded by a dead peer.
package move

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/notecove/notecove-core/internal/cache"
	"github.com/notecove/notecove-core/internal/sdlayout"
)

// ConflictStrategy is the caller's decision when the target SD already
// holds an active note with the moved id.
type ConflictStrategy string

const (
	// StrategyNone defers the decision: a conflict surfaces as
	// ErrMoveConflict with the ledger row parked in files_copied, and the
	// caller re-runs with a concrete strategy.
	StrategyNone ConflictStrategy = ""
	// StrategyReplace hard-deletes the target's copy and moves over it.
	StrategyReplace ConflictStrategy = "replace"
	// StrategyKeepBoth assigns a fresh UUID to the dragged copy.
	StrategyKeepBoth ConflictStrategy = "keep_both"
	// StrategyCancel abandons the move and rolls it back.
	StrategyCancel ConflictStrategy = "cancel"
)

// ErrMoveConflict reports that the target SD has an active note with the
// moved id and no strategy was chosen. Propagated to the UI for user
// resolution; the move stays resumable.
var ErrMoveConflict = errors.New("move: target already has an active note with this id")

// ErrMoveTerminal reports an operation on a move that already reached a
// terminal state.
var ErrMoveTerminal = errors.New("move: already in a terminal state")

// ErrNotOwner reports an automatic resume attempted on a move initiated by
// another instance; use TakeOver instead.
var ErrNotOwner = errors.New("move: initiated by another instance")

// Request describes one cross-SD move to execute.
type Request struct {
	NoteID         string
	Source         *sdlayout.SD
	Target         *sdlayout.SD
	TargetFolderID string
	Strategy       ConflictStrategy
}

// StateMachine executes and recovers cross-SD moves for one instance.
type StateMachine struct {
	store  *cache.Store
	self   string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a StateMachine bound to this instance's identity.
func New(store *cache.Store, selfInstance string, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}

	return &StateMachine{
		store:  store,
		self:   selfInstance,
		logger: logger,
		now:    time.Now,
	}
}

// Execute creates the ledger row and drives the move to a terminal state.
// On ErrMoveConflict the row is left in files_copied for the caller to
// resolve via Resume with a concrete strategy (or Cancel).
func (sm *StateMachine) Execute(ctx context.Context, req Request) (*cache.Move, error) {
	if err := verifyReachable(req.Source.Path); err != nil {
		return nil, err
	}

	if err := verifyReachable(req.Target.Path); err != nil {
		return nil, err
	}

	now := sm.now().UnixMilli()

	mv := cache.Move{
		ID:                 uuid.NewString(),
		NoteID:             req.NoteID,
		SrcStorageDir:      req.Source.UUID,
		TgtStorageDir:      req.Target.UUID,
		SrcPath:            req.Source.Path,
		TgtPath:            req.Target.Path,
		TargetFolderID:     req.TargetFolderID,
		State:              cache.MoveInitiated,
		InitiatedBy:        sm.self,
		ConflictResolution: string(req.Strategy),
		CreatedAt:          now,
		LastModified:       now,
	}

	err := sm.store.Tx(ctx, func(tx *sql.Tx) error {
		return sm.store.CreateMove(ctx, tx, mv)
	})
	if err != nil {
		return nil, err
	}

	return sm.drive(ctx, &mv)
}

// Resume re-drives an existing non-terminal move from its recorded state.
// strategy, when non-empty, replaces the stored conflict resolution
// (the caller answering a previously surfaced ErrMoveConflict).
func (sm *StateMachine) Resume(ctx context.Context, moveID string, strategy ConflictStrategy) (*cache.Move, error) {
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

	if mv.InitiatedBy != sm.self {
		return mv, ErrNotOwner
	}

	if strategy != StrategyNone {
		mv.ConflictResolution = string(strategy)

		err := sm.store.Tx(ctx, func(tx *sql.Tx) error {
			return sm.store.SetMoveConflictResolution(ctx, tx, mv.ID, mv.ConflictResolution, sm.now().UnixMilli())
		})
		if err != nil {
			return mv, err
		}
	}

	return sm.drive(ctx, mv)
}

// drive advances mv step by step until a terminal state or an error. The
// resume table is encoded in the switch: every state knows
// exactly which step re-runs it.
func (sm *StateMachine) drive(ctx context.Context, mv *cache.Move) (*cache.Move, error) {
	if strategy, _ := parseResolution(mv.ConflictResolution); strategy == StrategyCancel {
		return mv, sm.Cancel(ctx, mv.ID)
	}

	for !mv.State.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return mv, err
		}

		var err error

		switch mv.State {
		case cache.MoveInitiated, cache.MoveCopying:
			// A crash mid-copy leaves a partial scratch dir; stepCopy
			// clears it and restarts the copy from the top.
			err = sm.stepCopy(ctx, mv)
		case cache.MoveFilesCopied:
			err = sm.stepDB(ctx, mv)
		case cache.MoveDBUpdated:
			err = sm.stepPublish(ctx, mv)
		case cache.MoveCleaning:
			err = sm.stepCleanup(ctx, mv)
		default:
			err = fmt.Errorf("move: unknown state %q", mv.State)
		}

		if errors.Is(err, ErrMoveConflict) {
			return mv, err
		}

		if err != nil {
			return mv, sm.rollback(ctx, mv, err, cache.MoveRolledBack)
		}
	}

	return mv, nil
}

// Cancel rolls back a non-terminal move and marks it cancelled.
func (sm *StateMachine) Cancel(ctx context.Context, moveID string) error {
	mv, err := sm.store.GetMove(ctx, moveID)
	if err != nil {
		return err
	}

	if mv == nil {
		return cache.ErrMoveNotFound
	}

	if mv.State.IsTerminal() {
		return ErrMoveTerminal
	}

	return sm.rollback(ctx, mv, nil, cache.MoveCancelled)
}

// transition persists a state change and mirrors it into mv.
func (sm *StateMachine) transition(ctx context.Context, mv *cache.Move, state cache.MoveState, moveErr string) error {
	now := sm.now().UnixMilli()

	err := sm.store.Tx(ctx, func(tx *sql.Tx) error {
		return sm.store.TransitionMove(ctx, tx, mv.ID, state, moveErr, now)
	})
	if err != nil {
		return err
	}

	mv.State = state
	mv.Error = moveErr
	mv.LastModified = now

	return nil
}

// ParseResolution splits a stored conflict_resolution value into the
// strategy and, for keep-both after assignment, the new note id. Exposed
// for callers that need the landed note's final id.
func ParseResolution(stored string) (ConflictStrategy, string) {
	return parseResolution(stored)
}

// parseResolution splits the stored conflict_resolution value into the
// strategy and, for keep-both after assignment, the new note id.
func parseResolution(stored string) (ConflictStrategy, string) {
	if rest, ok := strings.CutPrefix(stored, string(StrategyKeepBoth)+":"); ok {
		return StrategyKeepBoth, rest
	}

	return ConflictStrategy(stored), ""
}

// finalNoteID is the id the moved note carries in the target SD: the
// original id, or the keep-both replacement once assigned.
func finalNoteID(mv *cache.Move) string {
	if _, assigned := parseResolution(mv.ConflictResolution); assigned != "" {
		return assigned
	}

	return mv.NoteID
}

func verifyReachable(sdPath string) error {
	if err := sdlayout.Reachable(sdPath); err != nil {
		return fmt.Errorf("move: storage dir unreachable: %w", err)
	}

	return nil
}

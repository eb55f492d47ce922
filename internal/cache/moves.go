package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// MoveState is one step of the cross-SD move state machine.
type MoveState string

const (
	MoveInitiated   MoveState = "initiated"
	MoveCopying     MoveState = "copying"
	MoveFilesCopied MoveState = "files_copied"
	MoveDBUpdated   MoveState = "db_updated"
	MoveCleaning    MoveState = "cleaning"
	MoveCompleted   MoveState = "completed"
	MoveRolledBack  MoveState = "rolled_back"
	MoveCancelled   MoveState = "cancelled"
)

// IsTerminal reports whether a move is done and will not be resumed or
// reclaimed.
func (s MoveState) IsTerminal() bool {
	return s == MoveCompleted || s == MoveRolledBack || s == MoveCancelled
}

// Move is one row of the note_moves ledger: a durable record of a
// cross-storage-dir move in progress, resumable after a crash.
type Move struct {
	ID                 string
	NoteID             string
	SrcStorageDir      string
	TgtStorageDir      string
	SrcPath            string
	TgtPath            string
	TargetFolderID     string
	State              MoveState
	InitiatedBy        string
	ConflictResolution string
	Error              string
	CreatedAt          int64
	LastModified       int64
}

type moveStatements struct {
	insert, get, updateState, takeOver, setConflictRes, listNonTerminal, listStuck, listByNote, deleteOlderThan *sql.Stmt
}

func (m moveStatements) all() []*sql.Stmt {
	return []*sql.Stmt{m.insert, m.get, m.updateState, m.takeOver, m.setConflictRes, m.listNonTerminal, m.listStuck, m.listByNote, m.deleteOlderThan}
}

const (
	sqlInsertMove = `INSERT INTO note_moves
		(id, note_id, src_storage_dir, tgt_storage_dir, src_path, tgt_path, target_folder_id, state, initiated_by, conflict_resolution, error, created_at, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetMove = `SELECT id, note_id, src_storage_dir, tgt_storage_dir, src_path, tgt_path, target_folder_id, state, initiated_by, conflict_resolution, error, created_at, last_modified
		FROM note_moves WHERE id = ?`

	sqlUpdateMoveState = `UPDATE note_moves SET state = ?, error = ?, last_modified = ? WHERE id = ?`

	sqlTakeOverMove = `UPDATE note_moves SET initiated_by = ?, last_modified = ? WHERE id = ?`

	sqlSetMoveConflictRes = `UPDATE note_moves SET conflict_resolution = ?, last_modified = ? WHERE id = ?`

	sqlListNonTerminalMoves = `SELECT id, note_id, src_storage_dir, tgt_storage_dir, src_path, tgt_path, target_folder_id, state, initiated_by, conflict_resolution, error, created_at, last_modified
		FROM note_moves WHERE state NOT IN ('completed', 'rolled_back', 'cancelled')`

	// Stuck = non-terminal and not modified within the stuck-move threshold
	// (5 minutes by default), a direct analog of a claim lease
	// expiring without being renewed.
	sqlListStuckMoves = `SELECT id, note_id, src_storage_dir, tgt_storage_dir, src_path, tgt_path, target_folder_id, state, initiated_by, conflict_resolution, error, created_at, last_modified
		FROM note_moves WHERE state NOT IN ('completed', 'rolled_back', 'cancelled') AND last_modified < ?`

	sqlListMovesByNote = `SELECT id, note_id, src_storage_dir, tgt_storage_dir, src_path, tgt_path, target_folder_id, state, initiated_by, conflict_resolution, error, created_at, last_modified
		FROM note_moves WHERE note_id = ?`

	// Retention cleanup for terminal moves (30 days by default).
	sqlDeleteMovesOlderThan = `DELETE FROM note_moves WHERE state IN ('completed', 'rolled_back', 'cancelled') AND last_modified < ?`
)

func (s *Store) prepareMoveStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.moves.insert, sqlInsertMove, "insertMove"},
		{&s.moves.get, sqlGetMove, "getMove"},
		{&s.moves.updateState, sqlUpdateMoveState, "updateMoveState"},
		{&s.moves.takeOver, sqlTakeOverMove, "takeOverMove"},
		{&s.moves.setConflictRes, sqlSetMoveConflictRes, "setMoveConflictResolution"},
		{&s.moves.listNonTerminal, sqlListNonTerminalMoves, "listNonTerminalMoves"},
		{&s.moves.listStuck, sqlListStuckMoves, "listStuckMoves"},
		{&s.moves.listByNote, sqlListMovesByNote, "listMovesByNote"},
		{&s.moves.deleteOlderThan, sqlDeleteMovesOlderThan, "deleteMovesOlderThan"},
	})
}

func scanMove(row interface{ Scan(...any) error }) (*Move, error) {
	var (
		m          Move
		folderID   sql.NullString
		conflictRs sql.NullString
		errStr     sql.NullString
		state      string
	)

	if err := row.Scan(&m.ID, &m.NoteID, &m.SrcStorageDir, &m.TgtStorageDir, &m.SrcPath, &m.TgtPath, &folderID, &state,
		&m.InitiatedBy, &conflictRs, &errStr, &m.CreatedAt, &m.LastModified); err != nil {
		return nil, err
	}

	m.TargetFolderID = folderID.String
	m.ConflictResolution = conflictRs.String
	m.Error = errStr.String
	m.State = MoveState(state)

	return &m, nil
}

func scanMoveRows(rows *sql.Rows) ([]*Move, error) {
	var moves []*Move

	for rows.Next() {
		m, err := scanMove(rows)
		if err != nil {
			return nil, fmt.Errorf("cache: scan move row: %w", err)
		}

		moves = append(moves, m)
	}

	return moves, rows.Err()
}

// CreateMove inserts a new move ledger entry in state initiated. This is
// the "claim" step: once written, any other instance that sees this row
// knows the note is mid-move and must not start a competing move.
func (s *Store) CreateMove(ctx context.Context, tx *sql.Tx, m Move) error {
	exec := s.execer(tx)

	folderID := sql.NullString{String: m.TargetFolderID, Valid: m.TargetFolderID != ""}
	conflictRs := sql.NullString{String: m.ConflictResolution, Valid: m.ConflictResolution != ""}
	errStr := sql.NullString{String: m.Error, Valid: m.Error != ""}

	if _, err := exec(ctx, s.moves.insert, m.ID, m.NoteID, m.SrcStorageDir, m.TgtStorageDir, m.SrcPath, m.TgtPath, folderID,
		string(m.State), m.InitiatedBy, conflictRs, errStr, m.CreatedAt, m.LastModified); err != nil {
		return fmt.Errorf("cache: create move %s: %w", m.ID, err)
	}

	return nil
}

// TransitionMove advances a move to a new state, optionally recording an
// error string (e.g. on rollback). last_modified is bumped so the move
// is not mistaken for stuck.
func (s *Store) TransitionMove(ctx context.Context, tx *sql.Tx, id string, state MoveState, moveErr string, modifiedAt int64) error {
	exec := s.execer(tx)

	errStr := sql.NullString{String: moveErr, Valid: moveErr != ""}

	res, err := exec(ctx, s.moves.updateState, string(state), errStr, modifiedAt, id)
	if err != nil {
		return fmt.Errorf("cache: transition move %s to %s: %w", id, state, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cache: transition move %s rows affected: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("cache: transition move %s: %w", id, ErrMoveNotFound)
	}

	return nil
}

// SetMoveConflictResolution records the chosen conflict strategy (and, for
// keep-both, the freshly assigned note id) so a crash-resumed move replays
// the same decision instead of re-prompting.
func (s *Store) SetMoveConflictResolution(ctx context.Context, tx *sql.Tx, id, resolution string, modifiedAt int64) error {
	exec := s.execer(tx)

	res := sql.NullString{String: resolution, Valid: resolution != ""}

	if _, err := exec(ctx, s.moves.setConflictRes, res, modifiedAt, id); err != nil {
		return fmt.Errorf("cache: set move %s conflict resolution: %w", id, err)
	}

	return nil
}

// TakeOverMove reassigns ownership of a stuck move to newOwner, bumping
// last_modified so the lease is considered fresh again.
func (s *Store) TakeOverMove(ctx context.Context, id, newOwner string, modifiedAt int64) error {
	res, err := s.moves.takeOver.ExecContext(ctx, newOwner, modifiedAt, id)
	if err != nil {
		return fmt.Errorf("cache: take over move %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cache: take over move %s rows affected: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("cache: take over move %s: %w", id, ErrMoveNotFound)
	}

	return nil
}

// ErrMoveNotFound is returned when a move id has no ledger row.
var ErrMoveNotFound = errors.New("move not found")

// GetMove returns (nil, nil) if no row exists for id.
func (s *Store) GetMove(ctx context.Context, id string) (*Move, error) {
	m, err := scanMove(s.moves.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}

	if err != nil {
		return nil, fmt.Errorf("cache: get move %s: %w", id, err)
	}

	return m, nil
}

// ListNonTerminalMoves returns every move not yet in a terminal state,
// used on startup to resume in-flight moves.
func (s *Store) ListNonTerminalMoves(ctx context.Context) ([]*Move, error) {
	rows, err := s.moves.listNonTerminal.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: list non-terminal moves: %w", err)
	}
	defer rows.Close()

	return scanMoveRows(rows)
}

// ListStuckMoves returns non-terminal moves whose last_modified predates
// cutoff, i.e. candidates for instance take-over.
func (s *Store) ListStuckMoves(ctx context.Context, cutoff int64) ([]*Move, error) {
	rows, err := s.moves.listStuck.QueryContext(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("cache: list stuck moves: %w", err)
	}
	defer rows.Close()

	return scanMoveRows(rows)
}

// ListMovesByNote returns the full move history for one note.
func (s *Store) ListMovesByNote(ctx context.Context, noteID string) ([]*Move, error) {
	rows, err := s.moves.listByNote.QueryContext(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("cache: list moves by note %s: %w", noteID, err)
	}
	defer rows.Close()

	return scanMoveRows(rows)
}

// DeleteMovesOlderThan purges terminal moves older than cutoff, the
// 30-day retention sweep.
func (s *Store) DeleteMovesOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.moves.deleteOlderThan.ExecContext(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache: delete old moves: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache: delete old moves rows affected: %w", err)
	}

	return n, nil
}

package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type appStateStatements struct {
	set, get, delete *sql.Stmt
}

func (a appStateStatements) all() []*sql.Stmt {
	return []*sql.Stmt{a.set, a.get, a.delete}
}

const (
	sqlSetAppState = `INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	sqlGetAppState    = `SELECT value FROM app_state WHERE key = ?`
	sqlDeleteAppState = `DELETE FROM app_state WHERE key = ?`
)

func (s *Store) prepareAppStateStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.app.set, sqlSetAppState, "setAppState"},
		{&s.app.get, sqlGetAppState, "getAppState"},
		{&s.app.delete, sqlDeleteAppState, "deleteAppState"},
	})
}

// SetAppState stores a single opaque key/value pair, used for things like
// the wake-discovery high-water mark and the last-known instance id.
func (s *Store) SetAppState(ctx context.Context, key, value string) error {
	if _, err := s.app.set.ExecContext(ctx, key, value); err != nil {
		return fmt.Errorf("cache: set app state %s: %w", key, err)
	}

	return nil
}

// GetAppState returns ("", false, nil) if key is unset.
func (s *Store) GetAppState(ctx context.Context, key string) (string, bool, error) {
	var value string

	err := s.app.get.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("cache: get app state %s: %w", key, err)
	}

	return value, true, nil
}

// DeleteAppState removes a key entirely.
func (s *Store) DeleteAppState(ctx context.Context, key string) error {
	if _, err := s.app.delete.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("cache: delete app state %s: %w", key, err)
	}

	return nil
}

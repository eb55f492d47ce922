// Package cache implements the local SQL cache: a pure
// derivation of the CRDT files on disk, rebuildable in full by a wake
// discovery pass. It is never the source of truth for note content.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMigrationFailed wraps a failed schema migration. Fatal at startup:
// the process must not run against a cache it cannot bring to the current
// schema version.
var ErrMigrationFailed = errors.New("cache: migration failed")

const walJournalSizeLimitBytes = 64 * 1024 * 1024

// Store is the process-exclusive handle to one profile's cache database.
// Sole-writer pattern: the underlying *sql.DB is capped at one open
// connection so SQLite's single-writer constraint can never be raced
// across goroutines within this process.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	notes   noteStatements
	folders folderStatements
	tags    tagStatements
	links   linkStatements
	moves   moveStatements
	app     appStateStatements
	sdirs   storageDirStatements
}

// Open opens (creating if absent) the cache database at dbPath, applies
// pending goose migrations, and prepares all statement groups. Use
// ":memory:" for tests.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", dbPath, err)
	}

	// SQLite has one true writer; serialize everything through a single
	// connection rather than fight the driver's connection pool over it.
	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareAll(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: prepare statements: %w", err)
	}

	return s, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	// No foreign_keys pragma: the schema is deliberately FK-free. The
	// cache derives from files that sync in any order, so transiently
	// dangling references are normal; CleanupOrphanedData reconciles them
	// at startup instead of the engine rejecting them at write time.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimitBytes),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("cache: set pragma %q: %w", p, err)
		}
	}

	return nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("cache: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("cache: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	for _, r := range results {
		logger.Info("cache: applied migration", slog.String("source", r.Source.Path))
	}

	return nil
}

func (s *Store) prepareAll(ctx context.Context) error {
	for _, fn := range []func(context.Context) error{
		s.prepareNoteStmts,
		s.prepareFolderStmts,
		s.prepareTagStmts,
		s.prepareLinkStmts,
		s.prepareMoveStmts,
		s.prepareAppStateStmts,
		s.prepareStorageDirStmts,
	} {
		if err := fn(ctx); err != nil {
			return err
		}
	}

	return nil
}

// stmtDef maps a SQL string to the prepared statement pointer to populate.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("cache: prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// Tx runs fn inside a database transaction, committing on success and
// rolling back on any error (including a panic, which is re-raised after
// rollback). Used by every cache operation that spans more than one
// statement.
func (s *Store) Tx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit tx: %w", err)
	}

	return nil
}

// Close closes every prepared statement and the underlying connection.
func (s *Store) Close() error {
	for _, stmt := range s.allStatements() {
		if stmt != nil {
			_ = stmt.Close()
		}
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("cache: close: %w", err)
	}

	return nil
}

func (s *Store) allStatements() []*sql.Stmt {
	return append(append(append(append(append(append(
		s.notes.all(),
		s.folders.all()...),
		s.tags.all()...),
		s.links.all()...),
		s.moves.all()...),
		s.app.all()...),
		s.sdirs.all()...)
}

// Package corecontext wires the storage core together: one CoreContext
// owns the instance identity, configuration, local cache, and the
// per-storage-dir runtimes (update managers, activity/deletion sync,
// polling, background jobs), and exposes the consumer contracts the
// editor and UI layers call.
package corecontext

import "errors"

// Typed errors surfaced across the core boundary. Lower layers
// return these (or package-local errors that wrap them) upward; the UI
// layer localises and displays them. None of the messages here are meant
// for end users.
var (
	// ErrStorageUnavailable signals that an SD root previously known has
	// disappeared. Background jobs for that SD pause; the UI unmounts it.
	ErrStorageUnavailable = errors.New("core: storage dir unavailable")

	// ErrUnknownStorageDir signals an operation referenced an SD UUID this
	// context has never mounted.
	ErrUnknownStorageDir = errors.New("core: unknown storage dir")

	// ErrUnknownNote signals an operation referenced a note absent from
	// both the cache and the SD tree.
	ErrUnknownNote = errors.New("core: unknown note")

	// ErrReadOnly signals the filesystem rejected a write (quota or
	// permissions); surfaced as a read-only banner, local edits fail fast.
	ErrReadOnly = errors.New("core: storage dir is read-only")

	// ErrShutdown signals an operation raced the context teardown.
	ErrShutdown = errors.New("core: shutting down")
)

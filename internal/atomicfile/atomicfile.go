// Package atomicfile implements the flag-byte commit protocol
// used by every update, pack, and snapshot file, plus the single-append
// primitive used by activity and deletion logs.
//
// Flag-byte files are written in place, never via rename: cloud-sync
// daemons commonly interpret a rename as delete-then-create and fill a
// trash folder with the "old" name. Instead byte 0 signals commit state:
// 0x00 while the payload is still being written, 0x01 once it is safe to
// read.
package atomicfile

import (
	"errors"
	"fmt"
	"os"
)

const (
	// FlagIncomplete marks a file whose payload is not yet safe to read.
	FlagIncomplete byte = 0x00
	// FlagComplete marks a file whose payload is fully written and flushed.
	FlagComplete byte = 0x01
)

// ErrPartialFile is returned when byte 0 is FlagIncomplete: the caller
// should retry later, this is not a user-facing failure.
var ErrPartialFile = errors.New("atomicfile: partial file (flag byte not yet committed)")

// ErrCorruptFile is returned when byte 0 holds a value other than
// FlagIncomplete/FlagComplete, or the file is empty.
var ErrCorruptFile = errors.New("atomicfile: corrupt file (invalid flag byte)")

// WriteFlagged writes payload to path using the two-phase flag-byte
// protocol: a placeholder incomplete byte, the full payload, an fsync, then
// the flag byte is flipped to complete and fsynced again. perm is the mode
// used if the file does not already exist.
func WriteFlagged(path string, payload []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("atomicfile: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, FlagIncomplete)
	buf = append(buf, payload...)

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("atomicfile: write %s: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("atomicfile: sync payload %s: %w", path, err)
	}

	if _, err := f.WriteAt([]byte{FlagComplete}, 0); err != nil {
		return fmt.Errorf("atomicfile: commit flag %s: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("atomicfile: sync flag %s: %w", path, err)
	}

	return nil
}

// ReadFlagged reads and validates a flag-byte file, returning the payload
// (without the flag byte) on success. Returns ErrPartialFile if the flag
// byte is FlagIncomplete, or ErrCorruptFile for any other invalid value
// (including an empty file).
func ReadFlagged(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("atomicfile: read %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s (empty)", ErrCorruptFile, path)
	}

	switch data[0] {
	case FlagComplete:
		return data[1:], nil
	case FlagIncomplete:
		return nil, fmt.Errorf("%w: %s", ErrPartialFile, path)
	default:
		return nil, fmt.Errorf("%w: %s (flag byte 0x%02x)", ErrCorruptFile, path, data[0])
	}
}

// AppendLine appends payload+"\n" to path as a single Write call, creating
// the file if necessary, and fsyncs. Used by activity and deletion logs,
// where readers tolerate a trailing partial line but never a torn line in
// the middle of the file (append is always whole-line atomic at the OS
// buffered-write level for the sizes these logs use).
func AppendLine(path string, line string, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("atomicfile: open log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("atomicfile: append log %s: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("atomicfile: sync log %s: %w", path, err)
	}

	return nil
}

// Package instanceid resolves and persists the stable per-installation
// identity used as the writer-identity prefix for every file an instance
// writes into a Storage Directory.
package instanceid

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ID is an InstanceId: a UUID v4 string, case-sensitive, used verbatim as
// the filename prefix for every update/pack/snapshot file this instance
// writes.
type ID string

// String returns the raw identity string.
func (i ID) String() string {
	return string(i)
}

// Valid reports whether i parses as a UUID. Overridden ids (e.g. for tests)
// must still be filename-safe, but need not be genuine UUIDs.
func (i ID) Valid() bool {
	_, err := uuid.Parse(string(i))
	return err == nil
}

// New generates a fresh random InstanceId.
func New() ID {
	return ID(uuid.NewString())
}

// Resolve returns the instance id to use for this process: the override if
// non-empty (command-line testing hook), otherwise a newly
// generated UUID v4.
func Resolve(override string) ID {
	override = strings.TrimSpace(override)
	if override != "" {
		return ID(override)
	}

	return New()
}

// ResolveFromEnv reads NOTECOVE_INSTANCE_ID as a test/automation override,
// falling back to Resolve(""). This mirrors the CLI-override-then-generate
// pattern; env is consulted only when no explicit override was supplied.
func ResolveFromEnv(cliOverride string) ID {
	if strings.TrimSpace(cliOverride) != "" {
		return ID(cliOverride)
	}

	if env := strings.TrimSpace(os.Getenv("NOTECOVE_INSTANCE_ID")); env != "" {
		return ID(env)
	}

	return New()
}

// Load resolves the durable identity for this installation: an explicit
// override wins (and is not persisted), otherwise the id stored at path
// is reused, otherwise a fresh UUID is generated and written there.
// Identity must survive restarts — per-(instance, document) sequence
// numbering depends on the same process always writing under the same
// prefix.
func Load(path, override string) (ID, error) {
	if o := strings.TrimSpace(override); o != "" {
		return ID(o), nil
	}

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return ID(id), nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("instanceid: read %s: %w", path, err)
	}

	id := New()

	if err := os.WriteFile(path, []byte(id.String()), 0o600); err != nil {
		return "", fmt.Errorf("instanceid: persist %s: %w", path, err)
	}

	return id, nil
}

package deletion

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notecove/notecove-core/internal/atomicfile"
	"github.com/notecove/notecove-core/internal/sdlayout"
)

func setupSD(t *testing.T) *sdlayout.SD {
	t.Helper()

	sd, err := sdlayout.Open(t.TempDir())
	require.NoError(t, err)

	return sd
}

func mkNoteDir(t *testing.T, sd *sdlayout.SD, noteID string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(sd.NotesRootDir(), noteID), 0o700))
}

func TestWakeDiscoversNotesMissedWhileAsleep(t *testing.T) {
	sd := setupSD(t)

	mkNoteDir(t, sd, "note-new")
	mkNoteDir(t, sd, "note-known")
	mkNoteDir(t, sd, "note-deleted-remotely")

	// note-deleted-remotely has a deletion-log entry, so its lingering
	// directory must not resurrect it.
	require.NoError(t, atomicfile.AppendLine(
		filepath.Join(sd.DeletedDir(), "other.log"), "note-deleted-remotely|100", 0o600))

	var discovered, vanished []string

	w := NewWakeDiscovery(sd, 0,
		func(ctx context.Context) (map[string]bool, error) {
			return map[string]bool{"note-known": true}, nil
		},
		func(ctx context.Context, noteID string) error {
			discovered = append(discovered, noteID)
			return nil
		},
		func(ctx context.Context, noteID string) error {
			vanished = append(vanished, noteID)
			return nil
		},
		nil)

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []string{"note-new"}, discovered)
	assert.Empty(t, vanished)
}

func TestWakeHardDeletesVanishedNotes(t *testing.T) {
	sd := setupSD(t)

	// Cached note whose directory is gone and whose delete is recorded.
	require.NoError(t, atomicfile.AppendLine(
		filepath.Join(sd.DeletedDir(), "other.log"), "note-gone|100", 0o600))

	// Cached note whose directory is gone but with no deletion record:
	// possibly still syncing in, so it is left alone.
	var vanished []string

	w := NewWakeDiscovery(sd, 0,
		func(ctx context.Context) (map[string]bool, error) {
			return map[string]bool{"note-gone": true, "note-lagging": true}, nil
		},
		func(ctx context.Context, noteID string) error { return nil },
		func(ctx context.Context, noteID string) error {
			vanished = append(vanished, noteID)
			return nil
		},
		nil)

	require.NoError(t, w.Scan(context.Background()))

	assert.Equal(t, []string{"note-gone"}, vanished)
}

func TestWakeSkipsScratchDirs(t *testing.T) {
	sd := setupSD(t)

	require.NoError(t, os.MkdirAll(sd.MovingScratchDir("note-x"), 0o700))

	var discovered []string

	w := NewWakeDiscovery(sd, 0,
		func(ctx context.Context) (map[string]bool, error) { return nil, nil },
		func(ctx context.Context, noteID string) error {
			discovered = append(discovered, noteID)
			return nil
		},
		func(ctx context.Context, noteID string) error { return nil },
		nil)

	require.NoError(t, w.Scan(context.Background()))
	assert.Empty(t, discovered, "dot-prefixed move scratch dirs are not notes")
}

func TestWakeIsolatesPerNoteErrors(t *testing.T) {
	sd := setupSD(t)

	mkNoteDir(t, sd, "note-a")
	mkNoteDir(t, sd, "note-b")

	var discovered []string

	w := NewWakeDiscovery(sd, 0,
		func(ctx context.Context) (map[string]bool, error) { return nil, nil },
		func(ctx context.Context, noteID string) error {
			if noteID == "note-a" {
				return os.ErrPermission
			}

			discovered = append(discovered, noteID)

			return nil
		},
		func(ctx context.Context, noteID string) error { return nil },
		nil)

	require.NoError(t, w.Scan(context.Background()))
	assert.Equal(t, []string{"note-b"}, discovered, "one failing note must not block the rest")
}

func TestWakeCancelDuringDelay(t *testing.T) {
	sd := setupSD(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWakeDiscovery(sd, DefaultWakeDelay,
		func(ctx context.Context) (map[string]bool, error) { return nil, nil },
		func(ctx context.Context, noteID string) error { return nil },
		func(ctx context.Context, noteID string) error { return nil },
		nil)

	assert.ErrorIs(t, w.Run(ctx), context.Canceled)
}

package activity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerAppendFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inst.log")
	l := NewLogger(path)

	require.NoError(t, l.Append("noteA", "inst", 0))
	require.NoError(t, l.Append("noteB", "inst", 1))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "noteA|inst_0\nnoteB|inst_1\n", string(data))
}

func TestCompactIfNeeded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inst.log")
	l := NewLogger(path)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Append("note", "inst", uint64(i)))
	}

	// Below threshold: untouched.
	compacted, err := l.CompactIfNeeded(10)
	require.NoError(t, err)
	assert.False(t, compacted)

	require.NoError(t, l.Append("note", "inst", 10))

	compacted, err = l.CompactIfNeeded(10)
	require.NoError(t, err)
	assert.True(t, compacted)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "note|inst_6", lines[0], "oldest surviving entry")
	assert.Equal(t, "note|inst_10", lines[4], "newest entry kept")
}

func TestCompactMissingFileIsNoop(t *testing.T) {
	l := NewLogger(filepath.Join(t.TempDir(), "absent.log"))

	compacted, err := l.CompactIfNeeded(0)
	require.NoError(t, err)
	assert.False(t, compacted)
}

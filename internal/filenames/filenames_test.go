package filenames

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateRoundTrip(t *testing.T) {
	cases := []Update{
		{InstanceID: "a1b2c3d4-0000-0000-0000-000000000001", TimestampMs: 1700000000000, Seq: 0},
		{InstanceID: "has_underscore_inside", TimestampMs: 42, Seq: 999},
	}

	for _, c := range cases {
		name := FormatUpdate(c)
		got, err := ParseUpdate(name)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestPackRoundTrip(t *testing.T) {
	p := Pack{InstanceID: "inst_with_underscores", StartSeq: 0, EndSeq: 9}
	name := FormatPack(p)
	got, err := ParsePack(name)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestParsePackRejectsBadRange(t *testing.T) {
	_, err := ParsePack("inst_pack_9-0.yjson")
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := Snapshot{TotalChanges: 0, InstanceID: "inst_a_b_c"}
	name := FormatSnapshot(s)
	got, err := ParseSnapshot(name)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestParseRejectsWrongExtension(t *testing.T) {
	_, err := ParseUpdate("inst_1-2.json")
	assert.Error(t, err)

	_, err = ParsePack("inst_pack_1-2.json")
	assert.Error(t, err)

	_, err = ParseSnapshot("snapshot_1_inst.json")
	assert.Error(t, err)
}

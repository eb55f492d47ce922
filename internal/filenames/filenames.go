// Package filenames implements the self-describing filename grammar for
// update, pack, and snapshot files.
package filenames

import (
	"fmt"
	"strconv"
	"strings"
)

const extension = ".yjson"

// Update names one CRDT diff emitted by one instance:
// <instanceId>_<timestampMs>-<seq>.yjson
type Update struct {
	InstanceID  string
	TimestampMs int64
	Seq         uint64
}

// FormatUpdate renders u per the update filename grammar.
func FormatUpdate(u Update) string {
	return fmt.Sprintf("%s_%d-%d%s", u.InstanceID, u.TimestampMs, u.Seq, extension)
}

// ParseUpdate parses name as an update filename. The instanceId portion may
// itself contain underscores (UUIDs do not, but overridden test ids might),
// so parsing works from the right: the last "_" before the timestamp-seq
// suffix separates instance id from the rest.
func ParseUpdate(name string) (Update, error) {
	base, ok := strings.CutSuffix(name, extension)
	if !ok {
		return Update{}, fmt.Errorf("filenames: %q: missing %s extension", name, extension)
	}

	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return Update{}, fmt.Errorf("filenames: %q: missing instance separator", name)
	}

	instanceID, rest := base[:idx], base[idx+1:]
	if instanceID == "" {
		return Update{}, fmt.Errorf("filenames: %q: empty instance id", name)
	}

	dashIdx := strings.Index(rest, "-")
	if dashIdx < 0 {
		return Update{}, fmt.Errorf("filenames: %q: missing timestamp-seq separator", name)
	}

	ts, err := strconv.ParseInt(rest[:dashIdx], 10, 64)
	if err != nil {
		return Update{}, fmt.Errorf("filenames: %q: bad timestamp: %w", name, err)
	}

	seq, err := strconv.ParseUint(rest[dashIdx+1:], 10, 64)
	if err != nil {
		return Update{}, fmt.Errorf("filenames: %q: bad seq: %w", name, err)
	}

	return Update{InstanceID: instanceID, TimestampMs: ts, Seq: seq}, nil
}

// Pack names one instance's batch of contiguous updates:
// <instanceId>_pack_<startSeq>-<endSeq>.yjson
type Pack struct {
	InstanceID string
	StartSeq   uint64
	EndSeq     uint64
}

// FormatPack renders p per the pack filename grammar.
func FormatPack(p Pack) string {
	return fmt.Sprintf("%s_pack_%d-%d%s", p.InstanceID, p.StartSeq, p.EndSeq, extension)
}

// ParsePack parses name as a pack filename.
func ParsePack(name string) (Pack, error) {
	base, ok := strings.CutSuffix(name, extension)
	if !ok {
		return Pack{}, fmt.Errorf("filenames: %q: missing %s extension", name, extension)
	}

	const marker = "_pack_"

	idx := strings.LastIndex(base, marker)
	if idx < 0 {
		return Pack{}, fmt.Errorf("filenames: %q: not a pack file", name)
	}

	instanceID, rest := base[:idx], base[idx+len(marker):]
	if instanceID == "" {
		return Pack{}, fmt.Errorf("filenames: %q: empty instance id", name)
	}

	dashIdx := strings.Index(rest, "-")
	if dashIdx < 0 {
		return Pack{}, fmt.Errorf("filenames: %q: missing start-end separator", name)
	}

	start, err := strconv.ParseUint(rest[:dashIdx], 10, 64)
	if err != nil {
		return Pack{}, fmt.Errorf("filenames: %q: bad start seq: %w", name, err)
	}

	end, err := strconv.ParseUint(rest[dashIdx+1:], 10, 64)
	if err != nil {
		return Pack{}, fmt.Errorf("filenames: %q: bad end seq: %w", name, err)
	}

	if start > end {
		return Pack{}, fmt.Errorf("filenames: %q: startSeq %d > endSeq %d", name, start, end)
	}

	return Pack{InstanceID: instanceID, StartSeq: start, EndSeq: end}, nil
}

// Snapshot names a full document state plus vector clock:
// snapshot_<totalChanges>_<instanceId>.yjson
type Snapshot struct {
	TotalChanges uint64
	InstanceID   string
}

// FormatSnapshot renders s per the snapshot filename grammar.
func FormatSnapshot(s Snapshot) string {
	return fmt.Sprintf("snapshot_%d_%s%s", s.TotalChanges, s.InstanceID, extension)
}

// ParseSnapshot parses name as a snapshot filename. The instanceId suffix
// may contain underscores, so it is whatever follows the second "_" after
// the fixed "snapshot_<n>_" prefix.
func ParseSnapshot(name string) (Snapshot, error) {
	base, ok := strings.CutSuffix(name, extension)
	if !ok {
		return Snapshot{}, fmt.Errorf("filenames: %q: missing %s extension", name, extension)
	}

	const prefix = "snapshot_"
	if !strings.HasPrefix(base, prefix) {
		return Snapshot{}, fmt.Errorf("filenames: %q: not a snapshot file", name)
	}

	rest := base[len(prefix):]

	idx := strings.Index(rest, "_")
	if idx < 0 {
		return Snapshot{}, fmt.Errorf("filenames: %q: missing instance separator", name)
	}

	total, err := strconv.ParseUint(rest[:idx], 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("filenames: %q: bad totalChanges: %w", name, err)
	}

	instanceID := rest[idx+1:]
	if instanceID == "" {
		return Snapshot{}, fmt.Errorf("filenames: %q: empty instance id", name)
	}

	return Snapshot{TotalChanges: total, InstanceID: instanceID}, nil
}

package updatemgr

import (
	"encoding/json"
	"fmt"
)

// packEntryData is one {seq, timestamp, data} element of a pack file's
// ordered array. json.Marshal base64-encodes Data
// automatically, satisfying the "base64-opaque-diff" wire requirement.
type packEntryData struct {
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	Data      []byte `json:"data"`
}

// packPayload is the JSON body written after the flag byte of a pack file.
// JSON is self-delimiting, so no external length prefix is needed.
type packPayload struct {
	Entries []packEntryData `json:"entries"`
}

func encodePackPayload(entries []packEntryData) ([]byte, error) {
	data, err := json.Marshal(packPayload{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("updatemgr: encode pack payload: %w", err)
	}

	return data, nil
}

func decodePackPayload(data []byte) ([]packEntryData, error) {
	var p packPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("updatemgr: decode pack payload: %w", err)
	}

	return p.Entries, nil
}

// snapshotPayload is the JSON body written after the flag byte of a
// snapshot file.
type snapshotPayload struct {
	Version       int               `json:"version"`
	NoteID        string            `json:"noteId"`
	Timestamp     int64             `json:"timestamp"`
	TotalChanges  uint64            `json:"totalChanges"`
	DocumentState []byte            `json:"documentState"`
	MaxSequences  map[string]uint64 `json:"maxSequences"`
}

const snapshotFormatVersion = 1

func encodeSnapshotPayload(p snapshotPayload) ([]byte, error) {
	p.Version = snapshotFormatVersion

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("updatemgr: encode snapshot payload: %w", err)
	}

	return data, nil
}

func decodeSnapshotPayload(data []byte) (snapshotPayload, error) {
	var p snapshotPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return snapshotPayload{}, fmt.Errorf("updatemgr: decode snapshot payload: %w", err)
	}

	return p, nil
}

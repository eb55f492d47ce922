package updatemgr

import "time"

// SnapshotThresholds maps an edit-rate class to the minimum number of new
// updates that triggers a snapshot.
type SnapshotThresholds struct {
	VeryHigh int // default 50
	High     int // default 100
	Medium   int // default 200
	Low      int // default 500
	// IdleForceAfter is the idle duration after which a snapshot is forced
	// even below threshold, provided at least IdleForceMinUpdates updates
	// are pending.
	IdleForceAfter      time.Duration
	IdleForceMinUpdates int
}

// Config holds the knobs that govern
// UpdateManager and GC behavior.
type Config struct {
	SnapshotThresholds  SnapshotThresholds
	PackInterval        time.Duration
	PackKeepRecent      int
	PackMinSize         int
	PackFreshnessAge    time.Duration
	GCInterval          time.Duration
	GCSnapshotRetention int
	GCMinHistory        time.Duration
}

// DefaultConfig returns Config populated with the documented defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotThresholds: SnapshotThresholds{
			VeryHigh:            50,
			High:                100,
			Medium:              200,
			Low:                 500,
			IdleForceAfter:      30 * time.Minute,
			IdleForceMinUpdates: 50,
		},
		PackInterval:        5 * time.Minute,
		PackKeepRecent:      50,
		PackMinSize:         10,
		PackFreshnessAge:    5 * time.Minute,
		GCInterval:          30 * time.Minute,
		GCSnapshotRetention: 3,
		GCMinHistory:        24 * time.Hour,
	}
}

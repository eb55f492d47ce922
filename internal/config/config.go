// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for notecove-core.
package config

import "time"

// Config is the top-level configuration structure. Every option has a
// default, so an absent config file yields a fully working setup.
type Config struct {
	Snapshots SnapshotConfig `toml:"snapshots"`
	Packing   PackConfig     `toml:"packing"`
	GC        GCConfig       `toml:"gc"`
	Polling   PollConfig     `toml:"polling"`
	Wake      WakeConfig     `toml:"wake"`
	Moves     MoveConfig     `toml:"moves"`
	Activity  ActivityConfig `toml:"activity"`
	Logging   LoggingConfig  `toml:"logging"`

	StorageDirs []string `toml:"storage_dirs"`
}

// SnapshotConfig holds the edit-rate-adaptive snapshot thresholds: the
// minimum number of new updates before a snapshot is worth creating, keyed
// by how hot the document currently is.
type SnapshotConfig struct {
	VeryHighActivity int    `toml:"very_high_activity"`
	HighActivity     int    `toml:"high_activity"`
	MediumActivity   int    `toml:"medium_activity"`
	LowActivity      int    `toml:"low_activity"`
	IdleForceAfter   string `toml:"idle_force_after"`
	IdleForceMin     int    `toml:"idle_force_min"`
}

// PackConfig controls background packing of contiguous update runs.
type PackConfig struct {
	Interval   string `toml:"interval"`
	KeepRecent int    `toml:"keep_recent"`
	MinSize    int    `toml:"min_size"`
	Freshness  string `toml:"freshness"`
}

// GCConfig controls the snapshot/pack/update garbage collector.
type GCConfig struct {
	Interval          string `toml:"interval"`
	SnapshotRetention int    `toml:"snapshot_retention"`
	MinHistory        string `toml:"min_history"`
}

// PollConfig controls the two-tier remote-change detection system.
type PollConfig struct {
	FastPathMaxMs      int    `toml:"fast_path_max_ms"`
	RatePerMin         int    `toml:"rate_per_min"`
	FullRepollInterval string `toml:"full_repoll_interval"`
}

// WakeConfig controls post-resume discovery.
type WakeConfig struct {
	DiscoveryDelayMs int `toml:"discovery_delay_ms"`
}

// MoveConfig controls cross-SD move bookkeeping.
type MoveConfig struct {
	RecordRetentionDays int    `toml:"record_retention_days"`
	StuckAfter          string `toml:"stuck_after"`
}

// ActivityConfig controls the per-instance activity log.
type ActivityConfig struct {
	LogMaxEntries int `toml:"log_max_entries"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// Duration accessors. Validate guarantees these strings parse, so the
// accessors fall back to the default silently rather than returning an
// error at every call site.

func (c SnapshotConfig) IdleForceAfterDuration() time.Duration {
	return parseDurationOr(c.IdleForceAfter, defaultIdleForceAfter)
}

func (c PackConfig) IntervalDuration() time.Duration {
	return parseDurationOr(c.Interval, defaultPackInterval)
}

func (c PackConfig) FreshnessDuration() time.Duration {
	return parseDurationOr(c.Freshness, defaultPackFreshness)
}

func (c GCConfig) IntervalDuration() time.Duration {
	return parseDurationOr(c.Interval, defaultGCInterval)
}

func (c GCConfig) MinHistoryDuration() time.Duration {
	return parseDurationOr(c.MinHistory, defaultGCMinHistory)
}

// FullRepollDuration returns the safety-net cadence; zero disables it.
func (c PollConfig) FullRepollDuration() time.Duration {
	if c.FullRepollInterval == "0" {
		return 0
	}

	return parseDurationOr(c.FullRepollInterval, defaultFullRepollInterval)
}

func (c MoveConfig) StuckAfterDuration() time.Duration {
	return parseDurationOr(c.StuckAfter, defaultMoveStuckAfter)
}

func parseDurationOr(s, fallback string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}

	return d
}

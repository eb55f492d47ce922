package config

import (
	"fmt"
	"time"
)

// Validate checks cfg for out-of-range or unparseable values. Called by
// Load after decode; also usable directly on a programmatically built
// Config (tests, CLI flag overrides).
func Validate(cfg *Config) error {
	for name, d := range map[string]string{
		"snapshots.idle_force_after": cfg.Snapshots.IdleForceAfter,
		"packing.interval":           cfg.Packing.Interval,
		"packing.freshness":          cfg.Packing.Freshness,
		"gc.interval":                cfg.GC.Interval,
		"gc.min_history":             cfg.GC.MinHistory,
		"moves.stuck_after":          cfg.Moves.StuckAfter,
	} {
		if err := validateDuration(name, d, false); err != nil {
			return err
		}
	}

	if err := validateDuration("polling.full_repoll_interval", cfg.Polling.FullRepollInterval, true); err != nil {
		return err
	}

	for name, v := range map[string]int{
		"snapshots.very_high_activity": cfg.Snapshots.VeryHighActivity,
		"snapshots.high_activity":      cfg.Snapshots.HighActivity,
		"snapshots.medium_activity":    cfg.Snapshots.MediumActivity,
		"snapshots.low_activity":       cfg.Snapshots.LowActivity,
		"snapshots.idle_force_min":     cfg.Snapshots.IdleForceMin,
		"packing.min_size":             cfg.Packing.MinSize,
		"polling.fast_path_max_ms":     cfg.Polling.FastPathMaxMs,
		"polling.rate_per_min":         cfg.Polling.RatePerMin,
		"activity.log_max_entries":     cfg.Activity.LogMaxEntries,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, v)
		}
	}

	for name, v := range map[string]int{
		"packing.keep_recent":         cfg.Packing.KeepRecent,
		"gc.snapshot_retention":       cfg.GC.SnapshotRetention,
		"wake.discovery_delay_ms":     cfg.Wake.DiscoveryDelayMs,
		"moves.record_retention_days": cfg.Moves.RecordRetentionDays,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}

	if cfg.GC.SnapshotRetention < 1 {
		return fmt.Errorf("gc.snapshot_retention must keep at least 1 snapshot, got %d", cfg.GC.SnapshotRetention)
	}

	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.log_level must be one of debug/info/warn/error, got %q", cfg.Logging.LogLevel)
	}

	switch cfg.Logging.LogFormat {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("logging.log_format must be one of auto/text/json, got %q", cfg.Logging.LogFormat)
	}

	return nil
}

// validateDuration requires a parseable positive duration; zeroAllowed
// permits the literal "0" used to disable an interval.
func validateDuration(name, value string, zeroAllowed bool) error {
	if zeroAllowed && value == "0" {
		return nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", name, value, err)
	}

	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %q", name, value)
	}

	return nil
}

package config

// Default values for configuration options. These are "layer 0" of the
// override chain (defaults → config file → environment → CLI flags) and
// match the documented defaults of the storage core.
const (
	defaultSnapVeryHigh       = 50
	defaultSnapHigh           = 100
	defaultSnapMedium         = 200
	defaultSnapLow            = 500
	defaultIdleForceAfter     = "30m"
	defaultIdleForceMin       = 50
	defaultPackInterval       = "5m"
	defaultPackKeepRecent     = 50
	defaultPackMinSize        = 10
	defaultPackFreshness      = "5m"
	defaultGCInterval         = "30m"
	defaultGCRetention        = 3
	defaultGCMinHistory       = "24h"
	defaultFastPathMaxMs      = 60000
	defaultPollRatePerMin     = 120
	defaultFullRepollInterval = "30m"
	defaultWakeDelayMs        = 5000
	defaultMoveRetention      = 30
	defaultMoveStuckAfter     = "5m"
	defaultActivityMaxLog     = 1000
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Snapshots: SnapshotConfig{
			VeryHighActivity: defaultSnapVeryHigh,
			HighActivity:     defaultSnapHigh,
			MediumActivity:   defaultSnapMedium,
			LowActivity:      defaultSnapLow,
			IdleForceAfter:   defaultIdleForceAfter,
			IdleForceMin:     defaultIdleForceMin,
		},
		Packing: PackConfig{
			Interval:   defaultPackInterval,
			KeepRecent: defaultPackKeepRecent,
			MinSize:    defaultPackMinSize,
			Freshness:  defaultPackFreshness,
		},
		GC: GCConfig{
			Interval:          defaultGCInterval,
			SnapshotRetention: defaultGCRetention,
			MinHistory:        defaultGCMinHistory,
		},
		Polling: PollConfig{
			FastPathMaxMs:      defaultFastPathMaxMs,
			RatePerMin:         defaultPollRatePerMin,
			FullRepollInterval: defaultFullRepollInterval,
		},
		Wake: WakeConfig{
			DiscoveryDelayMs: defaultWakeDelayMs,
		},
		Moves: MoveConfig{
			RecordRetentionDays: defaultMoveRetention,
			StuckAfter:          defaultMoveStuckAfter,
		},
		Activity: ActivityConfig{
			LogMaxEntries: defaultActivityMaxLog,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}

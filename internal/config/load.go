package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions so a typo never silently reverts an option to its default.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading config file", "path", path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("config file parsed successfully", "path", path)

	return cfg, nil
}

// LoadOrDefault loads path if it exists, or returns DefaultConfig when the
// file is absent. Any other error (unreadable, malformed, invalid) is
// still fatal.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug("no config file, using defaults", "path", path)
		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid dotted key paths in the config file.
var knownKeys = map[string]bool{
	"storage_dirs":                 true,
	"snapshots.very_high_activity": true,
	"snapshots.high_activity":      true,
	"snapshots.medium_activity":    true,
	"snapshots.low_activity":       true,
	"snapshots.idle_force_after":   true,
	"snapshots.idle_force_min":     true,
	"packing.interval":             true,
	"packing.keep_recent":          true,
	"packing.min_size":             true,
	"packing.freshness":            true,
	"gc.interval":                  true,
	"gc.snapshot_retention":        true,
	"gc.min_history":               true,
	"polling.fast_path_max_ms":     true,
	"polling.rate_per_min":         true,
	"polling.full_repoll_interval": true,
	"wake.discovery_delay_ms":      true,
	"moves.record_retention_days":  true,
	"moves.stuck_after":            true,
	"activity.log_max_entries":     true,
	"logging.log_level":            true,
	"logging.log_file":             true,
	"logging.log_format":           true,
}

// knownKeysList is the sorted slice form of knownKeys for Levenshtein
// matching; sorted for deterministic suggestions on distance ties.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var msgs []string

	for _, key := range undecoded {
		name := key.String()

		msg := fmt.Sprintf("unknown config key %q", name)
		if suggestion := closestKnownKey(name); suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
		}

		msgs = append(msgs, msg)
	}

	return errors.New(strings.Join(msgs, "; "))
}

func closestKnownKey(key string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, candidate := range knownKeysList {
		if d := levenshtein(key, candidate); d < bestDist {
			best, bestDist = candidate, d
		}
	}

	return best
}

func levenshtein(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i

		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

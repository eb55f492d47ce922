// Command notecove-core runs and inspects the notecove storage core: the
// CRDT file store, cache, and sync machinery shared by every UI frontend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/notecove/notecove-core/internal/cache"
	"github.com/notecove/notecove-core/internal/config"
	"github.com/notecove/notecove-core/internal/corecontext"
	"github.com/notecove/notecove-core/internal/instanceid"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagProfile    string
	flagInstanceID string
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// CLIContext bundles the resolved config, logger, and identity. Created
// once in PersistentPreRunE.
type CLIContext struct {
	Cfg      *config.Holder
	Logger   *slog.Logger
	Instance instanceid.ID
	DataDir  string
}

type cliContextKey struct{}

// mustCLIContext extracts the CLIContext or panics: the command tree
// guarantees PersistentPreRunE populated it before any RunE executes.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext not found in context")
	}

	return cc
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notecove-core",
		Short:   "notecove storage core",
		Long:    "Runs and inspects the notecove offline-first note store: CRDT files, local cache, and cross-device sync over a shared directory.",
		Version: version,
		// Silence Cobra's default error/usage printing — main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagProfile, "profile", "default", "profile name (selects the cache database)")
	cmd.PersistentFlags().StringVar(&flagInstanceID, "instance-id", "", "override the stable instance identity (testing)")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSDCmd())
	cmd.AddCommand(newGCCmd())
	cmd.AddCommand(newPackCmd())
	cmd.AddCommand(newMovesCmd())

	return cmd
}

// loadConfig resolves the override chain (defaults → file → env → flags)
// and stores the CLIContext in the command's context.
func loadConfig(cmd *cobra.Command) error {
	logger := buildLogger("")

	env := config.ReadEnvOverrides()

	path := flagConfigPath
	if path == "" {
		path = env.ConfigPath
	}

	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(path, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	finalLogger := buildLogger(cfg.Logging.LogLevel)

	dataDir := env.DataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}

	override := flagInstanceID
	if override == "" {
		override = env.InstanceID
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	instance, err := instanceid.Load(filepath.Join(dataDir, "instance_id"), override)
	if err != nil {
		return err
	}

	cc := &CLIContext{
		Cfg:      config.NewHolder(cfg, path),
		Logger:   finalLogger,
		Instance: instance,
		DataDir:  dataDir,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger derives the slog level from the config-file level, with the
// mutually exclusive CLI flags winning over it.
func buildLogger(cfgLevel string) *slog.Logger {
	level := slog.LevelWarn

	switch cfgLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openCore opens the profile's cache database and constructs the Core.
// Cache open/migration failure is fatal by design.
func openCore(ctx context.Context, cc *CLIContext) (*corecontext.Core, error) {
	if err := os.MkdirAll(cc.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	store, err := cache.Open(ctx, config.CacheDBPath(cc.DataDir, flagProfile), cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	return corecontext.New(cc.Cfg, cc.Instance.String(), store, cc.Logger), nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the storage core until interrupted",
		Long: "Mounts every known storage directory, resumes interrupted moves, and " +
			"keeps the watchers, polling, packing, and GC loops running until SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			cleanup, err := writePIDFile(pidFilePath(cc.DataDir, flagProfile))
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := shutdownContext(cmd.Context(), cc.Logger)

			core, err := openCore(ctx, cc)
			if err != nil {
				return err
			}
			defer core.Store().Close()

			if err := core.Start(ctx); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "notecove-core running as instance %s (%d storage dirs)\n",
				core.InstanceID(), len(core.ListStorageDirs()))

			<-ctx.Done()

			cc.Logger.Info("shutting down")
			core.Stop()

			return nil
		},
	}
}

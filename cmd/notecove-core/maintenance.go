package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notecove/notecove-core/internal/corecontext"
)

// mountAll opens the core and starts it, which mounts every registered
// storage dir together with its watchers and background loops (the
// one-shot maintenance commands stop the core when done).
func mountAll(cmd *cobra.Command) (*corecontext.Core, error) {
	cc := mustCLIContext(cmd.Context())

	core, err := openCore(cmd.Context(), cc)
	if err != nil {
		return nil, err
	}

	if err := core.Start(cmd.Context()); err != nil {
		core.Store().Close() //nolint:errcheck
		return nil, err
	}

	return core, nil
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one garbage-collection pass over all storage dirs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, err := mountAll(cmd)
			if err != nil {
				return err
			}
			defer core.Store().Close()

			core.RunGCNow(cmd.Context())
			core.Stop()

			fmt.Fprintln(cmd.OutOrStdout(), "gc pass complete")

			return nil
		},
	}
}

func newPackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pack",
		Short: "Run one pack-and-snapshot pass over all storage dirs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, err := mountAll(cmd)
			if err != nil {
				return err
			}
			defer core.Store().Close()

			core.RunPackNow(cmd.Context())
			core.Stop()

			fmt.Fprintln(cmd.OutOrStdout(), "pack pass complete")

			return nil
		},
	}
}

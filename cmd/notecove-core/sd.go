package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sd",
		Short: "Manage storage directories",
	}

	cmd.AddCommand(newSDAddCmd())
	cmd.AddCommand(newSDListCmd())

	return cmd
}

func newSDAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <path>",
		Short: "Register a storage directory (creating its structure if new)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			core, err := openCore(ctx, cc)
			if err != nil {
				return err
			}
			defer core.Store().Close()

			sd, err := core.AddStorageDir(ctx, args[0])
			if err != nil {
				return err
			}

			core.Stop()

			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", sd.Path, sd.UUID)

			return nil
		},
	}
}

func newSDListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered storage directories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			core, err := openCore(ctx, cc)
			if err != nil {
				return err
			}
			defer core.Store().Close()

			dirs, err := core.Store().ListStorageDirs(ctx)
			if err != nil {
				return err
			}

			for _, d := range dirs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", d.UUID, d.Path)
			}

			return nil
		},
	}
}

package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newMovesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "moves",
		Short: "Inspect and recover cross-SD note moves",
	}

	cmd.AddCommand(newMovesListCmd())
	cmd.AddCommand(newMovesTakeoverCmd())
	cmd.AddCommand(newMovesCancelCmd())

	return cmd
}

func newMovesListCmd() *cobra.Command {
	var stuckOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List in-flight moves",
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, err := mountAll(cmd)
			if err != nil {
				return err
			}
			defer core.Store().Close()
			defer core.Stop()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if stuckOnly {
				stuck, err := core.ListStuckMoves(ctx)
				if err != nil {
					return err
				}

				for _, mv := range stuck {
					fmt.Fprintf(out, "%s  note %s  %s  by %s  last progress %s\n",
						mv.ID, mv.NoteID, mv.State, mv.InitiatedBy,
						humanize.Time(time.UnixMilli(mv.LastModified)))
				}

				if len(stuck) == 0 {
					fmt.Fprintln(out, "no stuck moves")
				}

				return nil
			}

			moves, err := core.Store().ListNonTerminalMoves(ctx)
			if err != nil {
				return err
			}

			for _, mv := range moves {
				fmt.Fprintf(out, "%s  note %s  %s  by %s\n", mv.ID, mv.NoteID, mv.State, mv.InitiatedBy)
			}

			if len(moves) == 0 {
				fmt.Fprintln(out, "no moves in flight")
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&stuckOnly, "stuck", false, "only moves stranded by another instance")

	return cmd
}

func newMovesTakeoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "takeover <move-id>",
		Short: "Adopt a stuck foreign move and resume it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := mountAll(cmd)
			if err != nil {
				return err
			}
			defer core.Store().Close()
			defer core.Stop()

			mv, err := core.TakeOverMove(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "move %s now %s\n", mv.ID, mv.State)

			return nil
		},
	}
}

func newMovesCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <move-id>",
		Short: "Cancel an in-flight move, rolling it back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := mountAll(cmd)
			if err != nil {
				return err
			}
			defer core.Store().Close()
			defer core.Stop()

			if err := core.CancelMove(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "move %s cancelled\n", args[0])

			return nil
		},
	}
}

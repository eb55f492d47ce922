package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/notecove/notecove-core/internal/sdlayout"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show storage dirs, note counts, and disk usage",
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

			out := cmd.OutOrStdout()
			color := isatty.IsTerminal(os.Stdout.Fd())

			if pid, err := readPIDFile(pidFilePath(cc.DataDir, flagProfile)); err == nil {
				fmt.Fprintf(out, "core running (pid %d)\n", pid)
			}

			if len(dirs) == 0 {
				fmt.Fprintln(out, "No storage dirs registered. Use 'notecove-core sd add <path>'.")
				return nil
			}

			for _, d := range dirs {
				reachable := sdlayout.Reachable(d.Path) == nil

				fmt.Fprintf(out, "%s  %s (%s)\n", statusMark(reachable, color), d.Path, d.UUID)

				if !reachable {
					continue
				}

				notes, err := core.Store().ListNotesByStorageDir(ctx, d.UUID)
				if err != nil {
					return err
				}

				deleted, err := core.Store().ListDeletedNotesByStorageDir(ctx, d.UUID)
				if err != nil {
					return err
				}

				size, files := treeUsage(d.Path)

				fmt.Fprintf(out, "    %d notes (%d recently deleted), %d files, %s on disk\n",
					len(notes), len(deleted), files, humanize.Bytes(uint64(size)))
			}

			stuck, err := core.Store().ListNonTerminalMoves(ctx)
			if err != nil {
				return err
			}

			if len(stuck) > 0 {
				fmt.Fprintf(out, "\n%d move(s) in flight — see 'notecove-core moves list'\n", len(stuck))
			}

			return nil
		},
	}
}

func statusMark(ok, color bool) string {
	switch {
	case ok && color:
		return "\033[32m●\033[0m"
	case ok:
		return "●"
	case color:
		return "\033[31m○\033[0m"
	default:
		return "○"
	}
}

// treeUsage totals the size and count of regular files under root.
// Best-effort: unreadable entries are skipped.
func treeUsage(root string) (bytes int64, files int) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil || d.IsDir() {
			return nil
		}

		if info, err := d.Info(); err == nil {
			bytes += info.Size()
			files++
		}

		return nil
	})

	return bytes, files
}

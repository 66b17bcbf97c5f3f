package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"prefixlock/internal/models"
)

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <path>...",
		Short: "Delete paths in the prefix, trashing those in use",
		Long: `Delete each path, recursively for directories, while holding the lock on
the prefix's conda-meta directory. Relative paths are resolved against the
prefix. A path that cannot be deleted, usually because another program has
it open, is renamed to <path>.mamba_trash and recorded in
conda-meta/mamba_trash.txt for a later clean-trash.`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.svc.RemovePaths(cmd.Context(), models.RemoveRequest{
				Prefix: a.cfg.Prefix,
				Paths:  args,
			})
			if resp == nil {
				return err
			}
			if a.jsonOut {
				if werr := writeJSON(cmd.OutOrStdout(), resp); werr != nil {
					return werr
				}
				return err
			}

			out := cmd.OutOrStdout()
			for _, r := range resp.Results {
				switch {
				case r.Error != "":
					fmt.Fprintf(out, "%s: failed: %s\n", r.Path, r.Error)
				case r.Tombstone != "":
					fmt.Fprintf(out, "%s: in use, moved to %s\n", r.Path, r.Tombstone)
				default:
					fmt.Fprintf(out, "%s: %s\n", r.Path, r.Outcome)
				}
			}
			fmt.Fprintf(out, "removed %d, trashed %d, failed %d\n", resp.Removed, resp.Tombstoned, resp.Failed)
			return err
		},
	}
}

func newCleanTrashCmd(a *app) *cobra.Command {
	var deep bool
	cmd := &cobra.Command{
		Use:   "clean-trash",
		Short: "Delete files left in the prefix's trash",
		Long: `Delete the files listed in conda-meta/mamba_trash.txt. With --deep, scan
the whole prefix for *.mamba_trash files instead. Files that still cannot be
deleted stay listed for the next run.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.svc.CleanTrash(cmd.Context(), models.CleanTrashRequest{
				Prefix: a.cfg.Prefix,
				Deep:   deep,
			})
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cleaned %d .mamba_trash files. %d remaining.\n", resp.Deleted, len(resp.Remaining))
			for _, r := range resp.Remaining {
				fmt.Fprintf(out, "  %s\n", r)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "scan the whole prefix for trash files")
	return cmd
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"prefixlock/internal/models"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <path>...",
		Short: "Show whether paths are locked",
		Long: `Report whether the lock file of each path is locked by any process.

The answer is a snapshot and may be stale by the time it is printed.`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.svc.Status(models.LockStatusRequest{Paths: args})
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), resp)
			}

			out := cmd.OutOrStdout()
			if !resp.LockingEnabled {
				fmt.Fprintln(out, "locking is disabled")
			}
			for _, st := range resp.Statuses {
				switch {
				case st.Error != "":
					fmt.Fprintf(out, "%s: error: %s\n", st.Path, st.Error)
				case !st.Locked:
					fmt.Fprintf(out, "%s: unlocked\n", st.Path)
				case st.HeldByThisProcess:
					fmt.Fprintf(out, "%s: locked by this process (%s)\n", st.Path, st.LockfilePath)
				case st.HolderPID > 0:
					fmt.Fprintf(out, "%s: locked by pid %d (%s)\n", st.Path, st.HolderPID, st.LockfilePath)
				default:
					fmt.Fprintf(out, "%s: locked (%s)\n", st.Path, st.LockfilePath)
				}
			}
			return nil
		},
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SirClappington/slackq/internal/app"
)

// NewReconcileCommand constructs `reconcile once`.
func NewReconcileCommand(open Opener) *cobra.Command {
	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair jobs stuck in sending",
	}
	reconcileCmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single reconcile cycle and print what it did",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(a *app.App) error {
				res, err := a.Reconciler().RunCycle(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Locked {
					_, _ = fmt.Fprintln(out, "another reconciler holds the lock; nothing done")
					return nil
				}
				_, _ = fmt.Fprintf(out, "finalized=%d requeued=%d skipped=%d\n", res.Finalized, res.Requeued, res.Skipped)
				return nil
			})
		},
	})
	return reconcileCmd
}

// Package cli contains the Cobra commands of slackqctl.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/SirClappington/slackq/internal/app"
)

// Opener connects the backing services. Every command opens its own App and
// closes it before returning.
type Opener func(ctx context.Context) (*app.App, error)

// NewRoot constructs the slackqctl root command.
func NewRoot(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "slackqctl",
		Short:         "Operate slackq storage, credentials and jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		NewMigrateCommand(open),
		NewCredentialsCommand(open),
		NewJobsCommand(open),
		NewReconcileCommand(open),
	)
	return root
}

func withApp(cmd *cobra.Command, open Opener, fn func(a *app.App) error) error {
	a, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

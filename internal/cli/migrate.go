package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SirClappington/slackq/internal/app"
	"github.com/SirClappington/slackq/internal/storage"
)

var errNoDatabase = errors.New("migrations require STORAGE_DRIVER=postgres")

// NewMigrateCommand constructs `migrate up|down|status`.
func NewMigrateCommand(open Opener) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect database migrations",
	}
	for _, c := range []struct{ use, short string }{
		{"up", "Apply all pending migrations"},
		{"down", "Roll back the most recent migration"},
		{"status", "Print the status of every migration"},
	} {
		command := c.use
		migrateCmd.AddCommand(&cobra.Command{
			Use:   command,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, open, func(a *app.App) error {
					if a.Pool == nil {
						return errNoDatabase
					}
					if err := storage.Migrate(a.Pool, a.Config.MigrationsDir, command); err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "migrate", command+":", "OK")
					return nil
				})
			},
		})
	}
	return migrateCmd
}

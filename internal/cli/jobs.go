package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SirClappington/slackq/internal/app"
	"github.com/SirClappington/slackq/internal/domain"
)

// NewJobsCommand constructs the `jobs` command group.
func NewJobsCommand(open Opener) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel scheduled messages",
	}
	jobsCmd.AddCommand(
		newJobsListCommand(open),
		newJobsGetCommand(open),
		newJobsCancelCommand(open),
	)
	jobsCmd.PersistentFlags().String("tenant", "", "tenant id")
	return jobsCmd
}

func tenantFlag(cmd *cobra.Command) (string, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		return "", errors.New("--tenant is required")
	}
	return tenant, nil
}

func newJobsListCommand(open Opener) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's jobs by send time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, err := tenantFlag(cmd)
			if err != nil {
				return err
			}
			includeCancelled, _ := cmd.Flags().GetBool("include-cancelled")

			return withApp(cmd, open, func(a *app.App) error {
				jobs, err := a.Intake().List(cmd.Context(), tenant, includeCancelled)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tCHANNEL\tSEND_AT\tSTATUS\tRETRIES")
				for _, j := range jobs {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
						j.ID, j.ChannelID, j.SendAt.UTC().Format(time.RFC3339), j.Status, j.RetryCount)
				}
				return tw.Flush()
			})
		},
	}
	listCmd.Flags().Bool("include-cancelled", false, "include cancelled jobs")
	return listCmd
}

func newJobsGetCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Print one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantFlag(cmd)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("job id: %w", err)
			}
			return withApp(cmd, open, func(a *app.App) error {
				job, err := a.Store.GetJob(cmd.Context(), tenant, id)
				if err != nil {
					return err
				}
				printJob(cmd, job)
				return nil
			})
		},
	}
}

func newJobsCancelCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a job that has not been picked up yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantFlag(cmd)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("job id: %w", err)
			}
			return withApp(cmd, open, func(a *app.App) error {
				job, err := a.Intake().Cancel(cmd.Context(), tenant, id)
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("job %s is unknown or can no longer be cancelled", id)
				}
				if err != nil {
					return err
				}
				printJob(cmd, job)
				return nil
			})
		},
	}
}

func printJob(cmd *cobra.Command, j domain.Job) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	row := func(k string, v any) { _, _ = fmt.Fprintf(tw, "%s\t%v\n", k, v) }
	row("id", j.ID)
	row("tenant", j.TenantID)
	row("channel", j.ChannelID)
	row("send_at", j.SendAt.UTC().Format(time.RFC3339))
	row("status", j.Status)
	row("retry_count", j.RetryCount)
	if j.SentAt != nil {
		row("sent_at", j.SentAt.UTC().Format(time.RFC3339))
	}
	if j.ProviderMessageID != nil {
		row("message_id", *j.ProviderMessageID)
	}
	if j.Permalink != nil {
		row("permalink", *j.Permalink)
	}
	_ = tw.Flush()
}

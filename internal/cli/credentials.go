package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SirClappington/slackq/internal/app"
	"github.com/SirClappington/slackq/internal/domain"
)

// NewCredentialsCommand constructs the `credentials` command group.
func NewCredentialsCommand(open Opener) *cobra.Command {
	credCmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage tenant OAuth credentials",
	}
	credCmd.AddCommand(newCredentialsSetCommand(open), newCredentialsShowCommand(open))
	return credCmd
}

func newCredentialsSetCommand(open Opener) *cobra.Command {
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Install or replace a tenant's tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			access, _ := cmd.Flags().GetString("access-token")
			refresh, _ := cmd.Flags().GetString("refresh-token")
			tokenType, _ := cmd.Flags().GetString("token-type")
			scopes, _ := cmd.Flags().GetString("scopes")
			expiresIn, _ := cmd.Flags().GetDuration("expires-in")

			if tenant == "" || access == "" {
				return errors.New("--tenant and --access-token are required")
			}

			cred := domain.Credential{
				TenantID:    tenant,
				AccessToken: access,
				TokenType:   tokenType,
				Scopes:      splitList(scopes),
			}
			if refresh != "" {
				cred.RefreshToken = &refresh
			}
			if expiresIn > 0 {
				exp := time.Now().UTC().Add(expiresIn)
				cred.ExpiresAt = &exp
			}

			return withApp(cmd, open, func(a *app.App) error {
				if err := a.Credentials.Save(cmd.Context(), cred); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "credentials saved for", tenant)
				return nil
			})
		},
	}
	setCmd.Flags().String("tenant", "", "tenant id")
	setCmd.Flags().String("access-token", "", "bot access token")
	setCmd.Flags().String("refresh-token", "", "refresh token (token rotation only)")
	setCmd.Flags().String("token-type", "bot", "token type")
	setCmd.Flags().String("scopes", "", "comma-separated granted scopes")
	setCmd.Flags().Duration("expires-in", 0, "access token lifetime; 0 never expires")
	return setCmd
}

func newCredentialsShowCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "show TENANT",
		Short: "Print a tenant's credential metadata without secrets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(a *app.App) error {
				cred, err := a.Store.FindCredential(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				expires := "never"
				if cred.ExpiresAt != nil {
					expires = cred.ExpiresAt.UTC().Format(time.RFC3339)
				}
				_, _ = fmt.Fprintln(out, "tenant:     ", cred.TenantID)
				_, _ = fmt.Fprintln(out, "token_type: ", cred.TokenType)
				_, _ = fmt.Fprintln(out, "scopes:     ", strings.Join(cred.Scopes, ","))
				_, _ = fmt.Fprintln(out, "refreshable:", cred.RefreshToken != nil)
				_, _ = fmt.Fprintln(out, "expires_at: ", expires)
				return nil
			})
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

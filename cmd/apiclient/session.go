package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/resilient-api-client/pkg/auth"
)

// envSecret lets scripts pass the secret without exposing it in argv.
const envSecret = "APICLIENT_SECRET"

func newLoginCommand(c *cli) *cobra.Command {
	var identifier, secret string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			if secret == "" {
				secret = os.Getenv(envSecret)
			}
			if identifier == "" || secret == "" {
				return fmt.Errorf("--identifier and --secret (or %s) are required", envSecret)
			}

			principal, err := a.tokens.Login(ctx, identifier, secret)
			if err != nil {
				if errors.Is(err, auth.ErrInvalidCredentials) {
					return fmt.Errorf("login rejected: invalid credentials")
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", displayName(principal.Name, principal.Email), principal.ID)
			return nil
		}),
	}

	cmd.Flags().StringVar(&identifier, "identifier", "", "Account identifier, e.g. an email address")
	cmd.Flags().StringVar(&secret, "secret", "", "Account secret (or set "+envSecret+")")
	return cmd
}

func newLogoutCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the local session and notify the service",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			if err := a.tokens.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		}),
	}
}

func newWhoamiCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the identity of the stored session",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			principal, err := a.tokens.Principal(ctx)
			if errors.Is(err, auth.ErrNoSession) {
				return fmt.Errorf("not logged in")
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(principal)
		}),
	}
}

func displayName(name, email string) string {
	if name != "" {
		return name
	}
	return email
}

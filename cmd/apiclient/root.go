package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/resilient-api-client/internal/config"
)

// cli holds state shared by the subcommands of one invocation.
type cli struct {
	cfgFile string
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "apiclient",
		Short: "Resilient API client with automatic token lifecycle",
		Long: `apiclient talks to a token-authenticated JSON API.

It keeps the session in a local credential store, refreshes expired access
tokens once per failed call, retries transient failures with exponential
backoff and can answer with a caller-supplied mock when the service is
unreachable.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default: ./apiclient.yaml)")
	rootCmd.PersistentFlags().String("base-url", "", "Base URL of the remote service")
	rootCmd.PersistentFlags().String("store", "", "Credential store (memory|file|redis)")
	rootCmd.PersistentFlags().String("store-path", "", "Session file for the file store")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error|disabled)")
	rootCmd.PersistentFlags().Bool("mock-fallback", false, "Answer failed calls with their mock value")

	_ = rootCmd.RegisterFlagCompletionFunc("store", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{config.StoreMemory, config.StoreFile, config.StoreRedis}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(newLoginCommand(c))
	rootCmd.AddCommand(newLogoutCommand(c))
	rootCmd.AddCommand(newWhoamiCommand(c))
	rootCmd.AddCommand(newGetCommand(c))
	rootCmd.AddCommand(newProxyCommand(c))

	return rootCmd
}

// withApp loads the configuration, builds the components and runs fn.
// The components are closed when fn returns.
func (c *cli) withApp(fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		res, err := config.Load(c.cfgFile, cmd.Root().PersistentFlags())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		a, err := newApp(ctx, res.Config, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() {
			if cerr := a.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close: %w", cerr)
			}
		}()

		if res.FileUsed != "" {
			a.logger.Debug().Str("file", res.FileUsed).Msg("Loaded config file")
		}
		return fn(ctx, cmd, a, args)
	}
}

// Package app provides the entry point for the nango-server command-line
// application.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nangohq/nango/pkg/logger"
	"github.com/nangohq/nango/pkg/versions"
)

// Exit codes returned by Run.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// usageError marks command-line misuse so Run can exit 2 instead of 1.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// Run executes the root command and maps the outcome to a process exit code.
func Run(ctx context.Context) int {
	return exitCode(NewRootCmd().ExecuteContext(ctx))
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var uerr *usageError
	if errors.As(err, &uerr) {
		return exitUsage
	}
	return exitError
}

// noArgs rejects positional arguments as command-line misuse.
func noArgs(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return &usageError{err: fmt.Errorf("unexpected argument %q", args[0])}
	}
	return nil
}

// NewRootCmd creates the root command for the nango-server CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "nango-server",
		DisableAutoGenTag: true,
		Short:             "Authorization broker for third-party API integrations",
		Long: `nango-server is the authorization subsystem of a multi-tenant integration
broker. It drives end-users through provider-specific auth handshakes
(OAuth 1.0a, OAuth 2 with PKCE, client credentials, app installations, API
keys, and more), persists the resulting credentials encrypted at rest, and
refreshes them transparently before they expire.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &usageError{err: fmt.Errorf("unknown command %q", args[0])}
			}
			return nil
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	return rootCmd
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of nango-server",
		Long:  `Display detailed version information, including version number, git commit, build date, and Go version.`,
		Args:  noArgs,
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			if jsonOutput {
				printJSONVersionInfo(info)
			} else {
				printVersionInfo(info)
			}
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")

	return cmd
}

func printVersionInfo(info versions.VersionInfo) {
	fmt.Printf("nango-server %s\n", info.Version)
	fmt.Printf("Commit: %s\n", info.Commit)
	fmt.Printf("Built: %s\n", info.BuildDate)
	fmt.Printf("Go version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s\n", info.Platform)
}

func printJSONVersionInfo(info versions.VersionInfo) {
	fmt.Printf(`{
  "version": %q,
  "commit": %q,
  "build_date": %q,
  "go_version": %q,
  "platform": %q
}
`, info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
}

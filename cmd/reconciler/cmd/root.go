package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"statement-reconciliation-service/cmd/reconciler/config"
	"statement-reconciliation-service/pkg/errors"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// NewRootCommand creates the root command with all subcommands registered.
// Every root has its own viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "reconciler",
		Short: "Bank statement reconciliation tool",
		Long: `Reconciler keeps bank statements in a local ledger database and
reconciles each statement record with the internal transaction it pays.

Statements are read from one CSV export per account. Records are scored
against the ledger by amount, date and description; clear winners are
linked automatically and every decision is written to an audit log.

Examples:
  reconciler ledger import --file ledger.csv
  reconciler sync --account acc-1 --from 2024-03-01 --to 2024-03-31
  reconciler match batch --account acc-1 --from 2024-03-01 --to 2024-03-31
  reconciler match --record <record-id> --transaction L3 --actor ana
  reconciler summary --account acc-1 --output-format json`,
		Version:       getVersionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cfgFile)
		},
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (optional)")
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.String("db", "", "path to the SQLite database (default reconciler.db)")
	flags.StringP("output-format", "f", "", "output format: console, json, csv")
	flags.StringP("output", "o", "", "output file path (default: stdout)")

	// Bind flags to viper
	_ = v.BindPFlag("verbose", flags.Lookup("verbose"))
	_ = v.BindPFlag("database.path", flags.Lookup("db"))
	_ = v.BindPFlag("output.format", flags.Lookup("output-format"))
	_ = v.BindPFlag("output.file", flags.Lookup("output"))

	rootCmd.AddCommand(
		newSyncCommand(v),
		newMatchCommand(v),
		newUnmatchCommand(v),
		newPendingCommand(v),
		newSummaryCommand(v),
		newLedgerCommand(v),
		newVersionCommand(),
	)

	return rootCmd
}

// Execute runs the command line and returns the process exit code
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
		return NewCLIErrorHandler(rootCmd.ErrOrStderr(), verbose).HandleError(err)
	}
	return 0
}

// initConfig reads the config file, if any, and the environment
func initConfig(v *viper.Viper, cfgFile string) error {
	config.Configure(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "config", cfgFile, err).
				WithSuggestion("Check that the config file exists and is valid YAML")
		}
	}
	return nil
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "reconciler %s\n", getVersionString())
			return err
		},
	}
}

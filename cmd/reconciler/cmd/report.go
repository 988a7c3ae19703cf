package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"statement-reconciliation-service/internal/bankfeed"
	"statement-reconciliation-service/internal/coverage"
	"statement-reconciliation-service/internal/reporter"
)

func newPendingCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List the unreconciled records of an account",
		Long: `Pending lists the statement records of an account that are not linked
to a ledger transaction, oldest first. Without --from and --to every date
is listed.

Examples:
  reconciler pending --account acc-1
  reconciler pending --account acc-1 --from 2024-03-01 --to 2024-03-31 -f csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account")
			period, err := periodFromFlags(cmd, false)
			if err != nil {
				return err
			}

			return runWithApp(cmd, v, func(ctx context.Context, a *app) error {
				if _, err := a.store.GetAccount(ctx, accountID); err != nil {
					return err
				}

				records, err := a.store.ListUnreconciled(ctx, accountID, period)
				if err != nil {
					return err
				}

				return a.emit(func(rg *reporter.ReportGenerator, w io.Writer) error {
					return rg.WritePending(records, w)
				})
			})
		},
	}

	cmd.Flags().String("account", "", "account ID (required)")
	addPeriodFlags(cmd)
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newSummaryCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize reconciliation coverage",
		Long: `Summary reports, per account and month, how many statement records are
reconciled and their value, and the reconciliation decisions by type.
Without --account every account is included; without --from and --to
every date is.

Examples:
  reconciler summary
  reconciler summary --account acc-1,acc-2 --from 2024-01-01 --to 2024-03-31
  reconciler summary --account acc-1 --output-format json --output coverage.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			accountIDs, _ := cmd.Flags().GetStringSlice("account")
			period, err := periodFromFlags(cmd, false)
			if err != nil {
				return err
			}

			return runWithApp(cmd, v, func(ctx context.Context, a *app) error {
				report, err := coverage.NewAggregator(a.store, a.logger).Summarize(ctx, coverage.Filter{
					AccountIDs: accountIDs,
					Period:     period,
				})
				if err != nil {
					return err
				}

				return a.emit(func(rg *reporter.ReportGenerator, w io.Writer) error {
					return rg.WriteCoverage(report, w)
				})
			})
		},
	}

	cmd.Flags().StringSlice("account", nil, "account IDs, comma-separated (default: all)")
	addPeriodFlags(cmd)

	return cmd
}

func newLedgerCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Manage the internal ledger",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import ledger transactions from a CSV extract",
		Long: `Import loads the internal transactions of a ledger extract. Transactions
already stored are updated when their details changed; rows that cannot be
read are reported and skipped. Rows without an account column are assigned
to --account.

Examples:
  reconciler ledger import --file ledger.csv
  reconciler ledger import --file payables.csv --account acc-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			accountID, _ := cmd.Flags().GetString("account")

			return runWithApp(cmd, v, func(ctx context.Context, a *app) error {
				result, err := bankfeed.ImportLedger(ctx, path, a.settings.Ledger, accountID, a.store, a.logger)
				if err != nil {
					return err
				}

				return a.emit(func(rg *reporter.ReportGenerator, w io.Writer) error {
					return rg.WriteImport(result, w)
				})
			})
		},
	}
	importCmd.Flags().String("file", "", "ledger CSV file (required)")
	importCmd.Flags().String("account", "", "account ID for rows without one")
	_ = importCmd.MarkFlagRequired("file")

	cmd.AddCommand(importCmd)
	return cmd
}

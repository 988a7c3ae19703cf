package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"statement-reconciliation-service/internal/reporter"
	"statement-reconciliation-service/pkg/logger"
)

func newSyncCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch an account's statement and store its records",
		Long: `Sync reads the account's statement export for a period, normalizes
every row and stores it. Rows already stored are skipped, rows whose bank
details changed are updated, and internal transfers matching the exclusion
rules are filtered out. Rows that cannot be read are reported without
stopping the sync.

Examples:
  reconciler sync --account acc-1 --from 2024-03-01 --to 2024-03-31
  reconciler sync --account acc-1 --from 2024-01-01 --to 2024-03-31 -f json -o sync.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account")
			period, err := periodFromFlags(cmd, true)
			if err != nil {
				return err
			}

			return runWithApp(cmd, v, func(ctx context.Context, a *app) error {
				service, err := a.syncService()
				if err != nil {
					return err
				}

				result, err := service.Sync(ctx, accountID, period)
				if err != nil {
					return err
				}

				a.logger.WithFields(logger.Fields{
					"account":  accountID,
					"inserted": result.Inserted,
					"errors":   len(result.Errors),
				}).Debug("Sync finished")

				return a.emit(func(rg *reporter.ReportGenerator, w io.Writer) error {
					return rg.WriteSync(result, w)
				})
			})
		},
	}

	cmd.Flags().String("account", "", "account ID (required)")
	addPeriodFlags(cmd)
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

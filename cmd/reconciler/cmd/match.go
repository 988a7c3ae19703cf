package cmd

import (
	"context"
	stderrors "errors"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"statement-reconciliation-service/internal/matcher"
	"statement-reconciliation-service/internal/reporter"
)

func newMatchCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Reconcile one statement record",
		Long: `Match scores the ledger transactions around a statement record and
links the record to the best one when it clears the auto-accept threshold
and no other candidate ties with it. Otherwise the ranked candidates are
listed for review.

With --transaction the record is linked to that transaction directly. A
record already linked elsewhere is moved and both decisions are audited.

Examples:
  reconciler match --record 6f1c...
  reconciler match --record 6f1c... --transaction L3 --actor ana
  reconciler match batch --account acc-1 --from 2024-03-01 --to 2024-03-31`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recordID, _ := cmd.Flags().GetString("record")
			transactionID, _ := cmd.Flags().GetString("transaction")
			actorID, _ := cmd.Flags().GetString("actor")

			return runWithApp(cmd, v, func(ctx context.Context, a *app) error {
				engine, err := a.engine()
				if err != nil {
					return err
				}

				result, err := engine.Match(ctx, matcher.MatchRequest{
					RecordID:      recordID,
					TransactionID: transactionID,
					ActorID:       actorID,
				})
				if err != nil {
					return err
				}

				return a.emit(func(rg *reporter.ReportGenerator, w io.Writer) error {
					return rg.WriteMatch(result, w)
				})
			})
		},
	}

	cmd.Flags().String("record", "", "statement record ID (required)")
	cmd.Flags().String("transaction", "", "ledger transaction ID for a manual link")
	cmd.Flags().String("actor", "", "who made the decision, recorded in the audit log")
	_ = cmd.MarkFlagRequired("record")

	cmd.AddCommand(newMatchBatchCommand(v))
	return cmd
}

func newMatchBatchCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Reconcile every pending record of an account",
		Long: `Batch runs automatic matching over the unreconciled records of an
account in a period. A failure on one record is reported and the batch
continues; interrupting the command stops it between records.

Examples:
  reconciler match batch --account acc-1 --from 2024-03-01 --to 2024-03-31`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account")
			period, err := periodFromFlags(cmd, true)
			if err != nil {
				return err
			}

			return runWithApp(cmd, v, func(ctx context.Context, a *app) error {
				engine, err := a.engine()
				if err != nil {
					return err
				}

				result, err := engine.MatchBatch(ctx, accountID, period)
				if err != nil && !stderrors.Is(err, context.Canceled) {
					return err
				}

				// an interrupted batch still reports what it processed
				if emitErr := a.emit(func(rg *reporter.ReportGenerator, w io.Writer) error {
					return rg.WriteBatch(result, w)
				}); emitErr != nil && err == nil {
					err = emitErr
				}
				return err
			})
		},
	}

	cmd.Flags().String("account", "", "account ID (required)")
	addPeriodFlags(cmd)
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newUnmatchCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unmatch",
		Short: "Remove the link of a reconciled record",
		Long: `Unmatch releases the ledger transaction linked to a statement record
and returns the record to the pending list. The decision is audited.

Examples:
  reconciler unmatch --record 6f1c... --actor ana`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recordID, _ := cmd.Flags().GetString("record")
			actorID, _ := cmd.Flags().GetString("actor")

			return runWithApp(cmd, v, func(ctx context.Context, a *app) error {
				engine, err := a.engine()
				if err != nil {
					return err
				}

				result, err := engine.Unmatch(ctx, recordID, actorID)
				if err != nil {
					return err
				}

				return a.emit(func(rg *reporter.ReportGenerator, w io.Writer) error {
					return rg.WriteMatch(result, w)
				})
			})
		},
	}

	cmd.Flags().String("record", "", "statement record ID (required)")
	cmd.Flags().String("actor", "", "who made the decision, recorded in the audit log")
	_ = cmd.MarkFlagRequired("record")

	return cmd
}

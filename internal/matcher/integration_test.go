package matcher_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statement-reconciliation-service/internal/bankfeed"
	"statement-reconciliation-service/internal/coverage"
	"statement-reconciliation-service/internal/ingest"
	"statement-reconciliation-service/internal/matcher"
	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/store/sqlite"
	"statement-reconciliation-service/pkg/logger"
)

const marchStatement = "documento;data;valor;tipo;historico;complemento;saldo\n" +
	"B1;01/03/2024;1.250,00;D;ALUGUEL;SALA 12;10.000,00\n" +
	"B2;05/03/2024;320,40;D;ENERGIA;ENEL;9.679,60\n" +
	"B3;06/03/2024;5.000,00;D;TRANSF ENTRE CONTAS;;4.679,60\n" +
	"B4;12/03/2024;89,90;D;INTERNET;;4.589,70\n" +
	"B5;20/03/2024;2.000,00;C;PIX RECEBIDO;CLIENTE;6.589,70\n"

const marchLedger = "id,account_id,due_date,payment_date,amount,direction,status,description\n" +
	"L1,acc-1,01/03/2024,,1250.00,debit,pending,Aluguel sala 12\n" +
	"L2,acc-1,04/03/2024,05/03/2024,320.40,debit,paid,Energia Enel\n" +
	"L3,acc-1,23/03/2024,,2000.00,credit,pending,Cliente pagamento\n"

// TestStatementReconciliationWorkflow runs a month through sync, ledger
// import, batch matching, a manual decision and the coverage report
func TestStatementReconciliationWorkflow(t *testing.T) {
	ctx := context.Background()
	log := logger.Discard()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bank-001.csv"), []byte(marchStatement), 0o644))
	ledgerPath := filepath.Join(dir, "ledger.csv")
	require.NoError(t, os.WriteFile(ledgerPath, []byte(marchLedger), 0o644))

	db, err := sqlite.Open(filepath.Join(dir, "reconciler.db"), log)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.UpsertAccount(ctx, &models.Account{ID: "acc-1", Name: "Operating", ExternalRef: "bank-001", Active: true}))

	transport, err := bankfeed.NewCSVTransport(dir, bankfeed.BRFormat, log)
	require.NoError(t, err)
	syncer := ingest.NewService(db, db, transport, ingest.DefaultRules(), ingest.DefaultConfig(), log)
	period := models.NewDateRange(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))

	synced, err := syncer.Sync(ctx, "acc-1", period)
	require.NoError(t, err)
	assert.Equal(t, 5, synced.Fetched)
	assert.Equal(t, 4, synced.Inserted)
	assert.Equal(t, 1, synced.Filtered)
	assert.Empty(t, synced.Errors)
	assert.Nil(t, synced.BalanceDrift)

	imported, err := bankfeed.ImportLedger(ctx, ledgerPath, bankfeed.DefaultLedgerFormat, "", db, log)
	require.NoError(t, err)
	assert.Equal(t, 3, imported.Inserted)
	assert.Empty(t, imported.Errors)

	engine, err := matcher.NewEngine(db, db, nil, log)
	require.NoError(t, err)

	batch, err := engine.MatchBatch(ctx, "acc-1", period)
	require.NoError(t, err)
	assert.Equal(t, 4, batch.Total)
	assert.Equal(t, 2, batch.Matched)
	assert.Equal(t, 2, batch.Unmatched)
	assert.Equal(t, 0, batch.Failed)

	b5, err := db.Get(ctx, "acc-1", "B5")
	require.NoError(t, err)
	assert.False(t, b5.Reconciled)

	suggested, err := engine.Match(ctx, matcher.MatchRequest{RecordID: b5.ID})
	require.NoError(t, err)
	require.NotEmpty(t, suggested.Suggestions)
	assert.Equal(t, "L3", suggested.Suggestions[0].TransactionID)

	manual, err := engine.Match(ctx, matcher.MatchRequest{RecordID: b5.ID, TransactionID: "L3", ActorID: "ana"})
	require.NoError(t, err)
	assert.True(t, manual.Matched)

	// no period: type statistics follow the decision time, which is today
	report, err := coverage.NewAggregator(db, log).Summarize(ctx, coverage.Filter{
		AccountIDs: []string{"acc-1"},
	})
	require.NoError(t, err)
	require.Len(t, report.Periods, 1)

	month := report.Periods[0]
	assert.Equal(t, "2024-03", month.Period)
	assert.Equal(t, 4, month.TotalRecords)
	assert.Equal(t, 3, month.ReconciledCount)
	assert.Equal(t, 1, month.PendingCount)
	assert.Equal(t, 75, month.CoveragePercentage)
	assert.True(t, month.TotalValue.Equal(decimal.RequireFromString("3660.30")))
	assert.True(t, month.PendingValue.Equal(decimal.RequireFromString("89.90")))

	byType := make(map[models.ReconciliationType]coverage.TypeStatistics)
	for _, stats := range report.ByType {
		byType[stats.Type] = stats
	}
	assert.Equal(t, 2, byType[models.ReconciliationBatch].Count)
	assert.Equal(t, 1, byType[models.ReconciliationManual].Count)
	assert.Equal(t, 0, byType[models.ReconciliationAutomatic].Count)

	// a second sync of the same month leaves the reconciliation untouched
	resynced, err := syncer.Sync(ctx, "acc-1", period)
	require.NoError(t, err)
	assert.Equal(t, 0, resynced.Inserted)
	assert.Equal(t, 0, resynced.Updated)
	assert.Equal(t, 4, resynced.Skipped)

	again, err := engine.MatchBatch(ctx, "acc-1", period)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Total)
	assert.Equal(t, 1, again.Unmatched)
}

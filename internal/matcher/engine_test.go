package matcher

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/store"
	"statement-reconciliation-service/internal/store/sqlite"
	"statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

type fixture struct {
	t      *testing.T
	store  *sqlite.Store
	engine *Engine
}

func newFixture(t *testing.T, config *MatchingConfig) *fixture {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "matcher.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.UpsertAccount(ctx, &models.Account{ID: "acc-1", ExternalRef: "bank-1", Active: true}))
	require.NoError(t, s.UpsertAccount(ctx, &models.Account{ID: "acc-2", ExternalRef: "bank-2", Active: true}))

	engine, err := NewEngine(s, s, config, logger.Discard())
	require.NoError(t, err)
	return &fixture{t: t, store: s, engine: engine}
}

func (f *fixture) record(accountID, identity, amount string, on time.Time, desc string) *models.StatementRecord {
	f.t.Helper()
	_, stored, err := f.store.Upsert(context.Background(), &models.StatementRecord{
		AccountID:       accountID,
		ExternalID:      identity,
		Identity:        identity,
		TransactionDate: on,
		Description:     desc,
		Amount:          decimal.RequireFromString(amount),
		Direction:       models.DirectionDebit,
	})
	require.NoError(f.t, err)
	return stored
}

func (f *fixture) transaction(id, accountID, amount string, due time.Time, desc string) {
	f.t.Helper()
	_, err := f.store.UpsertTransaction(context.Background(), &models.InternalTransaction{
		ID:          id,
		AccountID:   accountID,
		DueDate:     due,
		Amount:      decimal.RequireFromString(amount),
		Direction:   models.DirectionDebit,
		Status:      models.StatusPending,
		Description: desc,
	})
	require.NoError(f.t, err)
}

func (f *fixture) audit(recordID string) []*models.AuditEntry {
	f.t.Helper()
	entries, err := f.store.ListAudit(context.Background(), store.AuditFilter{StatementRecordID: recordID})
	require.NoError(f.t, err)
	return entries
}

func (f *fixture) linkedTo(transactionID string) string {
	f.t.Helper()
	txn, err := f.store.GetTransaction(context.Background(), transactionID)
	require.NoError(f.t, err)
	return txn.LinkedTo()
}

func march() models.DateRange {
	return models.NewDateRange(date(2024, 3, 1), date(2024, 3, 31))
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	config := DefaultMatchingConfig()
	config.BatchConcurrency = 0

	_, err := NewEngine(nil, nil, config, logger.Discard())
	re, ok := errors.AsReconcilerError(err)
	require.True(t, ok)
	assert.Equal(t, errors.CategoryConfiguration, re.Category)
}

func TestMatchLinksClearWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	record := f.record("acc-1", "trx-150", "150.00", date(2024, 3, 10), "PAGAMENTO FORNECEDOR ACME")
	f.transaction("T1", "acc-1", "150.00", date(2024, 3, 10), "Fornecedor ACME")
	f.transaction("T2", "acc-1", "90.00", date(2024, 3, 10), "Fornecedor ACME")

	result, err := f.engine.Match(ctx, MatchRequest{RecordID: record.ID})
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.False(t, result.Ambiguous)
	assert.Equal(t, "T1", result.TransactionID)
	assert.Equal(t, 100.0, result.Score)
	require.NotNil(t, result.Difference)
	assert.True(t, result.Difference.IsZero())

	stored, err := f.store.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, stored.Reconciled)
	assert.Equal(t, "T1", stored.LinkedTo())
	assert.Equal(t, record.ID, f.linkedTo("T1"))

	entries := f.audit(record.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ReconciliationAutomatic, entries[0].Type)
	assert.Equal(t, models.ActionLink, entries[0].Action)
	require.NotNil(t, entries[0].Score)
	assert.Equal(t, 100.0, *entries[0].Score)
	assert.Equal(t, result.AuditEntryID, entries[0].ID)

	// matching again returns the existing link without a new audit entry
	again, err := f.engine.Match(ctx, MatchRequest{RecordID: record.ID})
	require.NoError(t, err)
	assert.True(t, again.Matched)
	assert.True(t, again.AlreadyLinked)
	assert.Equal(t, "T1", again.TransactionID)
	assert.Equal(t, 100.0, again.Score)
	assert.Len(t, f.audit(record.ID), 1)
}

func TestMatchExactAmountAndDateWithUnrelatedText(t *testing.T) {
	tests := []struct {
		name        string
		record      string
		transaction string
	}{
		{"pix and tithe", "PIX RECEBIDO 1234", "Dízimo junho"},
		{"boleto and supplier", "PAGTO BOLETO 00190", "Fornecedor papelaria"},
		{"no record text", "", "Mensalidade"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			record := f.record("acc-1", "trx-150", "150.00", date(2024, 3, 10), tt.record)
			f.transaction("T1", "acc-1", "150.00", date(2024, 3, 10), tt.transaction)

			result, err := f.engine.Match(ctx, MatchRequest{RecordID: record.ID})
			require.NoError(t, err)
			assert.True(t, result.Matched)
			assert.False(t, result.Ambiguous)
			assert.Equal(t, "T1", result.TransactionID)
			assert.GreaterOrEqual(t, result.Score, 90.0)
			require.NotNil(t, result.Difference)
			assert.True(t, result.Difference.IsZero())

			stored, err := f.store.GetByID(ctx, record.ID)
			require.NoError(t, err)
			assert.True(t, stored.Reconciled)
			require.Len(t, f.audit(record.ID), 1)
		})
	}
}

func TestMatchTiedCandidatesAreAmbiguous(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	record := f.record("acc-1", "trx-150", "150.00", date(2024, 3, 10), "ALUGUEL")
	f.transaction("TA", "acc-1", "150.00", date(2024, 3, 13), "Aluguel")
	f.transaction("TB", "acc-1", "150.00", date(2024, 3, 13), "Aluguel")

	result, err := f.engine.Match(ctx, MatchRequest{RecordID: record.ID})
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.True(t, result.Ambiguous)
	require.Len(t, result.Suggestions, 2)
	assert.Equal(t, result.Suggestions[0].Score, result.Suggestions[1].Score)
	// exact amount, three days apart, same description: 60 + 12 + 10
	assert.Equal(t, 82.0, result.Suggestions[0].Score)

	assert.Empty(t, f.audit(record.ID))
	stored, err := f.store.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.False(t, stored.Reconciled)
}

func TestMatchTieAboveThresholdIsNotAccepted(t *testing.T) {
	f := newFixture(t, nil)
	record := f.record("acc-1", "trx-1", "150.00", date(2024, 3, 10), "ALUGUEL")
	f.transaction("TA", "acc-1", "150.00", date(2024, 3, 10), "Aluguel")
	f.transaction("TB", "acc-1", "150.00", date(2024, 3, 10), "Aluguel")

	result, err := f.engine.Match(context.Background(), MatchRequest{RecordID: record.ID})
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.True(t, result.Ambiguous)
	assert.Empty(t, f.audit(record.ID))
}

func TestMatchBelowThresholdReturnsSuggestions(t *testing.T) {
	f := newFixture(t, nil)
	record := f.record("acc-1", "trx-1", "150.00", date(2024, 3, 10), "ALUGUEL")
	// amount 0.8, one day apart, same description: 48 + 24 + 10
	f.transaction("T1", "acc-1", "151.50", date(2024, 3, 11), "Aluguel")
	// outside the date window
	f.transaction("T2", "acc-1", "150.00", date(2024, 3, 20), "Aluguel")

	result, err := f.engine.Match(context.Background(), MatchRequest{RecordID: record.ID})
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.False(t, result.Ambiguous)
	require.Len(t, result.Suggestions, 1)
	assert.Equal(t, "T1", result.Suggestions[0].TransactionID)
	assert.Equal(t, 82.0, result.Suggestions[0].Score)
	assert.Empty(t, f.audit(record.ID))
}

func TestMatchManualRelink(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	record := f.record("acc-1", "trx-1", "150.00", date(2024, 3, 10), "ALUGUEL")
	f.transaction("T1", "acc-1", "150.00", date(2024, 3, 10), "Aluguel")
	f.transaction("T2", "acc-1", "149.00", date(2024, 3, 11), "Aluguel marco")

	first, err := f.engine.Match(ctx, MatchRequest{RecordID: record.ID, Mode: ModeManual, TransactionID: "T1", ActorID: "ana"})
	require.NoError(t, err)
	assert.True(t, first.Matched)
	assert.Empty(t, first.Released)

	second, err := f.engine.Match(ctx, MatchRequest{RecordID: record.ID, TransactionID: "T2", ActorID: "ana"})
	require.NoError(t, err)
	assert.True(t, second.Matched)
	assert.Equal(t, "T2", second.TransactionID)
	assert.Equal(t, "T1", second.Released)
	require.NotNil(t, second.Difference)
	assert.True(t, second.Difference.Equal(decimal.RequireFromString("1")))

	assert.Equal(t, "", f.linkedTo("T1"))
	assert.Equal(t, record.ID, f.linkedTo("T2"))

	entries := f.audit(record.ID)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, models.ReconciliationManual, entry.Type)
		assert.Equal(t, models.ActionLink, entry.Action)
		require.NotNil(t, entry.ActorID)
		assert.Equal(t, "ana", *entry.ActorID)
	}
	assert.Equal(t, "T1", *entries[0].InternalTransactionID)
	assert.Equal(t, "T2", *entries[1].InternalTransactionID)

	// the same manual choice again changes nothing
	third, err := f.engine.Match(ctx, MatchRequest{RecordID: record.ID, Mode: ModeManual, TransactionID: "T2"})
	require.NoError(t, err)
	assert.True(t, third.AlreadyLinked)
	assert.Len(t, f.audit(record.ID), 2)
}

func TestMatchErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	record := f.record("acc-1", "trx-1", "150.00", date(2024, 3, 10), "ALUGUEL")
	other := f.record("acc-1", "trx-2", "150.00", date(2024, 3, 10), "ALUGUEL")
	f.transaction("T1", "acc-1", "150.00", date(2024, 3, 10), "Aluguel")
	f.transaction("T-foreign", "acc-2", "150.00", date(2024, 3, 10), "Aluguel")

	_, err := f.engine.Match(ctx, MatchRequest{RecordID: other.ID, Mode: ModeManual, TransactionID: "T1"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		req   MatchRequest
		check func(error) bool
	}{
		{"unknown record", MatchRequest{RecordID: "missing"}, errors.IsNotFound},
		{"unknown transaction", MatchRequest{RecordID: record.ID, Mode: ModeManual, TransactionID: "T404"}, errors.IsNotFound},
		{"other account", MatchRequest{RecordID: record.ID, Mode: ModeManual, TransactionID: "T-foreign"}, errors.IsInvalidMatch},
		{"linked elsewhere", MatchRequest{RecordID: record.ID, Mode: ModeManual, TransactionID: "T1"}, errors.IsConflict},
		{"manual without transaction", MatchRequest{RecordID: record.ID, Mode: ModeManual}, errors.IsValidation},
		{"unknown mode", MatchRequest{RecordID: record.ID, Mode: "psychic"}, errors.IsValidation},
		{"missing record id", MatchRequest{}, errors.IsValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Match(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	assert.Equal(t, other.ID, f.linkedTo("T1"))
	assert.Empty(t, f.audit(record.ID))
}

func TestUnmatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	record := f.record("acc-1", "trx-1", "150.00", date(2024, 3, 10), "ALUGUEL")
	f.transaction("T1", "acc-1", "150.00", date(2024, 3, 10), "Aluguel")

	_, err := f.engine.Match(ctx, MatchRequest{RecordID: record.ID})
	require.NoError(t, err)

	result, err := f.engine.Unmatch(ctx, record.ID, "ana")
	require.NoError(t, err)
	assert.Equal(t, "T1", result.Released)
	assert.Equal(t, "", f.linkedTo("T1"))

	entries := f.audit(record.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActionUnlink, entries[1].Action)
	assert.Equal(t, models.ReconciliationManual, entries[1].Type)

	// nothing left to unlink
	result, err = f.engine.Unmatch(ctx, record.ID, "ana")
	require.NoError(t, err)
	assert.Empty(t, result.Released)
	assert.Len(t, f.audit(record.ID), 2)

	_, err = f.engine.Unmatch(ctx, "missing", "ana")
	assert.True(t, errors.IsNotFound(err))
}

// seedThreeQualities stores three records whose only candidates score 100,
// 82 and 72
func seedThreeQualities(f *fixture) {
	f.record("acc-1", "r1", "100.00", date(2024, 3, 1), "ALUGUEL")
	f.transaction("T1", "acc-1", "100.00", date(2024, 3, 1), "Aluguel")

	f.record("acc-1", "r2", "200.00", date(2024, 3, 10), "ENERGIA")
	f.transaction("T2", "acc-1", "202.00", date(2024, 3, 11), "Energia")

	f.record("acc-1", "r3", "300.00", date(2024, 3, 20), "INTERNET")
	f.transaction("T3", "acc-1", "300.00", date(2024, 3, 23), "")
}

func TestMatchBatch(t *testing.T) {
	f := newFixture(t, nil)
	seedThreeQualities(f)

	result, err := f.engine.MatchBatch(context.Background(), "acc-1", march())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 2, result.Unmatched)
	assert.Equal(t, 0, result.Ambiguous)
	assert.Equal(t, 0, result.Failed)
	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, BatchMatched, result.Outcomes[0].Status)
	assert.Equal(t, "T1", result.Outcomes[0].TransactionID)

	entries, err := f.store.ListAudit(context.Background(), store.AuditFilter{AccountIDs: []string{"acc-1"}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ReconciliationBatch, entries[0].Type)
	assert.Nil(t, entries[0].ActorID)

	_, err = f.engine.MatchBatch(context.Background(), "acc-1", models.DateRange{})
	assert.True(t, errors.IsValidation(err))
}

func TestAutoAcceptThresholdMonotonic(t *testing.T) {
	thresholds := []float64{0, 60, 75, 90, 100}
	expected := []int{3, 3, 2, 1, 1}

	previous := -1
	for i, threshold := range thresholds {
		config := DefaultMatchingConfig()
		config.AutoAcceptThreshold = threshold
		f := newFixture(t, config)
		seedThreeQualities(f)

		result, err := f.engine.MatchBatch(context.Background(), "acc-1", march())
		require.NoError(t, err)
		assert.Equal(t, expected[i], result.Matched, "threshold %.0f", threshold)
		if previous >= 0 {
			assert.LessOrEqual(t, result.Matched, previous, "threshold %.0f", threshold)
		}
		previous = result.Matched
	}
}

func TestMatchBatchExclusiveUnderConcurrency(t *testing.T) {
	config := DefaultMatchingConfig()
	config.BatchConcurrency = 4
	f := newFixture(t, config)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		f.record("acc-1", fmt.Sprintf("dup-%d", i), "150.00", date(2024, 3, 10), "ALUGUEL")
	}
	f.transaction("T1", "acc-1", "150.00", date(2024, 3, 10), "Aluguel")

	result, err := f.engine.MatchBatch(ctx, "acc-1", march())
	require.NoError(t, err)
	assert.Equal(t, 6, result.Total)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 5, result.Unmatched+result.Failed)

	reconciled := true
	linked, err := f.store.ListRecords(ctx, store.RecordFilter{AccountIDs: []string{"acc-1"}, Reconciled: &reconciled})
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, linked[0].ID, f.linkedTo("T1"))
}

// cancellingLedger cancels the batch context after the first candidate lookup
type cancellingLedger struct {
	store.Ledger
	cancel context.CancelFunc
}

func (l *cancellingLedger) ListCandidates(ctx context.Context, accountID string, period models.DateRange) ([]*models.InternalTransaction, error) {
	txns, err := l.Ledger.ListCandidates(ctx, accountID, period)
	l.cancel()
	return txns, err
}

func TestMatchBatchStopsWhenCancelled(t *testing.T) {
	f := newFixture(t, nil)
	seedThreeQualities(f)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine, err := NewEngine(f.store, &cancellingLedger{Ledger: f.store, cancel: cancel}, nil, logger.Discard())
	require.NoError(t, err)

	result, err := engine.MatchBatch(ctx, "acc-1", march())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, result.Total)
	assert.Len(t, result.Outcomes, 1)
}

package ingest

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
	"statement-reconciliation-service/internal/store/sqlite"
	"statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

type fakeTransport struct {
	rows       []models.RawStatementRow
	balance    *models.Balance
	failAfter  int
	fetchCalls int
}

func (f *fakeTransport) FetchStatement(ctx context.Context, accountRef string, from, to time.Time) ([]models.RawStatementRow, error) {
	f.fetchCalls++
	if f.failAfter > 0 && f.fetchCalls > f.failAfter {
		return nil, fmt.Errorf("connection reset by peer")
	}

	var out []models.RawStatementRow
	for _, row := range f.rows {
		date, err := models.ParseDate(row.Date, true)
		if err != nil || (!date.Before(from) && !date.After(to)) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeTransport) FetchBalance(ctx context.Context, accountRef string) (models.Balance, error) {
	if f.balance == nil {
		return models.Balance{}, fmt.Errorf("balance endpoint unavailable")
	}
	return *f.balance, nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "ingest.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.UpsertAccount(ctx, &models.Account{ID: "acc-1", ExternalRef: "bank-001", Active: true}))
	require.NoError(t, s.UpsertAccount(ctx, &models.Account{ID: "acc-nocreds", Active: true}))
	return s
}

// twelveRows returns a March statement where row 7 is a transfer between
// the company's own accounts
func twelveRows() []models.RawStatementRow {
	rows := make([]models.RawStatementRow, 0, 12)
	for i := 1; i <= 12; i++ {
		desc := fmt.Sprintf("PAGAMENTO FORNECEDOR %02d", i)
		if i == 7 {
			desc = "TRANSF ENTRE CONTAS 0001"
		}
		rows = append(rows, models.RawStatementRow{
			ExternalID:  fmt.Sprintf("trx-%03d", i),
			Date:        fmt.Sprintf("2024-03-%02d", i*2),
			Amount:      fmt.Sprintf("-%d,50", 100+i),
			Description: desc,
			Line:        i + 1,
		})
	}
	return rows
}

func march() models.DateRange {
	return models.NewDateRange(day(2024, 3, 1), day(2024, 3, 31))
}

func newService(s *sqlite.Store, transport Transport) *Service {
	cfg := DefaultConfig()
	cfg.CheckBalance = false
	return NewService(s, s, transport, DefaultRules(), cfg, logger.Discard())
}

func TestSyncInsertsAndFiltersNoise(t *testing.T) {
	s := newTestStore(t)
	transport := &fakeTransport{rows: twelveRows()}
	svc := newService(s, transport)

	result, err := svc.Sync(context.Background(), "acc-1", march())
	require.NoError(t, err)

	assert.Equal(t, 12, result.Fetched)
	assert.Equal(t, 11, result.Inserted)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, 1, result.Filtered)
	assert.Equal(t, 1, result.FilteredBy["internal-transfer"])
	assert.Empty(t, result.Errors)

	records, err := s.ListUnreconciled(context.Background(), "acc-1", march())
	require.NoError(t, err)
	assert.Len(t, records, 11)
	for _, r := range records {
		assert.Equal(t, models.DirectionDebit, r.Direction)
		assert.False(t, r.Amount.IsNegative())
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	transport := &fakeTransport{rows: twelveRows()}
	svc := newService(s, transport)
	ctx := context.Background()

	_, err := svc.Sync(ctx, "acc-1", march())
	require.NoError(t, err)

	again, err := svc.Sync(ctx, "acc-1", march())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Inserted)
	assert.Equal(t, 0, again.Updated)
	assert.Equal(t, 11, again.Skipped)
	assert.Equal(t, 1, again.Filtered)

	records, err := s.ListUnreconciled(ctx, "acc-1", march())
	require.NoError(t, err)
	assert.Len(t, records, 11)
}

func TestSyncUpdatesCorrectedRow(t *testing.T) {
	s := newTestStore(t)
	transport := &fakeTransport{rows: twelveRows()}
	svc := newService(s, transport)
	ctx := context.Background()

	_, err := svc.Sync(ctx, "acc-1", march())
	require.NoError(t, err)

	transport.rows[2].Description = "PAGAMENTO FORNECEDOR 03 NF 4471"
	result, err := svc.Sync(ctx, "acc-1", march())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 10, result.Skipped)

	record, err := s.Get(ctx, "acc-1", "trx-003")
	require.NoError(t, err)
	assert.Equal(t, "PAGAMENTO FORNECEDOR 03 NF 4471", record.Description)
}

func TestSyncCollectsRowErrors(t *testing.T) {
	s := newTestStore(t)
	rows := twelveRows()[:3]
	rows[1].Amount = "doze reais"
	rows = append(rows, models.RawStatementRow{Amount: "10", Line: 99})
	svc := newService(s, &fakeTransport{rows: rows})

	result, err := svc.Sync(context.Background(), "acc-1", march())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, 3, result.Errors[0].Line)
	assert.Equal(t, errors.CodeInvalidAmount, result.Errors[0].Code)
	assert.Equal(t, 99, result.Errors[1].Line)
	assert.Equal(t, errors.CodeMissingField, result.Errors[1].Code)
}

func TestSyncRowsWithoutExternalID(t *testing.T) {
	s := newTestStore(t)
	rows := []models.RawStatementRow{
		{Date: "05/03/2024", Amount: "-20,00", Description: "PADARIA"},
		{Date: "05/03/2024", Amount: "-20,00", Description: "FARMACIA"},
		{Date: "05/03/2024", Amount: "-20,00", Description: "PADARIA"},
	}
	svc := newService(s, &fakeTransport{rows: rows})

	result, err := svc.Sync(context.Background(), "acc-1", march())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 1, result.Skipped)
}

func TestSyncValidatesBeforeFetching(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name      string
		accountID string
		period    models.DateRange
		code      errors.ErrorCode
	}{
		{"inverted range", "acc-1", models.NewDateRange(day(2024, 3, 31), day(2024, 3, 1)), errors.CodeInvalidDateRange},
		{"empty range", "acc-1", models.DateRange{}, errors.CodeInvalidDateRange},
		{"unknown account", "acc-404", march(), errors.CodeUnknownAccount},
		{"no credentials", "acc-nocreds", march(), errors.CodeMissingCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &fakeTransport{rows: twelveRows()}
			_, err := newService(s, transport).Sync(context.Background(), tt.accountID, tt.period)

			re, ok := errors.AsReconcilerError(err)
			require.True(t, ok, "expected ReconcilerError, got %v", err)
			assert.Equal(t, errors.CategoryValidation, re.Category)
			assert.Equal(t, tt.code, re.Code)
			assert.Equal(t, 0, transport.fetchCalls)
		})
	}
}

func TestSyncTransportFailureKeepsPartialCounts(t *testing.T) {
	s := newTestStore(t)
	transport := &fakeTransport{rows: twelveRows(), failAfter: 1}
	cfg := DefaultConfig()
	cfg.CheckBalance = false
	cfg.FetchWindowDays = 10
	svc := NewService(s, s, transport, DefaultRules(), cfg, logger.Discard())

	result, err := svc.Sync(context.Background(), "acc-1", march())
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))

	// first window is March 1-10: rows dated 2, 4, 6, 8 and 10
	assert.Equal(t, 5, result.Inserted)
	assert.Equal(t, 2, transport.fetchCalls)

	// retry after the outage finishes the job without duplicates
	transport.failAfter = 0
	retry, err := svc.Sync(context.Background(), "acc-1", march())
	require.NoError(t, err)
	assert.Equal(t, 6, retry.Inserted)
	assert.Equal(t, 5, retry.Skipped)
}

func TestSyncBalanceDrift(t *testing.T) {
	s := newTestStore(t)
	rows := []models.RawStatementRow{
		{ExternalID: "b1", Date: "2024-03-01", Amount: "-100.00", Description: "ALUGUEL", BalanceAfter: "900.00"},
		{ExternalID: "b2", Date: "2024-03-02", Amount: "-50.00", Description: "ENERGIA", BalanceAfter: "850.00"},
	}
	transport := &fakeTransport{rows: rows, balance: &models.Balance{Amount: decimal.RequireFromString("845.00"), AsOf: day(2024, 3, 3)}}
	svc := NewService(s, s, transport, nil, DefaultConfig(), logger.Discard())

	result, err := svc.Sync(context.Background(), "acc-1", march())
	require.NoError(t, err)
	require.NotNil(t, result.BalanceDrift)
	assert.True(t, result.BalanceDrift.Difference.Equal(decimal.RequireFromString("-5")))

	transport.balance.Amount = decimal.RequireFromString("850")
	result, err = svc.Sync(context.Background(), "acc-1", march())
	require.NoError(t, err)
	assert.Nil(t, result.BalanceDrift)

	transport.balance = nil
	result, err = svc.Sync(context.Background(), "acc-1", march())
	require.NoError(t, err, "a failed balance fetch must not fail the sync")
	assert.Nil(t, result.BalanceDrift)
}

func TestSplitPeriod(t *testing.T) {
	windows := splitPeriod(march(), 10)
	require.Len(t, windows, 4)
	assert.Equal(t, day(2024, 3, 1), windows[0].From)
	assert.Equal(t, day(2024, 3, 10), windows[0].To)
	assert.Equal(t, day(2024, 3, 31), windows[3].From)
	assert.Equal(t, day(2024, 3, 31), windows[3].To)

	assert.Len(t, splitPeriod(march(), 0), 1)
}

func TestSyncFiltersAccentedNoise(t *testing.T) {
	s := newTestStore(t)
	transport := &fakeTransport{rows: []models.RawStatementRow{
		{ExternalID: "trx-1", Date: "2024-03-04", Amount: "-500,00", Description: "TRANSFERÊNCIA ENTRE CONTAS 123", Line: 2},
		{ExternalID: "trx-2", Date: "2024-03-05", Amount: "-1.000,00", Description: "APLICAÇÃO AUTOMÁTICA", Line: 3},
		{ExternalID: "trx-3", Date: "2024-03-06", Amount: "-80,00", Description: "Transferência entre contas", Line: 4},
		{ExternalID: "trx-4", Date: "2024-03-07", Amount: "-45,90", Description: "PADARIA SÃO JOÃO", Line: 5},
	}}
	svc := newService(s, transport)

	result, err := svc.Sync(context.Background(), "acc-1", march())
	require.NoError(t, err)

	assert.Equal(t, 4, result.Fetched)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 3, result.Filtered)
	assert.Equal(t, 2, result.FilteredBy["internal-transfer"])
	assert.Equal(t, 1, result.FilteredBy["automatic-investment"])

	records, err := s.ListUnreconciled(context.Background(), "acc-1", march())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "PADARIA SÃO JOÃO", records[0].Description)
}

func TestRuleSetClassify(t *testing.T) {
	custom, err := ParseRules([]byte(`
exclusions:
  - name: redemption
    keywords: ["RESGATE AUTOMÁTICO"]
  - name: card-settlement
    pattern: "^PGTO FATURA \\d+"
    direction: debit
`))
	require.NoError(t, err)

	tests := []struct {
		name        string
		rules       *RuleSet
		description string
		direction   models.Direction
		want        string
	}{
		{"plain keyword", DefaultRules(), "TRANSF ENTRE CONTAS 0001", models.DirectionDebit, "internal-transfer"},
		{"accented description", DefaultRules(), "TRANSFERÊNCIA ENTRE CONTAS 123", models.DirectionDebit, "internal-transfer"},
		{"lower case accented", DefaultRules(), "aplicação automática", models.DirectionCredit, "automatic-investment"},
		{"not noise", DefaultRules(), "PIX RECEBIDO", models.DirectionCredit, ""},
		{"accented keyword", custom, "RESGATE AUTOMATICO CDB", models.DirectionCredit, "redemption"},
		{"pattern", custom, "PGTO FATURA 0042", models.DirectionDebit, "card-settlement"},
		{"pattern wrong direction", custom, "PGTO FATURA 0042", models.DirectionCredit, ""},
		{"nil rules", nil, "TRANSF ENTRE CONTAS", models.DirectionDebit, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, excluded := tt.rules.Classify(&models.StatementRecord{Description: tt.description, Direction: tt.direction})
			assert.Equal(t, tt.want, name)
			assert.Equal(t, tt.want != "", excluded)
		})
	}
}

func TestMustCompilePanicsOnInvalidRules(t *testing.T) {
	assert.NotPanics(t, func() { DefaultRules() })
	assert.Panics(t, func() {
		mustCompile(&RuleSet{Rules: []ExclusionRule{{Name: "empty"}}})
	})
	assert.Panics(t, func() {
		mustCompile(&RuleSet{Rules: []ExclusionRule{{Name: "bad", Pattern: "("}}})
	})
}

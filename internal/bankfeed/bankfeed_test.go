package bankfeed

import (
	"context"
	"fmt"
	"os"
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

const brExport = "documento;data;valor;tipo;historico;complemento;saldo\n" +
	"D1;01/03/2024;1.500,00;C;PIX RECEBIDO;CLIENTE A;11.500,00\n" +
	"D2;05/03/2024;250,00;D;BOLETO;ENERGIA;11.250,00\n" +
	"\n" +
	"D3;15/04/2024;100,00;D;TARIFA;;11.150,00\n"

const standardExport = "id,date,amount,description,memo,balance\n" +
	"s1,2024-03-02,-10.00,PADARIA,,\n" +
	"s2,2024-03-03,5\"0,BROKEN,,\n" +
	"s3,2024-03-04,20.00,DEPOSITO,,\n"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		headers []string
		want    string
	}{
		{[]string{"documento", "data", "valor", "saldo"}, "br"},
		{[]string{"Transaction_Date", "Amount", "Description"}, "us"},
		{[]string{"id", "date", "amount"}, "standard"},
		{[]string{"something", "else"}, "standard"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.headers).Name)
		})
	}
}

func TestFormatLookupAndValidate(t *testing.T) {
	assert.Equal(t, StandardFormat, GetFormat(""))
	assert.Equal(t, BRFormat, GetFormat(" BR "))
	assert.Nil(t, GetFormat("ofx"))

	for _, f := range ListFormats() {
		assert.NoError(t, f.Validate(), f.Name)
	}

	assert.Equal(t, "details", USFormat.GetColumnName(ColumnMemo))
	assert.Equal(t, "", StandardFormat.GetColumnName(ColumnCreditDebit))

	bad := &Format{Name: "bad", DateColumn: "d", AmountColumn: "a", Delimiter: '"'}
	assert.Error(t, bad.Validate())
}

func TestCSVTransportFetchStatement(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bank-001.csv", brExport)

	transport, err := NewCSVTransport(dir, BRFormat, logger.Discard())
	require.NoError(t, err)

	rows, err := transport.FetchStatement(context.Background(), "bank-001", day(2024, 3, 1), day(2024, 3, 31))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "D1", rows[0].ExternalID)
	assert.Equal(t, "1.500,00", rows[0].Amount)
	assert.Equal(t, "C", rows[0].CreditDebit)
	assert.Equal(t, "PIX RECEBIDO CLIENTE A", rows[0].RawDescription())
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, 3, rows[1].Line)

	record, err := models.NormalizeRow("acc-1", rows[1], models.DefaultNormalizeOptions())
	require.NoError(t, err)
	assert.Equal(t, models.DirectionDebit, record.Direction)
	assert.True(t, record.Amount.Equal(decimal.RequireFromString("250")))
	assert.Equal(t, day(2024, 3, 5), record.TransactionDate)
}

func TestCSVTransportDetectsFormat(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "br.csv", brExport)
	writeFile(t, dir, "std.csv", standardExport)

	transport, err := NewCSVTransport(dir, nil, logger.Discard())
	require.NoError(t, err)

	rows, err := transport.FetchStatement(context.Background(), "br", day(2024, 4, 1), day(2024, 4, 30))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "D3", rows[0].ExternalID)

	rows, err = transport.FetchStatement(context.Background(), "std", day(2024, 3, 1), day(2024, 3, 31))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "s1", rows[0].ExternalID)
	// the malformed line is passed on empty so the sync can report it
	assert.Equal(t, models.RawStatementRow{Line: 3}, rows[1])
	assert.Equal(t, "s3", rows[2].ExternalID)
}

func TestCSVTransportFetchBalance(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bank-001.csv", brExport)
	writeFile(t, dir, "nobalance.csv", "id,date,amount\n1,2024-03-01,10.00\n")

	transport, err := NewCSVTransport(dir, nil, logger.Discard())
	require.NoError(t, err)

	balance, err := transport.FetchBalance(context.Background(), "bank-001")
	require.NoError(t, err)
	assert.True(t, balance.Amount.Equal(decimal.RequireFromString("11150")))
	assert.Equal(t, day(2024, 4, 15), balance.AsOf)
	assert.Equal(t, "bank-001", balance.AccountRef)

	_, err = transport.FetchBalance(context.Background(), "nobalance")
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
}

func TestCSVTransportErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "latin1.csv", "id,date,amount,description\n1,2024-03-01,10.00,CAF\xc9\n")
	writeFile(t, dir, "nocols.csv", "foo,bar\n1,2\n")

	transport, err := NewCSVTransport(dir, StandardFormat, logger.Discard())
	require.NoError(t, err)

	tests := []struct {
		name string
		ref  string
		code errors.ErrorCode
	}{
		{"missing export", "bank-404", errors.CodeServiceUnavailable},
		{"path traversal", "../etc/passwd", errors.CodeFetchFailed},
		{"bad encoding", "latin1", errors.CodeFetchFailed},
		{"missing columns", "nocols", errors.CodeFetchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := transport.FetchStatement(context.Background(), tt.ref, day(2024, 3, 1), day(2024, 3, 31))
			re, ok := errors.AsReconcilerError(err)
			require.True(t, ok, "expected ReconcilerError, got %v", err)
			assert.Equal(t, errors.CategoryTransport, re.Category)
			assert.Equal(t, tt.code, re.Code)
		})
	}

	_, err = NewCSVTransport("", nil, logger.Discard())
	assert.Error(t, err)
}

const ledgerExtract = "id,account_id,due_date,payment_date,amount,direction,status,description\n" +
	"T1,acc-1,2024-03-05,2024-03-06,\"1.500,00\",credit,,Invoice  10\n" +
	"T2,acc-1,10/03/2024,,-250.00,,,Energy bill\n" +
	"T3,acc-1,2024-03-12,,abc,,,Broken\n" +
	"T4,,2024-03-15,,100.00,out,pending,Default account\n" +
	"T5,acc-1,2024-03-16,,10.00,sideways,,Bad direction\n"

func newLedgerStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestImportLedger(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ledger.csv", ledgerExtract)
	s := newLedgerStore(t)
	ctx := context.Background()

	result, err := ImportLedger(ctx, path, nil, "acc-1", s, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 5, result.Read)
	assert.Equal(t, 3, result.Inserted)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, 4, result.Errors[0].Line)
	assert.Equal(t, errors.CodeInvalidAmount, result.Errors[0].Code)
	assert.Equal(t, 6, result.Errors[1].Line)
	assert.Equal(t, errors.CodeInvalidData, result.Errors[1].Code)

	t1, err := s.GetTransaction(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, t1.Amount.Equal(decimal.RequireFromString("1500")))
	assert.Equal(t, models.DirectionCredit, t1.Direction)
	assert.Equal(t, models.StatusPaid, t1.Status)
	assert.Equal(t, "Invoice 10", t1.Description)
	require.NotNil(t, t1.PaymentDate)
	assert.Equal(t, day(2024, 3, 6), *t1.PaymentDate)

	t2, err := s.GetTransaction(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, day(2024, 3, 10), t2.DueDate)
	assert.Equal(t, models.DirectionDebit, t2.Direction)
	assert.True(t, t2.Amount.Equal(decimal.RequireFromString("250")))
	assert.Equal(t, models.StatusPending, t2.Status)

	t4, err := s.GetTransaction(ctx, "T4")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", t4.AccountID)
	assert.Equal(t, models.DirectionDebit, t4.Direction)

	again, err := ImportLedger(ctx, path, nil, "acc-1", s, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Inserted)
	assert.Equal(t, 3, again.Skipped)
}

type failingSink struct {
	calls int
}

func (f *failingSink) UpsertTransaction(ctx context.Context, txn *models.InternalTransaction) (store.UpsertOutcome, error) {
	f.calls++
	if txn.ID == "T2" {
		return "", fmt.Errorf("disk full")
	}
	return store.OutcomeInserted, nil
}

func TestImportLedgerCollectsSinkErrors(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ledger.csv", ledgerExtract)
	sink := &failingSink{}

	result, err := ImportLedger(context.Background(), path, nil, "acc-1", sink, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, 2, result.Inserted)
	require.Len(t, result.Errors, 3)
	assert.Equal(t, "T2", result.Errors[0].Identity)
	assert.Equal(t, "disk full", result.Errors[0].Message)
}

func TestImportLedgerRequiresAccount(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ledger.csv", "id,due_date,amount\nT1,2024-03-01,10.00\n")

	_, err := ImportLedger(context.Background(), path, nil, "", &failingSink{}, logger.Discard())
	re, ok := errors.AsReconcilerError(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeMissingColumn, re.Code)

	_, err = ImportLedger(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), nil, "acc-1", &failingSink{}, logger.Discard())
	re, ok = errors.AsReconcilerError(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeFileNotFound, re.Code)
	assert.Equal(t, 2, re.GetExitCode())
}

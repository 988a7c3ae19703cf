package bankfeed

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"statement-reconciliation-service/internal/ingest"
	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/store"
	"statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

// LedgerFormat describes a ledger extract
type LedgerFormat struct {
	IDColumn          string `mapstructure:"id_column" json:"id_column"`
	AccountColumn     string `mapstructure:"account_column" json:"account_column"`
	DueDateColumn     string `mapstructure:"due_date_column" json:"due_date_column"`
	PaymentDateColumn string `mapstructure:"payment_date_column" json:"payment_date_column"`
	AmountColumn      string `mapstructure:"amount_column" json:"amount_column"`
	DirectionColumn   string `mapstructure:"direction_column" json:"direction_column"`
	StatusColumn      string `mapstructure:"status_column" json:"status_column"`
	DescriptionColumn string `mapstructure:"description_column" json:"description_column"`
	DayFirst          bool   `mapstructure:"day_first" json:"day_first"`
	Delimiter         rune   `mapstructure:"delimiter" json:"delimiter"`
}

// DefaultLedgerFormat is the layout written by the finance system export
var DefaultLedgerFormat = &LedgerFormat{
	IDColumn:          "id",
	AccountColumn:     "account_id",
	DueDateColumn:     "due_date",
	PaymentDateColumn: "payment_date",
	AmountColumn:      "amount",
	DirectionColumn:   "direction",
	StatusColumn:      "status",
	DescriptionColumn: "description",
	DayFirst:          true,
	Delimiter:         ',',
}

// LedgerSink stores imported ledger transactions
type LedgerSink interface {
	UpsertTransaction(ctx context.Context, txn *models.InternalTransaction) (store.UpsertOutcome, error)
}

// ImportResult counts what a ledger import did
type ImportResult struct {
	Path     string            `json:"path"`
	Read     int               `json:"read"`
	Inserted int               `json:"inserted"`
	Updated  int               `json:"updated"`
	Skipped  int               `json:"skipped"`
	Errors   []ingest.RowError `json:"errors"`
	Duration time.Duration     `json:"duration"`
}

func (r *ImportResult) addError(line int, id string, err error) {
	rowErr := ingest.RowError{Line: line, Identity: id, Message: err.Error(), Err: err}
	if re, ok := errors.AsReconcilerError(err); ok {
		rowErr.Code = re.Code
		rowErr.Message = re.Message
	}
	r.Errors = append(r.Errors, rowErr)
}

// ImportLedger reads the ledger extract at path and upserts every
// transaction into sink. Rows without an account column use
// defaultAccountID. Bad rows are collected in the result; a file that
// cannot be opened fails the import.
func ImportLedger(ctx context.Context, path string, format *LedgerFormat, defaultAccountID string, sink LedgerSink, log logger.Logger) (*ImportResult, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if format == nil {
		format = DefaultLedgerFormat
	}
	op := logger.NewOperationLogger("ledger_import", log.WithComponent("bankfeed")).
		WithFields(logger.Fields{"file_path": path})

	start := time.Now()
	result := &ImportResult{Path: path, Errors: []ingest.RowError{}}

	err := ReadLedger(ctx, path, format, defaultAccountID, log, func(txn *models.InternalTransaction, line int, rowErr error) error {
		result.Read++
		if rowErr != nil {
			result.addError(line, "", rowErr)
			return nil
		}

		outcome, err := sink.UpsertTransaction(ctx, txn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result.addError(line, txn.ID, err)
			return nil
		}
		switch outcome {
		case store.OutcomeInserted:
			result.Inserted++
		case store.OutcomeUpdated:
			result.Updated++
		default:
			result.Skipped++
		}
		return nil
	})
	result.Duration = time.Since(start)
	if err != nil {
		op.Error(err, "Ledger import failed")
		return result, err
	}

	op.Success("Ledger imported", logger.Fields{
		"read":     result.Read,
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"skipped":  result.Skipped,
		"errors":   len(result.Errors),
	})
	return result, nil
}

// ReadLedger streams the transactions of a ledger extract to fn. A row
// that cannot be read is passed as a nil transaction with its error. An
// error returned by fn stops the read.
func ReadLedger(ctx context.Context, path string, format *LedgerFormat, defaultAccountID string, log logger.Logger, fn func(txn *models.InternalTransaction, line int, err error) error) error {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if format == nil {
		format = DefaultLedgerFormat
	}

	required := []string{format.IDColumn, format.DueDateColumn, format.AmountColumn}
	f, err := openCSV(path, format.Delimiter, required, log.WithComponent("bankfeed"))
	if err != nil {
		return err
	}
	defer f.Close()

	if !f.has(format.AccountColumn) && defaultAccountID == "" {
		return errors.FileError(errors.CodeMissingColumn, path, 1, nil).
			WithContext("missing_columns", []string{format.AccountColumn}).
			WithSuggestion("add an account column or pass a default account")
	}

	for {
		record, line, err := f.next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := fn(nil, line, err); err != nil {
				return err
			}
			continue
		}

		txn, rowErr := parseLedgerRow(f, record, format, defaultAccountID)
		if rowErr != nil {
			rowErr = rowErr.WithContext("line", line)
			if err := fn(nil, line, rowErr); err != nil {
				return err
			}
			continue
		}
		if err := fn(txn, line, nil); err != nil {
			return err
		}
	}
}

func parseLedgerRow(f *csvFile, record []string, format *LedgerFormat, defaultAccountID string) (*models.InternalTransaction, *errors.ReconcilerError) {
	id := f.field(record, format.IDColumn)
	if id == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "id", "", nil)
	}

	accountID := f.field(record, format.AccountColumn)
	if accountID == "" {
		accountID = defaultAccountID
	}

	dueText := f.field(record, format.DueDateColumn)
	if dueText == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "due_date", "", nil)
	}
	due, err := models.ParseDate(dueText, format.DayFirst)
	if err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidDate, "due_date", dueText, err)
	}

	var paid *time.Time
	if text := f.field(record, format.PaymentDateColumn); text != "" {
		p, err := models.ParseDate(text, format.DayFirst)
		if err != nil {
			return nil, errors.ValidationError(errors.CodeInvalidDate, "payment_date", text, err)
		}
		paid = &p
	}

	amountText := f.field(record, format.AmountColumn)
	if amountText == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "amount", "", nil)
	}
	signed, err := models.ParseAmount(amountText)
	if err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidAmount, "amount", amountText, err)
	}
	if signed.IsZero() {
		return nil, errors.ValidationError(errors.CodeInvalidAmount, "amount", amountText, fmt.Errorf("amount is zero"))
	}

	direction, rerr := ledgerDirection(f.field(record, format.DirectionColumn), signed)
	if rerr != nil {
		return nil, rerr
	}

	status := models.StatusPending
	if paid != nil {
		status = models.StatusPaid
	}
	if text := f.field(record, format.StatusColumn); text != "" {
		status = models.TransactionStatus(strings.ToLower(text))
		if !status.IsValid() {
			return nil, errors.ValidationError(errors.CodeInvalidData, "status", text, nil)
		}
	}

	txn := &models.InternalTransaction{
		ID:          id,
		AccountID:   accountID,
		DueDate:     due,
		PaymentDate: paid,
		Amount:      signed.Abs(),
		Direction:   direction,
		Status:      status,
		Description: models.CleanDescription(f.field(record, format.DescriptionColumn)),
	}
	if err := txn.Validate(); err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidData, "transaction", id, err)
	}
	return txn, nil
}

// ledgerDirection reads the direction column, falling back to the sign of
// the amount
func ledgerDirection(text string, signed decimal.Decimal) (models.Direction, *errors.ReconcilerError) {
	if text == "" {
		return models.DirectionOf(signed), nil
	}
	if d := models.Direction(strings.ToLower(text)); d.IsValid() {
		return d, nil
	}
	if d, ok := models.ParseDirection(text); ok {
		return d, nil
	}
	return "", errors.ValidationError(errors.CodeInvalidData, "direction", text, nil)
}

// Package generator builds synthetic statement exports and ledger extracts.
//
// A dataset holds one account's statement rows and the ledger transactions
// that some of them pay. Paired amounts are spread far enough apart that
// each statement row has exactly one plausible counterpart, so a run of the
// matcher over a generated month has a known answer. The same seed always
// produces the same dataset.
package generator

import (
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"statement-reconciliation-service/internal/bankfeed"
	"statement-reconciliation-service/internal/models"
)

// Config controls the generated dataset
type Config struct {
	AccountID string
	Count     int
	StartDate time.Time
	EndDate   time.Time
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal

	// MatchRatio is the share of statement rows with a ledger counterpart
	MatchRatio float64

	// DateJitterDays is the largest distance between a row's date and its
	// counterpart's due date
	DateJitterDays int

	// MinAmountGapPercent keeps paired amounts at least this far apart,
	// relative to the smaller one
	MinAmountGapPercent float64

	// OpeningBalance starts the running balance column
	OpeningBalance decimal.Decimal

	Seed int64
}

// DefaultConfig returns a month of 50 rows, 80% of them paired
func DefaultConfig() Config {
	return Config{
		AccountID:           "acc-1",
		Count:               50,
		StartDate:           time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:             time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		MinAmount:           decimal.NewFromInt(10),
		MaxAmount:           decimal.NewFromInt(50000),
		MatchRatio:          0.8,
		DateJitterDays:      1,
		MinAmountGapPercent: 6,
		OpeningBalance:      decimal.NewFromInt(250000),
		Seed:                1,
	}
}

// Validate checks that a dataset can be generated from the configuration
func (c Config) Validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("account id cannot be empty")
	}
	if c.Count <= 0 {
		return fmt.Errorf("count must be positive: %d", c.Count)
	}
	if c.StartDate.IsZero() || c.EndDate.Before(c.StartDate) {
		return fmt.Errorf("invalid date range %s to %s", c.StartDate.Format("2006-01-02"), c.EndDate.Format("2006-01-02"))
	}
	if !c.MinAmount.IsPositive() || !c.MaxAmount.GreaterThan(c.MinAmount) {
		return fmt.Errorf("amount range must be positive and increasing: %s to %s", c.MinAmount, c.MaxAmount)
	}
	if c.MatchRatio < 0 || c.MatchRatio > 1 {
		return fmt.Errorf("match ratio must be between 0.0 and 1.0: %f", c.MatchRatio)
	}
	if c.DateJitterDays < 0 {
		return fmt.Errorf("date jitter cannot be negative: %d", c.DateJitterDays)
	}
	if c.MinAmountGapPercent < 0 {
		return fmt.Errorf("amount gap cannot be negative: %f", c.MinAmountGapPercent)
	}
	return nil
}

// StatementRow is one generated bank export row
type StatementRow struct {
	ID          string
	Date        time.Time
	Amount      decimal.Decimal
	Direction   models.Direction
	Description string
	Balance     decimal.Decimal
}

// LedgerRow is one generated ledger transaction
type LedgerRow struct {
	ID          string
	AccountID   string
	DueDate     time.Time
	Amount      decimal.Decimal
	Direction   models.Direction
	Description string
}

// Dataset is a generated statement with its ledger
type Dataset struct {
	AccountID string
	Statement []StatementRow
	Ledger    []LedgerRow

	// Pairs maps a statement row id to the ledger id it pays
	Pairs map[string]string
}

var payees = []string{
	"ALUGUEL SALA", "ENERGIA ELETRICA", "FORNECEDOR PAPELARIA", "SERVICOS CONTABEIS",
	"TELEFONIA MOVEL", "SEGURO PREDIAL", "MANUTENCAO FROTA", "LICENCA SOFTWARE",
	"RECEBIMENTO CLIENTE", "VENDA CARTAO", "REEMBOLSO DESPESA", "HONORARIOS",
}

// Generate builds a dataset from config
func Generate(config Config) (*Dataset, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid generator config: %w", err)
	}

	rng := rand.New(rand.NewSource(config.Seed))
	paired := int(float64(config.Count) * config.MatchRatio)
	days := int(config.EndDate.Sub(config.StartDate).Hours()/24) + 1

	pairedAmounts, err := spreadAmounts(rng, paired, config)
	if err != nil {
		return nil, err
	}

	dataset := &Dataset{
		AccountID: config.AccountID,
		Pairs:     make(map[string]string, paired),
	}

	// unpaired amounts sit above every paired amount, out of tolerance reach
	unpairedMin := config.MaxAmount.Mul(decimal.NewFromFloat(1.2))

	for i := 0; i < config.Count; i++ {
		row := StatementRow{
			ID:          fmt.Sprintf("BS%06d", i+1),
			Date:        config.StartDate.AddDate(0, 0, rng.Intn(days)),
			Direction:   models.DirectionDebit,
			Description: fmt.Sprintf("%s %04d", payees[rng.Intn(len(payees))], i+1),
		}
		if rng.Float64() < 0.3 {
			row.Direction = models.DirectionCredit
		}

		if i < paired {
			row.Amount = pairedAmounts[i]

			jitter := 0
			if config.DateJitterDays > 0 {
				jitter = rng.Intn(2*config.DateJitterDays+1) - config.DateJitterDays
			}
			txn := LedgerRow{
				ID:          fmt.Sprintf("TX%06d", i+1),
				AccountID:   config.AccountID,
				DueDate:     row.Date.AddDate(0, 0, jitter),
				Amount:      row.Amount,
				Direction:   row.Direction,
				Description: row.Description,
			}
			dataset.Ledger = append(dataset.Ledger, txn)
			dataset.Pairs[row.ID] = txn.ID
		} else {
			span := config.MaxAmount.Mul(decimal.NewFromInt(2)).Sub(unpairedMin)
			row.Amount = unpairedMin.Add(span.Mul(decimal.NewFromFloat(rng.Float64()))).Round(2)
		}

		dataset.Statement = append(dataset.Statement, row)
	}

	// exports list rows in date order with a running balance
	sort.SliceStable(dataset.Statement, func(i, j int) bool {
		a, b := dataset.Statement[i], dataset.Statement[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.ID < b.ID
	})
	balance := config.OpeningBalance
	for i := range dataset.Statement {
		row := &dataset.Statement[i]
		if row.Direction == models.DirectionCredit {
			balance = balance.Add(row.Amount)
		} else {
			balance = balance.Sub(row.Amount)
		}
		row.Balance = balance
	}

	return dataset, nil
}

// spreadAmounts draws n amounts between the configured bounds, each at
// least MinAmountGapPercent away from the others
func spreadAmounts(rng *rand.Rand, n int, config Config) ([]decimal.Decimal, error) {
	low := config.MinAmount.InexactFloat64()
	high := config.MaxAmount.InexactFloat64()
	gap := config.MinAmountGapPercent / 100

	amounts := make([]decimal.Decimal, 0, n)
	var placed []float64
	for attempts := 0; len(amounts) < n; attempts++ {
		if attempts > n*1000 {
			return nil, fmt.Errorf("cannot place %d amounts %.0f%% apart between %s and %s",
				n, config.MinAmountGapPercent, config.MinAmount, config.MaxAmount)
		}

		// log-uniform, so small and large amounts are equally common
		candidate := math.Exp(math.Log(low) + rng.Float64()*(math.Log(high)-math.Log(low)))
		amount := decimal.NewFromFloat(candidate).Round(2)
		value := amount.InexactFloat64()

		clear := true
		for _, other := range placed {
			smaller := math.Min(value, other)
			if math.Abs(value-other) < smaller*gap {
				clear = false
				break
			}
		}
		if clear {
			placed = append(placed, value)
			amounts = append(amounts, amount)
		}
	}
	return amounts, nil
}

// WriteStatement writes the statement as an export in format. Amounts are
// signed unless the format has a credit/debit column.
func (d *Dataset) WriteStatement(path string, format *bankfeed.Format) error {
	if format == nil {
		format = bankfeed.StandardFormat
	}

	columns := []string{
		bankfeed.ColumnID, bankfeed.ColumnDate, bankfeed.ColumnAmount, bankfeed.ColumnCreditDebit,
		bankfeed.ColumnDescription, bankfeed.ColumnBalance,
	}
	var header, present []string
	for _, column := range columns {
		if name := format.GetColumnName(column); name != "" {
			header = append(header, name)
			present = append(present, column)
		}
	}

	rows := make([][]string, 0, len(d.Statement))
	for _, row := range d.Statement {
		record := make([]string, 0, len(present))
		for _, column := range present {
			record = append(record, statementField(row, column, format))
		}
		rows = append(rows, record)
	}

	return writeCSV(path, format.Delimiter, header, rows)
}

func statementField(row StatementRow, column string, format *bankfeed.Format) string {
	switch column {
	case bankfeed.ColumnID:
		return row.ID
	case bankfeed.ColumnDate:
		return row.Date.Format("2006-01-02")
	case bankfeed.ColumnAmount:
		if format.GetColumnName(bankfeed.ColumnCreditDebit) == "" && row.Direction == models.DirectionDebit {
			return row.Amount.Neg().StringFixed(2)
		}
		return row.Amount.StringFixed(2)
	case bankfeed.ColumnCreditDebit:
		if row.Direction == models.DirectionCredit {
			return "C"
		}
		return "D"
	case bankfeed.ColumnDescription:
		return row.Description
	case bankfeed.ColumnBalance:
		return row.Balance.StringFixed(2)
	default:
		return ""
	}
}

// WriteLedger writes the ledger as an extract in format
func (d *Dataset) WriteLedger(path string, format *bankfeed.LedgerFormat) error {
	if format == nil {
		format = bankfeed.DefaultLedgerFormat
	}

	header := []string{
		format.IDColumn, format.AccountColumn, format.DueDateColumn, format.AmountColumn,
		format.DirectionColumn, format.StatusColumn, format.DescriptionColumn,
	}
	rows := make([][]string, 0, len(d.Ledger))
	for _, txn := range d.Ledger {
		rows = append(rows, []string{
			txn.ID,
			txn.AccountID,
			txn.DueDate.Format("2006-01-02"),
			txn.Amount.StringFixed(2),
			string(txn.Direction),
			string(models.StatusPending),
			txn.Description,
		})
	}

	return writeCSV(path, format.Delimiter, header, rows)
}

func writeCSV(path string, delimiter rune, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	writer.Comma = delimiter
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	return file.Close()
}

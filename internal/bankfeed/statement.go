package bankfeed

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"statement-reconciliation-service/internal/ingest"
	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

var _ ingest.Transport = (*CSVTransport)(nil)

// CSVTransport serves statement exports stored as <dir>/<accountRef>.csv.
// Rows are returned raw; normalization is left to the sync service.
type CSVTransport struct {
	dir    string
	format *Format
	logger logger.Logger
}

// NewCSVTransport creates a feed over the exports in dir. A nil format is
// detected from each file's header.
func NewCSVTransport(dir string, format *Format, log logger.Logger) (*CSVTransport, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "feed.dir", "", nil)
	}
	if format != nil {
		if err := format.Validate(); err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "feed.format", format.Name, err)
		}
	}
	return &CSVTransport{
		dir:    dir,
		format: format,
		logger: log.WithComponent("bankfeed"),
	}, nil
}

func (t *CSVTransport) path(accountRef string) (string, error) {
	if accountRef == "" || strings.ContainsAny(accountRef, `/\`) || accountRef == "." || accountRef == ".." {
		return "", fmt.Errorf("invalid account reference %q", accountRef)
	}
	return filepath.Join(t.dir, accountRef+".csv"), nil
}

// FetchStatement returns the rows of the account's export dated between
// from and to inclusive. Rows whose date cannot be read are returned as
// well so that the sync reports them.
func (t *CSVTransport) FetchStatement(ctx context.Context, accountRef string, from, to time.Time) ([]models.RawStatementRow, error) {
	rows, format, err := t.readRows(ctx, accountRef)
	if err != nil {
		return nil, err
	}

	period := models.NewDateRange(from, to)
	var selected []models.RawStatementRow
	for _, row := range rows {
		date, err := rowDate(row, format.DayFirst)
		if err != nil || period.Contains(date) {
			selected = append(selected, row)
		}
	}

	t.logger.WithFields(logger.Fields{
		"account_ref": accountRef,
		"period":      period.String(),
		"rows":        len(rows),
		"selected":    len(selected),
	}).Debug("Fetched statement")
	return selected, nil
}

// FetchBalance returns the running balance of the last row that has one
func (t *CSVTransport) FetchBalance(ctx context.Context, accountRef string) (models.Balance, error) {
	rows, format, err := t.readRows(ctx, accountRef)
	if err != nil {
		return models.Balance{}, err
	}

	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if row.BalanceAfter == "" {
			continue
		}
		amount, err := models.ParseAmount(row.BalanceAfter)
		if err != nil {
			return models.Balance{}, errors.TransportError(errors.CodeFetchFailed, accountRef, err).
				WithContext("line", row.Line)
		}
		asOf, _ := rowDate(row, format.DayFirst)
		return models.Balance{AccountRef: accountRef, Amount: amount, AsOf: asOf}, nil
	}

	return models.Balance{}, errors.TransportError(errors.CodeServiceUnavailable, accountRef,
		fmt.Errorf("statement export has no balance column"))
}

func (t *CSVTransport) readRows(ctx context.Context, accountRef string) ([]models.RawStatementRow, *Format, error) {
	path, err := t.path(accountRef)
	if err != nil {
		return nil, nil, errors.TransportError(errors.CodeFetchFailed, accountRef, err)
	}

	format := t.format
	if format == nil {
		if format, err = t.detect(path); err != nil {
			return nil, nil, errors.TransportError(errors.CodeFetchFailed, accountRef, err)
		}
	}

	f, err := openCSV(path, format.Delimiter, format.requiredHeaders(), t.logger)
	if err != nil {
		code := errors.CodeFetchFailed
		if re, ok := errors.AsReconcilerError(err); ok && re.Code == errors.CodeFileNotFound {
			code = errors.CodeServiceUnavailable
		}
		return nil, nil, errors.TransportError(code, accountRef, err)
	}
	defer f.Close()

	var rows []models.RawStatementRow
	for {
		record, line, err := f.next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, errors.TransportError(errors.CodeTimeout, accountRef, err)
			}
			// an unreadable line is handed on as an empty row so the
			// sync reports it against its line number
			t.logger.WithError(err).WithField("line", line).Warn("Skipping malformed CSV line")
			rows = append(rows, models.RawStatementRow{Line: line})
			continue
		}

		rows = append(rows, models.RawStatementRow{
			ExternalID:   f.field(record, format.GetColumnName(ColumnID)),
			Date:         f.field(record, format.GetColumnName(ColumnDate)),
			PostedDate:   f.field(record, format.GetColumnName(ColumnPostedDate)),
			Amount:       f.field(record, format.GetColumnName(ColumnAmount)),
			CreditDebit:  f.field(record, format.GetColumnName(ColumnCreditDebit)),
			Description:  f.field(record, format.GetColumnName(ColumnDescription)),
			Memo:         f.field(record, format.GetColumnName(ColumnMemo)),
			BalanceAfter: f.field(record, format.GetColumnName(ColumnBalance)),
			Line:         line,
		})
	}
	return rows, format, nil
}

// detect reads the header line of path with each known delimiter and
// returns the matching predefined format
func (t *CSVTransport) detect(path string) (*Format, error) {
	for _, delimiter := range []rune{';', ','} {
		f, err := openCSV(path, delimiter, nil, t.logger)
		if err != nil {
			return nil, err
		}
		headers := f.headers
		f.Close()

		if len(headers) > 1 {
			format := DetectFormat(headers)
			if format.Delimiter == delimiter {
				return format, nil
			}
		}
	}
	return StandardFormat, nil
}

func rowDate(row models.RawStatementRow, dayFirst bool) (time.Time, error) {
	text := row.Date
	if strings.TrimSpace(text) == "" {
		text = row.PostedDate
	}
	return models.ParseDate(text, dayFirst)
}

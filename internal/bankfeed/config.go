package bankfeed

import (
	"fmt"
	"strings"
)

// Standard column names. A Format maps each of them to the header its bank
// uses; ColumnAliases override the mapping.
const (
	ColumnID          = "id"
	ColumnDate        = "date"
	ColumnPostedDate  = "posted_date"
	ColumnAmount      = "amount"
	ColumnCreditDebit = "credit_debit"
	ColumnDescription = "description"
	ColumnMemo        = "memo"
	ColumnBalance     = "balance"
)

// Format describes a bank's statement export
type Format struct {
	Name              string            `mapstructure:"name" json:"name"`
	IDColumn          string            `mapstructure:"id_column" json:"id_column"`
	DateColumn        string            `mapstructure:"date_column" json:"date_column"`
	PostedDateColumn  string            `mapstructure:"posted_date_column" json:"posted_date_column,omitempty"`
	AmountColumn      string            `mapstructure:"amount_column" json:"amount_column"`
	CreditDebitColumn string            `mapstructure:"credit_debit_column" json:"credit_debit_column,omitempty"`
	DescriptionColumn string            `mapstructure:"description_column" json:"description_column"`
	MemoColumn        string            `mapstructure:"memo_column" json:"memo_column,omitempty"`
	BalanceColumn     string            `mapstructure:"balance_column" json:"balance_column,omitempty"`
	DayFirst          bool              `mapstructure:"day_first" json:"day_first"`
	Delimiter         rune              `mapstructure:"delimiter" json:"delimiter"`
	ColumnAliases     map[string]string `mapstructure:"column_aliases" json:"column_aliases,omitempty"`
}

// Validate checks if the format is usable
func (f *Format) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("format name cannot be empty")
	}
	if strings.TrimSpace(f.GetColumnName(ColumnDate)) == "" {
		return fmt.Errorf("date column cannot be empty")
	}
	if strings.TrimSpace(f.GetColumnName(ColumnAmount)) == "" {
		return fmt.Errorf("amount column cannot be empty")
	}
	if f.Delimiter == 0 || f.Delimiter == '\n' || f.Delimiter == '"' {
		return fmt.Errorf("invalid delimiter %q", f.Delimiter)
	}
	return nil
}

// GetColumnName returns the header used for a standard column, checking
// aliases first. An empty result means the export has no such column.
func (f *Format) GetColumnName(standardName string) string {
	if alias, exists := f.ColumnAliases[standardName]; exists {
		return alias
	}

	switch standardName {
	case ColumnID:
		return f.IDColumn
	case ColumnDate:
		return f.DateColumn
	case ColumnPostedDate:
		return f.PostedDateColumn
	case ColumnAmount:
		return f.AmountColumn
	case ColumnCreditDebit:
		return f.CreditDebitColumn
	case ColumnDescription:
		return f.DescriptionColumn
	case ColumnMemo:
		return f.MemoColumn
	case ColumnBalance:
		return f.BalanceColumn
	default:
		return ""
	}
}

func (f *Format) requiredHeaders() []string {
	return []string{f.GetColumnName(ColumnDate), f.GetColumnName(ColumnAmount)}
}

// Predefined export formats
var (
	// StandardFormat is a generic comma-separated export with ISO dates
	StandardFormat = &Format{
		Name:              "standard",
		IDColumn:          "id",
		DateColumn:        "date",
		AmountColumn:      "amount",
		DescriptionColumn: "description",
		MemoColumn:        "memo",
		BalanceColumn:     "balance",
		Delimiter:         ',',
	}

	// BRFormat is the semicolon-separated export of Brazilian banks, with
	// day-first dates, decimal commas and a C/D indicator column
	BRFormat = &Format{
		Name:              "br",
		IDColumn:          "documento",
		DateColumn:        "data",
		PostedDateColumn:  "data_lancamento",
		AmountColumn:      "valor",
		CreditDebitColumn: "tipo",
		DescriptionColumn: "historico",
		MemoColumn:        "complemento",
		BalanceColumn:     "saldo",
		DayFirst:          true,
		Delimiter:         ';',
	}

	// USFormat is a month-first export with separate posting date
	USFormat = &Format{
		Name:              "us",
		IDColumn:          "transaction_id",
		DateColumn:        "transaction_date",
		PostedDateColumn:  "posting_date",
		AmountColumn:      "amount",
		DescriptionColumn: "description",
		BalanceColumn:     "running_balance",
		Delimiter:         ',',
		ColumnAliases: map[string]string{
			ColumnMemo: "details",
		},
	}
)

// GetFormat returns a predefined format by name
func GetFormat(name string) *Format {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "standard", "":
		return StandardFormat
	case "br":
		return BRFormat
	case "us":
		return USFormat
	default:
		return nil
	}
}

// ListFormats returns all predefined formats
func ListFormats() []*Format {
	return []*Format{StandardFormat, BRFormat, USFormat}
}

// DetectFormat picks the predefined format whose date and amount headers
// are all present, falling back to the standard format
func DetectFormat(headers []string) *Format {
	present := make(map[string]bool)
	for _, header := range headers {
		present[strings.ToLower(strings.TrimSpace(header))] = true
	}

	for _, format := range ListFormats() {
		matched := true
		for _, required := range format.requiredHeaders() {
			if !present[strings.ToLower(required)] {
				matched = false
				break
			}
		}
		if matched {
			return format
		}
	}
	return StandardFormat
}

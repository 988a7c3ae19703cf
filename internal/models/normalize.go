package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"statement-reconciliation-service/pkg/errors"
)

// fallbackNamespace seeds the name-based UUIDs used as identity for rows the
// bank delivers without an id. Changing it changes every fallback identity.
var fallbackNamespace = uuid.MustParse("6f1c1f2e-8d3b-5a4e-9c61-2b7e0f3d9a15")

// FallbackIdentityPrefix marks identities derived from row content
const FallbackIdentityPrefix = "fb:"

// NormalizeOptions controls how raw rows are interpreted
type NormalizeOptions struct {
	// DayFirst reads ambiguous dates such as 03/04/2024 as 3 April
	DayFirst bool
	// RedactPII masks tax ids, e-mail addresses and long digit runs in
	// descriptions before they are stored
	RedactPII bool
}

// DefaultNormalizeOptions returns the options used by the CLI
func DefaultNormalizeOptions() NormalizeOptions {
	return NormalizeOptions{DayFirst: true, RedactPII: true}
}

// NormalizeRow turns a raw feed row into a StatementRecord for accountID.
// The returned record has no surrogate ID yet; the store assigns it.
func NormalizeRow(accountID string, row RawStatementRow, opts NormalizeOptions) (*StatementRecord, error) {
	dateText := strings.TrimSpace(row.Date)
	if dateText == "" {
		dateText = strings.TrimSpace(row.PostedDate)
	}
	if dateText == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "date", "", nil).
			WithContext("line", row.Line)
	}
	date, err := ParseDate(dateText, opts.DayFirst)
	if err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidDate, "date", dateText, err).
			WithContext("line", row.Line)
	}

	if strings.TrimSpace(row.Amount) == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "amount", "", nil).
			WithContext("line", row.Line)
	}
	signed, err := ParseAmount(row.Amount)
	if err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidAmount, "amount", row.Amount, err).
			WithContext("line", row.Line)
	}
	if signed.IsZero() {
		return nil, errors.ValidationError(errors.CodeInvalidAmount, "amount", row.Amount, fmt.Errorf("amount is zero")).
			WithContext("line", row.Line)
	}

	direction := DirectionOf(signed)
	if indicator := strings.TrimSpace(row.CreditDebit); indicator != "" {
		parsed, ok := ParseDirection(indicator)
		if !ok {
			return nil, errors.ValidationError(errors.CodeInvalidData, "credit_debit", indicator, nil).
				WithContext("line", row.Line)
		}
		direction = parsed
	}

	var balance *decimal.Decimal
	if text := strings.TrimSpace(row.BalanceAfter); text != "" {
		b, err := ParseAmount(text)
		if err != nil {
			return nil, errors.ValidationError(errors.CodeInvalidAmount, "balance_after", text, err).
				WithContext("line", row.Line)
		}
		balance = &b
	}

	amount := signed.Abs()
	rawDescription := row.RawDescription()

	identity := strings.TrimSpace(row.ExternalID)
	if identity == "" {
		identity = DeriveIdentity(accountID, date, amount, direction, rawDescription)
	}

	description := CleanDescription(rawDescription)
	if opts.RedactPII {
		description = RedactPII(description)
	}

	return &StatementRecord{
		AccountID:       accountID,
		ExternalID:      strings.TrimSpace(row.ExternalID),
		Identity:        identity,
		TransactionDate: date,
		Description:     description,
		Amount:          amount,
		Direction:       direction,
		BalanceAfter:    balance,
	}, nil
}

// DeriveIdentity computes the deterministic identity of a row that has no
// external id. The raw (unredacted) description is part of the key so two
// same-day same-amount rows with different text stay distinct.
func DeriveIdentity(accountID string, date time.Time, amount decimal.Decimal, direction Direction, rawDescription string) string {
	key := strings.Join([]string{
		accountID,
		TruncateDay(date).Format("2006-01-02"),
		amount.Abs().StringFixed(2),
		string(direction),
		strings.ToLower(CleanDescription(rawDescription)),
	}, "|")
	return FallbackIdentityPrefix + uuid.NewSHA1(fallbackNamespace, []byte(key)).String()
}

// ParseAmount parses an amount written with either decimal convention
// ("1.234,56" or "1,234.56"), an optional currency symbol, and a sign given
// as a leading or trailing minus or as parentheses.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}

	for _, symbol := range []string{"R$", "US$", "$", "€", "£", "BRL", "USD", "EUR", " ", "\u00a0"} {
		s = strings.ReplaceAll(s, symbol, "")
	}

	switch {
	case strings.HasSuffix(s, "-"):
		negative = !negative
		s = strings.TrimSuffix(s, "-")
	case strings.HasPrefix(s, "-"):
		negative = !negative
		s = strings.TrimPrefix(s, "-")
	case strings.HasPrefix(s, "+"):
		s = strings.TrimPrefix(s, "+")
	}

	s = normalizeSeparators(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount has no digits")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// normalizeSeparators rewrites s to use '.' as the only decimal separator.
// When both separators appear, the last one is the decimal separator. A
// single comma is a decimal comma; repeated separators are grouping.
func normalizeSeparators(s string) string {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			return strings.ReplaceAll(s, ",", "")
		}
		return strings.Replace(s, ",", ".", 1)
	case lastDot >= 0 && strings.Count(s, ".") > 1:
		return strings.ReplaceAll(s, ".", "")
	default:
		return s
	}
}

var (
	isoDateFormats = []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006/01/02",
		"20060102",
		"Jan 2, 2006",
		"January 2, 2006",
	}
	dayFirstFormats = []string{
		"02/01/2006 15:04:05",
		"02/01/2006",
		"2/1/2006",
		"02-01-2006",
		"02.01.2006",
	}
	monthFirstFormats = []string{
		"01/02/2006 15:04:05",
		"01/02/2006",
		"1/2/2006",
		"01-02-2006",
	}
)

// ParseDate parses a statement date and returns the calendar day in UTC.
// ISO layouts are tried first; dayFirst decides how slash dates are read.
func ParseDate(s string, dayFirst bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date string cannot be empty")
	}

	formats := append([]string{}, isoDateFormats...)
	if dayFirst {
		formats = append(formats, dayFirstFormats...)
	} else {
		formats = append(formats, monthFirstFormats...)
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, s)
		if err == nil {
			return TruncateDay(t), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("unable to parse date '%s': %w", s, lastErr)
}

// ParseDirection reads a credit/debit indicator as banks spell it
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CR", "CREDIT", "CREDITO", "CRÉDITO", "+", "IN":
		return DirectionCredit, true
	case "D", "DR", "DEBIT", "DEBITO", "DÉBITO", "-", "OUT":
		return DirectionDebit, true
	default:
		return "", false
	}
}

var whitespace = regexp.MustCompile(`\s+`)

// CleanDescription collapses whitespace in a statement description
func CleanDescription(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	// CNPJ before CPF so the longer id is masked whole
	regexp.MustCompile(`\b\d{2}\.?\d{3}\.?\d{3}/?\d{4}-?\d{2}\b`),
	regexp.MustCompile(`\b\d{3}\.?\d{3}\.?\d{3}-?\d{2}\b`),
	regexp.MustCompile(`\b\d{9,}\b`),
}

// RedactedMarker replaces personal data in descriptions
const RedactedMarker = "[redacted]"

// RedactPII masks personal identifiers in a description
func RedactPII(s string) string {
	for _, pattern := range piiPatterns {
		s = pattern.ReplaceAllString(s, RedactedMarker)
	}
	return s
}

// FoldAccents removes diacritics so that "TRANSFERÊNCIA" compares equal to
// "TRANSFERENCIA". Text that cannot be transformed is returned unchanged.
func FoldAccents(s string) string {
	// transformers keep state, so each call builds its own chain
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return folded
}

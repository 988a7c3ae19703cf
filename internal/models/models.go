// Package models defines the reconciliation domain: statement records coming
// from a bank feed, internal ledger transactions they are matched against,
// and the audit trail of reconciliation decisions.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction classifies money movement on the bank account.
type Direction string

const (
	// DirectionCredit is money coming into the account
	DirectionCredit Direction = "credit"
	// DirectionDebit is money leaving the account
	DirectionDebit Direction = "debit"
)

// IsValid checks if the direction is valid
func (d Direction) IsValid() bool {
	return d == DirectionCredit || d == DirectionDebit
}

// DirectionOf returns the direction implied by the sign of a signed amount
func DirectionOf(amount decimal.Decimal) Direction {
	if amount.IsNegative() {
		return DirectionDebit
	}
	return DirectionCredit
}

// TransactionStatus is the settlement status of a ledger transaction
type TransactionStatus string

const (
	StatusPaid    TransactionStatus = "paid"
	StatusPending TransactionStatus = "pending"
)

// IsValid checks if the status is valid
func (s TransactionStatus) IsValid() bool {
	return s == StatusPaid || s == StatusPending
}

// ReconciliationType records how a reconciliation decision was made
type ReconciliationType string

const (
	ReconciliationAutomatic ReconciliationType = "automatic"
	ReconciliationManual    ReconciliationType = "manual"
	ReconciliationBatch     ReconciliationType = "batch"
)

// IsValid checks if the reconciliation type is valid
func (t ReconciliationType) IsValid() bool {
	switch t {
	case ReconciliationAutomatic, ReconciliationManual, ReconciliationBatch:
		return true
	default:
		return false
	}
}

// AuditAction is the kind of state change an audit entry records
type AuditAction string

const (
	ActionLink   AuditAction = "link"
	ActionUnlink AuditAction = "unlink"
)

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// NewDateRange builds a range normalized to whole days
func NewDateRange(from, to time.Time) DateRange {
	return DateRange{From: TruncateDay(from), To: TruncateDay(to)}
}

// Validate checks that the range is set and not inverted
func (r DateRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("date range requires both start and end")
	}
	if r.From.After(r.To) {
		return fmt.Errorf("date range start %s is after end %s",
			r.From.Format("2006-01-02"), r.To.Format("2006-01-02"))
	}
	return nil
}

// IsZero reports whether neither bound is set
func (r DateRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// Contains reports whether t falls on a day inside the range.
// An unset bound is open.
func (r DateRange) Contains(t time.Time) bool {
	day := TruncateDay(t)
	if !r.From.IsZero() && day.Before(TruncateDay(r.From)) {
		return false
	}
	if !r.To.IsZero() && day.After(TruncateDay(r.To)) {
		return false
	}
	return true
}

// Around returns the range of days within window days of t
func Around(t time.Time, windowDays int) DateRange {
	day := TruncateDay(t)
	return DateRange{From: day.AddDate(0, 0, -windowDays), To: day.AddDate(0, 0, windowDays)}
}

// String returns the range as "from..to"
func (r DateRange) String() string {
	return fmt.Sprintf("%s..%s", r.From.Format("2006-01-02"), r.To.Format("2006-01-02"))
}

// TruncateDay drops the time of day, keeping the calendar date in UTC
func TruncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the absolute number of calendar days between a and b
func DaysBetween(a, b time.Time) int {
	diff := TruncateDay(a).Sub(TruncateDay(b))
	if diff < 0 {
		diff = -diff
	}
	return int(diff.Hours() / 24)
}

// Account is a bank account known to the engine. ExternalRef is the
// reference the bank feed knows the account by; an account without one
// cannot be synced.
type Account struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ExternalRef string    `json:"external_ref"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasCredentials reports whether the account can be fetched from the feed
func (a *Account) HasCredentials() bool {
	return a.Active && strings.TrimSpace(a.ExternalRef) != ""
}

// RawStatementRow is one row as delivered by the bank feed, before
// normalization. Every field is optional text; the feed is not trusted to
// deliver consistent formats.
type RawStatementRow struct {
	ExternalID   string `json:"external_id,omitempty"`
	Date         string `json:"date,omitempty"`
	PostedDate   string `json:"posted_date,omitempty"`
	Amount       string `json:"amount,omitempty"`
	CreditDebit  string `json:"credit_debit,omitempty"`
	Description  string `json:"description,omitempty"`
	Memo         string `json:"memo,omitempty"`
	BalanceAfter string `json:"balance_after,omitempty"`

	// Line is the position of the row in the source, for error reporting
	Line int `json:"line,omitempty"`
}

// RawDescription joins description and memo the way they are shown on a
// statement
func (r RawStatementRow) RawDescription() string {
	desc := strings.TrimSpace(r.Description)
	memo := strings.TrimSpace(r.Memo)
	switch {
	case memo == "":
		return desc
	case desc == "":
		return memo
	default:
		return desc + " " + memo
	}
}

// Balance is the account balance reported by the bank feed
type Balance struct {
	AccountRef string          `json:"account_ref"`
	Amount     decimal.Decimal `json:"amount"`
	AsOf       time.Time       `json:"as_of"`
}

// StatementRecord is a normalized bank statement entry.
//
// Identity is the stable key within an account: the bank's external id when
// present, otherwise a deterministic fallback. Reconciled and
// ReconciledTransactionID belong to the matching engine; sync never writes
// them.
type StatementRecord struct {
	ID                      string           `json:"id"`
	AccountID               string           `json:"account_id"`
	ExternalID              string           `json:"external_id,omitempty"`
	Identity                string           `json:"identity"`
	TransactionDate         time.Time        `json:"transaction_date"`
	Description             string           `json:"description"`
	Amount                  decimal.Decimal  `json:"amount"`
	Direction               Direction        `json:"direction"`
	BalanceAfter            *decimal.Decimal `json:"balance_after,omitempty"`
	Reconciled              bool             `json:"reconciled"`
	ReconciledTransactionID *string          `json:"reconciled_transaction_id,omitempty"`
	ImportedAt              time.Time        `json:"imported_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// Validate performs basic validation on the StatementRecord
func (r *StatementRecord) Validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("statement record account cannot be empty")
	}
	if strings.TrimSpace(r.Identity) == "" {
		return fmt.Errorf("statement record identity cannot be empty")
	}
	if r.TransactionDate.IsZero() {
		return fmt.Errorf("statement record date cannot be zero")
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("statement record amount must be stored as an absolute value")
	}
	if r.Amount.IsZero() {
		return fmt.Errorf("statement record amount cannot be zero")
	}
	if !r.Direction.IsValid() {
		return fmt.Errorf("invalid direction: %s", r.Direction)
	}
	return nil
}

// SignedAmount returns the amount with debits negative
func (r *StatementRecord) SignedAmount() decimal.Decimal {
	if r.Direction == DirectionDebit {
		return r.Amount.Neg()
	}
	return r.Amount
}

// LinkedTo returns the linked transaction id, or "" when unlinked
func (r *StatementRecord) LinkedTo() string {
	if r.ReconciledTransactionID == nil {
		return ""
	}
	return *r.ReconciledTransactionID
}

// SameContent compares the fields the bank feed owns. Identity, surrogate id,
// timestamps and reconciliation state are not compared.
func (r *StatementRecord) SameContent(other *StatementRecord) bool {
	if other == nil {
		return false
	}
	if !r.TransactionDate.Equal(other.TransactionDate) ||
		r.Description != other.Description ||
		!r.Amount.Equal(other.Amount) ||
		r.Direction != other.Direction ||
		r.ExternalID != other.ExternalID {
		return false
	}
	switch {
	case r.BalanceAfter == nil && other.BalanceAfter == nil:
		return true
	case r.BalanceAfter == nil || other.BalanceAfter == nil:
		return false
	default:
		return r.BalanceAfter.Equal(*other.BalanceAfter)
	}
}

// String returns a string representation of the StatementRecord
func (r *StatementRecord) String() string {
	return fmt.Sprintf("StatementRecord{ID: %s, Account: %s, Identity: %s, Amount: %s %s, Date: %s}",
		r.ID, r.AccountID, r.Identity, r.Direction, r.Amount.String(), r.TransactionDate.Format("2006-01-02"))
}

// MarshalJSON renders the transaction date as a calendar day
func (r *StatementRecord) MarshalJSON() ([]byte, error) {
	type Alias StatementRecord
	return json.Marshal(&struct {
		TransactionDate string `json:"transaction_date"`
		*Alias
	}{
		TransactionDate: r.TransactionDate.Format("2006-01-02"),
		Alias:           (*Alias)(r),
	})
}

// InternalTransaction is a ledger entry recorded by the organization. The
// engine only reads these and sets the ReconciledStatementID back-reference.
type InternalTransaction struct {
	ID                    string            `json:"id"`
	AccountID             string            `json:"account_id"`
	DueDate               time.Time         `json:"due_date"`
	PaymentDate           *time.Time        `json:"payment_date,omitempty"`
	Amount                decimal.Decimal   `json:"amount"`
	Direction             Direction         `json:"direction"`
	Status                TransactionStatus `json:"status"`
	Description           string            `json:"description"`
	ReconciledStatementID *string           `json:"reconciled_statement_id,omitempty"`
}

// Validate performs basic validation on the InternalTransaction
func (t *InternalTransaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("transaction ID cannot be empty")
	}
	if strings.TrimSpace(t.AccountID) == "" {
		return fmt.Errorf("transaction account cannot be empty")
	}
	if t.DueDate.IsZero() {
		return fmt.Errorf("transaction due date cannot be zero")
	}
	if t.Amount.IsZero() || t.Amount.IsNegative() {
		return fmt.Errorf("transaction amount must be positive")
	}
	if !t.Direction.IsValid() {
		return fmt.Errorf("invalid direction: %s", t.Direction)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", t.Status)
	}
	return nil
}

// ReferenceDates returns the dates a statement entry may be compared to:
// the payment date when known, and the due date.
func (t *InternalTransaction) ReferenceDates() []time.Time {
	if t.PaymentDate != nil && !t.PaymentDate.IsZero() {
		return []time.Time{*t.PaymentDate, t.DueDate}
	}
	return []time.Time{t.DueDate}
}

// LinkedTo returns the linked statement record id, or "" when unlinked
func (t *InternalTransaction) LinkedTo() string {
	if t.ReconciledStatementID == nil {
		return ""
	}
	return *t.ReconciledStatementID
}

// String returns a string representation of the InternalTransaction
func (t *InternalTransaction) String() string {
	return fmt.Sprintf("InternalTransaction{ID: %s, Account: %s, Amount: %s %s, Due: %s}",
		t.ID, t.AccountID, t.Direction, t.Amount.String(), t.DueDate.Format("2006-01-02"))
}

// AuditEntry is an immutable record of one reconciliation decision.
type AuditEntry struct {
	ID                    string             `json:"id"`
	AccountID             string             `json:"account_id"`
	StatementRecordID     string             `json:"statement_record_id"`
	InternalTransactionID *string            `json:"internal_transaction_id,omitempty"`
	Type                  ReconciliationType `json:"reconciliation_type"`
	Action                AuditAction        `json:"action"`
	Score                 *float64           `json:"score,omitempty"`
	ValueDifference       *decimal.Decimal   `json:"value_difference,omitempty"`
	Amount                decimal.Decimal    `json:"amount"`
	CreatedAt             time.Time          `json:"created_at"`
	ActorID               *string            `json:"actor_id,omitempty"`
}

// StringPtr returns a pointer to s, or nil for the empty string
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

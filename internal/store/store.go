// Package store declares the persistence contracts of the reconciliation
// engine. Every query is scoped by account id; callers always pass it
// explicitly.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"statement-reconciliation-service/internal/models"
)

// UpsertOutcome reports what Upsert did with a record
type UpsertOutcome string

const (
	OutcomeInserted UpsertOutcome = "inserted"
	OutcomeUpdated  UpsertOutcome = "updated"
	OutcomeSkipped  UpsertOutcome = "skipped"
)

// RecordFilter selects statement records. Zero values do not filter.
type RecordFilter struct {
	AccountIDs []string
	Period     models.DateRange
	Reconciled *bool
	Limit      int
}

// AuditFilter selects audit entries by the time the decision was made
type AuditFilter struct {
	AccountIDs        []string
	Period            models.DateRange
	StatementRecordID string
	Action            models.AuditAction
}

// LinkRequest links a statement record to a ledger transaction.
//
// ExpectedPrior is the transaction the caller saw linked when it made the
// decision ("" for none). The link is applied only if the record still has
// that link; otherwise the store returns a conflict. Entry is appended to the
// audit log in the same transaction.
type LinkRequest struct {
	RecordID      string
	TransactionID string
	ExpectedPrior string
	Entry         *models.AuditEntry
}

// UnlinkRequest releases the link of a statement record. ExpectedPrior works
// as in LinkRequest.
type UnlinkRequest struct {
	RecordID      string
	ExpectedPrior string
	Entry         *models.AuditEntry
}

// StatementStore persists normalized statement records
type StatementStore interface {
	// Upsert inserts the record or updates the feed-owned fields of the
	// stored record with the same (account, identity). Reconciliation fields
	// are never written.
	Upsert(ctx context.Context, record *models.StatementRecord) (UpsertOutcome, *models.StatementRecord, error)
	Get(ctx context.Context, accountID, identity string) (*models.StatementRecord, error)
	GetByID(ctx context.Context, id string) (*models.StatementRecord, error)
	ListUnreconciled(ctx context.Context, accountID string, period models.DateRange) ([]*models.StatementRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*models.StatementRecord, error)
	// LatestBalance returns the running balance of the latest record that
	// carries one, or nil when none does.
	LatestBalance(ctx context.Context, accountID string) (*decimal.Decimal, error)
	MarkReconciled(ctx context.Context, req LinkRequest) (*models.StatementRecord, error)
	Unlink(ctx context.Context, req UnlinkRequest) (*models.StatementRecord, error)
}

// AuditLog is the append-only log of reconciliation decisions. Entries are
// appended by MarkReconciled and Unlink.
type AuditLog interface {
	ListAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
}

// Ledger exposes the organization's internal transactions
type Ledger interface {
	// ListCandidates returns transactions of the account whose due or
	// payment date falls within period and that are not linked to any
	// statement record.
	ListCandidates(ctx context.Context, accountID string, period models.DateRange) ([]*models.InternalTransaction, error)
	GetTransaction(ctx context.Context, id string) (*models.InternalTransaction, error)
	TagReconciled(ctx context.Context, transactionID, recordID string) error
}

// AccountDirectory resolves accounts
type AccountDirectory interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
}

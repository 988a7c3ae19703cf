// Package sqlite implements the store contracts on a single SQLite database.
//
// Statement records, the audit log, the internal ledger and accounts live in
// one file so that a reconciliation decision (record link, ledger
// back-reference and audit entry) commits as one transaction.
//
// Storage-level guarantees:
//   - statement_records is unique on (account_id, identity)
//   - a ledger transaction is linked to at most one record, enforced by a
//     partial unique index on reconciled_transaction_id
//   - reconciliation_audit rejects UPDATE and DELETE through triggers
//
// The database is opened in WAL mode with immediate write transactions and a
// busy timeout, so concurrent writers queue instead of failing.
package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/store"
	"statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

const (
	dayLayout       = "2006-01-02"
	timestampLayout = "2006-01-02T15:04:05.000000Z"
)

var (
	_ store.StatementStore   = (*Store)(nil)
	_ store.AuditLog         = (*Store)(nil)
	_ store.Ledger           = (*Store)(nil)
	_ store.AccountDirectory = (*Store)(nil)
)

// Store implements the store interfaces on SQLite
type Store struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

// Open opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for a private in-memory database.
func Open(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "open database", err).
			WithContext("path", path)
	}
	if path == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:     db,
		logger: log.WithComponent("store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.WithField("path", path).Debug("Database ready")
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	external_ref TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS statement_records (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	identity TEXT NOT NULL,
	transaction_date TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	amount TEXT NOT NULL,
	direction TEXT NOT NULL,
	balance_after TEXT,
	reconciled INTEGER NOT NULL DEFAULT 0,
	reconciled_transaction_id TEXT,
	imported_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_statement_records_identity
	ON statement_records(account_id, identity);
CREATE UNIQUE INDEX IF NOT EXISTS idx_statement_records_linked_tx
	ON statement_records(reconciled_transaction_id)
	WHERE reconciled_transaction_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_statement_records_account_date
	ON statement_records(account_id, transaction_date);

CREATE TABLE IF NOT EXISTS internal_transactions (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	due_date TEXT NOT NULL,
	payment_date TEXT,
	amount TEXT NOT NULL,
	direction TEXT NOT NULL,
	status TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	reconciled_statement_id TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_internal_transactions_linked_record
	ON internal_transactions(reconciled_statement_id)
	WHERE reconciled_statement_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_internal_transactions_account_due
	ON internal_transactions(account_id, due_date);
CREATE INDEX IF NOT EXISTS idx_internal_transactions_account_paid
	ON internal_transactions(account_id, payment_date)
	WHERE payment_date IS NOT NULL;

CREATE TABLE IF NOT EXISTS reconciliation_audit (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	statement_record_id TEXT NOT NULL,
	internal_transaction_id TEXT,
	reconciliation_type TEXT NOT NULL,
	action TEXT NOT NULL,
	score REAL,
	value_difference TEXT,
	amount TEXT NOT NULL,
	created_at TEXT NOT NULL,
	actor_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_reconciliation_audit_account_created
	ON reconciliation_audit(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_reconciliation_audit_record
	ON reconciliation_audit(statement_record_id);

CREATE TRIGGER IF NOT EXISTS reconciliation_audit_no_update
	BEFORE UPDATE ON reconciliation_audit
BEGIN
	SELECT RAISE(ABORT, 'reconciliation_audit is append-only');
END;

CREATE TRIGGER IF NOT EXISTS reconciliation_audit_no_delete
	BEFORE DELETE ON reconciliation_audit
BEGIN
	SELECT RAISE(ABORT, 'reconciliation_audit is append-only');
END;
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.StorageError(errors.CodeMigrationFailed, "migrate", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// withTx runs fn in a write transaction. fn returns ReconcilerErrors; any
// other error is reported as a storage failure of operation.
func (s *Store) withTx(ctx context.Context, operation string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, operation, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeQueryFailed,
			fmt.Sprintf("storage failure during %s", operation))
	}
	if err := tx.Commit(); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, operation, err)
	}
	return nil
}

// --- accounts ---------------------------------------------------------------

// UpsertAccount registers an account or updates its name, reference and
// active flag
func (s *Store) UpsertAccount(ctx context.Context, account *models.Account) error {
	if strings.TrimSpace(account.ID) == "" {
		return errors.ValidationError(errors.CodeMissingField, "account.id", "", nil)
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, external_ref, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			external_ref = excluded.external_ref,
			active = excluded.active`,
		account.ID, account.Name, account.ExternalRef, account.Active, formatTimestamp(account.CreatedAt))
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "upsert account", err)
	}
	return nil
}

// GetAccount returns the account with id
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, external_ref, active, created_at FROM accounts WHERE id = ?`, id)

	account, err := scanAccount(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundError(errors.CodeAccountNotFound, id)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get account", err)
	}
	return account, nil
}

// ListAccounts returns every registered account ordered by id
func (s *Store) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, external_ref, active, created_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list accounts", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list accounts", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list accounts", err)
	}
	return accounts, nil
}

func scanAccount(row scanner) (*models.Account, error) {
	var (
		account   models.Account
		createdAt string
	)
	if err := row.Scan(&account.ID, &account.Name, &account.ExternalRef, &account.Active, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if account.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	return &account, nil
}

// --- statement records ------------------------------------------------------

const recordColumns = `id, account_id, external_id, identity, transaction_date, description,
	amount, direction, balance_after, reconciled, reconciled_transaction_id, imported_at, updated_at`

// Upsert implements store.StatementStore
func (s *Store) Upsert(ctx context.Context, record *models.StatementRecord) (store.UpsertOutcome, *models.StatementRecord, error) {
	if err := record.Validate(); err != nil {
		return "", nil, errors.ValidationError(errors.CodeInvalidData, "statement_record", record.Identity, err)
	}

	outcome, stored, err := s.upsertOnce(ctx, record)
	if isUniqueViolation(err) {
		// Handles opened by Open begin every transaction IMMEDIATE, so their
		// writers, in this process or another, never interleave a read and
		// an insert. The violation is only seen when the row came from a
		// connection that does not take the write lock up front; the second
		// attempt reads it and updates instead.
		s.logger.WithFields(logger.Fields{
			"account_id": record.AccountID,
			"identity":   record.Identity,
		}).Debug("Upsert lost insert race, retrying as update")
		outcome, stored, err = s.upsertOnce(ctx, record)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return "", nil, errors.ConflictError(errors.CodeDuplicateIdentity, "statement record", record.Identity, err)
		}
		return "", nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeQueryFailed,
			"storage failure during upsert statement record")
	}
	return outcome, stored, nil
}

func (s *Store) upsertOnce(ctx context.Context, record *models.StatementRecord) (store.UpsertOutcome, *models.StatementRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM statement_records WHERE account_id = ? AND identity = ?`,
		record.AccountID, record.Identity))
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return "", nil, err
	}

	now := s.now()
	var outcome store.UpsertOutcome
	var stored models.StatementRecord

	switch {
	case existing == nil:
		stored = *record
		stored.ID = uuid.NewString()
		stored.Reconciled = false
		stored.ReconciledTransactionID = nil
		stored.ImportedAt = now
		stored.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO statement_records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
			stored.ID, stored.AccountID, stored.ExternalID, stored.Identity,
			formatDay(stored.TransactionDate), stored.Description, stored.Amount.String(),
			string(stored.Direction), nullDecimal(stored.BalanceAfter),
			formatTimestamp(now), formatTimestamp(now))
		outcome = store.OutcomeInserted

	case existing.SameContent(record):
		return store.OutcomeSkipped, existing, nil

	default:
		stored = *existing
		stored.ExternalID = record.ExternalID
		stored.TransactionDate = record.TransactionDate
		stored.Description = record.Description
		stored.Amount = record.Amount
		stored.Direction = record.Direction
		stored.BalanceAfter = record.BalanceAfter
		stored.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			UPDATE statement_records
			SET external_id = ?, transaction_date = ?, description = ?, amount = ?,
				direction = ?, balance_after = ?, updated_at = ?
			WHERE id = ?`,
			stored.ExternalID, formatDay(stored.TransactionDate), stored.Description,
			stored.Amount.String(), string(stored.Direction), nullDecimal(stored.BalanceAfter),
			formatTimestamp(now), stored.ID)
		outcome = store.OutcomeUpdated
	}
	if err != nil {
		return "", nil, err
	}
	if err := tx.Commit(); err != nil {
		return "", nil, err
	}
	return outcome, &stored, nil
}

// Get returns the record of accountID with identity
func (s *Store) Get(ctx context.Context, accountID, identity string) (*models.StatementRecord, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM statement_records WHERE account_id = ? AND identity = ?`,
		accountID, identity))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundError(errors.CodeRecordNotFound, identity).
			WithContext("account_id", accountID)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get statement record", err)
	}
	return record, nil
}

// GetByID returns the record with the surrogate id
func (s *Store) GetByID(ctx context.Context, id string) (*models.StatementRecord, error) {
	return getRecordByID(ctx, s.db, id)
}

func getRecordByID(ctx context.Context, q querier, id string) (*models.StatementRecord, error) {
	record, err := scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM statement_records WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundError(errors.CodeRecordNotFound, id)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get statement record", err)
	}
	return record, nil
}

// ListUnreconciled returns the unlinked records of accountID dated inside
// period, oldest first
func (s *Store) ListUnreconciled(ctx context.Context, accountID string, period models.DateRange) ([]*models.StatementRecord, error) {
	reconciled := false
	return s.ListRecords(ctx, store.RecordFilter{
		AccountIDs: []string{accountID},
		Period:     period,
		Reconciled: &reconciled,
	})
}

// ListRecords returns the records matching filter ordered by account and date
func (s *Store) ListRecords(ctx context.Context, filter store.RecordFilter) ([]*models.StatementRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.AccountIDs) > 0 {
		clauses = append(clauses, "account_id IN ("+placeholders(len(filter.AccountIDs))+")")
		for _, id := range filter.AccountIDs {
			args = append(args, id)
		}
	}
	if !filter.Period.From.IsZero() {
		clauses = append(clauses, "transaction_date >= ?")
		args = append(args, formatDay(filter.Period.From))
	}
	if !filter.Period.To.IsZero() {
		clauses = append(clauses, "transaction_date <= ?")
		args = append(args, formatDay(filter.Period.To))
	}
	if filter.Reconciled != nil {
		clauses = append(clauses, "reconciled = ?")
		args = append(args, *filter.Reconciled)
	}

	query := `SELECT ` + recordColumns + ` FROM statement_records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY account_id, transaction_date, rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list statement records", err)
	}
	defer rows.Close()

	var records []*models.StatementRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list statement records", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list statement records", err)
	}
	return records, nil
}

// LatestBalance implements store.StatementStore
func (s *Store) LatestBalance(ctx context.Context, accountID string) (*decimal.Decimal, error) {
	var balance string
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_after FROM statement_records
		WHERE account_id = ? AND balance_after IS NOT NULL
		ORDER BY transaction_date DESC, rowid DESC
		LIMIT 1`, accountID).Scan(&balance)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "latest balance", err)
	}

	d, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "latest balance", err)
	}
	return &d, nil
}

// MarkReconciled links a record to a ledger transaction, releases the
// record's previous link, tags the ledger back-reference and appends the
// audit entry, all in one transaction.
func (s *Store) MarkReconciled(ctx context.Context, req store.LinkRequest) (*models.StatementRecord, error) {
	if req.Entry == nil {
		return nil, errors.InternalError(errors.CodeUnexpectedError, "mark reconciled",
			fmt.Errorf("audit entry is required"))
	}

	var result *models.StatementRecord
	err := s.withTx(ctx, "mark reconciled", func(tx *sql.Tx) error {
		record, err := getRecordByID(ctx, tx, req.RecordID)
		if err != nil {
			return err
		}
		txn, err := getTransaction(ctx, tx, req.TransactionID)
		if err != nil {
			return err
		}
		if txn.AccountID != record.AccountID {
			return errors.InvalidMatchError(record.ID, txn.ID)
		}
		if linked := txn.LinkedTo(); linked != "" && linked != record.ID {
			return errors.ConflictError(errors.CodeAlreadyLinked, "transaction", txn.ID, nil).
				WithContext("linked_record_id", linked)
		}

		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE statement_records
			SET reconciled = 1, reconciled_transaction_id = ?, updated_at = ?
			WHERE id = ? AND reconciled_transaction_id IS ?`,
			txn.ID, formatTimestamp(now), record.ID, nullString(req.ExpectedPrior))
		if err != nil {
			if isUniqueViolation(err) {
				return errors.ConflictError(errors.CodeAlreadyLinked, "transaction", txn.ID, err)
			}
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errors.ConflictError(errors.CodeConcurrentModified, "statement record", record.ID, nil).
				WithContext("expected_link", req.ExpectedPrior).
				WithContext("current_link", record.LinkedTo())
		}

		if prior := req.ExpectedPrior; prior != "" && prior != txn.ID {
			if err := untag(ctx, tx, prior, record.ID); err != nil {
				return err
			}
		}
		if err := tagReconciled(ctx, tx, txn.ID, record.ID); err != nil {
			return err
		}

		entry := *req.Entry
		entry.AccountID = record.AccountID
		entry.StatementRecordID = record.ID
		entry.InternalTransactionID = models.StringPtr(txn.ID)
		entry.Action = models.ActionLink
		if err := s.appendAudit(ctx, tx, &entry, record, now); err != nil {
			return err
		}
		*req.Entry = entry

		record.Reconciled = true
		record.ReconciledTransactionID = models.StringPtr(txn.ID)
		record.UpdatedAt = now
		result = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Unlink releases the record's link and its ledger back-reference and
// appends an unlink audit entry, in one transaction.
func (s *Store) Unlink(ctx context.Context, req store.UnlinkRequest) (*models.StatementRecord, error) {
	if req.Entry == nil {
		return nil, errors.InternalError(errors.CodeUnexpectedError, "unlink",
			fmt.Errorf("audit entry is required"))
	}

	var result *models.StatementRecord
	err := s.withTx(ctx, "unlink", func(tx *sql.Tx) error {
		record, err := getRecordByID(ctx, tx, req.RecordID)
		if err != nil {
			return err
		}

		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE statement_records
			SET reconciled = 0, reconciled_transaction_id = NULL, updated_at = ?
			WHERE id = ? AND reconciled_transaction_id IS ?`,
			formatTimestamp(now), record.ID, nullString(req.ExpectedPrior))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errors.ConflictError(errors.CodeConcurrentModified, "statement record", record.ID, nil).
				WithContext("expected_link", req.ExpectedPrior).
				WithContext("current_link", record.LinkedTo())
		}

		if req.ExpectedPrior != "" {
			if err := untag(ctx, tx, req.ExpectedPrior, record.ID); err != nil {
				return err
			}
		}

		entry := *req.Entry
		entry.AccountID = record.AccountID
		entry.StatementRecordID = record.ID
		entry.InternalTransactionID = models.StringPtr(req.ExpectedPrior)
		entry.Action = models.ActionUnlink
		if err := s.appendAudit(ctx, tx, &entry, record, now); err != nil {
			return err
		}
		*req.Entry = entry

		record.Reconciled = false
		record.ReconciledTransactionID = nil
		record.UpdatedAt = now
		result = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func scanRecord(row scanner) (*models.StatementRecord, error) {
	var (
		record       models.StatementRecord
		date         string
		amount       string
		direction    string
		balance      sql.NullString
		reconciledTx sql.NullString
		importedAt   string
		updatedAt    string
	)
	err := row.Scan(&record.ID, &record.AccountID, &record.ExternalID, &record.Identity,
		&date, &record.Description, &amount, &direction, &balance,
		&record.Reconciled, &reconciledTx, &importedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if record.TransactionDate, err = parseDay(date); err != nil {
		return nil, err
	}
	if record.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if record.BalanceAfter, err = parseNullDecimal(balance); err != nil {
		return nil, err
	}
	if record.ImportedAt, err = parseTimestamp(importedAt); err != nil {
		return nil, err
	}
	if record.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	record.Direction = models.Direction(direction)
	if reconciledTx.Valid {
		record.ReconciledTransactionID = models.StringPtr(reconciledTx.String)
	}
	return &record, nil
}

// --- audit log --------------------------------------------------------------

func (s *Store) appendAudit(ctx context.Context, q querier, entry *models.AuditEntry, record *models.StatementRecord, now time.Time) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.Amount.IsZero() {
		entry.Amount = record.Amount
	}
	if !entry.Type.IsValid() {
		return errors.InternalError(errors.CodeUnexpectedError, "append audit",
			fmt.Errorf("invalid reconciliation type %q", entry.Type))
	}

	var score sql.NullFloat64
	if entry.Score != nil {
		score = sql.NullFloat64{Float64: *entry.Score, Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO reconciliation_audit
		(id, account_id, statement_record_id, internal_transaction_id, reconciliation_type,
		 action, score, value_difference, amount, created_at, actor_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AccountID, entry.StatementRecordID, nullStringPtr(entry.InternalTransactionID),
		string(entry.Type), string(entry.Action), score, nullDecimal(entry.ValueDifference),
		entry.Amount.String(), formatTimestamp(entry.CreatedAt), nullStringPtr(entry.ActorID))
	return err
}

// ListAudit returns audit entries matching filter in the order they were
// appended
func (s *Store) ListAudit(ctx context.Context, filter store.AuditFilter) ([]*models.AuditEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.AccountIDs) > 0 {
		clauses = append(clauses, "account_id IN ("+placeholders(len(filter.AccountIDs))+")")
		for _, id := range filter.AccountIDs {
			args = append(args, id)
		}
	}
	if !filter.Period.From.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatDay(filter.Period.From))
	}
	if !filter.Period.To.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, formatDay(models.TruncateDay(filter.Period.To).AddDate(0, 0, 1)))
	}
	if filter.StatementRecordID != "" {
		clauses = append(clauses, "statement_record_id = ?")
		args = append(args, filter.StatementRecordID)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, string(filter.Action))
	}

	query := `SELECT id, account_id, statement_record_id, internal_transaction_id, reconciliation_type,
		action, score, value_difference, amount, created_at, actor_id FROM reconciliation_audit`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list audit", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list audit", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list audit", err)
	}
	return entries, nil
}

func scanAudit(row scanner) (*models.AuditEntry, error) {
	var (
		entry      models.AuditEntry
		txID       sql.NullString
		recType    string
		action     string
		score      sql.NullFloat64
		difference sql.NullString
		amount     string
		createdAt  string
		actor      sql.NullString
	)
	err := row.Scan(&entry.ID, &entry.AccountID, &entry.StatementRecordID, &txID, &recType,
		&action, &score, &difference, &amount, &createdAt, &actor)
	if err != nil {
		return nil, err
	}

	entry.Type = models.ReconciliationType(recType)
	entry.Action = models.AuditAction(action)
	if txID.Valid {
		entry.InternalTransactionID = models.StringPtr(txID.String)
	}
	if actor.Valid {
		entry.ActorID = models.StringPtr(actor.String)
	}
	if score.Valid {
		v := score.Float64
		entry.Score = &v
	}
	if entry.ValueDifference, err = parseNullDecimal(difference); err != nil {
		return nil, err
	}
	if entry.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if entry.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	return &entry, nil
}

// --- ledger -----------------------------------------------------------------

const transactionColumns = `id, account_id, due_date, payment_date, amount, direction, status,
	description, reconciled_statement_id`

// UpsertTransaction loads a ledger transaction. The reconciliation
// back-reference of an existing transaction is left untouched.
func (s *Store) UpsertTransaction(ctx context.Context, txn *models.InternalTransaction) (store.UpsertOutcome, error) {
	if err := txn.Validate(); err != nil {
		return "", errors.ValidationError(errors.CodeInvalidData, "internal_transaction", txn.ID, err)
	}

	var outcome store.UpsertOutcome
	err := s.withTx(ctx, "upsert transaction", func(tx *sql.Tx) error {
		existing, err := getTransaction(ctx, tx, txn.ID)
		switch {
		case errors.IsNotFound(err):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO internal_transactions (`+transactionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
				txn.ID, txn.AccountID, formatDay(txn.DueDate), nullDay(txn.PaymentDate),
				txn.Amount.String(), string(txn.Direction), string(txn.Status), txn.Description)
			outcome = store.OutcomeInserted
			return err
		case err != nil:
			return err
		}

		if sameTransaction(existing, txn) {
			outcome = store.OutcomeSkipped
			return nil
		}
		if existing.AccountID != txn.AccountID && existing.LinkedTo() != "" {
			return errors.ConflictError(errors.CodeAlreadyLinked, "transaction", txn.ID, nil).
				WithSuggestion("unmatch the linked statement record before moving the transaction to another account")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE internal_transactions
			SET account_id = ?, due_date = ?, payment_date = ?, amount = ?, direction = ?,
				status = ?, description = ?
			WHERE id = ?`,
			txn.AccountID, formatDay(txn.DueDate), nullDay(txn.PaymentDate), txn.Amount.String(),
			string(txn.Direction), string(txn.Status), txn.Description, txn.ID)
		outcome = store.OutcomeUpdated
		return err
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func sameTransaction(a, b *models.InternalTransaction) bool {
	samePayment := (a.PaymentDate == nil) == (b.PaymentDate == nil)
	if samePayment && a.PaymentDate != nil {
		samePayment = models.TruncateDay(*a.PaymentDate).Equal(models.TruncateDay(*b.PaymentDate))
	}
	return samePayment &&
		a.AccountID == b.AccountID &&
		models.TruncateDay(a.DueDate).Equal(models.TruncateDay(b.DueDate)) &&
		a.Amount.Equal(b.Amount) &&
		a.Direction == b.Direction &&
		a.Status == b.Status &&
		a.Description == b.Description
}

// ListCandidates implements store.Ledger
func (s *Store) ListCandidates(ctx context.Context, accountID string, period models.DateRange) ([]*models.InternalTransaction, error) {
	from, to := formatDay(period.From), formatDay(period.To)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM internal_transactions
		WHERE account_id = ? AND reconciled_statement_id IS NULL
		  AND ((due_date >= ? AND due_date <= ?)
		    OR (payment_date IS NOT NULL AND payment_date >= ? AND payment_date <= ?))
		ORDER BY due_date, id`,
		accountID, from, to, from, to)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list candidates", err)
	}
	defer rows.Close()

	var txns []*models.InternalTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list candidates", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list candidates", err)
	}
	return txns, nil
}

// GetTransaction implements store.Ledger
func (s *Store) GetTransaction(ctx context.Context, id string) (*models.InternalTransaction, error) {
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, q querier, id string) (*models.InternalTransaction, error) {
	txn, err := scanTransaction(q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM internal_transactions WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundError(errors.CodeTransactionNotFound, id)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get transaction", err)
	}
	return txn, nil
}

// TagReconciled sets the ledger back-reference of transactionID to
// recordID. MarkReconciled does this itself; the method exists for ledgers
// kept in sync by other tools.
func (s *Store) TagReconciled(ctx context.Context, transactionID, recordID string) error {
	return s.withTx(ctx, "tag reconciled", func(tx *sql.Tx) error {
		return tagReconciled(ctx, tx, transactionID, recordID)
	})
}

func tagReconciled(ctx context.Context, q querier, transactionID, recordID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE internal_transactions SET reconciled_statement_id = ?
		WHERE id = ? AND (reconciled_statement_id IS NULL OR reconciled_statement_id = ?)`,
		recordID, transactionID, recordID)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ConflictError(errors.CodeAlreadyLinked, "statement record", recordID, err)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := getTransaction(ctx, q, transactionID); err != nil {
			return err
		}
		return errors.ConflictError(errors.CodeAlreadyLinked, "transaction", transactionID, nil)
	}
	return nil
}

func untag(ctx context.Context, q querier, transactionID, recordID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE internal_transactions SET reconciled_statement_id = NULL
		WHERE id = ? AND reconciled_statement_id = ?`,
		transactionID, recordID)
	return err
}

func scanTransaction(row scanner) (*models.InternalTransaction, error) {
	var (
		txn       models.InternalTransaction
		dueDate   string
		paymentAt sql.NullString
		amount    string
		direction string
		status    string
		linked    sql.NullString
	)
	err := row.Scan(&txn.ID, &txn.AccountID, &dueDate, &paymentAt, &amount, &direction,
		&status, &txn.Description, &linked)
	if err != nil {
		return nil, err
	}

	if txn.DueDate, err = parseDay(dueDate); err != nil {
		return nil, err
	}
	if paymentAt.Valid {
		paid, err := parseDay(paymentAt.String)
		if err != nil {
			return nil, err
		}
		txn.PaymentDate = &paid
	}
	if txn.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	txn.Direction = models.Direction(direction)
	txn.Status = models.TransactionStatus(status)
	if linked.Valid {
		txn.ReconciledStatementID = models.StringPtr(linked.String)
	}
	return &txn, nil
}

// --- helpers ----------------------------------------------------------------

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatDay(t time.Time) string {
	return models.TruncateDay(t).Format(dayLayout)
}

func parseDay(s string) (time.Time, error) {
	return time.ParseInLocation(dayLayout, s, time.UTC)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(timestampLayout, s, time.UTC)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullDay(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDay(*t), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

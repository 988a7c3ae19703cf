// Package ingest pulls statement rows from a bank feed and stores them as
// normalized statement records. Sync is idempotent: running it twice over
// the same range stores nothing new.
package ingest

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/store"
	"statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

const tracerName = "statement-reconciliation-service/ingest"

// Transport fetches raw statement data from the bank. Implementations own
// the wire protocol and credentials; accountRef is the account's external
// reference.
type Transport interface {
	FetchStatement(ctx context.Context, accountRef string, from, to time.Time) ([]models.RawStatementRow, error)
	FetchBalance(ctx context.Context, accountRef string) (models.Balance, error)
}

// Config controls a sync
type Config struct {
	Normalize models.NormalizeOptions
	// FetchWindowDays splits long ranges into several fetches. Zero fetches
	// the whole range at once.
	FetchWindowDays int
	// CheckBalance compares the feed's balance with the latest stored
	// running balance after the rows are stored
	CheckBalance bool
}

// DefaultConfig returns the sync defaults
func DefaultConfig() Config {
	return Config{
		Normalize:       models.DefaultNormalizeOptions(),
		FetchWindowDays: 31,
		CheckBalance:    true,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.FetchWindowDays < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "sync.fetch_window_days", c.FetchWindowDays, nil)
	}
	return nil
}

// RowError describes a row that could not be stored
type RowError struct {
	Line     int              `json:"line,omitempty"`
	Identity string           `json:"identity,omitempty"`
	Code     errors.ErrorCode `json:"code"`
	Message  string           `json:"message"`
	Err      error            `json:"-"`
}

func (e RowError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// BalanceDrift reports a difference between the balance the bank reports
// and the running balance of the newest stored record
type BalanceDrift struct {
	Reported   decimal.Decimal `json:"reported"`
	Stored     decimal.Decimal `json:"stored"`
	Difference decimal.Decimal `json:"difference"`
	AsOf       time.Time       `json:"as_of"`
}

// SyncResult counts what a sync did. Every fetched row is counted exactly
// once as inserted, updated, skipped, filtered or in Errors.
type SyncResult struct {
	AccountID    string           `json:"account_id"`
	Period       models.DateRange `json:"period"`
	Fetched      int              `json:"fetched"`
	Inserted     int              `json:"inserted"`
	Updated      int              `json:"updated"`
	Skipped      int              `json:"skipped"`
	Filtered     int              `json:"filtered"`
	FilteredBy   map[string]int   `json:"filtered_by,omitempty"`
	Errors       []RowError       `json:"errors"`
	BalanceDrift *BalanceDrift    `json:"balance_drift,omitempty"`
	Duration     time.Duration    `json:"duration"`
}

func (r *SyncResult) addError(line int, identity string, err error) {
	rowErr := RowError{Line: line, Identity: identity, Message: err.Error(), Err: err}
	if re, ok := errors.AsReconcilerError(err); ok {
		rowErr.Code = re.Code
		rowErr.Message = re.Message
	}
	r.Errors = append(r.Errors, rowErr)
}

// Service synchronizes bank statements into the statement store
type Service struct {
	store     store.StatementStore
	accounts  store.AccountDirectory
	transport Transport
	rules     *RuleSet
	config    Config
	logger    logger.Logger
}

// NewService creates a sync service. A nil rule set excludes nothing.
func NewService(records store.StatementStore, accounts store.AccountDirectory, transport Transport, rules *RuleSet, config Config, log logger.Logger) *Service {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Service{
		store:     records,
		accounts:  accounts,
		transport: transport,
		rules:     rules,
		config:    config,
		logger:    log.WithComponent("ingest"),
	}
}

// Sync fetches the statement of accountID for period and upserts every row.
//
// The account and range are validated before any fetch. Rows that fail to
// normalize or store are reported in the result and do not stop the sync. A
// transport failure stops it and returns the counts so far together with the
// error; rows already stored stay stored and a retry is safe.
func (s *Service) Sync(ctx context.Context, accountID string, period models.DateRange) (*SyncResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ingest.Sync", trace.WithAttributes(
		attribute.String("account.id", accountID),
		attribute.String("period", period.String()),
	))
	defer span.End()

	start := time.Now()
	result := &SyncResult{AccountID: accountID, Period: period, Errors: []RowError{}}
	op := logger.NewOperationLogger("sync", s.logger).WithFields(logger.Fields{
		"account_id": accountID,
		"period":     period.String(),
	})

	account, err := s.validate(ctx, accountID, period)
	if err != nil {
		op.Error(err, "Sync rejected")
		recordError(span, err)
		return result, err
	}

	for _, window := range splitPeriod(period, s.config.FetchWindowDays) {
		op.Step("fetch " + window.String())

		rows, err := s.transport.FetchStatement(ctx, account.ExternalRef, window.From, window.To)
		if err != nil {
			terr := transportError(ctx, account.ExternalRef, err).
				WithContext("window", window.String())
			result.Duration = time.Since(start)
			op.Error(terr, "Sync aborted by transport failure")
			recordError(span, terr)
			return result, terr
		}
		result.Fetched += len(rows)

		for _, row := range rows {
			s.processRow(ctx, account.ID, row, result)
		}
	}

	if s.config.CheckBalance {
		result.BalanceDrift = s.checkBalance(ctx, account)
	}

	result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("sync.inserted", result.Inserted),
		attribute.Int("sync.updated", result.Updated),
		attribute.Int("sync.skipped", result.Skipped),
		attribute.Int("sync.filtered", result.Filtered),
		attribute.Int("sync.errors", len(result.Errors)),
	)
	if len(result.Errors) > 0 {
		op.Warning(fmt.Sprintf("%d rows could not be stored", len(result.Errors)))
	}
	op.Success("Sync completed", logger.Fields{
		"fetched":  result.Fetched,
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"skipped":  result.Skipped,
		"filtered": result.Filtered,
		"errors":   len(result.Errors),
	})
	return result, nil
}

func (s *Service) validate(ctx context.Context, accountID string, period models.DateRange) (*models.Account, error) {
	if err := period.Validate(); err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidDateRange, "period", period.String(), err)
	}

	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.ValidationError(errors.CodeUnknownAccount, "account_id", accountID, err)
		}
		return nil, err
	}
	if !account.HasCredentials() {
		return nil, errors.ValidationError(errors.CodeMissingCredentials, "account_id", accountID, nil)
	}
	return account, nil
}

func (s *Service) processRow(ctx context.Context, accountID string, row models.RawStatementRow, result *SyncResult) {
	record, err := models.NormalizeRow(accountID, row, s.config.Normalize)
	if err != nil {
		result.addError(row.Line, row.ExternalID, err)
		return
	}

	if rule, excluded := s.rules.Classify(record); excluded {
		if result.FilteredBy == nil {
			result.FilteredBy = make(map[string]int)
		}
		result.Filtered++
		result.FilteredBy[rule]++
		s.logger.WithFields(logger.Fields{
			"identity": record.Identity,
			"rule":     rule,
		}).Debug("Row excluded")
		return
	}

	outcome, _, err := s.store.Upsert(ctx, record)
	if err != nil {
		result.addError(row.Line, record.Identity, err)
		return
	}

	switch outcome {
	case store.OutcomeInserted:
		result.Inserted++
	case store.OutcomeUpdated:
		result.Updated++
	default:
		result.Skipped++
	}
}

func (s *Service) checkBalance(ctx context.Context, account *models.Account) *BalanceDrift {
	log := s.logger.WithField("account_id", account.ID)

	balance, err := s.transport.FetchBalance(ctx, account.ExternalRef)
	if err != nil {
		log.WithError(err).Warn("Could not fetch balance; skipping balance check")
		return nil
	}
	stored, err := s.store.LatestBalance(ctx, account.ID)
	if err != nil {
		log.WithError(err).Warn("Could not read stored balance; skipping balance check")
		return nil
	}
	if stored == nil || balance.Amount.Equal(*stored) {
		return nil
	}

	drift := &BalanceDrift{
		Reported:   balance.Amount,
		Stored:     *stored,
		Difference: balance.Amount.Sub(*stored),
		AsOf:       balance.AsOf,
	}
	log.WithFields(logger.Fields{
		"reported":   drift.Reported.String(),
		"stored":     drift.Stored.String(),
		"difference": drift.Difference.String(),
	}).Warn("Balance reported by the bank differs from the stored running balance")
	return drift
}

// splitPeriod cuts period into consecutive windows of at most days days
func splitPeriod(period models.DateRange, days int) []models.DateRange {
	if days <= 0 {
		return []models.DateRange{period}
	}

	var windows []models.DateRange
	to := models.TruncateDay(period.To)
	for from := models.TruncateDay(period.From); !from.After(to); from = from.AddDate(0, 0, days) {
		end := from.AddDate(0, 0, days-1)
		if end.After(to) {
			end = to
		}
		windows = append(windows, models.DateRange{From: from, To: end})
	}
	return windows
}

func transportError(ctx context.Context, accountRef string, err error) *errors.ReconcilerError {
	if re, ok := errors.AsReconcilerError(err); ok && re.Category == errors.CategoryTransport {
		return re
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.TransportError(errors.CodeTimeout, accountRef, err)
	}
	return errors.TransportError(errors.CodeFetchFailed, accountRef, err)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

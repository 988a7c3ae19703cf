package matcher

import (
	"context"
	"fmt"
	"sync"
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

const tracerName = "statement-reconciliation-service/matcher"

// Mode selects how Match picks the transaction
type Mode string

const (
	// ModeAutomatic scores the candidates and links only a clear winner
	ModeAutomatic Mode = "automatic"
	// ModeManual links the transaction named by the caller
	ModeManual Mode = "manual"
)

// MatchRequest asks the engine to reconcile one statement record
type MatchRequest struct {
	RecordID      string
	Mode          Mode
	TransactionID string
	ActorID       string
}

// MatchResult describes the outcome of a Match or Unmatch call
type MatchResult struct {
	RecordID      string           `json:"record_id"`
	AccountID     string           `json:"account_id"`
	Matched       bool             `json:"matched"`
	TransactionID string           `json:"transaction_id,omitempty"`
	Score         float64          `json:"score,omitempty"`
	Difference    *decimal.Decimal `json:"difference,omitempty"`
	Ambiguous     bool             `json:"ambiguous"`
	AlreadyLinked bool             `json:"already_linked"`
	// Released is the transaction whose link was replaced or removed
	Released     string       `json:"released,omitempty"`
	AuditEntryID string       `json:"audit_entry_id,omitempty"`
	Suggestions  []*Candidate `json:"suggestions,omitempty"`
}

// Engine applies the matching policy to statement records and persists
// decisions through the statement store
type Engine struct {
	records store.StatementStore
	ledger  store.Ledger
	config  *MatchingConfig
	scorer  *Scorer
	logger  logger.Logger
}

// NewEngine creates a matching engine. A nil config uses the defaults.
func NewEngine(records store.StatementStore, ledger store.Ledger, config *MatchingConfig, log logger.Logger) (*Engine, error) {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "matching", config.String(), err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	config = config.Clone()
	return &Engine{
		records: records,
		ledger:  ledger,
		config:  config,
		scorer:  NewScorer(config),
		logger:  log.WithComponent("matcher"),
	}, nil
}

// GetConfiguration returns a copy of the current configuration
func (e *Engine) GetConfiguration() *MatchingConfig {
	return e.config.Clone()
}

// Match reconciles one statement record.
//
// In automatic mode the best candidate is linked when it reaches the
// auto-accept threshold and no other candidate is within the tie margin;
// otherwise the candidates come back as suggestions and nothing is written.
// In manual mode the named transaction is linked, replacing any previous
// link of the record. Matching a record that already has the requested
// outcome returns the existing link without writing.
func (e *Engine) Match(ctx context.Context, req MatchRequest) (*MatchResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "matcher.Match", trace.WithAttributes(
		attribute.String("record.id", req.RecordID),
		attribute.String("mode", string(req.Mode)),
	))
	defer span.End()

	result, err := e.match(ctx, req)
	if err != nil {
		recordError(span, err)
		return result, err
	}
	span.SetAttributes(
		attribute.Bool("match.matched", result.Matched),
		attribute.Bool("match.ambiguous", result.Ambiguous),
		attribute.Float64("match.score", result.Score),
	)
	return result, nil
}

func (e *Engine) match(ctx context.Context, req MatchRequest) (*MatchResult, error) {
	if req.RecordID == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "record_id", "", nil)
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeAutomatic
		if req.TransactionID != "" {
			mode = ModeManual
		}
	}

	record, err := e.records.GetByID(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeAutomatic:
		return e.matchAutomatic(ctx, record, models.ReconciliationAutomatic, req.ActorID)
	case ModeManual:
		return e.matchManual(ctx, record, req.TransactionID, req.ActorID)
	default:
		return nil, errors.ValidationError(errors.CodeInvalidData, "mode", string(mode), nil)
	}
}

func (e *Engine) matchAutomatic(ctx context.Context, record *models.StatementRecord, typ models.ReconciliationType, actorID string) (*MatchResult, error) {
	log := e.logger.WithFields(logger.Fields{
		"record_id":  record.ID,
		"account_id": record.AccountID,
	})
	result := &MatchResult{RecordID: record.ID, AccountID: record.AccountID}

	if record.LinkedTo() != "" {
		return e.existingLink(ctx, record, result), nil
	}

	window := models.Around(record.TransactionDate, e.config.WindowDays)
	txns, err := e.ledger.ListCandidates(ctx, record.AccountID, window)
	if err != nil {
		return nil, err
	}

	ranked := e.scorer.Rank(record, txns)
	result.Suggestions = e.suggestions(ranked)
	if len(ranked) == 0 {
		log.Debug("No candidates")
		return result, nil
	}

	best := ranked[0]
	if len(ranked) > 1 && best.Score-ranked[1].Score <= e.config.TieMargin {
		result.Ambiguous = true
		log.WithFields(logger.Fields{
			"best":      best.TransactionID,
			"runner_up": ranked[1].TransactionID,
			"score":     best.Score,
		}).Debug("Ambiguous candidates")
		return result, nil
	}
	if best.Score < e.config.AutoAcceptThreshold {
		log.WithField("score", best.Score).Debug("Best candidate below auto-accept threshold")
		return result, nil
	}

	score, difference := best.Score, best.Difference
	entry := &models.AuditEntry{
		Type:            typ,
		Score:           &score,
		ValueDifference: &difference,
		ActorID:         models.StringPtr(actorID),
	}
	if _, err := e.records.MarkReconciled(ctx, store.LinkRequest{
		RecordID:      record.ID,
		TransactionID: best.TransactionID,
		Entry:         entry,
	}); err != nil {
		return result, err
	}

	result.Matched = true
	result.TransactionID = best.TransactionID
	result.Score = score
	result.Difference = &difference
	result.AuditEntryID = entry.ID

	log.WithFields(logger.Fields{
		"transaction_id": best.TransactionID,
		"score":          score,
		"type":           string(typ),
	}).Info("Statement record reconciled")
	return result, nil
}

func (e *Engine) matchManual(ctx context.Context, record *models.StatementRecord, transactionID, actorID string) (*MatchResult, error) {
	if transactionID == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "transaction_id", "", nil)
	}

	txn, err := e.ledger.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.AccountID != record.AccountID {
		return nil, errors.InvalidMatchError(record.ID, txn.ID)
	}

	result := &MatchResult{RecordID: record.ID, AccountID: record.AccountID}
	if record.LinkedTo() == txn.ID {
		return e.existingLink(ctx, record, result), nil
	}
	if linked := txn.LinkedTo(); linked != "" && linked != record.ID {
		return nil, errors.ConflictError(errors.CodeAlreadyLinked, "transaction", txn.ID, nil).
			WithContext("linked_record_id", linked).
			WithSuggestion(fmt.Sprintf("unmatch record %s before linking the transaction elsewhere", linked))
	}

	candidate := e.scorer.Score(record, txn)
	score, difference := candidate.Score, candidate.Difference
	prior := record.LinkedTo()
	entry := &models.AuditEntry{
		Type:            models.ReconciliationManual,
		Score:           &score,
		ValueDifference: &difference,
		ActorID:         models.StringPtr(actorID),
	}
	if _, err := e.records.MarkReconciled(ctx, store.LinkRequest{
		RecordID:      record.ID,
		TransactionID: txn.ID,
		ExpectedPrior: prior,
		Entry:         entry,
	}); err != nil {
		return nil, err
	}

	result.Matched = true
	result.TransactionID = txn.ID
	result.Score = score
	result.Difference = &difference
	result.Released = prior
	result.AuditEntryID = entry.ID

	e.logger.WithFields(logger.Fields{
		"record_id":      record.ID,
		"transaction_id": txn.ID,
		"released":       prior,
		"score":          score,
		"actor_id":       actorID,
	}).Info("Statement record reconciled manually")
	return result, nil
}

// existingLink reports the link a record already has. The score is
// recomputed when the transaction can still be read.
func (e *Engine) existingLink(ctx context.Context, record *models.StatementRecord, result *MatchResult) *MatchResult {
	result.Matched = true
	result.AlreadyLinked = true
	result.TransactionID = record.LinkedTo()

	txn, err := e.ledger.GetTransaction(ctx, result.TransactionID)
	if err != nil {
		e.logger.WithError(err).WithField("transaction_id", result.TransactionID).
			Warn("Linked transaction could not be read")
		return result
	}
	candidate := e.scorer.Score(record, txn)
	result.Score = candidate.Score
	result.Difference = &candidate.Difference
	return result
}

// Unmatch removes the link of a record. A record without a link is left
// as it is.
func (e *Engine) Unmatch(ctx context.Context, recordID, actorID string) (*MatchResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "matcher.Unmatch", trace.WithAttributes(
		attribute.String("record.id", recordID),
	))
	defer span.End()

	if recordID == "" {
		err := errors.ValidationError(errors.CodeMissingField, "record_id", "", nil)
		recordError(span, err)
		return nil, err
	}

	record, err := e.records.GetByID(ctx, recordID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	result := &MatchResult{RecordID: record.ID, AccountID: record.AccountID}
	linked := record.LinkedTo()
	if linked == "" {
		return result, nil
	}

	entry := &models.AuditEntry{
		Type:    models.ReconciliationManual,
		ActorID: models.StringPtr(actorID),
	}
	if _, err := e.records.Unlink(ctx, store.UnlinkRequest{
		RecordID:      record.ID,
		ExpectedPrior: linked,
		Entry:         entry,
	}); err != nil {
		recordError(span, err)
		return nil, err
	}

	result.Released = linked
	result.AuditEntryID = entry.ID
	e.logger.WithFields(logger.Fields{
		"record_id":      record.ID,
		"transaction_id": linked,
		"actor_id":       actorID,
	}).Info("Statement record unlinked")
	return result, nil
}

func (e *Engine) suggestions(ranked []*Candidate) []*Candidate {
	var out []*Candidate
	for _, c := range ranked {
		if c.Score < e.config.MinSuggestionScore {
			break
		}
		if e.config.MaxSuggestions > 0 && len(out) == e.config.MaxSuggestions {
			break
		}
		out = append(out, c)
	}
	return out
}

// BatchStatus is the outcome of one record in a batch
type BatchStatus string

const (
	BatchMatched   BatchStatus = "matched"
	BatchAmbiguous BatchStatus = "ambiguous"
	BatchUnmatched BatchStatus = "unmatched"
	BatchFailed    BatchStatus = "failed"
)

// RecordOutcome is the batch result for one statement record
type RecordOutcome struct {
	RecordID      string      `json:"record_id"`
	Identity      string      `json:"identity"`
	Status        BatchStatus `json:"status"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Score         float64     `json:"score,omitempty"`
	Error         string      `json:"error,omitempty"`
	Err           error       `json:"-"`
}

// BatchResult counts what a batch did. Records not reached before the
// context was cancelled are not in Outcomes.
type BatchResult struct {
	AccountID string           `json:"account_id"`
	Period    models.DateRange `json:"period"`
	Total     int              `json:"total"`
	Matched   int              `json:"matched"`
	Ambiguous int              `json:"ambiguous"`
	Unmatched int              `json:"unmatched"`
	Failed    int              `json:"failed"`
	Outcomes  []RecordOutcome  `json:"outcomes"`
	Duration  time.Duration    `json:"duration"`
}

// MatchBatch applies the automatic policy to every unreconciled record of
// accountID in period. Links are audited with type batch. A failing record
// is reported in its outcome and does not stop the batch; cancelling ctx
// stops it between records and returns the outcomes so far with the
// context error.
func (e *Engine) MatchBatch(ctx context.Context, accountID string, period models.DateRange) (*BatchResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "matcher.MatchBatch", trace.WithAttributes(
		attribute.String("account.id", accountID),
		attribute.String("period", period.String()),
	))
	defer span.End()

	start := time.Now()
	result := &BatchResult{AccountID: accountID, Period: period, Outcomes: []RecordOutcome{}}

	if accountID == "" {
		err := errors.ValidationError(errors.CodeMissingField, "account_id", "", nil)
		recordError(span, err)
		return result, err
	}
	if err := period.Validate(); err != nil {
		verr := errors.ValidationError(errors.CodeInvalidDateRange, "period", period.String(), err)
		recordError(span, verr)
		return result, verr
	}

	op := logger.NewOperationLogger("match_batch", e.logger).WithFields(logger.Fields{
		"account_id": accountID,
		"period":     period.String(),
	})

	records, err := e.records.ListUnreconciled(ctx, accountID, period)
	if err != nil {
		op.Error(err, "Could not list unreconciled records")
		recordError(span, err)
		return result, err
	}
	result.Total = len(records)

	progress := logger.NewProgressTracker(logger.ProgressConfig{
		Operation: "match_batch",
		Total:     int64(len(records)),
		Logger:    e.logger,
	})

	outcomes := make([]*RecordOutcome, len(records))
	sem := make(chan struct{}, e.config.BatchConcurrency)
	var wg sync.WaitGroup

	var cancelled error
	for i, record := range records {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if err := ctx.Err(); err != nil {
			cancelled = err
			break
		}

		wg.Add(1)
		go func(i int, record *models.StatementRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := e.matchOne(ctx, record)
			outcomes[i] = outcome
			progress.Increment(outcome.Status == BatchFailed)
		}(i, record)
	}
	wg.Wait()
	progress.Complete()

	for _, outcome := range outcomes {
		if outcome == nil {
			continue
		}
		switch outcome.Status {
		case BatchMatched:
			result.Matched++
		case BatchAmbiguous:
			result.Ambiguous++
		case BatchUnmatched:
			result.Unmatched++
		default:
			result.Failed++
		}
		result.Outcomes = append(result.Outcomes, *outcome)
	}
	result.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("batch.total", result.Total),
		attribute.Int("batch.matched", result.Matched),
		attribute.Int("batch.ambiguous", result.Ambiguous),
		attribute.Int("batch.unmatched", result.Unmatched),
		attribute.Int("batch.failed", result.Failed),
	)

	if cancelled != nil {
		op.Error(cancelled, "Batch cancelled")
		recordError(span, cancelled)
		return result, cancelled
	}

	op.Success("Batch completed", logger.Fields{
		"total":     result.Total,
		"matched":   result.Matched,
		"ambiguous": result.Ambiguous,
		"unmatched": result.Unmatched,
		"failed":    result.Failed,
	})
	return result, nil
}

// matchOne runs the automatic policy for one batch record. A link lost to
// a concurrent worker is retried once against the remaining candidates.
func (e *Engine) matchOne(ctx context.Context, record *models.StatementRecord) *RecordOutcome {
	outcome := &RecordOutcome{RecordID: record.ID, Identity: record.Identity}

	res, err := e.matchAutomatic(ctx, record, models.ReconciliationBatch, "")
	if err != nil && errors.IsConflict(err) {
		if fresh, gerr := e.records.GetByID(ctx, record.ID); gerr == nil {
			res, err = e.matchAutomatic(ctx, fresh, models.ReconciliationBatch, "")
		}
	}

	switch {
	case err != nil:
		outcome.Status = BatchFailed
		outcome.Err = err
		outcome.Error = err.Error()
		e.logger.WithError(err).WithField("record_id", record.ID).Warn("Batch match failed")
	case res.Matched:
		outcome.Status = BatchMatched
		outcome.TransactionID = res.TransactionID
		outcome.Score = res.Score
	case res.Ambiguous:
		outcome.Status = BatchAmbiguous
	default:
		outcome.Status = BatchUnmatched
	}
	return outcome
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Package coverage aggregates reconciliation statistics for reporting.
//
// Summaries are read-only: they are computed from the statement records and
// the audit log at call time and never stored.
package coverage

import (
	"context"
	"math"
	"sort"
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

const periodLayout = "2006-01"

// Source is the read side of the store the aggregator needs
type Source interface {
	ListRecords(ctx context.Context, filter store.RecordFilter) ([]*models.StatementRecord, error)
	ListAudit(ctx context.Context, filter store.AuditFilter) ([]*models.AuditEntry, error)
}

// Filter selects what Summarize covers. Empty AccountIDs means every
// account; a zero Period means all time.
type Filter struct {
	AccountIDs []string
	Period     models.DateRange
}

// PeriodSummary holds the coverage of one account in one calendar month
type PeriodSummary struct {
	AccountID          string          `json:"account_id"`
	Period             string          `json:"period"`
	TotalRecords       int             `json:"total_records"`
	ReconciledCount    int             `json:"reconciled_count"`
	PendingCount       int             `json:"pending_count"`
	TotalValue         decimal.Decimal `json:"total_value"`
	ReconciledValue    decimal.Decimal `json:"reconciled_value"`
	PendingValue       decimal.Decimal `json:"pending_value"`
	CoveragePercentage int             `json:"coverage_percentage"`
}

// TypeStatistics summarizes the link decisions of one reconciliation type.
// The averages are nil when no entry carries the value.
type TypeStatistics struct {
	Type              models.ReconciliationType `json:"type"`
	Count             int                       `json:"count"`
	TotalValue        decimal.Decimal           `json:"total_value"`
	AverageScore      *float64                  `json:"average_score,omitempty"`
	AverageDifference *decimal.Decimal          `json:"average_difference,omitempty"`
}

// Report is the result of Summarize
type Report struct {
	AccountIDs  []string         `json:"account_ids,omitempty"`
	Period      models.DateRange `json:"period"`
	Periods     []PeriodSummary  `json:"periods"`
	Overall     PeriodSummary    `json:"overall"`
	ByType      []TypeStatistics `json:"by_type"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Aggregator computes coverage reports
type Aggregator struct {
	source Source
	logger logger.Logger
}

// NewAggregator creates an aggregator reading from source
func NewAggregator(source Source, log logger.Logger) *Aggregator {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Aggregator{source: source, logger: log.WithComponent("coverage")}
}

// Summarize computes per-account monthly coverage for the records dated in
// the filter period, and per-type statistics for the link decisions made in
// it. Unlink entries are not counted.
func (a *Aggregator) Summarize(ctx context.Context, filter Filter) (*Report, error) {
	ctx, span := otel.Tracer("statement-reconciliation-service/coverage").Start(ctx, "coverage.Summarize",
		trace.WithAttributes(
			attribute.StringSlice("account.ids", filter.AccountIDs),
			attribute.String("period", filter.Period.String()),
		))
	defer span.End()

	report, err := a.summarize(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("coverage.periods", len(report.Periods)))
	return report, nil
}

func (a *Aggregator) summarize(ctx context.Context, filter Filter) (*Report, error) {
	if !filter.Period.IsZero() {
		if err := filter.Period.Validate(); err != nil {
			return nil, errors.ValidationError(errors.CodeInvalidDateRange, "period", filter.Period.String(), err)
		}
	}

	records, err := a.source.ListRecords(ctx, store.RecordFilter{
		AccountIDs: filter.AccountIDs,
		Period:     filter.Period,
	})
	if err != nil {
		return nil, err
	}
	entries, err := a.source.ListAudit(ctx, store.AuditFilter{
		AccountIDs: filter.AccountIDs,
		Period:     filter.Period,
		Action:     models.ActionLink,
	})
	if err != nil {
		return nil, err
	}

	report := &Report{
		AccountIDs:  filter.AccountIDs,
		Period:      filter.Period,
		Periods:     SummarizeRecords(records),
		Overall:     overall(records),
		ByType:      SummarizeAudit(entries),
		GeneratedAt: time.Now().UTC(),
	}

	a.logger.WithFields(logger.Fields{
		"records":  len(records),
		"entries":  len(entries),
		"periods":  len(report.Periods),
		"coverage": report.Overall.CoveragePercentage,
	}).Debug("Coverage summarized")
	return report, nil
}

// SummarizeRecords groups records by account and month, ordered by account
// then month
func SummarizeRecords(records []*models.StatementRecord) []PeriodSummary {
	type key struct{ account, period string }
	groups := make(map[key]*PeriodSummary)

	for _, record := range records {
		k := key{record.AccountID, record.TransactionDate.Format(periodLayout)}
		summary, ok := groups[k]
		if !ok {
			summary = newSummary(k.account, k.period)
			groups[k] = summary
		}
		summary.add(record)
	}

	periods := make([]PeriodSummary, 0, len(groups))
	for _, summary := range groups {
		summary.finish()
		periods = append(periods, *summary)
	}
	sort.Slice(periods, func(i, j int) bool {
		if periods[i].AccountID != periods[j].AccountID {
			return periods[i].AccountID < periods[j].AccountID
		}
		return periods[i].Period < periods[j].Period
	})
	return periods
}

func overall(records []*models.StatementRecord) PeriodSummary {
	summary := newSummary("", "")
	for _, record := range records {
		summary.add(record)
	}
	summary.finish()
	return *summary
}

func newSummary(accountID, period string) *PeriodSummary {
	return &PeriodSummary{
		AccountID:       accountID,
		Period:          period,
		TotalValue:      decimal.Zero,
		ReconciledValue: decimal.Zero,
		PendingValue:    decimal.Zero,
	}
}

func (s *PeriodSummary) add(record *models.StatementRecord) {
	s.TotalRecords++
	s.TotalValue = s.TotalValue.Add(record.Amount)
	if record.Reconciled {
		s.ReconciledCount++
		s.ReconciledValue = s.ReconciledValue.Add(record.Amount)
	} else {
		s.PendingCount++
		s.PendingValue = s.PendingValue.Add(record.Amount)
	}
}

func (s *PeriodSummary) finish() {
	s.CoveragePercentage = Percentage(s.ReconciledCount, s.TotalRecords)
}

// Percentage returns part/total as a whole percentage rounded half away
// from zero, or 0 when total is 0
func Percentage(part, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(part) * 100 / float64(total)))
}

// SummarizeAudit computes statistics per reconciliation type. Every type is
// present in the result, in a fixed order.
func SummarizeAudit(entries []*models.AuditEntry) []TypeStatistics {
	types := []models.ReconciliationType{
		models.ReconciliationAutomatic,
		models.ReconciliationManual,
		models.ReconciliationBatch,
	}

	stats := make([]TypeStatistics, len(types))
	for i, typ := range types {
		var (
			scoreSum   float64
			scored     int
			diffSum    = decimal.Zero
			differed   int
			totalValue = decimal.Zero
			count      int
		)
		for _, entry := range entries {
			if entry.Type != typ || entry.Action == models.ActionUnlink {
				continue
			}
			count++
			totalValue = totalValue.Add(entry.Amount)
			if entry.Score != nil {
				scoreSum += *entry.Score
				scored++
			}
			if entry.ValueDifference != nil {
				diffSum = diffSum.Add(*entry.ValueDifference)
				differed++
			}
		}

		stats[i] = TypeStatistics{Type: typ, Count: count, TotalValue: totalValue}
		if scored > 0 {
			avg := math.Round(scoreSum/float64(scored)*100) / 100
			stats[i].AverageScore = &avg
		}
		if differed > 0 {
			avg := diffSum.Div(decimal.NewFromInt(int64(differed))).Round(2)
			stats[i].AverageDifference = &avg
		}
	}
	return stats
}

package coverage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/store"
	"statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

type fakeSource struct {
	records      []*models.StatementRecord
	entries      []*models.AuditEntry
	recordFilter store.RecordFilter
	auditFilter  store.AuditFilter
	err          error
}

func (f *fakeSource) ListRecords(_ context.Context, filter store.RecordFilter) ([]*models.StatementRecord, error) {
	f.recordFilter = filter
	return f.records, f.err
}

func (f *fakeSource) ListAudit(_ context.Context, filter store.AuditFilter) ([]*models.AuditEntry, error) {
	f.auditFilter = filter
	return f.entries, f.err
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func record(accountID string, on time.Time, amount string, reconciled bool) *models.StatementRecord {
	return &models.StatementRecord{
		AccountID:       accountID,
		TransactionDate: on,
		Amount:          decimal.RequireFromString(amount),
		Direction:       models.DirectionDebit,
		Reconciled:      reconciled,
	}
}

func entry(typ models.ReconciliationType, amount string, score *float64, diff string) *models.AuditEntry {
	e := &models.AuditEntry{
		Type:   typ,
		Action: models.ActionLink,
		Amount: decimal.RequireFromString(amount),
		Score:  score,
	}
	if diff != "" {
		d := decimal.RequireFromString(diff)
		e.ValueDifference = &d
	}
	return e
}

func score(v float64) *float64 { return &v }

func TestPercentage(t *testing.T) {
	tests := []struct {
		part, total, want int
	}{
		{0, 0, 0},
		{0, 5, 0},
		{5, 5, 100},
		{1, 3, 33},
		{2, 3, 67},
		{1, 8, 13},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_of_%d", tt.part, tt.total), func(t *testing.T) {
			assert.Equal(t, tt.want, Percentage(tt.part, tt.total))
		})
	}
}

func TestSummarizeRecords(t *testing.T) {
	periods := SummarizeRecords([]*models.StatementRecord{
		record("acc-2", day(2024, 3, 5), "10.00", false),
		record("acc-1", day(2024, 4, 2), "40.00", false),
		record("acc-1", day(2024, 3, 1), "100.00", true),
		record("acc-1", day(2024, 3, 15), "50.50", true),
		record("acc-1", day(2024, 3, 31), "9.50", false),
	})

	require.Len(t, periods, 3)
	assert.Equal(t, "acc-1", periods[0].AccountID)
	assert.Equal(t, "2024-03", periods[0].Period)
	assert.Equal(t, "2024-04", periods[1].Period)
	assert.Equal(t, "acc-2", periods[2].AccountID)

	march := periods[0]
	assert.Equal(t, 3, march.TotalRecords)
	assert.Equal(t, 2, march.ReconciledCount)
	assert.Equal(t, 1, march.PendingCount)
	assert.True(t, march.TotalValue.Equal(decimal.RequireFromString("160")))
	assert.True(t, march.ReconciledValue.Equal(decimal.RequireFromString("150.5")))
	assert.True(t, march.PendingValue.Equal(decimal.RequireFromString("9.5")))
	assert.Equal(t, 67, march.CoveragePercentage)

	assert.Equal(t, 0, periods[1].CoveragePercentage)
	assert.Equal(t, 0, periods[2].CoveragePercentage)

	for _, p := range periods {
		assert.Equal(t, p.TotalRecords, p.ReconciledCount+p.PendingCount)
		assert.GreaterOrEqual(t, p.CoveragePercentage, 0)
		assert.LessOrEqual(t, p.CoveragePercentage, 100)
	}

	assert.Empty(t, SummarizeRecords(nil))
}

func TestSummarizeAudit(t *testing.T) {
	unlink := entry(models.ReconciliationManual, "500.00", nil, "")
	unlink.Action = models.ActionUnlink

	stats := SummarizeAudit([]*models.AuditEntry{
		entry(models.ReconciliationAutomatic, "100.00", score(100), "0"),
		entry(models.ReconciliationAutomatic, "200.00", score(91), "-2.00"),
		entry(models.ReconciliationManual, "50.00", nil, ""),
		entry(models.ReconciliationManual, "70.00", score(60), "1.25"),
		unlink,
	})

	require.Len(t, stats, 3)

	automatic := stats[0]
	assert.Equal(t, models.ReconciliationAutomatic, automatic.Type)
	assert.Equal(t, 2, automatic.Count)
	assert.True(t, automatic.TotalValue.Equal(decimal.RequireFromString("300")))
	require.NotNil(t, automatic.AverageScore)
	assert.Equal(t, 95.5, *automatic.AverageScore)
	require.NotNil(t, automatic.AverageDifference)
	assert.True(t, automatic.AverageDifference.Equal(decimal.RequireFromString("-1")))

	manual := stats[1]
	assert.Equal(t, 2, manual.Count)
	assert.True(t, manual.TotalValue.Equal(decimal.RequireFromString("120")))
	require.NotNil(t, manual.AverageScore)
	assert.Equal(t, 60.0, *manual.AverageScore)
	assert.True(t, manual.AverageDifference.Equal(decimal.RequireFromString("1.25")))

	batch := stats[2]
	assert.Equal(t, models.ReconciliationBatch, batch.Type)
	assert.Zero(t, batch.Count)
	assert.Nil(t, batch.AverageScore)
	assert.Nil(t, batch.AverageDifference)
}

func TestSummarize(t *testing.T) {
	source := &fakeSource{
		records: []*models.StatementRecord{
			record("acc-1", day(2024, 3, 1), "100.00", true),
			record("acc-1", day(2024, 3, 2), "100.00", false),
		},
		entries: []*models.AuditEntry{
			entry(models.ReconciliationBatch, "100.00", score(97), "0"),
		},
	}
	aggregator := NewAggregator(source, logger.Discard())
	period := models.NewDateRange(day(2024, 3, 1), day(2024, 3, 31))

	report, err := aggregator.Summarize(context.Background(), Filter{AccountIDs: []string{"acc-1"}, Period: period})
	require.NoError(t, err)

	assert.Equal(t, []string{"acc-1"}, source.recordFilter.AccountIDs)
	assert.Equal(t, period, source.recordFilter.Period)
	assert.Nil(t, source.recordFilter.Reconciled)
	assert.Equal(t, models.ActionLink, source.auditFilter.Action)
	assert.Equal(t, period, source.auditFilter.Period)

	require.Len(t, report.Periods, 1)
	assert.Equal(t, 50, report.Periods[0].CoveragePercentage)
	assert.Equal(t, 2, report.Overall.TotalRecords)
	assert.Equal(t, 50, report.Overall.CoveragePercentage)
	assert.Equal(t, 1, report.ByType[2].Count)
	assert.False(t, report.GeneratedAt.IsZero())
}

func TestSummarizeErrors(t *testing.T) {
	inverted := models.DateRange{From: day(2024, 4, 1), To: day(2024, 3, 1)}
	_, err := NewAggregator(&fakeSource{}, logger.Discard()).Summarize(context.Background(), Filter{Period: inverted})
	assert.True(t, errors.IsValidation(err))

	failing := &fakeSource{err: errors.StorageError(errors.CodeQueryFailed, "list", fmt.Errorf("disk I/O error"))}
	_, err = NewAggregator(failing, logger.Discard()).Summarize(context.Background(), Filter{})
	assert.True(t, errors.HasCategory(err, errors.CategoryStorage))
}

func TestSummarizeEmpty(t *testing.T) {
	report, err := NewAggregator(&fakeSource{}, logger.Discard()).Summarize(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, report.Periods)
	assert.Equal(t, 0, report.Overall.CoveragePercentage)
	assert.Len(t, report.ByType, 3)
}

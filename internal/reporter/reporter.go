// Package reporter renders the results of the reconciliation operations.
//
// Every operation of the command line tool has a report: sync results,
// single matches, batches, ledger imports, the pending list and the
// coverage summary. Each can be written in three formats:
//   - Console: human-readable sections for terminal display
//   - JSON: structured data for programmatic consumption
//   - CSV: one row per item for spreadsheet applications
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(&reporter.ReportConfig{
//		Format:       reporter.FormatJSON,
//		CSVDelimiter: ',',
//		CSVHeaders:   true,
//	})
//	err = generator.WriteCoverage(report, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"statement-reconciliation-service/internal/bankfeed"
	"statement-reconciliation-service/internal/coverage"
	"statement-reconciliation-service/internal/ingest"
	"statement-reconciliation-service/internal/matcher"
	"statement-reconciliation-service/internal/models"
)

// OutputFormat represents the supported report output formats
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	// MaxListItems limits the items listed in console output. Zero lists
	// everything.
	MaxListItems int `json:"max_list_items"`

	// IncludeSuggestions lists the candidates of unmatched records
	IncludeSuggestions bool `json:"include_suggestions"`

	// CSV options
	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:             FormatConsole,
		MaxListItems:       20,
		IncludeSuggestions: true,
		CSVDelimiter:       ',',
		CSVHeaders:         true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxListItems < 0 {
		return fmt.Errorf("max list items cannot be negative, got %d", c.MaxListItems)
	}
	if c.Format == FormatCSV && (c.CSVDelimiter == 0 || c.CSVDelimiter == '"' || c.CSVDelimiter == '\n') {
		return fmt.Errorf("invalid CSV delimiter %q", c.CSVDelimiter)
	}
	return nil
}

// ReportGenerator writes reports in the configured format
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}

	return &ReportGenerator{
		config: config,
	}, nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}

// WriteCoverage writes a coverage summary
func (rg *ReportGenerator) WriteCoverage(report *coverage.Report, w io.Writer) error {
	if report == nil {
		return fmt.Errorf("coverage report cannot be nil")
	}

	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(report, w)
	case FormatCSV:
		rows := make([][]string, 0, len(report.Periods))
		for _, p := range report.Periods {
			rows = append(rows, []string{
				p.AccountID,
				p.Period,
				strconv.Itoa(p.TotalRecords),
				strconv.Itoa(p.ReconciledCount),
				strconv.Itoa(p.PendingCount),
				p.TotalValue.StringFixed(2),
				p.ReconciledValue.StringFixed(2),
				p.PendingValue.StringFixed(2),
				strconv.Itoa(p.CoveragePercentage),
			})
		}
		return rg.writeCSV(w, []string{
			"Account_ID", "Period", "Total_Records", "Reconciled", "Pending",
			"Total_Value", "Reconciled_Value", "Pending_Value", "Coverage_Percentage",
		}, rows)
	}

	fmt.Fprintf(w, "COVERAGE REPORT\n")
	fmt.Fprintf(w, "Generated: %s\n", report.GeneratedAt.Format(time.RFC3339))
	if !report.Period.IsZero() {
		fmt.Fprintf(w, "Period: %s\n", report.Period)
	}
	if len(report.AccountIDs) > 0 {
		fmt.Fprintf(w, "Accounts: %s\n", strings.Join(report.AccountIDs, ", "))
	}
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "=== SUMMARY ===\n")
	o := report.Overall
	fmt.Fprintf(w, "Records:    %d\n", o.TotalRecords)
	fmt.Fprintf(w, "Reconciled: %d (%s)\n", o.ReconciledCount, o.ReconciledValue.StringFixed(2))
	fmt.Fprintf(w, "Pending:    %d (%s)\n", o.PendingCount, o.PendingValue.StringFixed(2))
	fmt.Fprintf(w, "Coverage:   %d%%\n\n", o.CoveragePercentage)

	if len(report.Periods) > 0 {
		fmt.Fprintf(w, "=== BY PERIOD ===\n")
		fmt.Fprintf(w, "%-20s %-8s %8s %10s %8s %14s %9s\n",
			"ACCOUNT", "PERIOD", "RECORDS", "RECONCILED", "PENDING", "PENDING VALUE", "COVERAGE")
		for _, p := range report.Periods {
			fmt.Fprintf(w, "%-20s %-8s %8d %10d %8d %14s %8d%%\n",
				truncate(p.AccountID, 20), p.Period, p.TotalRecords, p.ReconciledCount,
				p.PendingCount, p.PendingValue.StringFixed(2), p.CoveragePercentage)
		}
		fmt.Fprintf(w, "\n")
	}

	fmt.Fprintf(w, "=== BY RECONCILIATION TYPE ===\n")
	for _, s := range report.ByType {
		fmt.Fprintf(w, "%-10s count: %d, value: %s, avg score: %s, avg difference: %s\n",
			s.Type, s.Count, s.TotalValue.StringFixed(2), formatScore(s.AverageScore), formatDecimal(s.AverageDifference))
	}
	return nil
}

// WriteSync writes the result of a statement sync
func (rg *ReportGenerator) WriteSync(result *ingest.SyncResult, w io.Writer) error {
	if result == nil {
		return fmt.Errorf("sync result cannot be nil")
	}

	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(result, w)
	case FormatCSV:
		return rg.writeCSV(w, rowErrorHeaders, rowErrorRows(result.Errors))
	}

	fmt.Fprintf(w, "SYNC REPORT\n")
	fmt.Fprintf(w, "Account: %s\n", result.AccountID)
	fmt.Fprintf(w, "Period: %s\n", result.Period)
	fmt.Fprintf(w, "Duration: %v\n\n", result.Duration)

	fmt.Fprintf(w, "=== SUMMARY ===\n")
	fmt.Fprintf(w, "Fetched:  %d\n", result.Fetched)
	fmt.Fprintf(w, "Inserted: %d\n", result.Inserted)
	fmt.Fprintf(w, "Updated:  %d\n", result.Updated)
	fmt.Fprintf(w, "Skipped:  %d\n", result.Skipped)
	fmt.Fprintf(w, "Filtered: %d\n", result.Filtered)
	fmt.Fprintf(w, "Errors:   %d\n", len(result.Errors))

	if drift := result.BalanceDrift; drift != nil {
		fmt.Fprintf(w, "\n=== BALANCE DRIFT ===\n")
		fmt.Fprintf(w, "Reported by bank: %s\n", drift.Reported.StringFixed(2))
		fmt.Fprintf(w, "Stored:           %s\n", drift.Stored.StringFixed(2))
		fmt.Fprintf(w, "Difference:       %s\n", drift.Difference.StringFixed(2))
	}

	rg.printRowErrors(result.Errors, w)
	return nil
}

// WriteImport writes the result of a ledger import
func (rg *ReportGenerator) WriteImport(result *bankfeed.ImportResult, w io.Writer) error {
	if result == nil {
		return fmt.Errorf("import result cannot be nil")
	}

	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(result, w)
	case FormatCSV:
		return rg.writeCSV(w, rowErrorHeaders, rowErrorRows(result.Errors))
	}

	fmt.Fprintf(w, "LEDGER IMPORT REPORT\n")
	fmt.Fprintf(w, "File: %s\n", result.Path)
	fmt.Fprintf(w, "Duration: %v\n\n", result.Duration)

	fmt.Fprintf(w, "=== SUMMARY ===\n")
	fmt.Fprintf(w, "Read:     %d\n", result.Read)
	fmt.Fprintf(w, "Inserted: %d\n", result.Inserted)
	fmt.Fprintf(w, "Updated:  %d\n", result.Updated)
	fmt.Fprintf(w, "Skipped:  %d\n", result.Skipped)
	fmt.Fprintf(w, "Errors:   %d\n", len(result.Errors))

	rg.printRowErrors(result.Errors, w)
	return nil
}

// WriteMatch writes the result of a single match or unmatch
func (rg *ReportGenerator) WriteMatch(result *matcher.MatchResult, w io.Writer) error {
	if result == nil {
		return fmt.Errorf("match result cannot be nil")
	}

	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(result, w)
	case FormatCSV:
		return rg.writeCSV(w, candidateHeaders, candidateRows(result.RecordID, result.Suggestions))
	}

	fmt.Fprintf(w, "Record: %s\n", result.RecordID)
	switch {
	case result.Matched && result.AlreadyLinked:
		fmt.Fprintf(w, "Status: already linked to %s\n", result.TransactionID)
	case result.Matched:
		fmt.Fprintf(w, "Status: linked to %s\n", result.TransactionID)
	case result.Ambiguous:
		fmt.Fprintf(w, "Status: ambiguous, review the candidates\n")
	case result.Released != "":
		fmt.Fprintf(w, "Status: unlinked\n")
	default:
		fmt.Fprintf(w, "Status: not matched\n")
	}
	if result.Matched {
		fmt.Fprintf(w, "Score: %.2f\n", result.Score)
		fmt.Fprintf(w, "Difference: %s\n", formatDecimal(result.Difference))
	}
	if result.Released != "" {
		fmt.Fprintf(w, "Released: %s\n", result.Released)
	}

	if rg.config.IncludeSuggestions && len(result.Suggestions) > 0 {
		fmt.Fprintf(w, "\n=== CANDIDATES ===\n")
		rg.printCandidates(result.Suggestions, w)
	}
	return nil
}

// WriteBatch writes the result of a batch match
func (rg *ReportGenerator) WriteBatch(result *matcher.BatchResult, w io.Writer) error {
	if result == nil {
		return fmt.Errorf("batch result cannot be nil")
	}

	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(result, w)
	case FormatCSV:
		rows := make([][]string, 0, len(result.Outcomes))
		for _, o := range result.Outcomes {
			score := ""
			if o.Status == matcher.BatchMatched {
				score = strconv.FormatFloat(o.Score, 'f', 2, 64)
			}
			rows = append(rows, []string{o.RecordID, o.Identity, string(o.Status), o.TransactionID, score, o.Error})
		}
		return rg.writeCSV(w, []string{"Record_ID", "Identity", "Status", "Transaction_ID", "Score", "Error"}, rows)
	}

	fmt.Fprintf(w, "BATCH MATCH REPORT\n")
	fmt.Fprintf(w, "Account: %s\n", result.AccountID)
	fmt.Fprintf(w, "Period: %s\n", result.Period)
	fmt.Fprintf(w, "Duration: %v\n\n", result.Duration)

	fmt.Fprintf(w, "=== SUMMARY ===\n")
	fmt.Fprintf(w, "Records:   %d\n", result.Total)
	fmt.Fprintf(w, "Matched:   %d (%.1f%%)\n", result.Matched, calculatePercentage(result.Matched, result.Total))
	fmt.Fprintf(w, "Ambiguous: %d\n", result.Ambiguous)
	fmt.Fprintf(w, "Unmatched: %d\n", result.Unmatched)
	fmt.Fprintf(w, "Failed:    %d\n", result.Failed)
	if processed := len(result.Outcomes); processed < result.Total {
		fmt.Fprintf(w, "Not processed: %d\n", result.Total-processed)
	}

	var review []matcher.RecordOutcome
	for _, o := range result.Outcomes {
		if o.Status == matcher.BatchAmbiguous || o.Status == matcher.BatchFailed {
			review = append(review, o)
		}
	}
	if len(review) > 0 {
		fmt.Fprintf(w, "\n=== NEEDS REVIEW ===\n")
		for i, o := range review {
			if rg.limitReached(i, len(review), w) {
				break
			}
			line := fmt.Sprintf("  %d. %s (%s): %s", i+1, o.RecordID, o.Identity, o.Status)
			if o.Error != "" {
				line += " - " + o.Error
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

// WritePending writes the unreconciled records of an account
func (rg *ReportGenerator) WritePending(records []*models.StatementRecord, w io.Writer) error {
	switch rg.config.Format {
	case FormatJSON:
		if records == nil {
			records = []*models.StatementRecord{}
		}
		return writeJSON(records, w)
	case FormatCSV:
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, []string{
				r.ID,
				r.AccountID,
				r.Identity,
				r.TransactionDate.Format("2006-01-02"),
				string(r.Direction),
				r.Amount.StringFixed(2),
				r.Description,
			})
		}
		return rg.writeCSV(w, []string{"Record_ID", "Account_ID", "Identity", "Date", "Direction", "Amount", "Description"}, rows)
	}

	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Amount)
	}
	fmt.Fprintf(w, "Total Pending Records: %d (%s)\n\n", len(records), total.StringFixed(2))
	for i, r := range records {
		if rg.limitReached(i, len(records), w) {
			break
		}
		fmt.Fprintf(w, "  %d. %s  %s  %-6s %12s  %s\n",
			i+1, r.ID, r.TransactionDate.Format("2006-01-02"), r.Direction,
			r.Amount.StringFixed(2), truncate(r.Description, 40))
	}
	return nil
}

// Helper methods for console output formatting

func (rg *ReportGenerator) printRowErrors(errs []ingest.RowError, w io.Writer) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintf(w, "\n=== ROW ERRORS ===\n")
	for i, e := range errs {
		if rg.limitReached(i, len(errs), w) {
			break
		}
		fmt.Fprintf(w, "  %d. %s [%s]\n", i+1, e.Error(), e.Code)
	}
}

func (rg *ReportGenerator) printCandidates(candidates []*matcher.Candidate, w io.Writer) {
	for i, c := range candidates {
		if rg.limitReached(i, len(candidates), w) {
			break
		}
		fmt.Fprintf(w, "  %d. %s score %.2f, amount %s, difference %s, %d days apart",
			i+1, c.TransactionID, c.Score, c.Amount.StringFixed(2), c.Difference.StringFixed(2), c.DaysApart)
		if len(c.Reasons) > 0 {
			fmt.Fprintf(w, " (%s)", strings.Join(c.Reasons, "; "))
		}
		fmt.Fprintf(w, "\n")
	}
}

// limitReached prints the remainder line once i reaches the configured
// limit
func (rg *ReportGenerator) limitReached(i, total int, w io.Writer) bool {
	limit := rg.config.MaxListItems
	if limit <= 0 || i < limit {
		return false
	}
	fmt.Fprintf(w, "  ... and %d more\n", total-limit)
	return true
}

func (rg *ReportGenerator) writeCSV(w io.Writer, headers []string, rows [][]string) error {
	csvWriter := csv.NewWriter(w)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}
	for _, row := range rows {
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

var rowErrorHeaders = []string{"Line", "Identity", "Code", "Message"}

func rowErrorRows(errs []ingest.RowError) [][]string {
	rows := make([][]string, 0, len(errs))
	for _, e := range errs {
		line := ""
		if e.Line > 0 {
			line = strconv.Itoa(e.Line)
		}
		rows = append(rows, []string{line, e.Identity, string(e.Code), e.Message})
	}
	return rows
}

var candidateHeaders = []string{
	"Record_ID", "Transaction_ID", "Score", "Amount_Score", "Date_Score",
	"Description_Score", "Amount", "Difference", "Days_Apart", "Reasons",
}

func candidateRows(recordID string, candidates []*matcher.Candidate) [][]string {
	rows := make([][]string, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, []string{
			recordID,
			c.TransactionID,
			strconv.FormatFloat(c.Score, 'f', 2, 64),
			strconv.FormatFloat(c.AmountScore, 'f', 3, 64),
			strconv.FormatFloat(c.DateScore, 'f', 3, 64),
			strconv.FormatFloat(c.DescriptionScore, 'f', 3, 64),
			c.Amount.StringFixed(2),
			c.Difference.StringFixed(2),
			strconv.Itoa(c.DaysApart),
			strings.Join(c.Reasons, "; "),
		})
	}
	return rows
}

func writeJSON(v interface{}, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func calculatePercentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return strconv.FormatFloat(*score, 'f', 2, 64)
}

func formatDecimal(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

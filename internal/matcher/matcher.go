package matcher

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"statement-reconciliation-service/internal/models"
)

// Candidate is a scored ledger transaction for one statement record
type Candidate struct {
	TransactionID    string           `json:"transaction_id"`
	Description      string           `json:"description"`
	Amount           decimal.Decimal  `json:"amount"`
	Direction        models.Direction `json:"direction"`
	Score            float64          `json:"score"`
	AmountScore      float64          `json:"amount_score"`
	DateScore        float64          `json:"date_score"`
	DescriptionScore float64          `json:"description_score"`

	// Difference is the record amount minus the transaction amount
	Difference decimal.Decimal `json:"difference"`
	DaysApart  int             `json:"days_apart"`
	Reasons    []string        `json:"reasons,omitempty"`
}

// Scorer computes match scores under a matching policy
type Scorer struct {
	config *MatchingConfig
}

// NewScorer creates a scorer. A nil config uses the defaults.
func NewScorer(config *MatchingConfig) *Scorer {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	return &Scorer{config: config}
}

// Eligible reports whether txn may be linked to record automatically
func (s *Scorer) Eligible(record *models.StatementRecord, txn *models.InternalTransaction) bool {
	if txn.AccountID != record.AccountID {
		return false
	}
	if s.config.RequireDirectionMatch && txn.Direction != record.Direction {
		return false
	}
	return true
}

// Score calculates the match score between a statement record and a
// ledger transaction
func (s *Scorer) Score(record *models.StatementRecord, txn *models.InternalTransaction) *Candidate {
	amountScore := s.calculateAmountScore(record.Amount, txn.Amount)
	dateScore, days := s.calculateDateScore(record, txn)
	descriptionScore := calculateDescriptionScore(record.Description, txn.Description)

	weights := s.config.Weights
	score := 100 * (amountScore*weights.AmountWeight +
		dateScore*weights.DateWeight +
		descriptionScore*weights.DescriptionWeight)

	return &Candidate{
		TransactionID:    txn.ID,
		Description:      txn.Description,
		Amount:           txn.Amount,
		Direction:        txn.Direction,
		Score:            roundScore(score),
		AmountScore:      amountScore,
		DateScore:        dateScore,
		DescriptionScore: descriptionScore,
		Difference:       record.Amount.Sub(txn.Amount),
		DaysApart:        days,
		Reasons:          generateMatchReasons(amountScore, dateScore, descriptionScore),
	}
}

// Rank scores the eligible transactions and sorts them best first. Equal
// scores are ordered by transaction id so the result is deterministic.
func (s *Scorer) Rank(record *models.StatementRecord, txns []*models.InternalTransaction) []*Candidate {
	candidates := make([]*Candidate, 0, len(txns))
	for _, txn := range txns {
		if txn.LinkedTo() != "" && txn.LinkedTo() != record.ID {
			continue
		}
		if !s.Eligible(record, txn) {
			continue
		}
		candidates = append(candidates, s.Score(record, txn))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].TransactionID < candidates[j].TransactionID
	})
	return candidates
}

// calculateAmountScore gives full credit to equal amounts and decays
// linearly to zero at the configured tolerance
func (s *Scorer) calculateAmountScore(recordAmount, txnAmount decimal.Decimal) float64 {
	recordAmount = recordAmount.Abs().Round(int32(s.config.AmountPrecision))
	txnAmount = txnAmount.Abs().Round(int32(s.config.AmountPrecision))

	if recordAmount.Equal(txnAmount) {
		return 1.0
	}

	tolerance := s.config.GetAmountTolerance(recordAmount)
	if tolerance.IsZero() {
		return 0.0
	}

	difference := recordAmount.Sub(txnAmount).Abs()
	if difference.GreaterThan(tolerance) {
		return 0.0
	}
	diffRatio := difference.Div(tolerance).InexactFloat64()
	return math.Max(0.0, 1.0-diffRatio)
}

// calculateDateScore compares the record date with the transaction's
// payment and due dates and keeps the closer one
func (s *Scorer) calculateDateScore(record *models.StatementRecord, txn *models.InternalTransaction) (float64, int) {
	days := -1
	for _, ref := range txn.ReferenceDates() {
		d := models.DaysBetween(record.TransactionDate, ref)
		if days < 0 || d < days {
			days = d
		}
	}

	window := s.config.WindowDays
	switch {
	case days == 0:
		return 1.0, days
	case days > window || window == 0:
		return 0.0, days
	default:
		return 1.0 - float64(days)/float64(window), days
	}
}

// calculateDescriptionScore returns the best of token overlap, substring
// containment and normalized edit distance between two descriptions
func calculateDescriptionScore(a, b string) float64 {
	a, b = normalizeText(a), normalizeText(b)
	if a == "" || b == "" {
		return 0.0
	}
	if a == b {
		return 1.0
	}

	score := tokenOverlap(a, b)
	if strings.Contains(a, b) || strings.Contains(b, a) {
		score = math.Max(score, 0.9)
	}

	ra, rb := []rune(a), []rune(b)
	distance := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptions)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	ratio := 1.0 - float64(distance)/float64(longest)
	return math.Max(score, math.Max(0.0, ratio))
}

// tokenOverlap is the share of the shorter description's tokens found in
// the other one
func tokenOverlap(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}
	if len(ta) > len(tb) {
		ta, tb = tb, ta
	}

	shared := 0
	for token := range ta {
		if tb[token] {
			shared++
		}
	}
	return float64(shared) / float64(len(ta))
}

func tokens(s string) map[string]bool {
	set := make(map[string]bool)
	for _, field := range strings.Fields(s) {
		if len(field) > 1 {
			set[field] = true
		}
	}
	return set
}

// normalizeText folds accents, lowercases s and turns punctuation into spaces
func normalizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, models.FoldAccents(s))
	return strings.Join(strings.Fields(s), " ")
}

func roundScore(score float64) float64 {
	return math.Round(score*100) / 100
}

// generateMatchReasons generates human-readable reasons for the score
func generateMatchReasons(amountScore, dateScore, descriptionScore float64) []string {
	var reasons []string

	if amountScore == 1.0 {
		reasons = append(reasons, "Exact amount match")
	} else if amountScore > 0.8 {
		reasons = append(reasons, "Close amount match")
	} else if amountScore > 0.0 {
		reasons = append(reasons, "Amount within tolerance")
	} else {
		reasons = append(reasons, "Amount outside tolerance")
	}

	if dateScore == 1.0 {
		reasons = append(reasons, "Same date")
	} else if dateScore > 0.0 {
		reasons = append(reasons, "Date within window")
	}

	if descriptionScore == 1.0 {
		reasons = append(reasons, "Same description")
	} else if descriptionScore >= 0.5 {
		reasons = append(reasons, "Similar description")
	}

	return reasons
}

// Package matcher links statement records to ledger transactions.
//
// Each unreconciled record is compared with the ledger transactions of its
// account whose due or payment date falls near the record date. Every
// candidate gets a score from 0 to 100 built from three parts:
//   - amount proximity, the dominant part, decaying to zero at the tolerance
//   - date proximity, decaying linearly to zero at the window edge
//   - description similarity from token overlap and edit distance
//
// The engine links automatically only when the best candidate reaches the
// auto-accept threshold and no other candidate scores within the tie margin
// of it. Otherwise the candidates are returned as suggestions and nothing
// is written.
//
// Example usage:
//
//	config := matcher.DefaultMatchingConfig()
//	config.AutoAcceptThreshold = 95
//
//	engine, err := matcher.NewEngine(records, ledger, config, log)
//	result, err := engine.Match(ctx, matcher.MatchRequest{RecordID: id})
package matcher

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MatchingConfig holds the tunable matching policy. Use the factory
// functions for common scenarios:
//   - DefaultMatchingConfig(): balanced approach for most use cases
//   - StrictMatchingConfig(): tight tolerances, links only near-certain pairs
//   - RelaxedMatchingConfig(): loose tolerances for exploratory matching
type MatchingConfig struct {
	// WindowDays is how many days before and after the record date a ledger
	// transaction may be due or paid to be a candidate
	WindowDays int `json:"window_days" mapstructure:"window_days"`

	// AmountTolerancePercent is the relative difference at which the amount
	// part of the score reaches zero (0.0 to 100.0)
	AmountTolerancePercent float64 `json:"amount_tolerance_percent" mapstructure:"amount_tolerance_percent"`

	// AmountPrecision defines the number of decimal places for amount comparison
	AmountPrecision int `json:"amount_precision" mapstructure:"amount_precision"`

	// AutoAcceptThreshold is the minimum score (0-100) for an automatic link
	AutoAcceptThreshold float64 `json:"auto_accept_threshold" mapstructure:"auto_accept_threshold"`

	// TieMargin is the score distance under which the two best candidates
	// are considered tied
	TieMargin float64 `json:"tie_margin" mapstructure:"tie_margin"`

	// MinSuggestionScore hides candidates scoring below it from suggestions
	MinSuggestionScore float64 `json:"min_suggestion_score" mapstructure:"min_suggestion_score"`

	// MaxSuggestions limits the number of suggestions returned per record
	MaxSuggestions int `json:"max_suggestions" mapstructure:"max_suggestions"`

	// RequireDirectionMatch drops candidates whose direction differs from
	// the record's
	RequireDirectionMatch bool `json:"require_direction_match" mapstructure:"require_direction_match"`

	// BatchConcurrency is the number of records a batch matches at once
	BatchConcurrency int `json:"batch_concurrency" mapstructure:"batch_concurrency"`

	// Priority weights for different matching criteria
	Weights MatchingWeights `json:"weights" mapstructure:"weights"`
}

// MatchingWeights defines the relative importance of different matching criteria
type MatchingWeights struct {
	AmountWeight      float64 `json:"amount_weight" mapstructure:"amount_weight"`
	DateWeight        float64 `json:"date_weight" mapstructure:"date_weight"`
	DescriptionWeight float64 `json:"description_weight" mapstructure:"description_weight"`
}

// DefaultMatchingConfig returns a configuration with sensible defaults
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		WindowDays:             5,
		AmountTolerancePercent: 5.0,
		AmountPrecision:        2,
		AutoAcceptThreshold:    85,
		TieMargin:              1.0,
		MinSuggestionScore:     30,
		MaxSuggestions:         5,
		RequireDirectionMatch:  true,
		BatchConcurrency:       1,
		// bank and ledger descriptions rarely share words, so an exact
		// amount on the same day reaches the threshold without them
		Weights: MatchingWeights{
			AmountWeight:      0.60,
			DateWeight:        0.30,
			DescriptionWeight: 0.10,
		},
	}
}

// StrictMatchingConfig returns a configuration for strict matching
func StrictMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		WindowDays:             2,
		AmountTolerancePercent: 0.5,
		AmountPrecision:        2,
		AutoAcceptThreshold:    97,
		TieMargin:              2.0,
		MinSuggestionScore:     50,
		MaxSuggestions:         3,
		RequireDirectionMatch:  true,
		BatchConcurrency:       1,
		Weights: MatchingWeights{
			AmountWeight:      0.70,
			DateWeight:        0.20,
			DescriptionWeight: 0.10,
		},
	}
}

// RelaxedMatchingConfig returns a configuration for relaxed matching
func RelaxedMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		WindowDays:             10,
		AmountTolerancePercent: 10.0,
		AmountPrecision:        2,
		AutoAcceptThreshold:    80,
		TieMargin:              0.5,
		MinSuggestionScore:     20,
		MaxSuggestions:         10,
		RequireDirectionMatch:  false,
		BatchConcurrency:       4,
		Weights: MatchingWeights{
			AmountWeight:      0.50,
			DateWeight:        0.30,
			DescriptionWeight: 0.20,
		},
	}
}

// Validate checks if the matching configuration is valid
func (mc *MatchingConfig) Validate() error {
	if mc.WindowDays < 0 {
		return fmt.Errorf("window days cannot be negative: %d", mc.WindowDays)
	}

	if mc.AmountPrecision < 0 || mc.AmountPrecision > 10 {
		return fmt.Errorf("amount precision must be between 0 and 10: %d", mc.AmountPrecision)
	}

	if mc.AmountTolerancePercent < 0.0 || mc.AmountTolerancePercent > 100.0 {
		return fmt.Errorf("amount tolerance percent must be between 0.0 and 100.0: %f", mc.AmountTolerancePercent)
	}

	if mc.AutoAcceptThreshold < 0.0 || mc.AutoAcceptThreshold > 100.0 {
		return fmt.Errorf("auto-accept threshold must be between 0 and 100: %f", mc.AutoAcceptThreshold)
	}

	if mc.TieMargin < 0.0 {
		return fmt.Errorf("tie margin cannot be negative: %f", mc.TieMargin)
	}

	if mc.MinSuggestionScore < 0.0 || mc.MinSuggestionScore > 100.0 {
		return fmt.Errorf("minimum suggestion score must be between 0 and 100: %f", mc.MinSuggestionScore)
	}

	if mc.MaxSuggestions < 0 {
		return fmt.Errorf("max suggestions cannot be negative: %d", mc.MaxSuggestions)
	}

	if mc.BatchConcurrency <= 0 {
		return fmt.Errorf("batch concurrency must be positive: %d", mc.BatchConcurrency)
	}

	if err := mc.Weights.Validate(); err != nil {
		return fmt.Errorf("invalid weights: %w", err)
	}

	return nil
}

// Validate checks if the matching weights are valid
func (mw *MatchingWeights) Validate() error {
	if mw.AmountWeight < 0.0 || mw.AmountWeight > 1.0 {
		return fmt.Errorf("amount weight must be between 0.0 and 1.0: %f", mw.AmountWeight)
	}

	if mw.DateWeight < 0.0 || mw.DateWeight > 1.0 {
		return fmt.Errorf("date weight must be between 0.0 and 1.0: %f", mw.DateWeight)
	}

	if mw.DescriptionWeight < 0.0 || mw.DescriptionWeight > 1.0 {
		return fmt.Errorf("description weight must be between 0.0 and 1.0: %f", mw.DescriptionWeight)
	}

	// amount must stay the dominant criterion
	if mw.AmountWeight < mw.DateWeight || mw.AmountWeight < mw.DescriptionWeight {
		return fmt.Errorf("amount weight must not be lower than the date or description weight")
	}

	// Weights should sum to approximately 1.0 (allow some tolerance)
	total := mw.AmountWeight + mw.DateWeight + mw.DescriptionWeight
	if total < 0.99 || total > 1.01 {
		return fmt.Errorf("weights should sum to 1.0, got %f", total)
	}

	return nil
}

// Clone creates a deep copy of the matching configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	if mc == nil {
		return nil
	}
	clone := *mc
	return &clone
}

// GetAmountTolerance calculates the amount tolerance for a given amount
func (mc *MatchingConfig) GetAmountTolerance(amount decimal.Decimal) decimal.Decimal {
	if mc.AmountTolerancePercent == 0.0 {
		return decimal.Zero
	}

	percentage := decimal.NewFromFloat(mc.AmountTolerancePercent / 100.0)
	tolerance := amount.Abs().Mul(percentage)

	return tolerance.Round(int32(mc.AmountPrecision))
}

// String returns a human-readable description of the configuration
func (mc *MatchingConfig) String() string {
	return fmt.Sprintf("MatchingConfig{Window: ±%d days, AmountTolerance: %.2f%%, AutoAccept: %.1f, TieMargin: %.1f, Weights: %.2f/%.2f/%.2f}",
		mc.WindowDays, mc.AmountTolerancePercent, mc.AutoAcceptThreshold, mc.TieMargin,
		mc.Weights.AmountWeight, mc.Weights.DateWeight, mc.Weights.DescriptionWeight)
}

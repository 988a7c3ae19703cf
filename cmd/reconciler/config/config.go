package config

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/spf13/viper"

	"statement-reconciliation-service/internal/bankfeed"
	"statement-reconciliation-service/internal/ingest"
	"statement-reconciliation-service/internal/matcher"
	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/reporter"
	"statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

// EnvPrefix prefixes the environment variables read by the CLI, so that
// matching.window_days is read from RECONCILER_MATCHING_WINDOW_DAYS
const EnvPrefix = "RECONCILER"

// Settings is the typed configuration of one CLI invocation
type Settings struct {
	DatabasePath string
	Log          *logger.Config
	Report       *reporter.ReportConfig
	OutputFile   string

	// StatementDir holds one export per account, named after the
	// account's external reference
	StatementDir string
	// StatementFormat is nil when the format is detected per file
	StatementFormat *bankfeed.Format
	RulesFile       string

	Sync     ingest.Config
	Matching *matcher.MatchingConfig
	Ledger   *bankfeed.LedgerFormat
	Accounts []*models.Account
}

// AccountSettings is an account entry of the config file
type AccountSettings struct {
	ID          string `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	ExternalRef string `mapstructure:"external_ref"`
	Active      *bool  `mapstructure:"active"`
}

// Configure registers the defaults and the environment binding on v
func Configure(v *viper.Viper) {
	v.SetDefault("database.path", "reconciler.db")

	v.SetDefault("log.level", string(logger.InfoLevel))
	v.SetDefault("log.format", string(logger.TextFormat))
	v.SetDefault("log.output", string(logger.StderrOutput))

	report := reporter.DefaultReportConfig()
	v.SetDefault("output.format", string(report.Format))
	v.SetDefault("output.max_items", report.MaxListItems)
	v.SetDefault("output.include_suggestions", report.IncludeSuggestions)
	v.SetDefault("output.csv_delimiter", string(report.CSVDelimiter))
	v.SetDefault("output.csv_headers", report.CSVHeaders)

	v.SetDefault("statements.dir", "statements")
	v.SetDefault("statements.format", "auto")

	sync := ingest.DefaultConfig()
	v.SetDefault("sync.fetch_window_days", sync.FetchWindowDays)
	v.SetDefault("sync.check_balance", sync.CheckBalance)
	v.SetDefault("sync.day_first", sync.Normalize.DayFirst)
	v.SetDefault("sync.redact_pii", sync.Normalize.RedactPII)

	// the matching keys have no defaults: unset keys keep the profile's value
	v.SetDefault("matching.profile", "default")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load builds the settings from v. Every error is a configuration error.
func Load(v *viper.Viper) (*Settings, error) {
	settings := &Settings{
		DatabasePath: strings.TrimSpace(v.GetString("database.path")),
		OutputFile:   v.GetString("output.file"),
		StatementDir: v.GetString("statements.dir"),
		RulesFile:    v.GetString("rules.file"),
	}
	if settings.DatabasePath == "" {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "database.path", "", nil).
			WithSuggestion("Pass --db or set database.path in the config file")
	}

	var err error
	if settings.Log, err = logConfig(v); err != nil {
		return nil, err
	}
	if settings.Report, err = reportConfig(v); err != nil {
		return nil, err
	}
	if settings.StatementFormat, err = statementFormat(v.GetString("statements.format")); err != nil {
		return nil, err
	}
	if settings.Sync, err = syncConfig(v); err != nil {
		return nil, err
	}
	if settings.Matching, err = MatchingConfig(v); err != nil {
		return nil, err
	}
	if settings.Ledger, err = ledgerFormat(v); err != nil {
		return nil, err
	}
	if settings.Accounts, err = accounts(v); err != nil {
		return nil, err
	}

	return settings, nil
}

// ExclusionRules loads the configured rule file, or the built-in rules when
// none is configured
func (s *Settings) ExclusionRules() (*ingest.RuleSet, error) {
	if strings.TrimSpace(s.RulesFile) == "" {
		return ingest.DefaultRules(), nil
	}
	return ingest.LoadRules(s.RulesFile)
}

func logConfig(v *viper.Viper) (*logger.Config, error) {
	config := &logger.Config{
		Level:  logger.Level(v.GetString("log.level")),
		Format: logger.Format(v.GetString("log.format")),
		Output: logger.Output(v.GetString("log.output")),
		File:   v.GetString("log.file"),
	}
	if v.GetBool("verbose") {
		config.Level = logger.DebugLevel
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "log", config.Level, err)
	}
	return config, nil
}

func reportConfig(v *viper.Viper) (*reporter.ReportConfig, error) {
	delimiter, err := parseDelimiter("output.csv_delimiter", v.GetString("output.csv_delimiter"))
	if err != nil {
		return nil, err
	}

	config := &reporter.ReportConfig{
		Format:             reporter.OutputFormat(strings.ToLower(v.GetString("output.format"))),
		MaxListItems:       v.GetInt("output.max_items"),
		IncludeSuggestions: v.GetBool("output.include_suggestions"),
		CSVDelimiter:       delimiter,
		CSVHeaders:         v.GetBool("output.csv_headers"),
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "output.format", config.Format, err).
			WithSuggestion("Use one of the output formats: console, json, csv")
	}
	return config, nil
}

func statementFormat(name string) (*bankfeed.Format, error) {
	if strings.EqualFold(strings.TrimSpace(name), "auto") {
		return nil, nil
	}
	format := bankfeed.GetFormat(name)
	if format == nil {
		names := make([]string, 0, len(bankfeed.ListFormats()))
		for _, f := range bankfeed.ListFormats() {
			names = append(names, f.Name)
		}
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "statements.format", name, nil).
			WithSuggestion(fmt.Sprintf("Use auto or one of: %s", strings.Join(names, ", ")))
	}
	return format, nil
}

func syncConfig(v *viper.Viper) (ingest.Config, error) {
	config := ingest.Config{
		Normalize: models.NormalizeOptions{
			DayFirst:  v.GetBool("sync.day_first"),
			RedactPII: v.GetBool("sync.redact_pii"),
		},
		FetchWindowDays: v.GetInt("sync.fetch_window_days"),
		CheckBalance:    v.GetBool("sync.check_balance"),
	}
	if err := config.Validate(); err != nil {
		return ingest.Config{}, err
	}
	return config, nil
}

// MatchingConfig builds the matching policy: the named profile, with any
// key set in the config file or environment overriding it
func MatchingConfig(v *viper.Viper) (*matcher.MatchingConfig, error) {
	var config *matcher.MatchingConfig
	switch profile := strings.ToLower(strings.TrimSpace(v.GetString("matching.profile"))); profile {
	case "", "default":
		config = matcher.DefaultMatchingConfig()
	case "strict":
		config = matcher.StrictMatchingConfig()
	case "relaxed":
		config = matcher.RelaxedMatchingConfig()
	default:
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "matching.profile", profile, nil).
			WithSuggestion("Use one of the matching profiles: default, strict, relaxed")
	}

	overrideInt(v, "matching.window_days", &config.WindowDays)
	overrideFloat(v, "matching.amount_tolerance_percent", &config.AmountTolerancePercent)
	overrideInt(v, "matching.amount_precision", &config.AmountPrecision)
	overrideFloat(v, "matching.auto_accept_threshold", &config.AutoAcceptThreshold)
	overrideFloat(v, "matching.tie_margin", &config.TieMargin)
	overrideFloat(v, "matching.min_suggestion_score", &config.MinSuggestionScore)
	overrideInt(v, "matching.max_suggestions", &config.MaxSuggestions)
	overrideBool(v, "matching.require_direction_match", &config.RequireDirectionMatch)
	overrideInt(v, "matching.batch_concurrency", &config.BatchConcurrency)
	overrideFloat(v, "matching.weights.amount_weight", &config.Weights.AmountWeight)
	overrideFloat(v, "matching.weights.date_weight", &config.Weights.DateWeight)
	overrideFloat(v, "matching.weights.description_weight", &config.Weights.DescriptionWeight)

	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "matching", config.String(), err)
	}
	return config, nil
}

func ledgerFormat(v *viper.Viper) (*bankfeed.LedgerFormat, error) {
	format := *bankfeed.DefaultLedgerFormat

	overrideString(v, "ledger.id_column", &format.IDColumn)
	overrideString(v, "ledger.account_column", &format.AccountColumn)
	overrideString(v, "ledger.due_date_column", &format.DueDateColumn)
	overrideString(v, "ledger.payment_date_column", &format.PaymentDateColumn)
	overrideString(v, "ledger.amount_column", &format.AmountColumn)
	overrideString(v, "ledger.direction_column", &format.DirectionColumn)
	overrideString(v, "ledger.status_column", &format.StatusColumn)
	overrideString(v, "ledger.description_column", &format.DescriptionColumn)
	overrideBool(v, "ledger.day_first", &format.DayFirst)

	if v.IsSet("ledger.delimiter") {
		delimiter, err := parseDelimiter("ledger.delimiter", v.GetString("ledger.delimiter"))
		if err != nil {
			return nil, err
		}
		format.Delimiter = delimiter
	}
	return &format, nil
}

func accounts(v *viper.Viper) ([]*models.Account, error) {
	var entries []AccountSettings
	if err := v.UnmarshalKey("accounts", &entries); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "accounts", nil, err)
	}

	seen := make(map[string]bool, len(entries))
	result := make([]*models.Account, 0, len(entries))
	for i, entry := range entries {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, errors.ConfigurationError(errors.CodeMissingConfig, fmt.Sprintf("accounts[%d].id", i), "", nil)
		}
		if seen[id] {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, fmt.Sprintf("accounts[%d].id", i), id,
				fmt.Errorf("account %s is listed twice", id))
		}
		seen[id] = true

		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		result = append(result, &models.Account{
			ID:          id,
			Name:        entry.Name,
			ExternalRef: strings.TrimSpace(entry.ExternalRef),
			Active:      active,
		})
	}
	return result, nil
}

// parseDelimiter accepts a single character, or "tab"
func parseDelimiter(key, value string) (rune, error) {
	switch value {
	case "tab", `\t`:
		return '\t', nil
	}
	if utf8.RuneCountInString(value) != 1 {
		return 0, errors.ConfigurationError(errors.CodeInvalidConfig, key, value,
			fmt.Errorf("delimiter must be a single character"))
	}
	r, _ := utf8.DecodeRuneInString(value)
	return r, nil
}

func overrideString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func overrideInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func overrideFloat(v *viper.Viper, key string, dst *float64) {
	if v.IsSet(key) {
		*dst = v.GetFloat64(key)
	}
}

func overrideBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

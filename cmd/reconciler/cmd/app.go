package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"statement-reconciliation-service/cmd/reconciler/config"
	"statement-reconciliation-service/internal/bankfeed"
	"statement-reconciliation-service/internal/ingest"
	"statement-reconciliation-service/internal/matcher"
	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/reporter"
	"statement-reconciliation-service/internal/store/sqlite"
	"statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

const dateLayout = "2006-01-02"

// app holds what a command needs: settings, logger, the open database and
// the report writer
type app struct {
	settings *config.Settings
	logger   logger.Logger
	store    *sqlite.Store
	reports  *reporter.SafeReportGenerator
}

func newApp(cmd *cobra.Command, v *viper.Viper) (*app, error) {
	settings, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	if settings.Sync.Normalize.RedactPII {
		settings.Log.Redact = models.RedactPII
	}
	log, err := logger.NewLogger(settings.Log)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "log", settings.Log.Output, err)
	}
	logger.SetGlobalLogger(log)

	reports, err := reporter.NewSafeReportGenerator(settings.Report, cmd.OutOrStdout(), log)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(settings.DatabasePath, log)
	if err != nil {
		return nil, err
	}

	a := &app{
		settings: settings,
		logger:   log.WithComponent("cli"),
		store:    db,
		reports:  reports,
	}
	if err := a.registerAccounts(cmd.Context()); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// registerAccounts upserts the accounts listed in the configuration
func (a *app) registerAccounts(ctx context.Context) error {
	for _, account := range a.settings.Accounts {
		if err := a.store.UpsertAccount(ctx, account); err != nil {
			return err
		}
	}
	if len(a.settings.Accounts) > 0 {
		a.logger.WithField("accounts", len(a.settings.Accounts)).Debug("Registered configured accounts")
	}
	return nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// emit writes one report to the configured output
func (a *app) emit(render reporter.RenderFunc) error {
	return a.reports.Emit(a.settings.OutputFile, render)
}

func (a *app) syncService() (*ingest.Service, error) {
	transport, err := bankfeed.NewCSVTransport(a.settings.StatementDir, a.settings.StatementFormat, a.logger)
	if err != nil {
		return nil, err
	}
	rules, err := a.settings.ExclusionRules()
	if err != nil {
		return nil, err
	}
	return ingest.NewService(a.store, a.store, transport, rules, a.settings.Sync, a.logger), nil
}

func (a *app) engine() (*matcher.Engine, error) {
	return matcher.NewEngine(a.store, a.store, a.settings.Matching, a.logger)
}

// runWithApp opens the application for the duration of fn
func runWithApp(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd, v)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a)
}

// parsePeriod reads the --from and --to values. With required unset both
// may be empty, which selects every date.
func parsePeriod(from, to string, required bool) (models.DateRange, error) {
	if from == "" && to == "" {
		if required {
			return models.DateRange{}, errors.ValidationError(errors.CodeMissingField, "from", "", nil).
				WithSuggestion("Pass --from and --to as YYYY-MM-DD")
		}
		return models.DateRange{}, nil
	}
	if from == "" || to == "" {
		return models.DateRange{}, errors.ValidationError(errors.CodeInvalidDateRange, "period", from+".."+to, nil).
			WithSuggestion("Pass both --from and --to")
	}

	start, err := time.Parse(dateLayout, from)
	if err != nil {
		return models.DateRange{}, errors.ValidationError(errors.CodeInvalidDate, "from", from, err)
	}
	end, err := time.Parse(dateLayout, to)
	if err != nil {
		return models.DateRange{}, errors.ValidationError(errors.CodeInvalidDate, "to", to, err)
	}

	period := models.NewDateRange(start, end)
	if err := period.Validate(); err != nil {
		return models.DateRange{}, errors.ValidationError(errors.CodeInvalidDateRange, "period", period.String(), err)
	}
	return period, nil
}

// addPeriodFlags registers --from and --to on cmd
func addPeriodFlags(cmd *cobra.Command) {
	cmd.Flags().String("from", "", "period start (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "period end (YYYY-MM-DD)")
}

func periodFromFlags(cmd *cobra.Command, required bool) (models.DateRange, error) {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	return parsePeriod(from, to, required)
}

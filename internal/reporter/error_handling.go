package reporter

import (
	stderrors "errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

// RenderFunc writes one report through a generator
type RenderFunc func(rg *ReportGenerator, w io.Writer) error

// SafeReportGenerator wraps ReportGenerator with output handling and error
// classification
type SafeReportGenerator struct {
	*ReportGenerator
	stdout io.Writer
	logger logger.Logger
}

// NewSafeReportGenerator creates a report generator writing to stdout or to
// files
func NewSafeReportGenerator(config *ReportConfig, stdout io.Writer, log logger.Logger) (*SafeReportGenerator, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	generator, err := NewReportGenerator(config)
	if err != nil {
		return nil, errors.ConfigurationError(
			errors.CodeInvalidConfig,
			"report_config",
			config,
			err,
		).WithSuggestion("Use one of the output formats: console, json, csv")
	}

	return &SafeReportGenerator{
		ReportGenerator: generator,
		stdout:          stdout,
		logger:          log.WithComponent("reporter"),
	}, nil
}

// Emit renders a report to path, or to stdout when path is empty or "-".
// A file is written completely or not at all: the report goes to a
// temporary file that replaces path once rendering succeeded.
func (srg *SafeReportGenerator) Emit(path string, render RenderFunc) error {
	if render == nil {
		return errors.ValidationError(errors.CodeMissingField, "render", nil, nil)
	}

	if path == "" || path == "-" {
		if err := render(srg.ReportGenerator, srg.stdout); err != nil {
			return srg.wrapGenerationError(err, "stdout")
		}
		return nil
	}

	srg.logger.WithFields(logger.Fields{
		"format": srg.config.Format,
		"output": path,
	}).Debug("Writing report")

	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fileError(path, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := render(srg.ReportGenerator, tmp); err != nil {
		tmp.Close()
		return srg.wrapGenerationError(err, path)
	}
	if err := tmp.Close(); err != nil {
		return fileError(path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fileError(path, err)
	}

	srg.logger.WithField("output", path).Info("Report written")
	return nil
}

// wrapGenerationError wraps generation errors with context
func (srg *SafeReportGenerator) wrapGenerationError(err error, output string) error {
	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return reconcilerErr
	}
	if isSpaceError(err) || stderrors.Is(err, fs.ErrPermission) {
		return fileError(output, err)
	}

	return errors.InternalError(
		errors.CodeUnexpectedError,
		"report_generation",
		err,
	).WithContext("output", output).
		WithSuggestion("Check the output destination and report format settings")
}

func fileError(path string, err error) error {
	switch {
	case stderrors.Is(err, fs.ErrPermission):
		return errors.FileError(errors.CodeFilePermission, path, 0, err).
			WithSuggestion("Choose an output path you can write to")
	case stderrors.Is(err, fs.ErrNotExist):
		return errors.FileError(errors.CodeFileNotFound, path, 0, err).
			WithSuggestion("Create the output directory first")
	default:
		return errors.FileError(errors.CodeInvalidFormat, path, 0, err)
	}
}

func isSpaceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left") ||
		strings.Contains(msg, "disk full") ||
		strings.Contains(msg, "device full")
}

package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryTransport     ErrorCategory = "transport"
	CategoryFile          ErrorCategory = "file"
	CategoryValidation    ErrorCategory = "validation"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryStorage       ErrorCategory = "storage"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Transport errors
	CodeFetchFailed        ErrorCode = "fetch_failed"
	CodeTimeout            ErrorCode = "timeout"
	CodeServiceUnavailable ErrorCode = "service_unavailable"

	// File errors
	CodeFileNotFound   ErrorCode = "file_not_found"
	CodeFilePermission ErrorCode = "file_permission"
	CodeInvalidFormat  ErrorCode = "invalid_format"
	CodeMissingColumn  ErrorCode = "missing_column"
	CodeEncodingError  ErrorCode = "encoding_error"

	// Validation errors
	CodeInvalidAmount      ErrorCode = "invalid_amount"
	CodeInvalidDate        ErrorCode = "invalid_date"
	CodeInvalidDateRange   ErrorCode = "invalid_date_range"
	CodeMissingField       ErrorCode = "missing_field"
	CodeUnknownAccount     ErrorCode = "unknown_account"
	CodeMissingCredentials ErrorCode = "missing_credentials"
	CodeInvalidMatch       ErrorCode = "invalid_match"
	CodeInvalidData        ErrorCode = "invalid_data"

	// Conflict errors
	CodeAlreadyLinked      ErrorCode = "already_linked"
	CodeConcurrentModified ErrorCode = "concurrent_modification"
	CodeDuplicateIdentity  ErrorCode = "duplicate_identity"

	// Not found errors
	CodeRecordNotFound      ErrorCode = "record_not_found"
	CodeTransactionNotFound ErrorCode = "transaction_not_found"
	CodeAccountNotFound     ErrorCode = "account_not_found"

	// Storage errors
	CodeQueryFailed     ErrorCode = "query_failed"
	CodeMigrationFailed ErrorCode = "migration_failed"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// ReconcilerError is the base error type for all application errors
type ReconcilerError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *ReconcilerError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *ReconcilerError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate exit code for the error
func (e *ReconcilerError) GetExitCode() int {
	switch e.Category {
	case CategoryFile:
		return 2
	case CategoryValidation:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryConflict, CategoryNotFound:
		return 5
	case CategoryTransport:
		return 6
	case CategoryStorage, CategoryInternal:
		return 7
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *ReconcilerError) WithContext(key string, value interface{}) *ReconcilerError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *ReconcilerError) WithSuggestion(suggestion string) *ReconcilerError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ReconcilerError
func New(category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with ReconcilerError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func build(category ErrorCategory, code ErrorCode, message string, err error) *ReconcilerError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// TransportError creates an error for a failed fetch from the bank feed.
// Transport errors abort a sync; the sync is safe to retry.
func TransportError(code ErrorCode, accountRef string, err error) *ReconcilerError {
	var message string
	switch code {
	case CodeTimeout:
		message = fmt.Sprintf("timeout fetching statement for %s", accountRef)
	case CodeServiceUnavailable:
		message = fmt.Sprintf("statement source unavailable for %s", accountRef)
	default:
		message = fmt.Sprintf("failed to fetch statement for %s", accountRef)
	}

	return build(CategoryTransport, code, message, err).
		WithSuggestion("retry the sync; already imported rows will not be duplicated").
		WithContext("account_ref", accountRef)
}

// FileError creates an error for a local input file such as a CSV export.
// line is 0 when the problem is not tied to a row.
func FileError(code ErrorCode, path string, line int, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeFileNotFound:
		message = fmt.Sprintf("file not found: %s", path)
		suggestion = "check if the file path is correct and the file exists"
	case CodeFilePermission:
		message = fmt.Sprintf("permission denied accessing file: %s", path)
		suggestion = "check file permissions and ensure you have read access"
	case CodeMissingColumn:
		message = fmt.Sprintf("missing required column in file %s", path)
		suggestion = "verify the file has all required columns with correct headers"
	case CodeEncodingError:
		message = fmt.Sprintf("encoding error in file %s at line %d", path, line)
		suggestion = "ensure the file is saved in UTF-8 encoding"
	case CodeInvalidFormat:
		message = fmt.Sprintf("invalid format in file %s at line %d", path, line)
		suggestion = "check the data format and ensure it matches the expected structure"
	default:
		message = fmt.Sprintf("file error: %s", path)
		suggestion = "check the file and try again"
	}

	result := build(CategoryFile, code, message, err).
		WithSuggestion(suggestion).
		WithContext("file_path", path)
	if line > 0 {
		result.WithContext("line", line)
	}
	return result
}

// ValidationError creates a validation-related error
func ValidationError(code ErrorCode, field string, value interface{}, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in field '%s': %v", field, value)
		suggestion = "amounts must be decimal numbers such as '1234.56' or '1.234,56'"
	case CodeInvalidDate:
		message = fmt.Sprintf("invalid date in field '%s': %v", field, value)
		suggestion = "use YYYY-MM-DD or DD/MM/YYYY"
	case CodeInvalidDateRange:
		message = fmt.Sprintf("invalid date range in field '%s': %v", field, value)
		suggestion = "the start date must not be after the end date"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	case CodeUnknownAccount:
		message = fmt.Sprintf("unknown account '%v'", value)
		suggestion = "register the account before syncing it"
	case CodeMissingCredentials:
		message = fmt.Sprintf("account '%v' has no external credentials", value)
		suggestion = "configure the account's external reference"
	case CodeInvalidMatch:
		message = fmt.Sprintf("invalid match for '%s': %v", field, value)
		suggestion = "a statement record can only be linked to a transaction of the same account"
	default:
		message = fmt.Sprintf("validation error in field '%s': %v", field, value)
		suggestion = "check the field value and format"
	}

	return build(CategoryValidation, code, message, err).
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// InvalidMatchError reports an attempt to link a record and a transaction
// that belong to different accounts.
func InvalidMatchError(recordID, transactionID string) *ReconcilerError {
	return ValidationError(CodeInvalidMatch, "transaction_id", transactionID, nil).
		WithContext("record_id", recordID)
}

// ConflictError creates a conflict error. The caller must re-read current
// state and retry explicitly.
func ConflictError(code ErrorCode, resource string, id string, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeAlreadyLinked:
		message = fmt.Sprintf("%s %s is already reconciled to another record", resource, id)
		suggestion = "unmatch the other record first"
	case CodeConcurrentModified:
		message = fmt.Sprintf("%s %s was modified concurrently", resource, id)
		suggestion = "reload the record and retry"
	case CodeDuplicateIdentity:
		message = fmt.Sprintf("%s %s already exists", resource, id)
		suggestion = "retry; the existing record will be updated"
	default:
		message = fmt.Sprintf("conflict on %s %s", resource, id)
		suggestion = "reload and retry"
	}

	return build(CategoryConflict, code, message, err).
		WithSuggestion(suggestion).
		WithContext("resource", resource).
		WithContext("id", id)
}

// NotFoundError creates an error for an unknown identifier.
func NotFoundError(code ErrorCode, id string) *ReconcilerError {
	var message string
	switch code {
	case CodeRecordNotFound:
		message = fmt.Sprintf("statement record not found: %s", id)
	case CodeTransactionNotFound:
		message = fmt.Sprintf("transaction not found: %s", id)
	case CodeAccountNotFound:
		message = fmt.Sprintf("account not found: %s", id)
	default:
		message = fmt.Sprintf("not found: %s", id)
	}

	return New(CategoryNotFound, code, message).WithContext("id", id)
}

// StorageError wraps a database failure
func StorageError(code ErrorCode, operation string, err error) *ReconcilerError {
	var message string
	switch code {
	case CodeMigrationFailed:
		message = fmt.Sprintf("schema migration failed during %s", operation)
	default:
		message = fmt.Sprintf("storage failure during %s", operation)
	}

	return build(CategoryStorage, code, message, err).
		WithContext("operation", operation)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this configuration setting or use a config file"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return build(CategoryConfiguration, code, message, err).
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *ReconcilerError {
	return build(CategoryInternal, code, fmt.Sprintf("unexpected error during %s", operation), err).
		WithSuggestion("this is likely a bug - please report it with the error details").
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total        int                   `json:"total"`
	ByCategory   map[ErrorCategory]int `json:"by_category"`
	ByCode       map[ErrorCode]int     `json:"by_code"`
	Errors       []*ReconcilerError    `json:"errors"`
	SampleErrors []*ReconcilerError    `json:"sample_errors,omitempty"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*ReconcilerError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}
	if len(errs) == 0 {
		summary.Errors = []*ReconcilerError{}
		return summary
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	maxSamples := 5
	if len(errs) > maxSamples {
		summary.SampleErrors = errs[:maxSamples]
	} else {
		summary.SampleErrors = errs
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	return es.ByCode[code] > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}

	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}

	return maxCode
}

// AsReconcilerError extracts a ReconcilerError from an error chain
func AsReconcilerError(err error) (*ReconcilerError, bool) {
	var reconcilerErr *ReconcilerError
	if errors.As(err, &reconcilerErr) {
		return reconcilerErr, true
	}
	return nil, false
}

// WrapIfNeeded wraps an error if it's not already a ReconcilerError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	if reconcilerErr, ok := AsReconcilerError(err); ok {
		return reconcilerErr
	}

	return Wrap(err, category, code, message)
}

// HasCategory reports whether err carries a ReconcilerError of the category.
func HasCategory(err error, category ErrorCategory) bool {
	re, ok := AsReconcilerError(err)
	return ok && re.Category == category
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool { return HasCategory(err, CategoryNotFound) }

// IsConflict reports whether err is a conflict error
func IsConflict(err error) bool { return HasCategory(err, CategoryConflict) }

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool { return HasCategory(err, CategoryValidation) }

// IsTransport reports whether err is a transport error
func IsTransport(err error) bool { return HasCategory(err, CategoryTransport) }

// IsInvalidMatch reports whether err rejects a cross-account link
func IsInvalidMatch(err error) bool {
	re, ok := AsReconcilerError(err)
	return ok && re.Code == CodeInvalidMatch
}

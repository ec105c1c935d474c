// Package errors provides centralized error definitions and error handling utilities
// for llmscore. It defines sentinel errors, domain-specific error types for the
// provider, ledger, run and configuration layers, and classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - ConfigError: invalid or incomplete configuration
//   - ProviderError: transport failures and non-2xx responses from an LLM provider
//   - MalformedResponseError: a 2xx response missing the fields a family requires
//   - LedgerError: checkpoint ledger read or write failures
//   - RunError: run-level failures, including interruption with a resume hint
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewProviderError("request failed", cause).
//		WithProvider("deepseek").
//		WithStatus(503, body)
//
//	if errors.IsRetryable(err) { ... }
//
//	var runErr *errors.RunError
//	if errors.As(err, &runErr) && errors.Is(err, errors.ErrInterrupted) {
//		fmt.Println(runErr.ResumeHint)
//	}
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Provider-related sentinel errors
var (
	// ErrNoProviders indicates that no configured provider is usable.
	ErrNoProviders = New("no usable providers configured")
	// ErrMissingAPIKey indicates that a provider has no API key.
	ErrMissingAPIKey = New("missing API key")
	// ErrUnknownFamily indicates an unsupported provider protocol family.
	ErrUnknownFamily = New("unknown provider family")
	// ErrEmptyResponse indicates a provider returned no message content.
	ErrEmptyResponse = New("empty response")
)

// Response extraction sentinel errors
var (
	// ErrNoJSONFound indicates that no JSON object span exists in a response.
	ErrNoJSONFound = New("no JSON object found in response")
)

// Ledger and run sentinel errors
var (
	// ErrRunNotFound indicates that a run directory or record does not exist.
	ErrRunNotFound = New("run not found")
	// ErrRunLocked indicates that a run is live in another process.
	ErrRunLocked = New("run is live in another process")
	// ErrLedgerCorrupted indicates that persisted ledger data could not be decoded.
	ErrLedgerCorrupted = New("ledger data corrupted")
	// ErrInterrupted indicates that a run stopped before all tasks were dispatched.
	ErrInterrupted = New("run interrupted")
	// ErrNoDocuments indicates that no input documents were loaded.
	ErrNoDocuments = New("no documents loaded")
	// ErrNoPrompts indicates that no prompt templates were loaded.
	ErrNoPrompts = New("no prompts loaded")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ClassifiedError is the base interface for all llmscore errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type ClassifiedError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// Message returns the error message without context or cause.
func (e *baseError) Message() string {
	return e.message
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ConfigError represents invalid or incomplete configuration.
//
// Example:
//
//	err := errors.NewConfigError("provider skipped", errors.ErrMissingAPIKey).WithProvider("kimi")
//	fmt.Println(err) // "config error [provider=kimi]: provider skipped: missing API key"
type ConfigError struct {
	baseError
	Key      string
	Provider string
}

// NewConfigError creates a new ConfigError.
func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: false,
		},
	}
}

// WithKey adds the configuration key to the error context.
func (e *ConfigError) WithKey(key string) *ConfigError {
	e.Key = key
	return e
}

// WithProvider adds the provider name to the error context.
func (e *ConfigError) WithProvider(name string) *ConfigError {
	e.Provider = name
	return e
}

// WithSeverity sets the error severity.
func (e *ConfigError) WithSeverity(s Severity) *ConfigError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *ConfigError) Error() string {
	var parts []string
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("key=%s", e.Key))
	}
	if e.Provider != "" {
		parts = append(parts, fmt.Sprintf("provider=%s", e.Provider))
	}
	return e.format("config error", parts)
}

// Is checks if this error matches the target.
func (e *ConfigError) Is(target error) bool {
	if _, ok := target.(*ConfigError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ProviderError represents a failed call to a remote LLM provider: either a
// transport failure (cause set, StatusCode zero) or a non-2xx response.
//
// Transport failures, 429 and 5xx responses are retryable.
//
// Example:
//
//	err := errors.NewProviderError("request failed", nil).
//		WithProvider("claude").
//		WithStatus(429, `{"error":"rate limited"}`)
//	fmt.Println(err) // "provider error [provider=claude, status=429]: request failed: {"error":"rate limited"}"
type ProviderError struct {
	baseError
	Provider   string
	Model      string
	StatusCode int
	Body       string
}

// NewProviderError creates a new ProviderError. A non-nil cause marks the
// error as a transport failure, which is retryable.
func NewProviderError(message string, cause error) *ProviderError {
	return &ProviderError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: cause != nil,
		},
	}
}

// WithProvider adds the provider name to the error context.
func (e *ProviderError) WithProvider(name string) *ProviderError {
	e.Provider = name
	return e
}

// WithModel adds the model name to the error context.
func (e *ProviderError) WithModel(model string) *ProviderError {
	e.Model = model
	return e
}

// WithStatus records the HTTP status and response body, and derives
// retryability from the status.
func (e *ProviderError) WithStatus(code int, body string) *ProviderError {
	e.StatusCode = code
	e.Body = body
	e.retryable = RetryableStatus(code)
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *ProviderError) WithRetryable(r bool) *ProviderError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ProviderError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, fmt.Sprintf("provider=%s", e.Provider))
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	msg := e.format("provider error", parts)
	if e.Body != "" && e.cause == nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *ProviderError) Is(target error) bool {
	if _, ok := target.(*ProviderError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RetryableStatus reports whether an HTTP status indicates a transient
// provider condition: 429 or any 5xx.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// MalformedResponseError represents a successful HTTP response whose body
// lacks the fields the provider family requires.
//
// Example:
//
//	err := errors.NewMalformedResponseError("choices[0].message.content", nil).WithProvider("openai")
//	fmt.Println(err) // "malformed response [provider=openai]: missing choices[0].message.content"
type MalformedResponseError struct {
	baseError
	Provider string
	Field    string
}

// NewMalformedResponseError creates a new MalformedResponseError for a
// missing or invalid field.
func NewMalformedResponseError(field string, cause error) *MalformedResponseError {
	return &MalformedResponseError{
		baseError: baseError{
			message:   "missing " + field,
			cause:     cause,
			severity:  SeverityError,
			retryable: false,
		},
		Field: field,
	}
}

// WithProvider adds the provider name to the error context.
func (e *MalformedResponseError) WithProvider(name string) *MalformedResponseError {
	e.Provider = name
	return e
}

// Error returns the formatted error message.
func (e *MalformedResponseError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, fmt.Sprintf("provider=%s", e.Provider))
	}
	return e.format("malformed response", parts)
}

// Is checks if this error matches the target.
func (e *MalformedResponseError) Is(target error) bool {
	if _, ok := target.(*MalformedResponseError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// LedgerError represents a checkpoint ledger failure. Read failures degrade to
// an empty view; write failures are fatal to the run.
//
// Example:
//
//	err := errors.NewLedgerError("append failed", cause).WithRunID("20250101_120000").WithOp("append")
type LedgerError struct {
	baseError
	RunID string
	Path  string
	Op    string
}

// NewLedgerError creates a new LedgerError. Ledger errors are critical by
// default because a lost append would re-bill a completed call on resume.
func NewLedgerError(message string, cause error) *LedgerError {
	return &LedgerError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityCritical,
			retryable: false,
		},
	}
}

// WithRunID adds a run ID to the error context.
func (e *LedgerError) WithRunID(id string) *LedgerError {
	e.RunID = id
	return e
}

// WithPath adds the ledger location to the error context.
func (e *LedgerError) WithPath(path string) *LedgerError {
	e.Path = path
	return e
}

// WithOp adds the ledger operation name to the error context.
func (e *LedgerError) WithOp(op string) *LedgerError {
	e.Op = op
	return e
}

// WithSeverity sets the error severity.
func (e *LedgerError) WithSeverity(s Severity) *LedgerError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *LedgerError) Error() string {
	var parts []string
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	return e.format("ledger error", parts)
}

// Is checks if this error matches the target.
func (e *LedgerError) Is(target error) bool {
	if _, ok := target.(*LedgerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RunError represents a run-level failure. When the run was interrupted the
// error wraps ErrInterrupted and carries the command that resumes it.
//
// Example:
//
//	err := errors.NewRunError("stopped before completion", errors.ErrInterrupted).
//		WithRunID("20250101_120000").
//		WithResumeHint("llmscore run --run-id 20250101_120000")
type RunError struct {
	baseError
	RunID      string
	ResumeHint string
}

// NewRunError creates a new RunError.
func NewRunError(message string, cause error) *RunError {
	return &RunError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: false,
		},
	}
}

// WithRunID adds a run ID to the error context.
func (e *RunError) WithRunID(id string) *RunError {
	e.RunID = id
	return e
}

// WithResumeHint sets the command an operator can use to resume the run.
func (e *RunError) WithResumeHint(hint string) *RunError {
	e.ResumeHint = hint
	return e
}

// WithSeverity sets the error severity.
func (e *RunError) WithSeverity(s Severity) *RunError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *RunError) Error() string {
	var parts []string
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	return e.format("run error", parts)
}

// Is checks if this error matches the target.
func (e *RunError) Is(target error) bool {
	if _, ok := target.(*RunError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("run", "20250101_120000")
//	fmt.Println(err) // "run '20250101_120000' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:   fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:  SeverityWarning,
			retryable: false,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("run id cannot be empty").WithField("run_id")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:   message,
			severity:  SeverityWarning,
			retryable: false,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("calling gemini", 300*time.Second)
//	fmt.Println(err) // "timeout error: calling gemini (timeout: 5m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityWarning,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing ClassifiedError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var classified ClassifiedError
	if As(err, &classified) {
		return classified.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ClassifiedError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var classified ClassifiedError
	if As(err, &classified) {
		return classified.Severity()
	}
	return SeverityError
}

// IsFatal reports whether err must abort a run rather than be recorded as a
// per-task failure. Ledger failures and missing providers are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ledgerErr *LedgerError
	return As(err, &ledgerErr) || Is(err, ErrNoProviders)
}

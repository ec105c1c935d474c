package config

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "run.max_retries")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// providerNameRegex restricts provider names to characters that map cleanly
// onto environment variable names.
var providerNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found.
// Missing API keys are not validation errors; providers without a key are
// skipped with a warning at run time.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateProviders()...)
	errs = append(errs, c.validateRun()...)
	errs = append(errs, c.validateLedger()...)
	errs = append(errs, c.validateInputs()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validateProviders() []ValidationError {
	var errs []ValidationError
	builtins := BuiltinProviders()

	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		field := "providers." + name

		if !providerNameRegex.MatchString(name) {
			errs = append(errs, ValidationError{
				Field:   field,
				Value:   name,
				Message: "provider names must start with a letter and contain only lowercase letters, digits, '-' or '_'",
			})
		}

		family := p.Family
		if family == "" {
			family = builtins[name].Family
		}
		if !slices.Contains(ValidFamilies(), family) {
			errs = append(errs, ValidationError{
				Field:   field + ".family",
				Value:   p.Family,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidFamilies(), ", ")),
			})
		}

		if p.BaseURL != "" {
			if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, ValidationError{
					Field:   field + ".base_url",
					Value:   p.BaseURL,
					Message: "must be an absolute URL",
				})
			}
		}
		if p.Proxy != "" {
			if u, err := url.Parse(p.Proxy); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, ValidationError{
					Field:   field + ".proxy",
					Value:   p.Proxy,
					Message: "must be an absolute URL",
				})
			}
		}
		if p.TimeoutSeconds < 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".timeout_seconds",
				Value:   p.TimeoutSeconds,
				Message: "must be non-negative",
			})
		}
	}
	return errs
}

func (c *Config) validateRun() []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(c.Run.OutputDir) == "" {
		errs = append(errs, ValidationError{
			Field:   "run.output_dir",
			Value:   c.Run.OutputDir,
			Message: "must not be empty",
		})
	}

	for _, name := range c.Run.Providers {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := c.Providers[name]; ok {
			continue
		}
		if _, ok := BuiltinProviders()[name]; ok {
			continue
		}
		errs = append(errs, ValidationError{
			Field:   "run.providers",
			Value:   name,
			Message: "unknown provider",
		})
	}

	if c.Run.RequestTimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{
			Field:   "run.request_timeout_seconds",
			Value:   c.Run.RequestTimeoutSeconds,
			Message: "must be positive",
		})
	}
	if c.Run.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "run.max_retries",
			Value:   c.Run.MaxRetries,
			Message: "must be non-negative",
		})
	}
	if c.Run.RetryBaseDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "run.retry_base_delay_ms",
			Value:   c.Run.RetryBaseDelayMs,
			Message: "must be non-negative",
		})
	}
	if c.Run.RetryMaxDelayMs < c.Run.RetryBaseDelayMs {
		errs = append(errs, ValidationError{
			Field:   "run.retry_max_delay_ms",
			Value:   c.Run.RetryMaxDelayMs,
			Message: "must be at least run.retry_base_delay_ms",
		})
	}
	return errs
}

func (c *Config) validateLedger() []ValidationError {
	if slices.Contains(ValidLedgerBackends(), c.Ledger.Backend) {
		return nil
	}
	return []ValidationError{{
		Field:   "ledger.backend",
		Value:   c.Ledger.Backend,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLedgerBackends(), ", ")),
	}}
}

func (c *Config) validateInputs() []ValidationError {
	var errs []ValidationError
	check := func(field string, patterns []string) {
		for _, p := range patterns {
			if _, err := glob.Compile(p); err != nil {
				errs = append(errs, ValidationError{
					Field:   field,
					Value:   p,
					Message: fmt.Sprintf("invalid glob pattern: %v", err),
				})
			}
		}
	}
	check("inputs.include", c.Inputs.Include)
	check("inputs.exclude", c.Inputs.Exclude)
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}
	return errs
}

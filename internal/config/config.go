package config

import (
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider protocol families.
const (
	FamilyOpenAI    = "openai"
	FamilyAnthropic = "anthropic"
	FamilyGoogle    = "google"
)

// Ledger backends.
const (
	LedgerFile   = "file"
	LedgerSQLite = "sqlite"
)

// Config represents the complete llmscore configuration
type Config struct {
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Run       RunConfig                 `mapstructure:"run" yaml:"run"`
	Ledger    LedgerConfig              `mapstructure:"ledger" yaml:"ledger"`
	Inputs    InputsConfig              `mapstructure:"inputs" yaml:"inputs"`
	Logging   LoggingConfig             `mapstructure:"logging" yaml:"logging"`
}

// ProviderConfig describes one remote LLM endpoint.
type ProviderConfig struct {
	// Family selects the wire protocol: "openai", "anthropic" or "google".
	Family string `mapstructure:"family" yaml:"family"`
	// APIKey authenticates requests. When empty, the <NAME>_API_KEY
	// environment variable is consulted.
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model   string `mapstructure:"model" yaml:"model"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// Proxy is an optional HTTP(S) proxy URL for this provider only.
	Proxy string `mapstructure:"proxy" yaml:"proxy,omitempty"`
	// TimeoutSeconds overrides run.request_timeout_seconds when positive.
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`
}

// RunConfig controls batch execution
type RunConfig struct {
	// OutputDir holds run directories and the sqlite ledger (default: "output")
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	// Providers lists provider names to use, in order. Empty means every
	// provider that has an API key.
	Providers []string `mapstructure:"providers" yaml:"providers"`
	// RequestTimeoutSeconds bounds each provider call (default: 300)
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	// MaxRetries is the number of extra attempts for retryable provider
	// failures (default: 0, no retries)
	MaxRetries       int `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `mapstructure:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`
	// SubjectField names the field filled with the subject derived from the
	// document name when the model omits it. Empty disables it.
	SubjectField string `mapstructure:"subject_field" yaml:"subject_field"`
}

// LedgerConfig selects the checkpoint ledger backend
type LedgerConfig struct {
	// Backend is "file" (JSON per run) or "sqlite" (default: "file")
	Backend string `mapstructure:"backend" yaml:"backend"`
	// SQLitePath defaults to <output_dir>/ledger.db
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path,omitempty"`
}

// InputsConfig locates documents and prompt templates
type InputsConfig struct {
	DocumentsDir string   `mapstructure:"documents_dir" yaml:"documents_dir"`
	PromptsDir   string   `mapstructure:"prompts_dir" yaml:"prompts_dir"`
	Include      []string `mapstructure:"include" yaml:"include"`
	Exclude      []string `mapstructure:"exclude" yaml:"exclude"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug.log is written for each run (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level      string `mapstructure:"level" yaml:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// builtinOrder is the order providers are tried when run.providers is empty.
var builtinOrder = []string{"deepseek", "openai", "claude", "gemini", "qwen", "doubao", "kimi"}

// BuiltinProviders returns the providers llmscore knows without configuration.
func BuiltinProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"deepseek": {Family: FamilyOpenAI, BaseURL: "https://api.deepseek.com", Model: "deepseek-reasoner"},
		"openai":   {Family: FamilyOpenAI, BaseURL: "https://api.openai.com/v1", Model: "gpt-4o"},
		"claude":   {Family: FamilyAnthropic, BaseURL: "https://api.anthropic.com", Model: "claude-sonnet-4-20250514"},
		"gemini":   {Family: FamilyGoogle, BaseURL: "https://generativelanguage.googleapis.com/v1beta", Model: "gemini-2.5-pro-preview-05-06"},
		"qwen":     {Family: FamilyOpenAI, BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", Model: "qwen-plus"},
		"doubao":   {Family: FamilyOpenAI, BaseURL: "https://ark.cn-beijing.volces.com/api/v3", Model: "doubao-1-5-thinking-pro-250415"},
		"kimi":     {Family: FamilyOpenAI, BaseURL: "https://api.moonshot.cn/v1", Model: "moonshot-v1-8k"},
	}
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Providers: BuiltinProviders(),
		Run: RunConfig{
			OutputDir:             "output",
			Providers:             []string{},
			RequestTimeoutSeconds: 300,
			MaxRetries:            0,
			RetryBaseDelayMs:      1000,
			RetryMaxDelayMs:       30000,
			SubjectField:          "student_name",
		},
		Ledger: LedgerConfig{
			Backend: LedgerFile,
		},
		Inputs: InputsConfig{
			DocumentsDir: "documents",
			PromptsDir:   "prompts",
			Include:      []string{"*.md"},
			Exclude:      []string{},
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
	}
}

// RequestTimeout returns the default per-call timeout as a Duration
func (c *RunConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the first retry backoff as a Duration
func (c *RunConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// RetryMaxDelay returns the backoff cap as a Duration
func (c *RunConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

// ResolveSQLitePath returns the sqlite ledger location for the given output directory.
func (c *LedgerConfig) ResolveSQLitePath(outputDir string) string {
	if c.SQLitePath != "" {
		return c.SQLitePath
	}
	return filepath.Join(outputDir, "ledger.db")
}

// SetDefaults registers default values with viper. Every built-in provider
// field is registered so LLMSCORE_PROVIDERS_<NAME>_<FIELD> environment
// variables are honored.
func SetDefaults() {
	defaults := Default()

	for name, p := range defaults.Providers {
		prefix := "providers." + name + "."
		viper.SetDefault(prefix+"family", p.Family)
		viper.SetDefault(prefix+"api_key", p.APIKey)
		viper.SetDefault(prefix+"model", p.Model)
		viper.SetDefault(prefix+"base_url", p.BaseURL)
		viper.SetDefault(prefix+"proxy", p.Proxy)
		viper.SetDefault(prefix+"timeout_seconds", p.TimeoutSeconds)
	}

	viper.SetDefault("run.output_dir", defaults.Run.OutputDir)
	viper.SetDefault("run.providers", defaults.Run.Providers)
	viper.SetDefault("run.request_timeout_seconds", defaults.Run.RequestTimeoutSeconds)
	viper.SetDefault("run.max_retries", defaults.Run.MaxRetries)
	viper.SetDefault("run.retry_base_delay_ms", defaults.Run.RetryBaseDelayMs)
	viper.SetDefault("run.retry_max_delay_ms", defaults.Run.RetryMaxDelayMs)
	viper.SetDefault("run.subject_field", defaults.Run.SubjectField)

	viper.SetDefault("ledger.backend", defaults.Ledger.Backend)
	viper.SetDefault("ledger.sqlite_path", defaults.Ledger.SQLitePath)

	viper.SetDefault("inputs.documents_dir", defaults.Inputs.DocumentsDir)
	viper.SetDefault("inputs.prompts_dir", defaults.Inputs.PromptsDir)
	viper.SetDefault("inputs.include", defaults.Inputs.Include)
	viper.SetDefault("inputs.exclude", defaults.Inputs.Exclude)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "llmscore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".llmscore"
	}
	return filepath.Join(home, ".config", "llmscore")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ResolvedProvider is a provider entry with defaults and environment
// fallbacks applied.
type ResolvedProvider struct {
	Name string
	ProviderConfig
	// Timeout is the effective per-call timeout.
	Timeout time.Duration
}

// ProviderNames returns every configured provider name: built-ins in their
// canonical order, then custom entries sorted by name.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for _, n := range builtinOrder {
		if _, ok := c.Providers[n]; ok {
			names = append(names, n)
		}
	}
	var custom []string
	for n := range c.Providers {
		if !slices.Contains(builtinOrder, n) {
			custom = append(custom, n)
		}
	}
	sort.Strings(custom)
	return append(names, custom...)
}

// ResolveProviders returns the entries for the selected provider names, or
// for all known providers when selected is empty. Missing fields fall back to
// the built-in defaults and a missing API key to the <NAME>_API_KEY variable
// looked up through getenv. Unknown names resolve to an entry with an empty
// Family so callers can report and skip them.
func (c *Config) ResolveProviders(selected []string, getenv func(string) string) []ResolvedProvider {
	if getenv == nil {
		getenv = os.Getenv
	}
	names := selected
	if len(names) == 0 {
		names = c.ProviderNames()
	}

	builtins := BuiltinProviders()
	out := make([]ResolvedProvider, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		pc, ok := c.Providers[name]
		if def, isBuiltin := builtins[name]; isBuiltin {
			pc = mergeProvider(def, pc)
		} else if !ok {
			pc = ProviderConfig{}
		}

		envPrefix := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if pc.APIKey == "" {
			pc.APIKey = getenv(envPrefix + "_API_KEY")
		}
		if v := getenv(envPrefix + "_MODEL"); v != "" && pc.Model == builtins[name].Model {
			pc.Model = v
		}
		if v := getenv(envPrefix + "_BASE_URL"); v != "" && pc.BaseURL == builtins[name].BaseURL {
			pc.BaseURL = v
		}
		if pc.Proxy == "" {
			pc.Proxy = getenv(envPrefix + "_PROXY")
		}

		timeout := c.Run.RequestTimeout()
		if pc.TimeoutSeconds > 0 {
			timeout = time.Duration(pc.TimeoutSeconds) * time.Second
		}
		out = append(out, ResolvedProvider{Name: name, ProviderConfig: pc, Timeout: timeout})
	}
	return out
}

func mergeProvider(def, over ProviderConfig) ProviderConfig {
	if over.Family != "" {
		def.Family = over.Family
	}
	if over.APIKey != "" {
		def.APIKey = over.APIKey
	}
	if over.Model != "" {
		def.Model = over.Model
	}
	if over.BaseURL != "" {
		def.BaseURL = over.BaseURL
	}
	if over.Proxy != "" {
		def.Proxy = over.Proxy
	}
	if over.TimeoutSeconds != 0 {
		def.TimeoutSeconds = over.TimeoutSeconds
	}
	return def
}

// ValidFamilies returns the supported provider protocol families
func ValidFamilies() []string {
	return []string{FamilyOpenAI, FamilyAnthropic, FamilyGoogle}
}

// ValidLedgerBackends returns the supported ledger backends
func ValidLedgerBackends() []string {
	return []string{LedgerFile, LedgerSQLite}
}

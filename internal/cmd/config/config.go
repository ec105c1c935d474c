// Package config provides CLI commands for managing llmscore configuration.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/llmscore/internal/config"
	"github.com/Iron-Ham/llmscore/internal/styles"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View, create or validate llmscore configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration as YAML",
	Long: `Show the effective configuration: defaults, the config file and
LLMSCORE_* environment overrides merged. API keys are masked.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a config file with every option at its default value, at ~/.config/llmscore/config.yaml unless --path is given.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var (
	initPath  string
	initForce bool
)

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configPathCmd)

	configInitCmd.Flags().StringVar(&initPath, "path", "", "Write the config file here instead")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
}

// Register adds all config-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	var cfg appconfig.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# config file: (none, using defaults)")
	}
	return writeYAML(out, maskKeys(cfg))
}

// maskKeys hides all but the last four characters of every API key.
func maskKeys(cfg appconfig.Config) appconfig.Config {
	masked := make(map[string]appconfig.ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if n := len(p.APIKey); n > 0 {
			if n > 8 {
				p.APIKey = "****" + p.APIKey[n-4:]
			} else {
				p.APIKey = "****"
			}
		}
		masked[name] = p
	}
	cfg.Providers = masked
	return cfg
}

func writeYAML(w io.Writer, v any) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

const configHeader = `# llmscore configuration
#
# Every key can be overridden with an LLMSCORE_ environment variable, e.g.
# LLMSCORE_RUN_OUTPUT_DIR for run.output_dir. Provider API keys are read from
# providers.<name>.api_key or, when empty, from <NAME>_API_KEY.
#
# ledger.backend: "file" keeps runs/<id>/ledger.json; "sqlite" keeps one
# database at ledger.sqlite_path (default <output_dir>/ledger.db).

`

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := initPath
	if path == "" {
		path = appconfig.ConfigFile()
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	if err := writeYAML(&buf, appconfig.Default()); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	var cfg appconfig.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	out := cmd.OutOrStdout()
	errs := cfg.Validate()
	if len(errs) == 0 {
		fmt.Fprintln(out, styles.Success.Render("Configuration is valid."))
		return nil
	}
	for _, e := range errs {
		fmt.Fprintln(out, styles.Error.Render("✗ ")+e.Error())
	}
	return appconfig.ValidationErrors(errs)
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path := viper.ConfigFileUsed()
	if path == "" {
		path = appconfig.ConfigFile()
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

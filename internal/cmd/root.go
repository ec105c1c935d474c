package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/llmscore/internal/cmd/config"
	appconfig "github.com/Iron-Ham/llmscore/internal/config"
	"github.com/Iron-Ham/llmscore/internal/errors"
)

// EnvPrefix prefixes every environment variable that overrides a config key.
const EnvPrefix = "LLMSCORE"

var rootCmd = &cobra.Command{
	Use:   "llmscore",
	Short: "Score documents with several LLM providers, resumably",
	Long: `llmscore scores every document against every prompt with every configured
LLM provider. Each result is written to a ledger as soon as it arrives, so an
interrupted run can be resumed without repeating finished calls.`,
	SilenceUsage: true,
}

// Process exit codes.
const (
	ExitOK = 0
	// ExitError covers invalid input and per-command failures.
	ExitError = 1
	// ExitAborted means the run stopped on a ledger failure or had no usable
	// provider. The ledger still holds every result written before it.
	ExitAborted = 2
	// ExitInterrupted means the run was canceled and can be resumed.
	ExitInterrupted = 130
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errors.ErrInterrupted):
		return ExitInterrupted
	case errors.IsFatal(err) || errors.GetSeverity(err) >= errors.SeverityCritical:
		return ExitAborted
	default:
		return ExitError
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./config.yaml or $HOME/.config/llmscore/config.yaml)")
	bindRootFlags()

	config.Register(rootCmd)
}

func bindRootFlags() {
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Defaults first so they apply without a config file
	appconfig.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(appconfig.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(EnvPrefix)
	// LLMSCORE_RUN_OUTPUT_DIR for run.output_dir
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine
	_ = viper.ReadInConfig()
}

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appconfig "github.com/Iron-Ham/llmscore/internal/config"
	"github.com/Iron-Ham/llmscore/internal/event"
	"github.com/Iron-Ham/llmscore/internal/ledger"
	"github.com/Iron-Ham/llmscore/internal/loader"
	"github.com/Iron-Ham/llmscore/internal/logging"
	"github.com/Iron-Ham/llmscore/internal/matrix"
	"github.com/Iron-Ham/llmscore/internal/provider"
	"github.com/Iron-Ham/llmscore/internal/retry"
	"github.com/Iron-Ham/llmscore/internal/run"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Score every document with every prompt and provider",
	Long: `Score every document with every prompt and provider.

Each result is appended to the run's ledger as soon as it arrives. If the run
is interrupted (Ctrl+C, crash, lost connection), resume it and only the
missing tasks are sent:

  llmscore run --resume            # the most recent unfinished run
  llmscore run --run-id <id>       # a specific run

Examples:
  llmscore run --providers deepseek,claude
  llmscore run --docs essays/ --prompt rubric.txt
  llmscore run --prompts essay,style`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runResume    bool
	runID        string
	runProviders []string
	runDocsDir   string
	runPrompts   []string
	runPrompt    string
	runOutputDir string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runResume, "resume", false, "Resume the most recent unfinished run")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Resume (or create) the run with this ID")
	runCmd.Flags().StringSliceVar(&runProviders, "providers", nil, "Providers to use, in order (default: run.providers, or every provider with an API key)")
	runCmd.Flags().StringVar(&runDocsDir, "docs", "", "Documents directory (default: inputs.documents_dir)")
	runCmd.Flags().StringSliceVar(&runPrompts, "prompts", nil, "Prompt names to use from the prompts directory (default: all)")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "Use this single prompt file instead of the prompts directory")
	runCmd.Flags().StringVar(&runOutputDir, "output-dir", "", "Directory for run data (default: run.output_dir)")
	runCmd.MarkFlagsMutuallyExclusive("resume", "run-id")
	runCmd.MarkFlagsMutuallyExclusive("prompt", "prompts")
	bindRunFlags()
}

func bindRunFlags() {
	_ = viper.BindPFlag("run.output_dir", runCmd.Flags().Lookup("output-dir"))
	_ = viper.BindPFlag("inputs.documents_dir", runCmd.Flags().Lookup("docs"))
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	inputs, err := loadInputs(cfg, afero.NewOsFs())
	if err != nil {
		return err
	}

	selected := runProviders
	if len(selected) == 0 {
		selected = cfg.Run.Providers
	}
	specs := providerSpecs(cfg, selected)
	clients, skipped, err := provider.NewClients(specs, nil)
	if err != nil {
		for _, s := range skipped {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %v\n", s.Name, s.Reason)
		}
		return err
	}

	l, err := ledger.Open(cfg.Ledger, cfg.Run.OutputDir, nil)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus(nil)
	renderer := newProgressRenderer(cmd.OutOrStdout())
	renderer.attach(bus)

	controller := run.NewController(run.Config{
		Ledger:    l,
		OutputDir: cfg.Run.OutputDir,
		Bus:       bus,
		RunLogger: runLoggerFactory(cfg.Logging),
	})

	// After the first interrupt the default signal behavior is restored, so a
	// second one exits without waiting for in-flight calls.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		stop()
		fmt.Fprintln(cmd.ErrOrStderr(), "\nInterrupted: waiting for in-flight calls to finish (Ctrl+C again to quit now)")
	}()

	sum, runErr := controller.Execute(ctx, run.Options{
		RunID:     runID,
		Resume:    runResume,
		Documents: inputs.docs,
		Prompts:   inputs.prompts,
		Clients:   clients,
		Skipped:   skipped,

		SubjectField: cfg.Run.SubjectField,
		Retry: retry.Policy{
			MaxRetries: cfg.Run.MaxRetries,
			BaseDelay:  cfg.Run.RetryBaseDelay(),
			MaxDelay:   cfg.Run.RetryMaxDelay(),
		},
	})
	renderer.detach(bus)
	printSummary(cmd.OutOrStdout(), sum, runErr)
	return runErr
}

type runInputs struct {
	docs    []matrix.Document
	prompts []matrix.Prompt
}

// loadInputs reads documents and prompts per the config and flags.
func loadInputs(cfg *appconfig.Config, fs afero.Fs) (runInputs, error) {
	ld, err := loader.New(fs, cfg.Inputs.Include, cfg.Inputs.Exclude, nil)
	if err != nil {
		return runInputs{}, err
	}
	docs, err := ld.Documents(cfg.Inputs.DocumentsDir)
	if err != nil {
		return runInputs{}, err
	}

	var prompts []matrix.Prompt
	if runPrompt != "" {
		p, err := ld.Prompt(runPrompt)
		if err != nil {
			return runInputs{}, err
		}
		prompts = []matrix.Prompt{p}
	} else {
		prompts, err = ld.Prompts(cfg.Inputs.PromptsDir, runPrompts)
		if err != nil {
			return runInputs{}, err
		}
	}
	return runInputs{docs: docs, prompts: prompts}, nil
}

func providerSpecs(cfg *appconfig.Config, selected []string) []provider.Spec {
	resolved := cfg.ResolveProviders(selected, os.Getenv)
	specs := make([]provider.Spec, len(resolved))
	for i, r := range resolved {
		specs[i] = provider.SpecFromConfig(r)
	}
	return specs
}

// runLoggerFactory opens debug.log in each run directory, or nothing when
// logging is disabled.
func runLoggerFactory(cfg appconfig.LoggingConfig) func(string) (*logging.Logger, error) {
	if !cfg.Enabled {
		return nil
	}
	rotation := logging.RotationConfig{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
	return func(runDir string) (*logging.Logger, error) {
		return logging.NewLoggerWithRotation(filepath.Clean(runDir), cfg.Level, rotation)
	}
}

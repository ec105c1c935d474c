package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	appconfig "github.com/Iron-Ham/llmscore/internal/config"
	"github.com/Iron-Ham/llmscore/internal/provider"
	"github.com/Iron-Ham/llmscore/internal/styles"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers and whether they can be used",
	Long: `List every configured provider with its protocol family, model and
endpoint, and whether a run would use it. A provider is unusable when it has
no API key (set <NAME>_API_KEY or providers.<name>.api_key) or an unknown
family.`,
	Args: cobra.NoArgs,
	RunE: runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	printProviders(cmd.OutOrStdout(), cfg.ResolveProviders(cfg.Run.Providers, os.Getenv))
	return nil
}

func printProviders(w io.Writer, resolved []appconfig.ResolvedProvider) {
	fmt.Fprintln(w, styles.Title.Render("Providers"))
	usable := 0
	for _, r := range resolved {
		status := styles.Status("ok")
		if _, err := provider.New(provider.SpecFromConfig(r)); err != nil {
			status = styles.Error.Render(err.Error())
		} else {
			usable++
		}
		family := r.Family
		if family == "" {
			family = "?"
		}
		fmt.Fprintf(w, "%-10s %-10s %-32s %s\n", r.Name, family, r.Model, r.BaseURL)
		fmt.Fprintf(w, "           %s\n", status)
	}
	fmt.Fprintf(w, "\n%d of %d providers usable\n", usable, len(resolved))
}

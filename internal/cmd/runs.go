package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	appconfig "github.com/Iron-Ham/llmscore/internal/config"
	"github.com/Iron-Ham/llmscore/internal/errors"
	"github.com/Iron-Ham/llmscore/internal/ledger"
	"github.com/Iron-Ham/llmscore/internal/logging"
	"github.com/Iron-Ham/llmscore/internal/run"
	"github.com/Iron-Ham/llmscore/internal/styles"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and clean up runs",
	Long:  `Commands for listing runs, showing their results and logs, and removing finished runs.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Long: `List runs with their status:
- live: the run has a liveness marker and can be resumed
- complete: every task was attempted`,
	Args: cobra.NoArgs,
	RunE: runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's results",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the data of completed runs",
	Long: `Remove the ledger and logs of completed runs.

Runs that still have a liveness marker are kept, since the marker is what
makes them resumable. Use --run to remove a single run.`,
	Args: cobra.NoArgs,
	RunE: runRunsClean,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Show a run's debug log",
	Long: `Show and filter a run's debug log.

Examples:
  llmscore runs logs 20250101_120000 --level warn
  llmscore runs logs 20250101_120000 --provider deepseek --since 10m`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsLogs,
}

var (
	showJSON bool

	cleanRunID  string
	cleanDryRun bool

	logsLevel    string
	logsSince    time.Duration
	logsProvider string
	logsTask     string
	logsGrep     string
	logsFormat   string
	logsTail     int
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsCleanCmd)
	runsCmd.AddCommand(runsLogsCmd)

	runsShowCmd.Flags().BoolVar(&showJSON, "json", false, "Print results as JSON")

	runsCleanCmd.Flags().StringVar(&cleanRunID, "run", "", "Remove only this run")
	runsCleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "List what would be removed")

	runsLogsCmd.Flags().StringVar(&logsLevel, "level", "", "Minimum level (debug/info/warn/error)")
	runsLogsCmd.Flags().DurationVar(&logsSince, "since", 0, "Only entries newer than this (e.g. 30m)")
	runsLogsCmd.Flags().StringVar(&logsProvider, "provider", "", "Only entries for this provider")
	runsLogsCmd.Flags().StringVar(&logsTask, "task", "", "Only entries for this prompt/document")
	runsLogsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only entries whose message contains this text")
	runsLogsCmd.Flags().StringVar(&logsFormat, "format", "text", "Output format: text or json")
	runsLogsCmd.Flags().IntVarP(&logsTail, "tail", "n", 0, "Show only the last N entries (0 for all)")
}

func openLedger() (*appconfig.Config, ledger.Ledger, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	l, err := ledger.Open(cfg.Ledger, cfg.Run.OutputDir, nil)
	if err != nil {
		return nil, nil, err
	}
	return cfg, l, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	_, l, err := openLedger()
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	runs, err := l.ListRuns(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		fmt.Fprintln(out, "Run 'llmscore run' to start one.")
		return nil
	}
	printRunList(out, runs)
	return nil
}

func printRunList(w io.Writer, runs []ledger.RunInfo) {
	fmt.Fprintln(w, styles.Title.Render("Runs"))
	fmt.Fprintf(w, "%-24s %-10s %-9s %-7s %s\n", "ID", "STATUS", "RESULTS", "ERRORS", "PROVIDERS")
	for _, r := range runs {
		status := "complete"
		if r.Live {
			status = "live"
		} else if r.FinishedAt == nil {
			status = "unknown"
		}
		results := fmt.Sprintf("%d/%d", r.Results, r.Total)
		fmt.Fprintf(w, "%-24s %s %-9s %-7d %s\n",
			r.ID,
			styles.Status(status)+strings.Repeat(" ", max(10-len(status), 0)),
			results,
			r.Errors,
			strings.Join(r.Providers, ","))
	}
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	_, l, err := openLedger()
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	info, err := l.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	results, err := l.LoadResults(cmd.Context(), info.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if showJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if results == nil {
			results = []ledger.Result{}
		}
		return enc.Encode(results)
	}
	printRunDetail(out, info, results, l.Location(info.ID))
	return nil
}

func printRunDetail(w io.Writer, info ledger.RunInfo, results []ledger.Result, location string) {
	status := "complete"
	if info.Live {
		status = "live"
	}
	fmt.Fprintln(w, styles.KV("run", styles.Value.Render(info.ID)+" "+styles.Status(status)))
	if !info.CreatedAt.IsZero() {
		fmt.Fprintln(w, styles.KV("created", info.CreatedAt.Local().Format(time.DateTime)))
	}
	if info.FinishedAt != nil {
		fmt.Fprintln(w, styles.KV("finished", info.FinishedAt.Local().Format(time.DateTime)))
	}
	fmt.Fprintln(w, styles.KV("prompts", strings.Join(info.Prompts, ", ")))
	fmt.Fprintln(w, styles.KV("providers", strings.Join(info.Providers, ", ")))
	fmt.Fprintln(w, styles.KV("results", fmt.Sprintf("%d of %d tasks", len(results), info.Total)))
	fmt.Fprintln(w, styles.KV("ledger", location))
	if info.Live {
		fmt.Fprintln(w, styles.KV("resume", styles.Command.Render(fmt.Sprintf(run.ResumeCommand, info.ID))))
	}
	fmt.Fprintln(w)

	for _, r := range results {
		line := fmt.Sprintf("%s %s", styles.Status(resultStatus(r)), r.Key())
		if r.Failed() {
			line += ": " + styles.Truncate(r.Error, 80)
		} else {
			line += " " + styles.Muted.Render(styles.Truncate(fieldSummary(r.Fields), 80))
		}
		fmt.Fprintln(w, line)
	}
}

func resultStatus(r ledger.Result) string {
	if r.Failed() {
		return "failed"
	}
	return "ok"
}

// fieldSummary renders fields as sorted key=value pairs.
func fieldSummary(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		v, err := json.Marshal(fields[k])
		if err != nil {
			v = []byte(fmt.Sprint(fields[k]))
		}
		parts[i] = k + "=" + string(v)
	}
	return strings.Join(parts, " ")
}

func runRunsClean(cmd *cobra.Command, args []string) error {
	_, l, err := openLedger()
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	var targets []ledger.RunInfo
	if cleanRunID != "" {
		info, err := l.GetRun(cmd.Context(), cleanRunID)
		if err != nil {
			return err
		}
		targets = []ledger.RunInfo{info}
	} else {
		targets, err = l.ListRuns(cmd.Context())
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	removed, kept := 0, 0
	for _, info := range targets {
		if info.Live {
			kept++
			fmt.Fprintf(out, "%s %s (resumable; finish it with '%s')\n",
				styles.Status("live"), info.ID, fmt.Sprintf(run.ResumeCommand, info.ID))
			continue
		}
		if cleanDryRun {
			fmt.Fprintf(out, "would remove %s\n", info.ID)
			removed++
			continue
		}
		if err := l.DeleteRun(cmd.Context(), info.ID); err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %s\n", info.ID)
		removed++
	}

	if cleanRunID != "" && kept > 0 {
		return errors.NewValidationError("run is live and was not removed").WithField("run").WithValue(cleanRunID)
	}
	verb := "Removed"
	if cleanDryRun {
		verb = "Would remove"
	}
	fmt.Fprintf(out, "%s %d run(s), kept %d live run(s).\n", verb, removed, kept)
	return nil
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := ledger.ValidateRunID(args[0]); err != nil {
		return err
	}
	st := run.State{RunID: args[0], OutputDir: cfg.Run.OutputDir}
	entries, err := logging.ReadRunLog(st.RunDir())
	if err != nil {
		return err
	}

	filter := logging.LogFilter{
		Level:           logsLevel,
		Provider:        logsProvider,
		Task:            logsTask,
		MessageContains: logsGrep,
	}
	if logsSince > 0 {
		filter.Since = time.Now().Add(-logsSince)
	}
	entries = logging.FilterLogs(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	return logging.WriteEntries(cmd.OutOrStdout(), entries, logsFormat)
}

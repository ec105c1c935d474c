// Package run drives one scoring run end to end: it resolves which run to
// execute, marks it live, dispatches the tasks the ledger has not seen and
// clears the liveness marker once every task has been attempted.
package run

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/llmscore/internal/errors"
	"github.com/Iron-Ham/llmscore/internal/event"
	"github.com/Iron-Ham/llmscore/internal/ledger"
	"github.com/Iron-Ham/llmscore/internal/logging"
	"github.com/Iron-Ham/llmscore/internal/matrix"
	"github.com/Iron-Ham/llmscore/internal/provider"
	"github.com/Iron-Ham/llmscore/internal/retry"
	"github.com/Iron-Ham/llmscore/internal/scheduler"
)

// ResumeCommand is the operator command that resumes a run, formatted with
// the run ID.
const ResumeCommand = "llmscore run --run-id %s"

// State identifies the run being executed. It is passed by value; nothing
// in the engine reads run state from globals.
type State struct {
	RunID     string
	OutputDir string
	// Live reports whether the liveness marker is held.
	Live bool
	// Resumed is true when the run existed before this invocation.
	Resumed bool
}

// RunDir returns the directory holding the run's log.
func (s State) RunDir() string {
	return filepath.Join(s.OutputDir, ledger.RunsDirName, s.RunID)
}

// Summary reports what an Execute call did.
type Summary struct {
	State
	// Total is the size of the task matrix.
	Total int
	// Skipped counts tasks already present in the ledger.
	Skipped int
	// Processed counts results appended by this invocation.
	Processed int
	// Errors counts appended results that carry an error.
	Errors int
	// Remaining counts tasks of this invocation that were never attempted.
	Remaining int
	// Retried lists the keys of tasks that needed more than one attempt.
	Retried    []string
	LedgerPath string
	Duration   time.Duration
}

// Options are the inputs of one run.
type Options struct {
	// RunID resumes (or creates) the named run.
	RunID string
	// Resume continues the most recent run that still has a liveness marker
	// when RunID is empty. Without one a fresh run starts.
	Resume bool

	Documents []matrix.Document
	Prompts   []matrix.Prompt
	Clients   []provider.Client
	// Skipped lists configured providers that could not be used; they are
	// reported, not run.
	Skipped []provider.Skipped

	SubjectField string
	Retry        retry.Policy
}

// Config configures a Controller.
type Config struct {
	Ledger    ledger.Ledger
	OutputDir string
	Bus       *event.Bus
	Logger    *logging.Logger
	// RunLogger opens the per-run log in the run directory. Nil logs every
	// run through Logger.
	RunLogger func(runDir string) (*logging.Logger, error)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Controller executes runs against a ledger.
type Controller struct {
	cfg Config
}

// NewController creates a Controller.
func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Bus == nil {
		cfg.Bus = event.NewBus(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{cfg: cfg}
}

// Bus returns the bus run events are published on.
func (c *Controller) Bus() *event.Bus {
	return c.cfg.Bus
}

// Resolve picks the run an invocation works on: the explicit run ID, else
// the most recent resumable run when opts.Resume is set, else a new
// timestamped run.
func (c *Controller) Resolve(ctx context.Context, opts Options) (State, error) {
	st := State{OutputDir: c.cfg.OutputDir}

	if opts.RunID != "" {
		if err := ledger.ValidateRunID(opts.RunID); err != nil {
			return st, err
		}
		st.RunID = opts.RunID
		_, err := c.cfg.Ledger.GetRun(ctx, opts.RunID)
		switch {
		case err == nil:
			st.Resumed = true
		case !errors.Is(err, errors.ErrRunNotFound):
			return st, err
		}
		return st, nil
	}

	if opts.Resume {
		id, ok, err := c.cfg.Ledger.FindResumableRun(ctx)
		if err != nil {
			return st, err
		}
		if ok {
			st.RunID = id
			st.Resumed = true
			return st, nil
		}
		c.cfg.Logger.Info("no resumable run found, starting a new run")
	}

	id, err := ledger.NewRunID(ctx, c.cfg.Ledger, c.cfg.Now())
	if err != nil {
		return st, err
	}
	st.RunID = id
	return st, nil
}

// Execute runs every task of the matrix that the ledger does not already
// hold. On cancellation it stops between groups, leaves the liveness marker
// and returns a *errors.RunError wrapping errors.ErrInterrupted. A ledger
// write failure aborts the run the same way with the write error as cause.
// The summary is valid whenever the run was resolved.
func (c *Controller) Execute(ctx context.Context, opts Options) (Summary, error) {
	if err := validateInputs(opts); err != nil {
		return Summary{}, err
	}

	st, err := c.Resolve(ctx, opts)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{State: st, LedgerPath: c.cfg.Ledger.Location(st.RunID)}

	logger := c.cfg.Logger
	if c.cfg.RunLogger != nil {
		runLogger, err := c.cfg.RunLogger(st.RunDir())
		if err != nil {
			return sum, fmt.Errorf("failed to open run log: %w", err)
		}
		defer func() { _ = runLogger.Close() }()
		logger = runLogger
	}
	logger = logger.WithRun(st.RunID)

	done := c.cfg.Ledger.LoadCompletedKeys(ctx, st.RunID)

	if err := c.cfg.Ledger.MarkRunLive(ctx, st.RunID); err != nil {
		return sum, err
	}
	sum.Live = true

	providers := make([]string, len(opts.Clients))
	for i, cl := range opts.Clients {
		providers[i] = cl.Name()
	}
	promptNames := make([]string, len(opts.Prompts))
	for i, p := range opts.Prompts {
		promptNames[i] = p.Name
	}

	tasks := matrix.Enumerate(opts.Documents, opts.Prompts, providers)
	pending := matrix.Pending(tasks, done)
	sum.Total = len(tasks)
	sum.Skipped = len(tasks) - len(pending)

	info, err := c.cfg.Ledger.GetRun(ctx, st.RunID)
	if err != nil && !errors.Is(err, errors.ErrRunNotFound) {
		return sum, err
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = c.cfg.Now().UTC()
	}
	info.ID = st.RunID
	info.FinishedAt = nil
	info.Prompts = promptNames
	info.Providers = providers
	info.Documents = len(opts.Documents)
	info.Total = len(tasks)
	if err := c.cfg.Ledger.SaveRun(ctx, info); err != nil {
		return sum, err
	}

	for _, s := range opts.Skipped {
		logger.WithProvider(s.Name).Warn("provider skipped", "reason", s.Reason.Error())
		c.cfg.Bus.Publish(event.NewProviderSkippedEvent(s.Name, s.Reason.Error()))
	}
	logger.Info("run started",
		"resumed", st.Resumed,
		"total", sum.Total,
		"skipped", sum.Skipped,
		"providers", providers,
		"ledger", sum.LedgerPath)
	c.cfg.Bus.Publish(event.NewRunStartedEvent(st.RunID, st.Resumed, sum.Total, sum.Skipped, providers))

	start := c.cfg.Now()
	writer := ledger.NewWriter(c.cfg.Ledger, st.RunID)
	retries := retry.NewManager(opts.Retry)
	sched := scheduler.New(scheduler.Options{
		Retry:        retries,
		SubjectField: opts.SubjectField,
		Logger:       logger,
		Progress: func(current, total int, desc string) {
			c.cfg.Bus.Publish(event.NewProgressEvent(st.RunID, current, total, desc))
		},
	})
	sink := func(ctx context.Context, r ledger.Result) error {
		if err := writer.Append(ctx, r); err != nil {
			return err
		}
		c.cfg.Bus.Publish(event.NewTaskCompletedEvent(st.RunID, r.Key(), r.ModelName, r.Error, r.Attempts, r.RecordedAt.Sub(start)))
		return nil
	}

	stats, runErr := sched.Run(ctx, pending, opts.Documents, opts.Prompts, opts.Clients, sink)
	_ = writer.Close()

	sum.Processed = writer.Appended()
	sum.Errors = stats.Failed
	counts := sched.Counts()
	sum.Remaining = counts[scheduler.StatePending] + counts[scheduler.StateInFlight]
	sum.Retried = retries.Retried()
	sum.Duration = c.cfg.Now().Sub(start)
	info.Processed += sum.Processed
	info.Errors += sum.Errors

	if runErr != nil {
		interrupted := ctx.Err() != nil && errors.Is(runErr, ctx.Err())
		// Detached so the bookkeeping survives the cancellation it records.
		bg := context.WithoutCancel(ctx)
		if err := c.cfg.Ledger.SaveRun(bg, info); err != nil {
			logger.Warn("failed to save run info", "error", err.Error())
		}
		c.cfg.Bus.Publish(event.NewRunFinishedEvent(st.RunID, sum.Total, sum.Skipped, sum.Processed, sum.Errors, true, sum.Duration))

		hint := fmt.Sprintf(ResumeCommand, st.RunID)
		if interrupted {
			logger.Warn("run interrupted", "processed", sum.Processed, "remaining", sum.Remaining)
			return sum, errors.NewRunError("run interrupted before all tasks were dispatched", errors.ErrInterrupted).
				WithRunID(st.RunID).
				WithResumeHint(hint)
		}
		logger.Error("run aborted", "error", runErr.Error())
		return sum, errors.NewRunError("run aborted", runErr).
			WithRunID(st.RunID).
			WithResumeHint(hint).
			WithSeverity(errors.SeverityCritical)
	}

	if err := c.cfg.Ledger.MarkRunComplete(ctx, st.RunID); err != nil {
		return sum, err
	}
	sum.Live = false

	finished := c.cfg.Now().UTC()
	info.FinishedAt = &finished
	if err := c.cfg.Ledger.SaveRun(ctx, info); err != nil {
		logger.Warn("failed to save run info", "error", err.Error())
	}

	logger.Info("run finished",
		"processed", sum.Processed,
		"errors", sum.Errors,
		"retried", len(sum.Retried),
		"duration_ms", sum.Duration.Milliseconds())
	c.cfg.Bus.Publish(event.NewRunFinishedEvent(st.RunID, sum.Total, sum.Skipped, sum.Processed, sum.Errors, false, sum.Duration))
	return sum, nil
}

// validateInputs rejects empty or ambiguous inputs before anything is
// persisted.
func validateInputs(opts Options) error {
	if len(opts.Documents) == 0 {
		return errors.ErrNoDocuments
	}
	if len(opts.Prompts) == 0 {
		return errors.ErrNoPrompts
	}
	if len(opts.Clients) == 0 {
		return errors.NewConfigError("no provider to run", errors.ErrNoProviders)
	}

	seen := make(map[string]bool)
	check := func(kind, name string) error {
		if name == "" {
			return errors.NewValidationError(kind + " has no name")
		}
		if seen[kind+"\x00"+name] {
			return errors.NewValidationError("duplicate " + kind + " name").WithValue(name)
		}
		seen[kind+"\x00"+name] = true
		return nil
	}
	for _, d := range opts.Documents {
		if err := check("document", d.Name); err != nil {
			return err
		}
	}
	for _, p := range opts.Prompts {
		if err := check("prompt", p.Name); err != nil {
			return err
		}
	}
	for _, cl := range opts.Clients {
		if err := check("provider", cl.Name()); err != nil {
			return err
		}
	}
	return nil
}

package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/Iron-Ham/llmscore/internal/config"
	"github.com/Iron-Ham/llmscore/internal/errors"
	"github.com/Iron-Ham/llmscore/internal/logging"
	"github.com/Iron-Ham/llmscore/internal/matrix"
)

// Key identifies a task result.
type Key = matrix.Key

// Result is the persisted outcome of one task. Exactly one of Fields and
// Error is set.
type Result struct {
	DocumentName string `json:"document_name"`
	PromptName   string `json:"prompt_name"`
	ProviderName string `json:"provider_name"`
	ModelName    string `json:"model_name"`
	// Fields is the parsed JSON object the model returned. Null on failure.
	Fields   map[string]any `json:"fields"`
	Thinking string         `json:"thinking,omitempty"`
	Error    string         `json:"error,omitempty"`

	RecordID   string    `json:"record_id"`
	RecordedAt time.Time `json:"recorded_at"`
	Attempts   int       `json:"attempts,omitempty"`
}

// Key returns the task key of the result.
func (r Result) Key() Key {
	return Key{Document: r.DocumentName, Prompt: r.PromptName, Provider: r.ProviderName}
}

// Failed reports whether the task ended in an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Validate checks that the result is addressable and that exactly one of
// Fields and Error is set.
func (r Result) Validate() error {
	if r.DocumentName == "" || r.PromptName == "" || r.ProviderName == "" {
		return errors.NewValidationError("result key is incomplete").WithValue(r.Key().String())
	}
	if (r.Fields == nil) == (r.Error == "") {
		return errors.NewValidationError("exactly one of fields and error must be set").WithValue(r.Key().String())
	}
	return nil
}

// RunInfo is the metadata of one run.
type RunInfo struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Prompts    []string   `json:"prompts"`
	Providers  []string   `json:"providers"`
	Documents  int        `json:"documents"`
	Total      int        `json:"total"`
	Processed  int        `json:"processed"`
	Errors     int        `json:"errors"`

	// Live is true while the run's liveness marker exists.
	Live bool `json:"-"`
	// Results is the number of distinct keys in the ledger.
	Results int `json:"-"`
}

// Ledger persists results and liveness for runs.
type Ledger interface {
	// MarkRunLive creates the liveness marker for runID. Calling it again
	// from the same process is a no-op. It fails with errors.ErrRunLocked
	// when a live process other than this one holds the marker.
	MarkRunLive(ctx context.Context, runID string) error
	// MarkRunComplete removes the liveness marker.
	MarkRunComplete(ctx context.Context, runID string) error
	// FindResumableRun returns the most recent run that still has a
	// liveness marker not held by another live process.
	FindResumableRun(ctx context.Context) (string, bool, error)
	// LoadCompletedKeys returns the keys of every result stored for runID.
	// Missing or corrupt data yields an empty set.
	LoadCompletedKeys(ctx context.Context, runID string) map[Key]struct{}
	// Append durably stores one result before returning.
	Append(ctx context.Context, runID string, r Result) error
	// LoadResults returns one result per key, the last one written, in the
	// order keys were first appended.
	LoadResults(ctx context.Context, runID string) ([]Result, error)

	// SaveRun creates or replaces the metadata of a run.
	SaveRun(ctx context.Context, info RunInfo) error
	// GetRun returns a run's metadata, or errors.ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (RunInfo, error)
	// ListRuns returns every known run, newest first.
	ListRuns(ctx context.Context) ([]RunInfo, error)
	// DeleteRun removes every record of a run.
	DeleteRun(ctx context.Context, runID string) error

	// Location describes where runID's results are stored.
	Location(runID string) string
	Close() error
}

// RunIDLayout is the time layout of generated run IDs.
const RunIDLayout = "20060102_150405"

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateRunID rejects IDs that cannot name a directory safely.
func ValidateRunID(id string) error {
	if !runIDPattern.MatchString(id) || len(id) > 128 {
		return errors.NewValidationError("invalid run id").WithField("run_id").WithValue(id)
	}
	return nil
}

// NewRunID returns a timestamp run ID for now that no existing run uses,
// appending -2, -3, ... on collision.
func NewRunID(ctx context.Context, l Ledger, now time.Time) (string, error) {
	base := now.Format(RunIDLayout)
	for i := 1; ; i++ {
		id := base
		if i > 1 {
			id = fmt.Sprintf("%s-%d", base, i)
		}
		_, err := l.GetRun(ctx, id)
		if errors.Is(err, errors.ErrRunNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// Open returns the ledger backend selected by cfg.
func Open(cfg config.LedgerConfig, outputDir string, logger *logging.Logger) (Ledger, error) {
	switch cfg.Backend {
	case "", config.LedgerFile:
		return NewFileLedger(filepath.Join(outputDir, RunsDirName), logger)
	case config.LedgerSQLite:
		return NewSQLiteLedger(cfg.ResolveSQLitePath(outputDir), logger)
	default:
		return nil, errors.NewConfigError(fmt.Sprintf("unknown ledger backend %q", cfg.Backend), nil).WithKey("ledger.backend")
	}
}

// lastWriteWins collapses results to one per key, keeping the last written
// value at the position of the key's first appearance.
func lastWriteWins(results []Result) []Result {
	index := make(map[Key]int, len(results))
	out := make([]Result, 0, len(results))
	for _, r := range results {
		k := r.Key()
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}

func keysOf(results []Result) map[Key]struct{} {
	keys := make(map[Key]struct{}, len(results))
	for _, r := range results {
		keys[r.Key()] = struct{}{}
	}
	return keys
}

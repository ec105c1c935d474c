package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/llmscore/internal/errors"
	"github.com/Iron-Ham/llmscore/internal/logging"
)

// File names inside a file ledger.
const (
	RunsDirName    = "runs"
	LedgerFileName = "ledger.json"
	RunFileName    = "run.json"
)

// FileLedger stores each run in its own directory under root. The results of
// a run are a single JSON array rewritten atomically on every append.
type FileLedger struct {
	root   string
	logger *logging.Logger

	// mu serializes read-modify-write cycles within the process; the flock
	// in each run directory covers other processes.
	mu sync.Mutex
}

var _ Ledger = (*FileLedger)(nil)

// NewFileLedger creates root if needed and returns a ledger over it.
func NewFileLedger(root string, logger *logging.Logger) (*FileLedger, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.NewLedgerError("failed to create runs directory", err).WithPath(root).WithOp("open")
	}
	return &FileLedger{root: root, logger: logger}, nil
}

// Root returns the directory holding run directories.
func (l *FileLedger) Root() string {
	return l.root
}

// RunDir returns the directory of runID.
func (l *FileLedger) RunDir(runID string) string {
	return filepath.Join(l.root, runID)
}

func (l *FileLedger) ledgerPath(runID string) string {
	return filepath.Join(l.RunDir(runID), LedgerFileName)
}

func (l *FileLedger) markerPath(runID string) string {
	return filepath.Join(l.RunDir(runID), MarkerFileName)
}

// Location returns the path of runID's ledger.json.
func (l *FileLedger) Location(runID string) string {
	return l.ledgerPath(runID)
}

// MarkRunLive writes run.live for the current process. A stale marker left by
// a dead process is replaced.
func (l *FileLedger) MarkRunLive(_ context.Context, runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.markerPath(runID)
	existing, err := ReadMarker(path)
	switch {
	case err == nil:
		if existing.Ours() {
			return nil
		}
		if existing.HeldElsewhere() {
			return fmt.Errorf("%w: PID %d on %s", errors.ErrRunLocked, existing.PID, existing.Hostname)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.NewLedgerError("failed to remove stale marker", err).WithRunID(runID).WithPath(path).WithOp("mark_live")
		}
		l.logger.WithRun(runID).Warn("stale marker replaced", "old_pid", existing.PID)
	case !os.IsNotExist(err):
		// Unparseable marker: nobody can prove ownership, so replace it.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.NewLedgerError("failed to remove unreadable marker", err).WithRunID(runID).WithPath(path).WithOp("mark_live")
		}
		l.logger.WithRun(runID).Warn("unreadable marker replaced", "error", err.Error())
	}

	if err := os.MkdirAll(l.RunDir(runID), 0755); err != nil {
		return errors.NewLedgerError("failed to create run directory", err).WithRunID(runID).WithOp("mark_live")
	}
	data, err := json.MarshalIndent(newMarker(runID), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal marker: %w", err)
	}

	// O_EXCL catches a second process that raced us past the check above.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			if m, readErr := ReadMarker(path); readErr == nil {
				return fmt.Errorf("%w: PID %d on %s", errors.ErrRunLocked, m.PID, m.Hostname)
			}
			return errors.ErrRunLocked
		}
		return errors.NewLedgerError("failed to create marker", err).WithRunID(runID).WithPath(path).WithOp("mark_live")
	}
	_, writeErr := f.Write(data)
	syncErr := f.Sync()
	closeErr := f.Close()
	if err := errors.Join(writeErr, syncErr, closeErr); err != nil {
		_ = os.Remove(path)
		return errors.NewLedgerError("failed to write marker", err).WithRunID(runID).WithPath(path).WithOp("mark_live")
	}
	return nil
}

// MarkRunComplete removes run.live unless another live process holds it.
func (l *FileLedger) MarkRunComplete(_ context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.markerPath(runID)
	m, err := ReadMarker(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && m.HeldElsewhere() {
		return fmt.Errorf("%w: PID %d on %s", errors.ErrRunLocked, m.PID, m.Hostname)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewLedgerError("failed to remove marker", err).WithRunID(runID).WithPath(path).WithOp("mark_complete")
	}
	return nil
}

// FindResumableRun returns the run whose marker was written most recently
// among those no other live process holds.
func (l *FileLedger) FindResumableRun(_ context.Context) (string, bool, error) {
	ids, err := l.runIDs()
	if err != nil {
		return "", false, err
	}
	var markers []Marker
	for _, id := range ids {
		m, err := ReadMarker(l.markerPath(id))
		if err != nil {
			continue
		}
		m.RunID = id
		markers = append(markers, m)
	}
	id, ok := resumable(markers, l.logger)
	return id, ok, nil
}

// LoadCompletedKeys reads ledger.json. A missing or unreadable ledger is
// logged and treated as empty.
func (l *FileLedger) LoadCompletedKeys(_ context.Context, runID string) map[Key]struct{} {
	results, err := l.readResults(runID)
	if err != nil {
		l.logger.WithRun(runID).Warn("ledger unreadable, treating as empty", "error", err.Error())
		return map[Key]struct{}{}
	}
	return keysOf(results)
}

// Append adds r to ledger.json by rewriting the whole file atomically under
// both the in-process mutex and the run directory's flock. A corrupt ledger is
// moved aside to ledger.json.corrupt-<unix> before the rewrite.
func (l *FileLedger) Append(_ context.Context, runID string, r Result) error {
	if err := r.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := l.RunDir(runID)
	path := l.ledgerPath(runID)
	ledgerErr := func(msg string, cause error) error {
		return errors.NewLedgerError(msg, cause).WithRunID(runID).WithPath(path).WithOp("append")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return ledgerErr("failed to create run directory", err)
	}
	fl := newFileLock(dir)
	if err := fl.Lock(); err != nil {
		return ledgerErr("failed to lock ledger", err)
	}
	defer func() { _ = fl.Unlock() }()

	existing, err := l.readResults(runID)
	if err != nil {
		if !errors.Is(err, errors.ErrLedgerCorrupted) {
			return ledgerErr("failed to read ledger", err)
		}
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, aside); renameErr != nil {
			return ledgerErr("failed to move corrupt ledger aside", renameErr)
		}
		l.logger.WithRun(runID).Warn("corrupt ledger moved aside", "path", aside)
		existing = nil
	}

	data, err := json.MarshalIndent(append(existing, r), "", "  ")
	if err != nil {
		return ledgerErr("failed to encode ledger", err)
	}
	if err := atomicWriteFile(path, data, 0644); err != nil {
		return ledgerErr("failed to write ledger", err)
	}
	return nil
}

// LoadResults returns the last-write-wins view of ledger.json.
func (l *FileLedger) LoadResults(_ context.Context, runID string) ([]Result, error) {
	results, err := l.readResults(runID)
	if err != nil {
		return nil, err
	}
	return lastWriteWins(results), nil
}

// readResults decodes ledger.json. A missing or empty file is an empty ledger.
func (l *FileLedger) readResults(runID string) ([]Result, error) {
	path := l.ledgerPath(runID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewLedgerError("failed to read ledger", err).WithRunID(runID).WithPath(path).WithOp("read")
	}
	if len(data) == 0 {
		return nil, nil
	}
	var results []Result
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, errors.NewLedgerError(err.Error(), errors.ErrLedgerCorrupted).WithRunID(runID).WithPath(path).WithOp("read")
	}
	return results, nil
}

// SaveRun writes run.json.
func (l *FileLedger) SaveRun(_ context.Context, info RunInfo) error {
	if err := ValidateRunID(info.ID); err != nil {
		return err
	}
	dir := l.RunDir(info.ID)
	path := filepath.Join(dir, RunFileName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewLedgerError("failed to create run directory", err).WithRunID(info.ID).WithOp("save_run")
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run info: %w", err)
	}
	if err := atomicWriteFile(path, data, 0644); err != nil {
		return errors.NewLedgerError("failed to write run info", err).WithRunID(info.ID).WithPath(path).WithOp("save_run")
	}
	return nil
}

// GetRun reads run.json and fills in liveness and the result count. A run
// directory without run.json still resolves with only its ID set.
func (l *FileLedger) GetRun(_ context.Context, runID string) (RunInfo, error) {
	if ValidateRunID(runID) != nil {
		return RunInfo{}, runNotFound(runID)
	}
	dir := l.RunDir(runID)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return RunInfo{}, runNotFound(runID)
	}

	info := RunInfo{ID: runID}
	if data, err := os.ReadFile(filepath.Join(dir, RunFileName)); err == nil {
		if err := json.Unmarshal(data, &info); err != nil {
			l.logger.WithRun(runID).Warn("run info unreadable", "error", err.Error())
		}
		info.ID = runID
	}
	if _, err := os.Stat(l.markerPath(runID)); err == nil {
		info.Live = true
	}
	if results, err := l.readResults(runID); err == nil {
		info.Results = len(keysOf(results))
	}
	return info, nil
}

// ListRuns returns every run directory's metadata, newest first.
func (l *FileLedger) ListRuns(ctx context.Context) ([]RunInfo, error) {
	ids, err := l.runIDs()
	if err != nil {
		return nil, err
	}
	runs := make([]RunInfo, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		info, err := l.GetRun(ctx, ids[i])
		if err != nil {
			continue
		}
		runs = append(runs, info)
	}
	return runs, nil
}

// DeleteRun removes the run directory.
func (l *FileLedger) DeleteRun(_ context.Context, runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	dir := l.RunDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return runNotFound(runID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.NewLedgerError("failed to delete run", err).WithRunID(runID).WithPath(dir).WithOp("delete")
	}
	return nil
}

// Close is a no-op; FileLedger holds no open handles between calls.
func (l *FileLedger) Close() error {
	return nil
}

// runIDs lists run directory names in ascending order.
func (l *FileLedger) runIDs() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewLedgerError("failed to list runs", err).WithPath(l.root).WithOp("list").WithSeverity(errors.SeverityError)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && ValidateRunID(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func runNotFound(runID string) error {
	return errors.NewNotFoundError("run", runID).WithCause(errors.ErrRunNotFound)
}

// atomicWriteFile writes data to a temp file in the target directory, syncs
// it and renames it over path, so readers see either the old or new content.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

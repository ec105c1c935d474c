package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/llmscore/internal/errors"
	"github.com/Iron-Ham/llmscore/internal/logging"

	// Registers the driver under the name "sqlite"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteLedger stores every run in one SQLite database. Results are
// insert-only rows ordered by an autoincrement sequence; the liveness marker
// is a set of nullable columns on the run row.
type SQLiteLedger struct {
	db     *sql.DB
	path   string
	logger *logging.Logger
}

var _ Ledger = (*SQLiteLedger)(nil)

// NewSQLiteLedger opens (or creates) the database at path and applies
// migrations. The parent directory is created if missing.
func NewSQLiteLedger(path string, logger *logging.Logger) (*SQLiteLedger, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.NewLedgerError("failed to create ledger directory", err).WithPath(path).WithOp("open")
	}

	db, err := openSQLite(path)
	if err != nil && isCorrupt(err) {
		// A database that is not SQLite, or is damaged, degrades to an empty
		// ledger like a corrupt ledger.json does.
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, aside); renameErr != nil {
			return nil, errors.NewLedgerError("failed to move corrupt ledger aside", renameErr).WithPath(path).WithOp("open")
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			_ = os.Remove(path + suffix)
		}
		logger.Warn("corrupt ledger database moved aside", "path", aside, "error", err.Error())
		db, err = openSQLite(path)
	}
	if err != nil {
		return nil, err
	}
	return &SQLiteLedger{db: db, path: path, logger: logger}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	// PRAGMAs are applied per connection through the DSN.
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(FULL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.NewLedgerError("failed to open ledger database", err).WithPath(path).WithOp("open")
	}
	// One connection: appends are serialized by Writer anyway, and WAL
	// readers in other processes are unaffected.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.NewLedgerError("failed to open ledger database", err).WithPath(path).WithOp("open")
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, errors.NewLedgerError("failed to migrate ledger database", err).WithPath(path).WithOp("open")
	}
	return db, nil
}

// isCorrupt reports whether err is SQLite saying the file is damaged or is
// not a database at all.
func isCorrupt(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return true
	}
	return false
}

// Location returns the database path and run ID.
func (l *SQLiteLedger) Location(runID string) string {
	return fmt.Sprintf("%s (run %s)", l.path, runID)
}

func (l *SQLiteLedger) ledgerErr(msg string, cause error, runID, op string) *errors.LedgerError {
	return errors.NewLedgerError(msg, cause).WithRunID(runID).WithPath(l.path).WithOp(op)
}

// MarkRunLive records the current process on the run row, creating the row
// if needed.
func (l *SQLiteLedger) MarkRunLive(ctx context.Context, runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return l.ledgerErr("failed to begin transaction", err, runID, "mark_live")
	}
	defer func() { _ = tx.Rollback() }()

	var pid sql.NullInt64
	var host sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT live_pid, live_host FROM runs WHERE id = ?`, runID).Scan(&pid, &host)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return l.ledgerErr("failed to read marker", err, runID, "mark_live")
	}
	if pid.Valid {
		existing := Marker{RunID: runID, PID: int(pid.Int64), Hostname: host.String}
		if existing.Ours() {
			return nil
		}
		if existing.HeldElsewhere() {
			return fmt.Errorf("%w: PID %d on %s", errors.ErrRunLocked, existing.PID, existing.Hostname)
		}
		l.logger.WithRun(runID).Warn("stale marker replaced", "old_pid", existing.PID)
	}

	m := newMarker(runID)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, live_pid, live_host, live_since)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			live_pid = excluded.live_pid,
			live_host = excluded.live_host,
			live_since = excluded.live_since`,
		runID, formatTime(m.StartedAt), m.PID, m.Hostname, formatTime(m.StartedAt))
	if err != nil {
		return l.ledgerErr("failed to write marker", err, runID, "mark_live")
	}
	if err := tx.Commit(); err != nil {
		return l.ledgerErr("failed to commit marker", err, runID, "mark_live")
	}
	return nil
}

// MarkRunComplete clears the marker columns.
func (l *SQLiteLedger) MarkRunComplete(ctx context.Context, runID string) error {
	var pid sql.NullInt64
	var host sql.NullString
	err := l.db.QueryRowContext(ctx, `SELECT live_pid, live_host FROM runs WHERE id = ?`, runID).Scan(&pid, &host)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return l.ledgerErr("failed to read marker", err, runID, "mark_complete")
	}
	if pid.Valid {
		m := Marker{PID: int(pid.Int64), Hostname: host.String}
		if m.HeldElsewhere() {
			return fmt.Errorf("%w: PID %d on %s", errors.ErrRunLocked, m.PID, m.Hostname)
		}
	}
	if _, err := l.db.ExecContext(ctx,
		`UPDATE runs SET live_pid = NULL, live_host = NULL, live_since = NULL WHERE id = ?`, runID); err != nil {
		return l.ledgerErr("failed to clear marker", err, runID, "mark_complete")
	}
	return nil
}

// FindResumableRun returns the run whose marker was set most recently among
// those no other live process holds.
func (l *SQLiteLedger) FindResumableRun(ctx context.Context) (string, bool, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, live_pid, COALESCE(live_host, ''), COALESCE(live_since, '')
		FROM runs WHERE live_pid IS NOT NULL`)
	if err != nil {
		return "", false, l.ledgerErr("failed to query markers", err, "", "find_resumable")
	}
	var markers []Marker
	for rows.Next() {
		var m Marker
		var since string
		if err := rows.Scan(&m.RunID, &m.PID, &m.Hostname, &since); err != nil {
			_ = rows.Close()
			return "", false, l.ledgerErr("failed to scan marker", err, "", "find_resumable")
		}
		// live_since is RFC 3339 with trimmed fractions, which does not sort
		// as text, so ordering happens after parsing.
		m.StartedAt = parseTime(since)
		markers = append(markers, m)
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return "", false, l.ledgerErr("failed to query markers", err, "", "find_resumable")
	}

	id, ok := resumable(markers, l.logger)
	return id, ok, nil
}

// LoadCompletedKeys returns the distinct keys stored for runID. Query errors
// are logged and yield an empty set.
func (l *SQLiteLedger) LoadCompletedKeys(ctx context.Context, runID string) map[Key]struct{} {
	keys := map[Key]struct{}{}
	rows, err := l.db.QueryContext(ctx,
		`SELECT DISTINCT document, prompt, provider FROM results WHERE run_id = ?`, runID)
	if err != nil {
		l.logger.WithRun(runID).Warn("ledger unreadable, treating as empty", "error", err.Error())
		return keys
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Document, &k.Prompt, &k.Provider); err != nil {
			l.logger.WithRun(runID).Warn("ledger unreadable, treating as empty", "error", err.Error())
			return map[Key]struct{}{}
		}
		keys[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		l.logger.WithRun(runID).Warn("ledger unreadable, treating as empty", "error", err.Error())
		return map[Key]struct{}{}
	}
	return keys
}

// Append inserts one result row, creating the run row if needed. The
// insert is committed (and fsynced, synchronous=FULL) before returning.
func (l *SQLiteLedger) Append(ctx context.Context, runID string, r Result) error {
	if err := r.Validate(); err != nil {
		return err
	}
	var fields sql.NullString
	if r.Fields != nil {
		data, err := json.Marshal(r.Fields)
		if err != nil {
			return l.ledgerErr("failed to encode fields", err, runID, "append")
		}
		fields = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return l.ledgerErr("failed to begin transaction", err, runID, "append")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (id, created_at) VALUES (?, ?)`, runID, formatTime(time.Now())); err != nil {
		return l.ledgerErr("failed to ensure run row", err, runID, "append")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO results
			(run_id, document, prompt, provider, model, fields, thinking, error, record_id, recorded_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.DocumentName, r.PromptName, r.ProviderName, r.ModelName,
		fields, r.Thinking, r.Error, r.RecordID, formatTime(r.RecordedAt), r.Attempts); err != nil {
		return l.ledgerErr("failed to insert result", err, runID, "append")
	}
	if err := tx.Commit(); err != nil {
		return l.ledgerErr("failed to commit result", err, runID, "append")
	}
	return nil
}

// LoadResults returns the last-write-wins view of runID's rows.
func (l *SQLiteLedger) LoadResults(ctx context.Context, runID string) ([]Result, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT document, prompt, provider, model, fields, thinking, error, record_id, recorded_at, attempts
		FROM results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, l.ledgerErr("failed to query results", err, runID, "read")
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		var r Result
		var fields sql.NullString
		var recordedAt string
		if err := rows.Scan(&r.DocumentName, &r.PromptName, &r.ProviderName, &r.ModelName,
			&fields, &r.Thinking, &r.Error, &r.RecordID, &recordedAt, &r.Attempts); err != nil {
			return nil, l.ledgerErr("failed to scan result", err, runID, "read")
		}
		if fields.Valid {
			if err := json.Unmarshal([]byte(fields.String), &r.Fields); err != nil {
				return nil, l.ledgerErr(err.Error(), errors.ErrLedgerCorrupted, runID, "read")
			}
		}
		r.RecordedAt = parseTime(recordedAt)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, l.ledgerErr("failed to query results", err, runID, "read")
	}
	return lastWriteWins(results), nil
}

// SaveRun upserts the run's metadata without touching its marker.
func (l *SQLiteLedger) SaveRun(ctx context.Context, info RunInfo) error {
	if err := ValidateRunID(info.ID); err != nil {
		return err
	}
	prompts, err := json.Marshal(nonNil(info.Prompts))
	if err != nil {
		return fmt.Errorf("failed to marshal prompts: %w", err)
	}
	providers, err := json.Marshal(nonNil(info.Providers))
	if err != nil {
		return fmt.Errorf("failed to marshal providers: %w", err)
	}
	var finished sql.NullString
	if info.FinishedAt != nil {
		finished = sql.NullString{String: formatTime(*info.FinishedAt), Valid: true}
	}
	created := info.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, finished_at, prompts, providers, documents, total, processed, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			finished_at = excluded.finished_at,
			prompts = excluded.prompts,
			providers = excluded.providers,
			documents = excluded.documents,
			total = excluded.total,
			processed = excluded.processed,
			errors = excluded.errors`,
		info.ID, formatTime(created), finished, string(prompts), string(providers),
		info.Documents, info.Total, info.Processed, info.Errors)
	if err != nil {
		return l.ledgerErr("failed to save run info", err, info.ID, "save_run")
	}
	return nil
}

const runColumns = `
	id, created_at, finished_at, prompts, providers, documents, total, processed, errors,
	live_pid IS NOT NULL,
	(SELECT COUNT(DISTINCT document || char(31) || prompt || char(31) || provider) FROM results WHERE results.run_id = runs.id)`

// GetRun returns one run's metadata.
func (l *SQLiteLedger) GetRun(ctx context.Context, runID string) (RunInfo, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	info, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, runNotFound(runID)
	}
	if err != nil {
		return RunInfo{}, l.ledgerErr("failed to read run", err, runID, "get_run").WithSeverity(errors.SeverityError)
	}
	return info, nil
}

// ListRuns returns every run, newest first.
func (l *SQLiteLedger) ListRuns(ctx context.Context) ([]RunInfo, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY id DESC`)
	if err != nil {
		return nil, l.ledgerErr("failed to list runs", err, "", "list").WithSeverity(errors.SeverityError)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunInfo
	for rows.Next() {
		info, err := scanRun(rows)
		if err != nil {
			return nil, l.ledgerErr("failed to scan run", err, "", "list").WithSeverity(errors.SeverityError)
		}
		runs = append(runs, info)
	}
	if err := rows.Err(); err != nil {
		return nil, l.ledgerErr("failed to list runs", err, "", "list").WithSeverity(errors.SeverityError)
	}
	return runs, nil
}

// DeleteRun removes a run and its results.
func (l *SQLiteLedger) DeleteRun(ctx context.Context, runID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return l.ledgerErr("failed to begin transaction", err, runID, "delete")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE run_id = ?`, runID); err != nil {
		return l.ledgerErr("failed to delete results", err, runID, "delete")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return l.ledgerErr("failed to delete run", err, runID, "delete")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return runNotFound(runID)
	}
	if err := tx.Commit(); err != nil {
		return l.ledgerErr("failed to commit delete", err, runID, "delete")
	}
	return nil
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunInfo, error) {
	var info RunInfo
	var created string
	var finished sql.NullString
	var prompts, providers string
	if err := s.Scan(&info.ID, &created, &finished, &prompts, &providers,
		&info.Documents, &info.Total, &info.Processed, &info.Errors,
		&info.Live, &info.Results); err != nil {
		return RunInfo{}, err
	}
	info.CreatedAt = parseTime(created)
	if finished.Valid {
		t := parseTime(finished.String)
		info.FinishedAt = &t
	}
	_ = json.Unmarshal([]byte(prompts), &info.Prompts)
	_ = json.Unmarshal([]byte(providers), &info.Providers)
	return info, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

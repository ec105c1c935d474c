// Package logging provides structured logging for llmscore runs.
//
// Every run writes JSON lines to debug.log inside its run directory
// (<output_dir>/runs/<run_id>/debug.log). Entries carry the run ID and, for
// work on a single task, the provider and task names so a batch can be
// analysed after the fact with `llmscore runs logs`.
//
// # Basic Usage
//
//	logger, err := logging.NewLoggerWithRotation(runDir, "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	log := logger.WithRun(runID)
//	log.WithProvider("claude").WithTask("rubric/alice").Warn("provider call failed", "status", 429)
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"provider call failed","run_id":"...","provider":"claude","task":"rubric/alice","status":429}
//
// # Log Rotation
//
// [RotatingWriter] rotates debug.log once it exceeds MaxSizeMB. Backups are
// named debug.log.1 (newest) through debug.log.N and are gzipped when
// Compress is set.
//
// # Reading Logs
//
// [ReadRunLog] parses a run's log (live file plus uncompressed backups),
// [FilterLogs] narrows it, and [WriteEntries] renders it as text or JSON lines.
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewWriterLogger] with a bytes.Buffer
// to assert on entries.
package logging

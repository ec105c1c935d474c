// Package ledger is the checkpoint store of a scoring run.
//
// A ledger holds, per run:
//   - the results of attempted tasks, appended as they complete
//   - a liveness marker that exists from run start until clean completion
//   - run metadata (inputs, counts, timestamps) for history listings
//
// On resume the completed keys are reloaded and never scheduled again. When
// the same key was appended more than once, the last write wins; results are
// never merged.
//
// Two backends implement Ledger:
//
//	FileLedger    <output_dir>/runs/<run_id>/{ledger.json,run.live,run.json}
//	SQLiteLedger  <output_dir>/ledger.db (tables runs, results)
//
// Appends for one run must be serialized. Writer funnels every append through
// a single goroutine so scheduler workers never race on the store.
package ledger

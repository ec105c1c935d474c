package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/llmscore/internal/config"
	"github.com/Iron-Ham/llmscore/internal/errors"
	"github.com/Iron-Ham/llmscore/internal/event"
	"github.com/Iron-Ham/llmscore/internal/ledger"
	"github.com/Iron-Ham/llmscore/internal/logging"
	"github.com/Iron-Ham/llmscore/internal/matrix"
	"github.com/Iron-Ham/llmscore/internal/provider"
	"github.com/Iron-Ham/llmscore/internal/retry"
	"github.com/Iron-Ham/llmscore/internal/testutil"
)

var (
	fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	docs     = []matrix.Document{
		{Name: "class1__alice.md", Content: "alice essay"},
		{Name: "class1__bob.md", Content: "bob essay"},
	}
	prompts = []matrix.Prompt{{Name: "essay", Body: "score the essay"}}
)

func backends() []string {
	return []string{config.LedgerFile, config.LedgerSQLite}
}

func newController(t *testing.T, backend string) (*Controller, ledger.Ledger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.Open(config.LedgerConfig{Backend: backend}, dir, nil)
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	c := NewController(Config{
		Ledger:    l,
		OutputDir: dir,
		Now:       func() time.Time { return fixedNow },
	})
	return c, l, dir
}

func fakes(respond map[string]testutil.Respond) ([]provider.Client, []*testutil.FakeClient) {
	var clients []provider.Client
	var raw []*testutil.FakeClient
	for _, name := range []string{"alpha", "beta"} {
		r, ok := respond[name]
		if !ok {
			continue
		}
		f := testutil.NewFakeClient(name, r)
		clients = append(clients, f)
		raw = append(raw, f)
	}
	return clients, raw
}

func totalCalls(fs []*testutil.FakeClient) int {
	n := 0
	for _, f := range fs {
		n += f.CallCount()
	}
	return n
}

func TestExecute_OneProviderFailure(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend, func(t *testing.T) {
			c, l, _ := newController(t, backend)
			ctx := context.Background()
			clients, _ := fakes(map[string]testutil.Respond{
				"alpha": testutil.Reply(`{"score": 90}`),
				"beta": testutil.FailOn("bob essay",
					errors.NewProviderError("beta request failed", nil).WithStatus(400, "bad request"),
					testutil.Reply("```json\n{\"score\": 80}\n```")),
			})

			sum, err := c.Execute(ctx, Options{Documents: docs, Prompts: prompts, Clients: clients})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if sum.Total != 4 || sum.Skipped != 0 || sum.Processed != 4 || sum.Errors != 1 {
				t.Errorf("summary = %+v", sum)
			}
			if sum.Resumed || sum.Live || sum.RunID != "20260102_030405" {
				t.Errorf("state = %+v", sum.State)
			}
			if sum.LedgerPath != l.Location(sum.RunID) {
				t.Errorf("LedgerPath = %q", sum.LedgerPath)
			}

			results, err := l.LoadResults(ctx, sum.RunID)
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != 4 {
				t.Fatalf("ledger has %d entries, want 4", len(results))
			}
			failed := 0
			for _, r := range results {
				if err := r.Validate(); err != nil {
					t.Errorf("%s: %v", r.Key(), err)
				}
				if r.Failed() {
					failed++
					if r.ProviderName != "beta" || r.DocumentName != "class1__bob.md" {
						t.Errorf("unexpected failure %+v", r)
					}
				}
			}
			if failed != 1 {
				t.Errorf("failed entries = %d, want 1", failed)
			}

			info, err := l.GetRun(ctx, sum.RunID)
			if err != nil {
				t.Fatal(err)
			}
			if info.Live {
				t.Error("liveness marker should be cleared after a complete run")
			}
			if info.FinishedAt == nil || info.Total != 4 || info.Processed != 4 || info.Errors != 1 {
				t.Errorf("run info = %+v", info)
			}
			if _, ok, _ := l.FindResumableRun(ctx); ok {
				t.Error("a completed run must not be resumable")
			}
		})
	}
}

func TestExecute_InterruptThenResume(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend, func(t *testing.T) {
			c, l, dir := newController(t, backend)
			ok := map[string]testutil.Respond{
				"alpha": testutil.Reply(`{"score": 1}`),
				"beta":  testutil.Reply(`{"score": 2}`),
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var mu sync.Mutex
			completed := 0
			id := c.Bus().Subscribe(event.TypeTaskCompleted, func(event.Event) {
				mu.Lock()
				defer mu.Unlock()
				completed++
				if completed == 2 {
					cancel()
				}
			})

			clients, first := fakes(ok)
			sum, err := c.Execute(ctx, Options{Documents: docs, Prompts: prompts, Clients: clients})
			if !errors.Is(err, errors.ErrInterrupted) {
				t.Fatalf("Execute() error = %v, want ErrInterrupted", err)
			}
			var runErr *errors.RunError
			if !errors.As(err, &runErr) || runErr.RunID != sum.RunID || runErr.ResumeHint != "llmscore run --run-id "+sum.RunID {
				t.Errorf("run error = %#v", runErr)
			}
			if sum.Processed != 2 || sum.Remaining != 2 || totalCalls(first) != 2 || !sum.Live {
				t.Errorf("interrupted summary = %+v, calls = %d", sum, totalCalls(first))
			}
			c.Bus().Unsubscribe(id)

			info, err := l.GetRun(context.Background(), sum.RunID)
			if err != nil {
				t.Fatal(err)
			}
			if !info.Live || info.FinishedAt != nil {
				t.Errorf("interrupted run info = %+v", info)
			}

			clients, second := fakes(ok)
			resumed, err := c.Execute(context.Background(), Options{Resume: true, Documents: docs, Prompts: prompts, Clients: clients})
			if err != nil {
				t.Fatalf("resume error = %v", err)
			}
			if resumed.RunID != sum.RunID || !resumed.Resumed {
				t.Errorf("resumed state = %+v, want run %s", resumed.State, sum.RunID)
			}
			if totalCalls(second) != 2 || resumed.Skipped != 2 || resumed.Processed != 2 {
				t.Errorf("resume dispatched %d (summary %+v), want the 2 remaining tasks", totalCalls(second), resumed)
			}
			for _, f := range second {
				for _, call := range f.Calls() {
					if call.UserContent != "bob essay" {
						t.Errorf("%s re-ran a finished task: %q", f.Name(), call.UserContent)
					}
				}
			}

			results, err := l.LoadResults(context.Background(), sum.RunID)
			if err != nil || len(results) != 4 {
				t.Fatalf("LoadResults() = %d, %v", len(results), err)
			}
			if backend == config.LedgerFile {
				raw, err := os.ReadFile(filepath.Join(dir, ledger.RunsDirName, sum.RunID, ledger.LedgerFileName))
				if err != nil {
					t.Fatal(err)
				}
				var entries []ledger.Result
				if err := json.Unmarshal(raw, &entries); err != nil {
					t.Fatal(err)
				}
				if len(entries) != 4 {
					t.Errorf("ledger file has %d entries, want 4 with no duplicates", len(entries))
				}
			}
		})
	}
}

func TestExecute_ReportsRetriedTasks(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend, func(t *testing.T) {
			c, _, _ := newController(t, backend)
			var mu sync.Mutex
			failedOnce := false
			flaky := func(_, user string) (provider.Reply, error) {
				mu.Lock()
				defer mu.Unlock()
				if user == "alice essay" && !failedOnce {
					failedOnce = true
					return provider.Reply{}, errors.NewProviderError("alpha request failed", nil).WithStatus(503, "overloaded")
				}
				return provider.Reply{Message: `{"score": 3}`}, nil
			}
			clients, _ := fakes(map[string]testutil.Respond{"alpha": flaky, "beta": testutil.Reply(`{"score": 4}`)})

			sum, err := c.Execute(context.Background(), Options{
				Documents: docs,
				Prompts:   prompts,
				Clients:   clients,
				Retry:     retry.Policy{MaxRetries: 1},
			})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			want := matrix.Key{Document: "class1__alice.md", Prompt: "essay", Provider: "alpha"}.String()
			if len(sum.Retried) != 1 || sum.Retried[0] != want {
				t.Errorf("Retried = %v, want [%s]", sum.Retried, want)
			}
			if sum.Errors != 0 || sum.Remaining != 0 || sum.Processed != 4 {
				t.Errorf("summary = %+v", sum)
			}
		})
	}
}

func TestExecute_NoJSONInReply(t *testing.T) {
	c, l, _ := newController(t, config.LedgerFile)
	clients, _ := fakes(map[string]testutil.Respond{
		"alpha": testutil.Reply("no json here"),
		"beta":  testutil.Reply("no json here"),
	})

	sum, err := c.Execute(context.Background(), Options{Documents: docs, Prompts: prompts, Clients: clients})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if sum.Errors != 4 {
		t.Errorf("Errors = %d, want 4", sum.Errors)
	}
	results, _ := l.LoadResults(context.Background(), sum.RunID)
	for _, r := range results {
		if !strings.Contains(r.Error, "no JSON object found") || r.Fields != nil {
			t.Errorf("%s = %+v", r.Key(), r)
		}
	}
}

func TestExecute_IdempotentRerun(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend, func(t *testing.T) {
			c, _, _ := newController(t, backend)
			ok := map[string]testutil.Respond{
				"alpha": testutil.Reply(`{"a": 1}`),
				"beta":  testutil.Reply(`{"b": 2}`),
			}
			clients, _ := fakes(ok)
			first, err := c.Execute(context.Background(), Options{Documents: docs, Prompts: prompts, Clients: clients})
			if err != nil {
				t.Fatal(err)
			}

			clients, again := fakes(ok)
			second, err := c.Execute(context.Background(), Options{RunID: first.RunID, Documents: docs, Prompts: prompts, Clients: clients})
			if err != nil {
				t.Fatal(err)
			}
			if totalCalls(again) != 0 {
				t.Errorf("rerun made %d provider calls, want 0", totalCalls(again))
			}
			if !second.Resumed || second.Skipped != 4 || second.Processed != 0 {
				t.Errorf("rerun summary = %+v", second)
			}
		})
	}
}

func TestExecute_ResumeWithoutMarkerStartsFresh(t *testing.T) {
	c, _, _ := newController(t, config.LedgerFile)
	ok := map[string]testutil.Respond{"alpha": testutil.Reply(`{}`)}

	clients, _ := fakes(ok)
	first, err := c.Execute(context.Background(), Options{Documents: docs, Prompts: prompts, Clients: clients})
	if err != nil {
		t.Fatal(err)
	}
	clients, calls := fakes(ok)
	second, err := c.Execute(context.Background(), Options{Resume: true, Documents: docs, Prompts: prompts, Clients: clients})
	if err != nil {
		t.Fatal(err)
	}
	if second.Resumed || second.RunID != first.RunID+"-2" {
		t.Errorf("second run = %+v, want a fresh run %s-2", second.State, first.RunID)
	}
	if totalCalls(calls) != 2 {
		t.Errorf("fresh run made %d calls, want 2", totalCalls(calls))
	}
}

func TestExecute_ExplicitNewRunID(t *testing.T) {
	c, l, _ := newController(t, config.LedgerFile)
	clients, _ := fakes(map[string]testutil.Respond{"alpha": testutil.Reply(`{}`)})

	sum, err := c.Execute(context.Background(), Options{RunID: "nightly", Documents: docs, Prompts: prompts, Clients: clients})
	if err != nil {
		t.Fatal(err)
	}
	if sum.RunID != "nightly" || sum.Resumed {
		t.Errorf("state = %+v", sum.State)
	}
	if _, err := l.GetRun(context.Background(), "nightly"); err != nil {
		t.Errorf("GetRun(nightly) error = %v", err)
	}
}

func TestExecute_InvalidInputs(t *testing.T) {
	clients, _ := fakes(map[string]testutil.Respond{"alpha": testutil.Reply(`{}`)})
	dup := append([]matrix.Document{}, docs...)
	dup = append(dup, matrix.Document{Name: "class1__bob.md", Content: "again"})

	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"no documents", Options{Prompts: prompts, Clients: clients}, errors.ErrNoDocuments},
		{"no prompts", Options{Documents: docs, Clients: clients}, errors.ErrNoPrompts},
		{"no providers", Options{Documents: docs, Prompts: prompts}, errors.ErrNoProviders},
		{"duplicate document", Options{Documents: dup, Prompts: prompts, Clients: clients}, errors.ErrInvalidInput},
		{"bad run id", Options{RunID: "../escape", Documents: docs, Prompts: prompts, Clients: clients}, errors.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, l, _ := newController(t, config.LedgerFile)
			if _, err := c.Execute(context.Background(), tt.opts); !errors.Is(err, tt.want) {
				t.Errorf("Execute() error = %v, want %v", err, tt.want)
			}
			if runs, _ := l.ListRuns(context.Background()); len(runs) != 0 {
				t.Errorf("invalid input persisted runs: %+v", runs)
			}
		})
	}
}

// failingLedger fails every append after the first n.
type failingLedger struct {
	ledger.Ledger
	mu sync.Mutex
	n  int
}

func (f *failingLedger) Append(ctx context.Context, runID string, r ledger.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		return errors.NewLedgerError("failed to write ledger", fmt.Errorf("no space left on device")).WithRunID(runID)
	}
	f.n--
	return f.Ledger.Append(ctx, runID, r)
}

func TestExecute_LedgerWriteFailureAborts(t *testing.T) {
	_, l, dir := newController(t, config.LedgerFile)
	fl := &failingLedger{Ledger: l, n: 1}
	c := NewController(Config{Ledger: fl, OutputDir: dir, Now: func() time.Time { return fixedNow }})
	clients, raw := fakes(map[string]testutil.Respond{
		"alpha": testutil.Reply(`{}`),
		"beta":  testutil.Reply(`{}`),
	})

	sum, err := c.Execute(context.Background(), Options{Documents: docs, Prompts: prompts, Clients: clients})
	var ledgerErr *errors.LedgerError
	if !errors.As(err, &ledgerErr) {
		t.Fatalf("Execute() error = %v, want a LedgerError cause", err)
	}
	if errors.Is(err, errors.ErrInterrupted) {
		t.Error("a write failure is not an interruption")
	}
	if !errors.IsFatal(err) {
		t.Error("write failure should be fatal")
	}
	if totalCalls(raw) != 2 {
		t.Errorf("calls = %d, want only the first group", totalCalls(raw))
	}
	info, _ := l.GetRun(context.Background(), sum.RunID)
	if !info.Live {
		t.Error("marker must stay so the run can be resumed")
	}
}

func TestExecute_Events(t *testing.T) {
	c, _, _ := newController(t, config.LedgerFile)
	var mu sync.Mutex
	var types []string
	var finished event.RunFinishedEvent
	c.Bus().SubscribeAll(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.EventType())
		if f, ok := e.(event.RunFinishedEvent); ok {
			finished = f
		}
	})

	clients, _ := fakes(map[string]testutil.Respond{
		"alpha": testutil.Reply(`{}`),
		"beta":  testutil.Reply(`{}`),
	})
	_, err := c.Execute(context.Background(), Options{
		Documents: docs,
		Prompts:   prompts,
		Clients:   clients,
		Skipped:   []provider.Skipped{{Name: "claude", Reason: errors.ErrMissingAPIKey}},
	})
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	count := map[string]int{}
	for _, typ := range types {
		count[typ]++
	}
	if count[event.TypeProviderSkipped] != 1 || count[event.TypeRunStarted] != 1 ||
		count[event.TypeProgress] != 4 || count[event.TypeTaskCompleted] != 4 || count[event.TypeRunFinished] != 1 {
		t.Errorf("event counts = %v", count)
	}
	if types[len(types)-1] != event.TypeRunFinished {
		t.Errorf("last event = %s", types[len(types)-1])
	}
	if finished.Interrupted || finished.Processed != 4 {
		t.Errorf("finished event = %+v", finished)
	}
}

func TestExecute_RunLogger(t *testing.T) {
	_, l, dir := newController(t, config.LedgerFile)
	c := NewController(Config{
		Ledger:    l,
		OutputDir: dir,
		Now:       func() time.Time { return fixedNow },
		RunLogger: func(runDir string) (*logging.Logger, error) {
			return logging.NewLogger(runDir, "debug")
		},
	})
	clients, _ := fakes(map[string]testutil.Respond{"alpha": testutil.Reply(`{}`)})

	sum, err := c.Execute(context.Background(), Options{Documents: docs, Prompts: prompts, Clients: clients})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := logging.ReadRunLog(sum.RunDir())
	if err != nil {
		t.Fatalf("ReadRunLog() error = %v", err)
	}
	var started, completed int
	for _, e := range entries {
		if e.RunID != sum.RunID {
			t.Errorf("entry without run id: %+v", e)
		}
		switch e.Message {
		case "run started":
			started++
		case "task completed":
			completed++
		}
	}
	if started != 1 || completed != 2 {
		t.Errorf("log has %d starts and %d completions", started, completed)
	}
}

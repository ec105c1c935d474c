// Package scheduler executes scoring tasks against provider clients.
//
// Tasks are consumed in (prompt, document) groups. All provider tasks of a
// group run concurrently, one goroutine per provider, and the next group
// starts only after every call of the current group has settled and its
// result has been handed to the sink. Per-task failures become results with
// an error message; only sink failures stop the scheduler.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/llmscore/internal/errors"
	"github.com/Iron-Ham/llmscore/internal/extract"
	"github.com/Iron-Ham/llmscore/internal/ledger"
	"github.com/Iron-Ham/llmscore/internal/logging"
	"github.com/Iron-Ham/llmscore/internal/matrix"
	"github.com/Iron-Ham/llmscore/internal/provider"
	"github.com/Iron-Ham/llmscore/internal/retry"
)

// Progress receives (current, total, description) as tasks are dispatched.
// current is 1-based.
type Progress func(current, total int, description string)

// Sink receives each result in completion order. It is called concurrently
// by the tasks of a group and must serialize persistence itself (see
// ledger.Writer). A non-nil error aborts the run after the group settles.
type Sink func(ctx context.Context, r ledger.Result) error

// State is the lifecycle position of a task.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the task was attempted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Options configures a Scheduler.
type Options struct {
	// Retry decides whether failed calls are tried again. Nil means one
	// attempt per task.
	Retry *retry.Manager
	// SubjectField, when set, receives Document.Subject() in parsed fields
	// that lack it.
	SubjectField string
	Progress     Progress
	Logger       *logging.Logger

	// now and newID are replaced in tests.
	now   func() time.Time
	newID func() string
}

// Stats counts what a Run did.
type Stats struct {
	Dispatched int
	Succeeded  int
	Failed     int
}

// Scheduler runs task groups. A Scheduler may be reused across runs but not
// concurrently.
type Scheduler struct {
	opts Options

	mu     sync.Mutex
	states map[matrix.Key]State
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.Retry == nil {
		opts.Retry = retry.NewManager(retry.Policy{})
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Progress == nil {
		opts.Progress = func(int, int, string) {}
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.newID == nil {
		opts.newID = uuid.NewString
	}
	return &Scheduler{opts: opts, states: make(map[matrix.Key]State)}
}

// Run executes tasks, which must be in matrix order so that the tasks of a
// group are adjacent. It stops between groups when ctx is canceled and
// returns ctx's error; calls already in flight run to completion on a
// context detached from ctx, bounded by each client's timeout.
func (s *Scheduler) Run(ctx context.Context, tasks []matrix.Task, docs []matrix.Document, prompts []matrix.Prompt, clients []provider.Client, sink Sink) (Stats, error) {
	docByName := make(map[string]matrix.Document, len(docs))
	for _, d := range docs {
		docByName[d.Name] = d
	}
	promptByName := make(map[string]matrix.Prompt, len(prompts))
	for _, p := range prompts {
		promptByName[p.Name] = p
	}
	clientByName := make(map[string]provider.Client, len(clients))
	for _, c := range clients {
		clientByName[c.Name()] = c
	}

	s.mu.Lock()
	s.states = make(map[matrix.Key]State, len(tasks))
	for _, t := range tasks {
		if _, ok := docByName[t.Document]; !ok {
			s.mu.Unlock()
			return Stats{}, errors.NewValidationError("task references unknown document").WithValue(t.Key.String())
		}
		if _, ok := promptByName[t.Prompt]; !ok {
			s.mu.Unlock()
			return Stats{}, errors.NewValidationError("task references unknown prompt").WithValue(t.Key.String())
		}
		if _, ok := clientByName[t.Provider]; !ok {
			s.mu.Unlock()
			return Stats{}, errors.NewValidationError("task references unknown provider").WithValue(t.Key.String())
		}
		s.states[t.Key] = StatePending
	}
	s.mu.Unlock()

	var stats Stats
	var statsMu sync.Mutex
	detached := context.WithoutCancel(ctx)

	for _, group := range groups(tasks) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		first := group[0]
		doc := docByName[first.Document]
		prompt := promptByName[first.Prompt]
		logger := s.opts.Logger.WithTask(first.Group())

		var sinkErr error
		var sinkOnce sync.Once
		var wg conc.WaitGroup
		for _, task := range group {
			stats.Dispatched++
			s.opts.Progress(stats.Dispatched, len(tasks), task.Key.String())
			client := clientByName[task.Provider]

			wg.Go(func() {
				r := s.execute(detached, task, doc, prompt, client, logger.WithProvider(task.Provider))

				if err := sink(detached, r); err != nil {
					sinkOnce.Do(func() { sinkErr = err })
					return
				}

				// Only results the sink accepted are counted.
				statsMu.Lock()
				if r.Failed() {
					stats.Failed++
				} else {
					stats.Succeeded++
				}
				statsMu.Unlock()
			})
		}
		wg.Wait()

		if sinkErr != nil {
			return stats, sinkErr
		}
	}
	return stats, nil
}

// execute runs one task and always returns a result.
func (s *Scheduler) execute(ctx context.Context, task matrix.Task, doc matrix.Document, prompt matrix.Prompt, client provider.Client, logger *logging.Logger) ledger.Result {
	s.setState(task.Key, StateInFlight)
	start := s.opts.now()
	logger.Debug("calling provider", "model", client.Model())

	var reply provider.Reply
	attempts, err := s.opts.Retry.Do(ctx, task.Key.String(), func(ctx context.Context) error {
		var callErr error
		var pc panics.Catcher
		pc.Try(func() {
			reply, callErr = client.Call(ctx, prompt.Body, doc.Content)
		})
		if rec := pc.Recovered(); rec != nil {
			return fmt.Errorf("provider panicked: %w", rec.AsError())
		}
		return callErr
	})

	r := ledger.Result{
		DocumentName: task.Document,
		PromptName:   task.Prompt,
		ProviderName: task.Provider,
		ModelName:    client.Model(),
		RecordID:     s.opts.newID(),
		Attempts:     attempts,
	}
	if err == nil {
		r.Thinking = reply.Reasoning
		var fields map[string]any
		fields, err = extract.Fields(reply.Message)
		if err == nil {
			if s.opts.SubjectField != "" {
				if _, ok := fields[s.opts.SubjectField]; !ok {
					fields[s.opts.SubjectField] = doc.Subject()
				}
			}
			r.Fields = fields
		}
	}
	if err != nil {
		r.Error = err.Error()
	}
	r.RecordedAt = s.opts.now().UTC()

	elapsed := r.RecordedAt.Sub(start.UTC())
	if r.Failed() {
		s.setState(task.Key, StateFailed)
		logger.Warn("task failed", "error", r.Error, "attempts", attempts, "duration_ms", elapsed.Milliseconds())
	} else {
		s.setState(task.Key, StateCompleted)
		logger.Info("task completed", "attempts", attempts, "duration_ms", elapsed.Milliseconds())
	}
	return r
}

// setState moves a task forward. A task that reached a terminal state keeps it.
func (s *Scheduler) setState(k matrix.Key, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[k].Terminal() {
		return
	}
	s.states[k] = st
}

// Counts returns how many tasks of the current or last run are in each state.
func (s *Scheduler) Counts() map[State]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[State]int)
	for _, st := range s.states {
		counts[st]++
	}
	return counts
}

// groups splits tasks into runs of adjacent tasks sharing a (prompt, document) pair.
func groups(tasks []matrix.Task) [][]matrix.Task {
	var out [][]matrix.Task
	for i := 0; i < len(tasks); {
		j := i + 1
		for j < len(tasks) && tasks[j].Group() == tasks[i].Group() {
			j++
		}
		out = append(out, tasks[i:j])
		i = j
	}
	return out
}

package event

import (
	"time"

	"github.com/Iron-Ham/llmscore/internal/matrix"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier, e.g. "task.completed".
	EventType() string
	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event types published during a run.
const (
	TypeRunStarted      = "run.started"
	TypeProviderSkipped = "provider.skipped"
	TypeProgress        = "run.progress"
	TypeTaskCompleted   = "task.completed"
	TypeRunFinished     = "run.finished"
)

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// RunStartedEvent is emitted once the task matrix is known and the run is live.
type RunStartedEvent struct {
	baseEvent
	RunID     string
	Resumed   bool
	Total     int // tasks in the matrix
	Skipped   int // tasks already in the ledger
	Providers []string
}

// NewRunStartedEvent creates a RunStartedEvent.
func NewRunStartedEvent(runID string, resumed bool, total, skipped int, providers []string) RunStartedEvent {
	return RunStartedEvent{
		baseEvent: newBaseEvent(TypeRunStarted),
		RunID:     runID,
		Resumed:   resumed,
		Total:     total,
		Skipped:   skipped,
		Providers: providers,
	}
}

// ProviderSkippedEvent is emitted for each configured provider that could
// not be used, e.g. because it has no API key.
type ProviderSkippedEvent struct {
	baseEvent
	Provider string
	Reason   string
}

// NewProviderSkippedEvent creates a ProviderSkippedEvent.
func NewProviderSkippedEvent(provider, reason string) ProviderSkippedEvent {
	return ProviderSkippedEvent{
		baseEvent: newBaseEvent(TypeProviderSkipped),
		Provider:  provider,
		Reason:    reason,
	}
}

// ProgressEvent reports that task Current of Total was dispatched.
type ProgressEvent struct {
	baseEvent
	RunID       string
	Current     int
	Total       int
	Description string
}

// NewProgressEvent creates a ProgressEvent.
func NewProgressEvent(runID string, current, total int, description string) ProgressEvent {
	return ProgressEvent{
		baseEvent:   newBaseEvent(TypeProgress),
		RunID:       runID,
		Current:     current,
		Total:       total,
		Description: description,
	}
}

// TaskCompletedEvent is emitted after a task's result reached the ledger.
type TaskCompletedEvent struct {
	baseEvent
	RunID    string
	Key      matrix.Key
	Model    string
	Error    string // empty on success
	Attempts int
	Duration time.Duration
}

// NewTaskCompletedEvent creates a TaskCompletedEvent.
func NewTaskCompletedEvent(runID string, key matrix.Key, model, errMsg string, attempts int, d time.Duration) TaskCompletedEvent {
	return TaskCompletedEvent{
		baseEvent: newBaseEvent(TypeTaskCompleted),
		RunID:     runID,
		Key:       key,
		Model:     model,
		Error:     errMsg,
		Attempts:  attempts,
		Duration:  d,
	}
}

// Failed reports whether the task ended in an error.
func (e TaskCompletedEvent) Failed() bool { return e.Error != "" }

// RunFinishedEvent is emitted when a run stops, completed or not.
type RunFinishedEvent struct {
	baseEvent
	RunID       string
	Total       int
	Skipped     int
	Processed   int
	Errors      int
	Interrupted bool
	Duration    time.Duration
}

// NewRunFinishedEvent creates a RunFinishedEvent.
func NewRunFinishedEvent(runID string, total, skipped, processed, errs int, interrupted bool, d time.Duration) RunFinishedEvent {
	return RunFinishedEvent{
		baseEvent:   newBaseEvent(TypeRunFinished),
		RunID:       runID,
		Total:       total,
		Skipped:     skipped,
		Processed:   processed,
		Errors:      errs,
		Interrupted: interrupted,
		Duration:    d,
	}
}

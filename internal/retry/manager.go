// Package retry tracks attempts per task and decides whether a failed
// provider call is tried again.
//
// Retrying is opt-in: with the zero Policy every task gets exactly one
// attempt. Only errors classified as retryable by internal/errors (network
// failures, timeouts, HTTP 429 and 5xx) are retried.
package retry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/llmscore/internal/errors"
)

// Policy configures retries.
type Policy struct {
	// MaxRetries is the number of attempts after the first. Zero disables retries.
	MaxRetries int
	// BaseDelay is the wait before the first retry; it doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps the wait between attempts. Zero means no cap.
	MaxDelay time.Duration
}

// Backoff returns the wait before retry number n (1-based).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// taskState tracks attempts for a task.
type taskState struct {
	attempts  int
	succeeded bool
}

// Manager applies a Policy and records attempt history per task.
// It is safe for concurrent use.
type Manager struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	states map[string]*taskState
}

// NewManager creates a retry manager for policy.
func NewManager(policy Policy) *Manager {
	return &Manager{
		policy: policy,
		sleep:  sleepCtx,
		states: make(map[string]*taskState),
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// policy's retries are used up. Between attempts it waits for the backoff
// delay or until ctx is done. It returns fn's last error and the number of
// attempts made.
func (m *Manager) Do(ctx context.Context, taskID string, fn func(ctx context.Context) error) (int, error) {
	for {
		err := fn(ctx)
		m.RecordAttempt(taskID, err)
		if err == nil || !m.ShouldRetry(taskID, err) {
			return m.Attempts(taskID), err
		}
		if werr := m.sleep(ctx, m.policy.Backoff(m.Attempts(taskID))); werr != nil {
			return m.Attempts(taskID), err
		}
	}
}

// RecordAttempt records the outcome of one attempt.
func (m *Manager) RecordAttempt(taskID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[taskID]
	if !ok {
		state = &taskState{}
		m.states[taskID] = state
	}
	state.attempts++
	if err == nil {
		state.succeeded = true
	}
}

// ShouldRetry reports whether a task that just failed with err gets another
// attempt.
func (m *Manager) ShouldRetry(taskID string, err error) bool {
	if err == nil || !errors.IsRetryable(err) {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[taskID]
	if !ok {
		return m.policy.MaxRetries > 0
	}
	return !state.succeeded && state.attempts <= m.policy.MaxRetries
}

// Attempts returns how many attempts were recorded for a task.
func (m *Manager) Attempts(taskID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.states[taskID]; ok {
		return state.attempts
	}
	return 0
}

// Retried returns the IDs of tasks that needed more than one attempt, sorted.
func (m *Manager) Retried() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, state := range m.states {
		if state.attempts > 1 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

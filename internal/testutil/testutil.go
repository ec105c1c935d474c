// Package testutil provides testing utilities for llmscore tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/llmscore/internal/provider"
)

// WriteFiles creates files under dir. The files map contains relative paths
// to file contents; parent directories are created as needed.
func WriteFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		fullPath := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			t.Fatalf("failed to create directory for %s: %v", path, err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}
}

// Respond produces a fake provider reply for a system prompt and document.
type Respond func(systemPrompt, userContent string) (provider.Reply, error)

// Reply always answers with message.
func Reply(message string) Respond {
	return func(string, string) (provider.Reply, error) {
		return provider.Reply{Message: message}, nil
	}
}

// FailOn returns err for the document whose content is userContent and
// defers to next otherwise.
func FailOn(userContent string, err error, next Respond) Respond {
	return func(system, user string) (provider.Reply, error) {
		if user == userContent {
			return provider.Reply{}, err
		}
		return next(system, user)
	}
}

// Call is one recorded FakeClient invocation.
type Call struct {
	SystemPrompt string
	UserContent  string
}

// FakeClient is an in-process provider.Client that records its calls.
type FakeClient struct {
	name    string
	model   string
	respond Respond

	// Delay, if set, is slept before answering. The sleep ignores ctx.
	Delay time.Duration
	// OnCall, if set, runs before each reply is produced.
	OnCall func()

	mu    sync.Mutex
	calls []Call
}

var _ provider.Client = (*FakeClient)(nil)

// NewFakeClient creates a FakeClient named name.
func NewFakeClient(name string, respond Respond) *FakeClient {
	return &FakeClient{name: name, model: name + "-model", respond: respond}
}

func (f *FakeClient) Name() string  { return f.name }
func (f *FakeClient) Model() string { return f.model }

// Call records the invocation and returns the scripted reply.
func (f *FakeClient) Call(_ context.Context, systemPrompt, userContent string) (provider.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{SystemPrompt: systemPrompt, UserContent: userContent})
	f.mu.Unlock()

	if f.OnCall != nil {
		f.OnCall()
	}
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	return f.respond(systemPrompt, userContent)
}

// Calls returns a copy of the recorded calls.
func (f *FakeClient) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns the number of recorded calls.
func (f *FakeClient) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

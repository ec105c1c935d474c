package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/Iron-Ham/llmscore/internal/errors"
)

func TestWriter_SerializesConcurrentAppends(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			w := NewWriter(l, "r1")

			const n = 24
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := range n {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs <- w.Append(context.Background(), okResult(fmt.Sprintf("doc%02d.md", i), "p", "openai"))
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("Append() error = %v", err)
				}
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}

			if w.Appended() != n {
				t.Errorf("Appended() = %d, want %d", w.Appended(), n)
			}
			if keys := l.LoadCompletedKeys(context.Background(), "r1"); len(keys) != n {
				t.Errorf("ledger holds %d keys, want %d (lost update)", len(keys), n)
			}
		})
	}
}

func TestWriter_PropagatesAppendErrors(t *testing.T) {
	l := newTestFileLedger(t)
	w := NewWriter(l, "r1")
	defer func() { _ = w.Close() }()

	bad := okResult("a.md", "p", "openai")
	bad.Error = "and fields"
	if err := w.Append(context.Background(), bad); err == nil {
		t.Error("Append() of invalid result should fail")
	}
	if w.Appended() != 0 {
		t.Errorf("Appended() = %d after failure", w.Appended())
	}
}

func TestWriter_AppendAfterClose(t *testing.T) {
	w := NewWriter(newTestFileLedger(t), "r1")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := w.Append(context.Background(), okResult("a.md", "p", "openai")); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Append() after Close error = %v", err)
	}
}

package ledger

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/llmscore/internal/errors"
)

// ErrWriterClosed is returned by Append after Close.
var ErrWriterClosed = errors.New("ledger writer closed")

// Writer serializes appends for one run through a single goroutine. Append
// blocks until the result is durable, so a returned nil means the ledger
// holds the result.
type Writer struct {
	ledger Ledger
	runID  string
	reqs   chan appendRequest
	done   chan struct{}

	// mu guards closed and is held shared while a request is being sent.
	mu       sync.RWMutex
	closed   bool
	appended atomic.Int64
}

type appendRequest struct {
	ctx    context.Context
	result Result
	errc   chan error
}

// NewWriter starts the writer goroutine for runID.
func NewWriter(l Ledger, runID string) *Writer {
	w := &Writer{
		ledger: l,
		runID:  runID,
		reqs:   make(chan appendRequest),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer close(w.done)
	for req := range w.reqs {
		err := w.ledger.Append(req.ctx, w.runID, req.result)
		if err == nil {
			w.appended.Add(1)
		}
		req.errc <- err
	}
}

// Append hands r to the writer goroutine and waits for the store to accept it.
func (w *Writer) Append(ctx context.Context, r Result) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWriterClosed
	}
	errc := make(chan error, 1)
	w.reqs <- appendRequest{ctx: ctx, result: r, errc: errc}
	w.mu.RUnlock()
	return <-errc
}

// Appended returns the number of results stored through this writer.
func (w *Writer) Appended() int {
	return int(w.appended.Load())
}

// Close stops accepting appends and waits for the goroutine to drain.
// It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.reqs)
	}
	w.mu.Unlock()
	<-w.done
	return nil
}

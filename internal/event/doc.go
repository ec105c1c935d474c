// Package event provides a pub-sub event bus that decouples the run
// controller from whatever renders its progress.
//
// # Main Types
//
//   - [Event]: interface implemented by all events, providing EventType() and Timestamp()
//   - [Bus]: synchronous pub-sub dispatcher, safe for concurrent use
//   - [Handler]: function type for event handlers (func(Event))
//
// # Events
//
//   - [RunStartedEvent]: the run is live and its matrix is known
//   - [ProviderSkippedEvent]: a configured provider could not be used
//   - [ProgressEvent]: a task was dispatched (current, total, description)
//   - [TaskCompletedEvent]: a task's result was appended to the ledger
//   - [RunFinishedEvent]: the run stopped, completed or interrupted
//
// # Thread Safety
//
// Handlers are called synchronously on the publishing goroutine. Events for
// tasks of one group may be published from several goroutines at once, so
// handlers that keep state must synchronize it. A panicking handler is
// recovered and logged; delivery continues to the remaining handlers.
//
// # Basic Usage
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeProgress, func(e event.Event) {
//	    p := e.(event.ProgressEvent)
//	    fmt.Printf("[%d/%d] %s\n", p.Current, p.Total, p.Description)
//	})
package event

// Package event provides the pub-sub bus through which the orchestrator
// reports session activity to the CLI and any other observer.
//
// # Main Types
//
//   - [Event]: Interface that all events implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub dispatcher, safe for concurrent use
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Session lifecycle:
//   - [SessionStartedEvent]: resources created or reused by Start
//   - [StateChangedEvent]: the (task, previous state, new state) stream
//   - [SessionStoppedEvent]: Stop or Cleanup finished
//   - [CommandFailedEvent]: a command failed with a short actionable message
//
// Git workflow:
//   - [ConflictDetectedEvent]: a merge stopped on conflicts
//   - [MergeCompletedEvent]: a clean update or merge
//   - [PRCreatedEvent]: a pull request was opened
//
// Dev servers:
//   - [DevServerEvent]: a dev server started or stopped
//
// # Ordering
//
// Publish calls handlers synchronously, so events for one task published
// from one goroutine arrive in order. A panicking handler is logged and does
// not prevent delivery to the others.
//
// # Basic Usage
//
//	bus := event.NewBus()
//	bus.Subscribe(event.TypeStateChanged, func(e event.Event) {
//	    sc := e.(event.StateChangedEvent)
//	    fmt.Printf("%s: %s -> %s\n", sc.TaskID, sc.Old, sc.New)
//	})
//
//	events, cancel := bus.Stream(64)
//	defer cancel()
//	for e := range events {
//	    ...
//	}
package event

// Package audit dispatches session lifecycle events asynchronously.
//
// # Components
//
//   - [Event]: one lifecycle record (type, state change, reason, outcome).
//   - [Sink]: event consumer (channel, JSON lines, function, no-op).
//   - [Dispatcher]: buffered relay with drop-if-full or block-if-full delivery.
//
// # Architecture boundaries
//
// This package owns buffering and delivery. The controller decides which events
// to emit.
//
// # What this package must NOT do
//
//   - Filter events based on session logic.
//   - Import goAuthClient or any sibling package.
//   - Block the emitting goroutine when DropIfFull is set.
package audit

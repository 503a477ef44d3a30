// Package progress carries task lifecycle events from the executor to sinks.
// Emit never blocks: events are buffered, batched on a background goroutine,
// and dropped with a throttled warning when the buffer is full.
package progress

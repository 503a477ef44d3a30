package progress

import "context"

// Sink consumes batches of events. Consume is only called from the hub's
// flush goroutine.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts events without blocking the caller.
type Emitter interface {
	Emit(evt Event)
}

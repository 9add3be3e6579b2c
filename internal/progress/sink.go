package progress

import "context"

// Sink consumes batches of session records. Implementations must honor ctx
// deadlines and tolerate repeated Consume calls.
type Sink interface {
	Consume(ctx context.Context, batch []Record) error
	Close(ctx context.Context) error
}

// Emitter publishes individual records; Hub satisfies it so the tracker does
// not care how records are buffered or persisted.
type Emitter interface {
	Emit(rec Record)
}

package bridge

import "context"

// QueuedEvent is one durable entry in the outbound queue: a sequence
// number (emission order) and the already-serialized event payload.
type QueuedEvent struct {
	Seq     int64
	Payload []byte
}

// QueueStore is the pluggable persistence behind the outbound event queue.
// The default implementation is backed by SQLite; an optional alternate is
// backed by Redis lists for host environments already running a shared
// Redis instance (e.g. a simulator harness exercising several agent
// instances against one shared broker). Selection is an implementation
// choice behind this interface, never a protocol change.
type QueueStore interface {
	// Enqueue appends payload, assigning it the next sequence number.
	// When the store is at capacity the oldest entry is dropped first
	// and dropped reports true.
	Enqueue(ctx context.Context, payload []byte) (dropped bool, err error)
	// Oldest returns up to n entries in emission order, without removing
	// them (removal happens only on Ack, so an un-acked batch survives a
	// disconnect).
	Oldest(ctx context.Context, n int) ([]QueuedEvent, error)
	// Ack removes every entry with Seq <= through.
	Ack(ctx context.Context, through int64) error
	// Depth reports the current queue length.
	Depth(ctx context.Context) (int, error)
	// DroppedTotal reports the cumulative number of entries dropped for
	// capacity, surfaced in the stats tick and the diagnostics endpoint.
	DroppedTotal() int64
	// Close releases any resources the store holds.
	Close() error
}

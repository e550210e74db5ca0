package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/telvana/voicecore/internal/observe"
)

// defaultQueueDepth is the bus queue capacity when the config leaves it unset.
const defaultQueueDepth = 10000

// Sink receives events drained from the bus. Implementations may write to a
// log, a queue, or a database; Write is called from the bus's single drain
// goroutine, never concurrently.
type Sink interface {
	// Write delivers one event. Errors are logged and the event is discarded;
	// the bus never retries.
	Write(ctx context.Context, ev Event) error

	// Close flushes and releases the sink.
	Close() error
}

// Bus is a bounded, drop-oldest event queue with a single background drain
// goroutine. Publish is safe for concurrent use from every stage worker and
// never blocks longer than a mutex-protected ring append.
type Bus struct {
	sink Sink

	mu    sync.Mutex
	ring  []Event
	head  int // index of oldest event
	count int
	wake  chan struct{}

	dropped atomic.Uint64

	done      chan struct{}
	drainDone chan struct{}
	closeOnce sync.Once
}

// NewBus creates a bus with the given queue depth (≤ 0 selects the default)
// draining into sink, and starts the drain goroutine.
func NewBus(sink Sink, queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	b := &Bus{
		sink:      sink,
		ring:      make([]Event, queueDepth),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		drainDone: make(chan struct{}),
	}
	go b.drain()
	return b
}

// Publish enqueues ev. When the queue is full the oldest event is dropped and
// the drop counters (local and OTel) are incremented.
func (b *Bus) Publish(ev Event) {
	dropped := false
	b.mu.Lock()
	if b.count == len(b.ring) {
		// Drop oldest.
		b.head = (b.head + 1) % len(b.ring)
		b.count--
		b.dropped.Add(1)
		dropped = true
	}
	b.ring[(b.head+b.count)%len(b.ring)] = ev
	b.count++
	b.mu.Unlock()

	if dropped {
		observe.DefaultMetrics().EventsDropped.Add(context.Background(), 1)
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Dropped returns the number of events discarded due to queue overflow.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops the drain goroutine after the queue is emptied, then closes the
// sink. Safe to call multiple times.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		<-b.drainDone
		err = b.sink.Close()
	})
	return err
}

// drain moves events from the ring to the sink until Close is called and the
// ring is empty.
func (b *Bus) drain() {
	defer close(b.drainDone)
	ctx := context.Background()
	for {
		ev, ok := b.pop()
		if ok {
			if err := b.sink.Write(ctx, ev); err != nil {
				slog.Warn("event sink write failed", "kind", ev.Kind, "call_id", ev.CallID, "err", err)
			}
			continue
		}
		select {
		case <-b.wake:
		case <-b.done:
			// Final sweep of anything published between the last pop and done.
			for {
				ev, ok := b.pop()
				if !ok {
					return
				}
				if err := b.sink.Write(ctx, ev); err != nil {
					slog.Warn("event sink write failed", "kind", ev.Kind, "call_id", ev.CallID, "err", err)
				}
			}
		}
	}
}

// pop removes and returns the oldest queued event.
func (b *Bus) pop() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return Event{}, false
	}
	ev := b.ring[b.head]
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	return ev, true
}

// ─── Sinks ────────────────────────────────────────────────────────────────────

// WriterSink writes newline-delimited JSON events to an io.Writer (stdout, a
// log file, a pipe to a shipper). It is the default sink.
type WriterSink struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewWriterSink creates a sink that emits NDJSON to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w, enc: json.NewEncoder(w)}
}

// Write encodes ev as one JSON line.
func (s *WriterSink) Write(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ev)
}

// Close closes the underlying writer when it is an io.Closer.
func (s *WriterSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// DiscardSink drops every event. Useful in tests and benchmarks.
type DiscardSink struct{}

func (DiscardSink) Write(context.Context, Event) error { return nil }
func (DiscardSink) Close() error                       { return nil }

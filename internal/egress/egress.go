// Package egress is the outbound audio stage for one call: it accepts
// synthesized μ-law audio in arbitrary chunk sizes, reframes it to the
// canonical 20 ms frame, and writes frames to the telephony transport at
// wall-clock cadence.
//
// The queue is bounded to 500 ms of audio; a TTS provider that synthesizes
// faster than real time blocks in Enqueue, which is the natural backpressure.
// On barge-in, Flush empties the queue within one frame period and asks the
// provider to clear its own buffer.
package egress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/internal/observe"
	"github.com/telvana/voicecore/pkg/audio"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	// queueFrames bounds the outbound queue to 500 ms of audio.
	queueFrames = 25

	// underrunReportEvery throttles OutputUnderrun events.
	underrunReportEvery = time.Second
)

// FrameSink receives paced outbound frames. Implemented by
// telephony.Transport.
type FrameSink interface {
	SendFrame(ctx context.Context, frame types.AudioFrame) error
	Clear(ctx context.Context) error
	Mark(ctx context.Context, name string) error
}

// Egress paces outbound audio for one call. Create with New, run Run once;
// Enqueue and Flush are safe from other goroutines.
type Egress struct {
	sink   FrameSink
	bus    *events.Bus
	logger *slog.Logger
	callID string

	queue chan []byte

	mu    sync.Mutex
	carry []byte

	seq      atomic.Uint64
	speaking atomic.Bool
}

// New creates the egress stage for one call.
func New(callID string, sink FrameSink, bus *events.Bus, logger *slog.Logger) *Egress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Egress{
		sink:   sink,
		bus:    bus,
		logger: logger,
		callID: callID,
		queue:  make(chan []byte, queueFrames),
	}
}

// Enqueue reframes chunk into 20 ms frames and queues them, blocking when the
// 500 ms bound is reached. A partial trailing frame is carried over to the
// next Enqueue; call EndSegment to flush it.
func (e *Egress) Enqueue(ctx context.Context, chunk []byte) error {
	e.mu.Lock()
	buf := append(e.carry, chunk...)
	var frames [][]byte
	for len(buf) >= audio.FrameBytes {
		frames = append(frames, buf[:audio.FrameBytes:audio.FrameBytes])
		buf = buf[audio.FrameBytes:]
	}
	e.carry = append([]byte(nil), buf...)
	e.mu.Unlock()

	for _, f := range frames {
		// A cancelled context must win even when the queue has room, so a
		// barge-in Flush is never raced by stale frames.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case e.queue <- f:
			e.speaking.Store(true)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// EndSegment pads the carried partial frame with μ-law silence and queues it.
// Call at the end of each synthesized sentence so no tail audio is stranded.
func (e *Egress) EndSegment(ctx context.Context) error {
	e.mu.Lock()
	if len(e.carry) == 0 {
		e.mu.Unlock()
		return nil
	}
	frame := make([]byte, audio.FrameBytes)
	n := copy(frame, e.carry)
	copy(frame[n:], audio.Silence(audio.FrameBytes-n))
	e.carry = nil
	e.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case e.queue <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush discards all queued audio and the carried partial frame, then asks
// the provider to clear its buffer. At most the frame already in flight (≤ 20
// ms) still plays. Called on barge-in; completes within one frame period.
func (e *Egress) Flush(ctx context.Context) error {
	e.mu.Lock()
	e.carry = nil
	e.mu.Unlock()

	for {
		select {
		case <-e.queue:
		default:
			e.speaking.Store(false)
			return e.sink.Clear(ctx)
		}
	}
}

// Mark sends a named pacing mark through to the provider.
func (e *Egress) Mark(ctx context.Context, name string) error {
	return e.sink.Mark(ctx, name)
}

// QueuedDuration returns the duration of audio currently queued.
func (e *Egress) QueuedDuration() time.Duration {
	return time.Duration(len(e.queue)) * audio.FrameDuration
}

// Drain waits until the queue has played out or ctx expires. Used for the
// grace drain on call end.
func (e *Egress) Drain(ctx context.Context) error {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	for {
		if len(e.queue) == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run writes queued frames to the sink at one frame per 20 ms until ctx is
// cancelled. A send failure is fatal: the transport is already retrying
// transient errors internally.
func (e *Egress) Run(ctx context.Context) error {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	var underruns uint64
	lastReport := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case now := <-ticker.C:
			select {
			case payload := <-e.queue:
				frame := types.AudioFrame{
					Seq:        e.seq.Add(1),
					Payload:    payload,
					ReceivedAt: now,
					Direction:  types.DirectionOut,
				}
				if err := e.sink.SendFrame(ctx, frame); err != nil {
					return err
				}
			default:
				if !e.speaking.Load() {
					continue
				}
				// Queue ran dry mid-utterance: synthesis is not keeping up.
				underruns++
				if now.Sub(lastReport) >= underrunReportEvery {
					observe.DefaultMetrics().OutputUnderruns.Add(ctx, int64(underruns))
					e.bus.Publish(events.New(events.KindOutputUnderrun, e.callID, events.F("count", underruns, "stage", "egress")))
					underruns = 0
					lastReport = now
				}
			}
		}
	}
}

// Done marks the current turn's audio as fully enqueued. The remaining queue
// still plays out; an empty queue after Done is the normal end of playback,
// not an underrun.
func (e *Egress) Done() {
	e.speaking.Store(false)
}

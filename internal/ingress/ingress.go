// Package ingress is the inbound audio stage for one call: it consumes
// telephony frames, smooths arrival jitter, runs voice activity detection,
// and gates the frame stream toward the STT client.
//
// Only voiced spans reach STT, prefixed with a short pre-roll so the
// recognizer hears the onset of speech. Silence between utterances is
// suppressed. Activity transitions feed the turn controller, which uses them
// for turn-taking and barge-in.
package ingress

import (
	"context"
	"log/slog"
	"time"

	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/internal/observe"
	"github.com/telvana/voicecore/pkg/audio"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	// defaultPreRoll is the leading context forwarded to STT before the
	// detected activity start.
	defaultPreRoll = 60 * time.Millisecond

	// frameQueueDepth buffers arrival bursts between the reader and the
	// pacing loop.
	frameQueueDepth = 64

	// underrunReportEvery throttles OutputUnderrun events.
	underrunReportEvery = time.Second
)

// ActivityKind discriminates activity transitions.
type ActivityKind int

const (
	// ActivityStarted marks the onset of caller speech.
	ActivityStarted ActivityKind = iota

	// ActivityEnded marks the end of caller speech.
	ActivityEnded
)

// Activity is one voice-activity transition, stamped with the monotonic call
// time of the frame that caused it.
type Activity struct {
	Kind ActivityKind
	At   time.Duration
}

// FrameSource produces ordered inbound frames. Implemented by
// telephony.Transport.
type FrameSource interface {
	ReceiveFrame(ctx context.Context) (types.AudioFrame, error)
}

// Config tunes the ingress stage.
type Config struct {
	VAD     VADConfig
	Jitter  JitterConfig
	PreRoll time.Duration
}

// Ingress runs VAD and jitter buffering for one call. Create with New, then
// call Run exactly once.
type Ingress struct {
	source FrameSource
	bus    *events.Bus
	logger *slog.Logger
	callID string

	vad     *VAD
	jitter  *JitterBuffer
	preRoll int

	audio    chan []byte
	activity chan Activity

	// rolling pre-roll of recent silent frames, oldest first
	recent []types.AudioFrame
}

// New creates the ingress stage for one call.
func New(callID string, source FrameSource, bus *events.Bus, logger *slog.Logger, cfg Config) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PreRoll == 0 {
		cfg.PreRoll = defaultPreRoll
	}
	return &Ingress{
		source:   source,
		bus:      bus,
		logger:   logger,
		callID:   callID,
		vad:      NewVAD(cfg.VAD),
		jitter:   NewJitterBuffer(cfg.Jitter),
		preRoll:  int(cfg.PreRoll / audio.FrameDuration),
		audio:    make(chan []byte, frameQueueDepth),
		activity: make(chan Activity, 16),
	}
}

// Audio returns the gated μ-law stream toward STT. A zero-length chunk marks
// the close of a voiced span and carries no audio. Closed when Run returns.
func (in *Ingress) Audio() <-chan []byte { return in.audio }

// Activity returns the transition stream toward the turn controller. Closed
// when Run returns.
func (in *Ingress) Activity() <-chan Activity { return in.activity }

// Run consumes the source until it fails or ends. The source's terminal error
// is returned as-is so the supervisor can distinguish a graceful end of
// stream from a transport failure.
func (in *Ingress) Run(ctx context.Context) error {
	defer close(in.audio)
	defer close(in.activity)

	frames := make(chan types.AudioFrame, frameQueueDepth)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			frame, err := in.source.ReceiveFrame(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	sawAudio := false
	var underruns uint64
	lastUnderrunReport := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case now := <-ticker.C:
			// Move everything that arrived since the last tick into the
			// jitter buffer, then release one frame.
			draining := true
			for draining {
				select {
				case frame, ok := <-frames:
					if !ok {
						draining = false
						continue
					}
					sawAudio = true
					in.push(ctx, frame)
				default:
					draining = false
				}
			}

			frame, ok := in.jitter.Pop(now)
			if !ok {
				// An empty buffer is only an underrun while speech is in
				// flight; silence between utterances is the normal state.
				if sawAudio && in.vad.Active() {
					underruns++
					if now.Sub(lastUnderrunReport) >= underrunReportEvery {
						observe.DefaultMetrics().OutputUnderruns.Add(ctx, int64(underruns))
						in.bus.Publish(events.New(events.KindOutputUnderrun, in.callID, events.F("count", underruns, "stage", "ingress")))
						underruns = 0
						lastUnderrunReport = now
					}
				}
				// The reader may have stopped; only then is the stage done.
				select {
				case err := <-readErr:
					return err
				default:
				}
				continue
			}
			in.forward(ctx, frame.Payload)
		}
	}
}

// push classifies the frame and gates it: frames inside a voiced span enter
// the jitter buffer (with the pre-roll flushed in at activity start), frames
// outside feed the rolling pre-roll. Overrun drops are reported.
func (in *Ingress) push(ctx context.Context, frame types.AudioFrame) {
	voiced, tr := in.vad.Process(frame.Payload)
	in.transition(ctx, tr, frame.Monotonic)

	if !in.vad.Active() {
		in.recent = append(in.recent, frame)
		if len(in.recent) > in.preRoll {
			in.recent = in.recent[1:]
		}
		return
	}

	dropped := 0
	if tr == TransitionStarted {
		for _, pre := range in.recent {
			dropped += in.jitter.Push(pre, false)
		}
		in.recent = in.recent[:0]
	}
	dropped += in.jitter.Push(frame, voiced)
	if dropped > 0 {
		observe.DefaultMetrics().IngressDrops.Add(ctx, int64(dropped))
		in.bus.Publish(events.New(events.KindIngressDrop, in.callID, events.F("frames", dropped)))
	}
}

// transition publishes activity changes to the bus and the turn controller.
func (in *Ingress) transition(ctx context.Context, tr Transition, at time.Duration) {
	var act Activity
	switch tr {
	case TransitionStarted:
		act = Activity{Kind: ActivityStarted, At: at}
		in.bus.Publish(events.New(events.KindVoiceActivityStarted, in.callID, events.F("at_ms", at.Milliseconds())))
	case TransitionEnded:
		act = Activity{Kind: ActivityEnded, At: at}
		in.bus.Publish(events.New(events.KindVoiceActivityEnded, in.callID, events.F("at_ms", at.Milliseconds())))
		// Gate-close marker toward STT: from this moment the recognizer owes
		// a final transcript for the span that just ended.
		in.forward(ctx, nil)
	default:
		return
	}
	select {
	case in.activity <- act:
	case <-ctx.Done():
	}
}

func (in *Ingress) forward(ctx context.Context, payload []byte) {
	select {
	case in.audio <- payload:
	case <-ctx.Done():
	}
}

// Package telephony maintains the duplex media-stream socket with the
// telephony provider for one call.
//
// Inbound, the provider sends JSON control messages (connected, start, dtmf,
// stop) interleaved with base64 μ-law media payloads; the transport decodes
// them into canonical 20 ms AudioFrames. Providers that send 10 ms frames are
// reframed transparently. Outbound, frames are encoded back to provider
// framing; clear and mark messages support barge-in flush and pacing
// round-trips.
//
// Audio passes through as μ-law end to end. No PCM conversion happens
// anywhere in the pipeline.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/telvana/voicecore/pkg/audio"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	// readTimeout fails the call when neither a frame nor a keep-alive
	// arrives for this long.
	readTimeout = 10 * time.Second

	// writeRetryWindow bounds the transient-write retry sequence.
	writeRetryWindow = 100 * time.Millisecond

	// writeRetries is the maximum number of retries after a failed write.
	writeRetries = 2

	// dtmfBuf is the depth of the DTMF digit channel. Digits are log-only;
	// overflow drops silently.
	dtmfBuf = 16
)

// ErrEndOfStream is returned by ReceiveFrame after the provider's stop
// message. It is the graceful end of the call.
var ErrEndOfStream = errors.New("telephony: end of stream")

// TransportError wraps a fatal socket failure. The transport is not
// restartable: a TransportError ends the call.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("telephony: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StartInfo is the call metadata extracted from the provider handshake.
type StartInfo struct {
	// CallSID is the provider-assigned call id. Recorded but not used as the
	// primary id.
	CallSID string

	// StreamSID keys all outbound messages.
	StreamSID string

	// From and To are the caller and called numbers.
	From string
	To   string

	// Encoding and SampleRate describe the negotiated codec. Expected
	// "audio/x-mulaw" at 8000.
	Encoding   string
	SampleRate int
}

// Transport is the media-stream socket for one call. ReceiveFrame and
// SendFrame may be used from different goroutines; neither may be called
// concurrently with itself.
type Transport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	info      StartInfo
	startedAt time.Time

	// pending accumulates sub-frame media payloads until a full 20 ms frame
	// is available.
	pending []byte
	seq     uint64
	outSeq  uint64

	dtmf  chan types.DTMF
	marks chan string

	closeOnce sync.Once
}

// Accept performs the provider handshake on an already-upgraded websocket
// connection: it consumes messages until the start event and returns a ready
// transport. The ctx bounds the handshake only.
func Accept(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		conn:   conn,
		logger: logger,
		dtmf:   make(chan types.DTMF, dtmfBuf),
		marks:  make(chan string, dtmfBuf),
	}

	for {
		msg, err := t.readMessage(ctx)
		if err != nil {
			return nil, &TransportError{Op: "handshake", Err: err}
		}
		switch msg.Event {
		case "connected":
			logger.Debug("telephony connected", "protocol", msg.Protocol, "version", msg.Version)
		case "start":
			t.info = StartInfo{
				CallSID:    msg.Start.CallSid,
				StreamSID:  msg.Start.StreamSid,
				From:       msg.Start.From,
				To:         msg.Start.To,
				Encoding:   msg.Start.MediaFormat.Encoding,
				SampleRate: msg.Start.MediaFormat.SampleRate,
			}
			if t.info.StreamSID == "" {
				t.info.StreamSID = msg.StreamSid
			}
			t.startedAt = time.Now()
			return t, nil
		case "stop":
			return nil, &TransportError{Op: "handshake", Err: errors.New("stop before start")}
		default:
			logger.Debug("telephony handshake: ignoring event", "event", msg.Event)
		}
	}
}

// Info returns the handshake metadata.
func (t *Transport) Info() StartInfo { return t.info }

// DTMF returns the inbound digit stream.
func (t *Transport) DTMF() <-chan types.DTMF { return t.dtmf }

// Marks returns echoed mark names, in provider order.
func (t *Transport) Marks() <-chan string { return t.marks }

// ReceiveFrame returns the next canonical 20 ms inbound frame. It blocks
// until a full frame accumulates, returns ErrEndOfStream on the provider's
// stop message, and a TransportError on socket failure or a silent inbound
// socket (> 10 s without any message).
func (t *Transport) ReceiveFrame(ctx context.Context) (types.AudioFrame, error) {
	for {
		if frame, ok := t.popFrame(); ok {
			return frame, nil
		}

		msg, err := t.readMessage(ctx)
		if err != nil {
			return types.AudioFrame{}, &TransportError{Op: "read", Err: err}
		}

		switch msg.Event {
		case "media":
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				t.logger.Warn("telephony: undecodable media payload", "err", err)
				continue
			}
			t.pending = append(t.pending, payload...)
		case "dtmf":
			d := types.DTMF{Digit: msg.DTMF.Digit, Timestamp: time.Since(t.startedAt)}
			select {
			case t.dtmf <- d:
			default:
			}
		case "mark":
			select {
			case t.marks <- msg.Mark.Name:
			default:
			}
		case "stop":
			return types.AudioFrame{}, ErrEndOfStream
		}
	}
}

// popFrame slices one 160-byte frame off the pending buffer.
func (t *Transport) popFrame() (types.AudioFrame, bool) {
	if len(t.pending) < audio.FrameBytes {
		return types.AudioFrame{}, false
	}
	payload := make([]byte, audio.FrameBytes)
	copy(payload, t.pending[:audio.FrameBytes])
	t.pending = t.pending[audio.FrameBytes:]

	t.seq++
	return types.AudioFrame{
		Seq:        t.seq,
		Payload:    payload,
		ReceivedAt: time.Now(),
		Monotonic:  time.Since(t.startedAt),
		Direction:  types.DirectionIn,
	}, true
}

// readMessage reads one JSON message with the inbound silence timeout
// applied.
func (t *Transport) readMessage(ctx context.Context) (*inboundMessage, error) {
	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	_, data, err := t.conn.Read(readCtx)
	if err != nil {
		return nil, err
	}
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// SendFrame writes one outbound frame. Transient write errors are retried at
// most twice within 100 ms; a still-unwritable socket returns a
// TransportError and the call ends. Frames are never silently dropped.
func (t *Transport) SendFrame(ctx context.Context, frame types.AudioFrame) error {
	var out outboundMedia
	out.Event = "media"
	out.StreamSid = t.info.StreamSID
	out.Media.Payload = base64.StdEncoding.EncodeToString(frame.Payload)
	t.outSeq++
	return t.writeJSON(ctx, "send frame", out)
}

// Clear flushes the provider's outbound buffer. Used at barge-in.
func (t *Transport) Clear(ctx context.Context) error {
	return t.writeJSON(ctx, "clear", outboundClear{Event: "clear", StreamSid: t.info.StreamSID})
}

// Mark inserts a named pacing mark. The provider echoes it on Marks once all
// audio queued before the mark has played.
func (t *Transport) Mark(ctx context.Context, name string) error {
	var out outboundMark
	out.Event = "mark"
	out.StreamSid = t.info.StreamSID
	out.Mark.Name = name
	return t.writeJSON(ctx, "mark", out)
}

func (t *Transport) writeJSON(ctx context.Context, op string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("telephony: encode %s: %w", op, err)
	}

	deadline := time.Now().Add(writeRetryWindow)
	var lastErr error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if attempt > 0 {
			if time.Now().After(deadline) {
				break
			}
			select {
			case <-time.After(writeRetryWindow / (writeRetries + 1)):
			case <-ctx.Done():
				return &TransportError{Op: op, Err: ctx.Err()}
			}
		}
		if lastErr = t.conn.Write(ctx, websocket.MessageText, data); lastErr == nil {
			return nil
		}
	}
	return &TransportError{Op: op, Err: lastErr}
}

// Close tears down the socket. Safe to call multiple times.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}

// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// live WebSocket API. It implements the stt.Provider interface.
//
// The session keeps the socket warm with a KeepAlive text message every 5 s
// and surfaces Results, UtteranceEnd, SpeechStarted, and Metadata messages as
// typed [stt.Message] values. Reconnection policy is deliberately not handled
// here; the sttclient stage owns backoff and state carry-over.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/telvana/voicecore/pkg/provider/stt"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"

	// keepAliveInterval is Deepgram's recommended heartbeat cadence.
	keepAliveInterval = 5 * time.Second

	// audioBuf is the depth of the outbound audio queue. 256 chunks of 20 ms
	// absorbs more than 5 s of scheduling jitter without blocking ingress.
	audioBuf = 256

	// messageBuf is the depth of the inbound message channel.
	messageBuf = 64
)

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g., "nova-3"). Default "nova-3".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the live API endpoint. Used in tests to point at a
// local websocket server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider backed by the Deepgram live API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
}

// New creates a Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials the live endpoint with cfg encoded as query parameters
// and returns a running session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusPaymentRequired) {
			return nil, &stt.AuthError{Provider: "deepgram", Detail: resp.Status}
		}
		return nil, &stt.ConnectError{Provider: "deepgram", Err: err}
	}

	sess := &session{
		conn:     conn,
		audio:    make(chan []byte, audioBuf),
		messages: make(chan stt.Message, messageBuf),
		done:     make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)
	return sess, nil
}

// buildURL constructs the live endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("utterances", strconv.FormatBool(cfg.Utterances))
	q.Set("vad_events", strconv.FormatBool(cfg.VADEvents))
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("numerals", strconv.FormatBool(cfg.Numerals))
	q.Set("filler_words", strconv.FormatBool(cfg.FillerWords))
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	if cfg.DetectLanguage {
		q.Set("detect_language", "true")
	}
	if cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(int(cfg.Endpointing.Milliseconds())))
	}
	if cfg.UtteranceEnd > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(int(cfg.UtteranceEnd.Milliseconds())))
	}
	for _, r := range cfg.Redact {
		q.Add("redact", r)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// liveMessage is the union of JSON shapes the live API sends.
type liveMessage struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Timestamp   float64 `json:"timestamp"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Languages  []string `json:"languages"`
		} `json:"alternatives"`
	} `json:"channel"`
	ModelInfo struct {
		Name string `json:"name"`
	} `json:"model_info"`
	Language    string `json:"language"`
	Warning     string `json:"warning"`
	Description string `json:"description"`
}

// session is a live Deepgram streaming session. It implements
// stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	audio    chan []byte
	messages chan stt.Message

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a raw μ-law chunk for delivery.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Messages returns the inbound message stream.
func (s *session) Messages() <-chan stt.Message { return s.messages }

// Close flushes pending audio, sends CloseStream, and tears down the socket.
// Safe to call multiple times.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop forwards queued audio as binary frames and emits a KeepAlive text
// message every 5 s of outbound silence.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
			keepAlive.Reset(keepAliveInterval)
		case <-keepAlive.C:
			msg := fmt.Sprintf(`{"type":"KeepAlive","timestamp":%d}`, time.Now().UnixMilli())
			if err := s.conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		case <-s.done:
			// Drain remaining audio so the CloseStream flush covers it.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages and dispatches typed stt.Message values.
// The messages channel is closed when the connection drops, which is the
// sttclient's reconnect signal.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Deliberate close; no error message.
			default:
				s.deliver(stt.Message{
					Kind:      stt.MessageError,
					Err:       &stt.ConnectError{Provider: "deepgram", Err: err},
					Retriable: true,
				})
			}
			return
		}

		msg, ok := parseLiveMessage(data)
		if !ok {
			continue
		}
		s.deliver(msg)
	}
}

// deliver pushes msg unless the session is shutting down.
func (s *session) deliver(msg stt.Message) {
	select {
	case s.messages <- msg:
	case <-s.done:
	}
}

// parseLiveMessage converts a raw live-API JSON message into an stt.Message.
// Returns ok=false for message types the pipeline ignores.
func parseLiveMessage(data []byte) (stt.Message, bool) {
	var m liveMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return stt.Message{}, false
	}

	switch m.Type {
	case "Results":
		if len(m.Channel.Alternatives) == 0 {
			return stt.Message{}, false
		}
		alt := m.Channel.Alternatives[0]
		lang := ""
		if len(alt.Languages) > 0 {
			lang = alt.Languages[0]
		}
		return stt.Message{
			Kind: stt.MessageTranscript,
			Transcript: types.Transcript{
				Text:        alt.Transcript,
				Confidence:  alt.Confidence,
				IsFinal:     m.IsFinal,
				SpeechFinal: m.SpeechFinal,
				Start:       secondsToDuration(m.Start),
				Duration:    secondsToDuration(m.Duration),
				Language:    lang,
			},
		}, true

	case "UtteranceEnd":
		return stt.Message{
			Kind:      stt.MessageUtteranceEnd,
			Timestamp: secondsToDuration(m.Timestamp),
		}, true

	case "SpeechStarted":
		return stt.Message{
			Kind:      stt.MessageSpeechStarted,
			Timestamp: secondsToDuration(m.Timestamp),
		}, true

	case "Metadata":
		return stt.Message{
			Kind:      stt.MessageMetadata,
			Language:  m.Language,
			ModelInfo: m.ModelInfo.Name,
		}, true

	case "Warning":
		return stt.Message{
			Kind:      stt.MessageError,
			Err:       fmt.Errorf("deepgram: warning: %s", m.Warning),
			Retriable: true,
		}, true

	case "Error":
		return stt.Message{
			Kind:      stt.MessageError,
			Err:       fmt.Errorf("deepgram: error: %s", m.Description),
			Retriable: true,
		}, true
	}

	return stt.Message{}, false
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

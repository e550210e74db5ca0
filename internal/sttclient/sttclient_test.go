package sttclient

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/pkg/provider/stt"
	"github.com/telvana/voicecore/pkg/provider/stt/mock"
	"github.com/telvana/voicecore/pkg/types"
)

func newClient(t *testing.T, p *mock.Provider, cfg Config) (*Client, chan []byte, func() error) {
	t.Helper()
	bus := events.NewBus(events.DiscardSink{}, 100)
	t.Cleanup(func() { bus.Close() })

	audio := make(chan []byte, 16)
	c := New("call-1", p, audio, bus, nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	return c, audio, func() error {
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("Run did not return")
			return nil
		}
	}
}

func waitSession(t *testing.T, p *mock.Provider, n int) *mock.Session {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for p.SessionCount() < n {
		select {
		case <-deadline:
			t.Fatalf("session %d never opened (have %d)", n, p.SessionCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	return p.Sessions[n-1]
}

func collect(t *testing.T, c *Client, kind UpdateKind) Update {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-c.Updates():
			if !ok {
				t.Fatalf("updates closed before %v", kind)
			}
			if u.Kind == kind {
				return u
			}
		case <-deadline:
			t.Fatalf("no %v update", kind)
		}
	}
}

func TestInterimThenFinal(t *testing.T) {
	p := &mock.Provider{}
	c, audio, wait := newClient(t, p, Config{})
	sess := waitSession(t, p, 1)

	audio <- make([]byte, 160)

	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "what is", Confidence: 0.4,
	}})
	interim := collect(t, c, UpdateInterim)
	if interim.Transcript.UtteranceID == "" || interim.Transcript.IsFinal {
		t.Errorf("interim = %+v", interim.Transcript)
	}

	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "what is your return policy", Confidence: 0.97, IsFinal: true, SpeechFinal: true,
	}})
	final := collect(t, c, UpdateFinal)
	if final.Transcript.Text != "what is your return policy" {
		t.Errorf("final text = %q", final.Transcript.Text)
	}
	if final.Transcript.UtteranceID != interim.Transcript.UtteranceID {
		t.Errorf("utterance ids differ: %q vs %q", final.Transcript.UtteranceID, interim.Transcript.UtteranceID)
	}
	if final.Latency <= 0 {
		t.Errorf("latency = %s", final.Latency)
	}

	close(audio)
	if err := wait(); err != nil {
		t.Fatalf("Run = %v", err)
	}

	if got := sess.Audio(); len(got) != 1 || len(got[0]) != 160 {
		t.Errorf("forwarded audio = %d chunks", len(got))
	}
}

func TestWarmupHint(t *testing.T) {
	p := &mock.Provider{}
	c, audio, wait := newClient(t, p, Config{})
	sess := waitSession(t, p, 1)

	// Low-confidence interim: no warm-up.
	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "what is your return", Confidence: 0.5,
	}})
	// High-confidence long interim: warm-up fires once.
	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "what is your return policy", Confidence: 0.9,
	}})
	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "what is your return policy please", Confidence: 0.95,
	}})

	collect(t, c, UpdateWarmup)

	// Drain remaining interims and confirm no second warm-up before final.
	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "what is your return policy please", Confidence: 0.95, IsFinal: true, SpeechFinal: true,
	}})
	for {
		u := <-c.Updates()
		if u.Kind == UpdateWarmup {
			t.Fatal("warm-up fired twice in one utterance")
		}
		if u.Kind == UpdateFinal {
			break
		}
	}

	close(audio)
	if err := wait(); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestFinalsAccumulateAcrossWindows(t *testing.T) {
	p := &mock.Provider{}
	c, audio, wait := newClient(t, p, Config{})
	sess := waitSession(t, p, 1)

	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "turn off", Confidence: 0.9, IsFinal: true,
	}})
	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "the lights", Confidence: 0.92, IsFinal: true, SpeechFinal: true,
	}})

	final := collect(t, c, UpdateFinal)
	if final.Transcript.Text != "turn off the lights" {
		t.Errorf("final text = %q", final.Transcript.Text)
	}

	close(audio)
	if err := wait(); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestReconnectOnDrop(t *testing.T) {
	p := &mock.Provider{}
	c, audio, wait := newClient(t, p, Config{})
	sess1 := waitSession(t, p, 1)

	sess1.Drop()
	sess2 := waitSession(t, p, 2)

	// The new session works; the utterance flows normally.
	sess2.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "hello", Confidence: 0.9, IsFinal: true, SpeechFinal: true,
	}})
	final := collect(t, c, UpdateFinal)
	if final.Transcript.Text != "hello" {
		t.Errorf("final = %q", final.Transcript.Text)
	}

	close(audio)
	if err := wait(); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestUtteranceStateCarriesOverReconnect(t *testing.T) {
	p := &mock.Provider{}
	c, audio, wait := newClient(t, p, Config{})
	sess1 := waitSession(t, p, 1)

	sess1.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "book a table", Confidence: 0.9, IsFinal: true,
	}})
	interimDrained := collect(t, c, UpdateInterim)
	_ = interimDrained
	sess1.Drop()

	sess2 := waitSession(t, p, 2)
	sess2.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "for two", Confidence: 0.9, IsFinal: true, SpeechFinal: true,
	}})

	final := collect(t, c, UpdateFinal)
	if final.Transcript.Text != "book a table for two" {
		t.Errorf("final = %q", final.Transcript.Text)
	}

	close(audio)
	if err := wait(); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestAuthErrorIsFatal(t *testing.T) {
	p := &mock.Provider{DialErr: &stt.AuthError{Provider: "mock", Detail: "bad key"}}
	_, _, wait := newClient(t, p, Config{})

	err := wait()
	var auth *stt.AuthError
	if !errors.As(err, &auth) {
		t.Fatalf("Run = %v, want AuthError", err)
	}
	if p.SessionCount() != 0 {
		t.Errorf("sessions = %d", p.SessionCount())
	}
}

func TestUtteranceLost(t *testing.T) {
	p := &mock.Provider{}
	_, _, wait := newClient(t, p, Config{FinalGrace: 100 * time.Millisecond})
	sess := waitSession(t, p, 1)

	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "hel", Confidence: 0.3,
	}})
	sess.Push(stt.Message{Kind: stt.MessageUtteranceEnd})

	if err := wait(); !errors.Is(err, ErrUtteranceLost) {
		t.Fatalf("Run = %v, want ErrUtteranceLost", err)
	}
}

func TestUtteranceLostWhenProviderGoesMute(t *testing.T) {
	p := &mock.Provider{}
	c, audio, wait := newClient(t, p, Config{FinalGrace: 100 * time.Millisecond})
	sess := waitSession(t, p, 1)

	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "hel", Confidence: 0.3,
	}})
	collect(t, c, UpdateInterim)

	// Ingress closes the voiced span; the provider never says another word.
	audio <- nil

	if err := wait(); !errors.Is(err, ErrUtteranceLost) {
		t.Fatalf("Run = %v, want ErrUtteranceLost", err)
	}
	if got := sess.Audio(); len(got) != 0 {
		t.Errorf("gate-close marker forwarded to provider: %d chunks", len(got))
	}
}

func TestPendingFinalsFlushWhenProviderNeverCloses(t *testing.T) {
	p := &mock.Provider{}
	c, audio, wait := newClient(t, p, Config{FinalGrace: 100 * time.Millisecond})
	sess := waitSession(t, p, 1)

	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "turn off the lights", Confidence: 0.88, IsFinal: true, Language: "en",
	}})
	// An interim on the same stream proves the final above was consumed.
	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "turn off the lights", Confidence: 0.88,
	}})
	collect(t, c, UpdateInterim)

	// Gate closes; no speech_final and no UtteranceEnd ever arrive. The grace
	// window expires and the accumulated final is emitted, not lost.
	audio <- nil

	final := collect(t, c, UpdateFinal)
	if final.Transcript.Text != "turn off the lights" {
		t.Errorf("final = %q", final.Transcript.Text)
	}
	if final.Transcript.Confidence != 0.88 || final.Transcript.Language != "en" {
		t.Errorf("final metadata = %+v", final.Transcript)
	}

	close(audio)
	if err := wait(); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestUtteranceEndCarriesFinalMetadata(t *testing.T) {
	p := &mock.Provider{}
	c, audio, wait := newClient(t, p, Config{})
	sess := waitSession(t, p, 1)

	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "book a table", Confidence: 0.91, IsFinal: true,
		Start: 200 * time.Millisecond, Duration: 1200 * time.Millisecond, Language: "en-US",
	}})
	sess.Push(stt.Message{Kind: stt.MessageUtteranceEnd})

	final := collect(t, c, UpdateFinal)
	if final.Transcript.Text != "book a table" {
		t.Errorf("final = %q", final.Transcript.Text)
	}
	if final.Transcript.Confidence != 0.91 {
		t.Errorf("confidence = %v, want the fragment's own", final.Transcript.Confidence)
	}
	if final.Transcript.Language != "en-US" || final.Transcript.Duration != 1200*time.Millisecond {
		t.Errorf("metadata dropped: %+v", final.Transcript)
	}

	close(audio)
	if err := wait(); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

type upperCorrector struct{}

func (upperCorrector) Correct(text string) string { return strings.ToUpper(text) }

func TestCorrectorApplied(t *testing.T) {
	p := &mock.Provider{}
	c, audio, wait := newClient(t, p, Config{Corrector: upperCorrector{}})
	sess := waitSession(t, p, 1)

	sess.Push(stt.Message{Kind: stt.MessageTranscript, Transcript: types.Transcript{
		Text: "hello", Confidence: 0.9, IsFinal: true, SpeechFinal: true,
	}})

	final := collect(t, c, UpdateFinal)
	if final.Transcript.Text != "HELLO" {
		t.Errorf("final = %q", final.Transcript.Text)
	}

	close(audio)
	if err := wait(); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

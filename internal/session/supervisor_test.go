package session

import (
	"context"
	"testing"
	"time"

	"github.com/telvana/voicecore/internal/events"
	llmmock "github.com/telvana/voicecore/pkg/provider/llm/mock"
	sttmock "github.com/telvana/voicecore/pkg/provider/stt/mock"
	ttsmock "github.com/telvana/voicecore/pkg/provider/tts/mock"
)

func newSupervisor(t *testing.T) (*Supervisor, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	bus := events.NewBus(sink, 256)
	t.Cleanup(func() { bus.Close() })
	sv := NewSupervisor(testConfig(), Providers{
		STT: &sttmock.Provider{},
		LLM: &llmmock.Provider{},
		TTS: &ttsmock.Provider{},
	}, bus, nil, nil)
	return sv, sink
}

func TestSupervisorRejectsBadHandshake(t *testing.T) {
	sv, sink := newSupervisor(t)
	ft := newFakeTransport("call-1")
	ft.info.Encoding = "audio/l16"

	if err := sv.AcceptCall(context.Background(), ft); err == nil {
		t.Fatal("AcceptCall succeeded for unsupported codec")
	}

	// Rejected calls still emit a paired start/end.
	sink.waitFor(t, events.KindCallStarted, 1)
	sink.waitFor(t, events.KindCallEnded, 1)
	e, _ := sink.first(events.KindCallEnded)
	if reason, _ := e.Fields["reason"].(string); reason != "accept_failed" {
		t.Errorf("reason = %q, want accept_failed", reason)
	}
	if !ft.isClosed() {
		t.Error("transport not closed after rejection")
	}
	if n := sv.Active(); n != 0 {
		t.Errorf("Active = %d, want 0", n)
	}
}

func TestSupervisorEndCall(t *testing.T) {
	sv, sink := newSupervisor(t)
	ft := newFakeTransport("call-1")

	done := make(chan error, 1)
	go func() { done <- sv.AcceptCall(context.Background(), ft) }()

	deadline := time.Now().Add(5 * time.Second)
	for sv.Active() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("call never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !sv.EndCall("call-1", ReasonOperator) {
		t.Fatal("EndCall returned false for a live call")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AcceptCall: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call did not end")
	}

	e, _ := sink.first(events.KindCallEnded)
	if reason, _ := e.Fields["reason"].(string); reason != ReasonOperator {
		t.Errorf("reason = %q, want %q", reason, ReasonOperator)
	}
	if n := sv.Active(); n != 0 {
		t.Errorf("Active = %d, want 0", n)
	}
	if sv.EndCall("call-1", ReasonOperator) {
		t.Error("EndCall returned true after the call ended")
	}
}

func TestSupervisorShutdownEndsEveryCall(t *testing.T) {
	sv, sink := newSupervisor(t)

	transports := []*fakeTransport{newFakeTransport("call-1"), newFakeTransport("call-2")}
	done := make(chan error, len(transports))
	for _, ft := range transports {
		go func() { done <- sv.AcceptCall(context.Background(), ft) }()
	}

	deadline := time.Now().Add(5 * time.Second)
	for sv.Active() < len(transports) {
		if time.Now().After(deadline) {
			t.Fatalf("Active = %d, want %d", sv.Active(), len(transports))
		}
		time.Sleep(5 * time.Millisecond)
	}

	sv.Shutdown()
	for range transports {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("AcceptCall: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("call did not end on shutdown")
		}
	}

	if n := sink.count(events.KindCallEnded); n != len(transports) {
		t.Errorf("call_ended events = %d, want %d", n, len(transports))
	}
	e, _ := sink.first(events.KindCallEnded)
	if reason, _ := e.Fields["reason"].(string); reason != ReasonShutdown {
		t.Errorf("reason = %q, want %q", reason, ReasonShutdown)
	}
	if n := sv.Active(); n != 0 {
		t.Errorf("Active = %d, want 0", n)
	}
}

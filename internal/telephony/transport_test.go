package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/telvana/voicecore/pkg/audio"
	"github.com/telvana/voicecore/pkg/types"
)

// newPair returns the provider-side client connection and the core-side
// server connection of a live websocket pair.
func newPair(t *testing.T) (provider, core *websocket.Conn) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- conn
		// Keep the handler alive until the test finishes.
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, strings.Replace(srv.URL, "http", "ws", 1), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "") })

	select {
	case conn := <-accepted:
		return client, conn
	case <-time.After(5 * time.Second):
		t.Fatal("no server connection")
		return nil, nil
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.Write(context.Background(), websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func startMessage() string {
	return `{
		"event": "start",
		"streamSid": "MZ1",
		"start": {
			"callSid": "CA1",
			"streamSid": "MZ1",
			"from": "+15550100",
			"to": "+15550199",
			"mediaFormat": {"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1}
		}
	}`
}

func mediaMessage(payload []byte) string {
	return `{"event":"media","media":{"payload":"` + base64.StdEncoding.EncodeToString(payload) + `"}}`
}

func acceptTransport(t *testing.T, provider, core *websocket.Conn) *Transport {
	t.Helper()
	sendRaw(t, provider, `{"event":"connected","protocol":"Call","version":"1.0"}`)
	sendRaw(t, provider, startMessage())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := Accept(ctx, core, nil)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestAcceptHandshake(t *testing.T) {
	provider, core := newPair(t)
	tr := acceptTransport(t, provider, core)

	info := tr.Info()
	if info.CallSID != "CA1" || info.StreamSID != "MZ1" {
		t.Errorf("info = %+v", info)
	}
	if info.From != "+15550100" || info.To != "+15550199" {
		t.Errorf("numbers = %q → %q", info.From, info.To)
	}
	if info.Encoding != "audio/x-mulaw" || info.SampleRate != 8000 {
		t.Errorf("codec = %q/%d", info.Encoding, info.SampleRate)
	}
}

func TestReceiveFrame20ms(t *testing.T) {
	provider, core := newPair(t)
	tr := acceptTransport(t, provider, core)

	payload := make([]byte, audio.FrameBytes)
	for i := range payload {
		payload[i] = byte(i)
	}
	sendRaw(t, provider, mediaMessage(payload))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frame, err := tr.ReceiveFrame(ctx)
	if err != nil {
		t.Fatalf("ReceiveFrame: %v", err)
	}
	if frame.Seq != 1 || frame.Direction != types.DirectionIn {
		t.Errorf("frame meta = seq %d dir %v", frame.Seq, frame.Direction)
	}
	if len(frame.Payload) != audio.FrameBytes || frame.Payload[5] != 5 {
		t.Errorf("payload = %d bytes", len(frame.Payload))
	}
}

func TestReceiveFrameReframes10ms(t *testing.T) {
	provider, core := newPair(t)
	tr := acceptTransport(t, provider, core)

	// Two 80-byte payloads accumulate into one canonical 20 ms frame.
	half := make([]byte, audio.FrameBytes/2)
	sendRaw(t, provider, mediaMessage(half))
	sendRaw(t, provider, mediaMessage(half))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frame, err := tr.ReceiveFrame(ctx)
	if err != nil {
		t.Fatalf("ReceiveFrame: %v", err)
	}
	if len(frame.Payload) != audio.FrameBytes {
		t.Errorf("payload = %d bytes, want %d", len(frame.Payload), audio.FrameBytes)
	}
}

func TestReceiveFrameStop(t *testing.T) {
	provider, core := newPair(t)
	tr := acceptTransport(t, provider, core)

	sendRaw(t, provider, `{"event":"stop","stop":{"callSid":"CA1"}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := tr.ReceiveFrame(ctx)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("err = %v, want ErrEndOfStream", err)
	}
}

func TestDTMFDelivery(t *testing.T) {
	provider, core := newPair(t)
	tr := acceptTransport(t, provider, core)

	sendRaw(t, provider, `{"event":"dtmf","dtmf":{"track":"inbound_track","digit":"7"}}`)
	sendRaw(t, provider, `{"event":"stop"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := tr.ReceiveFrame(ctx); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("err = %v", err)
	}

	select {
	case d := <-tr.DTMF():
		if d.Digit != "7" {
			t.Errorf("digit = %q", d.Digit)
		}
	default:
		t.Fatal("no DTMF delivered")
	}
}

func TestSendFrameClearMark(t *testing.T) {
	provider, core := newPair(t)
	tr := acceptTransport(t, provider, core)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := audio.Silence(audio.FrameBytes)
	if err := tr.SendFrame(ctx, types.AudioFrame{Payload: payload, Direction: types.DirectionOut}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if err := tr.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := tr.Mark(ctx, "sentence-1"); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	read := func() map[string]any {
		_, data, err := provider.Read(ctx)
		if err != nil {
			t.Fatalf("provider read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return m
	}

	media := read()
	if media["event"] != "media" || media["streamSid"] != "MZ1" {
		t.Errorf("media = %v", media)
	}
	inner, _ := media["media"].(map[string]any)
	decoded, err := base64.StdEncoding.DecodeString(inner["payload"].(string))
	if err != nil || len(decoded) != audio.FrameBytes {
		t.Errorf("payload decode: %d bytes, err %v", len(decoded), err)
	}

	if clear := read(); clear["event"] != "clear" {
		t.Errorf("clear = %v", clear)
	}
	mark := read()
	if mark["event"] != "mark" {
		t.Fatalf("mark = %v", mark)
	}
	if mk, _ := mark["mark"].(map[string]any); mk["name"] != "sentence-1" {
		t.Errorf("mark name = %v", mk)
	}
}

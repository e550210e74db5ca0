package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/telvana/voicecore/pkg/provider/tts"
	"github.com/telvana/voicecore/pkg/types"
)

func TestSynthesize(t *testing.T) {
	audio := []byte("fake mulaw payload")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/v1/text-to-speech/voice-1/stream") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "ulaw_8000" {
			t.Errorf("output_format = %q", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "key" {
			t.Errorf("api key header = %q", got)
		}
		var sr speakRequest
		if err := json.NewDecoder(r.Body).Decode(&sr); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if sr.Text != "Good morning." || sr.ModelID != defaultModel {
			t.Errorf("request = %+v", sr)
		}
		if sr.VoiceSettings == nil || sr.VoiceSettings.Speed != 1.1 {
			t.Errorf("voice settings = %+v", sr.VoiceSettings)
		}
		w.Write(audio)
	}))
	defer srv.Close()

	p, err := New("key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.Synthesize(context.Background(), "Good morning.", types.VoiceProfile{ID: "voice-1", Speed: 1.1})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	var got []byte
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		got = append(got, c.Audio...)
	}
	if string(got) != string(audio) {
		t.Errorf("audio = %q", got)
	}
}

func TestSynthesizeDefaultVoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/fallback-voice/") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte{0xFF})
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL), WithDefaultVoice("fallback-voice"))
	ch, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	for range ch {
	}
}

func TestSynthesizeUnknownVoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	_, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{ID: "nope"})
	var ve *tts.VoiceError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want VoiceError", err)
	}
	if ve.VoiceID != "nope" {
		t.Errorf("voice ID = %q", ve.VoiceID)
	}
}

func TestSynthesizeNoVoice(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error with no voice and no default")
	}
}

package aura

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/telvana/voicecore/pkg/provider/tts"
	"github.com/telvana/voicecore/pkg/types"
)

func TestBuildURL(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := p.buildURL(types.VoiceProfile{ID: "aura-2-orion-en", Speed: 1.2, Pitch: -2, Emotion: "calm"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()

	tests := map[string]string{
		"model":       "aura-2-orion-en",
		"encoding":    "mulaw",
		"sample_rate": "8000",
		"container":   "none",
		"speed":       "1.2",
		"pitch":       "-2",
		"emotion":     "calm",
	}
	for key, want := range tests {
		if got := q.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}
}

func TestBuildURLDefaults(t *testing.T) {
	p, _ := New("key")
	raw, err := p.buildURL(types.VoiceProfile{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	if q.Get("model") != defaultModel {
		t.Errorf("model = %q, want default", q.Get("model"))
	}
	for _, absent := range []string{"speed", "pitch", "emotion"} {
		if q.Has(absent) {
			t.Errorf("query %s should be absent, got %q", absent, q.Get(absent))
		}
	}
}

func TestSynthesize(t *testing.T) {
	audio := make([]byte, 10000)
	for i := range audio {
		audio[i] = byte(i)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token key" {
			t.Errorf("auth header = %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["text"] != "Hello there." {
			t.Errorf("body = %v (%v)", body, err)
		}
		w.Write(audio)
	}))
	defer srv.Close()

	p, _ := New("key", WithEndpoint(srv.URL))
	ch, err := p.Synthesize(context.Background(), "Hello there.", types.VoiceProfile{})
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
	if len(got) != len(audio) {
		t.Fatalf("got %d bytes, want %d", len(got), len(audio))
	}
	for i := range got {
		if got[i] != audio[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], audio[i])
		}
	}
}

func TestSynthesizeEmptyText(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "   ", types.VoiceProfile{}); err != tts.ErrEmptyText {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
}

func TestSynthesizeStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"auth", http.StatusUnauthorized, "bad key", func(err error) bool {
			var e *tts.AuthError
			return errors.As(err, &e)
		}},
		{"unknown voice", http.StatusBadRequest, `unknown model "aura-nope"`, func(err error) bool {
			var e *tts.VoiceError
			return errors.As(err, &e)
		}},
		{"server error", http.StatusInternalServerError, "boom", func(err error) bool {
			var e *tts.SynthesisError
			return errors.As(err, &e)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.body, tt.status)
			}))
			defer srv.Close()

			p, _ := New("key", WithEndpoint(srv.URL))
			_, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{ID: "aura-nope"})
			if err == nil || !tt.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

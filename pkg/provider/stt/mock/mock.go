// Package mock provides an in-memory stt.Provider test double.
package mock

import (
	"context"
	"sync"

	"github.com/telvana/voicecore/pkg/provider/stt"
)

// Provider implements stt.Provider for tests. Each StartStream call returns a
// new [Session] recorded in Sessions; tests drive recognition by pushing
// messages into the session.
type Provider struct {
	mu sync.Mutex

	// DialErr, when non-nil, is returned by StartStream instead of a session.
	DialErr error

	// Sessions records every session created, in order.
	Sessions []*Session

	// Configs records the StreamConfig of each StartStream call.
	Configs []stt.StreamConfig
}

// StartStream returns a new mock session, or DialErr when set.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DialErr != nil {
		return nil, p.DialErr
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	p.Configs = append(p.Configs, cfg)
	return s, nil
}

// SessionCount returns how many sessions have been opened.
func (p *Provider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sessions)
}

// Session implements stt.SessionHandle for tests.
type Session struct {
	mu     sync.Mutex
	audio  [][]byte
	msgs   chan stt.Message
	done   chan struct{}
	once   sync.Once
	closed bool
}

// NewSession creates an open mock session.
func NewSession() *Session {
	return &Session{
		msgs: make(chan stt.Message, 64),
		done: make(chan struct{}),
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return nil
}

// Messages returns the inbound message stream.
func (s *Session) Messages() <-chan stt.Message { return s.msgs }

// Close marks the session closed and closes the message channel.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		close(s.msgs)
	})
	return nil
}

// Push delivers a message to the session's consumer. No-op after Close.
func (s *Session) Push(msg stt.Message) {
	select {
	case <-s.done:
	case s.msgs <- msg:
	}
}

// Drop simulates a connection loss: the message channel closes without Close
// having been called.
func (s *Session) Drop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		close(s.msgs)
	})
}

// Audio returns all chunks sent so far.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Closed reports whether Close (or Drop) has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

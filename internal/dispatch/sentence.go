package dispatch

import "strings"

// forceEmitChars is the rolling-buffer length past which a sentence is emitted
// at the next whitespace even without terminal punctuation. Long enumerations
// from the model would otherwise stall synthesis for seconds.
const forceEmitChars = 200

// Segmenter splits a streaming token sequence into sentence-sized units for
// synthesis. A sentence boundary is `.`, `!`, or `?` followed by whitespace or
// end-of-stream, or a newline not immediately preceded by punctuation (a soft
// break, as in a list). Not safe for concurrent use; the dispatcher owns one
// per stream.
type Segmenter struct {
	rest string
}

// Feed appends text to the rolling buffer and returns every sentence completed
// by it, in order.
func (s *Segmenter) Feed(text string) []string {
	s.rest += text
	var out []string
	for {
		sent, ok := s.next()
		if !ok {
			break
		}
		if sent != "" {
			out = append(out, sent)
		}
	}
	return out
}

// Flush returns the buffered remainder as a final sentence, or "" when the
// buffer holds only whitespace. A remainder past the force-emit length with no
// internal whitespace comes back as one unbroken chunk.
func (s *Segmenter) Flush() string {
	sent := strings.TrimSpace(s.rest)
	s.rest = ""
	return sent
}

func (s *Segmenter) next() (string, bool) {
	b := s.rest
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case isTerminal(c):
			// Punctuation at the buffer edge waits for the next token: a
			// following digit would mean "3.5", not a boundary.
			if i+1 < len(b) && isSpace(b[i+1]) {
				s.rest = b[i+1:]
				return strings.TrimSpace(b[:i+1]), true
			}

		case c == '\n':
			// A newline preceded by terminal punctuation was already split at
			// the punctuation above; reaching here means a soft break.
			s.rest = b[i+1:]
			return strings.TrimSpace(b[:i]), true

		case i >= forceEmitChars && isSpace(c):
			s.rest = b[i+1:]
			return strings.TrimSpace(b[:i]), true
		}
	}
	return "", false
}

func isTerminal(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

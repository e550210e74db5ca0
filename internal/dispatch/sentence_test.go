package dispatch

import (
	"strings"
	"testing"
)

func TestSegmenterBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		feeds []string
		want  []string
		tail  string
	}{
		{
			name:  "period followed by space",
			feeds: []string{"Our return policy allows 30 days. After that we"},
			want:  []string{"Our return policy allows 30 days."},
			tail:  "After that we",
		},
		{
			name:  "boundary split across chunks",
			feeds: []string{"That is correct", ".", " Let me check."},
			want:  []string{"That is correct."},
			tail:  "Let me check.",
		},
		{
			name:  "question and exclamation",
			feeds: []string{"Really? Yes! Good"},
			want:  []string{"Really?", "Yes!"},
			tail:  "Good",
		},
		{
			name:  "decimal number is not a boundary",
			feeds: []string{"The plan costs 3.50 per month. Shall we"},
			want:  []string{"The plan costs 3.50 per month."},
			tail:  "Shall we",
		},
		{
			name:  "bare newline is a soft break",
			feeds: []string{"First item\nSecond item"},
			want:  []string{"First item"},
			tail:  "Second item",
		},
		{
			name:  "newline after punctuation is one boundary",
			feeds: []string{"Done.\nNext line"},
			want:  []string{"Done."},
			tail:  "Next line",
		},
		{
			name:  "blank lines produce no empty sentences",
			feeds: []string{"One.\n\n\nTwo."},
			want:  []string{"One."},
			tail:  "Two.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := &Segmenter{}
			var got []string
			for _, f := range tt.feeds {
				got = append(got, seg.Feed(f)...)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("sentences = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sentence %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
			if tail := seg.Flush(); tail != tt.tail {
				t.Errorf("tail = %q, want %q", tail, tt.tail)
			}
		})
	}
}

func TestSegmenterForceEmit(t *testing.T) {
	// 250 characters with no punctuation: force-emit at the first whitespace
	// past 200.
	word := strings.Repeat("a", 24) + " " // 25 chars per word
	seg := &Segmenter{}
	got := seg.Feed(strings.Repeat(word, 10))
	if len(got) == 0 {
		t.Fatal("no forced emission")
	}
	if n := len(got[0]); n < forceEmitChars || n > forceEmitChars+25 {
		t.Errorf("forced sentence is %d chars", n)
	}
}

func TestSegmenterFlushUnbrokenChunk(t *testing.T) {
	// No whitespace at all: Flush returns the whole thing as one chunk.
	long := strings.Repeat("x", 300)
	seg := &Segmenter{}
	if got := seg.Feed(long); len(got) != 0 {
		t.Fatalf("emitted %q without a boundary", got)
	}
	if tail := seg.Flush(); tail != long {
		t.Errorf("flush returned %d chars, want %d", len(tail), len(long))
	}
}

func TestSegmenterFlushEmpty(t *testing.T) {
	seg := &Segmenter{}
	seg.Feed("Complete. ")
	if tail := seg.Flush(); tail != "" {
		t.Errorf("flush = %q, want empty", tail)
	}
}

package dispatch

import (
	"testing"

	"github.com/telvana/voicecore/pkg/types"
)

func TestComplexityOrdering(t *testing.T) {
	simple := Complexity("yes", 0)
	moderate := Complexity("What is your return policy for the Premium Plan?", 4)
	complex := Complexity(
		"How do I migrate my account database configuration to the new API server, "+
			"and also explain why the encryption protocol changed after the firmware upgrade, "+
			"and then compare the subscription invoice against the warranty refund?", 18)

	if !(simple < moderate && moderate < complex) {
		t.Errorf("scores not ordered: %.2f, %.2f, %.2f", simple, moderate, complex)
	}
	if simple >= midThreshold {
		t.Errorf("trivial utterance scored %.2f", simple)
	}
	if complex < heavyThreshold {
		t.Errorf("loaded utterance scored %.2f", complex)
	}
}

func TestComplexityClipped(t *testing.T) {
	for _, text := range []string{"", "hi", string(make([]byte, 4000))} {
		if s := Complexity(text, 100); s < 0 || s > 1 {
			t.Errorf("Complexity(%q) = %.2f, outside [0,1]", text, s)
		}
	}
}

func TestWantsThinking(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Please think carefully about which plan fits me", true},
		{"walk me through it step by step", true},
		{"I think the order number is 42", false},
		{"What time do you open?", false},
	}
	for _, tt := range tests {
		if got := WantsThinking(tt.text); got != tt.want {
			t.Errorf("WantsThinking(%q) = %v", tt.text, got)
		}
	}
}

func TestSelectTier(t *testing.T) {
	tests := []struct {
		name       string
		score      float64
		thinking   bool
		needsTools bool
		want       types.ModelTier
	}{
		{"high score", 0.85, false, false, types.TierHeavy},
		{"explicit thinking beats low score", 0.2, true, false, types.TierHeavy},
		{"mid score no tools", 0.6, false, false, types.TierMid},
		{"mid score with tools", 0.6, false, true, types.TierHeavy},
		{"low score", 0.3, false, false, types.TierFast},
		{"low score with tools stays fast", 0.3, false, true, types.TierFast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectTier(tt.score, tt.thinking, tt.needsTools); got != tt.want {
				t.Errorf("SelectTier = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCountEntities(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"hello there", 0},
		{"I ordered the Acme Premium Plan yesterday", 3},
		{"my order number is 48213", 1},
		{"The sky is blue. The grass is green.", 0},
	}
	for _, tt := range tests {
		if got := countEntities(tt.text); got != tt.want {
			t.Errorf("countEntities(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

package dispatch

import (
	"strings"
	"unicode"

	"github.com/telvana/voicecore/pkg/types"
)

// Tier thresholds on the normalized complexity score.
const (
	heavyThreshold = 0.8
	midThreshold   = 0.5
)

// Complexity weights. They sum to 1; each signal is normalized and clipped to
// [0, 1] before weighting.
const (
	wPromptLength = 0.25
	wHistory      = 0.15
	wEntities     = 0.15
	wQuestions    = 0.15
	wTechnical    = 0.20
	wMultiRequest = 0.10
)

// Normalization ceilings: the raw count at which a signal saturates.
const (
	promptLengthCeil = 240.0
	historyCeil      = 20.0
	entityCeil       = 5.0
	questionCeil     = 3.0
	technicalCeil    = 4.0
	multiRequestCeil = 3.0
)

var questionWords = map[string]bool{
	"what": true, "why": true, "how": true, "when": true, "where": true,
	"who": true, "which": true, "explain": true, "compare": true,
}

var technicalTerms = map[string]bool{
	"api": true, "server": true, "database": true, "network": true,
	"account": true, "integration": true, "configuration": true,
	"protocol": true, "encryption": true, "authentication": true,
	"firmware": true, "router": true, "subscription": true, "invoice": true,
	"warranty": true, "refund": true, "upgrade": true, "migration": true,
}

// multiRequestMarkers signal several requests packed into one utterance.
var multiRequestMarkers = []string{
	" and then ", " and also ", " after that ", ", and ", "; ", " as well as ",
}

// thinkingPhrases are explicit reasoning requests from the caller. Any match
// routes the turn to the heavy tier regardless of score.
var thinkingPhrases = []string{
	"think carefully", "think about", "think it through", "think this through",
	"step by step", "take your time", "reason through",
}

// Complexity scores an utterance in [0, 1] as a weighted sum of prompt length,
// history depth, entity mentions, question words, technical terms, and
// multi-request markers.
func Complexity(utterance string, historyTurns int) float64 {
	lower := strings.ToLower(utterance)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	questions, technical := 0, 0
	for _, w := range words {
		if questionWords[w] {
			questions++
		}
		if technicalTerms[w] {
			technical++
		}
	}

	requests := 0
	for _, marker := range multiRequestMarkers {
		requests += strings.Count(lower, marker)
	}

	score := wPromptLength*clip(float64(len(utterance))/promptLengthCeil) +
		wHistory*clip(float64(historyTurns)/historyCeil) +
		wEntities*clip(float64(countEntities(utterance))/entityCeil) +
		wQuestions*clip(float64(questions)/questionCeil) +
		wTechnical*clip(float64(technical)/technicalCeil) +
		wMultiRequest*clip(float64(requests)/multiRequestCeil)
	return clip(score)
}

// WantsThinking reports an explicit reasoning request in the utterance.
func WantsThinking(utterance string) bool {
	lower := strings.ToLower(utterance)
	for _, p := range thinkingPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// SelectTier maps a scored utterance to a model tier. Tie-breaks in order:
// explicit thinking or score ≥ 0.8 is heavy; mid-range scores go mid unless
// the turn needs tools (tool rounds on the mid tier blow the latency budget,
// so those go heavy too); everything else is fast.
func SelectTier(score float64, thinking, needsTools bool) types.ModelTier {
	switch {
	case thinking || score >= heavyThreshold:
		return types.TierHeavy
	case score >= midThreshold && needsTools:
		return types.TierHeavy
	case score >= midThreshold:
		return types.TierMid
	default:
		return types.TierFast
	}
}

// countEntities approximates named-entity mentions: capitalized words that do
// not open a sentence, plus digit-bearing tokens (order numbers, amounts).
func countEntities(utterance string) int {
	count := 0
	sentenceStart := true
	for _, w := range strings.Fields(utterance) {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed == "" {
			sentenceStart = true
			continue
		}
		first := []rune(trimmed)[0]
		switch {
		case unicode.IsDigit(first) || strings.ContainsFunc(trimmed, unicode.IsDigit):
			count++
		case unicode.IsUpper(first) && !sentenceStart:
			count++
		}
		sentenceStart = strings.ContainsAny(w, ".!?")
	}
	return count
}

func clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Package transcript aligns recognized text with the agent's configured
// vocabulary. Telephony STT routinely mangles proper nouns (product names,
// people, places the model never saw); the corrector repairs them with Double
// Metaphone phonetic matching ranked by Jaro-Winkler similarity, entirely
// in-process so it adds no latency to the final-transcript path.
//
// Matching runs in two passes per candidate window:
//
//  1. Phonetic: if any Double Metaphone code of the window overlaps a code of
//     a vocabulary term, the term qualifies at the phonetic threshold.
//  2. Fuzzy fallback: windows with no phonetic overlap still match when raw
//     Jaro-Winkler similarity clears a stricter threshold, which catches
//     splits like "tell vana" for "Telvana".
//
// Multi-word terms are handled with n-gram windows; the longest matching
// window wins so "Aura Nine" beats a partial match on "Nine".
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/telvana/voicecore/internal/sttclient"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.88

	// minWindowLetters keeps short function words ("or", "at") from ever
	// entering the matcher.
	minWindowLetters = 3
)

// Option configures a Corrector.
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a term that
// already overlaps phonetically. Default 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term with no
// phonetic overlap. Default 0.88.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// term is one vocabulary entry with its precomputed matching data.
type term struct {
	canonical string
	lower     string
	tokens    []string

	// tokenCodes holds the Double Metaphone codes of each term token. A
	// window qualifies phonetically only when every term token has a
	// counterpart, so a stray word next to half of a multi-word term cannot
	// drag the other half in.
	tokenCodes []map[string]struct{}
}

// Corrector rewrites final transcript text so vocabulary terms appear in
// their canonical spelling. It is read-only after construction and safe for
// concurrent use.
type Corrector struct {
	terms    []term
	maxWords int

	phoneticThreshold float64
	fuzzyThreshold    float64
}

var _ sttclient.Corrector = (*Corrector)(nil)

// New builds a Corrector for the given vocabulary. Term codes are computed
// once here; Correct only scores candidate windows.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, v := range vocabulary {
		lower := strings.ToLower(strings.TrimSpace(v))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		c.terms = append(c.terms, term{
			canonical:  strings.Join(strings.Fields(v), " "),
			lower:      strings.Join(tokens, " "),
			tokens:     tokens,
			tokenCodes: perTokenCodes(tokens),
		})
		if len(tokens) > c.maxWords {
			c.maxWords = len(tokens)
		}
	}
	return c
}

// Correct implements sttclient.Corrector: every n-gram window of text is
// tested against the vocabulary and matching windows are replaced with the
// canonical term. Trailing punctuation on a window survives the rewrite.
func (c *Corrector) Correct(text string) string {
	if len(c.terms) == 0 {
		return text
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text
	}

	out := make([]string, 0, len(tokens))
	i := 0
	for i < len(tokens) {
		maxN := c.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			core, suffix := splitTrailingPunct(window)
			if letterCount(core) < minWindowLetters {
				continue
			}
			canonical, ok := c.match(core)
			if !ok {
				continue
			}
			out = append(out, strings.Fields(canonical+suffix)...)
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	return strings.Join(out, " ")
}

// match scores window against every term and returns the best canonical
// spelling. A phonetically-covered term always outranks a fuzzy-only one.
func (c *Corrector) match(window string) (string, bool) {
	lower := strings.ToLower(window)
	inTokens := strings.Fields(lower)
	inCodes := phoneticCodes(inTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range c.terms {
		score := similarity(inTokens, t.tokens, lower, t.lower)
		if covered(t.tokenCodes, inCodes) {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.canonical, score, true
			}
		} else if !bestPhonetic {
			if score >= c.fuzzyThreshold && score > bestScore {
				best, bestScore = t.canonical, score
			}
		}
	}
	return best, best != ""
}

// phoneticCodes returns the union of Double Metaphone codes over tokens.
func phoneticCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

// perTokenCodes returns the code set of each token separately.
func perTokenCodes(tokens []string) []map[string]struct{} {
	out := make([]map[string]struct{}, len(tokens))
	for i, t := range tokens {
		out[i] = phoneticCodes([]string{t})
	}
	return out
}

// covered reports whether every term token's code set overlaps the window's
// codes.
func covered(termTokens []map[string]struct{}, window map[string]struct{}) bool {
	for _, codes := range termTokens {
		overlap := false
		for code := range codes {
			if _, ok := window[code]; ok {
				overlap = true
				break
			}
		}
		if !overlap {
			return false
		}
	}
	return true
}

// similarity returns the best Jaro-Winkler score across three views of the
// pair: the full strings, the space-stripped strings (for mis-split words),
// and the best token pairing.
func similarity(inTokens, termTokens []string, inFull, termFull string) float64 {
	score := matchr.JaroWinkler(inFull, termFull, false)

	if len(inTokens) > 1 || len(termTokens) > 1 {
		joined := matchr.JaroWinkler(strings.Join(inTokens, ""), strings.Join(termTokens, ""), false)
		if joined > score {
			score = joined
		}
	}
	for _, it := range inTokens {
		for _, tt := range termTokens {
			if s := matchr.JaroWinkler(it, tt, false); s > score {
				score = s
			}
		}
	}
	return score
}

// splitTrailingPunct separates trailing sentence punctuation from a window so
// "lipator." matches and the period is kept.
func splitTrailingPunct(s string) (core, suffix string) {
	end := len(s)
	for end > 0 {
		switch s[end-1] {
		case '.', ',', '!', '?', ';', ':':
			end--
		default:
			return s[:end], s[end:]
		}
	}
	return s[:end], s[end:]
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' {
			n++
		}
	}
	return n
}

package classifier

import (
	"strings"
	"unicode/utf8"
)

// Signal weights.
const (
	complexWeight  = 2
	codeHintWeight = 3
	patternBonus   = 2
)

// charsPerToken is the rough average used when text has few spaces (code,
// URLs, minified payloads).
const charsPerToken = 4

// Estimator derives a token estimate and a signal score from raw text. It is
// a pure function of its Keywords.
type Estimator struct {
	keywords Keywords
}

// NewEstimator returns an estimator bound to kw.
func NewEstimator(kw Keywords) *Estimator {
	return &Estimator{keywords: kw}
}

// EstimateTokens approximates the token count without a real tokenizer:
// max(1, words, runes/4).
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	byChars := utf8.RuneCountInString(text) / charsPerToken
	n := words
	if byChars > n {
		n = byChars
	}
	if n < 1 {
		return 1
	}
	return n
}

// Score counts each distinct keyword hit once: domain keywords weigh 2,
// code hints 3, and a structural code match adds a flat 2.
func (e *Estimator) Score(text string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, k := range e.keywords.complex {
		if strings.Contains(lower, k) {
			score += complexWeight
		}
	}
	for _, h := range e.keywords.codeHints {
		if strings.Contains(lower, h) {
			score += codeHintWeight
		}
	}
	if e.keywords.pattern != nil && e.keywords.pattern.MatchString(lower) {
		score += patternBonus
	}
	return score
}

// Estimate returns both the token estimate and the score.
func (e *Estimator) Estimate(text string) (tokens, score int) {
	return EstimateTokens(text), e.Score(text)
}

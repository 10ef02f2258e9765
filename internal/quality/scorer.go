// Package quality scores completions with cheap heuristics. Only replies
// scoring above the cache threshold are reused.
package quality

import (
	"strings"

	"github.com/allensfl/coaching-cockpit/internal/dialogue"
)

const (
	baseScore      = 0.5
	lengthBonus    = 0.2
	minWords       = 20
	maxWords       = 150
	keywordWeight  = 0.05
	maxKeywordGain = 0.2
	questionBonus  = 0.1
	maxQuestions   = 3
	varietyBonus   = 0.1
	minUniqueRatio = 0.7
)

// Score rates text for phase in [0, 1]. It rewards a moderate length,
// phase-relevant vocabulary, one to three questions and little repetition.
func Score(text string, phase int) float64 {
	score := baseScore
	words := strings.Fields(text)

	if n := len(words); n >= minWords && n <= maxWords {
		score += lengthBonus
	}

	lower := strings.ToLower(text)
	if p, ok := dialogue.Lookup(phase); ok {
		hits := 0
		for _, kw := range p.QualityKeywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		score += min(maxKeywordGain, float64(hits)*keywordWeight)
	}

	if q := strings.Count(text, "?"); q >= 1 && q <= maxQuestions {
		score += questionBonus
	}

	if len(words) > 0 {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[strings.ToLower(w)] = struct{}{}
		}
		if float64(len(unique))/float64(len(words)) > minUniqueRatio {
			score += varietyBonus
		}
	}

	return max(0, min(1, score))
}

package dialogue

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

type slotPattern struct {
	slot       string
	re         *regexp.Regexp
	confidence float64
}

var slotPatterns = []slotPattern{
	{
		slot:       SlotTopic,
		re:         regexp.MustCompile(`(?i)(?:thema|fokus|beschäftigt|problem|herausforderung)(?::|ist)?\s*([^,\n.!?]{10,80})`),
		confidence: 0.8,
	},
	{
		slot:       SlotEmotion,
		re:         regexp.MustCompile(`(?i)(?:gefühl|emotion|empfinde|fühle|angst|freude|sorge|hoffnung)(?::|ist)?\s*([^,\n.!?]{5,50})`),
		confidence: 0.7,
	},
	{
		slot:       SlotRole,
		re:         regexp.MustCompile(`(?i)(?:bin|war|arbeite|beruf|position|stelle)(?:\s+als)?\s+([^,\n.!?]{5,50})`),
		confidence: 0.6,
	},
	{
		slot:       SlotVision,
		re:         regexp.MustCompile(`(?i)(?:möchte|will|plane|träume|vision|ziel)(?::|ist)?\s*([^,\n.!?]{10,80})`),
		confidence: 0.7,
	},
}

// compoundRule overrides a slot when every keyword appears in the text.
type compoundRule struct {
	slot       string
	keywords   []string
	phases     []int // nil means any phase
	value      string
	confidence float64
}

var compoundRules = []compoundRule{
	{
		slot:       SlotTopic,
		keywords:   []string{"angst", "leer"},
		phases:     []int{1},
		value:      "Angst vor der Leere im Ruhestand",
		confidence: 0.9,
	},
	{
		slot:       SlotTopic,
		keywords:   []string{"identität", "rolle"},
		value:      "Identitätskrise nach Rollenverlust",
		confidence: 0.85,
	},
	{
		slot:       SlotEmotion,
		keywords:   []string{"wert", "nichts"},
		value:      "Angst vor Wertlosigkeit",
		confidence: 0.85,
	},
}

func (r compoundRule) matches(lower string, phase int) bool {
	if r.phases != nil && !slices.Contains(r.phases, phase) {
		return false
	}
	for _, kw := range r.keywords {
		if !strings.Contains(lower, kw) {
			return false
		}
	}
	return true
}

// minSlotRunes is the shortest captured value kept after trimming.
const minSlotRunes = 4

// ExtractSlots pulls structured facts out of a completion. Compound rules
// take precedence over the generic patterns for the same slot.
func ExtractSlots(text string, phase int) map[string]Slot {
	slots := make(map[string]Slot)

	for _, p := range slotPatterns {
		m := p.re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		value := strings.TrimSpace(m[1])
		if utf8.RuneCountInString(value) < minSlotRunes {
			continue
		}
		slots[p.slot] = Slot{Value: value, Confidence: p.confidence, Phase: phase}
	}

	lower := strings.ToLower(text)
	for _, r := range compoundRules {
		if r.matches(lower, phase) {
			slots[r.slot] = Slot{Value: r.value, Confidence: r.confidence, Phase: phase}
		}
	}

	return slots
}

// minTurnsPerPhase scales the history depth required before leaving a phase.
const minTurnsPerPhase = 2

// AnalyzePhase decides whether the completion covers the current phase's
// goal well enough to suggest moving on. It only ever suggests phase+1.
func AnalyzePhase(text string, phase, historyDepth int) PhaseAnalysis {
	p, ok := Lookup(phase)
	if !ok {
		return PhaseAnalysis{Reasoning: fmt.Sprintf("Phase %d is not a coaching phase", phase)}
	}

	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range p.Indicators {
		if strings.Contains(lower, kw) {
			hits++
		}
	}

	coverage := float64(hits) / float64(len(p.Indicators))
	complete := hits >= p.Threshold
	deepEnough := historyDepth >= phase*minTurnsPerPhase

	a := PhaseAnalysis{
		Confidence: coverage,
		Coverage:   coverage,
		HitCount:   hits,
		IsComplete: complete,
	}

	switch {
	case complete && deepEnough && phase < LastPhase:
		next := phase + 1
		a.SuggestedPhase = &next
		a.Reasoning = fmt.Sprintf("Phase %d indicators complete (%d/%d)", phase, hits, p.Threshold)
	case complete && phase == LastPhase:
		a.Reasoning = fmt.Sprintf("Phase %d indicators complete (%d/%d); final phase reached", phase, hits, p.Threshold)
	case complete:
		a.Reasoning = fmt.Sprintf("Phase %d indicators complete (%d/%d) but conversation depth %d is below %d",
			phase, hits, p.Threshold, historyDepth, phase*minTurnsPerPhase)
	default:
		a.Reasoning = fmt.Sprintf("Phase %d needs more exploration (%d/%d)", phase, hits, p.Threshold)
	}
	return a
}

// Analysis bundles the analyzer's outputs for one completion.
type Analysis struct {
	Slots map[string]Slot
	Phase PhaseAnalysis
}

// Analyze runs slot extraction and phase analysis on a completion.
func Analyze(text string, phase, historyDepth int) Analysis {
	return Analysis{
		Slots: ExtractSlots(text, phase),
		Phase: AnalyzePhase(text, phase, historyDepth),
	}
}

// Package composer assembles the upstream request for a coaching turn.
package composer

import (
	"fmt"
	"math"
	"strings"

	"github.com/allensfl/coaching-cockpit/internal/dialogue"
	"github.com/allensfl/coaching-cockpit/internal/upstream"
	"github.com/allensfl/coaching-cockpit/internal/validate"
)

const (
	defaultHistoryTurns = 6

	corePrompt = `Du bist «RuhestandSynth», ein empathischer KI-Coach für den Ruhestandsübergang.

STIL: Respektvoll, direkt, lösungsorientiert. Kurze Antworten (2-3 Sätze). Du-Form, «Guillemets». Keine Floskeln.

AKTUELL: %s`

	maxDepthBonus     = 1.3
	depthBonusPerTurn = 0.05

	creativeTemperature = 0.8
	focusedTemperature  = 0.6
	topP                = 0.8
	frequencyPenalty    = 0.3
	presencePenalty     = 0.2
)

// Composer builds upstream requests from validated input.
type Composer struct {
	// HistoryTurns is how many of the most recent history turns are replayed.
	HistoryTurns int
}

// New creates a Composer replaying historyTurns turns.
// If historyTurns <= 0, the default (6) is used.
func New(historyTurns int) *Composer {
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}
	return &Composer{HistoryTurns: historyTurns}
}

// Compose returns the request for in: the coach persona with the phase
// context (and session focus, if known) as system prompt, the replayed
// history, then the new message.
func (c *Composer) Compose(in validate.Input) upstream.Request {
	return upstream.Request{
		SystemPrompt:     SystemPrompt(in.Phase, in.Slots),
		Messages:         c.messages(in.History, in.Message),
		MaxTokens:        MaxTokens(in.Phase, len(in.History)),
		Temperature:      Temperature(in.Phase),
		TopP:             topP,
		FrequencyPenalty: frequencyPenalty,
		PresencePenalty:  presencePenalty,
	}
}

// SystemPrompt renders the persona prompt for phase.
func SystemPrompt(phase int, slots map[string]any) string {
	prompt := fmt.Sprintf(corePrompt, dialogue.Context(phase))
	if focus := SessionFocus(slots); focus != "" {
		prompt += "\n\nSession-Fokus: " + focus
	}
	return prompt
}

// SessionFocus returns the session topic carried in slots. The value may be
// a plain string or an extracted slot object with a "value" field.
func SessionFocus(slots map[string]any) string {
	switch v := slots[dialogue.SlotTopic].(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if s, ok := v["value"].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// messages replays the tail of the history. Assistant turns are only
// included once the coach has approved them.
func (c *Composer) messages(history []dialogue.Turn, message string) []upstream.Message {
	if len(history) > c.HistoryTurns {
		history = history[len(history)-c.HistoryTurns:]
	}

	msgs := make([]upstream.Message, 0, len(history)+1)
	for _, t := range history {
		switch {
		case t.Role == dialogue.RoleUser:
			msgs = append(msgs, upstream.Message{Role: upstream.RoleUser, Content: t.Content})
		case t.Role == dialogue.RoleAssistant && t.Approved:
			msgs = append(msgs, upstream.Message{Role: upstream.RoleAssistant, Content: t.Content})
		}
	}
	return append(msgs, upstream.Message{Role: upstream.RoleUser, Content: message})
}

// MaxTokens scales the phase's token budget by up to 30% as the
// conversation deepens.
func MaxTokens(phase, historyDepth int) int {
	base := 400
	if p, ok := dialogue.Lookup(phase); ok {
		base = p.TokenBase
	}
	factor := math.Min(maxDepthBonus, 1+float64(historyDepth)*depthBonusPerTurn)
	return int(math.Round(float64(base) * factor))
}

// Temperature is higher for the creative phases.
func Temperature(phase int) float64 {
	if p, ok := dialogue.Lookup(phase); ok && p.Creative {
		return creativeTemperature
	}
	return focusedTemperature
}

// Package safety flags coaching exchanges that need a referral.
package safety

import (
	"strings"

	"github.com/allensfl/coaching-cockpit/internal/dialogue"
)

// Level is a referral tier, ordered by severity.
type Level string

const (
	LevelNone        Level = ""
	LevelCritical    Level = "CRITICAL"
	LevelTherapeutic Level = "THERAPEUTIC"
	LevelSubstance   Level = "SUBSTANCE"
)

// Alert is the classification of one exchange.
type Alert struct {
	HasAlert bool   `json:"hasAlert"`
	Level    Level  `json:"level,omitempty"`
	Message  string `json:"message,omitempty"`
}

type tier struct {
	level    Level
	keywords []string
	message  string
}

// tiers are checked in order; the first match wins.
var tiers = []tier{
	{
		level:    LevelCritical,
		keywords: []string{"suizid", "selbstmord", "umbringen", "leben beenden", "sinnlos leben", "nichts wert", "hoffnungslos"},
		message:  "[NOTFALL] Bitte wende dich sofort an eine Beratungsstelle: Telefonseelsorge 0800 111 0 111",
	},
	{
		level:    LevelTherapeutic,
		keywords: []string{"depression", "therapie", "psychiater", "medikament", "antidepressiva", "panikattacken"},
		message:  "[THERAPEUTISCHE GRENZE] Professionelle therapeutische Unterstützung könnte hilfreich sein.",
	},
	{
		level:    LevelSubstance,
		keywords: []string{"alkohol problem", "trinke täglich", "drogen", "abhängig"},
		message:  "[FACHBERATUNG] Bei Substanzproblemen empfehle ich eine Suchtberatungsstelle.",
	},
}

// recentTurns is how much of the history is scanned alongside the completion.
const recentTurns = 3

// RecentText joins the content of the last three history turns.
func RecentText(history []dialogue.Turn) string {
	if len(history) > recentTurns {
		history = history[len(history)-recentTurns:]
	}
	parts := make([]string, 0, len(history))
	for _, t := range history {
		parts = append(parts, t.Content)
	}
	return strings.Join(parts, " ")
}

// Classify returns the most severe tier whose keywords occur in either the
// completion or the recent history. Matching is case-insensitive substring.
func Classify(completion, recentHistory string) Alert {
	completion = strings.ToLower(completion)
	recentHistory = strings.ToLower(recentHistory)

	for _, t := range tiers {
		for _, kw := range t.keywords {
			if strings.Contains(completion, kw) || strings.Contains(recentHistory, kw) {
				return Alert{HasAlert: true, Level: t.level, Message: t.message}
			}
		}
	}
	return Alert{}
}

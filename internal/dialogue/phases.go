package dialogue

import "fmt"

const (
	FirstPhase = 1
	LastPhase  = 8
)

// Phase describes one step of the eight-phase coaching arc.
type Phase struct {
	Number int
	Name   string
	Goal   string
	// Fallback is the scripted prompt shown when no completion is available.
	Fallback string
	// TokenBase is the completion budget before the history-depth bonus.
	TokenBase int
	// Creative phases sample at a higher temperature.
	Creative bool
	// Indicators signal that the phase's goal has been covered; Threshold
	// of them must appear before progression is suggested.
	Indicators []string
	Threshold  int
	// QualityKeywords reward on-topic completions.
	QualityKeywords []string
}

// GenericFallback is used for phases outside the table.
const GenericFallback = "«Erzähle mir mehr über deine Gedanken dazu.»"

var phases = [...]Phase{
	{
		Number: 1, Name: "Standortbestimmung", Goal: "Erfasse IST-Situation und Hauptthemen.",
		Fallback:        "«Was beschäftigt dich gerade am meisten beim Gedanken an den Ruhestand?»",
		TokenBase:       400,
		Indicators:      []string{"ist", "aktuell", "situation", "problem", "arbeite"},
		Threshold:       3,
		QualityKeywords: []string{"situation", "aktuell", "ist", "beschäftigt"},
	},
	{
		Number: 2, Name: "Emotionale Vertiefung", Goal: "Erkunde Gefühle mit Bildern/Metaphern.",
		Fallback:        "«Wie würdest du dein aktuelles Gefühl beschreiben?»",
		TokenBase:       300,
		Creative:        true,
		Indicators:      []string{"fühle", "emotion", "angst", "bild", "farbe"},
		Threshold:       2,
		QualityKeywords: []string{"gefühl", "emotion", "fühlen", "bild", "farbe"},
	},
	{
		Number: 3, Name: "Zielvision", Goal: "Entwickle konkrete Zukunftsbilder.",
		Fallback:        "«Wie stellst du dir einen erfüllten Ruhestand vor?»",
		TokenBase:       500,
		Creative:        true,
		Indicators:      []string{"will", "möchte", "vision", "zukunft", "stelle mir vor"},
		Threshold:       3,
		QualityKeywords: []string{"vision", "vorstellen", "zukunft", "möchte"},
	},
	{
		Number: 4, Name: "Systemanalyse", Goal: "Erkenne innere Stimmen und Widersprüche.",
		Fallback:        "«Welche inneren Stimmen hörst du zu diesem Thema?»",
		TokenBase:       400,
		Indicators:      []string{"stimme", "teil", "widerspruch", "einerseits", "andererseits"},
		Threshold:       2,
		QualityKeywords: []string{"stimme", "teil", "widerspruch", "innere"},
	},
	{
		Number: 5, Name: "Komplementärkräfte", Goal: "Finde Balance zwischen Gegensätzen.",
		Fallback:        "«Wo brauchst du mehr Balance in deinem Leben?»",
		TokenBase:       350,
		Indicators:      []string{"balance", "gleichgewicht", "zu viel", "zu wenig"},
		Threshold:       2,
		QualityKeywords: []string{"balance", "gleichgewicht", "gegensatz", "ausgleich"},
	},
	{
		Number: 6, Name: "Erfolgsimagination", Goal: "Kreiere zwei Erfolgsszenarien.",
		Fallback:        "«Beschreibe deinen idealen Ruhestand in ein paar Worten.»",
		TokenBase:       500,
		Creative:        true,
		Indicators:      []string{"szenario", "variante", "möglichkeit", "weg"},
		Threshold:       2,
		QualityKeywords: []string{"szenario", "erfolg", "möglichkeit", "stell dir vor"},
	},
	{
		Number: 7, Name: "Konkrete Schritte", Goal: "Plane sofort umsetzbare Aktionen.",
		Fallback:        "«Welchen ersten Schritt könntest du heute gehen?»",
		TokenBase:       300,
		Indicators:      []string{"schritt", "aktion", "konkret", "mache", "beginne"},
		Threshold:       3,
		QualityKeywords: []string{"schritt", "konkret", "woche", "beginnen"},
	},
	{
		Number: 8, Name: "Integration", Goal: "Sammle Erkenntnisse und nächste Schritte.",
		Fallback:        "«Was ist dein wichtigster Erkenntnisgewinn heute?»",
		TokenBase:       600,
		Indicators:      []string{"erkenntnisse", "gelernt", "mitnehme", "wichtig"},
		Threshold:       2,
		QualityKeywords: []string{"erkenntnis", "gelernt", "mitnehmen", "wichtig"},
	},
}

// Lookup returns the phase table entry for n.
func Lookup(n int) (Phase, bool) {
	if n < FirstPhase || n > LastPhase {
		return Phase{}, false
	}
	return phases[n-1], true
}

// ClampPhase forces n into the valid phase range.
func ClampPhase(n int) int {
	return max(FirstPhase, min(LastPhase, n))
}

// Context is the one-line phase description given to the model,
// e.g. "Phase 2/8 - Emotionale Vertiefung: Erkunde Gefühle mit Bildern/Metaphern.".
// Unknown phases describe phase 1.
func Context(n int) string {
	p, ok := Lookup(n)
	if !ok {
		p = phases[0]
	}
	return contextLine(p)
}

func contextLine(p Phase) string {
	return fmt.Sprintf("Phase %d/%d - %s: %s", p.Number, LastPhase, p.Name, p.Goal)
}

// FallbackFor returns the scripted prompt for phase n.
func FallbackFor(n int) string {
	if p, ok := Lookup(n); ok {
		return p.Fallback
	}
	return GenericFallback
}

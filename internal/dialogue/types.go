package dialogue

// Roles of a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior message in a coaching conversation. Assistant turns
// only count as context once the coach has approved them.
type Turn struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Approved bool   `json:"approved,omitempty"`
}

// Slot names recognised by the analyzer.
const (
	SlotTopic   = "session_thema"
	SlotEmotion = "emotion"
	SlotRole    = "aktuelle_rolle"
	SlotVision  = "zukunftsvision"
)

// Slot is a structured fact extracted from a completion.
type Slot struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Phase      int     `json:"phase"`
}

// PhaseAnalysis reports whether the dialogue looks ready for the next phase.
type PhaseAnalysis struct {
	// SuggestedPhase is nil unless progression to the next phase is advised.
	SuggestedPhase *int    `json:"suggestedPhase"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	Coverage       float64 `json:"coverage"`
	HitCount       int     `json:"hitCount"`
	IsComplete     bool    `json:"isComplete"`
}

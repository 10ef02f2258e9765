// Package validate turns raw coaching requests into sanitized, bounded input.
package validate

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/allensfl/coaching-cockpit/internal/dialogue"
)

const (
	MinMessageRunes = 3
	MaxMessageRunes = 2000
	// MaxHistory is the number of most recent turns kept from a request.
	MaxHistory = 10
)

// Rejection reasons.
const (
	ReasonMessageRequired = "Message is required and must be a string"
	ReasonMessageTooLong  = "Message too long (max 2000 characters)"
	ReasonMessageTooShort = "Message too short (min 3 characters)"
	ReasonInjection       = "Invalid input detected"
)

// Error is returned when a request is rejected. Reason is safe to show to callers.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "validation failed: " + e.Reason }

func reject(reason string) error { return &Error{Reason: reason} }

// Raw is the inbound request body. Phase and history accept their legacy
// field names (currentPhase, messageHistory) as well.
type Raw struct {
	Message        json.RawMessage `json:"message"`
	Phase          json.RawMessage `json:"phase,omitempty"`
	CurrentPhase   json.RawMessage `json:"currentPhase,omitempty"`
	Slots          json.RawMessage `json:"slots,omitempty"`
	History        json.RawMessage `json:"history,omitempty"`
	MessageHistory json.RawMessage `json:"messageHistory,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
}

// Input is a request that passed validation.
type Input struct {
	Message   string
	Phase     int
	History   []dialogue.Turn
	SessionID string
	Slots     map[string]any
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:text/html`),
	regexp.MustCompile(`(?i)vbscript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
}

var (
	angleBrackets = regexp.MustCompile(`[<>]`)
	whitespace    = regexp.MustCompile(`\s+`)
	sessionIDRe   = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Validator checks and normalizes inbound requests. The zero value is not
// usable; call New.
type Validator struct {
	newSessionID func() string
}

// New returns a Validator that generates session ids with uuid.
func New() *Validator {
	return &Validator{newSessionID: func() string { return "sess_" + uuid.NewString() }}
}

// NewWithSessionIDs returns a Validator using gen for missing session ids.
func NewWithSessionIDs(gen func() string) *Validator {
	return &Validator{newSessionID: gen}
}

// Validate checks raw and returns the normalized input, or an *Error.
// fallbackSessionID (typically a header value) is used when the body has none.
func (v *Validator) Validate(raw Raw, fallbackSessionID string) (Input, error) {
	var msg string
	if len(raw.Message) == 0 || json.Unmarshal(raw.Message, &msg) != nil || msg == "" {
		return Input{}, reject(ReasonMessageRequired)
	}

	n := utf8.RuneCountInString(msg)
	if n > MaxMessageRunes {
		return Input{}, reject(ReasonMessageTooLong)
	}
	if n < MinMessageRunes {
		return Input{}, reject(ReasonMessageTooShort)
	}

	for _, re := range injectionPatterns {
		if re.MatchString(msg) {
			return Input{}, reject(ReasonInjection)
		}
	}

	msg = Sanitize(msg)
	if msg == "" {
		return Input{}, reject(ReasonMessageRequired)
	}

	sessionID := strings.TrimSpace(raw.SessionID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(fallbackSessionID)
	}
	if sessionID == "" {
		sessionID = v.newSessionID()
	}

	phaseRaw := raw.Phase
	if len(phaseRaw) == 0 {
		phaseRaw = raw.CurrentPhase
	}
	historyRaw := raw.History
	if len(historyRaw) == 0 {
		historyRaw = raw.MessageHistory
	}

	return Input{
		Message:   msg,
		Phase:     parsePhase(phaseRaw),
		History:   parseHistory(historyRaw),
		SessionID: sessionID,
		Slots:     parseSlots(raw.Slots),
	}, nil
}

// ValidSessionID reports whether id can be used as a URL path segment naming
// a relay session. Session ids in coaching requests are opaque and not
// checked against it.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// Sanitize strips angle brackets, collapses whitespace runs to one space and trims.
func Sanitize(s string) string {
	s = angleBrackets.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// parsePhase accepts a JSON number or a string with a leading integer.
// Anything unparseable or zero becomes phase 1; the result is clamped to 1..8.
func parsePhase(raw json.RawMessage) int {
	phase := 0
	var num float64
	var str string
	switch {
	case len(raw) == 0:
	case json.Unmarshal(raw, &num) == nil:
		if !math.IsNaN(num) && !math.IsInf(num, 0) {
			phase = int(max(-1, min(float64(dialogue.LastPhase+1), math.Trunc(num))))
		}
	case json.Unmarshal(raw, &str) == nil:
		phase = leadingInt(strings.TrimSpace(str))
	}
	if phase == 0 {
		phase = dialogue.FirstPhase
	}
	return dialogue.ClampPhase(phase)
}

func leadingInt(s string) int {
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && (s[end] == '-' || s[end] == '+')) {
		end++
	}
	if end > 9 {
		end = 9
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

type rawTurn struct {
	Role     string `json:"role"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Approved bool   `json:"approved"`
}

// parseHistory keeps the last MaxHistory entries and drops the ones that
// are not recognisable turns.
func parseHistory(raw json.RawMessage) []dialogue.Turn {
	if len(raw) == 0 || !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	if len(items) > MaxHistory {
		items = items[len(items)-MaxHistory:]
	}

	turns := make([]dialogue.Turn, 0, len(items))
	for _, item := range items {
		var rt rawTurn
		if err := json.Unmarshal(item, &rt); err != nil {
			continue
		}
		role := turnRole(rt)
		if role == "" || strings.TrimSpace(rt.Content) == "" {
			continue
		}
		turns = append(turns, dialogue.Turn{Role: role, Content: rt.Content, Approved: rt.Approved})
	}
	return turns
}

func turnRole(rt rawTurn) string {
	switch strings.ToLower(rt.Role) {
	case dialogue.RoleUser:
		return dialogue.RoleUser
	case dialogue.RoleAssistant:
		return dialogue.RoleAssistant
	}
	switch strings.ToUpper(rt.Type) {
	case "COACHEE", "KLIENT":
		return dialogue.RoleUser
	case "KI":
		return dialogue.RoleAssistant
	}
	return ""
}

func parseSlots(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var slots map[string]any
	if err := json.Unmarshal(raw, &slots); err != nil {
		return nil
	}
	return slots
}

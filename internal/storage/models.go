package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction is one journaled coaching exchange.
type Interaction struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"requestId"`
	SessionID      string    `json:"sessionId"`
	Phase          int       `json:"phase"`
	CreatedAt      time.Time `json:"createdAt"`
	UserMessage    string    `json:"userMessage"`
	Response       string    `json:"response"`
	QualityScore   float64   `json:"qualityScore"`
	SafetyLevel    string    `json:"safetyLevel,omitempty"`
	SuggestedPhase int       `json:"suggestedPhase,omitempty"` // 0 when no transition was suggested
	TokensUsed     int       `json:"tokensUsed"`
	Model          string    `json:"model"`
}

package coach

import (
	"net/http"

	"github.com/allensfl/coaching-cockpit/internal/dialogue"
	"github.com/allensfl/coaching-cockpit/internal/safety"
)

// ErrorKind classifies a failed reply for the transport layer.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindValidation    ErrorKind = "validation"
	KindRateLimited   ErrorKind = "rate_limited"
	KindUpstream      ErrorKind = "upstream"
	KindConfiguration ErrorKind = "configuration"
	KindInternal      ErrorKind = "internal"
)

// HTTPStatus maps the kind to a response status.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindNone:
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	case KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Caller-visible error texts.
const (
	MsgRateLimited      = "Rate limit exceeded. Please wait before sending another message."
	MsgUnavailable      = "Service temporarily unavailable"
	MsgGenerationFailed = "Failed to generate response"
)

// Usage describes the completion behind a reply.
type Usage struct {
	Tokens int    `json:"tokens"`
	Model  string `json:"model"`
	Cached bool   `json:"cached"`
}

// Reply is the outcome of one coaching request. Failed replies carry Error
// and, for service failures, a scripted Fallback line for the phase.
type Reply struct {
	Success        bool                     `json:"success"`
	Response       string                   `json:"response,omitempty"`
	ExtractedSlots map[string]dialogue.Slot `json:"extractedSlots,omitempty"`
	PhaseAnalysis  *dialogue.PhaseAnalysis  `json:"phaseAnalysis,omitempty"`
	SafetyAlert    bool                     `json:"safetyAlert,omitempty"`
	SafetyLevel    safety.Level             `json:"safetyLevel,omitempty"`
	SafetyMessage  string                   `json:"safetyMessage,omitempty"`
	QualityScore   float64                  `json:"qualityScore,omitempty"`
	Usage          *Usage                   `json:"usage,omitempty"`
	Cached         bool                     `json:"cached,omitempty"`
	RequestID      string                   `json:"requestId"`
	SessionID      string                   `json:"sessionId,omitempty"`
	Error          string                   `json:"error,omitempty"`
	Fallback       string                   `json:"fallback,omitempty"`
	RetryAfter     int                      `json:"retryAfterSeconds,omitempty"`

	Kind ErrorKind `json:"-"`
}

// Status returns the HTTP status for the reply.
func (r Reply) Status() int { return r.Kind.HTTPStatus() }

func failed(kind ErrorKind, msg string) Reply {
	return Reply{Kind: kind, Error: msg}
}

// withFallback attaches the scripted line for phase to a failed reply.
func withFallback(r Reply, phase int) Reply {
	r.Fallback = dialogue.FallbackFor(phase)
	return r
}

// fromCache returns a copy of a stored reply marked as served from cache.
func fromCache(stored Reply) Reply {
	r := stored
	r.Cached = true
	if stored.Usage != nil {
		u := *stored.Usage
		u.Cached = true
		r.Usage = &u
	}
	return r
}

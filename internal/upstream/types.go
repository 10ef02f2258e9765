// Package upstream generates coaching completions from a remote language
// model, retrying transient failures and reducing errors to safe messages.
package upstream

import (
	"context"
	"errors"
	"fmt"
)

// Message roles sent to the model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion. Messages exclude the system prompt.
type Request struct {
	SystemPrompt     string
	Messages         []Message
	MaxTokens        int
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// Completion is a generated reply.
type Completion struct {
	Text       string
	TokensUsed int
	Model      string
}

// Backend performs a single completion attempt against one provider.
type Backend interface {
	Generate(ctx context.Context, req Request) (Completion, error)
}

var (
	// ErrNotConfigured is returned when the backend has no credential.
	ErrNotConfigured = errors.New("upstream credential not configured")
	// ErrEmptyCompletion is returned when the model produced no text.
	ErrEmptyCompletion = errors.New("upstream returned an empty completion")
	// ErrMalformedResponse is returned when a 2xx body cannot be decoded.
	ErrMalformedResponse = errors.New("upstream returned a malformed response")
)

// StatusError is returned by backends for non-2xx responses.
type StatusError struct {
	Status int
	// Detail is the provider's error message, or the raw body when none.
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Detail)
}

// Reason classifies a surfaced upstream failure.
type Reason string

const (
	ReasonRateLimited    Reason = "rate_limited"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonUnavailable    Reason = "upstream_unavailable"
	ReasonNetwork        Reason = "network_error"
)

// Failure is returned by Client.Complete once retries are exhausted or a
// fatal error occurs. Message is what callers may show to end users.
type Failure struct {
	Reason   Reason
	Message  string
	Status   int
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("upstream %s after %d attempt(s): %v", f.Reason, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func isRateLimit(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == 429
}

package upstream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultAttemptTimeout = 30 * time.Second

// Safe messages shown to end users in production.
const (
	MsgInvalidRequest = "Invalid request format"
	MsgAuthentication = "Authentication error"
	MsgBusy           = "Service busy - please try again"
	MsgAIUnavailable  = "AI service temporarily unavailable"
	MsgUnavailable    = "Service temporarily unavailable"
	MsgNetwork        = "Network error - please try again"
	msgGenericRaw     = "Upstream API error"
)

var safeMessages = map[int]string{
	http.StatusBadRequest:          MsgInvalidRequest,
	http.StatusUnauthorized:        MsgAuthentication,
	http.StatusTooManyRequests:     MsgBusy,
	http.StatusInternalServerError: MsgAIUnavailable,
	http.StatusServiceUnavailable:  MsgUnavailable,
}

// Config configures a Client.
type Config struct {
	// Policy defaults to DefaultPolicy.
	Policy Policy
	// AttemptTimeout bounds each attempt; defaults to 30s.
	AttemptTimeout time.Duration
	// Production replaces provider error text with fixed safe messages.
	Production bool
	Logger     *slog.Logger
}

// Client wraps a Backend with retries and error sanitization.
type Client struct {
	backend        Backend
	policy         Policy
	attemptTimeout time.Duration
	production     bool
	logger         *slog.Logger
}

// NewClient creates a Client around backend.
func NewClient(backend Backend, cfg Config) *Client {
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy.Logger == nil {
		cfg.Policy.Logger = cfg.Logger
	}
	return &Client{
		backend:        backend,
		policy:         cfg.Policy,
		attemptTimeout: cfg.AttemptTimeout,
		production:     cfg.Production,
		logger:         cfg.Logger,
	}
}

// Complete generates a completion. It returns ErrNotConfigured when the
// backend has no credential, ErrEmptyCompletion when the model answered
// with no text, and a *Failure for every other error.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	var out Completion
	attempts, err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()

		comp, err := c.backend.Generate(attemptCtx, req)
		if err != nil {
			return err
		}
		out = comp
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return Completion{}, err
		}
		f := c.failure(err, attempts)
		c.logger.Error("upstream completion failed",
			"reason", f.Reason, "status", f.Status, "attempts", f.Attempts, "error", err)
		return Completion{}, f
	}

	if strings.TrimSpace(out.Text) == "" {
		return Completion{}, ErrEmptyCompletion
	}
	return out, nil
}

func (c *Client) failure(err error, attempts int) *Failure {
	f := &Failure{Attempts: attempts, Err: err}

	var se *StatusError
	switch {
	case errors.As(err, &se):
		f.Status = se.Status
		f.Reason = reasonForStatus(se.Status)
	case errors.Is(err, ErrMalformedResponse):
		f.Reason = ReasonUnavailable
	default:
		f.Reason = ReasonNetwork
	}

	f.Message = c.message(f, se)
	return f
}

func reasonForStatus(status int) Reason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimited
	case status >= 400 && status < 500:
		return ReasonInvalidRequest
	default:
		return ReasonUnavailable
	}
}

// message picks the user-facing text: the fixed safe message in production,
// the provider's own error text otherwise.
func (c *Client) message(f *Failure, se *StatusError) string {
	if f.Reason == ReasonNetwork {
		return MsgNetwork
	}
	if c.production {
		return SafeMessage(f.Status)
	}
	if se != nil && se.Detail != "" {
		return se.Detail
	}
	return msgGenericRaw
}

// SafeMessage maps an upstream status to its production message.
func SafeMessage(status int) string {
	if msg, ok := safeMessages[status]; ok {
		return msg
	}
	return MsgUnavailable
}

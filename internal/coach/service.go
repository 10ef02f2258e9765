// Package coach runs one coaching request through validation, admission,
// caching, generation, and analysis.
package coach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/allensfl/coaching-cockpit/internal/cache"
	"github.com/allensfl/coaching-cockpit/internal/composer"
	"github.com/allensfl/coaching-cockpit/internal/dialogue"
	"github.com/allensfl/coaching-cockpit/internal/metrics"
	"github.com/allensfl/coaching-cockpit/internal/quality"
	"github.com/allensfl/coaching-cockpit/internal/ratelimit"
	"github.com/allensfl/coaching-cockpit/internal/safety"
	"github.com/allensfl/coaching-cockpit/internal/storage"
	"github.com/allensfl/coaching-cockpit/internal/upstream"
	"github.com/allensfl/coaching-cockpit/internal/validate"
)

// DefaultQualityThreshold is the score a completion must exceed to be cached.
const DefaultQualityThreshold = 0.7

// Completer generates completions.
type Completer interface {
	Complete(ctx context.Context, req upstream.Request) (upstream.Completion, error)
}

// Journal records completed exchanges. Record must not block.
type Journal interface {
	Record(i storage.Interaction) bool
}

// Deps are the collaborators of a Service. Upstream is required; the rest
// default to in-memory components with standard limits.
type Deps struct {
	Validator        *validate.Validator
	Limiter          *ratelimit.Limiter
	Cache            *cache.Cache[Reply]
	Composer         *composer.Composer
	Upstream         Completer
	Metrics          *metrics.Sink
	Journal          Journal
	QualityThreshold float64
	Logger           *slog.Logger
	// NewRequestID defaults to "req_" + uuid.
	NewRequestID func() string
}

// Service is the coaching orchestrator. It is safe for concurrent use.
type Service struct {
	validator *validate.Validator
	limiter   *ratelimit.Limiter
	cache     *cache.Cache[Reply]
	composer  *composer.Composer
	upstream  Completer
	metrics   *metrics.Sink
	journal   Journal
	threshold float64
	logger    *slog.Logger
	newReqID  func() string

	inflight singleflight.Group
}

// New creates a Service from deps.
func New(deps Deps) *Service {
	if deps.Upstream == nil {
		panic("coach: Upstream is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Validator == nil {
		deps.Validator = validate.New()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.DefaultLimit, ratelimit.DefaultWindow)
	}
	if deps.Cache == nil {
		deps.Cache = cache.New[Reply](cache.DefaultMaxEntries)
	}
	if deps.Composer == nil {
		deps.Composer = composer.New(0)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewSink(metrics.DefaultMaxRecords, deps.Logger)
	}
	if deps.QualityThreshold <= 0 {
		deps.QualityThreshold = DefaultQualityThreshold
	}
	if deps.NewRequestID == nil {
		deps.NewRequestID = func() string { return "req_" + uuid.NewString() }
	}
	return &Service{
		validator: deps.Validator,
		limiter:   deps.Limiter,
		cache:     deps.Cache,
		composer:  deps.Composer,
		upstream:  deps.Upstream,
		metrics:   deps.Metrics,
		journal:   deps.Journal,
		threshold: deps.QualityThreshold,
		logger:    deps.Logger,
		newReqID:  deps.NewRequestID,
	}
}

// Metrics returns the sink every request is recorded to.
func (s *Service) Metrics() *metrics.Sink { return s.metrics }

// CacheStats reports response cache counters.
func (s *Service) CacheStats() cache.Stats { return s.cache.Stats() }

// generation is the shared result of one upstream round trip.
type generation struct {
	reply   Reply
	outcome metrics.Outcome
	extra   map[string]any
}

// Handle processes one inbound request. sessionHint is used when the body
// carries no session id. Handle never returns an error: failures are
// reported in the Reply with a Kind.
func (s *Service) Handle(ctx context.Context, raw validate.Raw, sessionHint string) Reply {
	start := time.Now()
	reqID := s.newReqID()
	log := s.logger.With("request_id", reqID)

	outcome := metrics.OutcomeError
	phase := dialogue.FirstPhase
	var extra map[string]any
	defer func() {
		s.metrics.Record(reqID, start, outcome, phase, extra)
	}()

	in, err := s.validator.Validate(raw, sessionHint)
	if err != nil {
		outcome = metrics.OutcomeValidationError
		var ve *validate.Error
		if errors.As(err, &ve) {
			log.Info("request rejected", "reason", ve.Reason)
			return s.finish(failed(KindValidation, ve.Reason), reqID, "")
		}
		return s.finish(failed(KindValidation, err.Error()), reqID, "")
	}
	phase = in.Phase
	log = log.With("session_id", in.SessionID, "phase", in.Phase)
	log.Debug("processing request", "message", preview(in.Message))

	if d := s.limiter.CheckAndRecord(in.SessionID); !d.Allowed {
		outcome = metrics.OutcomeRateLimited
		extra = map[string]any{"retryAfterSeconds": d.RetryAfterSeconds}
		log.Info("rate limit exceeded", "retry_after", d.RetryAfterSeconds)
		r := failed(KindRateLimited, MsgRateLimited)
		r.RetryAfter = d.RetryAfterSeconds
		return s.finish(r, reqID, in.SessionID)
	}

	key := cache.Key(in.Phase, in.Message, in.Slots)
	if stored, ok := s.cache.Lookup(key); ok {
		outcome = metrics.OutcomeCacheHit
		log.Info("cache hit")
		return s.finish(fromCache(stored), reqID, in.SessionID)
	}

	ch := s.inflight.DoChan(flightKey(in), func() (any, error) {
		return s.generate(ctx, in, key, reqID, log), nil
	})

	var gen generation
	select {
	case res := <-ch:
		gen = res.Val.(generation)
		if res.Shared {
			log.Debug("shared in-flight generation")
		}
	case <-ctx.Done():
		outcome = metrics.OutcomeUpstreamError
		extra = map[string]any{"error": ctx.Err().Error()}
		return s.finish(withFallback(failed(KindUpstream, upstream.MsgNetwork), in.Phase), reqID, in.SessionID)
	}

	outcome, extra = gen.outcome, gen.extra
	return s.finish(gen.reply, reqID, in.SessionID)
}

// generate performs the upstream round trip for a cache miss and analyzes
// the completion. Successful replies scoring above the threshold are cached.
func (s *Service) generate(ctx context.Context, in validate.Input, key, reqID string, log *slog.Logger) (gen generation) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("generation panicked", "panic", fmt.Sprint(p))
			gen = generation{
				reply:   withFallback(failed(KindInternal, MsgUnavailable), in.Phase),
				outcome: metrics.OutcomeError,
			}
		}
	}()

	comp, err := s.upstream.Complete(ctx, s.composer.Compose(in))
	if err != nil {
		return s.upstreamFailure(err, in.Phase, log)
	}

	slots := dialogue.ExtractSlots(comp.Text, in.Phase)
	progress := dialogue.AnalyzePhase(comp.Text, in.Phase, len(in.History))
	alert := safety.Classify(comp.Text, safety.RecentText(in.History))
	score := quality.Score(comp.Text, in.Phase)

	if alert.HasAlert {
		log.Warn("safety alert", "level", string(alert.Level))
	}

	reply := Reply{
		Success:        true,
		Response:       comp.Text,
		ExtractedSlots: slots,
		PhaseAnalysis:  &progress,
		SafetyAlert:    alert.HasAlert,
		SafetyLevel:    alert.Level,
		SafetyMessage:  alert.Message,
		QualityScore:   score,
		Usage:          &Usage{Tokens: comp.TokensUsed, Model: comp.Model},
	}

	if score > s.threshold {
		s.cache.Store(key, reply, in.Phase)
	}

	if s.journal != nil {
		suggested := 0
		if progress.SuggestedPhase != nil {
			suggested = *progress.SuggestedPhase
		}
		s.journal.Record(storage.Interaction{
			RequestID:      reqID,
			SessionID:      in.SessionID,
			Phase:          in.Phase,
			UserMessage:    in.Message,
			Response:       comp.Text,
			QualityScore:   score,
			SafetyLevel:    string(alert.Level),
			SuggestedPhase: suggested,
			TokensUsed:     comp.TokensUsed,
			Model:          comp.Model,
		})
	}

	log.Info("completion generated", "tokens", comp.TokensUsed, "quality", score)
	return generation{
		reply:   reply,
		outcome: metrics.OutcomeSuccess,
		extra: map[string]any{
			"tokensUsed":     comp.TokensUsed,
			"qualityScore":   score,
			"slotsExtracted": len(slots),
		},
	}
}

func (s *Service) upstreamFailure(err error, phase int, log *slog.Logger) generation {
	var f *upstream.Failure
	switch {
	case errors.Is(err, upstream.ErrNotConfigured):
		log.Error("upstream credential missing")
		return generation{
			reply:   withFallback(failed(KindConfiguration, MsgUnavailable), phase),
			outcome: metrics.OutcomeConfigMissing,
		}
	case errors.As(err, &f):
		return generation{
			reply:   withFallback(failed(KindUpstream, f.Message), phase),
			outcome: metrics.OutcomeUpstreamError,
			extra:   map[string]any{"reason": string(f.Reason), "status": f.Status, "attempts": f.Attempts},
		}
	case errors.Is(err, upstream.ErrEmptyCompletion):
		log.Error("upstream returned no text")
		return generation{
			reply:   withFallback(failed(KindUpstream, MsgGenerationFailed), phase),
			outcome: metrics.OutcomeUpstreamError,
			extra:   map[string]any{"reason": "empty_completion"},
		}
	default:
		log.Error("unexpected upstream error", "error", err)
		return generation{
			reply:   withFallback(failed(KindInternal, MsgUnavailable), phase),
			outcome: metrics.OutcomeError,
		}
	}
}

// flightKey identifies a request completely: only exact resubmissions of
// the same session's request share one generation. The cache key is
// coarser and must not be used here.
func flightKey(in validate.Input) string {
	id := struct {
		Session string          `json:"s"`
		Message string          `json:"m"`
		Phase   int             `json:"p"`
		Slots   map[string]any  `json:"sl"`
		History []dialogue.Turn `json:"h"`
	}{in.SessionID, in.Message, in.Phase, in.Slots, in.History}

	b, err := json.Marshal(id)
	if err != nil {
		return fmt.Sprintf("%#v", id)
	}
	return string(b)
}

// finish stamps per-request identifiers onto a reply.
func (s *Service) finish(r Reply, reqID, sessionID string) Reply {
	r.RequestID = reqID
	r.SessionID = sessionID
	return r
}

const previewRunes = 100

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes]) + "..."
}

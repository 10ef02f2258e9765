package coach

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/allensfl/coaching-cockpit/internal/dialogue"
	"github.com/allensfl/coaching-cockpit/internal/metrics"
	"github.com/allensfl/coaching-cockpit/internal/ratelimit"
	"github.com/allensfl/coaching-cockpit/internal/safety"
	"github.com/allensfl/coaching-cockpit/internal/storage"
	"github.com/allensfl/coaching-cockpit/internal/upstream"
	"github.com/allensfl/coaching-cockpit/internal/validate"
)

// goodText scores 1.0 in phase 1 and is therefore cached.
const goodText = "Du beschreibst deine aktuelle Situation sehr klar und offen heute. " +
	"Was genau beschäftigt dich dabei am meisten wenn du an die kommenden Monate denkst?"

type fakeCompleter struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req upstream.Request) (upstream.Completion, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, req upstream.Request) (upstream.Completion, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

func textCompleter(text string) *fakeCompleter {
	return &fakeCompleter{fn: func(context.Context, upstream.Request) (upstream.Completion, error) {
		return upstream.Completion{Text: text, TokensUsed: 42, Model: "gpt-4"}, nil
	}}
}

func errCompleter(err error) *fakeCompleter {
	return &fakeCompleter{fn: func(context.Context, upstream.Request) (upstream.Completion, error) {
		return upstream.Completion{}, err
	}}
}

type fakeJournal struct {
	mu      sync.Mutex
	records []storage.Interaction
}

func (j *fakeJournal) Record(i storage.Interaction) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, i)
	return true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(c Completer, j Journal) *Service {
	logger := quietLogger()
	deps := Deps{
		Upstream: c,
		Logger:   logger,
		Metrics:  metrics.NewSink(100, logger),
	}
	if j != nil {
		deps.Journal = j
	}
	return New(deps)
}

func raw(t *testing.T, body string) validate.Raw {
	t.Helper()
	var r validate.Raw
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("decoding %s: %v", body, err)
	}
	return r
}

func lastOutcome(t *testing.T, s *Service) metrics.Outcome {
	t.Helper()
	recs := s.Metrics().Recent(1)
	if len(recs) != 1 {
		t.Fatalf("no metrics recorded")
	}
	return recs[0].Outcome
}

func TestHandleSuccess(t *testing.T) {
	fc := textCompleter(goodText)
	j := &fakeJournal{}
	s := newTestService(fc, j)

	r := s.Handle(context.Background(), raw(t, `{"message":"Ich weiß nicht, was nach der Arbeit kommt.","phase":1,"sessionId":"sess_a"}`), "")

	if !r.Success || r.Kind != KindNone {
		t.Fatalf("reply = %+v, want success", r)
	}
	if r.Response != goodText {
		t.Errorf("Response = %q", r.Response)
	}
	if !strings.HasPrefix(r.RequestID, "req_") {
		t.Errorf("RequestID = %q, want req_ prefix", r.RequestID)
	}
	if r.SessionID != "sess_a" {
		t.Errorf("SessionID = %q, want sess_a", r.SessionID)
	}
	if r.Cached || r.Usage == nil || r.Usage.Cached || r.Usage.Tokens != 42 || r.Usage.Model != "gpt-4" {
		t.Errorf("Usage = %+v, Cached = %v", r.Usage, r.Cached)
	}
	if r.QualityScore != 1.0 {
		t.Errorf("QualityScore = %v, want 1.0", r.QualityScore)
	}
	if r.PhaseAnalysis == nil {
		t.Error("PhaseAnalysis missing")
	}
	if r.Status() != http.StatusOK {
		t.Errorf("Status() = %d, want 200", r.Status())
	}
	if got := lastOutcome(t, s); got != metrics.OutcomeSuccess {
		t.Errorf("outcome = %q, want success", got)
	}

	if len(j.records) != 1 {
		t.Fatalf("journal records = %d, want 1", len(j.records))
	}
	rec := j.records[0]
	if rec.RequestID != r.RequestID || rec.SessionID != "sess_a" || rec.Response != goodText || rec.Phase != 1 {
		t.Errorf("journal record = %+v", rec)
	}
}

func TestHandleCacheHit(t *testing.T) {
	fc := textCompleter(goodText)
	j := &fakeJournal{}
	s := newTestService(fc, j)
	body := `{"message":"Wie finde ich eine neue Aufgabe?","phase":1,"sessionId":"sess_a"}`

	first := s.Handle(context.Background(), raw(t, body), "")
	second := s.Handle(context.Background(), raw(t, body), "")

	if fc.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", fc.calls.Load())
	}
	if !second.Success || !second.Cached || !second.Usage.Cached {
		t.Errorf("second reply = %+v, want cached success", second)
	}
	if first.Usage.Cached {
		t.Error("cache hit mutated the first reply's usage")
	}
	if second.RequestID == first.RequestID {
		t.Error("cached reply reused the original request id")
	}
	if second.Response != first.Response {
		t.Errorf("cached Response = %q, want %q", second.Response, first.Response)
	}
	if got := lastOutcome(t, s); got != metrics.OutcomeCacheHit {
		t.Errorf("outcome = %q, want cache_hit", got)
	}
	if len(j.records) != 1 {
		t.Errorf("journal records = %d, want 1 (cache hits are not journaled)", len(j.records))
	}
}

func TestLowQualityNotCached(t *testing.T) {
	fc := textCompleter("ja ja ja ja")
	s := newTestService(fc, nil)
	body := `{"message":"Hallo zusammen","phase":1,"sessionId":"sess_a"}`

	s.Handle(context.Background(), raw(t, body), "")
	r := s.Handle(context.Background(), raw(t, body), "")

	if fc.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", fc.calls.Load())
	}
	if r.Cached {
		t.Error("low-quality reply was served from cache")
	}
	if s.CacheStats().Entries != 0 {
		t.Errorf("cache entries = %d, want 0", s.CacheStats().Entries)
	}
}

func TestHandleValidationError(t *testing.T) {
	fc := textCompleter(goodText)
	s := newTestService(fc, nil)

	r := s.Handle(context.Background(), raw(t, `{"message":"hi"}`), "")

	if r.Success || r.Kind != KindValidation {
		t.Fatalf("reply = %+v, want validation failure", r)
	}
	if r.Error != validate.ReasonMessageTooShort {
		t.Errorf("Error = %q, want %q", r.Error, validate.ReasonMessageTooShort)
	}
	if r.Fallback != "" {
		t.Errorf("validation failures carry no fallback, got %q", r.Fallback)
	}
	if r.Status() != http.StatusBadRequest {
		t.Errorf("Status() = %d, want 400", r.Status())
	}
	if fc.calls.Load() != 0 {
		t.Error("upstream called for invalid input")
	}
	if got := lastOutcome(t, s); got != metrics.OutcomeValidationError {
		t.Errorf("outcome = %q, want validation_error", got)
	}
}

func TestHandleRateLimited(t *testing.T) {
	fc := textCompleter(goodText)
	logger := quietLogger()
	s := New(Deps{
		Upstream: fc,
		Logger:   logger,
		Limiter:  ratelimit.New(1, time.Minute),
		Metrics:  metrics.NewSink(10, logger),
	})

	s.Handle(context.Background(), raw(t, `{"message":"Erste Nachricht","sessionId":"s1"}`), "")
	r := s.Handle(context.Background(), raw(t, `{"message":"Zweite Nachricht","sessionId":"s1"}`), "")

	if r.Kind != KindRateLimited || r.Error != MsgRateLimited {
		t.Fatalf("reply = %+v, want rate limited", r)
	}
	if r.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %d, want > 0", r.RetryAfter)
	}
	if r.Status() != http.StatusTooManyRequests {
		t.Errorf("Status() = %d, want 429", r.Status())
	}
	if got := lastOutcome(t, s); got != metrics.OutcomeRateLimited {
		t.Errorf("outcome = %q, want rate_limited", got)
	}

	other := s.Handle(context.Background(), raw(t, `{"message":"Andere Sitzung","sessionId":"s2"}`), "")
	if !other.Success {
		t.Errorf("other session was limited: %+v", other)
	}
}

func TestHandleSessionHint(t *testing.T) {
	s := newTestService(textCompleter(goodText), nil)
	r := s.Handle(context.Background(), raw(t, `{"message":"Guten Morgen"}`), "from-header")
	if r.SessionID != "from-header" {
		t.Errorf("SessionID = %q, want from-header", r.SessionID)
	}
}

func TestHandleUpstreamFailures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantKind    ErrorKind
		wantError   string
		wantOutcome metrics.Outcome
		wantStatus  int
	}{
		{
			name:        "not configured",
			err:         upstream.ErrNotConfigured,
			wantKind:    KindConfiguration,
			wantError:   MsgUnavailable,
			wantOutcome: metrics.OutcomeConfigMissing,
			wantStatus:  http.StatusServiceUnavailable,
		},
		{
			name:        "exhausted retries",
			err:         &upstream.Failure{Reason: upstream.ReasonRateLimited, Message: upstream.MsgBusy, Status: 429, Attempts: 2},
			wantKind:    KindUpstream,
			wantError:   upstream.MsgBusy,
			wantOutcome: metrics.OutcomeUpstreamError,
			wantStatus:  http.StatusBadGateway,
		},
		{
			name:        "empty completion",
			err:         upstream.ErrEmptyCompletion,
			wantKind:    KindUpstream,
			wantError:   MsgGenerationFailed,
			wantOutcome: metrics.OutcomeUpstreamError,
			wantStatus:  http.StatusBadGateway,
		},
		{
			name:        "unexpected",
			err:         errors.New("boom"),
			wantKind:    KindInternal,
			wantError:   MsgUnavailable,
			wantOutcome: metrics.OutcomeError,
			wantStatus:  http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &fakeJournal{}
			s := newTestService(errCompleter(tt.err), j)

			r := s.Handle(context.Background(), raw(t, `{"message":"Was soll ich tun?","phase":4}`), "")

			if r.Success || r.Kind != tt.wantKind {
				t.Fatalf("reply = %+v, want kind %q", r, tt.wantKind)
			}
			if r.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", r.Error, tt.wantError)
			}
			if r.Fallback != dialogue.FallbackFor(4) {
				t.Errorf("Fallback = %q, want phase 4 fallback", r.Fallback)
			}
			if r.Status() != tt.wantStatus {
				t.Errorf("Status() = %d, want %d", r.Status(), tt.wantStatus)
			}
			if got := lastOutcome(t, s); got != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", got, tt.wantOutcome)
			}
			if len(j.records) != 0 {
				t.Error("failed generation was journaled")
			}
		})
	}
}

func TestHandlePanicRecovered(t *testing.T) {
	fc := &fakeCompleter{fn: func(context.Context, upstream.Request) (upstream.Completion, error) {
		panic("backend exploded")
	}}
	s := newTestService(fc, nil)

	r := s.Handle(context.Background(), raw(t, `{"message":"Hallo Coach"}`), "")
	if r.Kind != KindInternal || r.Fallback == "" {
		t.Errorf("reply = %+v, want internal failure with fallback", r)
	}
}

func TestFearOfEmptinessTopic(t *testing.T) {
	// The model mirrors the client's words back.
	fc := &fakeCompleter{fn: func(_ context.Context, req upstream.Request) (upstream.Completion, error) {
		last := req.Messages[len(req.Messages)-1].Content
		return upstream.Completion{Text: "Du sagst: " + last + ". Was zeigt sich dir dabei?", Model: "gpt-4"}, nil
	}}
	s := newTestService(fc, nil)

	r := s.Handle(context.Background(),
		raw(t, `{"message":"Ich fühle mich leer und habe Angst vor der Leere im Ruhestand","phase":1,"history":[]}`), "")

	if !r.Success {
		t.Fatalf("reply = %+v, want success", r)
	}
	slot, ok := r.ExtractedSlots[dialogue.SlotTopic]
	if !ok {
		t.Fatalf("ExtractedSlots = %+v, missing %s", r.ExtractedSlots, dialogue.SlotTopic)
	}
	if slot.Value != "Angst vor der Leere im Ruhestand" || slot.Confidence != 0.9 {
		t.Errorf("topic slot = %+v", slot)
	}
}

func TestSafetyAnnotation(t *testing.T) {
	s := newTestService(textCompleter("Ich höre, dass du an Suizid denkst. Das ist ernst."), nil)

	r := s.Handle(context.Background(), raw(t, `{"message":"Mir geht es schlecht","phase":6}`), "")

	if !r.Success {
		t.Fatalf("safety findings must not fail the reply: %+v", r)
	}
	if !r.SafetyAlert || r.SafetyLevel != safety.LevelCritical {
		t.Errorf("SafetyAlert = %v, Level = %q, want CRITICAL", r.SafetyAlert, r.SafetyLevel)
	}
	if !strings.Contains(r.SafetyMessage, "Telefonseelsorge") {
		t.Errorf("SafetyMessage = %q", r.SafetyMessage)
	}
}

func TestSafetyFromHistory(t *testing.T) {
	s := newTestService(textCompleter(goodText), nil)

	body := `{"message":"Wie geht es weiter?","phase":1,"history":[
		{"role":"user","content":"Mein Arzt sprach von Depression."},
		{"role":"assistant","content":"Danke fürs Teilen.","approved":true}]}`
	r := s.Handle(context.Background(), raw(t, body), "")

	if r.SafetyLevel != safety.LevelTherapeutic {
		t.Errorf("SafetyLevel = %q, want THERAPEUTIC", r.SafetyLevel)
	}
}

func TestConcurrentMissesShareOneUpstreamCall(t *testing.T) {
	release := make(chan struct{})
	fc := &fakeCompleter{fn: func(context.Context, upstream.Request) (upstream.Completion, error) {
		<-release
		return upstream.Completion{Text: goodText, TokensUsed: 10, Model: "gpt-4"}, nil
	}}
	s := newTestService(fc, nil)
	body := `{"message":"Was bedeutet Ruhestand für mich?","phase":1,"sessionId":"sess_dup"}`

	const n = 8
	replies := make([]Reply, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies[i] = s.Handle(context.Background(), raw(t, body), "")
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for fc.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	// Late arrivals hit the cache, so exactly one generation runs either way.
	if got := fc.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	seen := make(map[string]bool)
	for _, r := range replies {
		if !r.Success {
			t.Errorf("reply = %+v, want success", r)
		}
		if seen[r.RequestID] {
			t.Errorf("duplicate request id %q", r.RequestID)
		}
		seen[r.RequestID] = true
	}
}

func TestConcurrentDistinctMessagesGenerateSeparately(t *testing.T) {
	release := make(chan struct{})
	fc := &fakeCompleter{fn: func(_ context.Context, req upstream.Request) (upstream.Completion, error) {
		<-release
		last := req.Messages[len(req.Messages)-1].Content
		return upstream.Completion{Text: "Echo: " + last, Model: "gpt-4"}, nil
	}}
	s := newTestService(fc, nil)

	// Both messages share their first 50 characters and therefore one cache key.
	prefix := "Ich denke seit vielen Wochen über meinen Ruhestand nach und frage mich"
	requests := []struct{ session, message string }{
		{"s1", prefix + " zuerst, was bleibt."},
		{"s2", prefix + " danach, was kommt."},
	}

	replies := make([]Reply, len(requests))
	var wg sync.WaitGroup
	for i, rq := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, _ := json.Marshal(map[string]any{"message": rq.message, "sessionId": rq.session, "phase": 2})
			replies[i] = s.Handle(context.Background(), raw(t, string(body)), "")
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for fc.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if got := fc.calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
	for i, rq := range requests {
		r := replies[i]
		if !r.Success {
			t.Fatalf("reply %d = %+v, want success", i, r)
		}
		if r.SessionID != rq.session {
			t.Errorf("reply %d SessionID = %q, want %q", i, r.SessionID, rq.session)
		}
		if r.Response != "Echo: "+rq.message {
			t.Errorf("reply %d Response = %q, want echo of its own message", i, r.Response)
		}
	}
}

func TestSlotsComeFromCompletionOnly(t *testing.T) {
	s := newTestService(textCompleter("Wie geht es dir damit?"), nil)

	r := s.Handle(context.Background(),
		raw(t, `{"message":"Mein Thema ist der Abschied aus dem Berufsleben","phase":2}`), "")

	if !r.Success {
		t.Fatalf("reply = %+v, want success", r)
	}
	if len(r.ExtractedSlots) != 0 {
		t.Errorf("ExtractedSlots = %+v, want none from a completion without slot content", r.ExtractedSlots)
	}
}

func TestHandleCallerCancelled(t *testing.T) {
	fc := &fakeCompleter{fn: func(ctx context.Context, _ upstream.Request) (upstream.Completion, error) {
		<-ctx.Done()
		return upstream.Completion{}, &upstream.Failure{Reason: upstream.ReasonNetwork, Message: upstream.MsgNetwork, Err: ctx.Err()}
	}}
	s := newTestService(fc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	done := make(chan Reply, 1)
	go func() { done <- s.Handle(ctx, raw(t, `{"message":"Bitte antworte"}`), "") }()

	select {
	case r := <-done:
		if r.Success || r.Kind != KindUpstream {
			t.Errorf("reply = %+v, want upstream failure", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after cancellation")
	}
}

func TestErrorKindHTTPStatus(t *testing.T) {
	tests := map[ErrorKind]int{
		KindNone:          200,
		KindValidation:    400,
		KindRateLimited:   429,
		KindUpstream:      502,
		KindConfiguration: 503,
		KindInternal:      500,
	}
	for k, want := range tests {
		if got := k.HTTPStatus(); got != want {
			t.Errorf("%q.HTTPStatus() = %d, want %d", k, got, want)
		}
	}
}

func TestReplyJSONShape(t *testing.T) {
	r := withFallback(failed(KindUpstream, MsgGenerationFailed), 2)
	r.RequestID = "req_1"
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"success", "requestId", "error", "fallback"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing %q in %s", key, b)
		}
	}
	for _, key := range []string{"Kind", "usage", "response"} {
		if _, ok := m[key]; ok {
			t.Errorf("unexpected %q in %s", key, b)
		}
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/allensfl/coaching-cockpit/internal/coach"
	"github.com/allensfl/coaching-cockpit/internal/config"
	"github.com/allensfl/coaching-cockpit/internal/dialogue"
	"github.com/allensfl/coaching-cockpit/internal/metrics"
	"github.com/allensfl/coaching-cockpit/internal/upstream"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

type cannedResponse struct {
	status int
	body   string
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	canned := make(map[string]cannedResponse, len(responses))
	for k, v := range responses {
		canned[k] = cannedResponse{status: http.StatusOK, body: v}
	}
	return newTestServerWithStatus(t, canned)
}

func newTestServerWithStatus(t *testing.T, responses map[string]cannedResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resp.status)
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAskCoach_Success(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/coach": `{"success":true,"response":"Was bedeutet Freiheit für dich?","qualityScore":0.8,"requestId":"req_1","sessionId":"sess_1"}`,
	})

	reply, err := askCoach(ctx, ts.client(), "Ich weiss nicht, wie es weitergeht", 2, "sess_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Success || reply.Response != "Was bedeutet Freiheit für dich?" {
		t.Errorf("reply = %+v", reply)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/api/coach" {
		t.Errorf("request = %s %s, want POST /api/coach", r.Method, r.Path)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["message"] != "Ich weiss nicht, wie es weitergeht" {
		t.Errorf("body.message = %v", body["message"])
	}
	if body["phase"] != float64(2) {
		t.Errorf("body.phase = %v, want 2", body["phase"])
	}
	if body["sessionId"] != "sess_1" {
		t.Errorf("body.sessionId = %v, want sess_1", body["sessionId"])
	}
}

func TestAskCoach_OmitsEmptySession(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/coach": `{"success":true,"response":"ok","requestId":"req_1","sessionId":"sess_gen"}`,
	})

	if _, err := askCoach(ctx, ts.client(), "Hallo zusammen", 1, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(ts.requests[0].Body, "sessionId") {
		t.Errorf("body = %s, want no sessionId", ts.requests[0].Body)
	}
}

func TestAskCoach_FailureBodyDecoded(t *testing.T) {
	ts := newTestServerWithStatus(t, map[string]cannedResponse{
		"POST /api/coach": {
			status: http.StatusTooManyRequests,
			body:   `{"success":false,"error":"Rate limit exceeded. Please wait before sending another message.","retryAfterSeconds":42,"requestId":"req_2"}`,
		},
	})

	reply, err := askCoach(ctx, ts.client(), "Noch eine Frage", 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Success {
		t.Error("Success = true, want false")
	}
	if reply.RetryAfter != 42 {
		t.Errorf("RetryAfter = %d, want 42", reply.RetryAfter)
	}
	if reply.Error != coach.MsgRateLimited {
		t.Errorf("Error = %q", reply.Error)
	}
}

func TestAskCoach_NonJSONBody(t *testing.T) {
	ts := newTestServerWithStatus(t, map[string]cannedResponse{
		"POST /api/coach": {status: http.StatusBadGateway, body: "upstream exploded"},
	})

	_, err := askCoach(ctx, ts.client(), "Hallo zusammen", 1, "")
	if err == nil {
		t.Fatal("expected decode error")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error = %q, want it to mention 502", err.Error())
	}
}

func TestPrintReply(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	next := 3
	var buf bytes.Buffer
	printReply(&buf, coach.Reply{
		Success:       true,
		Response:      "Welche Bilder tauchen auf?",
		QualityScore:  0.75,
		SessionID:     "sess_9",
		Cached:        true,
		SafetyAlert:   true,
		SafetyLevel:   "THERAPEUTIC",
		SafetyMessage: "Therapeutische Begleitung empfohlen",
		PhaseAnalysis: &dialogue.PhaseAnalysis{SuggestedPhase: &next, Confidence: 0.6},
		ExtractedSlots: map[string]dialogue.Slot{
			"session_thema": {Value: "Angst vor der Leere im Ruhestand", Confidence: 0.9},
		},
	})

	out := buf.String()
	for _, want := range []string{
		"Welche Bilder tauchen auf?",
		"sess_9",
		"(cached)",
		"THERAPEUTIC",
		"phase 3",
		"session_thema = Angst vor der Leere im Ruhestand",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintReply_Failure(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var buf bytes.Buffer
	printReply(&buf, coach.Reply{
		Error:    coach.MsgUnavailable,
		Fallback: dialogue.FallbackFor(1),
	})

	out := buf.String()
	if !strings.Contains(out, "error: "+coach.MsgUnavailable) {
		t.Errorf("output missing error line:\n%s", out)
	}
	if !strings.Contains(out, "fallback: "+dialogue.FallbackFor(1)) {
		t.Errorf("output missing fallback line:\n%s", out)
	}
}

func TestFetchMetrics(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/metrics": `{
			"summary":{"total":3,"byOutcome":{"success":2,"cache_hit":1},"avgDurationMs":120},
			"recent":[{"requestId":"req_1","timestamp":"2026-01-02T10:00:00Z","durationMs":80,"outcome":"success","phase":2}],
			"cache":{"entries":1,"hits":1,"misses":2,"evictions":0},
			"journal":{"written":2,"dropped":0,"failed":0,"queued":0}
		}`,
	})

	m, err := fetchMetrics(ctx, ts.client(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Path != "/api/metrics?limit=5" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
	if m.Summary.Total != 3 || m.Summary.ByOutcome[metrics.OutcomeSuccess] != 2 {
		t.Errorf("summary = %+v", m.Summary)
	}
	if len(m.Recent) != 1 || m.Recent[0].Outcome != metrics.OutcomeSuccess {
		t.Errorf("recent = %+v", m.Recent)
	}
	if m.Cache.Hits != 1 {
		t.Errorf("cache = %+v", m.Cache)
	}
	if m.Journal == nil || m.Journal.Written != 2 {
		t.Errorf("journal = %+v", m.Journal)
	}
}

func TestFetchMetrics_Unauthorized(t *testing.T) {
	ts := newTestServerWithStatus(t, map[string]cannedResponse{
		"GET /api/metrics": {status: 401, body: `{"error":{"message":"unauthorized","type":"auth_error"}}`},
	})

	if _, err := fetchMetrics(ctx, ts.client(), 5); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want 401 error", err)
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServerWithStatus(t, map[string]cannedResponse{
		"GET /api/metrics":      {status: 401, body: `{"error":{"message":"unauthorized","type":"auth_error"}}`},
		"GET /api/interactions": {status: 503, body: "storage offline\n"},
	})

	_, err := fetchMetrics(ctx, ts.client(), 5)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T %v, want *apiError", err, err)
	}
	if apiErr.Status != 401 || apiErr.Type != "auth_error" || apiErr.Message != "unauthorized" {
		t.Errorf("apiError = %+v", apiErr)
	}

	var out []any
	err = ts.client().getJSON(ctx, "/api/interactions", &out)
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T %v, want *apiError", err, err)
	}
	if apiErr.Status != 503 || apiErr.Type != "" || apiErr.Message != "storage offline" {
		t.Errorf("apiError = %+v", apiErr)
	}
	if err.Error() != "server returned 503: storage offline" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestSummaryLine(t *testing.T) {
	got := summaryLine(metrics.Summary{
		Total:         4,
		ByOutcome:     map[metrics.Outcome]int{metrics.OutcomeSuccess: 3, metrics.OutcomeCacheHit: 1},
		AvgDurationMs: 99.6,
	})
	want := "4 total (cache_hit 1, success 3), avg 100 ms"
	if got != want {
		t.Errorf("summaryLine = %q, want %q", got, want)
	}

	if got := summaryLine(metrics.Summary{}); got != "0 total, avg 0 ms" {
		t.Errorf("empty summaryLine = %q", got)
	}
}

func TestInteractionsPath(t *testing.T) {
	if got := interactionsPath("", 20); got != "/api/interactions?limit=20" {
		t.Errorf("path = %q", got)
	}
	if got := interactionsPath("sess 1", 5); got != "/api/interactions?limit=5&session=sess+1" {
		t.Errorf("path = %q", got)
	}
}

func TestInteractionsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/interactions": `[{"id":"abcdef123456","sessionId":"sess_1","phase":2,"createdAt":"2026-01-02T10:00:00Z","userMessage":"Ich fühle mich leer","qualityScore":0.8}]`,
	})

	resp, err := ts.client().get(ctx, interactionsPath("sess_1", 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var interactions []struct {
		ID          string `json:"id"`
		UserMessage string `json:"userMessage"`
	}
	if err := decodeJSON(resp, &interactions); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(interactions) != 1 || interactions[0].UserMessage != "Ich fühle mich leer" {
		t.Errorf("interactions = %+v", interactions)
	}
	if ts.requests[0].Path != "/api/interactions?limit=10&session=sess_1" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestPreviewAndShortID(t *testing.T) {
	if got := preview("  kurz \n text ", 80); got != "kurz text" {
		t.Errorf("preview = %q", got)
	}
	if got := preview("äöüäöü", 3); got != "äöü..." {
		t.Errorf("preview = %q, want rune-safe truncation", got)
	}
	if got := shortID("abcdef123456"); got != "abcdef12" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30d", 30 * 24 * time.Hour, false},
		{"72h", 72 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"0d", 0, true},
		{"-1h", 0, true},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseAge(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseAge(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseAge(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAskCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing message")
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	resp, err := ts.client().get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	if _, err := client.get(ctx, "/health"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "debug", Format: "json"})
	logger.Debug("debug line", "k", "v")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json handler output not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "debug line" || entry["level"] != "DEBUG" {
		t.Errorf("entry = %v", entry)
	}

	buf.Reset()
	logger = newLogger(&buf, config.LogConfig{Level: "info", Format: "text"})
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug record written at info level: %q", buf.String())
	}
	if !logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("info level should be enabled")
	}
}

func TestNewUpstreamClient_MissingKey(t *testing.T) {
	cfg := config.Config{}
	cfg.Upstream.Provider = config.ProviderOpenAI
	cfg.Upstream.BaseURL = "http://127.0.0.1:1"
	cfg.Upstream.Model = "gpt-4"
	cfg.Upstream.Timeout = "1s"
	cfg.Upstream.MaxAttempts = 1

	client := newUpstreamClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := client.Complete(ctx, upstream.Request{
		Messages: []upstream.Message{{Role: "user", Content: "Hallo"}},
	})
	if !errors.Is(err, upstream.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.Upstream.APIKey = "sk-secret"

	keys := config.ShowAll(cfg)
	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
		if strings.Contains(k.Value, "sk-secret") {
			t.Errorf("secret leaked in %s", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}

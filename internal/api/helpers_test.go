package api

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/allensfl/coaching-cockpit/internal/coach"
	"github.com/allensfl/coaching-cockpit/internal/metrics"
	"github.com/allensfl/coaching-cockpit/internal/storage"
	"github.com/allensfl/coaching-cockpit/internal/upstream"
)

const testReply = "Du beschreibst deine aktuelle Situation sehr klar und offen heute. " +
	"Was genau beschäftigt dich dabei am meisten wenn du an die kommenden Monate denkst?"

type stubCompleter struct {
	calls atomic.Int32
	text  string
	err   error
}

func (s *stubCompleter) Complete(context.Context, upstream.Request) (upstream.Completion, error) {
	s.calls.Add(1)
	if s.err != nil {
		return upstream.Completion{}, s.err
	}
	return upstream.Completion{Text: s.text, TokensUsed: 17, Model: "gpt-4"}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoach(c coach.Completer) *coach.Service {
	logger := quietLogger()
	return coach.New(coach.Deps{
		Upstream: c,
		Logger:   logger,
		Metrics:  metrics.NewSink(100, logger),
	})
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(storage.MemoryDir)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

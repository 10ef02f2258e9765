package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/allensfl/coaching-cockpit/internal/coach"
	"github.com/allensfl/coaching-cockpit/internal/dialogue"
	"github.com/allensfl/coaching-cockpit/internal/quality"
	"github.com/allensfl/coaching-cockpit/internal/safety"
	"github.com/allensfl/coaching-cockpit/internal/validate"
)

// MCPDeps holds dependencies for the MCP server. Store is optional.
type MCPDeps struct {
	Coach   *coach.Service
	Store   InteractionStore
	Version string
}

// NewMCPServer creates an MCP server exposing the coaching orchestrator.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"coaching-cockpit",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("Retirement coaching cockpit: run coaching turns, inspect phases, analyze coach replies."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("coach_message",
			mcp.WithDescription("Send a client message through the coaching orchestrator and return the coach reply."),
			mcp.WithString("message", mcp.Description("The client's message"), mcp.Required()),
			mcp.WithNumber("phase", mcp.Description("Current coaching phase 1-8 (default 1)")),
			mcp.WithString("session_id", mcp.Description("Session identifier; generated when omitted")),
			mcp.WithString("history", mcp.Description("JSON array of {role, content, approved} turns")),
		),
		mcpCoachMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("phase_fallback",
			mcp.WithDescription("Return the context line and scripted fallback prompt for a coaching phase."),
			mcp.WithNumber("phase", mcp.Description("Coaching phase 1-8"), mcp.Required()),
		),
		mcpPhaseFallback(),
	)

	s.AddTool(
		mcp.NewTool("analyze_reply",
			mcp.WithDescription("Run slot extraction, phase analysis, safety classification and quality scoring over a coach reply."),
			mcp.WithString("text", mcp.Description("Coach reply text"), mcp.Required()),
			mcp.WithNumber("phase", mcp.Description("Current coaching phase 1-8 (default 1)")),
			mcp.WithNumber("history_depth", mcp.Description("Number of prior turns in the session")),
		),
		mcpAnalyzeReply(),
	)

	s.AddResource(
		mcp.NewResource(
			"cockpit://metrics",
			"Request Metrics",
			mcp.WithResourceDescription("Request outcome summary and cache counters"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceMetrics(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cockpit://recent",
			"Recent Interactions",
			mcp.WithResourceDescription("Last 10 journaled coaching exchanges"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpCoachMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		msgJSON, err := json.Marshal(message)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to encode message: %v", err)), nil
		}
		raw := validate.Raw{
			Message:   msgJSON,
			Phase:     json.RawMessage(strconv.Itoa(req.GetInt("phase", dialogue.FirstPhase))),
			SessionID: req.GetString("session_id", ""),
		}
		if h := req.GetString("history", ""); h != "" {
			if !json.Valid([]byte(h)) {
				return mcpError("history must be a JSON array"), nil
			}
			raw.History = json.RawMessage(h)
		}

		reply := deps.Coach.Handle(ctx, raw, "")
		b, err := json.Marshal(reply)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal reply: %v", err)), nil
		}
		if !reply.Success {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPhaseFallback() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n := req.GetInt("phase", 0)
		p, ok := dialogue.Lookup(n)
		if !ok {
			return mcpError(fmt.Sprintf("phase must be between %d and %d", dialogue.FirstPhase, dialogue.LastPhase)), nil
		}

		b, err := json.Marshal(map[string]any{
			"phase":    p.Number,
			"name":     p.Name,
			"context":  dialogue.Context(p.Number),
			"fallback": p.Fallback,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal phase: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAnalyzeReply() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		phase := dialogue.ClampPhase(req.GetInt("phase", dialogue.FirstPhase))
		depth := max(0, req.GetInt("history_depth", 0))

		a := dialogue.Analyze(text, phase, depth)
		b, err := json.Marshal(map[string]any{
			"extractedSlots": a.Slots,
			"phaseAnalysis":  a.Phase,
			"safety":         safety.Classify(text, ""),
			"qualityScore":   quality.Score(text, phase),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal analysis: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceMetrics(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(map[string]any{
			"summary": deps.Coach.Metrics().Summary(),
			"cache":   deps.Coach.CacheStats(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metrics: %w", err)
		}
		return jsonResource(req.Params.URI, b), nil
	}
}

// recentPreviewRunes truncates messages in the recent-interactions resource.
const recentPreviewRunes = 200

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Store == nil {
			return jsonResource(req.Params.URI, []byte("[]")), nil
		}
		interactions, err := deps.Store.RecentInteractions(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent interactions: %w", err)
		}

		type interactionSummary struct {
			ID        string  `json:"id"`
			SessionID string  `json:"session_id"`
			CreatedAt string  `json:"created_at"`
			Phase     int     `json:"phase"`
			Message   string  `json:"message"`
			Quality   float64 `json:"quality_score"`
		}

		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			msg := ix.UserMessage
			if utf8.RuneCountInString(msg) > recentPreviewRunes {
				msg = string([]rune(msg)[:recentPreviewRunes]) + "..."
			}
			summaries[i] = interactionSummary{
				ID:        ix.ID,
				SessionID: ix.SessionID,
				CreatedAt: ix.CreatedAt.Format(time.RFC3339),
				Phase:     ix.Phase,
				Message:   msg,
				Quality:   ix.QualityScore,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
		}
		return jsonResource(req.Params.URI, b), nil
	}
}

func jsonResource(uri string, b []byte) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

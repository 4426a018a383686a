package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/inferhost/internal/chat"
	"github.com/kalambet/inferhost/internal/engine"
	"github.com/kalambet/inferhost/internal/ollama"
	"github.com/kalambet/inferhost/internal/release"
	"github.com/kalambet/inferhost/internal/session"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Runtime *engine.Runtime
	Syncer  *session.Syncer // optional; if nil, sync_sessions returns an error
	Version string
}

// NewMCPServer creates an MCP server exposing the runtime as tools and
// resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"inferhost",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("inferhost manages a local inference engine: install and run it, manage models, chat, and reconcile chat sessions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("engine_status",
			mcp.WithDescription("Report the local engine's process state, version, reachability and installed versions."),
		),
		mcpEngineStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("start_engine",
			mcp.WithDescription("Install the engine if needed and start it, waiting until it answers."),
			mcp.WithString("version", mcp.Description("Release tag such as v0.6.2 (default latest)")),
		),
		mcpStartEngine(deps),
	)

	s.AddTool(
		mcp.NewTool("stop_engine",
			mcp.WithDescription("Stop the supervised engine process."),
		),
		mcpStopEngine(deps),
	)

	s.AddTool(
		mcp.NewTool("list_models",
			mcp.WithDescription("List the models installed in the local engine."),
		),
		mcpListModels(deps),
	)

	s.AddTool(
		mcp.NewTool("pull_model",
			mcp.WithDescription("Download a model into the local engine."),
			mcp.WithString("model", mcp.Description("Model name, e.g. llama3.2"), mcp.Required()),
		),
		mcpPullModel(deps),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a message to the local model in the shared conversation and return its reply."),
			mcp.WithString("message", mcp.Description("The user message"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Override the conversation model for this turn")),
			mcp.WithBoolean("tools", mcp.Description("Offer the built-in tools to the model (default true)")),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("merge_sessions",
			mcp.WithDescription("Merge a local and a remote chat session map (JSON objects keyed by session id)."),
			mcp.WithString("local", mcp.Description("Local sessions JSON object"), mcp.Required()),
			mcp.WithString("remote", mcp.Description("Remote sessions JSON object"), mcp.Required()),
		),
		mcpMergeSessions,
	)

	s.AddTool(
		mcp.NewTool("sync_sessions",
			mcp.WithDescription("Reconcile the local session file with the online session backend."),
		),
		mcpSyncSessions(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"engine://status",
			"Engine Status",
			mcp.WithResourceDescription("Current engine status as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"engine://logs",
			"Engine Output",
			mcp.WithResourceDescription("Most recent engine output lines"),
			mcp.WithMIMEType("text/plain"),
		),
		mcpResourceLogs(deps),
	)

	return s
}

func mcpEngineStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Runtime.Status(ctx))
	}
}

func mcpStartEngine(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		version := req.GetString("version", release.Latest)
		res, err := deps.Runtime.Serve(context.WithoutCancel(ctx), version, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("starting engine failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpStopEngine(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := deps.Runtime.Stop(ctx); err != nil {
			return mcpError(fmt.Sprintf("stopping engine failed: %v", err)), nil
		}
		return mcpText("Engine stopped"), nil
	}
}

func mcpListModels(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		models, err := deps.Runtime.Engine().ListModels(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing models failed: %v", err)), nil
		}
		if len(models) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(models)
	}
}

func mcpPullModel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		model, err := req.RequireString("model")
		if err != nil {
			return mcpError("model is required"), nil
		}
		renderer := ollama.NewPullRenderer()
		err = deps.Runtime.Engine().PullModel(ctx, model, func(p ollama.PullProgress) {
			renderer.Observe(p)
		})
		if err != nil {
			return mcpError(fmt.Sprintf("pulling %s failed: %v", model, err)), nil
		}
		summary := renderer.String()
		if summary == "" {
			summary = "success"
		}
		return mcpText(fmt.Sprintf("Pulled %s\n%s", model, summary)), nil
	}
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		opts := chat.SendOptions{Model: req.GetString("model", "")}
		if !req.GetBool("tools", true) {
			opts.Tools = []string{}
		}

		var (
			reply strings.Builder
			calls []string
			fail  error
		)
		for ev := range deps.Runtime.Conversation().Send(ctx, message, opts) {
			switch ev.Kind {
			case chat.EventToken:
				reply.WriteString(ev.Text)
			case chat.EventToolCall:
				if ev.ToolCall.State != chat.ToolPending {
					calls = append(calls, fmt.Sprintf("%s (%s)", ev.ToolCall.Name, ev.ToolCall.State))
				}
			case chat.EventError:
				fail = ev.Err
			}
		}
		if fail != nil {
			if errors.Is(fail, context.Canceled) {
				return mcpError("chat cancelled"), nil
			}
			return mcpError(fmt.Sprintf("chat failed: %v", fail)), nil
		}

		text := reply.String()
		if len(calls) > 0 {
			text += "\n\n[tools: " + strings.Join(calls, ", ") + "]"
		}
		return mcpText(text), nil
	}
}

func mcpMergeSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	localJSON, err := req.RequireString("local")
	if err != nil {
		return mcpError("local is required"), nil
	}
	remoteJSON, err := req.RequireString("remote")
	if err != nil {
		return mcpError("remote is required"), nil
	}

	var local, remote session.Map
	if err := json.Unmarshal([]byte(localJSON), &local); err != nil {
		return mcpError(fmt.Sprintf("invalid local sessions JSON: %v", err)), nil
	}
	if err := json.Unmarshal([]byte(remoteJSON), &remote); err != nil {
		return mcpError(fmt.Sprintf("invalid remote sessions JSON: %v", err)), nil
	}
	return mcpJSON(session.Merge(local, remote))
}

func mcpSyncSessions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Syncer == nil {
			return mcpError("session sync not available: no sessions backend configured"), nil
		}
		res, err := deps.Syncer.Sync(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Synced %d sessions (%d merged, pushed=%t, offline=%t)",
			len(res.Sessions), res.Merged, res.Pushed, res.Offline)), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Runtime.Status(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceLogs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     strings.Join(deps.Runtime.Logs(), "\n"),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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

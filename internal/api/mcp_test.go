package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/inferhost/internal/engine"
	"github.com/kalambet/inferhost/internal/ollama"
	"github.com/kalambet/inferhost/internal/session"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T, eng *fakeEngine) MCPDeps {
	t.Helper()
	return MCPDeps{Runtime: newTestRuntime(t, eng)}
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

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
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

// --- tests ---

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(newTestMCPDeps(t, &fakeEngine{}))
	if s == nil {
		t.Fatal("nil server")
	}
}

func TestMCPTool_EngineStatus(t *testing.T) {
	deps := newTestMCPDeps(t, &fakeEngine{running: true})

	result, err := mcpEngineStatus(deps)(context.Background(), makeCallToolRequest("engine_status", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var st engine.Status
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatalf("status is not JSON: %v", err)
	}
	if st.State != "stopped" || !st.Reachable {
		t.Errorf("status = %+v", st)
	}
}

func TestMCPTool_ListModels(t *testing.T) {
	deps := newTestMCPDeps(t, &fakeEngine{models: []ollama.Model{{Name: "llama3.2:latest"}}})

	result, err := mcpListModels(deps)(context.Background(), makeCallToolRequest("list_models", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(toolText(t, result), "llama3.2:latest") {
		t.Errorf("text = %s", toolText(t, result))
	}

	deps = newTestMCPDeps(t, &fakeEngine{})
	result, _ = mcpListModels(deps)(context.Background(), makeCallToolRequest("list_models", nil))
	if toolText(t, result) != "[]" {
		t.Errorf("empty list text = %s", toolText(t, result))
	}
}

func TestMCPTool_PullModel(t *testing.T) {
	eng := &fakeEngine{}
	deps := newTestMCPDeps(t, eng)
	handler := mcpPullModel(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("pull_model", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error for missing model")
	}

	result, err := handler(context.Background(), makeCallToolRequest("pull_model", map[string]interface{}{
		"model": "qwen2.5",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.HasPrefix(toolText(t, result), "Pulled qwen2.5") {
		t.Errorf("text = %s", toolText(t, result))
	}
	if len(eng.pulled) != 1 || eng.pulled[0] != "qwen2.5" {
		t.Errorf("pulled = %v", eng.pulled)
	}
}

func TestMCPTool_Chat(t *testing.T) {
	deps := newTestMCPDeps(t, &fakeEngine{running: true, reply: "four"})
	handler := mcpChat(deps)

	result, err := handler(context.Background(), makeCallToolRequest("chat", map[string]interface{}{
		"message": "what is 2+2",
		"tools":   false,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if toolText(t, result) != "four" {
		t.Errorf("reply = %q", toolText(t, result))
	}
	if n := len(deps.Runtime.Conversation().History()); n != 2 {
		t.Errorf("history = %d messages, want 2", n)
	}
}

func TestMCPTool_Chat_Cancelled(t *testing.T) {
	deps := newTestMCPDeps(t, &fakeEngine{running: true, reply: "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := mcpChat(deps)(ctx, makeCallToolRequest("chat", map[string]interface{}{
		"message": "hello",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Errorf("expected error result, got %s", toolText(t, result))
	}
}

func TestMCPTool_MergeSessions(t *testing.T) {
	local := `{"a": {"name": "Local", "model": "m", "history": [{"role":"user","content":"hi"}]}}`
	remote := `{"b": {"name": "Remote", "model": "m", "history": []}}`

	result, err := mcpMergeSessions(context.Background(), makeCallToolRequest("merge_sessions", map[string]interface{}{
		"local":  local,
		"remote": remote,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var merged session.Map
	if err := json.Unmarshal([]byte(toolText(t, result)), &merged); err != nil {
		t.Fatalf("result is not a session map: %v", err)
	}
	if len(merged) != 2 || !merged["b"].Merged || merged["a"].Merged {
		t.Errorf("merged = %+v", merged)
	}
}

func TestMCPTool_MergeSessions_BadJSON(t *testing.T) {
	result, _ := mcpMergeSessions(context.Background(), makeCallToolRequest("merge_sessions", map[string]interface{}{
		"local":  "{",
		"remote": "{}",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "invalid local sessions JSON") {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_SyncSessions_NoBackend(t *testing.T) {
	deps := newTestMCPDeps(t, &fakeEngine{})
	result, _ := mcpSyncSessions(deps)(context.Background(), makeCallToolRequest("sync_sessions", nil))
	if !result.IsError {
		t.Error("expected error without a syncer")
	}
}

func TestMCPTool_StartEngine_External(t *testing.T) {
	deps := newTestMCPDeps(t, &fakeEngine{running: true})
	result, err := mcpStartEngine(deps)(context.Background(), makeCallToolRequest("start_engine", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError || !strings.Contains(toolText(t, result), `"external":true`) {
		t.Errorf("result = %s", toolText(t, result))
	}
}

func TestMCPResource_Logs(t *testing.T) {
	deps := newTestMCPDeps(t, &fakeEngine{})
	contents, err := mcpResourceLogs(deps)(context.Background(), makeReadResourceRequest("engine://logs"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok || tc.URI != "engine://logs" || tc.MIMEType != "text/plain" {
		t.Errorf("contents = %+v", contents[0])
	}
}

func TestMCPResource_Status(t *testing.T) {
	deps := newTestMCPDeps(t, &fakeEngine{})
	contents, err := mcpResourceStatus(deps)(context.Background(), makeReadResourceRequest("engine://status"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc := contents[0].(mcp.TextResourceContents)
	if !strings.Contains(tc.Text, `"state":"stopped"`) {
		t.Errorf("status = %s", tc.Text)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps := newTestMCPDeps(t, &fakeEngine{running: true, models: []ollama.Model{{Name: "m"}}})
	statusHandler := mcpEngineStatus(deps)
	listHandler := mcpListModels(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := statusHandler(context.Background(), makeCallToolRequest("engine_status", nil)); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := listHandler(context.Background(), makeCallToolRequest("list_models", nil)); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}

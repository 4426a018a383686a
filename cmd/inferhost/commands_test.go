package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/inferhost/internal/config"
	"github.com/kalambet/inferhost/internal/storage"
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

func newTestServer(t *testing.T, responses map[string]string) *testServer {
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
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
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

// use points the commands at ts for the rest of the test.
func (ts *testServer) use(t *testing.T) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

func TestAPIClient_SendsBearerAndJSON(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /engine/start": `{"version":"v0.6.2","pid":42,"downloaded":true,"external":false}`,
	})

	resp, err := ts.client().post(ctx, "/engine/start", map[string]string{"version": "v0.6.2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res struct {
		Version string `json:"version"`
		PID     int    `json:"pid"`
	}
	if err := decodeJSON(resp, &res); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if res.Version != "v0.6.2" || res.PID != 42 {
		t.Errorf("result = %+v", res)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.Body != `{"version":"v0.6.2"}` {
		t.Errorf("body = %s", r.Body)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		w.Write([]byte(`{"error":{"message":"engine is already being served","type":"conflict_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	resp, err := client.post(ctx, "/engine/start", nil)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "already being served") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestAPIClient_ServerDown(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	ts.Close()

	_, err := client.get(ctx, "/engine/status")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestStream_ReadsLines(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /models/pull": "{\"status\":\"pulling manifest\"}\n\n{\"status\":\"success\"}\n",
	})

	var got []string
	err := ts.client().stream(ctx, "/models/pull", map[string]string{"model": "m"}, func(line []byte) error {
		got = append(got, string(line))
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 2 || got[1] != `{"status":"success"}` {
		t.Errorf("lines = %q", got)
	}

	err = ts.client().stream(ctx, "/missing", nil, func([]byte) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want 404", err)
	}
}

func TestChatWriter(t *testing.T) {
	var out, errOut bytes.Buffer
	w := &chatWriter{out: &out, errOut: &errOut}

	lines := []string{
		`{"type":"token","text":"Hel"}`,
		`{"type":"tool_call","tool_call":{"id":"1","name":"current_time","state":"pending"}}`,
		`{"type":"tool_call","tool_call":{"id":"1","name":"current_time","state":"resolved"}}`,
		`{"type":"decode_error","error":"bad"}`,
		`{"type":"token","text":"lo"}`,
		`{"type":"done"}`,
	}
	for _, l := range lines {
		if err := w.handle([]byte(l)); err != nil {
			t.Fatalf("handle(%s): %v", l, err)
		}
	}
	if out.String() != "Hello\n" {
		t.Errorf("out = %q", out.String())
	}
	if strings.Count(errOut.String(), "current_time") != 1 {
		t.Errorf("errOut = %q, want one resolved tool line", errOut.String())
	}
	if !strings.Contains(errOut.String(), "malformed") {
		t.Errorf("errOut = %q, want decode warning", errOut.String())
	}

	if err := w.handle([]byte(`{"type":"error","error":"chat stream: boom"}`)); err == nil || err.Error() != "chat stream: boom" {
		t.Errorf("error event = %v", err)
	}
}

func TestChatCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat/reset": `{"status":"reset"}`,
		"POST /chat":       "{\"type\":\"token\",\"text\":\"hi\"}\n{\"type\":\"done\"}\n",
	})
	ts.use(t)

	if err := execute(t, "chat", "--reset", "--no-tools", "--model", "qwen2.5", "hello", "there"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(ts.requests) != 2 {
		t.Fatalf("requests = %+v", ts.requests)
	}
	if ts.requests[0].Path != "/chat/reset" {
		t.Errorf("first request = %s", ts.requests[0].Path)
	}
	var body map[string]any
	json.Unmarshal([]byte(ts.requests[1].Body), &body)
	if body["message"] != "hello there" || body["model"] != "qwen2.5" {
		t.Errorf("body = %v", body)
	}
	if tools, ok := body["tools"].([]any); !ok || len(tools) != 0 {
		t.Errorf("tools = %v, want empty list", body["tools"])
	}
}

func TestModelsCommands(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /models":            `{"models":[{"name":"llama3.2:latest","size":2019393189}]}`,
		"POST /models/pull":      "{\"status\":\"pulling manifest\",\"rendered\":\"pulling manifest\"}\n{\"status\":\"success\",\"model\":\"qwen2.5\"}\n",
		"DELETE /models/qwen2.5": `{"status":"deleted"}`,
	})
	ts.use(t)

	for _, args := range [][]string{
		{"models", "list"},
		{"models", "pull", "qwen2.5"},
		{"models", "rm", "qwen2.5"},
	} {
		if err := execute(t, args...); err != nil {
			t.Errorf("%v: %v", args, err)
		}
	}
	if len(ts.requests) != 3 {
		t.Fatalf("requests = %d, want 3", len(ts.requests))
	}
	if ts.requests[1].Body != `{"model":"qwen2.5"}` {
		t.Errorf("pull body = %s", ts.requests[1].Body)
	}

	if err := execute(t, "models", "rm", "missing"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("rm missing = %v, want 404", err)
	}
}

func TestModelsPull_ErrorLine(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /models/pull": "{\"status\":\"pulling manifest\"}\n{\"error\":\"pull model manifest: file does not exist\"}\n",
	})
	ts.use(t)

	err := execute(t, "models", "pull", "nope")
	if err == nil || !strings.Contains(err.Error(), "file does not exist") {
		t.Errorf("err = %v", err)
	}
}

func TestEngineStartCommand_Conflict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"engine is already being served","type":"conflict_error"}}`))
	}))
	defer ts.Close()

	old := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}, nil
	}
	defer func() { newAPIClient = old }()

	err := execute(t, "engine", "start", "v0.6.2")
	if err == nil || !strings.Contains(err.Error(), "already being served") {
		t.Errorf("err = %v", err)
	}
}

func TestMergeSessionFiles(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "local.json")
	remotePath := filepath.Join(dir, "remote.json")
	os.WriteFile(localPath, []byte(`{"a":{"name":"A","model":"m","favorite":false,"history":[{"role":"user","content":"hi"}]}}`), 0o600)
	os.WriteFile(remotePath, []byte(`{"b":{"name":"B","model":"m","favorite":true,"history":[]}}`), 0o600)

	merged, err := mergeSessionFiles(localPath, remotePath)
	if err != nil {
		t.Fatalf("mergeSessionFiles: %v", err)
	}
	if len(merged) != 2 || !merged["b"].Merged || !merged["b"].Favorite {
		t.Errorf("merged = %+v", merged)
	}

	if _, err := mergeSessionFiles(localPath, filepath.Join(dir, "missing.json")); err != nil {
		t.Errorf("missing remote file should merge as empty: %v", err)
	}

	os.WriteFile(remotePath, []byte("{"), 0o600)
	if _, err := mergeSessionFiles(localPath, remotePath); err == nil {
		t.Error("expected error for corrupt remote file")
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("readPIDFile = %d, %v", pid, err)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present")
	}
}

func TestFormatRun(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	start := time.Now().Add(-time.Hour)
	line := formatRun(storage.EngineRun{
		ID:         "0123456789abcdef",
		Version:    "v0.6.2",
		PID:        4242,
		StartedAt:  start,
		StoppedAt:  start.Add(10 * time.Minute),
		ForcedStop: true,
		ExitError:  "signal: killed",
	})
	for _, want := range []string{"01234567", "v0.6.2", "4242", "10 minutes", "killed", "signal: killed"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}

	running := formatRun(storage.EngineRun{ID: "abc", Version: "v1", StartedAt: time.Now()})
	if !strings.Contains(running, "running") {
		t.Errorf("line %q, want running", running)
	}
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := progressPrinter(&buf)
	p(0, "downloading")
	p(0, "downloading")
	p(50, "downloading")
	p(100, "done")

	if got := strings.Count(buf.String(), "\r"); got != 3 {
		t.Errorf("redraws = %d, want 3: %q", got, buf.String())
	}
	if !strings.HasSuffix(buf.String(), "100% done\n") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Chat.Model = "phi3.5"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
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
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestRootCommands(t *testing.T) {
	want := []string{"chat", "config", "engine", "install", "models", "serve", "sessions", "status", "stop", "versions"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestStatusOutput(t *testing.T) {
	oldOut, oldColor := statusOut, noColor
	defer func() { statusOut, noColor = oldOut, oldColor }()

	var buf bytes.Buffer
	statusOut = &buf
	noColor = true

	printSuccess("installed %s", "v0.5.7")
	printWarning("offline")
	printStatus("Engine", "%s", "running")

	want := "✓ installed v0.5.7\n⚠ offline\n  Engine: running\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

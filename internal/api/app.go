package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/inferhost/internal/chat"
	"github.com/kalambet/inferhost/internal/engine"
	"github.com/kalambet/inferhost/internal/metrics"
	"github.com/kalambet/inferhost/internal/ollama"
	"github.com/kalambet/inferhost/internal/release"
	"github.com/kalambet/inferhost/internal/session"
	"github.com/kalambet/inferhost/internal/storage"
	"github.com/kalambet/inferhost/internal/supervisor"
)

// AppDeps holds what the control API serves.
type AppDeps struct {
	Runtime *engine.Runtime
	Store   *storage.Store  // optional; history endpoints answer 404 without it
	Syncer  *session.Syncer // optional; /sessions/sync answers 404 without it
	Token   string
	// EngineProxy, when set, is mounted at /engine/api.
	EngineProxy http.Handler
}

// NewAppHandler returns the control API. /health and /metrics are open;
// everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/engine/status", handleEngineStatus(deps))
		r.Get("/engine/versions", handleEngineVersions(deps))
		r.Post("/engine/install", handleEngineInstall(deps))
		r.Post("/engine/start", handleEngineStart(deps))
		r.Post("/engine/stop", handleEngineStop(deps))
		r.Get("/engine/logs", handleEngineLogs(deps))
		r.Get("/engine/runs", handleEngineRuns(deps))
		r.Get("/engine/installations", handleInstallations(deps))

		r.Get("/models", handleListModels(deps))
		r.Post("/models/pull", handlePullModel(deps))
		r.Delete("/models/{name}", handleDeleteModel(deps))

		r.Post("/chat", handleChat(deps))
		r.Post("/chat/reset", handleChatReset(deps))
		r.Get("/chat/history", handleChatHistory(deps))
		r.Post("/chat/title", handleChatTitle(deps))

		r.Post("/sessions/merge", handleSessionsMerge)
		r.Post("/sessions/sync", handleSessionsSync(deps))
		r.Get("/sessions/syncs", handleSyncRuns(deps))

		if deps.EngineProxy != nil {
			r.Mount("/engine/api", http.StripPrefix("/engine", deps.EngineProxy))
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleEngineStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Runtime.Status(r.Context()))
	}
}

func handleEngineVersions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		versions, err := deps.Runtime.Versions()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing versions: %v", err)
			return
		}
		if versions == nil {
			versions = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
	}
}

type versionRequest struct {
	Version string `json:"version"`
}

func readVersion(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req versionRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return "", false
		}
	}
	if req.Version == "" {
		req.Version = release.Latest
	}
	return req.Version, true
}

type progressLine struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// handleEngineInstall streams progress lines, then the installation or an
// error object.
func handleEngineInstall(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, ok := readVersion(w, r)
		if !ok {
			return
		}
		out, ok := newNDJSONWriter(w)
		if !ok {
			return
		}

		last := -1
		inst, err := deps.Runtime.Install(r.Context(), version, func(p int, msg string) {
			if p == last {
				return
			}
			last = p
			out.send(progressLine{Percent: p, Message: msg})
		})
		if err != nil {
			out.send(map[string]any{"error": err.Error()})
			return
		}
		out.send(map[string]any{"installation": map[string]any{
			"version":    inst.Version,
			"platform":   inst.Platform.String(),
			"root":       inst.Root,
			"executable": inst.Executable,
			"digest":     inst.Digest,
			"size":       inst.Size,
		}})
	}
}

func handleEngineStart(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, ok := readVersion(w, r)
		if !ok {
			return
		}
		// The engine outlives this request.
		ctx := context.WithoutCancel(r.Context())
		res, err := deps.Runtime.Serve(ctx, version, nil)
		switch {
		case errors.Is(err, engine.ErrAlreadyServing):
			httpError(w, http.StatusConflict, "conflict_error", "%v", err)
		case errors.Is(err, release.ErrReleaseNotFound), errors.Is(err, release.ErrAssetNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
		case errors.Is(err, supervisor.ErrNotReady), errors.Is(err, supervisor.ErrExited):
			httpError(w, http.StatusGatewayTimeout, "engine_error", "%v", err)
		case err != nil:
			httpError(w, http.StatusBadGateway, "engine_error", "%v", err)
		default:
			writeJSON(w, http.StatusOK, res)
		}
	}
}

func handleEngineStop(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Runtime.Stop(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "engine_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, deps.Runtime.Status(r.Context()))
	}
}

func handleEngineLogs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lines := deps.Runtime.Logs()
		if n := parseIntParam(r, "tail", 0, 0); n > 0 && n < len(lines) {
			lines = lines[len(lines)-n:]
		}
		writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
	}
}

func handleEngineRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "run history is not enabled")
			return
		}
		runs, err := deps.Store.RecentEngineRuns(parseIntParam(r, "limit", 20, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing runs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleInstallations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "installation registry is not enabled")
			return
		}
		list, err := deps.Store.ListInstallations()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing installations: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleListModels(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := deps.Runtime.Engine().ListModels(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "engine_error", "failed to list models: %v", err)
			return
		}
		if models == nil {
			models = []ollama.Model{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": models})
	}
}

type pullRequest struct {
	Model string `json:"model"`
}

type pullLine struct {
	ollama.PullProgress
	Rendered string `json:"rendered,omitempty"`
}

func handlePullModel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pullRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}
		out, ok := newNDJSONWriter(w)
		if !ok {
			return
		}

		renderer := ollama.NewPullRenderer()
		err := deps.Runtime.Engine().PullModel(r.Context(), req.Model, func(p ollama.PullProgress) {
			out.send(pullLine{PullProgress: p, Rendered: renderer.Observe(p)})
		})
		if err != nil {
			out.send(map[string]any{"error": err.Error()})
			return
		}
		out.send(map[string]any{"status": "success", "model": req.Model})
	}
}

func handleDeleteModel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		err := deps.Runtime.Engine().DeleteModel(r.Context(), name)
		if errors.Is(err, ollama.ErrModelNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "model %q not found", name)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "engine_error", "deleting model: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type chatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
	// Tools restricts the offered tools; omitted offers all, [] offers none.
	Tools []string `json:"tools"`
}

// chatLine is the wire form of chat.Event.
type chatLine struct {
	Type     string              `json:"type"`
	Text     string              `json:"text,omitempty"`
	Error    string              `json:"error,omitempty"`
	ToolCall *chat.ToolCallEvent `json:"tool_call,omitempty"`
}

func toChatLine(ev chat.Event) chatLine {
	l := chatLine{Type: ev.Kind.String(), Text: ev.Text, ToolCall: ev.ToolCall}
	if ev.Err != nil {
		l.Error = ev.Err.Error()
	}
	return l
}

// handleChat relays one conversation turn as NDJSON events.
func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}
		out, ok := newNDJSONWriter(w)
		if !ok {
			return
		}

		events := deps.Runtime.Conversation().Send(r.Context(), req.Message, chat.SendOptions{
			Model: req.Model,
			Tools: req.Tools,
		})
		for ev := range events {
			out.send(toChatLine(ev))
		}
	}
}

func handleChatReset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Runtime.Conversation().Reset()
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func handleChatHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history := deps.Runtime.Conversation().History()
		if history == nil {
			history = []ollama.Message{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"model":    deps.Runtime.Conversation().Model(),
			"messages": history,
		})
	}
}

func handleChatTitle(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"title": deps.Runtime.Titler().Title(r.Context(), req.Prompt),
		})
	}
}

type mergeRequest struct {
	Local  session.Map `json:"local"`
	Remote session.Map `json:"remote"`
}

func handleSessionsMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !decodeBody(w, r, maxSessionsBodySize, &req) {
		return
	}
	writeJSON(w, http.StatusOK, session.Merge(req.Local, req.Remote))
}

func handleSessionsSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Syncer == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "session sync is not configured")
			return
		}
		res, err := deps.Syncer.Sync(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "sync_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleSyncRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "sync history is not enabled")
			return
		}
		runs, err := deps.Store.RecentSyncRuns(parseIntParam(r, "limit", 20, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing sync runs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

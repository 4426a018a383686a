// Package engine coordinates one local inference engine: installing builds,
// supervising the server process and chatting with it.
package engine

import (
	"context"
	"io"

	"github.com/kalambet/inferhost/internal/ollama"
)

// Engine abstracts the HTTP API of a running inference server.
// *ollama.Client satisfies it.
type Engine interface {
	// IsRunning reports whether the server answers its liveness probe.
	IsRunning(ctx context.Context) bool

	// ListModels returns the locally available models.
	ListModels(ctx context.Context) ([]ollama.Model, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(ollama.PullProgress)) error

	// DeleteModel removes a local model.
	DeleteModel(ctx context.Context, name string) error

	// Chat returns a complete, non-streamed reply.
	Chat(ctx context.Context, model string, messages []ollama.Message, maxTokens int) (string, error)

	// OpenChatStream starts a streamed chat and returns the NDJSON body.
	OpenChatStream(ctx context.Context, req ollama.ChatRequest) (io.ReadCloser, error)
}

var _ Engine = (*ollama.Client)(nil)

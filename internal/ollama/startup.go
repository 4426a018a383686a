package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotRunning is returned by EnsureModels when the engine does not answer.
var ErrNotRunning = errors.New("engine is not running; start it with: inferhost serve")

// Manager is the part of Client that EnsureModels drives.
type Manager interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
	Chat(ctx context.Context, model string, messages []Message, maxTokens int) (string, error)
}

// EnsureModels checks that the engine is running and the given models are
// available, pulling missing ones with rendered progress written to w. The
// first model is then warmed up so the first chat does not pay the load cost.
func EnsureModels(ctx context.Context, c Manager, w io.Writer, models ...string) error {
	if !c.IsRunning(ctx) {
		return ErrNotRunning
	}

	for _, model := range models {
		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		r := NewPullRenderer()
		last := ""
		err := c.PullModel(ctx, model, func(p PullProgress) {
			out := r.Observe(p)
			if out != last {
				fmt.Fprintf(w, "%s\n", out)
				last = out
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if len(models) == 0 {
		return nil
	}

	warm := models[0]
	fmt.Fprintf(w, "model %s: warming up...\n", warm)
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := c.Chat(warmCtx, warm, []Message{
		{Role: "user", Content: "ping"},
	}, 1)
	if err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", warm, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", warm)
	}

	return nil
}

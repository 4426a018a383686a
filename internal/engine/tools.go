package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kalambet/inferhost/internal/chat"
)

var noParams = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

type modelInfo struct {
	Name     string `json:"name"`
	Size     string `json:"size"`
	Modified string `json:"modified,omitempty"`
}

// registerBuiltinTools adds the tools every conversation can call.
func registerBuiltinTools(reg *chat.Registry, r *Runtime) {
	reg.Register("list_local_models",
		"List the language models installed in the local engine with their sizes.",
		noParams,
		func(ctx context.Context, _ json.RawMessage) (any, error) {
			models, err := r.engine.ListModels(ctx)
			if err != nil {
				return nil, fmt.Errorf("listing models: %w", err)
			}
			out := make([]modelInfo, 0, len(models))
			for _, m := range models {
				mi := modelInfo{Name: m.Name, Size: humanize.Bytes(uint64(max(m.Size, 0)))}
				if !m.ModifiedAt.IsZero() {
					mi.Modified = humanize.Time(m.ModifiedAt)
				}
				out = append(out, mi)
			}
			return out, nil
		})

	reg.Register("current_time",
		"Get the current local date, time and time zone.",
		noParams,
		func(context.Context, json.RawMessage) (any, error) {
			now := time.Now()
			zone, _ := now.Zone()
			return map[string]string{
				"time":     now.Format(time.RFC1123),
				"timezone": zone,
			}, nil
		})

	reg.Register("engine_status",
		"Report the local engine's version, process state and installed versions.",
		noParams,
		func(ctx context.Context, _ json.RawMessage) (any, error) {
			return r.Status(ctx), nil
		})
}

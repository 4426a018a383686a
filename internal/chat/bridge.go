// Package chat relays streaming chat completions from the engine, including
// multi-step tool invocation, and owns the conversation history.
package chat

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/kalambet/inferhost/internal/metrics"
	"github.com/kalambet/inferhost/internal/ollama"
)

// Streamer opens a streaming chat against the engine.
type Streamer interface {
	OpenChatStream(ctx context.Context, req ollama.ChatRequest) (io.ReadCloser, error)
}

// Reply is the assembled result of one streamed response.
type Reply struct {
	Content   string
	ToolCalls []ollama.ToolCall
}

// Bridge decodes one streaming response at a time.
type Bridge struct {
	client Streamer
}

// NewBridge returns a Bridge over client.
func NewBridge(client Streamer) *Bridge {
	return &Bridge{client: client}
}

const readChunk = 4096

// Stream issues req and emits tokens and decode errors in arrival order.
// Tool calls are accumulated and returned once the engine marks the
// response done. Transport failures return a *StreamError; text already
// emitted stays emitted.
func (b *Bridge) Stream(ctx context.Context, req ollama.ChatRequest, emit func(Event)) (Reply, error) {
	body, err := b.client.OpenChatStream(ctx, req)
	if err != nil {
		return Reply{}, &StreamError{Err: ctxErr(ctx, err)}
	}
	defer body.Close()

	var (
		parser  LineParser
		content strings.Builder
		calls   []ollama.ToolCall
		done    bool
	)

	handle := func(line []byte) error {
		rec, err := decodeRecord(line)
		if err != nil {
			metrics.IncDecodeError()
			emit(Event{Kind: EventDecodeError, Err: err})
			return nil
		}
		if rec.Error != "" {
			return errors.New(rec.Error)
		}
		if rec.Message.Content != "" {
			content.WriteString(rec.Message.Content)
			metrics.IncChatToken()
			emit(Event{Kind: EventToken, Text: rec.Message.Content})
		}
		calls = append(calls, rec.Message.ToolCalls...)
		if rec.Done {
			done = true
		}
		return nil
	}

	buf := make([]byte, readChunk)
	for !done {
		n, rerr := body.Read(buf)
		for _, line := range parser.Feed(buf[:n]) {
			if err := handle(line); err != nil {
				return Reply{Content: content.String()}, &StreamError{Err: err}
			}
			if done {
				break
			}
		}
		if rerr == io.EOF {
			if tail := parser.Flush(); tail != nil && !done {
				if err := handle(tail); err != nil {
					return Reply{Content: content.String()}, &StreamError{Err: err}
				}
			}
			break
		}
		if rerr != nil {
			return Reply{Content: content.String()}, &StreamError{Err: ctxErr(ctx, rerr)}
		}
	}

	return Reply{Content: content.String(), ToolCalls: calls}, nil
}

// ctxErr prefers the context's error so cancellation is recognisable.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/inferhost/internal/metrics"
	"github.com/kalambet/inferhost/internal/ollama"
)

// DefaultMaxToolRounds bounds how many tool/follow-up cycles one Send runs.
const DefaultMaxToolRounds = 4

// DefaultSystemPrompt is prepended to every request.
const DefaultSystemPrompt = "You are a helpful assistant running on the user's own machine. " +
	"Answer directly and use the available tools when they help with the request. " +
	"Do not be technical with the user unless they ask for it."

// ErrEmptyMessage is returned for a blank user message.
var ErrEmptyMessage = errors.New("message is empty")

// SendOptions tunes one Send.
type SendOptions struct {
	// Model overrides the conversation's model for this turn.
	Model string
	// Tools restricts the offered tools by name; nil offers every
	// registered tool and an empty non-nil slice offers none.
	Tools []string
}

// Config configures a Conversation.
type Config struct {
	Model         string
	SystemPrompt  string
	MaxToolRounds int
	// Temperature is passed to the engine when positive.
	Temperature float64
	Tools       *Registry
	Logger      *slog.Logger
}

// Conversation owns one chat history and runs one turn at a time against
// the engine.
type Conversation struct {
	bridge    *Bridge
	model     string
	system    string
	maxRounds int
	temp      float64
	tools     *Registry
	logger    *slog.Logger

	turn    sync.Mutex // held for the duration of a Send
	mu      sync.Mutex
	history []ollama.Message
}

// NewConversation creates a Conversation streaming through client.
func NewConversation(client Streamer, cfg Config) *Conversation {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Conversation{
		bridge:    NewBridge(client),
		model:     cfg.Model,
		system:    cfg.SystemPrompt,
		maxRounds: cfg.MaxToolRounds,
		temp:      cfg.Temperature,
		tools:     cfg.Tools,
		logger:    cfg.Logger,
	}
}

// Model returns the default model.
func (c *Conversation) Model() string { return c.model }

// History returns a copy of the accumulated messages, system prompt excluded.
func (c *Conversation) History() []ollama.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ollama.Message, len(c.history))
	copy(out, c.history)
	return out
}

// Load replaces the history, e.g. when resuming a stored session.
func (c *Conversation) Load(history []ollama.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append([]ollama.Message(nil), history...)
}

// Reset clears the history.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}

func (c *Conversation) append(m ollama.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, m)
}

func (c *Conversation) messages() []ollama.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]ollama.Message, 0, len(c.history)+1)
	msgs = append(msgs, ollama.Message{Role: "system", Content: c.system})
	return append(msgs, c.history...)
}

// Send appends text as a user message and streams the reply. The returned
// channel yields tokens, decode errors and tool calls in order, then exactly
// one EventDone or EventError, and is closed. The caller must drain it.
// Cancelling ctx aborts the turn with an EventError wrapping ctx.Err().
func (c *Conversation) Send(ctx context.Context, text string, opts SendOptions) <-chan Event {
	events := make(chan Event, 64)
	go func() {
		defer close(events)
		emit := func(ev Event) { events <- ev }

		if strings.TrimSpace(text) == "" {
			emit(Event{Kind: EventError, Err: ErrEmptyMessage})
			return
		}

		c.turn.Lock()
		defer c.turn.Unlock()

		if err := c.run(ctx, text, opts, emit); err != nil {
			result := "error"
			if errors.Is(err, context.Canceled) {
				result = "aborted"
			}
			metrics.ObserveChatStream(result)
			c.logger.Debug("chat turn ended", "result", result, "error", err)
			emit(Event{Kind: EventError, Err: err})
			return
		}
		metrics.ObserveChatStream("ok")
		emit(Event{Kind: EventDone})
	}()
	return events
}

func (c *Conversation) run(ctx context.Context, text string, opts SendOptions, emit func(Event)) error {
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}

	var tools []ollama.Tool
	if c.tools != nil && (opts.Tools == nil || len(opts.Tools) > 0) {
		tools = c.tools.Definitions(opts.Tools...)
	}

	c.append(ollama.Message{Role: "user", Content: text})

	for round := 0; ; round++ {
		req := ollama.ChatRequest{Model: model, Messages: c.messages()}
		if c.temp > 0 {
			req.Options = map[string]any{"temperature": c.temp}
		}
		if round < c.maxRounds {
			req.Tools = tools
		}

		reply, err := c.bridge.Stream(ctx, req, emit)
		if err != nil {
			if strings.TrimSpace(reply.Content) != "" {
				c.append(ollama.Message{Role: "assistant", Content: reply.Content})
			}
			return err
		}

		if len(reply.ToolCalls) == 0 || len(req.Tools) == 0 {
			if strings.TrimSpace(reply.Content) != "" {
				c.append(ollama.Message{Role: "assistant", Content: reply.Content})
			}
			return nil
		}

		// One assistant turn carries both the text and the calls.
		calls := finalizeToolCalls(reply.ToolCalls)
		c.append(ollama.Message{Role: "assistant", Content: reply.Content, ToolCalls: calls})

		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return &StreamError{Err: err}
			}
			c.invoke(ctx, call, emit)
		}
	}
}

// invoke runs one tool and records its result. Tool failures are reported
// to the model as the result text rather than ending the turn.
func (c *Conversation) invoke(ctx context.Context, call ollama.ToolCall, emit func(Event)) {
	ev := &ToolCallEvent{
		ID:        call.ID,
		Name:      call.Function.Name,
		Arguments: string(normalizeArgs(call.Function.Arguments)),
		State:     ToolPending,
	}
	pending := *ev
	emit(Event{Kind: EventToolCall, ToolCall: &pending})

	result, err := c.tools.Run(ctx, call.Function.Name, call.Function.Arguments)
	if err != nil {
		ev.State = ToolFailed
		result = "Tool failed: " + err.Error()
		c.logger.Warn("tool call failed", "tool", call.Function.Name, "error", err)
	} else {
		ev.State = ToolResolved
		if result == nil {
			result = "Tool completed."
		}
	}

	encoded, jerr := json.Marshal(result)
	if jerr != nil {
		encoded, _ = json.Marshal("Tool returned an unencodable result.")
	}
	ev.Result = string(encoded)

	c.append(ollama.Message{Role: "tool", Content: string(encoded), ToolCallID: call.ID})
	metrics.ObserveToolCall(call.Function.Name, string(ev.State))
	emit(Event{Kind: EventToolCall, ToolCall: ev})
}

// finalizeToolCalls fills in missing ids and the function type.
func finalizeToolCalls(calls []ollama.ToolCall) []ollama.ToolCall {
	out := make([]ollama.ToolCall, len(calls))
	for i, call := range calls {
		if strings.TrimSpace(call.ID) == "" {
			call.ID = "call_" + uuid.NewString()
		}
		if call.Type == "" {
			call.Type = "function"
		}
		out[i] = call
	}
	return out
}

package chat

import "fmt"

// EventKind discriminates Event.
type EventKind int

const (
	EventToken EventKind = iota
	EventDecodeError
	EventToolCall
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventDecodeError:
		return "decode_error"
	case EventToolCall:
		return "tool_call"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// ToolState tracks a tool call from request to result.
type ToolState string

const (
	ToolPending  ToolState = "pending"
	ToolResolved ToolState = "resolved"
	ToolFailed   ToolState = "failed"
)

// ToolCallEvent describes one tool invocation.
type ToolCallEvent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Arguments string    `json:"arguments,omitempty"`
	State     ToolState `json:"state"`
	Result    string    `json:"result,omitempty"`
}

// Event is one item relayed to the chat consumer.
type Event struct {
	Kind     EventKind
	Text     string
	Err      error
	ToolCall *ToolCallEvent
}

// StreamError terminates a stream: the transport failed or the engine
// reported an error mid-stream.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return "chat stream: " + e.Err.Error() }

func (e *StreamError) Unwrap() error { return e.Err }

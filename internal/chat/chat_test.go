package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/kalambet/inferhost/internal/ollama"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// chunkReader yields one chunk per Read, then err (io.EOF when nil).
type chunkReader struct {
	chunks []string
	err    error
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

// fakeStreamer serves scripted bodies in order and records requests.
type fakeStreamer struct {
	mu       sync.Mutex
	bodies   []*chunkReader
	openErr  error
	requests []ollama.ChatRequest
}

func (f *fakeStreamer) OpenChatStream(ctx context.Context, req ollama.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	if len(f.bodies) == 0 {
		return &chunkReader{chunks: []string{`{"done":true}` + "\n"}}, nil
	}
	b := f.bodies[0]
	f.bodies = f.bodies[1:]
	return b, nil
}

func lines(recs ...string) string {
	return strings.Join(recs, "\n") + "\n"
}

func collect(ch <-chan Event) []Event {
	var evs []Event
	for ev := range ch {
		evs = append(evs, ev)
	}
	return evs
}

func kinds(evs []Event) []EventKind {
	out := make([]EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestLineParser_ArbitrarySplits(t *testing.T) {
	stream := `{"message":{"content":"Hel"}}` + "\n" +
		`{"message":{"content":"lo"}}` + "\r\n\n" +
		`{"done":true}`
	want := []string{`{"message":{"content":"Hel"}}`, `{"message":{"content":"lo"}}`, `{"done":true}`}

	for size := 1; size <= len(stream); size++ {
		var p LineParser
		var got []string
		for i := 0; i < len(stream); i += size {
			end := min(i+size, len(stream))
			for _, l := range p.Feed([]byte(stream[i:end])) {
				got = append(got, string(l))
			}
		}
		if tail := p.Flush(); tail != nil {
			got = append(got, string(tail))
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("chunk size %d (-want +got):\n%s", size, diff)
		}
		if p.Pending() != 0 {
			t.Fatalf("chunk size %d: %d bytes left after Flush", size, p.Pending())
		}
	}
}

func TestLineParser_HoldsPartialLine(t *testing.T) {
	var p LineParser
	if got := p.Feed([]byte(`{"message":`)); len(got) != 0 {
		t.Fatalf("partial line emitted: %q", got)
	}
	if p.Pending() != len(`{"message":`) {
		t.Errorf("Pending = %d", p.Pending())
	}
	got := p.Feed([]byte(`{}}` + "\n"))
	if len(got) != 1 || string(got[0]) != `{"message":{}}` {
		t.Errorf("Feed = %q", got)
	}
}

func TestSend_TokensDecodeErrorDone(t *testing.T) {
	fs := &fakeStreamer{bodies: []*chunkReader{{chunks: []string{
		`{"message":{"role":"assistant","content":"The "}}` + "\n" + `{"message":{"con`,
		`tent":"sky is "}}` + "\n" + `{this is not json}` + "\n",
		`{"message":{"content":"blue."}}` + "\n" + `{"done":true}` + "\n",
	}}}}
	conv := NewConversation(fs, Config{Model: "llama3.2"})

	evs := collect(conv.Send(context.Background(), "what colour is the sky?", SendOptions{}))

	wantKinds := []EventKind{EventToken, EventToken, EventDecodeError, EventToken, EventDone}
	if diff := cmp.Diff(wantKinds, kinds(evs)); diff != "" {
		t.Fatalf("event kinds (-want +got):\n%s", diff)
	}
	var tokens []string
	for _, ev := range evs {
		if ev.Kind == EventToken {
			tokens = append(tokens, ev.Text)
		}
	}
	if diff := cmp.Diff([]string{"The ", "sky is ", "blue."}, tokens); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}
	var de *DecodeError
	if !errors.As(evs[2].Err, &de) || de.Line != "{this is not json}" {
		t.Errorf("decode error = %v", evs[2].Err)
	}

	want := []ollama.Message{
		{Role: "user", Content: "what colour is the sky?"},
		{Role: "assistant", Content: "The sky is blue."},
	}
	if diff := cmp.Diff(want, conv.History()); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}

	req := fs.requests[0]
	if req.Model != "llama3.2" || req.Messages[0].Role != "system" {
		t.Errorf("request = %+v", req)
	}
	if len(req.Tools) != 0 {
		t.Error("tools offered without a registry")
	}
}

func TestSend_TransportErrorMidStream(t *testing.T) {
	body := &chunkReader{
		chunks: []string{lines(`{"message":{"content":"partial"}}`)},
		err:    io.ErrUnexpectedEOF,
	}
	fs := &fakeStreamer{bodies: []*chunkReader{body}}
	conv := NewConversation(fs, Config{Model: "m"})

	evs := collect(conv.Send(context.Background(), "hi", SendOptions{}))
	if diff := cmp.Diff([]EventKind{EventToken, EventError}, kinds(evs)); diff != "" {
		t.Fatalf("event kinds (-want +got):\n%s", diff)
	}
	var se *StreamError
	if !errors.As(evs[1].Err, &se) || !errors.Is(se, io.ErrUnexpectedEOF) {
		t.Errorf("error = %v, want StreamError wrapping ErrUnexpectedEOF", evs[1].Err)
	}
	if !body.closed {
		t.Error("body not closed")
	}
}

func TestSend_EngineErrorRecord(t *testing.T) {
	fs := &fakeStreamer{bodies: []*chunkReader{{chunks: []string{
		lines(`{"error":"model requires more system memory"}`),
	}}}}
	conv := NewConversation(fs, Config{Model: "m"})

	evs := collect(conv.Send(context.Background(), "hi", SendOptions{}))
	if len(evs) != 1 || evs[0].Kind != EventError {
		t.Fatalf("events = %+v", evs)
	}
	if !strings.Contains(evs[0].Err.Error(), "system memory") {
		t.Errorf("error = %v", evs[0].Err)
	}
}

func TestSend_OpenError(t *testing.T) {
	fs := &fakeStreamer{openErr: &ollama.StatusError{Op: "chat", StatusCode: 404}}
	conv := NewConversation(fs, Config{Model: "m"})

	evs := collect(conv.Send(context.Background(), "hi", SendOptions{}))
	if len(evs) != 1 || evs[0].Kind != EventError {
		t.Fatalf("events = %+v", evs)
	}
	var st *ollama.StatusError
	if !errors.As(evs[0].Err, &st) {
		t.Errorf("error = %v, want wrapped StatusError", evs[0].Err)
	}
}

func TestSend_Empty(t *testing.T) {
	conv := NewConversation(&fakeStreamer{}, Config{Model: "m"})
	evs := collect(conv.Send(context.Background(), "   ", SendOptions{}))
	if len(evs) != 1 || !errors.Is(evs[0].Err, ErrEmptyMessage) {
		t.Fatalf("events = %+v", evs)
	}
}

// blockingReader returns one chunk and then blocks until ctx is done.
type blockingReader struct {
	ctx  context.Context
	sent bool
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, lines(`{"message":{"content":"thinking"}}`)), nil
	}
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func (r *blockingReader) Close() error { return nil }

type ctxStreamer struct{}

func (ctxStreamer) OpenChatStream(ctx context.Context, req ollama.ChatRequest) (io.ReadCloser, error) {
	return &blockingReader{ctx: ctx}, nil
}

func TestSend_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conv := NewConversation(ctxStreamer{}, Config{Model: "m"})

	ch := conv.Send(ctx, "long question", SendOptions{})
	first := <-ch
	if first.Kind != EventToken {
		t.Fatalf("first event = %v, want token", first.Kind)
	}
	cancel()

	rest := collect(ch)
	if len(rest) != 1 || rest[0].Kind != EventError {
		t.Fatalf("events after cancel = %+v", rest)
	}
	if !errors.Is(rest[0].Err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", rest[0].Err)
	}

	// The partial assistant text is kept.
	h := conv.History()
	if len(h) != 2 || h[1].Content != "thinking" {
		t.Errorf("history = %+v", h)
	}
}

func TestSend_ToolRound(t *testing.T) {
	fs := &fakeStreamer{bodies: []*chunkReader{
		{chunks: []string{lines(
			`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"add","arguments":{"a":2,"b":3}}}]}}`,
			`{"message":{"tool_calls":[{"id":"call_x","function":{"name":"broken","arguments":"{}"}}]}}`,
			`{"done":true}`,
		)}},
		{chunks: []string{lines(
			`{"message":{"content":"2 + 3 = 5"}}`,
			`{"done":true}`,
		)}},
	}}

	reg := NewRegistry()
	reg.Register("add", "adds two numbers", map[string]any{"type": "object"},
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct{ A, B int }
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return in.A + in.B, nil
		})
	reg.Register("broken", "always fails", nil,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, errors.New("backend unavailable")
		})

	conv := NewConversation(fs, Config{Model: "m", Tools: reg})
	evs := collect(conv.Send(context.Background(), "what is 2+3?", SendOptions{}))

	wantKinds := []EventKind{EventToolCall, EventToolCall, EventToolCall, EventToolCall, EventToken, EventDone}
	if diff := cmp.Diff(wantKinds, kinds(evs)); diff != "" {
		t.Fatalf("event kinds (-want +got):\n%s", diff)
	}

	var states []ToolState
	for _, ev := range evs[:4] {
		states = append(states, ev.ToolCall.State)
	}
	if diff := cmp.Diff([]ToolState{ToolPending, ToolResolved, ToolPending, ToolFailed}, states); diff != "" {
		t.Errorf("tool states (-want +got):\n%s", diff)
	}
	if evs[1].ToolCall.Result != "5" {
		t.Errorf("add result = %q, want 5", evs[1].ToolCall.Result)
	}

	addID := evs[0].ToolCall.ID
	if !strings.HasPrefix(addID, "call_") || len(addID) <= len("call_") {
		t.Errorf("generated id = %q, want call_<uuid>", addID)
	}
	if evs[2].ToolCall.ID != "call_x" {
		t.Errorf("provided id = %q, want call_x", evs[2].ToolCall.ID)
	}

	h := conv.History()
	wantRoles := []string{"user", "assistant", "tool", "tool", "assistant"}
	var roles []string
	for _, m := range h {
		roles = append(roles, m.Role)
	}
	if diff := cmp.Diff(wantRoles, roles); diff != "" {
		t.Fatalf("history roles (-want +got):\n%s", diff)
	}
	if len(h[1].ToolCalls) != 2 || h[1].ToolCalls[0].Type != "function" {
		t.Errorf("assistant tool_calls = %+v", h[1].ToolCalls)
	}
	if h[2].ToolCallID != addID || h[2].Content != "5" {
		t.Errorf("tool message = %+v", h[2])
	}
	if !strings.Contains(h[3].Content, "backend unavailable") {
		t.Errorf("failed tool message = %+v", h[3])
	}
	if h[4].Content != "2 + 3 = 5" {
		t.Errorf("follow-up = %q", h[4].Content)
	}

	if len(fs.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(fs.requests))
	}
	if got := len(fs.requests[0].Tools); got != 2 {
		t.Errorf("first request offered %d tools, want 2", got)
	}
	if last := fs.requests[1].Messages[len(fs.requests[1].Messages)-1]; last.Role != "tool" {
		t.Errorf("follow-up request ends with %q, want tool", last.Role)
	}
}

func TestSend_ToolCallWithTextIsOneTurn(t *testing.T) {
	fs := &fakeStreamer{bodies: []*chunkReader{
		{chunks: []string{lines(
			`{"message":{"content":"Let me check."}}`,
			`{"message":{"tool_calls":[{"id":"call_t","function":{"name":"now","arguments":{}}}]}}`,
			`{"done":true}`,
		)}},
		{chunks: []string{lines(`{"message":{"content":"It is noon."}}`, `{"done":true}`)}},
	}}
	reg := NewRegistry()
	reg.Register("now", "", nil, func(context.Context, json.RawMessage) (any, error) { return "12:00", nil })

	conv := NewConversation(fs, Config{Model: "m", Tools: reg})
	collect(conv.Send(context.Background(), "time?", SendOptions{}))

	h := conv.History()
	var roles []string
	for _, m := range h {
		roles = append(roles, m.Role)
	}
	if diff := cmp.Diff([]string{"user", "assistant", "tool", "assistant"}, roles); diff != "" {
		t.Fatalf("history roles (-want +got):\n%s", diff)
	}
	if h[1].Content != "Let me check." || len(h[1].ToolCalls) != 1 {
		t.Errorf("assistant turn = %+v, want text and tool call together", h[1])
	}

	follow := fs.requests[1].Messages
	if n := len(follow); n != 3 || follow[1].Role != "assistant" || follow[2].Role != "tool" {
		t.Errorf("follow-up messages = %+v", follow)
	}
}

func TestSend_ToolRoundsBounded(t *testing.T) {
	call := lines(`{"message":{"tool_calls":[{"function":{"name":"again"}}]}}`, `{"done":true}`)
	fs := &fakeStreamer{}
	for i := 0; i < 5; i++ {
		fs.bodies = append(fs.bodies, &chunkReader{chunks: []string{call}})
	}
	reg := NewRegistry()
	reg.Register("again", "", nil, func(context.Context, json.RawMessage) (any, error) { return "ok", nil })

	conv := NewConversation(fs, Config{Model: "m", Tools: reg, MaxToolRounds: 2})
	evs := collect(conv.Send(context.Background(), "loop", SendOptions{}))

	if evs[len(evs)-1].Kind != EventDone {
		t.Fatalf("last event = %v, want done", evs[len(evs)-1].Kind)
	}
	if len(fs.requests) != 3 {
		t.Fatalf("requests = %d, want 3 (2 rounds with tools + 1 without)", len(fs.requests))
	}
	if len(fs.requests[2].Tools) != 0 {
		t.Error("final request still offered tools")
	}
}

func TestSend_ToolsDisabledPerTurn(t *testing.T) {
	fs := &fakeStreamer{}
	reg := NewRegistry()
	reg.Register("add", "", nil, func(context.Context, json.RawMessage) (any, error) { return nil, nil })

	conv := NewConversation(fs, Config{Model: "m", Tools: reg})
	collect(conv.Send(context.Background(), "hi", SendOptions{Tools: []string{}, Model: "other"}))

	if len(fs.requests[0].Tools) != 0 {
		t.Error("tools offered despite empty selection")
	}
	if fs.requests[0].Model != "other" {
		t.Errorf("model = %q, want per-turn override", fs.requests[0].Model)
	}
}

func TestConversation_ResetAndLoad(t *testing.T) {
	conv := NewConversation(&fakeStreamer{}, Config{Model: "m"})
	conv.Load([]ollama.Message{{Role: "user", Content: "old"}})
	if len(conv.History()) != 1 {
		t.Fatal("Load did not seed history")
	}
	conv.Reset()
	if len(conv.History()) != 0 {
		t.Error("Reset left history behind")
	}
}

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{``, `{}`},
		{`{"a":1}`, `{"a":1}`},
		{`"{\"a\":1}"`, `{"a":1}`},
		{`""`, `{}`},
	}
	for _, tt := range tests {
		if got := string(normalizeArgs(json.RawMessage(tt.in))); got != tt.want {
			t.Errorf("normalizeArgs(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

type fakeCompleter struct {
	reply string
	err   error
	got   []ollama.Message
	max   int
}

func (f *fakeCompleter) Chat(ctx context.Context, model string, msgs []ollama.Message, maxTokens int) (string, error) {
	f.got, f.max = msgs, maxTokens
	return f.reply, f.err
}

func TestTitler(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
		want  string
	}{
		{"plain", "Rust Borrow Checker", nil, "Rust Borrow Checker"},
		{"double quoted", `"Trip to Lisbon"`, nil, "Trip to Lisbon"},
		{"single quoted", "'Tax Questions'", nil, "Tax Questions"},
		{"blank", "   ", nil, UntitledSession},
		{"error", "", errors.New("engine down"), UntitledSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeCompleter{reply: tt.reply, err: tt.err}
			got := NewTitler(fc, "m").Title(context.Background(), "plan a trip")
			if got != tt.want {
				t.Errorf("Title = %q, want %q", got, tt.want)
			}
			if fc.max != 20 {
				t.Errorf("maxTokens = %d, want 20", fc.max)
			}
			if !strings.HasSuffix(fc.got[1].Content, "plan a trip") {
				t.Errorf("prompt = %q", fc.got[1].Content)
			}
		})
	}
}

func TestEventKindString(t *testing.T) {
	if EventDecodeError.String() != "decode_error" || EventKind(42).String() != "event(42)" {
		t.Error("unexpected EventKind strings")
	}
}

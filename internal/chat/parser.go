package chat

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kalambet/inferhost/internal/ollama"
)

// LineParser splits an NDJSON byte stream into complete lines. Bytes after
// the last newline are carried into the next Feed.
type LineParser struct {
	carry []byte
}

// Feed appends chunk and returns every line it completed, without the
// terminator. Blank lines are dropped. Returned slices are owned by the caller.
func (p *LineParser) Feed(chunk []byte) [][]byte {
	p.carry = append(p.carry, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(p.carry, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(p.carry[:i]); len(line) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
		p.carry = p.carry[i+1:]
	}
	if len(p.carry) == 0 {
		p.carry = nil
	}
	return lines
}

// Flush returns the unterminated tail, if any, and resets the parser.
func (p *LineParser) Flush() []byte {
	tail := bytes.TrimSpace(p.carry)
	p.carry = nil
	if len(tail) == 0 {
		return nil
	}
	return append([]byte(nil), tail...)
}

// Pending reports how many bytes are waiting for a newline.
func (p *LineParser) Pending() int { return len(p.carry) }

// record is one line of the engine's streaming chat response.
type record struct {
	Message struct {
		Role      string            `json:"role"`
		Content   string            `json:"content"`
		ToolCalls []ollama.ToolCall `json:"tool_calls"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// DecodeError is a single malformed stream line. The stream continues.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding stream line %q: %v", truncate(e.Line, 80), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeRecord(line []byte) (record, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return record{}, &DecodeError{Line: string(line), Err: err}
	}
	return r, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

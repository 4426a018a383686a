package supervisor

import (
	"bytes"
	"strings"
	"sync"
)

// maxLine caps the partial-line buffer; longer lines are emitted in pieces.
const maxLine = 64 * 1024

// lineWriter splits process output into lines for a LineSink.
type lineWriter struct {
	mu   sync.Mutex
	sink LineSink
	buf  []byte
}

func newLineWriter(sink LineSink) *lineWriter {
	return &lineWriter{sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any trailing output that lacked a newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(b []byte) {
	line := strings.TrimRight(string(b), "\r")
	if line == "" {
		return
	}
	w.sink(line)
}

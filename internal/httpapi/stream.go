package httpapi

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// streamWriter emits NDJSON: one {"token":...} line per chunk, then a final
// line with done=true carrying the full result, or an error line when the
// request fails after streaming began.
type streamWriter struct {
	w     http.ResponseWriter
	flush func()
	wrote atomic.Bool
}

func newStreamWriter(w http.ResponseWriter) *streamWriter {
	sw := &streamWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flush = f.Flush
	}
	return sw
}

func (sw *streamWriter) started() bool { return sw.wrote.Load() }

func (sw *streamWriter) line(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	sw.wrote.Store(true)
	_, _ = sw.w.Write(append(b, '\n'))
	if sw.flush != nil {
		sw.flush()
	}
}

// Chunk streams one token batch. Safe to call from the generation goroutine;
// chunks for one request arrive in emission order.
func (sw *streamWriter) Chunk(text string) {
	sw.line(map[string]any{"token": text})
}

// Done emits the final result line.
func (sw *streamWriter) Done(result any) {
	sw.line(map[string]any{"done": true, "result": result})
}

// Fail emits a terminal error line once streaming already started and the
// status line is gone.
func (sw *streamWriter) Fail(code int, msg string) {
	sw.line(map[string]any{"done": true, "error": msg, "code": code})
}

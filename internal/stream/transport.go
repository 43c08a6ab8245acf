package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
)

// SSETransport frames events as text/event-stream. The typed variant for
// clients that speak EventSource.
type SSETransport struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewSSETransport wraps a response writer. The caller must have sent the
// text/event-stream headers already.
func NewSSETransport(w io.Writer, flusher http.Flusher) *SSETransport {
	return &SSETransport{w: w, flusher: flusher}
}

// WriteEvent writes one named SSE frame.
func (t *SSETransport) WriteEvent(id int64, name string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	frame := "id: " + strconv.FormatInt(id, 10) + "\nevent: " + name + "\ndata: " + string(data) + "\n\n"
	if _, err := io.WriteString(t.w, frame); err != nil {
		return fmt.Errorf("stream: write event: %w", err)
	}
	t.flush()
	return nil
}

// WritePing emits an SSE comment frame, invisible to the application.
func (t *SSETransport) WritePing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, err := io.WriteString(t.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("stream: write ping: %w", err)
	}
	t.flush()
	return nil
}

// Close marks the transport unusable. The HTTP response itself is finished by
// the handler returning.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *SSETransport) flush() {
	if t.flusher != nil {
		t.flusher.Flush()
	}
}

// ChunkedTransport frames events as newline-delimited JSON objects for
// clients that cannot consume the typed format.
type ChunkedTransport struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewChunkedTransport wraps a response writer for the generic chunked stream.
func NewChunkedTransport(w io.Writer, flusher http.Flusher) *ChunkedTransport {
	return &ChunkedTransport{w: w, flusher: flusher}
}

type chunkedFrame struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// WriteEvent writes a {"name":...,"data":...} line.
func (t *ChunkedTransport) WriteEvent(_ int64, name string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	line, err := json.Marshal(chunkedFrame{Name: name, Data: data})
	if err != nil {
		return fmt.Errorf("stream: marshal frame: %w", err)
	}
	if _, err := t.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("stream: write event: %w", err)
	}
	t.flush()
	return nil
}

// WritePing writes the chunk delimiter as meaningless content; every line is
// JSON, so a bare newline cannot be mistaken for an event.
func (t *ChunkedTransport) WritePing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, err := t.w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("stream: write ping: %w", err)
	}
	t.flush()
	return nil
}

// Close marks the transport unusable.
func (t *ChunkedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *ChunkedTransport) flush() {
	if t.flusher != nil {
		t.flusher.Flush()
	}
}

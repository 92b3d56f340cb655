package ws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrStreamUnsupported indicates the response writer cannot flush.
var ErrStreamUnsupported = errors.New("ws: streaming unsupported")

// Transport is an outward push channel held open for one pipeline.
type Transport interface {
	Send(payload []byte) error
	Close()
	// Done is closed once the transport can no longer deliver frames,
	// whether closed locally or by the peer.
	Done() <-chan struct{}
}

// SSEClient streams Server-Sent Events over an HTTP response writer.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
	last    time.Time
	done    chan struct{}
	stop    func() bool
}

var _ Transport = (*SSEClient)(nil)

// NewSSEClient builds an SSE client instance. The client closes itself when
// ctx is cancelled.
func NewSSEClient(ctx context.Context, writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := &SSEClient{writer: writer, flusher: flusher, log: logger, last: time.Now().UTC(), done: make(chan struct{})}
	c.stop = context.AfterFunc(ctx, c.Close)
	return c
}

// OpenSSE writes the event-stream response headers and returns a client bound
// to the request lifetime.
func OpenSSE(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*SSEClient, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return NewSSEClient(r.Context(), w, flusher, logger), nil
}

// Send emits a data event to the SSE stream. A payload spanning several lines
// is written as one event with a data field per line.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := c.writer.Write(encodeEvent(payload)); err != nil {
		c.closeLocked()
		c.log.Warn("sse send failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := io.WriteString(c.writer, ": ping\n\n"); err != nil {
		c.closeLocked()
		c.log.Warn("sse heartbeat failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// KeepAlive sends a heartbeat whenever the stream has been idle for interval.
// It returns once the client is closed.
func (c *SSEClient) KeepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if time.Since(c.LastActivity()) < interval {
				continue
			}
			if err := c.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// Close marks the stream as closed. It is safe to call more than once.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *SSEClient) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	if c.stop != nil {
		c.stop()
	}
}

// Done is closed once the stream is closed.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// encodeEvent writes payload as one event. CR and CRLF end lines in the event
// stream grammar, so both are folded into LF before splitting.
func encodeEvent(payload []byte) []byte {
	payload = bytes.ReplaceAll(payload, []byte("\r\n"), []byte("\n"))
	payload = bytes.ReplaceAll(payload, []byte("\r"), []byte("\n"))
	payload = bytes.TrimSuffix(payload, []byte("\n"))
	var buf bytes.Buffer
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

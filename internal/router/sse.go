package router

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

var ErrClientWriteTimeout = errors.New("client write timeout")

// SSEWriter frames events onto an HTTP response. Every write carries a
// deadline so a client that stops draining cannot pin the handler or grow
// the connection's buffers without bound.
type SSEWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
	started bool
}

func NewSSEWriter(w http.ResponseWriter, timeout time.Duration) *SSEWriter {
	return &SSEWriter{w: w, rc: http.NewResponseController(w), timeout: timeout}
}

// WriteEvent writes one `event:`/`data:` frame and flushes it. The stream
// headers go out with the first frame, so a handler that fails before
// streaming can still answer with a plain error status. A write or flush
// that outlives the deadline fails with ErrClientWriteTimeout.
func (s *SSEWriter) WriteEvent(name string, data []byte) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.started = true
	}
	// Not every ResponseWriter supports deadlines; those that don't fall
	// back to unbounded writes rather than failing the stream.
	if err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return s.mapTimeout(err)
	}
	if err := s.rc.Flush(); err != nil {
		return s.mapTimeout(err)
	}
	return nil
}

func (s *SSEWriter) mapTimeout(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrClientWriteTimeout, err)
	}
	return fmt.Errorf("writing sse frame: %w", err)
}

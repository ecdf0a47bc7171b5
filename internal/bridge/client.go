// Package bridge implements the client end of the per-sandbox socket: it
// connects with retry, sends commands, and demultiplexes the event stream
// back to the active caller.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ash-run/ash/protocol"
)

var (
	ErrConnectTimeout  = errors.New("bridge connect timeout")
	ErrNotConnected    = errors.New("bridge not connected")
	ErrCommandInFlight = errors.New("bridge command already in flight")
)

// connectTimeout bounds how long Dial polls the socket path. The bridge
// creates its socket shortly after exec, so five seconds is generous.
const connectTimeout = 5 * time.Second

// eventBuffer is the per-command channel capacity. The reader blocks once
// it fills, which is the backpressure the consumer relies on.
const eventBuffer = 256

// stream is one in-flight command's event sequence. Only the reader
// goroutine sends on events and only the reader closes it; done is closed
// by whoever finishes or abandons the stream first.
type stream struct {
	events   chan protocol.Event
	done     chan struct{}
	doneOnce sync.Once
}

func (s *stream) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Client owns one sandbox socket. A single reader goroutine consumes lines
// for the client's lifetime; at most one command stream is active at a time.
type Client struct {
	socketPath string
	logger     *slog.Logger
	conn       net.Conn

	mu     sync.Mutex
	active *stream
	closed bool

	writeMu sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}
	closedCh  chan struct{}
}

// Dial connects to the socket at socketPath, polling with backoff until the
// bridge has created it. Fails with ErrConnectTimeout after ~5s.
func Dial(ctx context.Context, socketPath string, logger *slog.Logger) (*Client, error) {
	return DialTimeout(ctx, socketPath, connectTimeout, logger)
}

func DialTimeout(ctx context.Context, socketPath string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 20 * time.Millisecond
	expo.MaxInterval = 250 * time.Millisecond

	conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}, backoff.WithBackOff(expo), backoff.WithMaxElapsedTime(timeout))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectTimeout, socketPath, err)
	}

	c := &Client{
		socketPath: socketPath,
		logger:     logger,
		conn:       conn,
		readyCh:    make(chan struct{}),
		closedCh:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// WaitReady blocks until the bridge has emitted its ready event.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-c.closedCh:
		return fmt.Errorf("%w: peer closed before ready", ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCommand writes cmd and returns its event stream. The stream ends on
// a done event, an error event, peer close, or cancellation of ctx; in the
// first three cases the channel is closed, on cancellation it is abandoned
// and callers must select on ctx themselves.
func (c *Client) SendCommand(ctx context.Context, cmd protocol.Command) (<-chan protocol.Event, error) {
	line, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c.active != nil {
		c.mu.Unlock()
		return nil, ErrCommandInFlight
	}
	st := &stream{
		events: make(chan protocol.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	c.active = st
	c.mu.Unlock()

	if err := c.write(line); err != nil {
		c.detach(st)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			c.detach(st)
		case <-st.done:
		}
	}()
	return st.events, nil
}

// Interrupt is fire-and-forget: no event stream is associated with it, the
// in-flight query stream sees the effects.
func (c *Client) Interrupt() error {
	line, err := protocol.EncodeCommand(protocol.Command{Type: protocol.CommandInterrupt})
	if err != nil {
		return err
	}
	return c.write(line)
}

// Shutdown asks the bridge to exit cleanly.
func (c *Client) Shutdown() error {
	line, err := protocol.EncodeCommand(protocol.Command{Type: protocol.CommandShutdown})
	if err != nil {
		return err
	}
	return c.write(line)
}

// Closed reports whether the connection is gone (locally closed or peer
// hangup).
func (c *Client) Closed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed once the reader has exited.
func (c *Client) Done() <-chan struct{} {
	return c.closedCh
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) write(line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.Closed() {
		return ErrNotConnected
	}
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.closedCh)

	var ra protocol.Reassembler
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			for _, ev := range ra.PushEvents(buf[:n]) {
				c.dispatch(ev)
			}
		}
		if err != nil {
			c.teardown()
			return
		}
	}
}

func (c *Client) dispatch(ev protocol.Event) {
	if ev.Type == protocol.EventReady {
		c.readyOnce.Do(func() { close(c.readyCh) })
		return
	}

	c.mu.Lock()
	st := c.active
	c.mu.Unlock()
	if st == nil {
		c.logger.Debug("event with no active command dropped",
			"socket", c.socketPath, "type", ev.Type)
		return
	}

	select {
	case st.events <- ev:
	case <-st.done:
		return
	}

	if ev.Type == protocol.EventDone || ev.Type == protocol.EventError {
		c.detach(st)
		close(st.events)
	}
}

// detach finishes the stream and unregisters it. Safe from any goroutine;
// it never closes the events channel, that is the reader's job.
func (c *Client) detach(st *stream) {
	st.markDone()
	c.mu.Lock()
	if c.active == st {
		c.active = nil
	}
	c.mu.Unlock()
}

// teardown runs on the reader goroutine when the connection dies. The
// in-flight stream, if any, ends with a synthesized peer_closed error.
func (c *Client) teardown() {
	c.mu.Lock()
	st := c.active
	c.active = nil
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()

	if st != nil {
		// The terminal event must not be lost to a full buffer: the reader is
		// exiting anyway, so blocking until the consumer drains (or abandons
		// the stream) is fine.
		ev := protocol.Event{Type: protocol.EventError, Error: "peer_closed"}
		select {
		case st.events <- ev:
		case <-st.done:
		}
		st.markDone()
		close(st.events)
	}
	if !alreadyClosed {
		c.logger.Debug("bridge connection closed by peer", "socket", c.socketPath)
	}
}

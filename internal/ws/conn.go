package ws

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Graph exports and stats can be large.
	maxMessageSize = 4 << 20

	// How long a gracefully closed socket may wait for the peer's close frame.
	closeGrace = 2 * time.Second
)

// ConnState is the lifecycle state of one duplex connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Tracer observes raw frames crossing a connection.
type Tracer interface {
	Outbound(sessionID string, frame []byte)
	Inbound(sessionID string, frame []byte)
}

// connHandlers are the transport callbacks. Each receives the Conn it was
// registered on so the owner can discard events from superseded connections.
type connHandlers struct {
	onOpen    func(c *Conn)
	onMessage func(c *Conn, frame []byte)
	onClose   func(c *Conn, err error)
	onError   func(c *Conn, err error)
}

// Conn wraps one WebSocket transport instance bound to a target session.
type Conn struct {
	target string
	url    string

	state atomic.Int32

	mu     sync.Mutex
	raw    *websocket.Conn
	cancel context.CancelFunc

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	done     chan struct{}
	handlers connHandlers
	tracer   Tracer
	logger   *zap.Logger
}

func newConn(target, url string, handlers connHandlers, tracer Tracer, logger *zap.Logger) *Conn {
	c := &Conn{
		target:   target,
		url:      url,
		done:     make(chan struct{}),
		handlers: handlers,
		tracer:   tracer,
		logger:   logger.With(zap.String("session_id", target)),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// Target returns the session id the connection is bound to.
func (c *Conn) Target() string {
	return c.target
}

// URL returns the endpoint the connection dials.
func (c *Conn) URL() string {
	return c.url
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Done is closed once the connection has fully terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) setState(s ConnState) {
	c.state.Store(int32(s))
}

// start dials in the background and then runs the read loop until the
// connection terminates. onClose is always the last callback invoked.
func (c *Conn) start(dialer *websocket.Dialer) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, cancel, dialer)
}

func (c *Conn) run(ctx context.Context, cancel context.CancelFunc, dialer *websocket.Dialer) {
	defer cancel()

	raw, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setState(StateDisconnected)
		close(c.done)
		if ctx.Err() == nil {
			c.handlers.onError(c, fmt.Errorf("ws: dial %s: %w", c.url, err))
		}
		c.handlers.onClose(c, err)
		return
	}

	c.mu.Lock()
	if c.State() == StateClosing {
		// Aborted while the handshake was completing.
		c.mu.Unlock()
		raw.Close()
		c.setState(StateDisconnected)
		close(c.done)
		c.handlers.onClose(c, ErrConnectionClosed)
		return
	}
	c.raw = raw
	c.setState(StateOpen)
	c.mu.Unlock()

	c.handlers.onOpen(c)

	go c.keepalive(raw)
	c.readPump(raw)
}

// readPump delivers inbound frames one at a time, in transport order.
func (c *Conn) readPump(raw *websocket.Conn) {
	var readErr error
	defer func() {
		raw.Close()
		c.setState(StateDisconnected)
		close(c.done)
		c.handlers.onClose(c, readErr)
	}()

	raw.SetReadLimit(maxMessageSize)
	raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("WebSocket closed unexpectedly", zap.Error(err))
			}
			readErr = err
			return
		}
		raw.SetReadDeadline(time.Now().Add(pongWait))

		if c.tracer != nil {
			c.tracer.Inbound(c.target, frame)
		}
		c.handlers.onMessage(c, frame)
	}
}

// keepalive pings the peer until the connection terminates.
func (c *Conn) keepalive(raw *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("Ping failed", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send writes one text frame synchronously so a failure on a half-open socket
// is reported to the caller immediately.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()

	if raw == nil || c.State() != StateOpen {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	raw.SetWriteDeadline(time.Now().Add(writeWait))
	if err := raw.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("ws: send: %w", err)
	}
	if c.tracer != nil {
		c.tracer.Outbound(c.target, frame)
	}
	return nil
}

// Close starts a close with the given code and returns without waiting on the
// network. A connecting socket is aborted; an open socket sends a close frame
// in the background and is torn down once the peer answers or closeGrace
// elapses. Close never invokes callbacks synchronously.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	switch c.State() {
	case StateDisconnected, StateClosing:
		c.mu.Unlock()
		return
	}
	c.setState(StateClosing)
	raw := c.raw
	cancel := c.cancel
	c.mu.Unlock()

	if raw == nil {
		if cancel != nil {
			cancel()
		}
		return
	}

	// WriteControl waits behind any in-flight data frame.
	go func() {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := raw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			raw.Close()
			return
		}
		time.AfterFunc(closeGrace, func() {
			raw.Close()
		})
	}()
}

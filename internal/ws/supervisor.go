package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPollInterval     = 100 * time.Millisecond
	defaultMaxConnectWait   = 10 * time.Second
	defaultMaxReconnectWait = 8 * time.Second
	defaultHandshakeTimeout = 10 * time.Second

	// Subtracted from a call's timeout when bounding how long it may wait for a socket.
	connectWaitMargin = time.Second
)

// StateObserver is notified of connection lifecycle changes for the active
// connection. err is set for transport failures.
type StateObserver func(sessionID string, state ConnState, err error)

// HealthGate reports whether a recent out-of-band health probe succeeded.
type HealthGate interface {
	Healthy() bool
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// BaseURL is the backend's HTTP base, e.g. http://127.0.0.1:9543.
	BaseURL          string
	DefaultTimeout   time.Duration
	HandshakeTimeout time.Duration
	PollInterval     time.Duration
	MaxConnectWait   time.Duration
	MaxReconnectWait time.Duration
}

func (c *SupervisorConfig) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultCallTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxConnectWait <= 0 {
		c.MaxConnectWait = defaultMaxConnectWait
	}
	if c.MaxReconnectWait <= 0 {
		c.MaxReconnectWait = defaultMaxReconnectWait
	}
}

// Supervisor owns the single active connection, decides when to (re)open it for
// a target session, and discards callbacks from superseded connections.
type Supervisor struct {
	cfg     SupervisorConfig
	dialer  *websocket.Dialer
	channel *Channel
	health  HealthGate
	tracer  Tracer
	logger  *zap.Logger

	mu        sync.Mutex
	current   *Conn
	target    string
	observers []StateObserver

	dials atomic.Int64
}

// NewSupervisor creates a Supervisor that routes frames into channel.
// health may be nil, in which case auto-connect-on-send never dials.
func NewSupervisor(cfg SupervisorConfig, channel *Channel, health HealthGate, logger *zap.Logger) *Supervisor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		channel: channel,
		health:  health,
		logger:  logger,
	}
}

// SetTracer installs a frame tracer for connections opened afterwards.
func (s *Supervisor) SetTracer(t Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = t
}

// Observe registers a lifecycle observer.
func (s *Supervisor) Observe(fn StateObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Channel returns the RPC channel fed by this supervisor.
func (s *Supervisor) Channel() *Channel {
	return s.channel
}

// Endpoint returns the WebSocket URL for sessionID.
func (s *Supervisor) Endpoint(sessionID string) string {
	base := strings.TrimRight(s.cfg.BaseURL, "/")
	if strings.HasPrefix(base, "http") {
		base = "ws" + strings.TrimPrefix(base, "http")
	}
	return base + "/ws/tavern/" + url.PathEscape(sessionID)
}

// Dials returns how many connection attempts have been started.
func (s *Supervisor) Dials() int64 {
	return s.dials.Load()
}

// Target returns the last session id a connection was requested for.
func (s *Supervisor) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// ForgetTarget clears the known target so calls no longer auto-connect.
func (s *Supervisor) ForgetTarget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = ""
}

// Current returns the active connection's target and state.
func (s *Supervisor) Current() (string, ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", StateDisconnected
	}
	return s.current.Target(), s.current.State()
}

// IsOpenFor reports whether the active connection is open and bound to sessionID.
func (s *Supervisor) IsOpenFor(sessionID string) bool {
	target, state := s.Current()
	return state == StateOpen && target == sessionID
}

// EnsureConnection makes sure a connection toward sessionID exists. An open or
// connecting socket for the same session is left alone; a socket bound to
// another session is closed first.
func (s *Supervisor) EnsureConnection(sessionID string) {
	s.mu.Lock()
	s.target = sessionID

	var superseded *Conn
	closeCode, closeReason := 0, ""
	if cur := s.current; cur != nil {
		same := cur.Target() == sessionID
		switch cur.State() {
		case StateOpen:
			if same {
				s.mu.Unlock()
				s.logger.Debug("WebSocket already connected", zap.String("session_id", sessionID))
				return
			}
			closeCode, closeReason = websocket.CloseNormalClosure, "Switching session"
		case StateConnecting:
			if same {
				s.mu.Unlock()
				s.logger.Debug("Already connecting, skipping duplicate connect", zap.String("session_id", sessionID))
				return
			}
			closeCode, closeReason = websocket.CloseGoingAway, "Switching during connect"
		}
		superseded = cur
	}

	conn := newConn(sessionID, s.Endpoint(sessionID), connHandlers{
		onOpen:    s.handleOpen,
		onMessage: s.handleMessage,
		onClose:   s.handleClose,
		onError:   s.handleError,
	}, s.tracer, s.logger)
	s.current = conn
	s.dials.Add(1)
	s.mu.Unlock()

	// The old socket is no longer current, so its callbacks are already ignored.
	if superseded != nil {
		if closeCode != 0 {
			s.logger.Debug("Closing previous WebSocket to switch target",
				zap.String("from", superseded.Target()), zap.String("to", sessionID),
				zap.String("reason", closeReason))
			superseded.Close(closeCode, closeReason)
		} else {
			s.logger.Debug("Previous socket is closing, opening new one", zap.String("session_id", sessionID))
		}
		s.channel.FailSender(superseded, ErrConnectionClosed)
	}

	s.logger.Info("Connecting", zap.String("url", conn.URL()))
	conn.start(s.dialer)
}

// Disconnect closes the active connection, if any, and rejects its pending calls.
// The known target is kept so a later call may reconnect.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if cur == nil {
		return
	}

	s.logger.Debug("Manually disconnecting WebSocket", zap.String("session_id", cur.Target()))
	cur.Close(websocket.CloseNormalClosure, "Client disconnect")
	s.channel.FailSender(cur, ErrConnectionClosed)
	s.notify(cur.Target(), StateDisconnected, nil)
}

// isCurrent is the stale-callback guard: identity, not state.
func (s *Supervisor) isCurrent(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == c
}

func (s *Supervisor) handleOpen(c *Conn) {
	if !s.isCurrent(c) {
		return
	}
	s.logger.Info("WebSocket connection established", zap.String("session_id", c.Target()))
	s.notify(c.Target(), StateOpen, nil)
}

func (s *Supervisor) handleMessage(c *Conn, frame []byte) {
	if !s.isCurrent(c) {
		return
	}
	s.channel.Dispatch(frame)
}

func (s *Supervisor) handleError(c *Conn, err error) {
	if !s.isCurrent(c) {
		return
	}
	s.logger.Error("WebSocket error", zap.String("session_id", c.Target()), zap.Error(err))
}

func (s *Supervisor) handleClose(c *Conn, err error) {
	s.mu.Lock()
	if s.current != c {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.mu.Unlock()

	s.logger.Info("WebSocket connection closed", zap.String("session_id", c.Target()))
	s.channel.FailSender(c, ErrConnectionClosed)
	s.notify(c.Target(), StateDisconnected, err)
}

func (s *Supervisor) notify(sessionID string, state ConnState, err error) {
	s.mu.Lock()
	observers := make([]StateObserver, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(sessionID, state, err)
	}
}

func (s *Supervisor) healthy() bool {
	return s.health != nil && s.health.Healthy()
}

func (s *Supervisor) snapshot() (*Conn, ConnState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, StateDisconnected, s.target
	}
	return s.current, s.current.State(), s.target
}

// Call issues action over the active connection. When disconnected with a known
// target it reconnects, but only after a recent successful health probe; when
// connecting it waits for the socket to open, bounded by the call's timeout.
func (s *Supervisor) Call(ctx context.Context, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	conn, state, target := s.snapshot()
	if state == StateDisconnected && target != "" && s.healthy() {
		s.EnsureConnection(target)
		conn, state, target = s.snapshot()
	}

	if state == StateOpen {
		return s.channel.Call(ctx, conn, action, payload, timeout)
	}

	if state == StateConnecting {
		s.logger.Debug("Waiting for WebSocket to open before sending", zap.String("action", action))
		conn, err := s.waitForOpen(ctx, waitBudget(timeout, s.cfg.MaxConnectWait, s.cfg.PollInterval))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", action, err)
		}
		return s.channel.Call(ctx, conn, action, payload, timeout)
	}

	if target != "" {
		if s.healthy() {
			s.EnsureConnection(target)
		}
		conn, err := s.waitForOpen(ctx, waitBudget(timeout, s.cfg.MaxReconnectWait, s.cfg.PollInterval))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", action, err)
		}
		return s.channel.Call(ctx, conn, action, payload, timeout)
	}

	return nil, fmt.Errorf("%s: %w", action, ErrNotConnected)
}

// waitForOpen polls for an open active connection until maxWait elapses.
func (s *Supervisor) waitForOpen(ctx context.Context, maxWait time.Duration) (*Conn, error) {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if conn, state, _ := s.snapshot(); state == StateOpen {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitBudget bounds a socket wait by the call's timeout minus a margin, capped.
func waitBudget(timeout, ceiling, floor time.Duration) time.Duration {
	budget := timeout - connectWaitMargin
	if budget > ceiling {
		budget = ceiling
	}
	if budget < floor {
		budget = floor
	}
	return budget
}

// Close disconnects and rejects anything still pending.
func (s *Supervisor) Close() {
	s.Disconnect()
	s.ForgetTarget()
	s.channel.FailAll(ErrConnectionClosed)
}

package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultCallTimeout applies when a call does not set its own deadline.
const DefaultCallTimeout = 20 * time.Second

// Sender writes one frame to the peer.
type Sender interface {
	Send(frame []byte) error
}

// PushHandler receives server push events in transport order.
type PushHandler func(p Push)

// Channel multiplexes request/response calls over whatever connection the
// caller hands it, correlating responses by request id.
type Channel struct {
	pending        *pendingTable
	defaultTimeout time.Duration
	newID          func() string
	logger         *zap.Logger

	mu     sync.RWMutex
	onPush PushHandler
}

// NewChannel creates a Channel. A zero defaultTimeout means DefaultCallTimeout.
func NewChannel(defaultTimeout time.Duration, logger *zap.Logger) *Channel {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		pending:        newPendingTable(),
		defaultTimeout: defaultTimeout,
		newID:          uuid.NewString,
		logger:         logger,
	}
}

// SetPushHandler sets the callback for non-response envelopes.
func (ch *Channel) SetPushHandler(handler PushHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onPush = handler
}

// Pending returns the number of in-flight calls.
func (ch *Channel) Pending() int {
	return ch.pending.len()
}

// Call sends action over sender and waits for the matching response, the
// call's own deadline, or ctx. Each call settles independently of the others.
func (ch *Channel) Call(ctx context.Context, sender Sender, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, action)
	}
	if timeout <= 0 {
		timeout = ch.defaultTimeout
	}
	if payload == nil {
		payload = struct{}{}
	}

	id := ch.newID()
	frame, err := json.Marshal(Request{
		Type:      MessageTypeRequest,
		Action:    action,
		RequestID: id,
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("ws: encode %s: %w", action, err)
	}

	call := &pendingCall{
		requestID: id,
		action:    action,
		owner:     sender,
		result:    make(chan callResult, 1),
	}
	ch.pending.add(call, timeout, func() {
		if c, ok := ch.pending.take(id); ok {
			ch.logger.Warn("Request timed out",
				zap.String("action", action),
				zap.String("request_id", id),
				zap.Duration("timeout", timeout))
			c.settle(callResult{err: fmt.Errorf("%w: %s", ErrCallTimeout, action)})
		}
	})

	if err := sender.Send(frame); err != nil {
		if c, ok := ch.pending.take(id); ok {
			c.settle(callResult{err: err})
		}
		return nil, err
	}

	select {
	case res := <-call.result:
		return res.data, res.err
	case <-ctx.Done():
		if c, ok := ch.pending.take(id); ok {
			c.settle(callResult{err: ctx.Err()})
		}
		return nil, ctx.Err()
	}
}

// Dispatch routes one inbound frame. Responses settle their pending call;
// unmatched responses (for example after a timeout) are dropped. Anything else
// is a push event. Malformed frames are logged and dropped.
func (ch *Channel) Dispatch(frame []byte) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		ch.logger.Warn("Dropping malformed frame", zap.Error(err), zap.Int("bytes", len(frame)))
		return
	}

	if env.Type == MessageTypeResponse {
		ch.dispatchResponse(frame, env.RequestID)
		return
	}

	ch.mu.RLock()
	handler := ch.onPush
	ch.mu.RUnlock()

	if handler != nil {
		handler(Push{Type: env.Type, Raw: json.RawMessage(frame)})
	}
}

func (ch *Channel) dispatchResponse(frame []byte, requestID string) {
	if requestID == "" {
		ch.logger.Warn("Dropping response without request_id")
		return
	}

	call, ok := ch.pending.take(requestID)
	if !ok {
		ch.logger.Debug("Dropping unmatched response", zap.String("request_id", requestID))
		return
	}

	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		call.settle(callResult{err: fmt.Errorf("ws: decode response for %s: %w", call.action, err)})
		return
	}

	if resp.OK {
		call.settle(callResult{data: resp.Data})
		return
	}

	msg := "remote error"
	if resp.Error != nil && resp.Error.Message != "" {
		msg = resp.Error.Message
	}
	call.settle(callResult{err: &RemoteError{Action: call.action, Message: msg}})
}

// FailAll rejects every pending call with err and empties the table.
func (ch *Channel) FailAll(err error) int {
	return ch.fail(nil, err)
}

// FailSender rejects the pending calls that were sent through sender.
func (ch *Channel) FailSender(sender Sender, err error) int {
	if sender == nil {
		return 0
	}
	return ch.fail(sender, err)
}

func (ch *Channel) fail(owner Sender, err error) int {
	calls := ch.pending.drain(owner)
	for _, call := range calls {
		call.settle(callResult{err: fmt.Errorf("%w: %s", err, call.action)})
	}
	if len(calls) > 0 {
		ch.logger.Info("Rejected pending requests", zap.Int("count", len(calls)), zap.Error(err))
	}
	return len(calls)
}

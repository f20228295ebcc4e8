package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/echograph/tavernbridge/internal/health"
	"github.com/echograph/tavernbridge/internal/model"
)

type rpcHandler func(payload any) (any, error)

type recordedCall struct {
	action  string
	payload any
	timeout time.Duration
}

// fakeTransport scripts backend replies per action.
type fakeTransport struct {
	mu          sync.Mutex
	calls       []recordedCall
	handlers    map[string]rpcHandler
	ensured     []string
	disconnects int
	forgets     int
	open        string

	// gates, when set for an action, hold the call until closed.
	gates   map[string]chan struct{}
	entered chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]rpcHandler),
		gates:    make(map[string]chan struct{}),
		entered:  make(chan string, 64),
	}
}

func (f *fakeTransport) on(action string, h rpcHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[action] = h
}

func (f *fakeTransport) reply(action string, v any) {
	f.on(action, func(any) (any, error) { return v, nil })
}

func (f *fakeTransport) hold(action string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[action] = gate
	return gate
}

func (f *fakeTransport) Call(ctx context.Context, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{action: action, payload: payload, timeout: timeout})
	h := f.handlers[action]
	gate := f.gates[action]
	f.mu.Unlock()

	select {
	case f.entered <- action:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if h == nil {
		return json.RawMessage(`{}`), nil
	}
	v, err := h(payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	return data, err
}

func (f *fakeTransport) EnsureConnection(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, sessionID)
	f.open = sessionID
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.open = ""
}

func (f *fakeTransport) ForgetTarget() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgets++
}

func (f *fakeTransport) IsOpenFor(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open == sessionID
}

func (f *fakeTransport) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.action
	}
	return out
}

func (f *fakeTransport) call(action string) (recordedCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.action == action {
			return c, true
		}
	}
	return recordedCall{}, false
}

func (f *fakeTransport) resetLog() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.ensured = nil
	f.disconnects = 0
}

func (f *fakeTransport) ensuredTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ensured...)
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeReporter struct {
	mu      sync.Mutex
	entries []model.ActivityEntry
}

func (r *fakeReporter) Report(level model.ActivityLevel, sessionID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, model.ActivityEntry{Level: level, SessionID: sessionID, Message: message})
}

func (r *fakeReporter) levels() []model.ActivityLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ActivityLevel, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Level
	}
	return out
}

type fakeLedger struct {
	mu       sync.Mutex
	bindings []model.SessionBinding
	err      error
}

func (l *fakeLedger) Upsert(_ context.Context, b *model.SessionBinding) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bindings = append(l.bindings, *b)
	return l.err
}

type fakeResetter struct {
	res   health.ResetResult
	err   error
	calls int
}

func (r *fakeResetter) QuickReset(context.Context) (health.ResetResult, error) {
	r.calls++
	return r.res, r.err
}

package ws

import (
	"encoding/json"
	"sync"
	"time"
)

// callResult settles one pending call.
type callResult struct {
	data json.RawMessage
	err  error
}

// pendingCall is one in-flight RPC. It leaves the table exactly once; whoever
// removes it owns settling it.
type pendingCall struct {
	requestID string
	action    string
	owner     Sender
	result    chan callResult
	timer     *time.Timer
}

// settle stops the deadline and delivers the result. Only the remover calls it.
func (p *pendingCall) settle(res callResult) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.result <- res
}

// pendingTable correlates request ids with their waiting callers.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		calls: make(map[string]*pendingCall),
	}
}

// add registers call and arms its deadline under the table lock, so no one can
// remove the call before its timer exists.
func (t *pendingTable) add(call *pendingCall, timeout time.Duration, onTimeout func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[call.requestID] = call
	call.timer = time.AfterFunc(timeout, onTimeout)
}

// take removes and returns the call for id.
func (t *pendingTable) take(id string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return call, ok
}

// drain removes every call sent through owner, or every call when owner is nil.
func (t *pendingTable) drain(owner Sender) []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	var drained []*pendingCall
	for id, call := range t.calls {
		if owner != nil && call.owner != owner {
			continue
		}
		drained = append(drained, call)
		delete(t.calls, id)
	}
	return drained
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *pendingTable) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.calls[id]
	return ok
}

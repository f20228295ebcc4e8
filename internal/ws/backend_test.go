package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// replyFunc decides how the fake backend answers a request. Returning nil
// leaves the request unanswered.
type replyFunc func(sessionID string, req Request) map[string]any

// fakeBackend is a gin server exposing /ws/tavern/:session the way the graph
// backend does.
type fakeBackend struct {
	server *httptest.Server
	reply  replyFunc

	mu       sync.Mutex
	conns    map[*websocket.Conn]string
	sessions []string
	accepted chan string
	wg       sync.WaitGroup

	// gate, when non-nil, delays the upgrade until it is closed.
	gate chan struct{}

	// stalled sessions are accepted but never read from.
	stalled  map[string]bool
	stop     chan struct{}
	stopOnce sync.Once
}

func echoReply(sessionID string, req Request) map[string]any {
	return map[string]any{
		"type":       "response",
		"request_id": req.RequestID,
		"ok":         true,
		"data":       map[string]any{"session_id": sessionID, "action": req.Action},
	}
}

func newFakeBackend(t *testing.T, reply replyFunc) *fakeBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if reply == nil {
		reply = echoReply
	}
	b := &fakeBackend{
		reply:    reply,
		conns:    make(map[*websocket.Conn]string),
		accepted: make(chan string, 16),
		stalled:  make(map[string]bool),
		stop:     make(chan struct{}),
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	router := gin.New()
	router.GET("/ws/tavern/:session", func(c *gin.Context) {
		b.mu.Lock()
		gate := b.gate
		b.mu.Unlock()
		if gate != nil {
			<-gate
		}

		sessionID := c.Param("session")
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns[conn] = sessionID
		b.sessions = append(b.sessions, sessionID)
		b.mu.Unlock()
		b.accepted <- sessionID

		b.wg.Add(1)
		go b.serve(conn, sessionID)
	})

	b.server = httptest.NewServer(router)
	t.Cleanup(b.Close)
	return b
}

func (b *fakeBackend) serve(conn *websocket.Conn, sessionID string) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	b.mu.Lock()
	stalled := b.stalled[sessionID]
	b.mu.Unlock()
	if stalled {
		<-b.stop
		return
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(frame, &req); err != nil {
			continue
		}
		if resp := b.reply(sessionID, req); resp != nil {
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}
}

// push sends an unsolicited event to every live connection.
func (b *fakeBackend) push(event map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.WriteJSON(event)
	}
}

// drop closes every server-side socket without a close handshake.
func (b *fakeBackend) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.UnderlyingConn().Close()
	}
}

// stall makes connections for sessionID stop reading after the upgrade.
func (b *fakeBackend) stall(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stalled[sessionID] = true
}

func (b *fakeBackend) holdUpgrades() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
}

func (b *fakeBackend) releaseUpgrades() {
	b.mu.Lock()
	gate := b.gate
	b.gate = nil
	b.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (b *fakeBackend) connected() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sessions))
	copy(out, b.sessions)
	return out
}

func (b *fakeBackend) waitAccepted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-b.accepted:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("backend accepted no connection")
		return ""
	}
}

func (b *fakeBackend) Close() {
	b.releaseUpgrades()
	b.drop()
	b.stopOnce.Do(func() { close(b.stop) })
	b.server.Close()
	b.wg.Wait()
}

// staticHealth is a fixed HealthGate.
type staticHealth bool

func (h staticHealth) Healthy() bool { return bool(h) }

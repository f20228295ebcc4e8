package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestSupervisor(t *testing.T, b *fakeBackend, health HealthGate) *Supervisor {
	t.Helper()
	s := NewSupervisor(SupervisorConfig{
		BaseURL:          b.server.URL,
		PollInterval:     10 * time.Millisecond,
		MaxConnectWait:   2 * time.Second,
		MaxReconnectWait: 2 * time.Second,
	}, NewChannel(0, zap.NewNop()), health, zap.NewNop())
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func waitOpen(t *testing.T, s *Supervisor, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool { return s.IsOpenFor(sessionID) },
		3*time.Second, 5*time.Millisecond, "connection for %s never opened", sessionID)
}

func TestSupervisor_Endpoint(t *testing.T) {
	tests := []struct {
		base, id, want string
	}{
		{"http://localhost:9543", "tavern_Aria_a1a013e2", "ws://localhost:9543/ws/tavern/tavern_Aria_a1a013e2"},
		{"https://graph.example/", "tavern_Aria_a1a013e2", "wss://graph.example/ws/tavern/tavern_Aria_a1a013e2"},
		{"http://localhost:9543", "tavern_a b/c_00000000", "ws://localhost:9543/ws/tavern/tavern_a%20b%2Fc_00000000"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			s := NewSupervisor(SupervisorConfig{BaseURL: tt.base}, NewChannel(0, nil), nil, nil)
			assert.Equal(t, tt.want, s.Endpoint(tt.id))
		})
	}
}

func TestSupervisor_EnsureConnectionIsIdempotent(t *testing.T) {
	b := newFakeBackend(t, nil)
	s := newTestSupervisor(t, b, nil)

	s.EnsureConnection("tavern_Aria_a1a013e2")
	s.EnsureConnection("tavern_Aria_a1a013e2") // still connecting
	waitOpen(t, s, "tavern_Aria_a1a013e2")
	s.EnsureConnection("tavern_Aria_a1a013e2") // open

	assert.Equal(t, int64(1), s.Dials())
	assert.Equal(t, []string{"tavern_Aria_a1a013e2"}, b.connected())
}

func TestSupervisor_SwitchTarget(t *testing.T) {
	b := newFakeBackend(t, nil)
	s := newTestSupervisor(t, b, nil)

	var mu sync.Mutex
	var events []string
	s.Observe(func(id string, state ConnState, _ error) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, id+":"+state.String())
	})

	s.EnsureConnection("tavern_A_00000000")
	waitOpen(t, s, "tavern_A_00000000")

	s.EnsureConnection("tavern_B_00000000")
	waitOpen(t, s, "tavern_B_00000000")

	data, err := s.Call(context.Background(), "sessions.stats", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"tavern_B_00000000","action":"sessions.stats"}`, string(data))
	assert.Equal(t, int64(2), s.Dials())

	// The superseded connection's close must not be reported.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tavern_A_00000000:open", "tavern_B_00000000:open"}, events)
}

func TestSupervisor_SwitchWhileConnecting(t *testing.T) {
	b := newFakeBackend(t, nil)
	s := newTestSupervisor(t, b, nil)

	b.holdUpgrades()
	s.EnsureConnection("tavern_A_00000000")
	_, state := s.Current()
	require.Equal(t, StateConnecting, state)

	s.EnsureConnection("tavern_B_00000000")
	b.releaseUpgrades()

	waitOpen(t, s, "tavern_B_00000000")
	target, _ := s.Current()
	assert.Equal(t, "tavern_B_00000000", target)
}

func TestSupervisor_SwitchAwayFromStalledPeer(t *testing.T) {
	b := newFakeBackend(t, nil)
	b.stall("tavern_A_00000000")
	s := newTestSupervisor(t, b, nil)

	s.EnsureConnection("tavern_A_00000000")
	waitOpen(t, s, "tavern_A_00000000")
	stalled, _, _ := s.snapshot()

	// Fill the socket until a data frame write is stuck on the unread peer.
	frame := make([]byte, 1<<20)
	var started atomic.Bool
	var sent atomic.Int32
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		started.Store(true)
		for stalled.Send(frame) == nil {
			sent.Add(1)
		}
	}()
	require.Eventually(t, func() bool {
		before := sent.Load()
		time.Sleep(100 * time.Millisecond)
		return started.Load() && sent.Load() == before
	}, 5*time.Second, time.Millisecond)

	readDone := make(chan time.Duration, 1)
	switchDone := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		s.EnsureConnection("tavern_B_00000000")
		switchDone <- time.Since(start)
	}()
	go func() {
		time.Sleep(20 * time.Millisecond)
		start := time.Now()
		s.Current()
		readDone <- time.Since(start)
	}()

	assert.Less(t, <-switchDone, time.Second)
	assert.Less(t, <-readDone, time.Second)
	waitOpen(t, s, "tavern_B_00000000")

	b.drop()
	select {
	case <-senderDone:
	case <-time.After(15 * time.Second):
		t.Fatal("sender never unblocked")
	}
}

func TestSupervisor_StaleCallbacksIgnored(t *testing.T) {
	ch := NewChannel(0, zap.NewNop())
	s := NewSupervisor(SupervisorConfig{BaseURL: "http://127.0.0.1:1"}, ch, nil, zap.NewNop())

	var pushes int
	ch.SetPushHandler(func(Push) { pushes++ })
	var notified int
	s.Observe(func(string, ConnState, error) { notified++ })

	h := connHandlers{onOpen: s.handleOpen, onMessage: s.handleMessage, onClose: s.handleClose, onError: s.handleError}
	stale := newConn("tavern_A_00000000", "ws://unused", h, nil, zap.NewNop())
	active := newConn("tavern_B_00000000", "ws://unused", h, nil, zap.NewNop())
	s.current = active

	staleSender := newMemSender()
	out := startCall(ch, staleSender, "held", nil, 5*time.Second)
	staleSender.next(t)

	s.handleOpen(stale)
	s.handleMessage(stale, []byte(`{"type":"graph_updated","total_nodes":1}`))
	s.handleError(stale, errors.New("boom"))
	s.handleClose(stale, nil)

	assert.Equal(t, 0, pushes)
	assert.Equal(t, 0, notified)
	assert.Same(t, active, s.current)
	assert.Equal(t, 1, ch.Pending())

	s.handleMessage(active, []byte(`{"type":"graph_updated","total_nodes":1}`))
	assert.Equal(t, 1, pushes)

	ch.FailAll(ErrConnectionClosed)
	require.ErrorIs(t, await(t, out).err, ErrConnectionClosed)
}

func TestSupervisor_ServerDropRejectsPending(t *testing.T) {
	hold := func(string, Request) map[string]any { return nil }
	b := newFakeBackend(t, hold)
	s := newTestSupervisor(t, b, nil)

	closed := make(chan ConnState, 4)
	s.Observe(func(_ string, state ConnState, _ error) {
		if state == StateDisconnected {
			closed <- state
		}
	})

	s.EnsureConnection("tavern_Aria_a1a013e2")
	waitOpen(t, s, "tavern_Aria_a1a013e2")

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "initialize", nil, 30*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.Channel().Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	b.drop()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("pending call survived connection loss")
	}
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("observer was not told about the disconnect")
	}
	assert.Equal(t, 0, s.Channel().Pending())
}

func TestSupervisor_CallWithoutTarget(t *testing.T) {
	b := newFakeBackend(t, nil)
	s := newTestSupervisor(t, b, staticHealth(true))

	_, err := s.Call(context.Background(), "sessions.stats", nil, time.Second)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, int64(0), s.Dials())
}

func TestSupervisor_AutoConnectRequiresHealth(t *testing.T) {
	t.Run("unhealthy", func(t *testing.T) {
		b := newFakeBackend(t, nil)
		s := newTestSupervisor(t, b, staticHealth(false))

		s.EnsureConnection("tavern_Aria_a1a013e2")
		waitOpen(t, s, "tavern_Aria_a1a013e2")
		s.Disconnect()

		_, err := s.Call(context.Background(), "sessions.stats", nil, 1500*time.Millisecond)
		require.ErrorIs(t, err, ErrNotConnected)
		assert.Equal(t, int64(1), s.Dials())
	})

	t.Run("healthy", func(t *testing.T) {
		b := newFakeBackend(t, nil)
		s := newTestSupervisor(t, b, staticHealth(true))

		s.EnsureConnection("tavern_Aria_a1a013e2")
		waitOpen(t, s, "tavern_Aria_a1a013e2")
		s.Disconnect()

		data, err := s.Call(context.Background(), "sessions.stats", nil, 3*time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, `{"session_id":"tavern_Aria_a1a013e2","action":"sessions.stats"}`, string(data))
		assert.Equal(t, int64(2), s.Dials())
	})
}

func TestSupervisor_CallWaitsForConnecting(t *testing.T) {
	b := newFakeBackend(t, nil)
	s := newTestSupervisor(t, b, nil)

	b.holdUpgrades()
	s.EnsureConnection("tavern_Aria_a1a013e2")

	go func() {
		time.Sleep(100 * time.Millisecond)
		b.releaseUpgrades()
	}()

	data, err := s.Call(context.Background(), "tavern.current_session", nil, 3*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tavern.current_session")
}

func TestSupervisor_PushDelivery(t *testing.T) {
	b := newFakeBackend(t, nil)
	s := newTestSupervisor(t, b, nil)

	got := make(chan Push, 4)
	s.Channel().SetPushHandler(func(p Push) { got <- p })

	s.EnsureConnection("tavern_Aria_a1a013e2")
	b.waitAccepted(t)
	waitOpen(t, s, "tavern_Aria_a1a013e2")

	b.push(map[string]any{"type": "graph_updated", "total_nodes": 7})
	b.push(map[string]any{"type": "initialization_complete", "stats": map[string]int{"nodes_added": 3}})

	first := <-got
	second := <-got
	assert.Equal(t, PushGraphUpdated, first.Type)
	assert.Equal(t, PushInitializationComplete, second.Type)
}

func TestSupervisor_CloseForgetsTarget(t *testing.T) {
	b := newFakeBackend(t, nil)
	s := newTestSupervisor(t, b, staticHealth(true))

	s.EnsureConnection("tavern_Aria_a1a013e2")
	waitOpen(t, s, "tavern_Aria_a1a013e2")
	s.Close()

	assert.Empty(t, s.Target())
	_, state := s.Current()
	assert.Equal(t, StateDisconnected, state)

	_, err := s.Call(context.Background(), "sessions.stats", nil, time.Second)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestWaitBudget(t *testing.T) {
	assert.Equal(t, 10*time.Second, waitBudget(60*time.Second, 10*time.Second, 100*time.Millisecond))
	assert.Equal(t, 4*time.Second, waitBudget(5*time.Second, 10*time.Second, 100*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, waitBudget(time.Second, 10*time.Second, 100*time.Millisecond))
}

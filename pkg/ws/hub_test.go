package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magfest/sideboard/pkg/bus"
	"github.com/magfest/sideboard/pkg/lifecycle"
	"github.com/magfest/sideboard/pkg/rpc"
	"github.com/magfest/sideboard/pkg/sched"
	"github.com/magfest/sideboard/pkg/serial"
)

// pipeConn is an in-memory Conn so tests can inject frames and capture
// sends without a network hop.
type pipeConn struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:   make(chan []byte, 16),
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Write(ctx context.Context, data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close(code websocket.StatusCode, reason string) error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	p.sendRaw(t, data)
}

func (p *pipeConn) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	select {
	case p.in <- data:
	case <-time.After(time.Second):
		t.Fatal("read loop not consuming")
	}
}

func (p *pipeConn) recv(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-p.out:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func (p *pipeConn) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-p.out:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(d):
	}
}

// nameStore is the canonical subscription example: get_names subscribes
// the names channel, change_name notifies it.
type nameStore struct {
	mu    sync.Mutex
	names []string
}

func (n *nameStore) GetNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.names...)
}

func (n *nameStore) ChangeName(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.names {
		if existing == name {
			return
		}
	}
	n.names = append(n.names, name)
}

type echoService struct{}

func (echoService) Echo(v any) any { return v }

type testEnv struct {
	hub      *Hub
	registry *rpc.Registry
	bus      *bus.Bus
	notifier *sched.Notifier
}

func newTestEnv(t *testing.T, workers int) *testEnv {
	t.Helper()

	stopped := lifecycle.NewLatch()
	t.Cleanup(stopped.Set)

	registry := rpc.NewRegistry()
	b := bus.New()

	n := sched.NewNotifier(b, stopped)
	n.Start()
	registry.SetNotifier(n)

	h := NewHub(registry, b, serial.Default, workers, time.Second, true, stopped)
	h.Start()
	t.Cleanup(h.Shutdown)

	return &testEnv{hub: h, registry: registry, bus: b, notifier: n}
}

func (e *testEnv) open(t *testing.T) *pipeConn {
	t.Helper()
	pc := newPipeConn()
	go e.hub.HandleConnection(context.Background(), pc, "tester")
	return pc
}

func TestHub_EchoRoundTrip(t *testing.T) {
	env := newTestEnv(t, 2)
	require.NoError(t, env.registry.Register("echo", rpc.MustService(echoService{}), false))

	pc := env.open(t)
	pc.send(t, map[string]any{
		"method":   "echo.echo",
		"params":   []any{map[string]any{"hello": "world"}},
		"client":   "client-1",
		"callback": "cb-1",
	})

	frame := pc.recv(t)
	assert.Equal(t, "client-1", frame["client"])
	assert.Equal(t, "cb-1", frame["callback"])
	assert.Equal(t, map[string]any{"hello": "world"}, frame["data"])
}

func TestHub_SubscribeTriggerAndSuppression(t *testing.T) {
	env := newTestEnv(t, 2)
	store := &nameStore{names: []string{"alice"}}
	svc := rpc.MustService(store,
		rpc.Subscribes("get_names", "names"),
		rpc.Notifies("change_name", 0, "names"),
	)
	require.NoError(t, env.registry.Register("names", svc, false))

	pc := env.open(t)

	// Subscribe without a callback: the reply is a subscribe trigger frame.
	pc.send(t, map[string]any{"method": "names.get_names", "client": "client-a"})
	frame := pc.recv(t)
	assert.Equal(t, "client-a", frame["client"])
	assert.Equal(t, "subscribe", frame["trigger"])
	assert.Equal(t, []any{"alice"}, frame["data"])

	// A mutation from a different client id re-runs the cached query.
	pc.send(t, map[string]any{
		"method": "names.change_name", "params": []any{"zed"},
		"client": "client-b", "callback": "cb-1",
	})

	got := map[string]map[string]any{}
	for i := 0; i < 2; i++ {
		f := pc.recv(t)
		got[f["client"].(string)] = f
	}
	assert.Contains(t, got, "client-b") // the change_name reply
	push := got["client-a"]
	require.NotNil(t, push)
	assert.Equal(t, "change_name", push["trigger"])
	assert.Equal(t, []any{"alice", "zed"}, push["data"])

	// Re-adding the same name still notifies, but the re-run produces an
	// identical payload, so the push is fingerprint-suppressed.
	pc.send(t, map[string]any{
		"method": "names.change_name", "params": []any{"zed"},
		"client": "client-b", "callback": "cb-2",
	})
	reply := pc.recv(t)
	assert.Equal(t, "cb-2", reply["callback"])
	pc.expectSilence(t, 300*time.Millisecond)
}

func TestHub_UnsubscribeStopsPushes(t *testing.T) {
	env := newTestEnv(t, 2)
	store := &nameStore{}
	svc := rpc.MustService(store,
		rpc.Subscribes("get_names", "names"),
		rpc.Notifies("change_name", 0, "names"),
	)
	require.NoError(t, env.registry.Register("names", svc, false))

	pc := env.open(t)
	pc.send(t, map[string]any{"method": "names.get_names", "client": "client-a"})
	pc.recv(t)

	require.Eventually(t, func() bool {
		return len(env.bus.Channels()) == 1
	}, time.Second, 10*time.Millisecond)

	pc.send(t, map[string]any{"action": "unsubscribe", "client": "client-a"})
	require.Eventually(t, func() bool {
		return len(env.bus.Channels()) == 0
	}, time.Second, 10*time.Millisecond)

	pc.send(t, map[string]any{
		"method": "names.change_name", "params": []any{"bob"},
		"client": "client-b", "callback": "cb-1",
	})
	reply := pc.recv(t)
	assert.Equal(t, "cb-1", reply["callback"])
	pc.expectSilence(t, 300*time.Millisecond)
}

// slowService records invocation order; the first call stalls so a second
// worker could overtake it if per-client serialization were broken.
type slowService struct {
	mu    sync.Mutex
	calls []float64
}

func (s *slowService) Step(n float64) {
	if n == 1 {
		time.Sleep(150 * time.Millisecond)
	}
	s.mu.Lock()
	s.calls = append(s.calls, n)
	s.mu.Unlock()
}

func (s *slowService) order() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64{}, s.calls...)
}

func TestHub_PerClientSerialization(t *testing.T) {
	env := newTestEnv(t, 4)
	svc := &slowService{}
	require.NoError(t, env.registry.Register("slow", rpc.MustService(svc), false))

	pc := env.open(t)
	pc.send(t, map[string]any{"method": "slow.step", "params": []any{1}, "client": "client-a"})
	pc.send(t, map[string]any{"method": "slow.step", "params": []any{2}, "client": "client-a"})

	require.Eventually(t, func() bool {
		return len(svc.order()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []float64{1, 2}, svc.order())
}

func TestHub_ProtocolErrors(t *testing.T) {
	env := newTestEnv(t, 2)
	require.NoError(t, env.registry.Register("echo", rpc.MustService(echoService{}), false))

	pc := env.open(t)

	pc.sendRaw(t, []byte(`[1, 2, 3]`))
	frame := pc.recv(t)
	assert.Contains(t, frame["error"], "json objects")

	pc.send(t, map[string]any{"client": "c1"})
	frame = pc.recv(t)
	assert.Contains(t, frame["error"], "no method or action")

	pc.send(t, map[string]any{"method": "unqualified", "client": "c1", "callback": "cb"})
	frame = pc.recv(t)
	assert.NotEmpty(t, frame["error"])
	assert.Equal(t, "c1", frame["client"])
	assert.Equal(t, "cb", frame["callback"])

	pc.send(t, map[string]any{"method": "echo.missing", "client": "c1", "callback": "cb"})
	frame = pc.recv(t)
	assert.Contains(t, frame["error"], "missing")
}

func TestHub_CloseReleasesSubscriptions(t *testing.T) {
	env := newTestEnv(t, 2)
	store := &nameStore{}
	svc := rpc.MustService(store, rpc.Subscribes("get_names", "names"))
	require.NoError(t, env.registry.Register("names", svc, false))

	pc := env.open(t)
	pc.send(t, map[string]any{"method": "names.get_names", "client": "client-a"})
	pc.recv(t)

	require.Eventually(t, func() bool {
		return env.hub.ActiveSessions() == 1 && len(env.bus.Channels()) == 1
	}, time.Second, 10*time.Millisecond)

	pc.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return env.hub.ActiveSessions() == 0 && len(env.bus.Channels()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magfest/sideboard/pkg/lifecycle"
)

// peerServer is a scriptable remote: every inbound frame is recorded and
// handed to handle together with the connection it arrived on.
type peerServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	frames []request

	handle func(ctx context.Context, conn *websocket.Conn, req request)
}

func newPeerServer(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn, req request)) *peerServer {
	t.Helper()
	p := &peerServer{handle: handle}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var req request
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			p.mu.Lock()
			p.frames = append(p.frames, req)
			p.mu.Unlock()
			if p.handle != nil {
				p.handle(r.Context(), conn, req)
			}
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peerServer) wsURL() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *peerServer) received() []request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]request{}, p.frames...)
}

func sendFrame(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func startClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	stopped := lifecycle.NewLatch()
	t.Cleanup(stopped.Set)

	c := NewClient(cfg, stopped)
	c.Start()
	t.Cleanup(c.Close)

	require.Eventually(t, c.Connected, 3*time.Second, 20*time.Millisecond)
	return c
}

func TestClient_CallRoundTrip(t *testing.T) {
	peer := newPeerServer(t, func(ctx context.Context, conn *websocket.Conn, req request) {
		if req.Method == "echo.echo" {
			sendFrame(ctx, conn, map[string]any{"data": req.Params, "callback": req.Callback})
		}
	})
	c := startClient(t, Config{URL: peer.wsURL(), CallTimeout: 2 * time.Second})

	data, err := c.Call(context.Background(), "echo.echo", []string{"hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `["hello"]`, string(data))
}

func TestClient_CallRemoteError(t *testing.T) {
	peer := newPeerServer(t, func(ctx context.Context, conn *websocket.Conn, req request) {
		sendFrame(ctx, conn, map[string]any{"error": "boom", "callback": req.Callback})
	})
	c := startClient(t, Config{URL: peer.wsURL(), CallTimeout: 2 * time.Second})

	_, err := c.Call(context.Background(), "bad.call", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
}

func TestClient_CallTimeoutRemovesPending(t *testing.T) {
	peer := newPeerServer(t, nil) // never replies
	c := startClient(t, Config{URL: peer.wsURL(), CallTimeout: time.Second})

	start := time.Now()
	_, err := c.Call(context.Background(), "slow.slow", nil)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 1500*time.Millisecond)

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, pending)
}

func TestClient_SubscribeRoutesPushes(t *testing.T) {
	peer := newPeerServer(t, func(ctx context.Context, conn *websocket.Conn, req request) {
		if req.Client != "" && req.Action == "" {
			sendFrame(ctx, conn, map[string]any{"data": 1, "client": req.Client})
			sendFrame(ctx, conn, map[string]any{"data": 2, "client": req.Client})
		}
	})
	c := startClient(t, Config{URL: peer.wsURL()})

	got := make(chan string, 4)
	sub := c.Subscribe(Callback{
		Callback: func(data json.RawMessage) { got <- string(data) },
	}, "counter.watch", nil)
	assert.True(t, strings.HasPrefix(sub.ID(), "client-"))

	for _, want := range []string{"1", "2"} {
		select {
		case v := <-got:
			assert.Equal(t, want, v)
		case <-time.After(2 * time.Second):
			t.Fatal("push never arrived")
		}
	}
}

func TestClient_SubscribeErrorRoutesToErrback(t *testing.T) {
	peer := newPeerServer(t, func(ctx context.Context, conn *websocket.Conn, req request) {
		if req.Client != "" {
			sendFrame(ctx, conn, map[string]any{"error": "subscription failed", "client": req.Client})
		}
	})
	c := startClient(t, Config{URL: peer.wsURL()})

	errs := make(chan string, 1)
	c.Subscribe(Callback{
		Callback: func(json.RawMessage) { t.Error("data callback must not run") },
		Errback:  func(msg string) { errs <- msg },
	}, "counter.watch", nil)

	select {
	case msg := <-errs:
		assert.Equal(t, "subscription failed", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("errback never ran")
	}
}

func TestClient_UnsubscribeDropsRecordAndNotifiesPeer(t *testing.T) {
	peer := newPeerServer(t, nil)
	c := startClient(t, Config{URL: peer.wsURL()})

	sub := c.Subscribe(Callback{Callback: func(json.RawMessage) {}}, "counter.watch", nil)
	sub.Unsubscribe()

	c.mu.Lock()
	subs := len(c.subs)
	c.mu.Unlock()
	assert.Zero(t, subs)

	require.Eventually(t, func() bool {
		for _, f := range peer.received() {
			if f.Action == "unsubscribe" && f.Client == sub.ID() {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClient_RefiresSubscriptionsAfterReconnect(t *testing.T) {
	var dropFirst sync.Once
	peer := newPeerServer(t, func(ctx context.Context, conn *websocket.Conn, req request) {
		if req.Client != "" && req.Action == "" {
			// Kill the first connection right after the subscribe lands.
			dropFirst.Do(func() {
				conn.Close(websocket.StatusGoingAway, "restarting")
			})
		}
	})
	c := startClient(t, Config{URL: peer.wsURL(), ReconnectInterval: 2 * time.Second})

	params := []any{"v1"}
	c.Subscribe(Callback{
		Callback:  func(json.RawMessage) {},
		Paramback: func() any { return []any{"v2"} },
	}, "counter.watch", params)

	// The reconnect path must re-send the subscription with the paramback
	// value instead of the original params.
	require.Eventually(t, func() bool {
		var subscribes []request
		for _, f := range peer.received() {
			if f.Client != "" && f.Action == "" {
				subscribes = append(subscribes, f)
			}
		}
		if len(subscribes) < 2 {
			return false
		}
		refired, _ := json.Marshal(subscribes[len(subscribes)-1].Params)
		return string(refired) == `["v2"]`
	}, 10*time.Second, 50*time.Millisecond)
}

func TestClient_SetMethodRepointsSubscription(t *testing.T) {
	peer := newPeerServer(t, nil)
	c := startClient(t, Config{URL: peer.wsURL()})

	sub := c.Subscribe(Callback{Callback: func(json.RawMessage) {}}, "counter.watch", nil)
	sub.SetMethod("counter.watch_all")

	require.Eventually(t, func() bool {
		for _, f := range peer.received() {
			if f.Method == "counter.watch_all" && f.Client == sub.ID() {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	c.mu.Lock()
	method := c.subs[sub.ID()].method
	c.mu.Unlock()
	assert.Equal(t, "counter.watch_all", method)
}

package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/magfest/sideboard/pkg/lifecycle"
)

var (
	// ErrTimeout is returned when a synchronous call gets no reply within
	// the configured call timeout.
	ErrTimeout = errors.New("upstream call timed out")

	// ErrStopped is returned when a call is abandoned because the process
	// is shutting down.
	ErrStopped = errors.New("upstream client stopped")

	// ErrNotConnected is returned when a frame cannot be sent because no
	// connection is currently established.
	ErrNotConnected = errors.New("upstream not connected")
)

// RemoteError carries an error frame received from the remote peer.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Config holds the connection settings for one upstream peer.
type Config struct {
	URL string

	// CallTimeout bounds synchronous calls. Default 10s.
	CallTimeout time.Duration

	// PollInterval is the keepalive cadence. Default 30s.
	PollInterval time.Duration

	// ReconnectInterval caps the exponential reconnect backoff.
	// Default 60s.
	ReconnectInterval time.Duration

	// TLS enables mutual TLS on the outbound dial when set.
	TLS *tls.Config
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 60 * time.Second
	}
	return c
}

// Callback describes where a subscription's pushes go. Only Callback is
// required; Errback defaults to logging, Paramback regenerates params on
// reconnect refire, and Client pins the client id instead of generating one.
type Callback struct {
	Callback  func(data json.RawMessage)
	Errback   func(message string)
	Paramback func() any
	Client    string
}

// request is an outbound frame.
type request struct {
	Method   string `json:"method,omitempty"`
	Params   any    `json:"params,omitempty"`
	Client   string `json:"client,omitempty"`
	Callback string `json:"callback,omitempty"`
	Action   string `json:"action,omitempty"`
}

// reply is an inbound frame.
type reply struct {
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Client   string          `json:"client,omitempty"`
	Callback string          `json:"callback,omitempty"`
	Trigger  string          `json:"trigger,omitempty"`
}

type outcome struct {
	data json.RawMessage
	err  error
}

type subscription struct {
	method string
	params any
	cb     Callback
}

// Client is a long-lived outbound websocket to a peer server. A 1 Hz
// checker reconnects with capped exponential backoff and polls the peer's
// keepalive method; a dispatcher goroutine routes inbound frames to
// pending calls and subscriptions by callback or client id.
type Client struct {
	cfg     Config
	stopped *lifecycle.Latch

	// Fallback handles inbound frames matching no pending call and no
	// subscription. Defaults to logging.
	Fallback func(client, callback string, data json.RawMessage)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.RWMutex
	conn   *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan outcome
	subs    map[string]*subscription

	seq atomic.Uint64

	backoff  time.Duration
	nextDial time.Time
	lastPoll time.Time
}

// NewClient creates a client for the given peer. Start must be called to
// begin connecting.
func NewClient(cfg Config, stopped *lifecycle.Latch) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg.withDefaults(),
		stopped: stopped,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan outcome),
		subs:    make(map[string]*subscription),
		backoff: time.Second,
	}
}

// Start launches the checker. The first connection attempt happens on the
// first tick, about one second later.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.checker()
}

// Close tears the client down and abandons pending calls.
func (c *Client) Close() {
	c.cancel()
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	c.wg.Wait()
}

// Connected reports whether a websocket is currently established.
func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

func (c *Client) nextID(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, c.seq.Add(1))
}

// checker ticks once per second: reconnect when disconnected (respecting
// backoff), keepalive-poll when connected.
func (c *Client) checker() {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// First attempt right away rather than waiting for the first tick.
	c.dial()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopped.Done():
			return
		case <-ticker.C:
		}

		if !c.Connected() {
			if time.Now().After(c.nextDial) {
				c.dial()
			}
			continue
		}

		if time.Since(c.lastPoll) >= c.cfg.PollInterval {
			c.poll()
		}
	}
}

func (c *Client) dial() {
	dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.cfg.TLS != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: c.cfg.TLS},
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, opts)
	if err != nil {
		slog.Warn("Upstream dial failed",
			"url", c.cfg.URL, "backoff", c.backoff, "error", err)
		c.nextDial = time.Now().Add(c.backoff)
		c.backoff = min(c.backoff*2, c.cfg.ReconnectInterval)
		return
	}
	conn.SetReadLimit(1 << 20)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.backoff = time.Second
	c.lastPoll = time.Now()
	slog.Info("Upstream connected", "url", c.cfg.URL)

	c.wg.Add(1)
	go c.dispatch(conn)

	c.refire()
}

// poll invokes the peer's keepalive; a failed poll closes the socket so
// the next tick reconnects.
func (c *Client) poll() {
	c.lastPoll = time.Now()
	if _, err := c.Call(c.ctx, "sideboard.poll", nil); err != nil {
		slog.Warn("Upstream poll failed, closing socket",
			"url", c.cfg.URL, "error", err)
		c.dropConn(nil)
	}
}

// dispatch drains inbound frames for one connection until it dies.
func (c *Client) dispatch(conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.dropConn(conn)

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("Upstream read failed", "url", c.cfg.URL, "error", err)
			}
			return
		}

		var f reply
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("Invalid upstream frame", "url", c.cfg.URL, "error", err)
			continue
		}
		c.route(&f)
	}
}

// dropConn clears the current connection. When conn is non-nil only that
// exact connection is dropped, so a stale dispatcher cannot kill its
// successor.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.connMu.Lock()
	current := c.conn
	if conn == nil || current == conn {
		c.conn = nil
	} else {
		current = nil
	}
	c.connMu.Unlock()

	if current != nil {
		_ = current.Close(websocket.StatusGoingAway, "")
	}
}

func (c *Client) route(f *reply) {
	if f.Callback != "" {
		c.mu.Lock()
		ch, ok := c.pending[f.Callback]
		if ok {
			delete(c.pending, f.Callback)
		}
		c.mu.Unlock()

		if ok {
			if f.Error != "" {
				ch <- outcome{err: &RemoteError{Message: f.Error}}
			} else {
				ch <- outcome{data: f.Data}
			}
			return
		}
	}

	if f.Client != "" {
		c.mu.Lock()
		sub := c.subs[f.Client]
		c.mu.Unlock()

		if sub != nil {
			c.deliver(f, sub)
			return
		}
	}

	if c.Fallback != nil {
		c.Fallback(f.Client, f.Callback, f.Data)
		return
	}
	slog.Warn("Unroutable upstream frame",
		"url", c.cfg.URL, "client", f.Client, "callback", f.Callback)
}

func (c *Client) deliver(f *reply, sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Subscription callback panicked",
				"url", c.cfg.URL, "client", f.Client, "panic", r)
		}
	}()

	if f.Error != "" {
		if sub.cb.Errback != nil {
			sub.cb.Errback(f.Error)
		} else {
			slog.Error("Upstream subscription error",
				"url", c.cfg.URL, "client", f.Client, "error", f.Error)
		}
		return
	}
	if sub.cb.Callback != nil {
		sub.cb.Callback(f.Data)
	}
}

func (c *Client) send(v any) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode upstream frame: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// Call sends a synchronous request and waits for the matching reply,
// bounded by the call timeout, the context, and process shutdown. The
// pending entry is removed on every exit path.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	cb := c.nextID("callback-")
	ch := make(chan outcome, 1)

	c.mu.Lock()
	c.pending[cb] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cb)
		c.mu.Unlock()
	}()

	if err := c.send(request{Method: method, Params: params, Callback: cb}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.data, out.err
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.cfg.CallTimeout)
	case <-c.stopped.Done():
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe records a subscription and sends the subscribe frame. Send
// failures are non-fatal: the reconnect path refires every stored
// subscription.
func (c *Client) Subscribe(cb Callback, method string, params any) *Subscription {
	id := cb.Client
	if id == "" {
		id = c.nextID("client-")
	}

	c.mu.Lock()
	c.subs[id] = &subscription{method: method, params: params, cb: cb}
	c.mu.Unlock()

	if err := c.send(request{Method: method, Params: params, Client: id}); err != nil {
		slog.Warn("Subscribe send failed, will refire on reconnect",
			"url", c.cfg.URL, "client", id, "method", method, "error", err)
	}
	return &Subscription{client: c, id: id}
}

// Unsubscribe drops the stored record and best-effort tells the peer.
func (c *Client) Unsubscribe(id string) {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := c.send(request{Action: "unsubscribe", Client: id}); err != nil {
		slog.Debug("Unsubscribe send failed",
			"url", c.cfg.URL, "client", id, "error", err)
	}
}

// refire re-sends every stored subscription after a reconnect, using the
// paramback when one was provided.
func (c *Client) refire() {
	c.mu.Lock()
	snapshot := make(map[string]*subscription, len(c.subs))
	for id, sub := range c.subs {
		snapshot[id] = sub
	}
	c.mu.Unlock()

	for id, sub := range snapshot {
		params := sub.params
		if sub.cb.Paramback != nil {
			params = sub.cb.Paramback()
		}
		if err := c.send(request{Method: sub.method, Params: params, Client: id}); err != nil {
			slog.Warn("Subscription refire failed",
				"url", c.cfg.URL, "client", id, "method", sub.method, "error", err)
		}
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	client *Client
	id     string
}

// ID returns the client id this subscription occupies on the peer.
func (s *Subscription) ID() string { return s.id }

// Unsubscribe releases the subscription locally and on the peer.
func (s *Subscription) Unsubscribe() { s.client.Unsubscribe(s.id) }

// SetMethod repoints the subscription at a different remote method and
// re-sends it, keeping the same client id and params.
func (s *Subscription) SetMethod(method string) {
	c := s.client
	c.mu.Lock()
	sub := c.subs[s.id]
	if sub != nil {
		sub.method = method
	}
	c.mu.Unlock()
	if sub == nil {
		return
	}

	params := sub.params
	if sub.cb.Paramback != nil {
		params = sub.cb.Paramback()
	}
	if err := c.send(request{Method: method, Params: params, Client: s.id}); err != nil {
		slog.Warn("Subscription method update failed",
			"url", c.cfg.URL, "client", s.id, "method", method, "error", err)
	}
}

package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/magfest/sideboard/pkg/rpc"
)

// cachedQuery holds enough state to re-invoke the exact original
// subscription call when one of its channels is notified.
type cachedQuery struct {
	bound      *rpc.BoundMethod
	params     rpc.Params
	clientData map[string]any
}

// Session is one accepted websocket connection: its transport, its
// subscription caches, and its per-client serialization locks.
//
// Lock order within a session: dispatchMu (shared by workers, exclusive
// by Close) -> client lock -> stateMu -> sendMu. No path takes them in
// any other order.
type Session struct {
	id   string
	user string
	hub  *Hub
	conn Conn

	ctx    context.Context
	cancel context.CancelFunc

	closing atomic.Bool

	// dispatchMu serializes close cleanup against in-flight responder
	// and trigger steps.
	dispatchMu sync.RWMutex

	// sendMu guarantees frame atomicity on the wire.
	sendMu sync.Mutex

	// stateMu guards the four per-client maps.
	stateMu       sync.Mutex
	clientLocks   map[string]*sync.Mutex
	cachedQueries map[string]map[string]*cachedQuery
	fingerprints  map[string]map[string]string
	passthroughs  map[string]rpc.Unsubscriber
}

func newSession(hub *Hub, conn Conn, id, user string, parent context.Context) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:            id,
		user:          user,
		hub:           hub,
		conn:          conn,
		ctx:           ctx,
		cancel:        cancel,
		clientLocks:   make(map[string]*sync.Mutex),
		cachedQueries: make(map[string]map[string]*cachedQuery),
		fingerprints:  make(map[string]map[string]string),
		passthroughs:  make(map[string]rpc.Unsubscriber),
	}
}

// ID implements bus.Subscriber.
func (s *Session) ID() string { return s.id }

// User returns the authenticated user this session was accepted for.
func (s *Session) User() string { return s.user }

// clientLock returns the serialization mutex for a client id, creating it
// on first use.
func (s *Session) clientLock(client string) *sync.Mutex {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	l, ok := s.clientLocks[client]
	if !ok {
		l = &sync.Mutex{}
		s.clientLocks[client] = l
	}
	return l
}

// lockClients acquires the locks for the given client ids in sorted order
// and returns a release function that unlocks in reverse.
func (s *Session) lockClients(clients []string) func() {
	sorted := append([]string(nil), clients...)
	sort.Strings(sorted)

	locks := make([]*sync.Mutex, len(sorted))
	for i, c := range sorted {
		locks[i] = s.clientLock(c)
		locks[i].Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// Send encodes and writes one frame, applying the dedup contract: a frame
// carrying both data and client is suppressed when its payload fingerprint
// matches the last one sent for that (client, callback). Nil-valued keys
// are stripped. Frames are dropped once the session begins closing.
func (s *Session) Send(frame Frame) error {
	if s.closing.Load() {
		return nil
	}

	for k, v := range frame {
		if v == nil {
			delete(frame, k)
		}
	}

	data, hasData := frame["data"]
	client, _ := frame["client"].(string)
	callback, _ := frame["callback"].(string)
	if hasData && client != "" {
		fp, err := s.hub.codec.Fingerprint(data)
		if err != nil {
			return fmt.Errorf("fingerprint: %w", err)
		}
		if s.checkAndStoreFingerprint(client, callback, fp) {
			slog.Debug("Suppressing duplicate push", "client", client, "callback", callback)
			return nil
		}
	}

	payload, err := s.hub.codec.Canonical(map[string]any(frame))
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return s.write(payload)
}

// checkAndStoreFingerprint returns true when an identical payload was
// already sent for (client, callback). A first send is never suppressed.
func (s *Session) checkAndStoreFingerprint(client, callback, fp string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	byCb, ok := s.fingerprints[client]
	if !ok {
		byCb = make(map[string]string)
		s.fingerprints[client] = byCb
	}
	prev, seen := byCb[callback]
	if seen && prev == fp {
		return true
	}
	byCb[callback] = fp
	return false
}

func (s *Session) write(payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	writeCtx, cancel := context.WithTimeout(s.ctx, s.hub.writeTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, payload)
}

// sendError logs and writes an error frame; send failures on a dying
// socket are expected and only logged.
func (s *Session) sendError(message, client, callback string) {
	if err := s.Send(errorFrame(message, client, callback)); err != nil {
		slog.Warn("Failed to send error frame", "session", s.id, "error", err)
	}
}

// SendData implements rpc.SubscriptionSink for passthrough subscriptions.
func (s *Session) SendData(client string, data any) {
	if err := s.Send(dataFrame(data, client, "", "")); err != nil {
		slog.Warn("Failed to forward upstream data", "session", s.id, "client", client, "error", err)
	}
}

// SendError implements rpc.SubscriptionSink.
func (s *Session) SendError(client string, message string) {
	s.sendError(message, client, "")
}

// updateTriggers runs at the end of every method call made on behalf of a
// client: it installs or refreshes the cached query and channel interests
// for subscribing methods, and sends the initial subscription reply.
// The caller holds the client lock.
func (s *Session) updateTriggers(ctx context.Context, client, callback string, bound *rpc.BoundMethod, params rpc.Params, result any, duration time.Duration) {
	if client == "" || s.closing.Load() {
		return
	}

	spec := bound.Spec()
	if len(spec.Subscribes) > 0 {
		call := rpc.CallFrom(ctx)
		s.storeCachedQuery(client, callback, &cachedQuery{
			bound:      bound,
			params:     params,
			clientData: call.ClientData,
		})
		s.hub.bus.UpdateSubscriptions(s, client, callback, spec.Subscribes)
		slog.Debug("Subscription registered",
			"session", s.id, "client", client, "method", bound.Qualified(),
			"channels", spec.Subscribes, "duration", duration)
	}

	// The initial subscription reply is the first data push. When the call
	// failed the responder already sent the error frame, but the cached
	// query stays so the next notification re-runs the method.
	if callback == "" && result != nil && result != NoResponse {
		frame := dataFrame(result, client, "", "subscribe")
		if err := s.Send(frame); err != nil {
			slog.Warn("Failed to send subscription reply", "session", s.id, "client", client, "error", err)
		}
	}
}

func (s *Session) storeCachedQuery(client, callback string, q *cachedQuery) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	byCb, ok := s.cachedQueries[client]
	if !ok {
		byCb = make(map[string]*cachedQuery)
		s.cachedQueries[client] = byCb
	}
	byCb[callback] = q
}

func (s *Session) cachedQuery(client, callback string) *cachedQuery {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if byCb, ok := s.cachedQueries[client]; ok {
		return byCb[callback]
	}
	return nil
}

// storePassthrough records the upstream subscription proxied for client,
// releasing any previous one.
func (s *Session) storePassthrough(client string, sub rpc.Unsubscriber) {
	s.stateMu.Lock()
	prev := s.passthroughs[client]
	s.passthroughs[client] = sub
	s.stateMu.Unlock()

	if prev != nil {
		prev.Unsubscribe()
	}
}

// Trigger implements bus.Subscriber: re-run the cached query for (client,
// callback) and push the result. Absent cache entries are a silent no-op:
// the broadcaster may race an unsubscribe, and losing one push is fine.
func (s *Session) Trigger(client, callback, trigger string) {
	s.dispatchMu.RLock()
	defer s.dispatchMu.RUnlock()
	if s.closing.Load() {
		return
	}

	lock := s.clientLock(client)
	lock.Lock()
	defer lock.Unlock()

	q := s.cachedQuery(client, callback)
	if q == nil {
		return
	}

	ctx := rpc.WithCall(s.ctx, &rpc.Call{
		User:       s.user,
		Client:     client,
		Callback:   callback,
		ClientData: q.clientData,
		Trigger:    trigger,
		Socket:     s,
	})

	result, err := s.hub.registry.Call(ctx, q.bound, q.params)
	if err != nil {
		// Leave the caches intact; the subscriber just misses this push.
		slog.Error("Trigger re-invocation failed",
			"session", s.id, "client", client, "method", q.bound.Qualified(),
			"trigger", trigger, "error", err)
		return
	}
	if result == NoResponse {
		return
	}

	if err := s.Send(dataFrame(result, client, callback, trigger)); err != nil {
		slog.Warn("Failed to send trigger push", "session", s.id, "client", client, "error", err)
	}
}

// unsubscribeClient releases everything held for one client id: channel
// interests, cached queries, fingerprints, and any passthrough proxy.
// The caller holds the client lock.
func (s *Session) unsubscribeClient(client string) {
	if client == "" {
		return
	}
	s.hub.bus.Unsubscribe(s, client)

	s.stateMu.Lock()
	delete(s.cachedQueries, client)
	delete(s.fingerprints, client)
	pt := s.passthroughs[client]
	delete(s.passthroughs, client)
	s.stateMu.Unlock()

	if pt != nil {
		pt.Unsubscribe()
	}
}

// Close tears the session down: channel bus first, then local state, then
// passthrough unsubscribes. Idempotent.
func (s *Session) Close() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}

	// Wait out in-flight responder and trigger steps.
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.hub.bus.DropSubscriber(s)

	s.stateMu.Lock()
	clients := make([]string, 0, len(s.clientLocks))
	for c := range s.clientLocks {
		clients = append(clients, c)
	}
	s.stateMu.Unlock()

	release := s.lockClients(clients)

	s.stateMu.Lock()
	passthroughs := s.passthroughs
	s.cachedQueries = make(map[string]map[string]*cachedQuery)
	s.fingerprints = make(map[string]map[string]string)
	s.passthroughs = make(map[string]rpc.Unsubscriber)
	s.stateMu.Unlock()

	release()

	ids := make([]string, 0, len(passthroughs))
	for c := range passthroughs {
		ids = append(ids, c)
	}
	sort.Strings(ids)
	for _, c := range ids {
		passthroughs[c].Unsubscribe()
	}

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	slog.Debug("Session closed", "session", s.id, "user", s.user)
}

// rawMessage re-encodes an inbound message for the call context.
func rawMessage(msg *Message) json.RawMessage {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return b
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magfest/sideboard/pkg/bus"
	"github.com/magfest/sideboard/pkg/lifecycle"
	"github.com/magfest/sideboard/pkg/rpc"
	"github.com/magfest/sideboard/pkg/sched"
	"github.com/magfest/sideboard/pkg/serial"
)

// inbound is one client message queued for the responder pool together
// with the session it arrived on.
type inbound struct {
	session *Session
	msg     *Message
}

// Hub owns every accepted websocket session and the shared responder pool
// that executes their messages. Each process has one Hub.
type Hub struct {
	registry *rpc.Registry
	bus      *bus.Bus
	codec    *serial.Registry

	writeTimeout time.Duration
	debug        bool
	stopped      *lifecycle.Latch

	responder *sched.DelayedCaller[inbound]

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub creates a Hub with the given responder pool size.
func NewHub(registry *rpc.Registry, b *bus.Bus, codec *serial.Registry, workers int, writeTimeout time.Duration, debug bool, stopped *lifecycle.Latch) *Hub {
	h := &Hub{
		registry:     registry,
		bus:          b,
		codec:        codec,
		writeTimeout: writeTimeout,
		debug:        debug,
		stopped:      stopped,
		sessions:     make(map[string]*Session),
	}
	h.responder = sched.NewDelayedCaller("responder", workers, h.respond, stopped)
	return h
}

// Start launches the responder workers.
func (h *Hub) Start() {
	h.responder.Start()
}

// Wait blocks until the responder workers have exited.
func (h *Hub) Wait() {
	h.responder.Wait()
}

// ActiveSessions returns the number of open websocket sessions.
func (h *Hub) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HandleConnection runs the read loop for one accepted connection and
// blocks until it closes. Malformed frames get an immediate error frame
// on the read loop; well-formed ones are queued for the responder pool.
func (h *Hub) HandleConnection(parentCtx context.Context, conn Conn, user string) {
	s := newSession(h, conn, uuid.New().String(), user, parentCtx)

	h.register(s)
	defer h.unregister(s)

	slog.Debug("Session opened", "session", s.id, "user", user)

	for {
		data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}

		msg, perr := parseMessage(data)
		if perr != nil {
			slog.Warn("Invalid websocket message",
				"session", s.id, "error", perr)
			s.sendError(perr.Error(), "", "")
			continue
		}

		h.responder.Submit(inbound{session: s, msg: msg}, 0)
	}
}

// parseMessage decodes an inbound frame, rejecting anything that is not a
// JSON object with either a method or an action.
func parseMessage(data []byte) (*Message, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.New("websocket messages must be json objects")
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.New("invalid websocket message")
	}
	if msg.Method == "" && msg.Action == "" {
		return nil, errors.New("no method or action in websocket message")
	}
	return &msg, nil
}

// respond is the responder pool's handler: it executes one client message
// end to end while holding the client's serialization lock.
func (h *Hub) respond(in inbound) {
	s, msg := in.session, in.msg

	s.dispatchMu.RLock()
	defer s.dispatchMu.RUnlock()
	if s.closing.Load() {
		return
	}

	if msg.Client != "" {
		lock := s.clientLock(msg.Client)
		lock.Lock()
		defer lock.Unlock()
	}

	if msg.Action == ActionUnsubscribe {
		s.unsubscribeClient(msg.Client)
		return
	}
	if msg.Action != "" {
		s.sendError("unknown action: "+msg.Action, msg.Client, msg.Callback)
		return
	}

	bound, err := h.registry.Resolve(msg.Method)
	if err != nil {
		s.sendError(err.Error(), msg.Client, msg.Callback)
		return
	}

	params, err := rpc.ParseParams(msg.Params)
	if err != nil {
		s.sendError(err.Error(), msg.Client, msg.Callback)
		return
	}

	ctx := rpc.WithCall(s.ctx, &rpc.Call{
		User:              s.user,
		Client:            msg.Client,
		Callback:          msg.Callback,
		ClientData:        s.clientData(msg.Client),
		Message:           rawMessage(msg),
		OriginatingClient: msg.Client,
		Socket:            s,
	})

	start := time.Now()
	result, callErr := h.registry.Call(ctx, bound, params)
	duration := time.Since(start)

	// A deferred result means the real reply will be pushed later by an
	// upstream service; start the proxy and suppress the local reply.
	if deferred, ok := result.(rpc.Deferred); ok && callErr == nil {
		sub, serr := deferred.Subscribe(s, msg.Client)
		if serr != nil {
			callErr = serr
		} else {
			s.storePassthrough(msg.Client, sub)
		}
		result = NoResponse
	}

	if callErr != nil {
		result = NoResponse
	}
	s.updateTriggers(ctx, msg.Client, msg.Callback, bound, params, result, duration)

	if callErr != nil {
		slog.Error("Method call failed",
			"session", s.id, "method", msg.Method, "client", msg.Client,
			"duration", duration, "error", callErr)
		s.sendError(h.errorMessage(callErr), msg.Client, msg.Callback)
		return
	}

	if msg.Callback != "" && result != NoResponse {
		if err := s.Send(dataFrame(result, msg.Client, msg.Callback, "")); err != nil {
			slog.Warn("Failed to send reply",
				"session", s.id, "method", msg.Method, "error", err)
		}
	}
}

// errorMessage decides how much detail a client sees. Handler internals
// leak only in debug mode; dispatch errors are always safe to echo.
func (h *Hub) errorMessage(err error) string {
	var herr *rpc.HandlerError
	if errors.As(err, &herr) && !h.debug {
		return "unexpected error"
	}
	return err.Error()
}

// clientData returns the persisted per-client scratch map, creating it on
// first use so handlers can stash state across calls for the same client.
func (s *Session) clientData(client string) map[string]any {
	if client == "" {
		return map[string]any{}
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if byCb, ok := s.cachedQueries[client]; ok {
		for _, q := range byCb {
			if q.clientData != nil {
				return q.clientData
			}
		}
	}
	return map[string]any{}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()

	s.Close()
}

// Shutdown closes every open session. Called during server teardown after
// the listener stops accepting.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

package rpc

import (
	"context"
	"encoding/json"
)

// Call carries the per-invocation state every handler can observe: who is
// calling, over which socket, with which subscription identity. A fresh
// Call is installed at the start of each handling step (responder message,
// scheduler trigger, JSON-RPC request) and never leaks across steps.
type Call struct {
	// User is the authenticated user of the transport, if any.
	User string

	// Client and Callback identify the subscription / reply slot chosen
	// by the remote peer for this message.
	Client   string
	Callback string

	// ClientData is the sticky per-subscription scratch map. A snapshot
	// is captured into the cached query at subscribe time and re-installed
	// by the trigger path, so subscription callbacks observe stable state
	// across re-invocations.
	ClientData map[string]any

	// Message is the raw inbound frame, when the call originates from a
	// websocket message.
	Message json.RawMessage

	// Trigger is the label of the notification that caused a re-invocation,
	// or "subscribe" for the initial reply.
	Trigger string

	// OriginatingClient is the client id whose action caused this call;
	// the broadcaster skips fan-out back to it.
	OriginatingClient string

	// Socket is the owning websocket session, when any. Typed as any to
	// keep this package transport-free; handlers that need it assert the
	// session interface they require.
	Socket any
}

type callKey struct{}

// WithCall installs c as the invocation state of ctx.
func WithCall(ctx context.Context, c *Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFrom extracts the invocation state, or an empty Call when none was
// installed (direct in-process invocation).
func CallFrom(ctx context.Context) *Call {
	if c, ok := ctx.Value(callKey{}).(*Call); ok && c != nil {
		return c
	}
	return &Call{}
}

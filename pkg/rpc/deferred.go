package rpc

// SubscriptionSink receives pushed results for a proxied subscription.
// Implemented by the websocket session that owns the source client.
type SubscriptionSink interface {
	// SendData pushes a data frame for the given client id.
	SendData(client string, data any)

	// SendError pushes an error frame for the given client id.
	SendError(client string, message string)
}

// Unsubscriber releases a proxied subscription. Sessions call it on
// explicit unsubscribe and during close cleanup.
type Unsubscriber interface {
	Unsubscribe()
}

// Deferred is returned by a handler whose reply will arrive later from an
// upstream service. Instead of sending a response frame, the session
// starts the deferred subscription and forwards every upstream push to
// the source client until it unsubscribes or disconnects.
type Deferred interface {
	Subscribe(sink SubscriptionSink, client string) (Unsubscriber, error)
}

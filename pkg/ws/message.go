package ws

import (
	"encoding/json"
)

// ActionUnsubscribe is the only internal action a client may request.
const ActionUnsubscribe = "unsubscribe"

// Message is an inbound websocket frame. Unknown keys are tolerated and
// ignored by the json decoder.
type Message struct {
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Client   string          `json:"client,omitempty"`
	Callback string          `json:"callback,omitempty"`
	Action   string          `json:"action,omitempty"`
}

// Frame is an outbound wire object. Sessions strip nil values before
// encoding, so optional keys are simply left nil.
type Frame map[string]any

// dataFrame builds a success frame; empty client/callback/trigger are
// dropped by the send path's nil stripping.
func dataFrame(data any, client, callback, trigger string) Frame {
	f := Frame{"data": data}
	if client != "" {
		f["client"] = client
	}
	if callback != "" {
		f["callback"] = callback
	}
	if trigger != "" {
		f["trigger"] = trigger
	}
	return f
}

// errorFrame builds a failure frame echoing the triggering ids.
func errorFrame(message, client, callback string) Frame {
	f := Frame{"error": message}
	if client != "" {
		f["client"] = client
	}
	if callback != "" {
		f["callback"] = callback
	}
	return f
}

// noResponse is the sentinel result meaning the reply was already
// delivered elsewhere, either by the trigger path or as an error frame.
type noResponse struct{}

// NoResponse suppresses the responder's reply frame when returned by a
// handler or substituted by the dispatch path.
var NoResponse any = noResponse{}

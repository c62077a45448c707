package upstream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/magfest/sideboard/pkg/rpc"
)

// ProxyService exposes the remote service named remote through this
// client. Plain calls forward synchronously; calls arriving with a client
// id become passthrough subscriptions, so the remote's pushes flow back to
// the subscriber's socket.
func (c *Client) ProxyService(remote string) *rpc.Service {
	return rpc.NewDynamicService(func(method string) rpc.HandlerFunc {
		qualified := remote + "." + method
		return func(ctx context.Context, p rpc.Params) (any, error) {
			if rpc.CallFrom(ctx).Client != "" {
				return &passthrough{client: c, method: qualified, params: p}, nil
			}
			data, err := c.Call(ctx, qualified, p)
			if err != nil {
				return nil, err
			}
			return decodeResult(data)
		}
	})
}

// passthrough defers the reply to the upstream peer: the session starts it
// via Subscribe and forwards every push to the source client.
type passthrough struct {
	client *Client
	method string
	params rpc.Params
}

func (p *passthrough) Subscribe(sink rpc.SubscriptionSink, srcClient string) (rpc.Unsubscriber, error) {
	sub := p.client.Subscribe(Callback{
		Callback: func(data json.RawMessage) {
			v, err := decodeResult(data)
			if err != nil {
				sink.SendError(srcClient, err.Error())
				return
			}
			sink.SendData(srcClient, v)
		},
		Errback: func(message string) {
			sink.SendError(srcClient, message)
		},
	}, p.method, p.params)
	return sub, nil
}

func decodeResult(data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Directory is the process-wide view of configured upstream peers. The
// websocket client for a service is the default transport; the JSON-RPC
// client is the synchronous-only alternative.
type Directory struct {
	mu      sync.RWMutex
	ws      map[string]*Client
	jsonrpc map[string]*JSONRPCClient
}

func NewDirectory() *Directory {
	return &Directory{
		ws:      make(map[string]*Client),
		jsonrpc: make(map[string]*JSONRPCClient),
	}
}

func (d *Directory) AddWebSocket(name string, c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ws[name] = c
}

func (d *Directory) AddJSONRPC(name string, c *JSONRPCClient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jsonrpc[name] = c
}

// WebSocket returns the persistent websocket client for a configured
// remote service.
func (d *Directory) WebSocket(name string) (*Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.ws[name]
	return c, ok
}

// JSONRPC returns the synchronous HTTP client for a configured remote
// service.
func (d *Directory) JSONRPC(name string) (*JSONRPCClient, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.jsonrpc[name]
	return c, ok
}

// Close shuts down every websocket client.
func (d *Directory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.ws {
		c.Close()
	}
}

package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/magfest/sideboard/pkg/rpc"
)

// JSONRPCClient is the synchronous-only alternative to the websocket
// client: one HTTP POST per call, no subscriptions, no reconnect state.
type JSONRPCClient struct {
	url  string
	http *http.Client
	seq  atomic.Uint64
}

// NewJSONRPCClient creates a client posting to a peer's /jsonrpc endpoint.
func NewJSONRPCClient(url string, tlsCfg *tls.Config, timeout time.Duration) *JSONRPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	if tlsCfg != nil {
		hc.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	return &JSONRPCClient{url: url, http: hc}
}

type jsonrpcRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpcError   `json:"error"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonrpcError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Call posts one request and decodes the reply.
func (j *JSONRPCClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(jsonrpcRequest{
		ID:     j.seq.Add(1),
		Method: method,
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode jsonrpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc post: %w", err)
	}
	defer resp.Body.Close()

	var out jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode jsonrpc response: %w", err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	return out.Result, nil
}

// ProxyService exposes the remote service named remote through synchronous
// JSON-RPC calls. Subscriptions are not supported on this transport.
func (j *JSONRPCClient) ProxyService(remote string) *rpc.Service {
	return rpc.NewDynamicService(func(method string) rpc.HandlerFunc {
		qualified := remote + "." + method
		return func(ctx context.Context, p rpc.Params) (any, error) {
			data, err := j.Call(ctx, qualified, p)
			if err != nil {
				return nil, err
			}
			return decodeResult(data)
		}
	})
}

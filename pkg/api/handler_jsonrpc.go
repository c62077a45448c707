package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/magfest/sideboard/pkg/rpc"
)

// jsonrpcVersion is stamped on every response, success or error.
const jsonrpcVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// maxRequestBody bounds a JSON-RPC request body.
const maxRequestBody = 1 << 20

// jsonrpcRequest is the accepted POST body. websocket_client lets a page
// that also holds a websocket session mark its own subscriptions as the
// origin, so notifications triggered by this call skip them.
type jsonrpcRequest struct {
	ID              json.RawMessage `json:"id"`
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params"`
	WebSocketClient string          `json:"websocket_client"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// jsonrpcHandler handles POST /jsonrpc. Any textual content type is
// accepted; only the body matters.
func (s *Server) jsonrpcHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody))
	if err != nil {
		return s.rpcError(c, nil, codeParseError, "unreadable request body", nil)
	}

	// Parse errors are reserved for malformed JSON; a well-formed body of
	// the wrong shape is an invalid request instead.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		if !json.Valid(body) {
			return s.rpcError(c, nil, codeParseError, "invalid json", nil)
		}
		return s.rpcError(c, nil, codeInvalidRequest, "request must be a json object", nil)
	}

	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return s.rpcError(c, probe["id"], codeInvalidRequest, "malformed request member", nil)
	}
	if req.Method == "" {
		return s.rpcError(c, req.ID, codeInvalidRequest, "method is required", nil)
	}

	bound, err := s.registry.Resolve(req.Method)
	if err != nil {
		return s.rpcError(c, req.ID, codeMethodNotFound, err.Error(), nil)
	}

	// Scalars are promoted to a one-element positional list on the
	// websocket transport; here params must be an object or array.
	if p := bytes.TrimSpace(req.Params); len(p) > 0 &&
		!bytes.Equal(p, []byte("null")) && p[0] != '{' && p[0] != '[' {
		return s.rpcError(c, req.ID, codeInvalidParams, "params must be an object or array", nil)
	}

	params, err := rpc.ParseParams(req.Params)
	if err != nil {
		return s.rpcError(c, req.ID, codeInvalidParams, err.Error(), nil)
	}

	ctx := rpc.WithCall(c.Request().Context(), &rpc.Call{
		User:              extractUser(c),
		Message:           body,
		OriginatingClient: req.WebSocketClient,
	})

	result, err := s.registry.Call(ctx, bound, params)
	if err != nil {
		code := codeInternalError
		switch {
		case errors.Is(err, rpc.ErrInvalidParams):
			code = codeInvalidParams
		case errors.Is(err, rpc.ErrUnknownService),
			errors.Is(err, rpc.ErrUnknownMethod),
			errors.Is(err, rpc.ErrForbidden):
			code = codeMethodNotFound
		}

		msg := err.Error()
		var data any
		var herr *rpc.HandlerError
		if errors.As(err, &herr) {
			if s.cfg.Debug {
				if herr.Stack != "" {
					data = map[string]any{"traceback": herr.Stack}
				}
			} else {
				msg = "unexpected error"
			}
		}
		return s.rpcError(c, req.ID, code, msg, data)
	}

	encoded, err := s.codec.Encode(result)
	if err != nil {
		return s.rpcError(c, req.ID, codeInternalError, "unserializable result", nil)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"jsonrpc": jsonrpcVersion,
		"id":      normalizeID(req.ID),
		"result":  encoded,
	})
}

func (s *Server) rpcError(c *echo.Context, id json.RawMessage, code int, message string, data any) error {
	return c.JSON(http.StatusOK, map[string]any{
		"jsonrpc": jsonrpcVersion,
		"id":      normalizeID(id),
		"error":   jsonrpcError{Code: code, Message: message, Data: data},
	})
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

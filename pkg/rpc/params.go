package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Params is the tagged variant of an inbound params payload: positional
// (JSON array), keyword (JSON object), or empty. A bare scalar is treated
// as a single positional argument.
type Params struct {
	Positional []json.RawMessage
	Keyword    map[string]json.RawMessage
}

// IsEmpty reports whether no arguments were supplied.
func (p Params) IsEmpty() bool {
	return len(p.Positional) == 0 && len(p.Keyword) == 0
}

// ParseParams classifies a raw params payload. Absent or null params parse
// to the empty Params.
func ParseParams(raw json.RawMessage) (Params, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Params{}, nil
	}

	switch trimmed[0] {
	case '{':
		var kw map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &kw); err != nil {
			return Params{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return Params{Keyword: kw}, nil
	case '[':
		var pos []json.RawMessage
		if err := json.Unmarshal(trimmed, &pos); err != nil {
			return Params{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return Params{Positional: pos}, nil
	default:
		// A lone scalar becomes a single positional argument.
		if !json.Valid(trimmed) {
			return Params{}, fmt.Errorf("%w: not valid JSON", ErrInvalidParams)
		}
		return Params{Positional: []json.RawMessage{append(json.RawMessage(nil), trimmed...)}}, nil
	}
}

// PositionalParams builds Params from Go values, for in-process callers
// (upstream proxies, triggers re-invoking cached queries).
func PositionalParams(args ...any) (Params, error) {
	pos := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return Params{}, fmt.Errorf("%w: arg %d: %v", ErrInvalidParams, i, err)
		}
		pos[i] = b
	}
	return Params{Positional: pos}, nil
}

// KeywordParams builds keyword Params from a Go map.
func KeywordParams(kwargs map[string]any) (Params, error) {
	kw := make(map[string]json.RawMessage, len(kwargs))
	for k, v := range kwargs {
		b, err := json.Marshal(v)
		if err != nil {
			return Params{}, fmt.Errorf("%w: kwarg %s: %v", ErrInvalidParams, k, err)
		}
		kw[k] = b
	}
	return Params{Keyword: kw}, nil
}

// MarshalJSON renders Params back to the wire shape: an array for
// positional, an object for keyword, null when empty.
func (p Params) MarshalJSON() ([]byte, error) {
	switch {
	case len(p.Keyword) > 0:
		return json.Marshal(p.Keyword)
	case len(p.Positional) > 0:
		return json.Marshal(p.Positional)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON parses the wire shape via ParseParams.
func (p *Params) UnmarshalJSON(data []byte) error {
	parsed, err := ParseParams(data)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Package serial provides the pluggable value encoder used for every frame
// Sideboard writes, plus the canonical JSON encoding that payload
// fingerprints are computed from.
package serial

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// Encoding errors. Callers branch with errors.Is.
var (
	ErrDuplicateType   = fmt.Errorf("serial: type already registered")
	ErrUnsupportedType = fmt.Errorf("serial: unsupported type")
)

// EncoderFunc converts a domain value into a JSON-compatible value.
type EncoderFunc func(v any) (any, error)

// Date is a calendar day without a time component, rendered as YYYY-MM-DD.
type Date time.Time

// Set is a string set, rendered as a sorted JSON array.
type Set map[string]struct{}

// maxEncodeDepth bounds encoder recursion so a misbehaving encoder that
// returns its own input cannot loop forever.
const maxEncodeDepth = 64

type registration struct {
	typ reflect.Type
	enc EncoderFunc
}

// Registry maps Go types to JSON encoders. Lookup prefers an exact type
// match and falls back to the first registered type the value is assignable
// to (interfaces, embedded bases), in registration order.
type Registry struct {
	mu      sync.RWMutex
	byType  map[reflect.Type]EncoderFunc
	ordered []registration
}

// NewRegistry returns a registry with the base encoder set installed:
// time.Time, Date, Set and plain map[string]struct{} sets.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[reflect.Type]EncoderFunc)}

	must := func(sample any, enc EncoderFunc) {
		if err := r.Register(sample, enc); err != nil {
			panic(err)
		}
	}

	must(time.Time{}, func(v any) (any, error) {
		return v.(time.Time).Format("2006-01-02 15:04:05.000000"), nil
	})
	must(Date{}, func(v any) (any, error) {
		return time.Time(v.(Date)).Format("2006-01-02"), nil
	})
	must(Set{}, func(v any) (any, error) {
		return sortedKeys(map[string]struct{}(v.(Set))), nil
	})
	must(map[string]struct{}{}, func(v any) (any, error) {
		return sortedKeys(v.(map[string]struct{})), nil
	})
	return r
}

// Register installs an encoder for the concrete type of sample. Interface
// types register via a nil pointer sample, e.g. (*fmt.Stringer)(nil).
// Registering the same type twice fails with ErrDuplicateType.
func (r *Registry) Register(sample any, enc EncoderFunc) error {
	t := reflect.TypeOf(sample)
	if t == nil {
		return fmt.Errorf("serial: cannot register nil type")
	}
	if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Interface {
		t = t.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byType[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t)
	}
	r.byType[t] = enc
	r.ordered = append(r.ordered, registration{typ: t, enc: enc})
	return nil
}

// encoderFor resolves the encoder for t: exact match first, then the first
// registered assignable type in registration order.
func (r *Registry) encoderFor(t reflect.Type) EncoderFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if enc, ok := r.byType[t]; ok {
		return enc
	}
	for _, reg := range r.ordered {
		if reg.typ.Kind() == reflect.Interface && t.Implements(reg.typ) {
			return reg.enc
		}
		if reg.typ.Kind() != reflect.Interface && t != reg.typ && t.ConvertibleTo(reg.typ) && t.Kind() == reg.typ.Kind() && t.Kind() == reflect.Struct {
			return reg.enc
		}
	}
	return nil
}

// Encode normalizes v into JSON-native values (maps, slices, scalars) by
// applying registered encoders recursively.
func (r *Registry) Encode(v any) (any, error) {
	return r.normalize(v, 0)
}

// Canonical returns the canonical JSON encoding of v: registered encoders
// applied, object keys sorted, tightest separators, no whitespace.
// encoding/json provides sorted keys and minimal separators for maps.
func (r *Registry) Canonical(v any) ([]byte, error) {
	n, err := r.normalize(v, 0)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

// Fingerprint returns the hex md5 of the canonical encoding of v. It is
// used only for equality comparison between sent payloads.
func (r *Registry) Fingerprint(v any) (string, error) {
	b, err := r.Canonical(v)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

func (r *Registry) normalize(v any, depth int) (any, error) {
	if depth > maxEncodeDepth {
		return nil, fmt.Errorf("serial: max encode depth exceeded")
	}
	if v == nil {
		return nil, nil
	}

	t := reflect.TypeOf(v)
	if enc := r.encoderFor(t); enc != nil {
		out, err := enc(v)
		if err != nil {
			return nil, err
		}
		// Encoders may return values that themselves need encoding, but a
		// value of the same type would recurse forever.
		if reflect.TypeOf(out) == t {
			return out, nil
		}
		return r.normalize(out, depth+1)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return v, nil

	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return r.normalize(rv.Elem().Interface(), depth+1)

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			n, err := r.normalize(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil

	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, err := mapKey(iter.Key())
			if err != nil {
				return nil, err
			}
			n, err := r.normalize(iter.Value().Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil

	case reflect.Struct:
		// Unregistered structs go through their json tags, then get
		// re-normalized so nested registered types are still honored.
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (%v)", ErrUnsupportedType, t, err)
		}
		var m any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("serial: reparse of %s: %w", t, err)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
}

func mapKey(k reflect.Value) (string, error) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprint(k.Interface()), nil
	default:
		return "", fmt.Errorf("%w: map key %s", ErrUnsupportedType, k.Type())
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Default is the process-wide registry every transport encodes with.
// Plugins register their domain types here during startup.
var Default = NewRegistry()

// Register installs an encoder in the default registry.
func Register(sample any, enc EncoderFunc) error { return Default.Register(sample, enc) }

// Encode normalizes v with the default registry.
func Encode(v any) (any, error) { return Default.Encode(v) }

// Canonical encodes v canonically with the default registry.
func Canonical(v any) ([]byte, error) { return Default.Canonical(v) }

// Fingerprint fingerprints v with the default registry.
func Fingerprint(v any) (string, error) { return Default.Fingerprint(v) }

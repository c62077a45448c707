package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"time"
	"unicode"
)

// MethodSpec is the remotely visible description of one service method,
// including the channel annotations the subscription engine consumes.
type MethodSpec struct {
	Name string

	// Subscribes lists the channels whose notifications re-invoke this
	// method for every cached subscription.
	Subscribes []string

	// Notifies lists the channels broadcast after every invocation of
	// this method, success or failure, after NotifyDelay.
	Notifies    []string
	NotifyDelay time.Duration
}

type method struct {
	spec      MethodSpec
	fn        reflect.Value
	wantsCtx  bool
	paramType reflect.Type // nil when the method takes no params argument
	hasResult bool
	hasError  bool
	handler   HandlerFunc // set for dynamic methods; fn is unused then
}

// Service exposes a set of named callables built from a receiver's exported
// methods. Method names are published in snake_case (GetMessage becomes
// get_message). An allow-list, when present, restricts remote visibility.
type Service struct {
	methods map[string]*method
	allow   map[string]bool // nil means every discovered method is callable

	// dynamic produces methods on demand for services whose method set
	// lives elsewhere (remote proxies). Nil for static services.
	dynamic func(name string) HandlerFunc
}

// HandlerFunc is a dynamically dispatched method implementation.
type HandlerFunc func(ctx context.Context, p Params) (any, error)

// NewDynamicService builds a Service whose methods are produced on demand
// by resolve. A nil HandlerFunc from resolve means the method does not
// exist. Dynamic methods carry no channel annotations.
func NewDynamicService(resolve func(name string) HandlerFunc) *Service {
	return &Service{
		methods: make(map[string]*method),
		dynamic: resolve,
	}
}

// ServiceOption customizes method metadata after discovery.
type ServiceOption func(*Service) error

// Allow restricts the remotely callable methods to names.
func Allow(names ...string) ServiceOption {
	return func(s *Service) error {
		s.allow = make(map[string]bool, len(names))
		for _, n := range names {
			if _, ok := s.methods[n]; !ok {
				return fmt.Errorf("allow: %w: %s", ErrUnknownMethod, n)
			}
			s.allow[n] = true
		}
		return nil
	}
}

// Subscribes marks a method as a subscription source on the given channels.
func Subscribes(methodName string, channels ...any) ServiceOption {
	return func(s *Service) error {
		m, ok := s.methods[methodName]
		if !ok {
			return fmt.Errorf("subscribes: %w: %s", ErrUnknownMethod, methodName)
		}
		m.spec.Subscribes = NormalizeChannels(channels...)
		return nil
	}
}

// Notifies marks a method as broadcasting the given channels on return.
func Notifies(methodName string, delay time.Duration, channels ...any) ServiceOption {
	return func(s *Service) error {
		m, ok := s.methods[methodName]
		if !ok {
			return fmt.Errorf("notifies: %w: %s", ErrUnknownMethod, methodName)
		}
		m.spec.Notifies = NormalizeChannels(channels...)
		m.spec.NotifyDelay = delay
		return nil
	}
}

// Rename publishes a discovered method under a different wire name.
func Rename(from, to string) ServiceOption {
	return func(s *Service) error {
		m, ok := s.methods[from]
		if !ok {
			return fmt.Errorf("rename: %w: %s", ErrUnknownMethod, from)
		}
		delete(s.methods, from)
		m.spec.Name = to
		s.methods[to] = m
		return nil
	}
}

var (
	ctxType   = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType   = reflect.TypeOf((*error)(nil)).Elem()
	paramsTyp = reflect.TypeOf(Params{})
)

// NewService builds a Service from receiver's exported methods. Methods
// must look like func([ctx], [P]) ([R], [error]); non-conforming exported
// methods are skipped. P binding is described on BindParam.
func NewService(receiver any, opts ...ServiceOption) (*Service, error) {
	rv := reflect.ValueOf(receiver)
	rt := rv.Type()

	s := &Service{methods: make(map[string]*method)}
	for i := 0; i < rt.NumMethod(); i++ {
		mi := rt.Method(i)
		if !mi.IsExported() {
			continue
		}
		m, ok := adaptMethod(rv.Method(i))
		if !ok {
			continue
		}
		m.spec.Name = snakeCase(mi.Name)
		s.methods[m.spec.Name] = m
	}
	if len(s.methods) == 0 {
		return nil, fmt.Errorf("service %T exposes no callable methods", receiver)
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustService is NewService for static registrations that cannot fail.
func MustService(receiver any, opts ...ServiceOption) *Service {
	s, err := NewService(receiver, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func adaptMethod(fn reflect.Value) (*method, bool) {
	ft := fn.Type()
	m := &method{fn: fn}

	in := 0
	if ft.NumIn() > in && ft.In(in) == ctxType {
		m.wantsCtx = true
		in++
	}
	if ft.NumIn() > in {
		m.paramType = ft.In(in)
		in++
	}
	if ft.NumIn() != in || ft.IsVariadic() {
		return nil, false
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errType {
			m.hasError = true
		} else {
			m.hasResult = true
		}
	case 2:
		if ft.Out(1) != errType {
			return nil, false
		}
		m.hasResult = true
		m.hasError = true
	default:
		return nil, false
	}
	return m, true
}

// MethodNames returns the sorted wire names of all discovered methods.
func (s *Service) MethodNames() []string {
	names := make([]string, 0, len(s.methods))
	for n := range s.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Spec returns the metadata for a method, if it exists.
func (s *Service) Spec(name string) (MethodSpec, bool) {
	m, ok := s.methods[name]
	if !ok {
		return MethodSpec{}, false
	}
	return m.spec, true
}

func (s *Service) lookup(name string) (*method, error) {
	if strings.HasPrefix(name, "_") {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, name)
	}
	m, ok := s.methods[name]
	if !ok {
		if s.dynamic != nil {
			if h := s.dynamic(name); h != nil {
				return &method{spec: MethodSpec{Name: name}, handler: h}, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, name)
	}
	if s.allow != nil && !s.allow[name] {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, name)
	}
	return m, nil
}

// invoke binds params and calls the underlying function. Binding failures
// return ErrInvalidParams; handler failures (error return or panic) return
// *HandlerError.
func (m *method) invoke(ctx context.Context, p Params) (result any, err error) {
	if m.handler != nil {
		defer func() {
			if r := recover(); r != nil {
				err = &HandlerError{
					Method: m.spec.Name,
					Err:    fmt.Errorf("panic: %v", r),
					Stack:  string(debug.Stack()),
				}
			}
		}()
		return m.handler(ctx, p)
	}

	var args []reflect.Value
	if m.wantsCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	if m.paramType != nil {
		pv, bindErr := BindParam(m.paramType, p)
		if bindErr != nil {
			return nil, bindErr
		}
		args = append(args, pv)
	} else if !p.IsEmpty() {
		return nil, fmt.Errorf("%w: method %s takes no arguments", ErrInvalidParams, m.spec.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				Method: m.spec.Name,
				Err:    fmt.Errorf("panic: %v", r),
				Stack:  string(debug.Stack()),
			}
		}
	}()

	out := m.fn.Call(args)
	i := 0
	if m.hasResult {
		result = out[i].Interface()
		i++
	}
	if m.hasError {
		if e, _ := out[i].Interface().(error); e != nil {
			return nil, &HandlerError{Method: m.spec.Name, Err: e}
		}
	}
	return result, nil
}

// BindParam converts Params into a value of type t:
//
//   - rpc.Params passes through untouched,
//   - slices and arrays bind the positional list,
//   - maps bind the keyword object,
//   - structs bind keyword params by json tag, or positional params to
//     exported fields in declaration order,
//   - scalars bind a single positional argument.
func BindParam(t reflect.Type, p Params) (reflect.Value, error) {
	if t == paramsTyp {
		return reflect.ValueOf(p), nil
	}

	isPtr := t.Kind() == reflect.Pointer
	base := t
	if isPtr {
		base = t.Elem()
	}

	pv := reflect.New(base)
	switch base.Kind() {
	case reflect.Slice, reflect.Array:
		if len(p.Keyword) > 0 {
			return reflect.Value{}, fmt.Errorf("%w: expected positional params", ErrInvalidParams)
		}
		if err := unmarshalParams(p.Positional, pv.Interface()); err != nil {
			return reflect.Value{}, err
		}

	case reflect.Map:
		if len(p.Positional) > 0 {
			return reflect.Value{}, fmt.Errorf("%w: expected keyword params", ErrInvalidParams)
		}
		if err := unmarshalKeyword(p.Keyword, pv.Interface()); err != nil {
			return reflect.Value{}, err
		}

	case reflect.Struct:
		switch {
		case len(p.Keyword) > 0:
			if err := unmarshalKeyword(p.Keyword, pv.Interface()); err != nil {
				return reflect.Value{}, err
			}
		case len(p.Positional) > 0:
			if err := bindPositionalStruct(pv.Elem(), p.Positional); err != nil {
				return reflect.Value{}, err
			}
		}

	case reflect.Interface:
		if base.NumMethod() != 0 {
			return reflect.Value{}, fmt.Errorf("%w: cannot bind %s", ErrInvalidParams, t)
		}
		raw, err := singlePositional(p)
		if err != nil {
			return reflect.Value{}, err
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return reflect.Value{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		pv.Elem().Set(reflect.ValueOf(&v).Elem())

	default:
		raw, err := singlePositional(p)
		if err != nil {
			return reflect.Value{}, err
		}
		if err := json.Unmarshal(raw, pv.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}

	if isPtr {
		return pv, nil
	}
	return pv.Elem(), nil
}

func singlePositional(p Params) (json.RawMessage, error) {
	if len(p.Keyword) > 0 {
		return nil, fmt.Errorf("%w: expected a single positional argument", ErrInvalidParams)
	}
	if len(p.Positional) != 1 {
		return nil, fmt.Errorf("%w: expected 1 argument, got %d", ErrInvalidParams, len(p.Positional))
	}
	return p.Positional[0], nil
}

func unmarshalParams(pos []json.RawMessage, target any) error {
	b, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := json.Unmarshal(b, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

func unmarshalKeyword(kw map[string]json.RawMessage, target any) error {
	b, err := json.Marshal(kw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := json.Unmarshal(b, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// bindPositionalStruct assigns positional arguments to the exported fields
// of dst in declaration order.
func bindPositionalStruct(dst reflect.Value, pos []json.RawMessage) error {
	var fields []reflect.Value
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("json") == "-" {
			continue
		}
		fields = append(fields, dst.Field(i))
	}
	if len(pos) > len(fields) {
		return fmt.Errorf("%w: expected at most %d arguments, got %d", ErrInvalidParams, len(fields), len(pos))
	}
	for i, raw := range pos {
		if err := json.Unmarshal(raw, fields[i].Addr().Interface()); err != nil {
			return fmt.Errorf("%w: arg %d: %v", ErrInvalidParams, i, err)
		}
	}
	return nil
}

// NormalizeChannels trims channel names, drops nils and blanks, collapses
// duplicates preserving first-seen order, and renders non-string values as
// their type name.
func NormalizeChannels(channels ...any) []string {
	var out []string
	seen := make(map[string]bool)
	for _, ch := range channels {
		var name string
		switch v := ch.(type) {
		case nil:
			continue
		case string:
			name = strings.TrimSpace(v)
		default:
			name = strings.TrimSpace(reflect.TypeOf(ch).String())
			if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
				name = name[idx+1:]
			}
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// snakeCase converts an exported Go method name to its wire form:
// GetMessage -> get_message, GetHTTPStatus -> get_http_status.
func snakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && (prevLower || nextLower) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

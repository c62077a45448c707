package rpc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Notifier receives channel broadcasts posted after methods annotated with
// Notifies return. Implemented by the notification scheduler.
type Notifier interface {
	Notify(channels []string, trigger string, delay time.Duration, originatingClient string)
}

// BoundMethod is a resolved service.method ready to invoke.
type BoundMethod struct {
	Service string
	Method  string
	m       *method
}

// Spec returns the resolved method's metadata.
func (b *BoundMethod) Spec() MethodSpec { return b.m.spec }

// Qualified returns the service.method string.
func (b *BoundMethod) Qualified() string { return b.Service + "." + b.Method }

// Registry maps service names to Services and dispatches qualified method
// calls. Registrations happen during startup; lookups are lock-free after
// that (sync.Map), and iteration tolerates concurrent additions.
type Registry struct {
	services sync.Map // name -> *Service

	mu       sync.RWMutex
	notifier Notifier
}

// NewRegistry returns a registry pre-populated with the built-in sideboard
// service (the poll keepalive target for upstream clients).
func NewRegistry() *Registry {
	r := &Registry{}
	if err := r.Register("sideboard", MustService(coreService{}), false); err != nil {
		panic(err)
	}
	return r
}

// SetNotifier wires the notification scheduler. Called once during startup.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

func (r *Registry) getNotifier() Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notifier
}

// Register adds a service under name. Names are unique; re-registration
// fails with ErrDuplicateService unless override is set.
func (r *Registry) Register(name string, svc *Service, override bool) error {
	if name == "" || strings.Contains(name, ".") {
		return fmt.Errorf("invalid service name %q", name)
	}
	if override {
		r.services.Store(name, svc)
		return nil
	}
	if _, loaded := r.services.LoadOrStore(name, svc); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	return nil
}

// Lookup returns the service registered under name.
func (r *Registry) Lookup(name string) (*Service, bool) {
	v, ok := r.services.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Service), true
}

// Range iterates the live service view.
func (r *Registry) Range(f func(name string, svc *Service) bool) {
	r.services.Range(func(k, v any) bool {
		return f(k.(string), v.(*Service))
	})
}

// Resolve parses a qualified "service.method" string and returns the bound
// method. The string must contain exactly one dot.
func (r *Registry) Resolve(qualified string) (*BoundMethod, error) {
	parts := strings.Split(qualified, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadQualifiedMethod, qualified)
	}
	svc, ok := r.Lookup(parts[0])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, parts[0])
	}
	m, err := svc.lookup(parts[1])
	if err != nil {
		return nil, err
	}
	return &BoundMethod{Service: parts[0], Method: parts[1], m: m}, nil
}

// Call invokes a bound method and, whether it succeeds or fails, posts the
// method's notify channels to the scheduler afterwards. This is the single
// enforcement point for notify annotations across every transport.
func (r *Registry) Call(ctx context.Context, b *BoundMethod, params Params) (any, error) {
	defer func() {
		spec := b.m.spec
		if len(spec.Notifies) == 0 {
			return
		}
		if n := r.getNotifier(); n != nil {
			n.Notify(spec.Notifies, b.Method, spec.NotifyDelay, CallFrom(ctx).OriginatingClient)
		}
	}()
	return b.m.invoke(ctx, params)
}

// coreService is the built-in "sideboard" service.
type coreService struct{}

// Poll returns trivially; upstream clients invoke it as a keepalive.
func (coreService) Poll() bool { return true }

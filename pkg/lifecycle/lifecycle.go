// Package lifecycle coordinates ordered startup/shutdown hooks and the
// global stop latch observed by every background loop.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Latch is a resettable stop signal. Background loops select on Done and
// exit promptly once the latch is set. Clearing re-arms the latch for a
// subsequent startup (used by tests that cycle a server).
type Latch struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewLatch returns a cleared latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Set trips the latch. Safe to call multiple times.
func (l *Latch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		l.set = true
		close(l.ch)
	}
}

// Clear re-arms a tripped latch.
func (l *Latch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		l.set = false
		l.ch = make(chan struct{})
	}
}

// IsSet reports whether the latch has been tripped.
func (l *Latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// Done returns a channel that is closed while the latch is set.
func (l *Latch) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

type hook struct {
	name     string
	priority int
	seq      int
	fn       func(context.Context) error
}

// Hooks is a pair of priority-ordered hook registries. Startup hooks run in
// ascending priority order; shutdown hooks run in descending order with
// failures logged and swallowed so every hook gets its chance to clean up.
type Hooks struct {
	mu       sync.Mutex
	startup  []hook
	shutdown []hook
	seq      int

	// Stopped is cleared by Startup and set by Shutdown.
	Stopped *Latch
}

// NewHooks returns an empty hook registry with a fresh stop latch.
func NewHooks() *Hooks {
	return &Hooks{Stopped: NewLatch()}
}

// OnStartup registers fn to run during Startup. Lower priorities run first;
// hooks sharing a priority run in registration order.
func (h *Hooks) OnStartup(name string, priority int, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.startup = append(h.startup, hook{name: name, priority: priority, seq: h.seq, fn: fn})
}

// OnShutdown registers fn to run during Shutdown. Higher priorities run first,
// mirroring startup order.
func (h *Hooks) OnShutdown(name string, priority int, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.shutdown = append(h.shutdown, hook{name: name, priority: priority, seq: h.seq, fn: fn})
}

// Startup clears the stop latch and runs all startup hooks in order.
// The first hook error aborts startup and is returned.
func (h *Hooks) Startup(ctx context.Context) error {
	h.Stopped.Clear()

	for _, hk := range h.snapshot(h.startupHooks(), true) {
		slog.Debug("Running startup hook", "hook", hk.name, "priority", hk.priority)
		if err := hk.fn(ctx); err != nil {
			return fmt.Errorf("startup hook %s: %w", hk.name, err)
		}
	}
	return nil
}

// Shutdown sets the stop latch and runs all shutdown hooks in reverse
// priority order. Hook errors and panics are logged, never propagated.
func (h *Hooks) Shutdown(ctx context.Context) {
	h.Stopped.Set()

	for _, hk := range h.snapshot(h.shutdownHooks(), false) {
		h.runShutdownHook(ctx, hk)
	}
}

func (h *Hooks) runShutdownHook(ctx context.Context, hk hook) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Shutdown hook panicked", "hook", hk.name, "panic", r)
		}
	}()
	if err := hk.fn(ctx); err != nil {
		slog.Error("Shutdown hook failed", "hook", hk.name, "error", err)
	}
}

func (h *Hooks) startupHooks() []hook {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hook(nil), h.startup...)
}

func (h *Hooks) shutdownHooks() []hook {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hook(nil), h.shutdown...)
}

// snapshot sorts hooks by priority. ascending=false reverses the order for
// shutdown while keeping registration order stable within a priority.
func (h *Hooks) snapshot(hooks []hook, ascending bool) []hook {
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].priority != hooks[j].priority {
			if ascending {
				return hooks[i].priority < hooks[j].priority
			}
			return hooks[i].priority > hooks[j].priority
		}
		return hooks[i].seq < hooks[j].seq
	})
	return hooks
}

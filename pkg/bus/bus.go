// Package bus is the global notification fan-out registry: it maps channel
// names to the websocket subscriptions interested in them, and to the
// in-process callbacks registered by plugin code.
package bus

import (
	"context"
	"sort"
	"sync"
)

// Subscriber is one websocket session's view from the bus. Keying is by
// ID so the bus never compares connection objects directly.
type Subscriber interface {
	ID() string

	// Trigger re-runs the cached query for (client, callback) and pushes
	// the result if it changed. Called from broadcaster workers.
	Trigger(client, callback, trigger string)
}

// Triple is one subscription's presence on one channel. An empty Callback
// means the subscription was created without a callback id.
type Triple struct {
	Subscriber Subscriber
	Client     string
	Callback   string
}

// LocalCallback is an in-process channel listener.
type LocalCallback func(ctx context.Context)

// interest tracks every (client, callback) pair one subscriber holds on
// one channel.
type interest struct {
	sub     Subscriber
	clients map[string]map[string]struct{} // client -> set of callback ids
}

// Bus guards both registries with a single mutex: subscription updates and
// fan-out enumeration must not overlap.
type Bus struct {
	mu      sync.Mutex
	remote  map[string]map[string]*interest // channel -> subscriber id -> interest
	local   map[string][]LocalCallback
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		remote: make(map[string]map[string]*interest),
		local:  make(map[string][]LocalCallback),
	}
}

// UpdateSubscriptions moves the (sub, client, callback) triple onto exactly
// the listed channels: it is first removed from every channel, then added
// to each new one. A method whose declared channel list changes between
// invocations therefore migrates atomically with no stale entries.
func (b *Bus) UpdateSubscriptions(sub Subscriber, client, callback string, channels []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(sub.ID(), client, callback)

	for _, ch := range channels {
		subs, ok := b.remote[ch]
		if !ok {
			subs = make(map[string]*interest)
			b.remote[ch] = subs
		}
		in, ok := subs[sub.ID()]
		if !ok {
			in = &interest{sub: sub, clients: make(map[string]map[string]struct{})}
			subs[sub.ID()] = in
		}
		cbs, ok := in.clients[client]
		if !ok {
			cbs = make(map[string]struct{})
			in.clients[client] = cbs
		}
		cbs[callback] = struct{}{}
	}
}

// Unsubscribe removes every channel entry for (sub, client), regardless of
// callback id.
func (b *Bus) Unsubscribe(sub Subscriber, client string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch, subs := range b.remote {
		if in, ok := subs[sub.ID()]; ok {
			delete(in.clients, client)
			if len(in.clients) == 0 {
				delete(subs, sub.ID())
			}
		}
		if len(subs) == 0 {
			delete(b.remote, ch)
		}
	}
}

// DropSubscriber purges every channel entry referencing the subscriber.
// Called from the socket close path before local state teardown.
func (b *Bus) DropSubscriber(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch, subs := range b.remote {
		delete(subs, sub.ID())
		if len(subs) == 0 {
			delete(b.remote, ch)
		}
	}
}

// Triples enumerates every interest triple across the named channels. The
// same (sub, client, callback) registered on several of the channels is
// returned once.
func (b *Bus) Triples(channels []string) []Triple {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Triple
	seen := make(map[Triple]bool)
	for _, ch := range channels {
		for _, in := range b.remote[ch] {
			for client, cbs := range in.clients {
				for cb := range cbs {
					t := Triple{Subscriber: in.sub, Client: client, Callback: cb}
					if !seen[t] {
						seen[t] = true
						out = append(out, t)
					}
				}
			}
		}
	}
	return out
}

// Channels returns the sorted channel names that currently have remote
// interest. Used by tests and the debug endpoint.
func (b *Bus) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.remote))
	for ch := range b.remote {
		names = append(names, ch)
	}
	sort.Strings(names)
	return names
}

// HasSubscriber reports whether any channel still references the
// subscriber id.
func (b *Bus) HasSubscriber(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.remote {
		if _, ok := subs[id]; ok {
			return true
		}
	}
	return false
}

// ListenLocal registers an in-process callback for a channel.
func (b *Bus) ListenLocal(channel string, fn LocalCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.local[channel] = append(b.local[channel], fn)
}

// LocalCallbacks returns the in-process callbacks registered across the
// named channels.
func (b *Bus) LocalCallbacks(channels []string) []LocalCallback {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []LocalCallback
	for _, ch := range channels {
		out = append(out, b.local[ch]...)
	}
	return out
}

func (b *Bus) removeLocked(subID, client, callback string) {
	for ch, subs := range b.remote {
		in, ok := subs[subID]
		if !ok {
			continue
		}
		if cbs, ok := in.clients[client]; ok {
			delete(cbs, callback)
			if len(cbs) == 0 {
				delete(in.clients, client)
			}
		}
		if len(in.clients) == 0 {
			delete(subs, subID)
		}
		if len(subs) == 0 {
			delete(b.remote, ch)
		}
	}
}

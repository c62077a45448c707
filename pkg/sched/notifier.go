package sched

import (
	"context"
	"log/slog"
	"time"

	"github.com/magfest/sideboard/pkg/bus"
	"github.com/magfest/sideboard/pkg/lifecycle"
	"github.com/magfest/sideboard/pkg/rpc"
)

// Notification is one queued channel broadcast. The trigger label is
// informational only; subscribers see it in the pushed frame.
type Notification struct {
	Channels          []string
	Trigger           string
	OriginatingClient string
}

// Notifier couples method calls to channel fan-out. Every notification is
// enqueued onto two delayed queues: the broadcaster (remote websocket
// triples) and the local broadcaster (in-process callbacks). Each queue
// has its own single worker so a slow remote socket never starves local
// callbacks, and vice versa.
type Notifier struct {
	bus   *bus.Bus
	bcast *DelayedCaller[Notification]
	local *DelayedCaller[Notification]
}

// NewNotifier builds the scheduler around the given bus. Start launches
// the two worker loops.
func NewNotifier(b *bus.Bus, stopped *lifecycle.Latch) *Notifier {
	n := &Notifier{bus: b}
	n.bcast = NewDelayedCaller("broadcaster", 1, n.fanOutRemote, stopped)
	n.local = NewDelayedCaller("local-broadcaster", 1, n.fanOutLocal, stopped)
	return n
}

// Start launches both broadcast workers.
func (n *Notifier) Start() {
	n.bcast.Start()
	n.local.Start()
}

// Notify normalizes the channel list and enqueues the notification onto
// both queues with the same delay. Implements rpc.Notifier.
func (n *Notifier) Notify(channels []string, trigger string, delay time.Duration, originatingClient string) {
	args := make([]any, len(channels))
	for i, ch := range channels {
		args[i] = ch
	}
	normalized := rpc.NormalizeChannels(args...)
	if len(normalized) == 0 {
		return
	}

	note := Notification{
		Channels:          normalized,
		Trigger:           trigger,
		OriginatingClient: originatingClient,
	}
	n.bcast.Submit(note, delay)
	n.local.Submit(note, delay)
}

// fanOutRemote triggers every interested websocket subscription except
// those belonging to the originating client. Failures are isolated per
// triple: one bad subscriber never costs the rest their push.
func (n *Notifier) fanOutRemote(note Notification) {
	for _, t := range n.bus.Triples(note.Channels) {
		if note.OriginatingClient != "" && t.Client == note.OriginatingClient {
			continue
		}
		n.safeTrigger(t, note.Trigger)
	}
}

func (n *Notifier) safeTrigger(t bus.Triple, trigger string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Subscription trigger panicked",
				"client", t.Client, "callback", t.Callback, "trigger", trigger, "panic", r)
		}
	}()
	t.Subscriber.Trigger(t.Client, t.Callback, trigger)
}

// fanOutLocal runs each registered in-process callback under a fresh call
// context carrying the trigger label and originating client.
func (n *Notifier) fanOutLocal(note Notification) {
	ctx := rpc.WithCall(context.Background(), &rpc.Call{
		Trigger:           note.Trigger,
		OriginatingClient: note.OriginatingClient,
	})
	for _, fn := range n.bus.LocalCallbacks(note.Channels) {
		n.safeLocal(ctx, fn, note.Trigger)
	}
}

func (n *Notifier) safeLocal(ctx context.Context, fn bus.LocalCallback, trigger string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Local channel callback panicked", "trigger", trigger, "panic", r)
		}
	}()
	fn(ctx)
}

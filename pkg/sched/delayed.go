// Package sched provides the pooled delayed-dispatch primitive shared by
// the responder pool and the two notification broadcasters, plus the
// notification scheduler itself.
package sched

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/magfest/sideboard/pkg/lifecycle"
)

// readyBuffer bounds the ready queue. The feeder blocks promoting due
// entries while the buffer is full, which back-pressures delayed work
// without dropping it.
const readyBuffer = 1024

type entry[T any] struct {
	val T
	due time.Time
	seq uint64 // preserves submit order among equal due times
}

type entryHeap[T any] []entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T]) Push(x any) { *h = append(*h, x.(entry[T])) }

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// DelayedCaller runs a fixed pool of workers over a ready FIFO fed by a
// min-heap of delayed entries. Submit with zero delay bypasses the heap,
// so immediate work keeps strict FIFO order. Handler panics are recovered
// and logged; the pool keeps running until the stop latch trips.
type DelayedCaller[T any] struct {
	name    string
	workers int
	handler func(T)
	stopped *lifecycle.Latch

	submitCh chan entry[T]
	readyCh  chan T

	seqMu sync.Mutex
	seq   uint64

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewDelayedCaller builds a pool. Start must be called before Submit has
// any effect.
func NewDelayedCaller[T any](name string, workers int, handler func(T), stopped *lifecycle.Latch) *DelayedCaller[T] {
	if workers < 1 {
		workers = 1
	}
	return &DelayedCaller[T]{
		name:     name,
		workers:  workers,
		handler:  handler,
		stopped:  stopped,
		submitCh: make(chan entry[T]),
		readyCh:  make(chan T, readyBuffer),
	}
}

// Start launches the feeder and worker goroutines.
func (d *DelayedCaller[T]) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1 + d.workers)
		go func() {
			defer d.wg.Done()
			d.feed()
		}()
		for i := 0; i < d.workers; i++ {
			go func() {
				defer d.wg.Done()
				d.work()
			}()
		}
	})
}

// Wait blocks until all goroutines have exited after the stop latch trips.
func (d *DelayedCaller[T]) Wait() { d.wg.Wait() }

// Submit enqueues an item for dispatch after delay. Items submitted after
// shutdown are dropped.
func (d *DelayedCaller[T]) Submit(item T, delay time.Duration) {
	if delay <= 0 {
		select {
		case d.readyCh <- item:
		case <-d.stopped.Done():
		}
		return
	}

	d.seqMu.Lock()
	d.seq++
	seq := d.seq
	d.seqMu.Unlock()

	select {
	case d.submitCh <- entry[T]{val: item, due: time.Now().Add(delay), seq: seq}:
	case <-d.stopped.Done():
	}
}

// feed owns the delay heap: it accepts delayed submissions and promotes
// due entries into the ready queue.
func (d *DelayedCaller[T]) feed() {
	var h entryHeap[T]
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		var timerC <-chan time.Time
		for h.Len() > 0 {
			wait := time.Until(h[0].due)
			if wait > 0 {
				timer.Reset(wait)
				timerC = timer.C
				break
			}
			it := heap.Pop(&h).(entry[T])
			select {
			case d.readyCh <- it.val:
			case <-d.stopped.Done():
				return
			}
		}

		select {
		case it := <-d.submitCh:
			heap.Push(&h, it)
			if timerC != nil && !timer.Stop() {
				<-timer.C
			}
		case <-timerC:
		case <-d.stopped.Done():
			return
		}
	}
}

// work dispatches one ready entry per iteration.
func (d *DelayedCaller[T]) work() {
	for {
		select {
		case item := <-d.readyCh:
			d.dispatch(item)
		case <-d.stopped.Done():
			return
		}
	}
}

func (d *DelayedCaller[T]) dispatch(item T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Worker panicked", "pool", d.name, "panic", r)
		}
	}()
	d.handler(item)
}

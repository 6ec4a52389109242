package dagengine

import (
	"context"
	"log"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// node is the capability interface the engine's node table stores.
// It is the "per-type generic node classes plus a capability
// interface" design: call sites keep Cell[T]'s static typing,
// while the engine's internal table stays homogeneous.
type node interface {
	Index() CellIndex
	Kind() Kind
	ValueType() reflect.Type
	DependencyIndices() []CellIndex
	Status() Status
	IsComputing() bool
	HasChanged() bool

	// Evaluate forces the node's memoized result, running compute at
	// most once per memo generation.
	Evaluate(ctx context.Context) (any, error)
	// ResetComputation clears the memo so the next Evaluate recomputes.
	ResetComputation()

	// connectDependencies wires this node's dep_subs to every
	// dependency's cell-level change notifier.
	connectDependencies(e *Engine)
	// RemoveDependency tears down one dependency's wiring (used by
	// RemoveNode).
	RemoveDependency(d CellIndex)
	// DisposeSubscriptions tears down every dep_sub and update_event
	// listener this node owns.
	DisposeSubscriptions()

	// SubscribeValue wires a dependent's interest in this node's
	// cell-level "value changed" event.
	SubscribeValue(fn func(any)) (Subscription, Unsubscribe)
	// SubscribeUpdate wires a stream consumer's interest in this
	// node's update_event — deliberately a separate
	// fabric from SubscribeValue.
	SubscribeUpdate(fn func(any)) (Subscription, Unsubscribe)

	// scheduleRecompute is the counter-gated background worker that
	// the dep_subs callback triggers on a dependency change.
	scheduleRecompute()

	// SerializeValue returns the node's current value for ToJSON, and
	// whether it has one yet (a function node before its first
	// successful compute has none).
	SerializeValue() (any, bool)
}

// recomputeWorker is a pending-count gated background loop that
// guarantees at-most-one worker per node and never drops a burst of
// dependency changes: a counter-driven variant of a stopped/
// single-in-flight-run pattern, generalized from a one-shot
// cleanup-then-rerun effect into a persistent loop.
type recomputeWorker struct {
	pending atomic.Int64
	stopped atomic.Bool
	onPanic func(any, []byte)
}

func (w *recomputeWorker) stop() {
	w.stopped.Store(true)
}

// schedule increments the pending counter and, on a 0->1 transition,
// spawns the worker goroutine. run is the node's own recompute step
// (reset memo + Evaluate); it is called once per pending increment,
// coalescing bursts rather than dropping them.
func (w *recomputeWorker) schedule(ctx context.Context, run func(context.Context)) {
	if w.stopped.Load() {
		return
	}
	if w.pending.Add(1) != 1 {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if w.onPanic != nil {
					w.onPanic(r, debug.Stack())
				} else {
					log.Printf("dagengine: panic in recompute worker: %v\n%s", r, debug.Stack())
				}
			}
		}()
		for {
			if w.stopped.Load() {
				w.pending.Store(0)
				return
			}
			run(ctx)
			if w.pending.Add(-1) == 0 {
				return
			}
		}
	}()
}

// updateEvent is the per-node fan-out fired after a node's cached
// value changes, an input's value is replaced, or a compute attempt
// fails. It is the stream-facing fabric, kept deliberately
// separate from cellCore's value-changed subscribers, which exist to
// wire dependency edges. Firing on failure too lets Stream's
// re-emit-on-update listener discover the error via a fresh
// GetResult instead of being notified only on success.
type updateEvent struct {
	mu          sync.RWMutex
	subscribers map[subscriptionID]updateSubscriber
	nextID      uint64
	onPanic     func(any, []byte)
}

// updateSubscriber pairs a callback with the Subscription handle it
// was registered under, so a panic recovered mid-fire can name which
// subscription misbehaved.
type updateSubscriber struct {
	sub Subscription
	fn  func(any)
}

func newUpdateEvent(onPanic func(any, []byte)) *updateEvent {
	return &updateEvent{subscribers: make(map[subscriptionID]updateSubscriber), onPanic: onPanic}
}

func (u *updateEvent) subscribe(fn func(any)) (Subscription, Unsubscribe) {
	sub := newSubscription()

	u.mu.Lock()
	id := u.nextID
	u.nextID++
	u.subscribers[id] = updateSubscriber{sub: sub, fn: fn}
	u.mu.Unlock()

	return sub, func() {
		u.mu.Lock()
		delete(u.subscribers, id)
		u.mu.Unlock()
	}
}

func (u *updateEvent) fire(value any) {
	u.mu.RLock()
	callbacks := make([]updateSubscriber, 0, len(u.subscribers))
	for _, s := range u.subscribers {
		callbacks = append(callbacks, s)
	}
	u.mu.RUnlock()

	for _, s := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if u.onPanic != nil {
						u.onPanic(r, debug.Stack())
					} else {
						log.Printf("dagengine: panic in update listener %s: %v\n%s", s.sub.ID, r, debug.Stack())
					}
				}
			}()
			s.fn(value)
		}()
	}
}

func (u *updateEvent) dispose() {
	u.mu.Lock()
	u.subscribers = make(map[subscriptionID]updateSubscriber)
	u.mu.Unlock()
}

// depSubs tracks the dependency subscriptions a node holds, keyed by
// dependency index plus a flat list, matching the dep_subs +
// "flat subscription list" data model exactly (the flat list is what
// DisposeSubscriptions walks; the map is what RemoveDependency and
// connectDependencies' "drop existing subscription for this index"
// rule use).
type depSubs struct {
	mu    sync.Mutex
	byDep map[CellIndex]Unsubscribe
	flat  []depSub
}

// depSub is one flat-list entry, tagged with its dependency index.
type depSub struct {
	dep   CellIndex
	unsub Unsubscribe
}

func newDepSubs() *depSubs {
	return &depSubs{byDep: make(map[CellIndex]Unsubscribe)}
}

func (d *depSubs) set(dep CellIndex, unsub Unsubscribe) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.byDep[dep]; ok {
		old()
		d.removeFromFlatLocked(dep)
	}
	d.byDep[dep] = unsub
	d.flat = append(d.flat, depSub{dep: dep, unsub: unsub})
}

func (d *depSubs) remove(dep CellIndex) {
	d.mu.Lock()
	defer d.mu.Unlock()
	unsub, ok := d.byDep[dep]
	if !ok {
		return
	}
	unsub()
	delete(d.byDep, dep)
	d.removeFromFlatLocked(dep)
}

func (d *depSubs) removeFromFlatLocked(dep CellIndex) {
	for i := range d.flat {
		if d.flat[i].dep == dep {
			d.flat = append(d.flat[:i], d.flat[i+1:]...)
			return
		}
	}
}

func (d *depSubs) disposeAll() {
	d.mu.Lock()
	flat := d.flat
	d.flat = nil
	d.byDep = make(map[CellIndex]Unsubscribe)
	d.mu.Unlock()
	for _, s := range flat {
		s.unsub()
	}
}

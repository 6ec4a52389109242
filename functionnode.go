package dagengine

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// memoBox is the lazy, single-flight result cache for a function node: a
// cache that, once set, answers every Evaluate without recomputing,
// and that ResetComputation clears so the next Evaluate recomputes.
type memoBox struct {
	mu    sync.RWMutex
	value any
	err   error
	set   bool
}

func (m *memoBox) get() (any, error, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.value, m.err, m.set
}

func (m *memoBox) store(v any, err error) {
	m.mu.Lock()
	m.value, m.err, m.set = v, err, true
	m.mu.Unlock()
}

func (m *memoBox) reset() {
	m.mu.Lock()
	m.value, m.err, m.set = nil, nil, false
	m.mu.Unlock()
}

// functionNode derives its value from dependencies via a user-supplied
// compute closure. memoBox caches the result once computed; the
// computing status flag is exposed for introspection; and
// singleflight.Group collapses concurrent cold computes into one so
// at most one compute runs for this node at any instant, without a
// bespoke once-initializer.
type functionNode[T any] struct {
	index     CellIndex
	engine    *Engine
	deps      []CellIndex
	computeFn func(ctx context.Context) (T, error)

	cell   *cellCore[T]
	update *updateEvent

	memo      memoBox
	group     singleflight.Group
	computing atomic.Bool
	status    atomic.Int32

	depSubs *depSubs
	recomp  *recomputeWorker
	onPanic func(any, []byte)
}

func newFunctionNode[T any](idx CellIndex, deps []CellIndex, equal EqualFunc[T], onPanic func(any, []byte)) *functionNode[T] {
	var zero T
	n := &functionNode[T]{
		index:   idx,
		deps:    deps,
		cell:    newCellCore[T](zero, false, equal, onPanic),
		update:  newUpdateEvent(onPanic),
		depSubs: newDepSubs(),
		onPanic: onPanic,
	}
	n.recomp = &recomputeWorker{onPanic: onPanic}
	n.status.Store(int32(StatusIdle))
	return n
}

func (n *functionNode[T]) Index() CellIndex { return n.index }
func (n *functionNode[T]) Kind() Kind       { return KindFunction }

func (n *functionNode[T]) ValueType() reflect.Type {
	var zero T
	return reflect.TypeOf(&zero).Elem()
}

func (n *functionNode[T]) DependencyIndices() []CellIndex {
	out := make([]CellIndex, len(n.deps))
	copy(out, n.deps)
	return out
}

func (n *functionNode[T]) Status() Status    { return Status(n.status.Load()) }
func (n *functionNode[T]) IsComputing() bool { return n.computing.Load() }
func (n *functionNode[T]) HasChanged() bool  { return n.cell.hasChanged() }

// Evaluate forces the node's memoized result: a memo hit returns
// immediately; otherwise singleflight.Group collapses every concurrent
// caller racing to fill a cold memo onto one in-flight compute.
// Reentrancy (a node whose compute transitively awaits itself) is
// caught one level up, by resultAny's call-chain check — by the time
// a self-referential dependency reaches here, it would simply deadlock
// inside group.Do since the original call is the very goroutine
// waiting on itself.
func (n *functionNode[T]) Evaluate(ctx context.Context) (any, error) {
	if v, err, ok := n.memo.get(); ok {
		return v, err
	}

	v, err, _ := n.group.Do("compute", func() (any, error) {
		if v, err, ok := n.memo.get(); ok {
			return v, err
		}

		n.computing.Store(true)
		n.status.Store(int32(StatusProcessing))
		defer n.computing.Store(false)

		result, cerr := func() (r T, err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return n.computeFn(ctx)
		}()
		if cerr != nil {
			n.status.Store(int32(StatusFailed))
			var wrapped error = cerr
			if _, already := cerr.(*ComputeFailedError); !already {
				if _, reentrant := cerr.(*ReentrancyDetectedError); !reentrant {
					wrapped = &ComputeFailedError{Index: n.index, Err: cerr}
				}
			}
			n.memo.store(nil, wrapped)
			n.update.fire(nil)
			return nil, wrapped
		}

		n.status.Store(int32(StatusCompleted))
		n.memo.store(result, nil)
		if n.cell.setValue(result) {
			n.update.fire(result)
		}
		return result, nil
	})
	return v, err
}

// ResetComputation clears the memo so the next Evaluate call recomputes.
func (n *functionNode[T]) ResetComputation() {
	n.memo.reset()
}

func (n *functionNode[T]) connectDependencies(e *Engine) {
	for _, dep := range n.deps {
		depIdx := dep
		depNode, err := e.getNode(depIdx)
		if err != nil {
			continue
		}
		_, unsub := depNode.SubscribeValue(func(any) {
			// propagate already walks every transitive dependent of a
			// changed input synchronously already, so
			// scheduling here too would recompute this node twice for
			// the same change. This fallback only fires for a value
			// change that reaches the cell outside of propagate (there
			// is none in the current call graph, but RemoveNode and
			// manual ResetComputation callers rely on being able to
			// force a refresh through the same path scheduleRecompute
			// exposes directly).
			if e.propagating.Load() {
				return
			}
			n.recomp.schedule(context.Background(), n.recomputeStep)
		})
		n.depSubs.set(depIdx, unsub)
	}
}

func (n *functionNode[T]) recomputeStep(ctx context.Context) {
	n.ResetComputation()
	_, _ = n.Evaluate(ctx)
}

func (n *functionNode[T]) RemoveDependency(d CellIndex) {
	n.depSubs.remove(d)
	filtered := n.deps[:0:0]
	for _, dep := range n.deps {
		if dep != d {
			filtered = append(filtered, dep)
		}
	}
	n.deps = filtered
}

func (n *functionNode[T]) DisposeSubscriptions() {
	n.recomp.stop()
	n.depSubs.disposeAll()
	n.update.dispose()
}

func (n *functionNode[T]) SubscribeValue(fn func(any)) (Subscription, Unsubscribe) {
	return n.cell.subscribe(func(v T) { fn(v) })
}

func (n *functionNode[T]) SubscribeUpdate(fn func(any)) (Subscription, Unsubscribe) {
	return n.update.subscribe(fn)
}

func (n *functionNode[T]) scheduleRecompute() {
	n.recomp.schedule(context.Background(), n.recomputeStep)
}

func (n *functionNode[T]) SerializeValue() (any, bool) {
	return n.cell.get()
}

package dagengine

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Engine owns every node's lifecycle: index allocation, the node
// table, the reverse-dependency index, acyclicity enforcement, and
// the update propagation walk. The zero value is not usable;
// construct with NewEngine.
type Engine struct {
	mu    sync.RWMutex
	nodes map[CellIndex]node

	depMu      sync.RWMutex
	dependents map[CellIndex]map[CellIndex]struct{}

	nextIndex   atomic.Uint64
	refreshMu   sync.Mutex
	propagating atomic.Bool
	disposed    atomic.Bool

	onPanic func(any, []byte)
	tracer  trace.Tracer
}

// NewEngine constructs an empty engine ready to accept AddInput and
// AddFunction calls.
func NewEngine(opts ...EngineOption) *Engine {
	o := applyEngineOptions(opts)
	return &Engine{
		nodes:      make(map[CellIndex]node),
		dependents: make(map[CellIndex]map[CellIndex]struct{}),
		onPanic:    o.onPanic,
		tracer:     o.tracer,
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, idx CellIndex) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.tracer.Start(ctx, name, trace.WithAttributes(attribute.Int64("dagengine.cell_index", int64(idx))))
}

func (e *Engine) checkDisposed() error {
	if e.disposed.Load() {
		return &DisposedError{}
	}
	return nil
}

func (e *Engine) getNode(idx CellIndex) (node, error) {
	e.mu.RLock()
	n, ok := e.nodes[idx]
	e.mu.RUnlock()
	if !ok {
		return nil, &NodeNotFoundError{Index: idx}
	}
	return n, nil
}

func (e *Engine) ensureDependentsEntry(idx CellIndex) {
	e.depMu.Lock()
	if _, ok := e.dependents[idx]; !ok {
		e.dependents[idx] = make(map[CellIndex]struct{})
	}
	e.depMu.Unlock()
}

func (e *Engine) removeDependentsEntry(idx CellIndex) {
	e.depMu.Lock()
	delete(e.dependents, idx)
	e.depMu.Unlock()
}

func (e *Engine) addEdge(dependency, dependent CellIndex) {
	e.depMu.Lock()
	set, ok := e.dependents[dependency]
	if !ok {
		set = make(map[CellIndex]struct{})
		e.dependents[dependency] = set
	}
	set[dependent] = struct{}{}
	e.depMu.Unlock()
}

func (e *Engine) removeEdge(dependency, dependent CellIndex) {
	e.depMu.Lock()
	if set, ok := e.dependents[dependency]; ok {
		delete(set, dependent)
	}
	e.depMu.Unlock()
}

func (e *Engine) dependentsOf(idx CellIndex) []CellIndex {
	e.depMu.RLock()
	set := e.dependents[idx]
	out := make([]CellIndex, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	e.depMu.RUnlock()
	return out
}

// computingChainKey tags the context value carrying the chain of cell
// indices currently being evaluated on this call path. resultAny is
// the single choke point every dependency fan-out and every top-level
// GetResult/UpdateInput goes through, so a node reappearing in its own
// chain means a cycle slipped past construction-time detection (or a
// compute closure called back into a cell it is itself deriving) —
// caught here instead of deadlocking inside singleflight.
type computingChainKey struct{}

func computingChain(ctx context.Context) []CellIndex {
	chain, _ := ctx.Value(computingChainKey{}).([]CellIndex)
	return chain
}

func withComputing(ctx context.Context, idx CellIndex) context.Context {
	chain := computingChain(ctx)
	next := make([]CellIndex, len(chain), len(chain)+1)
	copy(next, chain)
	next = append(next, idx)
	return context.WithValue(ctx, computingChainKey{}, next)
}

// resultAny forces a node's memoized value without a static type,
// used internally by dependency fan-out and GetResult[T].
func (e *Engine) resultAny(ctx context.Context, idx CellIndex) (any, error) {
	n, err := e.getNode(idx)
	if err != nil {
		return nil, err
	}
	chain := computingChain(ctx)
	for _, c := range chain {
		if c == idx {
			return nil, &ReentrancyDetectedError{Chain: append(append([]CellIndex{}, chain...), idx)}
		}
	}
	ctx = withComputing(ctx, idx)
	ctx, span := e.startSpan(ctx, "dagengine.evaluate", idx)
	defer span.End()
	return n.Evaluate(ctx)
}

// AddInput allocates a new Input cell with the given initial value. It
// never fails for cycle reasons (a leaf has no dependencies) but, like
// every public operation, fails once the engine is disposed.
func AddInput[T any](e *Engine, initial T, opts ...CellOption[T]) (Cell[T], error) {
	var zero Cell[T]
	if err := e.checkDisposed(); err != nil {
		return zero, err
	}
	idx := CellIndex(e.nextIndex.Add(1) - 1)
	o := applyCellOptions(e.onPanic, opts)

	n := newInputNode[T](idx, initial, o.equal, o.onPanic)

	e.mu.Lock()
	e.nodes[idx] = n
	e.mu.Unlock()
	e.ensureDependentsEntry(idx)

	return Cell[T]{index: idx, kind: KindInput, engine: e}, nil
}

// AddFunction allocates a new Function cell whose value is derived
// from a homogeneously-typed dependency list by f. Dependency
// results are awaited concurrently via errgroup.Group, matching the
// "fan-out" step of compute's three-part contract; the first
// dependency error aborts the others.
func AddFunction[In, Out any](e *Engine, deps []Cell[In], f func(ctx context.Context, ins []In) (Out, error), opts ...CellOption[Out]) (Cell[Out], error) {
	depIdxs := make([]CellIndex, len(deps))
	for i, d := range deps {
		depIdxs[i] = d.Index()
	}
	return addFunction[Out](e, depIdxs, opts, func(ctx context.Context, e *Engine) (Out, error) {
		var zero Out
		ins := make([]In, len(depIdxs))
		g, gctx := errgroup.WithContext(ctx)
		for i, idx := range depIdxs {
			i, idx := i, idx
			g.Go(func() error {
				v, err := e.resultAny(gctx, idx)
				if err != nil {
					return err
				}
				typed, ok := v.(In)
				if !ok {
					var want In
					return &TypeMismatchError{Index: idx, Want: reflect.TypeOf(want), Got: reflect.TypeOf(v)}
				}
				ins[i] = typed
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return zero, err
		}
		return f(ctx, ins)
	})
}

// AddFunctionHeterogeneous is AddFunction's counterpart for mixed
// dependency types: deps may be Cell[X] for any X, and f
// receives their results as an ordered []any tuple.
func AddFunctionHeterogeneous[Out any](e *Engine, deps []AnyCell, f func(ctx context.Context, ins []any) (Out, error), opts ...CellOption[Out]) (Cell[Out], error) {
	depIdxs := make([]CellIndex, len(deps))
	for i, d := range deps {
		depIdxs[i] = d.Index()
	}
	return addFunction[Out](e, depIdxs, opts, func(ctx context.Context, e *Engine) (Out, error) {
		var zero Out
		ins := make([]any, len(depIdxs))
		g, gctx := errgroup.WithContext(ctx)
		for i, idx := range depIdxs {
			i, idx := i, idx
			g.Go(func() error {
				v, err := e.resultAny(gctx, idx)
				if err != nil {
					return err
				}
				ins[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return zero, err
		}
		return f(ctx, ins)
	})
}

// addFunction is the shared body of AddFunction/AddFunctionHeterogeneous:
// index allocation, self-dependency rejection, node construction,
// wiring, and the post-hoc cycle check with rollback.
func addFunction[Out any](e *Engine, depIdxs []CellIndex, opts []CellOption[Out], build func(ctx context.Context, e *Engine) (Out, error)) (Cell[Out], error) {
	var zero Cell[Out]
	if err := e.checkDisposed(); err != nil {
		return zero, err
	}

	idx := CellIndex(e.nextIndex.Add(1) - 1)
	for _, d := range depIdxs {
		if d == idx {
			return zero, &SelfDependencyError{Index: idx}
		}
	}

	o := applyCellOptions(e.onPanic, opts)
	fn := newFunctionNode[Out](idx, depIdxs, o.equal, o.onPanic)
	fn.computeFn = func(ctx context.Context) (Out, error) {
		return build(ctx, e)
	}

	e.mu.Lock()
	e.nodes[idx] = fn
	e.mu.Unlock()
	e.ensureDependentsEntry(idx)

	addedEdges := make([]CellIndex, 0, len(depIdxs))
	for _, d := range depIdxs {
		if _, err := e.getNode(d); err != nil {
			e.rollbackFunction(idx, addedEdges)
			return zero, &UnknownDependencyError{Index: d}
		}
		e.addEdge(d, idx)
		addedEdges = append(addedEdges, d)
	}

	fn.connectDependencies(e)

	for _, d := range depIdxs {
		if e.isCyclic(d, idx) {
			fn.DisposeSubscriptions()
			e.rollbackFunction(idx, addedEdges)
			return zero, &CycleDetectedError{From: d, To: idx}
		}
	}

	return Cell[Out]{index: idx, kind: KindFunction, engine: e}, nil
}

func (e *Engine) rollbackFunction(idx CellIndex, addedEdges []CellIndex) {
	for _, d := range addedEdges {
		e.removeEdge(d, idx)
	}
	e.mu.Lock()
	delete(e.nodes, idx)
	e.mu.Unlock()
	e.removeDependentsEntry(idx)
}

// GetResult forces cell's memoized value, recomputing it first if
// necessary.
func GetResult[T any](ctx context.Context, e *Engine, cell Cell[T]) (T, error) {
	var zero T
	if err := e.checkDisposed(); err != nil {
		return zero, err
	}
	ctx, span := e.startSpan(ctx, "dagengine.get_result", cell.index)
	defer span.End()

	v, err := e.resultAny(ctx, cell.index)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{Index: cell.index, Want: reflect.TypeOf(zero), Got: reflect.TypeOf(v)}
	}
	return typed, nil
}

// UpdateInput replaces cell's value. If the new value equals the
// current one, this is a documented no-op: no dependent recomputes
// (change isolation). Otherwise it fires the cell's
// update_event and runs propagate to invalidate and re-evaluate every
// transitively affected node before returning.
func UpdateInput[T any](ctx context.Context, e *Engine, cell Cell[T], v T) error {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	n, err := e.getNode(cell.index)
	if err != nil {
		return err
	}
	in, ok := n.(*inputNode[T])
	if !ok {
		var want T
		return &TypeMismatchError{Index: cell.index, Want: reflect.TypeOf(want)}
	}

	e.propagating.Store(true)
	defer e.propagating.Store(false)

	if !in.setValue(v) {
		return nil
	}
	return e.propagate(ctx, cell.index)
}

// propagate walks the transitive dependents of a changed input,
// invalidating and re-evaluating them. Each node is popped and visited
// once per call; a dependent reached from several parents before it is
// itself popped is reset and re-evaluated once per such parent. The
// whole walk runs under refreshMu, so two concurrent UpdateInput
// calls serialize their propagation rather than interleave.
func (e *Engine) propagate(ctx context.Context, start CellIndex) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	ctx, span := e.startSpan(ctx, "dagengine.propagate", start)
	defer span.End()

	visited := make(map[CellIndex]bool)
	stack := []CellIndex{start}

	var errs *multierror.Error

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[i] {
			continue
		}
		visited[i] = true

		if _, err := e.getNode(i); err != nil {
			continue
		}
		if _, err := e.resultAny(ctx, i); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cell %s: %w", i, err))
		}

		for _, j := range e.dependentsOf(i) {
			if visited[j] {
				continue
			}
			jn, err := e.getNode(j)
			if err != nil {
				continue
			}
			jn.ResetComputation()
			if _, err := e.resultAny(ctx, j); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("cell %s: %w", j, err))
			}
			stack = append(stack, j)
		}
	}

	return errs.ErrorOrNil()
}

// RemoveNode deletes cell and tears down every edge that touched it:
// dependents lose their subscription to it and have their memo reset
// (so their next Evaluate observes the missing dependency), and its
// own dependencies' reverse edges are dropped.
func RemoveNode(e *Engine, cell AnyCell) error {
	return e.removeNode(cell.Index())
}

func (e *Engine) removeNode(idx CellIndex) error {
	if err := e.checkDisposed(); err != nil {
		return err
	}

	e.mu.Lock()
	n, ok := e.nodes[idx]
	if !ok {
		e.mu.Unlock()
		return &NodeNotFoundError{Index: idx}
	}
	delete(e.nodes, idx)
	e.mu.Unlock()

	n.DisposeSubscriptions()

	for _, depIdx := range e.dependentsOf(idx) {
		if dn, err := e.getNode(depIdx); err == nil {
			dn.RemoveDependency(idx)
			dn.ResetComputation()
		}
	}
	e.removeDependentsEntry(idx)

	for _, d := range n.DependencyIndices() {
		e.removeEdge(d, idx)
	}
	return nil
}

// IsCyclic reports whether to is reachable from from by following
// dependency edges. Used by addFunction before
// committing a new node's wiring; also exposed publicly for callers
// that want to pre-validate a wiring plan.
func IsCyclic(e *Engine, from, to CellIndex) bool {
	return e.isCyclic(from, to)
}

// isCyclic reports whether to is reachable from from by following one
// or more dependency edges. The search starts from from's own
// dependencies rather than from itself, so a node with zero
// dependencies (or to == from with no edge back to it) is never
// reported as cyclic merely for being its own starting point.
func (e *Engine) isCyclic(from, to CellIndex) bool {
	visited := make(map[CellIndex]bool)
	var dfs func(cur CellIndex) bool
	dfs = func(cur CellIndex) bool {
		if cur == to {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		n, err := e.getNode(cur)
		if err != nil {
			return false
		}
		for _, d := range n.DependencyIndices() {
			if dfs(d) {
				return true
			}
		}
		return false
	}
	n, err := e.getNode(from)
	if err != nil {
		return false
	}
	for _, d := range n.DependencyIndices() {
		if dfs(d) {
			return true
		}
	}
	return false
}

// HasChanged delegates to cell's has_changed check.
func HasChanged[T any](e *Engine, cell Cell[T]) (bool, error) {
	if err := e.checkDisposed(); err != nil {
		return false, err
	}
	n, err := e.getNode(cell.index)
	if err != nil {
		return false, err
	}
	return n.HasChanged(), nil
}

// Dispose marks the engine terminal: every subsequent public operation
// that returns an error fails with DisposedError; IsCyclic, which
// returns only a bool, reports false. Every node's subscriptions are torn down
// under refreshMu so a propagation in flight finishes (or observes the
// torn-down state) before Dispose returns.
func (e *Engine) Dispose() {
	if e.disposed.Swap(true) {
		return
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	e.mu.Lock()
	nodes := e.nodes
	e.nodes = make(map[CellIndex]node)
	e.mu.Unlock()

	for _, n := range nodes {
		n.DisposeSubscriptions()
	}

	e.depMu.Lock()
	e.dependents = make(map[CellIndex]map[CellIndex]struct{})
	e.depMu.Unlock()
}

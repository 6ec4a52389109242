package dagengine

import (
	"context"
	"reflect"
)

// inputNode is a leaf node: its value is supplied by the caller via
// UpdateInput, never derived. It has no dependencies and no memo —
// Evaluate simply reads the current value.
type inputNode[T any] struct {
	index  CellIndex
	cell   *cellCore[T]
	update *updateEvent
}

func newInputNode[T any](idx CellIndex, initial T, equal EqualFunc[T], onPanic func(any, []byte)) *inputNode[T] {
	return &inputNode[T]{
		index:  idx,
		cell:   newCellCore[T](initial, true, equal, onPanic),
		update: newUpdateEvent(onPanic),
	}
}

func (n *inputNode[T]) Index() CellIndex { return n.index }
func (n *inputNode[T]) Kind() Kind       { return KindInput }

func (n *inputNode[T]) ValueType() reflect.Type {
	var zero T
	return reflect.TypeOf(&zero).Elem()
}

func (n *inputNode[T]) DependencyIndices() []CellIndex { return nil }
func (n *inputNode[T]) Status() Status                 { return StatusCompleted }
func (n *inputNode[T]) IsComputing() bool              { return false }
func (n *inputNode[T]) HasChanged() bool               { return n.cell.hasChanged() }

func (n *inputNode[T]) Evaluate(ctx context.Context) (any, error) {
	v, _ := n.cell.get()
	return v, nil
}

// ResetComputation is a no-op for inputs: there is no memo to clear,
// only the current value set by UpdateInput.
func (n *inputNode[T]) ResetComputation() {}

func (n *inputNode[T]) connectDependencies(e *Engine) {}
func (n *inputNode[T]) RemoveDependency(d CellIndex)  {}

func (n *inputNode[T]) DisposeSubscriptions() {
	n.update.dispose()
}

func (n *inputNode[T]) SubscribeValue(fn func(any)) (Subscription, Unsubscribe) {
	return n.cell.subscribe(func(v T) { fn(v) })
}

func (n *inputNode[T]) SubscribeUpdate(fn func(any)) (Subscription, Unsubscribe) {
	return n.update.subscribe(fn)
}

func (n *inputNode[T]) scheduleRecompute() {}

func (n *inputNode[T]) SerializeValue() (any, bool) {
	return n.cell.get()
}

// setValue replaces the input's value, firing both the cell-level
// "value changed" event (dependency wiring) and the node's
// update_event (stream fabric). Returns whether the value actually
// changed.
func (n *inputNode[T]) setValue(v T) bool {
	changed := n.cell.setValue(v)
	if changed {
		n.update.fire(v)
	}
	return changed
}

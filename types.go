package dagengine

import (
	"fmt"

	"github.com/google/uuid"
)

// CellIndex uniquely identifies a cell/node for the lifetime of the
// engine that allocated it. Indices are strictly monotonic and never
// reused, even after RemoveNode.
type CellIndex uint64

// String renders the index the way it appears in logs and errors.
func (i CellIndex) String() string {
	return fmt.Sprintf("#%d", uint64(i))
}

// Kind distinguishes the two node flavors the engine manages.
type Kind int

const (
	// KindInput marks a node whose value is supplied by the caller via
	// UpdateInput rather than derived from dependencies.
	KindInput Kind = iota
	// KindFunction marks a node whose value is derived from dependencies
	// by a user-supplied compute function.
	KindFunction
)

// String renders the kind the way it appears in ToJSON output.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "Input"
	case KindFunction:
		return "Function"
	default:
		return "Unknown"
	}
}

// Status reports the outcome of a node's most recent Evaluate call.
type Status int32

const (
	StatusIdle Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusProcessing:
		return "Processing"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Unsubscribe removes a subscription. Safe to call more than once; a
// second call is a no-op. Dropping the Unsubscribe without calling it
// leaks the subscription for the lifetime of the node.
type Unsubscribe func()

// Subscription is the handle returned alongside an Unsubscribe. The ID
// exists purely for log correlation (stream and dependency-wiring
// diagnostics); lifecycle is governed by the Unsubscribe func, not by
// comparing Subscriptions.
type Subscription struct {
	ID uuid.UUID
}

func newSubscription() Subscription {
	return Subscription{ID: uuid.New()}
}

// AnyCell is the type-erased identity shared by every Cell[T]. Engine
// operations that don't need the value type — RemoveNode and
// heterogeneous dependency lists — accept AnyCell instead of forcing a
// type parameter on the caller (IsCyclic takes plain CellIndex values).
type AnyCell interface {
	Index() CellIndex
	Kind() Kind
}

// Cell is a typed handle identifying a node in an Engine. Two cells
// handed out by the same Engine are equal (by ==) iff they share an
// index; == also compares the owning Engine. Cell values are cheap to
// copy and safe to use as map keys or comparison operands.
type Cell[T any] struct {
	index  CellIndex
	kind   Kind
	engine *Engine
}

// Index returns the cell's stable, engine-assigned index.
func (c Cell[T]) Index() CellIndex { return c.index }

// Kind reports whether the cell is an Input or a Function cell.
func (c Cell[T]) Kind() Kind { return c.kind }

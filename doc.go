// Package dagengine implements an in-process reactive DAG engine: a
// graph of typed cells where input cells hold mutable values and
// function cells hold values derived asynchronously from their
// dependencies.
//
// # Core Types
//
// Cell[T] - a typed handle identifying an Input or Function node.
//
// Engine - owns every node's lifecycle, the dependency graph, and the
// propagation walk that runs when an input changes.
//
// StreamItem[T] - one element of a cell's Stream.
//
// # Example Usage
//
//	e := dagengine.NewEngine()
//
//	a, _ := dagengine.AddInput(e, 6.2)
//	b, _ := dagengine.AddInput(e, 4.0)
//	c, _ := dagengine.AddInput(e, 2.0)
//
//	sum, _ := dagengine.AddFunction(e, []dagengine.Cell[float64]{a, b, c},
//	    func(ctx context.Context, ins []float64) (float64, error) {
//	        return ins[0] + ins[1] + ins[2], nil
//	    })
//
//	v, _ := dagengine.GetResult(context.Background(), e, sum) // 12.2
//	_ = dagengine.UpdateInput(context.Background(), e, b, 5.0)
//
// # Thread Safety
//
// Every Engine operation is safe to call from multiple goroutines.
// Node-level state is protected by sync.RWMutex and sync/atomic; the
// reverse-dependency index and node table use their own locks; a
// single engine-wide mutex serializes the propagation walk triggered
// by concurrent UpdateInput calls.
//
// # Memoization and concurrency
//
// A function cell's result is memoized after its first successful
// compute and is not recomputed until a dependency changes resets it.
// Concurrent callers racing to compute a cold memo are collapsed onto
// a single in-flight computation (golang.org/x/sync/singleflight), so
// at most one compute runs per node at any instant.
//
// # Acyclicity
//
// AddFunction rejects a dependency list that would close a cycle,
// rolling back the partially-wired node before returning
// CycleDetectedError. Accidental cycles that slip past construction
// are still caught at evaluation time: a node whose compute would
// transitively await itself fails with ReentrancyDetectedError instead
// of deadlocking.
//
// # Design Principles
//
// 1. Type Safety - Cell[T] keeps call sites statically typed even
// though the engine's internal node table is homogeneous.
// 2. Thread Safety - every public operation is safe for concurrent use.
// 3. Memory Safety - Unsubscribe functions and RemoveNode tear down
// every subscription they own.
// 4. Panic Safety - subscriber and update callbacks run under panic
// recovery; a panicking listener never takes down another.
// 5. Context Awareness - GetResult, UpdateInput, and Stream all take
// a context.Context and honor cancellation.
package dagengine

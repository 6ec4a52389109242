package dagengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEngine_SumOfInputs(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	defer e.Dispose()

	a, err := AddInput(e, 6.2)
	if err != nil {
		t.Fatalf("AddInput(a): %v", err)
	}
	b, _ := AddInput(e, 4.0)
	c, _ := AddInput(e, 2.0)

	sum, err := AddFunction(e, []Cell[float64]{a, b, c}, func(ctx context.Context, ins []float64) (float64, error) {
		return ins[0] + ins[1] + ins[2], nil
	})
	if err != nil {
		t.Fatalf("AddFunction: %v", err)
	}

	v, err := GetResult(ctx, e, sum)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if v != 12.2 {
		t.Fatalf("sum = %v, want 12.2", v)
	}

	if err := UpdateInput(ctx, e, b, 5.0); err != nil {
		t.Fatalf("UpdateInput(b): %v", err)
	}
	if err := UpdateInput(ctx, e, c, 6.0); err != nil {
		t.Fatalf("UpdateInput(c): %v", err)
	}

	v, err = GetResult(ctx, e, sum)
	if err != nil {
		t.Fatalf("GetResult after updates: %v", err)
	}
	if v != 17.2 {
		t.Fatalf("sum after updates = %v, want 17.2", v)
	}
}

func TestEngine_ChainedMultiply(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	defer e.Dispose()

	a, _ := AddInput(e, 3)
	b, _ := AddInput(e, 6)

	ab, err := AddFunction(e, []Cell[int]{a, b}, func(ctx context.Context, ins []int) (int, error) {
		return ins[0] * ins[1], nil
	})
	if err != nil {
		t.Fatalf("AddFunction(ab): %v", err)
	}

	sum, err := AddFunction(e, []Cell[int]{ab}, func(ctx context.Context, ins []int) (int, error) {
		return ins[0] + 4, nil
	})
	if err != nil {
		t.Fatalf("AddFunction(sum): %v", err)
	}

	v, err := GetResult(ctx, e, sum)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if v != 22 {
		t.Fatalf("sum = %d, want 22", v)
	}

	if err := UpdateInput(ctx, e, a, 4); err != nil {
		t.Fatalf("UpdateInput(a): %v", err)
	}
	v, err = GetResult(ctx, e, sum)
	if err != nil {
		t.Fatalf("GetResult after update: %v", err)
	}
	if v != 28 {
		t.Fatalf("sum after a=4 = %d, want 28", v)
	}
}

func TestEngine_CycleRejectionLeavesGraphUnchanged(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	defer e.Dispose()

	x, _ := AddInput(e, 1)
	y, err := AddFunction(e, []Cell[int]{x}, func(ctx context.Context, ins []int) (int, error) {
		return ins[0] + 1, nil
	})
	if err != nil {
		t.Fatalf("AddFunction(y): %v", err)
	}

	// Rewire y to also depend on the index the next AddFunction will
	// claim (x=0, y=1, so z=2): adding z = f(y) then closes y -> z -> y.
	yn, err := e.getNode(y.Index())
	if err != nil {
		t.Fatalf("getNode(y): %v", err)
	}
	yf := yn.(*functionNode[int])
	yf.deps = append(yf.deps, y.Index()+1)

	before, err := e.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON before: %v", err)
	}

	_, err = AddFunction(e, []Cell[int]{y}, func(ctx context.Context, ins []int) (int, error) {
		return ins[0], nil
	})
	var cycleErr *CycleDetectedError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("err = %v, want *CycleDetectedError", err)
	}

	after, err := e.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON after: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("graph changed after rejected cycle:\nbefore=%s\nafter=%s", before, after)
	}

	// y must still be evaluable normally.
	v, err := GetResult(ctx, e, y)
	if err != nil {
		t.Fatalf("GetResult(y) after rejected cycle: %v", err)
	}
	if v != 2 {
		t.Fatalf("y = %d, want 2", v)
	}
}

func TestEngine_SelfDependencyRejected(t *testing.T) {
	e := NewEngine()
	defer e.Dispose()

	a, _ := AddInput(e, 1)

	// Index allocation is sequential starting at 0, so the next
	// AddFunction call will claim index 1; naming that same index as a
	// dependency exercises addFunction's self-dependency guard.
	self := Cell[int]{index: CellIndex(1), kind: KindFunction}
	_, err := AddFunction(e, []Cell[int]{a, self}, func(ctx context.Context, ins []int) (int, error) {
		return ins[0], nil
	})
	var selfErr *SelfDependencyError
	if !errors.As(err, &selfErr) {
		t.Fatalf("err = %v, want *SelfDependencyError", err)
	}
}

func TestEngine_RemoveNode_DependentFailsAndDependentsIndexEmptied(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	defer e.Dispose()

	a, _ := AddInput(e, 1)
	b, err := AddFunction(e, []Cell[int]{a}, func(ctx context.Context, ins []int) (int, error) {
		return ins[0] + 1, nil
	})
	if err != nil {
		t.Fatalf("AddFunction(b): %v", err)
	}

	if _, err := GetResult(ctx, e, b); err != nil {
		t.Fatalf("GetResult(b) before removal: %v", err)
	}

	if err := RemoveNode(e, a); err != nil {
		t.Fatalf("RemoveNode(a): %v", err)
	}

	if got := e.dependentsOf(a.Index()); len(got) != 0 {
		t.Fatalf("dependentsOf(a) after removal = %v, want empty", got)
	}

	if _, err := GetResult(ctx, e, b); err == nil {
		t.Fatal("GetResult(b) after removing its dependency should fail")
	}
}

func TestEngine_UpdateInput_NoOpOnEqualValueIsolatesDependents(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	defer e.Dispose()

	a, _ := AddInput(e, 1)
	var computeCount atomic.Int32
	b, err := AddFunction(e, []Cell[int]{a}, func(ctx context.Context, ins []int) (int, error) {
		computeCount.Add(1)
		return ins[0] * 2, nil
	})
	if err != nil {
		t.Fatalf("AddFunction: %v", err)
	}

	if _, err := GetResult(ctx, e, b); err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if computeCount.Load() != 1 {
		t.Fatalf("computeCount = %d, want 1", computeCount.Load())
	}

	if err := UpdateInput(ctx, e, a, 1); err != nil {
		t.Fatalf("UpdateInput(a, 1): %v", err)
	}
	if _, err := GetResult(ctx, e, b); err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if computeCount.Load() != 1 {
		t.Fatalf("computeCount after equal-value update = %d, want still 1", computeCount.Load())
	}
}

func TestEngine_IsCyclic_SelfIsFalse(t *testing.T) {
	e := NewEngine()
	defer e.Dispose()

	a, _ := AddInput(e, 1)
	if IsCyclic(e, a.Index(), a.Index()) {
		t.Fatal("IsCyclic(n, n) = true, want false for a node with no self-edge")
	}
}

func TestEngine_MatrixChain_IncrementalRecompute(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	defer e.Dispose()

	const n = 10
	inputs := make([]Cell[int], n)
	for i := range inputs {
		inputs[i], _ = AddInput(e, i+1)
	}

	counts := make([]atomic.Int32, n)
	cells := make([]Cell[int], n)
	cells[0] = inputs[0]
	for i := 1; i < n; i++ {
		i := i
		prev := cells[i-1]
		in := inputs[i]
		c, err := AddFunction(e, []Cell[int]{prev, in}, func(ctx context.Context, ins []int) (int, error) {
			counts[i].Add(1)
			return ins[0] * ins[1], nil
		})
		if err != nil {
			t.Fatalf("AddFunction(step %d): %v", i, err)
		}
		cells[i] = c
	}

	if _, err := GetResult(ctx, e, cells[n-1]); err != nil {
		t.Fatalf("GetResult(final): %v", err)
	}
	for i := 1; i < n; i++ {
		if counts[i].Load() != 1 {
			t.Fatalf("counts[%d] after initial evaluate = %d, want 1", i, counts[i].Load())
		}
	}

	// Updating the last input must only force the last step to
	// recompute; earlier steps keep their memoized value.
	if err := UpdateInput(ctx, e, inputs[n-1], 100); err != nil {
		t.Fatalf("UpdateInput: %v", err)
	}
	if _, err := GetResult(ctx, e, cells[n-1]); err != nil {
		t.Fatalf("GetResult(final) after update: %v", err)
	}
	for i := 1; i < n-1; i++ {
		if counts[i].Load() != 1 {
			t.Fatalf("counts[%d] after updating only the last input = %d, want still 1", i, counts[i].Load())
		}
	}
	if counts[n-1].Load() != 2 {
		t.Fatalf("counts[%d] after update = %d, want 2", n-1, counts[n-1].Load())
	}
}

func TestEngine_ConcurrentGetResult_SingleFlight(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	defer e.Dispose()

	a, _ := AddInput(e, 1)
	var computeCount atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	b, err := AddFunction(e, []Cell[int]{a}, func(ctx context.Context, ins []int) (int, error) {
		if computeCount.Add(1) == 1 {
			close(started)
			<-release
		}
		return ins[0] + 1, nil
	})
	if err != nil {
		t.Fatalf("AddFunction: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]int, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = GetResult(ctx, e, b)
		}()
	}

	<-started
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != 2 {
			t.Fatalf("caller %d result = %d, want 2", i, results[i])
		}
	}
	if computeCount.Load() != 1 {
		t.Fatalf("computeCount = %d, want exactly 1 (single-flight collapse)", computeCount.Load())
	}
}

func TestEngine_ComputeErrorIsMemoizedAndWrapped(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	defer e.Dispose()

	wantErr := fmt.Errorf("boom")
	var computeCount atomic.Int32
	a, _ := AddInput(e, 1)
	b, err := AddFunction(e, []Cell[int]{a}, func(ctx context.Context, ins []int) (int, error) {
		computeCount.Add(1)
		return 0, wantErr
	})
	if err != nil {
		t.Fatalf("AddFunction: %v", err)
	}

	_, err = GetResult(ctx, e, b)
	var cf *ComputeFailedError
	if !errors.As(err, &cf) {
		t.Fatalf("err = %v, want *ComputeFailedError", err)
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("errors.Is(err, wantErr) = false, want true via Unwrap")
	}

	// The failed memo is sticky until something resets it.
	if _, err := GetResult(ctx, e, b); err == nil {
		t.Fatal("second GetResult should still observe the memoized error")
	}
	if computeCount.Load() != 1 {
		t.Fatalf("computeCount = %d, want 1 (error is memoized, not retried)", computeCount.Load())
	}
}

func TestEngine_HeterogeneousDependencies(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	defer e.Dispose()

	n, _ := AddInput(e, 3)
	s, _ := AddInput(e, "x")

	out, err := AddFunctionHeterogeneous[string](e, []AnyCell{n, s}, func(ctx context.Context, ins []any) (string, error) {
		return fmt.Sprintf("%d-%s", ins[0].(int), ins[1].(string)), nil
	})
	if err != nil {
		t.Fatalf("AddFunctionHeterogeneous: %v", err)
	}
	v, err := GetResult(ctx, e, out)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if v != "3-x" {
		t.Fatalf("out = %q, want 3-x", v)
	}
}

func TestEngine_DisposedEngineRejectsOperations(t *testing.T) {
	e := NewEngine()
	a, _ := AddInput(e, 1)
	e.Dispose()

	if _, err := AddInput(e, 2); !errors.As(err, new(*DisposedError)) {
		t.Fatalf("AddInput after Dispose: err = %v, want *DisposedError", err)
	}
	if err := UpdateInput(context.Background(), e, a, 5); !errors.As(err, new(*DisposedError)) {
		t.Fatalf("UpdateInput after Dispose: err = %v, want *DisposedError", err)
	}
	if _, err := GetResult(context.Background(), e, a); !errors.As(err, new(*DisposedError)) {
		t.Fatalf("GetResult after Dispose: err = %v, want *DisposedError", err)
	}

	// Dispose is idempotent.
	e.Dispose()
}

func TestEngine_HasChanged(t *testing.T) {
	e := NewEngine()
	defer e.Dispose()

	a, _ := AddInput(e, 1)
	changed, err := HasChanged(e, a)
	if err != nil {
		t.Fatalf("HasChanged: %v", err)
	}
	if changed {
		t.Fatal("HasChanged = true immediately after AddInput")
	}

	if err := UpdateInput(context.Background(), e, a, 2); err != nil {
		t.Fatalf("UpdateInput: %v", err)
	}
	changed, err = HasChanged(e, a)
	if err != nil {
		t.Fatalf("HasChanged: %v", err)
	}
	if !changed {
		t.Fatal("HasChanged = false after a value-changing update")
	}
}

func TestEngine_ToJSON_ReflectsGraphShape(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	defer e.Dispose()

	a, _ := AddInput(e, 1)
	b, err := AddFunction(e, []Cell[int]{a}, func(ctx context.Context, ins []int) (int, error) {
		return ins[0] + 1, nil
	})
	if err != nil {
		t.Fatalf("AddFunction: %v", err)
	}
	if _, err := GetResult(ctx, e, b); err != nil {
		t.Fatalf("GetResult: %v", err)
	}

	data, err := e.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("ToJSON returned empty output")
	}
}

func TestEngine_UpdateInput_TypeMismatch(t *testing.T) {
	e := NewEngine()
	defer e.Dispose()

	a, _ := AddInput(e, 1)
	// Build a Cell[string] naming a's index: UpdateInput must reject it
	// rather than silently coercing or panicking.
	wrong := Cell[string]{index: a.Index(), kind: KindInput}

	err := UpdateInput(context.Background(), e, wrong, "nope")
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want *TypeMismatchError", err)
	}
}

func TestEngine_PropagateTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	e := NewEngine()
	defer e.Dispose()

	a, _ := AddInput(e, 1)
	b, err := AddFunction(e, []Cell[int]{a}, func(ctx context.Context, ins []int) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return ins[0], nil
		}
	})
	if err != nil {
		t.Fatalf("AddFunction: %v", err)
	}

	<-ctx.Done() // guarantee the deadline has actually passed

	err = UpdateInput(ctx, e, a, 2)
	if err == nil {
		t.Fatal("UpdateInput with an expired context should surface the compute error")
	}
	_ = b
}

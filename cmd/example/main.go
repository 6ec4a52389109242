package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coregx/dagengine"
)

func main() {
	demoSumOfInputs()
	demoChainedMultiply()
	demoReentrancyDetection()
	demoStreaming()
	fmt.Println("\n=== Demo Complete ===")
}

func demoSumOfInputs() {
	fmt.Println("=== Phase 1: Sum of inputs ===")
	ctx := context.Background()
	e := dagengine.NewEngine()
	defer e.Dispose()

	a, _ := dagengine.AddInput(e, 6.2)
	b, _ := dagengine.AddInput(e, 4.0)
	c, _ := dagengine.AddInput(e, 2.0)

	s, err := dagengine.AddFunction(e, []dagengine.Cell[float64]{a, b, c},
		func(ctx context.Context, ins []float64) (float64, error) {
			return ins[0] + ins[1] + ins[2], nil
		})
	if err != nil {
		fmt.Println("add_function failed:", err)
		return
	}

	v, _ := dagengine.GetResult(ctx, e, s)
	fmt.Printf("sum = %.1f\n", v) // 12.2

	_ = dagengine.UpdateInput(ctx, e, b, 5.0)
	_ = dagengine.UpdateInput(ctx, e, c, 6.0)
	v, _ = dagengine.GetResult(ctx, e, s)
	fmt.Printf("after updates, sum = %.1f\n", v) // 17.2
}

func demoChainedMultiply() {
	fmt.Println("\n=== Phase 2: Chained multiply ===")
	ctx := context.Background()
	e := dagengine.NewEngine()
	defer e.Dispose()

	a, _ := dagengine.AddInput(e, 3)
	b, _ := dagengine.AddInput(e, 6)

	ab, _ := dagengine.AddFunction(e, []dagengine.Cell[int]{a, b},
		func(ctx context.Context, ins []int) (int, error) {
			return ins[0] * ins[1], nil
		})

	sum, _ := dagengine.AddFunction(e, []dagengine.Cell[int]{ab},
		func(ctx context.Context, ins []int) (int, error) {
			return ins[0] + 4, nil
		})

	v, _ := dagengine.GetResult(ctx, e, sum)
	fmt.Println("sum =", v) // 22

	_ = dagengine.UpdateInput(ctx, e, a, 4)
	v, _ = dagengine.GetResult(ctx, e, sum)
	fmt.Println("after a=4, sum =", v) // 28
}

func demoReentrancyDetection() {
	fmt.Println("\n=== Phase 3: Reentrancy detection ===")
	ctx := context.Background()
	e := dagengine.NewEngine()
	defer e.Dispose()

	a, _ := dagengine.AddInput(e, 1)

	// self is captured by the compute closure before AddFunction returns
	// it; by the time anything actually calls the closure, self already
	// names this very node, so evaluating it recurses into itself.
	var self dagengine.Cell[int]
	self, err := dagengine.AddFunction(e, []dagengine.Cell[int]{a},
		func(ctx context.Context, ins []int) (int, error) {
			return dagengine.GetResult(ctx, e, self)
		})
	if err != nil {
		fmt.Println("unexpected:", err)
		return
	}

	_, err = dagengine.GetResult(ctx, e, self)
	var reentrantErr *dagengine.ReentrancyDetectedError
	if errors.As(err, &reentrantErr) {
		fmt.Println("reentrant computation correctly rejected:", err)
	}
}

func demoStreaming() {
	fmt.Println("\n=== Phase 4: Streaming ===")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	e := dagengine.NewEngine()
	defer e.Dispose()

	x, _ := dagengine.AddInput(e, 0)
	y, _ := dagengine.AddFunction(e, []dagengine.Cell[int]{x},
		func(ctx context.Context, ins []int) (int, error) { return ins[0] * 2, nil })

	ch, err := dagengine.Stream(ctx, e, y)
	if err != nil {
		fmt.Println("stream failed:", err)
		return
	}

	go func() {
		for i := 1; i <= 5; i++ {
			time.Sleep(10 * time.Millisecond)
			_ = dagengine.UpdateInput(ctx, e, x, i)
		}
	}()

	for item := range ch {
		if item.Err != nil {
			fmt.Println("stream error:", item.Err)
			break
		}
		fmt.Println("y =", item.Value)
	}
}

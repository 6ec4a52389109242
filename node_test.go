package dagengine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRecomputeWorker_CoalescesBurstWithoutLoss(t *testing.T) {
	w := &recomputeWorker{}
	var runs atomic.Int32
	done := make(chan struct{})

	run := func(ctx context.Context) {
		if runs.Add(1) == 5 {
			close(done)
		}
	}

	for i := 0; i < 5; i++ {
		w.schedule(context.Background(), run)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("runs = %d, want 5 (burst should coalesce, not drop)", runs.Load())
	}
}

func TestRecomputeWorker_StopPreventsFurtherRuns(t *testing.T) {
	w := &recomputeWorker{}
	var runs atomic.Int32
	block := make(chan struct{})
	started := make(chan struct{})

	w.schedule(context.Background(), func(ctx context.Context) {
		runs.Add(1)
		close(started)
		<-block
	})
	<-started
	w.stop()
	close(block)

	time.Sleep(20 * time.Millisecond)
	w.schedule(context.Background(), func(ctx context.Context) { runs.Add(1) })
	time.Sleep(20 * time.Millisecond)

	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1 (no runs after stop)", runs.Load())
	}
}

func TestUpdateEvent_SubscribeFireDispose(t *testing.T) {
	u := newUpdateEvent(nil)
	var got any
	_, unsub := u.subscribe(func(v any) { got = v })

	u.fire(42)
	if got != 42 {
		t.Fatalf("got = %v, want 42", got)
	}

	unsub()
	u.fire(99)
	if got != 42 {
		t.Fatalf("got = %v after unsubscribe, want still 42", got)
	}

	u.subscribe(func(v any) { got = v })
	u.dispose()
	u.fire(7)
	if got != 42 {
		t.Fatalf("got = %v after dispose, want still 42", got)
	}
}

func TestDepSubs_SetReplacesPriorSubscriptionForSameDependency(t *testing.T) {
	d := newDepSubs()
	var firstCalled, secondCalled atomic.Bool

	d.set(CellIndex(1), func() { firstCalled.Store(true) })
	d.set(CellIndex(1), func() { secondCalled.Store(true) })

	if !firstCalled.Load() {
		t.Fatal("replacing the subscription for a dependency did not unsubscribe the prior one")
	}
	firstCalled.Store(false)

	d.disposeAll()

	if firstCalled.Load() {
		t.Fatal("replaced subscription ran again on disposeAll; it should have left the flat list")
	}
	if !secondCalled.Load() {
		t.Fatal("second (replacing) subscription never ran on disposeAll")
	}
}

func TestDepSubs_RemoveUnsubscribesOnlyThatDependency(t *testing.T) {
	d := newDepSubs()
	var aCalled, bCalled atomic.Bool

	d.set(CellIndex(1), func() { aCalled.Store(true) })
	d.set(CellIndex(2), func() { bCalled.Store(true) })

	d.remove(CellIndex(1))
	if !aCalled.Load() {
		t.Fatal("remove(1) did not invoke dependency 1's unsubscribe")
	}

	d.disposeAll()
	if !bCalled.Load() {
		t.Fatal("disposeAll did not invoke the remaining dependency's unsubscribe")
	}
}

package dagengine

import (
	"context"
	"sync"
)

// StreamItem is one element of a Stream: either a fresh value or, as
// the final item before the channel closes, the error that terminated
// it.
type StreamItem[T any] struct {
	Value T
	Err   error
}

// Stream bridges cell's update_event to a consumer-facing channel.
// The channel has capacity 1 with drop-oldest discipline: a pending
// value is overwritten by a
// fresher one rather than blocking the producer, so a slow consumer
// always sees the latest state instead of falling behind. The initial
// element is the cell's current result; the channel closes when ctx
// is done or when a GetResult triggered by an update event fails.
func Stream[T any](ctx context.Context, e *Engine, cell Cell[T], opts ...StreamOption) (<-chan StreamItem[T], error) {
	if err := e.checkDisposed(); err != nil {
		return nil, err
	}
	n, err := e.getNode(cell.index)
	if err != nil {
		return nil, err
	}
	o := applyStreamOptions(opts)

	ch := make(chan StreamItem[T], 1)
	done := make(chan struct{})
	var closeOnce sync.Once
	var sendMu sync.Mutex

	finish := func() {
		closeOnce.Do(func() {
			close(done)
			close(ch)
		})
	}

	send := func(item StreamItem[T]) {
		sendMu.Lock()
		defer sendMu.Unlock()
		select {
		case <-done:
			return
		default:
		}
		select {
		case ch <- item:
			return
		default:
		}
		// Drop the stale pending item, then deliver the fresh one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- item:
		default:
		}
	}

	var unsub Unsubscribe
	emit := func() {
		v, err := GetResult[T](ctx, e, cell)
		if err != nil {
			send(StreamItem[T]{Err: err})
			if o.onError != nil {
				o.onError(err)
			}
			if unsub != nil {
				unsub()
			}
			finish()
			return
		}
		send(StreamItem[T]{Value: v})
	}

	emit()
	_, unsub = n.SubscribeUpdate(func(any) { emit() })

	go func() {
		select {
		case <-ctx.Done():
			unsub()
			finish()
		case <-done:
		}
	}()

	return ch, nil
}

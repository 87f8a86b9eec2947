package client

import (
	"context"
	"sync"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/status"
)

// Future is the pending outcome of a call.
type Future[T any] struct {
	c    *call.Call
	done chan struct{}

	mu        sync.Mutex
	val       T
	err       error
	completed bool
	callbacks []func(T, error)
}

func newFuture[T any](c *call.Call, fn func() (T, error)) *Future[T] {
	f := &Future[T]{c: c, done: make(chan struct{})}
	go func() {
		v, err := fn()
		f.complete(v, err)
	}()
	return f
}

func (f *Future[T]) complete(v T, err error) {
	f.mu.Lock()
	f.val, f.err, f.completed = v, err, true
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	close(f.done)
	for _, fn := range callbacks {
		fn(v, err)
	}
}

// Wait blocks until the outcome is known or ctx is done. Cancelling ctx
// does not cancel the call.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, status.FromContextError(ctx.Err()).Err()
	}
}

func (f *Future[T]) Done() <-chan struct{} { return f.done }

// OnDone registers fn to run with the outcome. If the outcome is already
// known fn runs immediately.
func (f *Future[T]) OnDone(fn func(T, error)) {
	f.mu.Lock()
	if f.completed {
		v, err := f.val, f.err
		f.mu.Unlock()
		fn(v, err)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

func (f *Future[T]) Cancel()          { f.c.Cancel() }
func (f *Future[T]) Call() *call.Call { return f.c }

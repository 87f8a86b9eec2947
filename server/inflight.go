package server

import (
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/status"
)

// inflight tracks calls whose handlers are running.
type inflight struct {
	cond     *sync.Cond
	calls    map[*call.Call]struct{}
	limit    int // 0 - без ограничения
	draining bool
}

func newInflight(limit int) *inflight {
	return &inflight{
		cond:  sync.NewCond(&sync.Mutex{}),
		calls: make(map[*call.Call]struct{}),
		limit: limit,
	}
}

func (f *inflight) acquire(c *call.Call) error {
	f.cond.L.Lock()
	defer f.cond.L.Unlock()

	if f.draining {
		return status.Error(codes.Unavailable, "server is shutting down")
	}
	if f.limit > 0 && len(f.calls) >= f.limit {
		return status.Error(codes.ResourceExhausted, "concurrent RPC limit exceeded")
	}
	f.calls[c] = struct{}{}
	return nil
}

func (f *inflight) release(c *call.Call) {
	f.cond.L.Lock()
	defer f.cond.Broadcast()
	defer f.cond.L.Unlock()

	delete(f.calls, c)
}

func (f *inflight) drain() {
	f.cond.L.Lock()
	defer f.cond.L.Unlock()
	f.draining = true
}

func (f *inflight) len() int {
	f.cond.L.Lock()
	defer f.cond.L.Unlock()
	return len(f.calls)
}

func (f *inflight) each(fn func(*call.Call)) {
	f.cond.L.Lock()
	calls := make([]*call.Call, 0, len(f.calls))
	for c := range f.calls {
		calls = append(calls, c)
	}
	f.cond.L.Unlock()

	for _, c := range calls {
		fn(c)
	}
}

func (f *inflight) waitAllReleased() <-chan struct{} {
	ch := make(chan struct{})

	go func() {
		f.cond.L.Lock()
		defer f.cond.L.Unlock()

		for len(f.calls) != 0 {
			f.cond.Wait()
		}

		close(ch)
	}()

	return ch
}

// Package registry keeps client transports keyed by target so that calls to
// the same address share one connection.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ozontech/callflow/consts"
	"github.com/ozontech/callflow/transport"
	"github.com/ozontech/callflow/transport/h2"
	"github.com/ozontech/callflow/utils/lru"
)

var ErrClosed = errors.New("registry closed")

// Dialer opens a transport to target.
type Dialer func(ctx context.Context, target string) (transport.ClientTransport, error)

// H2Dialer dials gRPC over HTTP/2.
func H2Dialer(opts ...h2.Opt) Dialer {
	return func(ctx context.Context, target string) (transport.ClientTransport, error) {
		cc, err := h2.Dial(ctx, target, opts...)
		if err != nil {
			return nil, err
		}
		return cc, nil
	}
}

type doner interface {
	Done() <-chan struct{}
}

type Registry struct {
	log   *zap.Logger
	dial  Dialer
	conns *lru.LRU[string, transport.ClientTransport]

	mu       sync.Mutex
	closed   bool
	closeErr error
}

type Option func(*Registry)

func WithLogger(log *zap.Logger) Option { return func(r *Registry) { r.log = log } }

func WithDialer(d Dialer) Option { return func(r *Registry) { r.dial = d } }

// New creates a registry holding at most size transports. The least recently
// used transport is closed when a new target does not fit.
func New(size int, opts ...Option) *Registry {
	if size <= 0 {
		size = consts.DefaultRegistrySize
	}
	r := &Registry{
		log:  zap.NewNop(),
		dial: H2Dialer(),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.Named("registry")
	r.conns = lru.New(size, r.evict)
	return r
}

func (r *Registry) evict(target string, t transport.ClientTransport) {
	r.log.Debug("closing transport", zap.String("target", target))
	if err := t.Close(); err != nil {
		r.mu.Lock()
		r.closeErr = multierr.Append(r.closeErr, fmt.Errorf("close %s: %w", target, err))
		r.mu.Unlock()
	}
}

// Get returns the transport for target dialing it on first use. A transport
// that has already failed is replaced.
func (r *Registry) Get(ctx context.Context, target string) (transport.ClientTransport, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if t, ok := r.conns.Get(target); ok {
		if !isDone(t) {
			return t, nil
		}
		if stale, ok := r.conns.Remove(target); ok {
			r.evict(target, stale)
		}
	}

	t, err := r.conns.GetOrAdd(target, func() (transport.ClientTransport, error) {
		r.log.Debug("dialing", zap.String("target", target))
		return r.dial(ctx, target)
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return t, nil
}

func isDone(t transport.ClientTransport) bool {
	d, ok := t.(doner)
	if !ok {
		return false
	}
	select {
	case <-d.Done():
		return true
	default:
		return false
	}
}

func (r *Registry) Len() int { return r.conns.Len() }

// Close closes every transport. Errors of transports closed earlier by
// eviction are reported as well.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.conns.Purge()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeErr
}

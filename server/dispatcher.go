// Package server routes inbound calls to registered handlers.
package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/status"
)

type Stage int32

const (
	StageStopped Stage = iota
	StageServing
	StageDraining
)

func (s Stage) String() string {
	switch s {
	case StageStopped:
		return "stopped"
	case StageServing:
		return "serving"
	case StageDraining:
		return "draining"
	}
	return fmt.Sprintf("stage(%d)", int32(s))
}

// Handler serves one call. The returned error becomes the call status:
// status errors verbatim, anything else UNKNOWN.
type Handler func(ctx context.Context, c *call.Call) error

type method struct {
	desc    *call.MethodDescriptor
	handler Handler
}

type Dispatcher struct {
	log   *zap.Logger
	hooks []DispatchHook

	mu      sync.RWMutex
	methods map[string]*method
	started bool

	stage    atomic.Int32
	inflight *inflight
}

type options struct {
	log           *zap.Logger
	maxConcurrent int
	hooks         []DispatchHook
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option { return func(o *options) { o.log = log } }

// WithMaxConcurrentCalls limits running handlers. Calls over the limit fail
// with RESOURCE_EXHAUSTED.
func WithMaxConcurrentCalls(n int) Option { return func(o *options) { o.maxConcurrent = n } }

func WithHook(h DispatchHook) Option { return func(o *options) { o.hooks = append(o.hooks, h) } }

func NewDispatcher(opts ...Option) *Dispatcher {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Dispatcher{
		log:      o.log.Named("dispatcher"),
		hooks:    o.hooks,
		methods:  make(map[string]*method),
		inflight: newInflight(o.maxConcurrent),
	}
}

// Register adds a raw handler for desc. Registration is only possible
// before Start.
func (d *Dispatcher) Register(desc *call.MethodDescriptor, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return status.Errorf(codes.FailedPrecondition, "register %s: dispatcher already started", desc.FullMethod())
	}
	if _, ok := d.methods[desc.FullMethod()]; ok {
		return status.Errorf(codes.AlreadyExists, "method %s already registered", desc.FullMethod())
	}
	d.methods[desc.FullMethod()] = &method{desc: desc, handler: h}
	d.log.Debug("method registered", zap.String("method", desc.FullMethod()), zap.Stringer("kind", desc.Kind()))
	return nil
}

// Methods returns registered descriptors sorted by path.
func (d *Dispatcher) Methods() []*call.MethodDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()

	descs := make([]*call.MethodDescriptor, 0, len(d.methods))
	for _, m := range d.methods {
		descs = append(descs, m.desc)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].FullMethod() < descs[j].FullMethod() })
	return descs
}

func (d *Dispatcher) Stage() Stage { return Stage(d.stage.Load()) }

// Start freezes the handler table and begins accepting calls.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return status.Error(codes.FailedPrecondition, "dispatcher already started")
	}
	d.started = true
	d.stage.Store(int32(StageServing))
	d.log.Info("serving", zap.Int("methods", len(d.methods)))
	return nil
}

// GracefulStop rejects new calls and waits for running handlers. When ctx
// is done first the remaining calls are cancelled with UNAVAILABLE.
func (d *Dispatcher) GracefulStop(ctx context.Context) error {
	d.stage.Store(int32(StageDraining))
	d.inflight.drain()
	d.log.Info("draining", zap.Int("inflight", d.inflight.len()))

	select {
	case <-d.inflight.waitAllReleased():
		d.stage.Store(int32(StageStopped))
		return nil
	case <-ctx.Done():
		d.Stop()
		return ctx.Err()
	}
}

// Stop rejects new calls and completes running calls with UNAVAILABLE.
func (d *Dispatcher) Stop() {
	d.stage.Store(int32(StageDraining))
	d.inflight.drain()
	d.inflight.each(func(c *call.Call) {
		c.Complete(status.New(codes.Unavailable, "server is stopping"))
	})
	d.stage.Store(int32(StageStopped))
}

// Handle runs the handler of c and completes c with its outcome.
func (d *Dispatcher) Handle(c *call.Call) {
	if d.Stage() != StageServing {
		c.Complete(status.New(codes.Unavailable, "server is not serving"))
		return
	}

	d.mu.RLock()
	m := d.methods[c.Method()]
	d.mu.RUnlock()
	if m == nil {
		c.Complete(status.Newf(codes.Unimplemented, "unknown method %s", c.Method()))
		return
	}

	if err := d.inflight.acquire(c); err != nil {
		c.Complete(status.FromError(err))
		return
	}
	defer d.inflight.release(c)

	if err := c.Bind(m.desc); err != nil {
		c.Complete(status.FromError(err))
		return
	}

	info := DispatchInfo{
		Method: c.Method(),
		Kind:   m.desc.Kind(),
		Header: c.RequestHeader(),
	}
	ctx, tokens := d.hooksStart(c.Context(), info)

	c.Complete(d.invoke(ctx, m, c))

	if len(d.hooks) > 0 {
		d.hooksEnd(ctx, tokens, info, c.Stats(), c.Status())
	}
}

func (d *Dispatcher) invoke(ctx context.Context, m *method, c *call.Call) (st *status.Status) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic",
				zap.String("method", c.Method()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			st = status.New(codes.Unknown, fmt.Sprint(r))
		}
	}()

	if err := m.handler(ctx, c); err != nil {
		return status.FromError(err)
	}
	return status.OK()
}

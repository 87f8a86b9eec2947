// Package client starts RPCs over a transport and exposes typed façades for
// the four call shapes.
package client

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/status"
	"github.com/ozontech/callflow/transport"
)

// Observer is notified about every call an Invoker starts.
type Observer interface {
	Acquire(tag string) CallObserver
}

type CallObserver interface {
	SetSize(int)         // сколько байт сообщений отправлено в рамках вызова
	SetResponseSize(int) // сколько байт сообщений получено
	OnHeader(name, value string)
	End(st *status.Status) // завершение вызова, после него состояние не используется
}

type Invoker struct {
	transport  transport.ClientTransport
	log        *zap.Logger
	timeout    time.Duration
	compressor string
	observer   Observer
}

type Option func(*Invoker)

func WithLogger(log *zap.Logger) Option {
	return func(i *Invoker) { i.log = log }
}

// WithDefaultTimeout sets the deadline of calls started without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(i *Invoker) { i.timeout = d }
}

func WithDefaultCompressor(name string) Option {
	return func(i *Invoker) { i.compressor = name }
}

func WithObserver(o Observer) Option {
	return func(i *Invoker) { i.observer = o }
}

func NewInvoker(t transport.ClientTransport, opts ...Option) *Invoker {
	i := &Invoker{
		transport: t,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(i)
	}
	i.log = i.log.Named("invoker")
	return i
}

type callOptions struct {
	deadline   time.Time
	timeout    time.Duration
	header     *metadata.MD
	compressor string
}

type CallOption func(*callOptions)

func WithDeadline(t time.Time) CallOption {
	return func(o *callOptions) { o.deadline = t }
}

// WithTimeout sets the deadline relative to the call start. A negative d
// gives a deadline that has already passed.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

func WithHeader(md *metadata.MD) CallOption {
	return func(o *callOptions) { o.header = md }
}

func WithCompressor(name string) CallOption {
	return func(o *callOptions) { o.compressor = name }
}

// StartCall creates a client call and opens its transport stream.
//
// The returned call is never nil. If the call could not be started it is
// already completed and the error is its status error. A call whose context
// is cancelled or whose deadline has passed performs no transport I/O.
func (i *Invoker) StartCall(ctx context.Context, desc *call.MethodDescriptor, opts ...CallOption) (*call.Call, error) {
	o := callOptions{compressor: i.compressor}
	for _, opt := range opts {
		opt(&o)
	}
	deadline := o.deadline
	if deadline.IsZero() {
		switch {
		case o.timeout != 0:
			// отрицательный таймаут - дедлайн уже прошел, вызов завершится без I/O
			deadline = time.Now().Add(o.timeout)
		case i.timeout > 0:
			deadline = time.Now().Add(i.timeout)
		}
	}

	c := call.NewClient(ctx, desc,
		call.WithDeadline(deadline),
		call.WithHeader(o.header),
		call.WithCompressor(o.compressor),
		call.WithLogger(i.log),
	)
	if i.observer != nil {
		obs := i.observer.Acquire(desc.FullMethod())
		c.OnDone(func(st *status.Status) {
			stats := c.Stats()
			obs.SetSize(int(stats.SentBytes))
			obs.SetResponseSize(int(stats.RecvBytes))
			c.ResponseHeader().Range(func(k, v string) bool {
				obs.OnHeader(k, v)
				return true
			})
			obs.End(st)
		})
	}

	select {
	case <-c.Done():
		return c, c.Err()
	default:
	}

	sink, err := i.transport.NewStream(c.Context(), c)
	if err != nil {
		st := status.FromError(err)
		if st.Code == codes.Unknown {
			st = status.Newf(codes.Unavailable, "open stream: %v", err)
		}
		i.log.Debug("open stream failed", zap.String("method", desc.FullMethod()), zap.Error(err))
		c.DeliverStatus(st)
		return c, c.Err()
	}
	if err := c.Start(sink); err != nil {
		return c, c.Err()
	}
	return c, nil
}

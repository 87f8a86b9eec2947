// Package call implements a single RPC invocation: its metadata, deadline,
// per-direction stream states and the terminal status.
//
// A Call is transport agnostic. Transports write through a Sink and feed
// inbound events with the Deliver* methods.
package call

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/status"
)

// HalfState is the state of one direction of a call.
type HalfState uint8

const (
	Open HalfState = iota
	Active
	HalfClosed
	Closed
)

func (s HalfState) String() string {
	switch s {
	case Open:
		return "open"
	case Active:
		return "active"
	case HalfClosed:
		return "half_closed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Phase is the lifecycle of the whole call.
type Phase uint8

const (
	PhasePending Phase = iota
	PhaseActive
	PhaseCompleted
)

type Side uint8

const (
	ClientSide Side = iota
	ServerSide
)

func (s Side) String() string {
	if s == ServerSide {
		return "server"
	}
	return "client"
}

// Sink is the outbound half of a transport stream.
//
// On the client WriteHeader sends the request header and CloseSend
// half-closes the request stream. On the server WriteHeader sends the
// response header and Close writes the status with trailers.
// Close is called exactly once, after the status is final.
type Sink interface {
	WriteHeader(md *metadata.MD) error
	WriteMessage(b []byte) error
	CloseSend() error
	Close(st *status.Status)
}

// MessageConsumer is implemented by sinks that return flow-control credit to
// the peer once the application has read a message.
type MessageConsumer interface {
	MessageConsumed()
}

type Call struct {
	side       Side
	method     string
	deadline   time.Time
	compressor string
	log        *zap.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	stopParent func() bool

	status atomic.Pointer[status.Status]
	done   chan struct{}

	headerReady chan struct{}
	notify      chan struct{}

	mu         sync.Mutex
	desc       *MethodDescriptor
	sink       Sink
	sinkClosed bool
	phase      Phase
	out        HalfState
	in         HalfState
	inbox      [][]byte
	reqHeader  *metadata.MD
	respHeader *metadata.MD
	headerSent bool
	trailer    *metadata.MD
	callbacks  []func(*status.Status)

	sentMessages atomic.Int64
	sentBytes    atomic.Int64
	recvMessages atomic.Int64
	recvBytes    atomic.Int64
}

type options struct {
	deadline   time.Time
	header     *metadata.MD
	compressor string
	log        *zap.Logger
}

type Option func(*options)

// WithDeadline sets an absolute deadline. The zero time means no deadline.
func WithDeadline(t time.Time) Option { return func(o *options) { o.deadline = t } }

// WithHeader sets the request header. The call seals it when it is sent.
func WithHeader(md *metadata.MD) Option { return func(o *options) { o.header = md } }

// WithCompressor selects the grpc-encoding for outbound messages.
func WithCompressor(name string) Option { return func(o *options) { o.compressor = name } }

func WithLogger(log *zap.Logger) Option { return func(o *options) { o.log = log } }

// NewClient creates a client call for desc. Cancellation of ctx cancels the
// call. If the deadline has already passed the call is completed with
// DEADLINE_EXCEEDED before it returns.
func NewClient(ctx context.Context, desc *MethodDescriptor, opts ...Option) *Call {
	c := newCall(ClientSide, desc.FullMethod(), opts)
	c.desc = desc
	c.start(ctx)
	return c
}

// NewServer creates the server side of an inbound call. The request header
// is sealed, sink receives the response.
func NewServer(ctx context.Context, method string, sink Sink, opts ...Option) *Call {
	c := newCall(ServerSide, method, opts)
	c.sink = sink
	c.phase = PhaseActive
	c.reqHeader.Seal()
	c.start(ctx)
	return c
}

func newCall(side Side, method string, opts []Option) *Call {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.header == nil {
		o.header = metadata.New()
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	return &Call{
		side:        side,
		method:      method,
		deadline:    o.deadline,
		compressor:  o.compressor,
		log:         o.log.With(zap.String("method", method), zap.Stringer("side", side)),
		done:        make(chan struct{}),
		headerReady: make(chan struct{}),
		notify:      make(chan struct{}, 1),
		reqHeader:   o.header,
		respHeader:  metadata.New(),
		trailer:     metadata.New(),
	}
}

type callKey struct{}

func (c *Call) start(parent context.Context) {
	if d, ok := parent.Deadline(); ok && (c.deadline.IsZero() || d.Before(c.deadline)) {
		c.deadline = d
	}

	ctx := context.WithValue(parent, callKey{}, c)
	if c.deadline.IsZero() {
		c.ctx, c.cancel = context.WithCancel(ctx)
	} else {
		c.ctx, c.cancel = context.WithDeadline(ctx, c.deadline)
	}

	switch {
	case !c.deadline.IsZero() && !time.Now().Before(c.deadline):
		c.finish(status.New(codes.DeadlineExceeded, "deadline exceeded"))
	case parent.Err() != nil:
		c.finish(status.FromContextError(parent.Err()))
	}

	// срабатывает и на собственный дедлайн, и на отмену родительского контекста
	stop := context.AfterFunc(c.ctx, func() {
		err := c.ctx.Err()
		if err == context.DeadlineExceeded {
			c.finish(status.New(codes.DeadlineExceeded, "deadline exceeded"))
			return
		}
		c.finish(status.FromContextError(err))
	})
	c.mu.Lock()
	c.stopParent = stop
	c.mu.Unlock()
}

// FromContext returns the call a handler context belongs to.
func FromContext(ctx context.Context) (*Call, bool) {
	c, ok := ctx.Value(callKey{}).(*Call)
	return c, ok
}

func (c *Call) Side() Side         { return c.side }
func (c *Call) Method() string     { return c.method }
func (c *Call) Compressor() string { return c.compressor }

// Context is cancelled when the call completes.
func (c *Call) Context() context.Context { return c.ctx }

// Deadline returns the effective deadline, ok is false for an infinite one.
func (c *Call) Deadline() (time.Time, bool) { return c.deadline, !c.deadline.IsZero() }

func (c *Call) Descriptor() *MethodDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc
}

// Bind attaches the method descriptor to a server call.
func (c *Call) Bind(desc *MethodDescriptor) error {
	if desc.FullMethod() != c.method {
		return status.Errorf(codes.Internal, "bind %s to call of %s", desc.FullMethod(), c.method)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desc = desc
	return nil
}

func (c *Call) RequestHeader() *metadata.MD { return c.reqHeader }

func (c *Call) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// States returns the outbound and inbound half states.
func (c *Call) States() (out, in HalfState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out, c.in
}

// Start attaches the transport sink to a client call and sends the request
// header. A call that is already completed performs no I/O.
func (c *Call) Start(sink Sink) error {
	c.mu.Lock()
	if c.sink != nil {
		c.mu.Unlock()
		return status.Error(codes.FailedPrecondition, "call already started")
	}
	if c.sinkClosed {
		c.mu.Unlock()
		sink.Close(c.status.Load())
		return c.terminalErr()
	}
	c.sink = sink
	c.phase = PhaseActive
	halfClosed := c.out == HalfClosed
	c.mu.Unlock()

	c.reqHeader.Seal()
	if err := sink.WriteHeader(c.reqHeader); err != nil {
		return c.writeErr(err)
	}
	if halfClosed {
		return c.writeErr(sink.CloseSend())
	}
	return nil
}

// SendMsg marshals v with the outbound codec and writes it.
func (c *Call) SendMsg(v any) error {
	desc := c.Descriptor()
	if desc == nil {
		return status.Error(codes.FailedPrecondition, "call has no method descriptor")
	}
	cdc := desc.RequestCodec()
	if c.side == ServerSide {
		cdc = desc.ResponseCodec()
	}

	b, err := cdc.Marshal(v)
	if err != nil {
		c.finish(status.FromError(err))
		return c.terminalErr()
	}
	return c.WriteMsg(b)
}

// RecvMsg reads the next message and unmarshals it into v.
// It returns io.EOF once the peer finished sending.
func (c *Call) RecvMsg(v any) error {
	b, err := c.ReadMsg()
	if err != nil {
		return err
	}

	desc := c.Descriptor()
	if desc == nil {
		return status.Error(codes.FailedPrecondition, "call has no method descriptor")
	}
	cdc := desc.ResponseCodec()
	if c.side == ServerSide {
		cdc = desc.RequestCodec()
	}

	if err := cdc.Unmarshal(b, v); err != nil {
		c.finish(status.FromError(err))
		return c.terminalErr()
	}
	return nil
}

// WriteMsg writes one serialized message. Writes must be serialized by the
// caller. Writing after CloseSend fails with FAILED_PRECONDITION, writing
// after completion returns the terminal status (io.EOF for OK).
func (c *Call) WriteMsg(b []byte) error {
	c.mu.Lock()
	if c.status.Load() != nil {
		c.mu.Unlock()
		return c.terminalErr()
	}
	if c.out >= HalfClosed {
		c.mu.Unlock()
		return status.Error(codes.FailedPrecondition, "send after the request stream was closed")
	}
	if c.sink == nil {
		c.mu.Unlock()
		return status.Error(codes.FailedPrecondition, "call is not started")
	}
	var header *metadata.MD
	if c.side == ServerSide && !c.headerSent {
		c.headerSent = true
		header = c.respHeader
		header.Seal()
	}
	c.out = Active
	c.phase = PhaseActive
	sink := c.sink
	c.mu.Unlock()

	if header != nil {
		if err := sink.WriteHeader(header); err != nil {
			return c.writeErr(err)
		}
	}
	if err := sink.WriteMessage(b); err != nil {
		return c.writeErr(err)
	}
	c.sentMessages.Add(1)
	c.sentBytes.Add(int64(len(b)))
	return nil
}

// CloseSend half-closes the outbound stream. It is idempotent.
func (c *Call) CloseSend() error {
	c.mu.Lock()
	if c.out >= HalfClosed || c.status.Load() != nil {
		c.mu.Unlock()
		return nil
	}
	c.out = HalfClosed
	sink := c.sink
	c.mu.Unlock()

	if c.side == ClientSide && sink != nil {
		return c.writeErr(sink.CloseSend())
	}
	return nil
}

// ReadMsg blocks until a message arrives, the peer half-closes (io.EOF) or
// the call completes. A non-OK status is returned immediately, buffered
// messages are dropped. After an OK status buffered messages are drained
// first.
func (c *Call) ReadMsg() ([]byte, error) {
	for {
		c.mu.Lock()
		st := c.status.Load()
		if st != nil && !st.OK() {
			c.mu.Unlock()
			return nil, st.Err()
		}
		if len(c.inbox) > 0 {
			b := c.inbox[0]
			c.inbox[0] = nil
			c.inbox = c.inbox[1:]
			sink := c.sink
			c.mu.Unlock()
			if mc, ok := sink.(MessageConsumer); ok {
				mc.MessageConsumed()
			}
			return b, nil
		}
		if c.in >= HalfClosed || st != nil {
			c.in = Closed
			c.mu.Unlock()
			return nil, io.EOF
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.done:
		}
	}
}

// Header waits for the response header (client side). A trailers-only
// response yields an empty header and the call error.
func (c *Call) Header() (*metadata.MD, error) {
	select {
	case <-c.headerReady:
	case <-c.done:
		select {
		case <-c.headerReady:
		default:
			empty := metadata.New()
			empty.Seal()
			return empty, c.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respHeader, nil
}

// ResponseHeader returns the received response header or nil.
func (c *Call) ResponseHeader() *metadata.MD {
	select {
	case <-c.headerReady:
	default:
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respHeader
}

// Trailer returns the trailing metadata. It is complete once Done is closed.
func (c *Call) Trailer() *metadata.MD {
	if st := c.status.Load(); st != nil && st.Trailer != nil {
		return st.Trailer
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trailer
}

// SetHeader merges md into the response header (server side).
func (c *Call) SetHeader(md *metadata.MD) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headerSent {
		return status.Error(codes.FailedPrecondition, "header already sent")
	}
	return c.respHeader.Append(md)
}

// SendHeader sends the response header. It may be called once.
func (c *Call) SendHeader(md *metadata.MD) error {
	c.mu.Lock()
	if c.headerSent {
		c.mu.Unlock()
		return status.Error(codes.FailedPrecondition, "header already sent")
	}
	if c.status.Load() != nil {
		c.mu.Unlock()
		return c.terminalErr()
	}
	if err := c.respHeader.Append(md); err != nil {
		c.mu.Unlock()
		return err
	}
	c.headerSent = true
	header := c.respHeader
	header.Seal()
	sink := c.sink
	c.mu.Unlock()

	return c.writeErr(sink.WriteHeader(header))
}

// SetTrailer merges md into the trailer sent with the status (server side).
func (c *Call) SetTrailer(md *metadata.MD) error {
	if c.status.Load() != nil {
		return status.Error(codes.FailedPrecondition, "trailer set after the call completed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trailer.Append(md)
}

// Complete finalizes the call with st. On the server the trailer set by the
// handler is attached and a pending response header is flushed.
// Only the first completion wins; it returns false for the others.
func (c *Call) Complete(st *status.Status) bool {
	if st == nil {
		st = status.OK()
	}
	if c.side == ServerSide {
		if c.status.Load() != nil {
			return false
		}

		c.mu.Lock()
		trailer := c.trailer.Copy()
		var header *metadata.MD
		if !c.headerSent && c.respHeader.Len() > 0 {
			c.headerSent = true
			header = c.respHeader
			header.Seal()
		}
		sink := c.sink
		c.mu.Unlock()

		// Append ошибается только на запечатанных MD, а Copy всегда не запечатана
		_ = trailer.Append(st.Trailer)
		trailer.Seal()
		st = st.WithTrailer(trailer)

		if header != nil {
			if err := sink.WriteHeader(header); err != nil {
				return c.finish(status.FromError(err))
			}
		}
	}
	return c.finish(st)
}

// Cancel completes the call with CANCELLED unless it is already completed.
func (c *Call) Cancel() {
	c.finish(status.New(codes.Canceled, "call cancelled"))
}

// DeliverHeader is called by the client transport with the response header.
func (c *Call) DeliverHeader(md *metadata.MD) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headerSent {
		return status.Error(codes.Internal, "response header received twice")
	}
	c.headerSent = true
	md.Seal()
	c.respHeader = md
	close(c.headerReady)
	return nil
}

// DeliverMessage queues an inbound message. Messages after completion are
// dropped.
func (c *Call) DeliverMessage(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Load() != nil {
		return nil
	}
	if c.in >= HalfClosed {
		return status.Error(codes.Internal, "message received after the stream was half-closed")
	}
	c.in = Active
	c.phase = PhaseActive
	c.inbox = append(c.inbox, b)
	c.recvMessages.Add(1)
	c.recvBytes.Add(int64(len(b)))
	c.wakeReader()
	return nil
}

// DeliverHalfClose marks the end of the inbound stream.
func (c *Call) DeliverHalfClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.in < HalfClosed {
		c.in = HalfClosed
	}
	c.wakeReader()
}

// DeliverStatus completes the call with a status reported by the transport.
func (c *Call) DeliverStatus(st *status.Status) bool {
	return c.finish(st)
}

func (c *Call) wakeReader() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Call) finish(st *status.Status) bool {
	if st == nil {
		st = status.OK()
	}
	if !c.status.CompareAndSwap(nil, st) {
		return false
	}

	c.mu.Lock()
	c.phase = PhaseCompleted
	c.out = Closed
	var sink Sink
	if !c.sinkClosed {
		c.sinkClosed = true
		sink = c.sink
	}
	callbacks := c.callbacks
	c.callbacks = nil
	stop := c.stopParent
	c.mu.Unlock()
	c.wakeReader()

	if stop != nil {
		stop()
	}
	c.cancel()

	if sink != nil {
		sink.Close(st)
	}
	for _, fn := range callbacks {
		fn(st)
	}
	close(c.done)

	c.log.Debug("call completed",
		zap.String("code", status.CodeName(st.Code)),
		zap.String("message", st.Message),
	)
	return true
}

// OnDone registers fn to run once with the final status, before Done is
// closed. fn must not wait for the call. If the call is already completed fn
// runs immediately.
func (c *Call) OnDone(fn func(*status.Status)) {
	c.mu.Lock()
	if st := c.status.Load(); st != nil && c.phase == PhaseCompleted {
		c.mu.Unlock()
		fn(st)
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *Call) Done() <-chan struct{} { return c.done }

// Status returns the final status or nil while the call is running.
func (c *Call) Status() *status.Status { return c.status.Load() }

// Err returns the status error of a completed call, nil otherwise.
func (c *Call) Err() error {
	return c.status.Load().Err()
}

func (c *Call) terminalErr() error {
	st := c.status.Load()
	if st.OK() {
		return io.EOF
	}
	return st.Err()
}

func (c *Call) writeErr(err error) error {
	if err == nil {
		return nil
	}
	c.finish(status.FromError(err))
	return c.terminalErr()
}

// Stats are message counters of a call.
type Stats struct {
	SentMessages int64
	SentBytes    int64
	RecvMessages int64
	RecvBytes    int64
}

func (c *Call) Stats() Stats {
	return Stats{
		SentMessages: c.sentMessages.Load(),
		SentBytes:    c.sentBytes.Load(),
		RecvMessages: c.recvMessages.Load(),
		RecvBytes:    c.recvBytes.Load(),
	}
}

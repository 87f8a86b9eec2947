package h2

import (
	"bytes"
	"context"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/codec"
	"github.com/ozontech/callflow/compress"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/status"
	"github.com/ozontech/callflow/transport"
	"github.com/ozontech/callflow/transport/h2/limiter"
	"github.com/ozontech/callflow/utils/grpc"
)

var _ transport.ClientTransport = (*ClientConn)(nil)

// ClientConn is a client HTTP/2 connection. Streams are multiplexed over it
// up to the peer's SETTINGS_MAX_CONCURRENT_STREAMS.
type ClientConn struct {
	*conn
	authority string
	limiter   *limiter.Limiter

	// закрывается после первого SETTINGS сервера: до него неизвестен лимит стримов
	ready     chan struct{}
	readyOnce sync.Once

	// под encMu
	nextStreamID uint32
	goAway       *GoAwayError
}

// Dial connects to addr over TCP.
func Dial(ctx context.Context, addr string, opts ...Opt) (*ClientConn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "dial %s: %v", addr, err)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if a := newConfig(opts).authority; a == "" {
		opts = append(opts, WithAuthority(addr))
	}
	return NewClientConn(nc, opts...), nil
}

// NewClientConn starts the client side of HTTP/2 over nc.
func NewClientConn(nc net.Conn, opts ...Opt) *ClientConn {
	cfg := newConfig(opts)
	cc := &ClientConn{
		conn:         newConn(nc, call.ClientSide, cfg, "h2-client"),
		authority:    cfg.authority,
		limiter:      limiter.New(0),
		ready:        make(chan struct{}),
		nextStreamID: 1,
	}
	if cc.authority == "" {
		cc.authority = nc.RemoteAddr().String()
	}

	cc.processors[http2.FrameHeaders] = cc.processHeaders
	cc.processors[http2.FrameSettings] = func(f http2.Frame) error {
		if err := cc.processSettings(f); err != nil {
			return err
		}
		cc.readyOnce.Do(func() { close(cc.ready) })
		return nil
	}
	cc.processors[http2.FrameGoAway] = cc.processGoAway
	cc.onStreamEnd = func(s *stream) {
		s.c.DeliverStatus(status.New(codes.Internal, "server closed the stream without sending trailers"))
	}
	cc.onSetting = func(s http2.Setting) {
		if s.ID == http2.SettingMaxConcurrentStreams {
			cc.limiter.SetQuota(s.Val)
		}
	}

	preface := append([]byte(http2.ClientPreface), appendSettings(nil,
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: cfg.maxHeaderListSize},
	)...)
	_ = cc.w.enqueuePriority(preface)

	go func() {
		_ = cc.run(context.Background())
	}()
	cc.log.Debug("connection established")
	return cc
}

// Done is closed when the connection is gone.
func (cc *ClientConn) Done() <-chan struct{} { return cc.done }

// Err returns the reason the connection was closed.
func (cc *ClientConn) Err() error {
	select {
	case <-cc.done:
		return cc.err
	default:
		return nil
	}
}

// Close fails every open stream with UNAVAILABLE and closes the connection.
func (cc *ClientConn) Close() error {
	cc.cancel()
	<-cc.done
	return nil
}

func (cc *ClientConn) checkOpen() error {
	cc.encMu.Lock()
	defer cc.encMu.Unlock()
	return cc.checkOpenLocked()
}

func (cc *ClientConn) checkOpenLocked() error {
	switch {
	case cc.ctx.Err() != nil:
		return status.Error(codes.Unavailable, errConnClosed.Error())
	case cc.goAway != nil:
		return status.Errorf(codes.Unavailable, "connection is going away: %s", cc.goAway)
	case cc.nextStreamID > math.MaxInt32:
		return status.Error(codes.Unavailable, "stream ids exhausted")
	}
	return nil
}

// NewStream waits for a free stream slot and returns the sink of c.
func (cc *ClientConn) NewStream(ctx context.Context, c *call.Call) (call.Sink, error) {
	if err := cc.checkOpen(); err != nil {
		return nil, err
	}

	var comp compress.Compressor
	if name := c.Compressor(); name != "" {
		var ok bool
		if comp, ok = cc.cfg.compressors.Get(name); !ok {
			return nil, status.Errorf(codes.Internal, "compressor %q is not registered", name)
		}
	}

	select {
	case <-cc.ready:
	case <-cc.done:
		return nil, status.Error(codes.Unavailable, errConnClosed.Error())
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	if err := cc.limiter.WaitAllow(ctx); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	if err := cc.checkOpen(); err != nil {
		cc.limiter.Release()
		return nil, err
	}

	return &clientStream{
		stream: &stream{cn: cc.conn, c: c, comp: comp},
		cc:     cc,
	}, nil
}

func (cc *ClientConn) requestFields(c *call.Call, comp compress.Compressor, md *metadata.MD) []hpack.HeaderField {
	contentType := codec.ContentType("")
	if desc := c.Descriptor(); desc != nil {
		contentType = codec.ContentType(desc.RequestCodec().Name())
	}

	fields := make([]hpack.HeaderField, 0, 10+md.Len())
	fields = append(fields,
		hpack.HeaderField{Name: ":method", Value: "POST"},
		hpack.HeaderField{Name: ":scheme", Value: "http"},
		hpack.HeaderField{Name: ":path", Value: c.Method()},
		hpack.HeaderField{Name: ":authority", Value: cc.authority},
		hpack.HeaderField{Name: "content-type", Value: contentType},
		hpack.HeaderField{Name: "te", Value: "trailers"},
	)
	if dl, ok := c.Deadline(); ok {
		fields = append(fields, hpack.HeaderField{Name: "grpc-timeout", Value: grpc.EncodeDuration(time.Until(dl))})
	}
	if comp != nil {
		fields = append(fields, hpack.HeaderField{Name: "grpc-encoding", Value: comp.Name()})
	}
	if ae := cc.cfg.compressors.AcceptEncoding(); ae != "" {
		fields = append(fields, hpack.HeaderField{Name: "grpc-accept-encoding", Value: ae})
	}

	ua := cc.cfg.userAgent
	if custom := md.Value("user-agent"); custom != "" {
		ua = custom + " " + ua
	}
	fields = append(fields, hpack.HeaderField{Name: "user-agent", Value: ua})
	return appendMetadata(fields, md)
}

func (cc *ClientConn) processHeaders(f http2.Frame) error {
	mh := f.(*http2.MetaHeadersFrame)
	s := cc.streams.Get(mh.StreamID)
	if s == nil {
		return nil
	}
	log := s.logger()

	if mh.Truncated {
		s.c.DeliverStatus(status.New(codes.Internal, "response header list is too large"))
		return nil
	}

	if !s.gotHeader {
		s.gotHeader = true
		if st := cc.checkResponseHead(s, mh); st != nil {
			s.c.DeliverStatus(st)
			return nil
		}
		if mh.StreamEnded() {
			// trailers-only
			s.remoteEnded.Store(true)
			s.c.DeliverStatus(statusFromTrailers(mh.Fields, log))
			return nil
		}
		md := metadataFromFields(mh.RegularFields(), log)
		if err := s.c.DeliverHeader(md); err != nil {
			s.c.DeliverStatus(status.FromError(err))
		}
		return nil
	}

	if !mh.StreamEnded() {
		s.c.DeliverStatus(status.New(codes.Internal, "received trailers without END_STREAM"))
		return nil
	}
	s.remoteEnded.Store(true)
	if len(s.msgBuf) > 0 {
		s.c.DeliverStatus(status.New(codes.Internal, "stream ended with a partial message"))
		return nil
	}
	s.c.DeliverStatus(statusFromTrailers(mh.Fields, log))
	return nil
}

// checkResponseHead проверяет :status и content-type первого блока заголовков.
func (cc *ClientConn) checkResponseHead(s *stream, mh *http2.MetaHeadersFrame) *status.Status {
	_, hasStatus := headerValue(mh.Fields, "grpc-status")
	trailersOnly := hasStatus && mh.StreamEnded()

	if httpStatus := mh.PseudoValue("status"); httpStatus != "200" {
		if trailersOnly {
			return nil
		}
		code, err := strconv.Atoi(httpStatus)
		if err != nil {
			return status.Newf(codes.Internal, "malformed :status %q", httpStatus)
		}
		return status.FromHTTPStatus(code)
	}

	ct, _ := headerValue(mh.Fields, "content-type")
	if _, ok := codec.SubtypeFromContentType(ct); !ok && !trailersOnly {
		return status.Newf(codes.Unknown, "unexpected content-type %q", ct)
	}

	if enc, ok := headerValue(mh.Fields, "grpc-encoding"); ok {
		d, ok := cc.cfg.compressors.Get(enc)
		if !ok {
			return status.Newf(codes.Internal, "unknown grpc-encoding %q", enc)
		}
		s.decomp = d
	}
	return nil
}

func (cc *ClientConn) processGoAway(f http2.Frame) error {
	gf := f.(*http2.GoAwayFrame)
	goAway := GoAwayError{
		Code:         gf.ErrCode,
		LastStreamID: gf.LastStreamID,
		DebugData:    bytes.Clone(gf.DebugData()),
	}

	cc.encMu.Lock()
	cc.goAway = &goAway
	cc.encMu.Unlock()

	if goAway.Code == http2.ErrCodeNo {
		cc.log.Info("server is going away", zap.Uint32("last-stream-id", goAway.LastStreamID))
	} else {
		cc.log.Warn("server is going away", zap.Error(goAway))
	}

	st := status.Newf(codes.Unavailable, "%s", goAway)
	cc.streams.Each(func(s *stream) {
		if s.id > goAway.LastStreamID {
			s.c.DeliverStatus(st)
		}
	})
	cc.closeIfIdle()
	return nil
}

// closeIfIdle закрывает соединение после GOAWAY, когда не осталось стримов.
func (cc *ClientConn) closeIfIdle() {
	cc.encMu.Lock()
	goingAway := cc.goAway != nil
	cc.encMu.Unlock()
	if goingAway && cc.streams.Len() == 0 {
		cc.cancel()
	}
}

// clientStream - sink клиентского вызова.
type clientStream struct {
	*stream
	cc *ClientConn
}

func (s *clientStream) WriteHeader(md *metadata.MD) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if s.headerSent {
		return status.Error(codes.Internal, "request header already sent")
	}
	fields := s.cc.requestFields(s.c, s.comp, md)

	cc := s.cc
	cc.encMu.Lock()
	defer cc.encMu.Unlock()
	if err := cc.checkOpenLocked(); err != nil {
		return err
	}
	s.id = cc.nextStreamID
	cc.nextStreamID += 2
	cc.register(s.stream)

	if err := cc.writeHeadersLocked(s.id, fields, false); err != nil {
		cc.streams.Delete(s.id)
		return status.Error(codes.Unavailable, err.Error())
	}
	s.headerSent = true
	return nil
}

func (s *clientStream) WriteMessage(b []byte) error { return s.writeMessage(b) }

func (s *clientStream) CloseSend() error { return s.endStream() }

func (s *clientStream) Close(st *status.Status) {
	s.wmu.Lock()
	if s.closed {
		s.wmu.Unlock()
		return
	}
	s.closed = true
	registered := s.headerSent
	endSent := s.endSent
	s.wmu.Unlock()

	defer s.cc.limiter.Release()
	if !registered {
		return
	}
	s.fc.Disable()

	// сбрасываем стрим, если сервер еще может что-то прислать или ждет от нас данных
	if !s.peerReset.Load() {
		switch {
		case !s.remoteEnded.Load():
			s.resetStream(status.HTTP2ErrCode(st.Code))
		case !endSent:
			s.resetStream(http2.ErrCodeNo)
		}
	}

	s.cc.streams.Delete(s.id)
	s.cc.closeIfIdle()
	s.logger().Debug("stream closed", zap.Stringer("status", st))
}

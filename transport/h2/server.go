package h2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/codec"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/status"
	"github.com/ozontech/callflow/transport"
	"github.com/ozontech/callflow/transport/h2/limiter"
	"github.com/ozontech/callflow/utils/grpc"
)

// Server accepts HTTP/2 connections and hands inbound calls to a handler.
type Server struct {
	handler transport.Handler
	cfg     *config
	log     *zap.Logger

	mu        sync.Mutex
	shutdown  bool
	listeners map[net.Listener]struct{}
	conns     map[*serverConn]struct{}
	wg        sync.WaitGroup
}

func NewServer(handler transport.Handler, opts ...Opt) *Server {
	cfg := newConfig(opts)
	return &Server{
		handler:   handler,
		cfg:       cfg,
		log:       cfg.log.Named("h2-server"),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*serverConn]struct{}),
	}
}

// Serve accepts connections on lis until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return status.Error(codes.Unavailable, "server is shut down")
	}
	s.listeners[lis] = struct{}{}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = lis.Close() })
	defer stop()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, lis)
		s.mu.Unlock()
	}()

	s.log.Info("serving", zap.Stringer("addr", lis.Addr()))
	for {
		nc, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isShutdown() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		go func() {
			if err := s.ServeConn(ctx, nc); err != nil {
				s.log.Info("connection closed", zap.Error(err))
			}
		}()
	}
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// ServeConn serves a single connection until it is closed.
// It returns after every handler started on it has returned.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = nc.Close()
		return status.Error(codes.Unavailable, "server is shut down")
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if err := readPreface(ctx, nc); err != nil {
		_ = nc.Close()
		return err
	}

	sc := s.newServerConn(nc)
	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
	}()

	err := sc.run(ctx)
	sc.handlers.Wait()
	return err
}

func readPreface(ctx context.Context, nc net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = nc.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(nc, buf); err != nil {
		return fmt.Errorf("read preface: %w", err)
	}
	if !bytes.Equal(buf, []byte(http2.ClientPreface)) {
		return errors.New("bad client preface")
	}
	return nil
}

// Shutdown sends GOAWAY to every connection and waits for their streams to
// finish. When ctx ends first the remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	for lis := range s.listeners {
		_ = lis.Close()
	}
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	s.log.Info("shutting down", zap.Int("connections", len(conns)))
	for _, sc := range conns {
		sc.drain()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for sc := range s.conns {
			sc.cancel()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

type serverConn struct {
	*conn
	handler  transport.Handler
	limiter  *limiter.Limiter
	handlers sync.WaitGroup

	lastStreamID atomic.Uint32
	draining     atomic.Bool
	idleOnce     sync.Once
}

func (s *Server) newServerConn(nc net.Conn) *serverConn {
	sc := &serverConn{
		conn:    newConn(nc, call.ServerSide, s.cfg, "h2-server"),
		handler: s.handler,
		limiter: limiter.New(s.cfg.maxConcurrentStreams),
	}
	sc.processors[http2.FrameHeaders] = sc.processHeaders
	sc.processors[http2.FrameGoAway] = sc.processGoAway
	sc.onStreamEnd = func(st *stream) { st.c.DeliverHalfClose() }

	settings := []http2.Setting{{ID: http2.SettingMaxHeaderListSize, Val: s.cfg.maxHeaderListSize}}
	if n := s.cfg.maxConcurrentStreams; n > 0 {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: n})
	}
	_ = sc.w.enqueuePriority(appendSettings(nil, settings...))
	sc.log.Debug("connection accepted")
	return sc
}

// drain отправляет GOAWAY и закрывает соединение, когда стримов не останется.
func (sc *serverConn) drain() {
	if sc.draining.Swap(true) {
		return
	}
	_ = sc.w.enqueue(appendGoAway(sc.w.buf(), sc.lastStreamID.Load(), http2.ErrCodeNo, nil))
	sc.closeIfIdle()
}

func (sc *serverConn) closeIfIdle() {
	if !sc.draining.Load() || sc.streams.Len() > 0 {
		return
	}
	sc.idleOnce.Do(func() {
		// дописываем трейлеры и GOAWAY, после чего writer завершит соединение
		if err := sc.w.flush(); err != nil {
			sc.cancel()
		}
	})
}

func (sc *serverConn) processGoAway(f http2.Frame) error {
	gf := f.(*http2.GoAwayFrame)
	sc.log.Debug("client is going away", zap.Stringer("code", gf.ErrCode))
	return nil
}

func (sc *serverConn) processHeaders(f http2.Frame) error {
	mh := f.(*http2.MetaHeadersFrame)
	id := mh.StreamID

	if s := sc.streams.Get(id); s != nil {
		// трейлеры клиента
		if !mh.StreamEnded() {
			s.c.DeliverStatus(status.New(codes.Internal, "received trailers without END_STREAM"))
			return nil
		}
		s.remoteEnded.Store(true)
		s.c.DeliverHalfClose()
		return nil
	}

	if id%2 == 0 {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	if id <= sc.lastStreamID.Load() {
		// стрим уже закрыт нами
		return nil
	}
	sc.lastStreamID.Store(id)

	if sc.draining.Load() || !sc.limiter.TryAllow() {
		return sc.w.enqueue(appendRSTStream(sc.w.buf(), id, http2.ErrCodeRefusedStream))
	}

	s, opts, rejection := sc.newStream(mh)
	if rejection != nil {
		sc.limiter.Release()
		return sc.writeHeaders(id, rejection, true)
	}

	sc.register(s)
	c := call.NewServer(context.Background(), mh.PseudoValue("path"), &serverStream{stream: s, sc: sc}, opts...)
	s.c = c
	if mh.StreamEnded() {
		s.remoteEnded.Store(true)
		c.DeliverHalfClose()
	}

	sc.handlers.Add(1)
	go func() {
		defer sc.handlers.Done()
		sc.handler.Handle(c)
	}()
	return nil
}

// newStream разбирает заголовки запроса. При ошибке возвращает
// trailers-only ответ.
func (sc *serverConn) newStream(mh *http2.MetaHeadersFrame) (*stream, []call.Option, []hpack.HeaderField) {
	s := &stream{id: mh.StreamID, cn: sc.conn}
	log := s.logger()

	if mh.Truncated {
		return nil, nil, rejectFields(http.StatusRequestHeaderFieldsTooLarge, "", status.New(codes.Internal, "request header list is too large"))
	}
	if m := mh.PseudoValue("method"); m != http.MethodPost {
		return nil, nil, rejectFields(http.StatusMethodNotAllowed, "", status.Newf(codes.Internal, "invalid gRPC request method %q", m))
	}

	ct, _ := headerValue(mh.Fields, "content-type")
	subtype, ok := codec.SubtypeFromContentType(ct)
	if !ok {
		return nil, nil, rejectFields(http.StatusUnsupportedMediaType, "", status.Newf(codes.Internal, "invalid gRPC request content-type %q", ct))
	}
	contentType := codec.ContentType(subtype)
	s.contentType = contentType

	var opts []call.Option
	if v, ok := headerValue(mh.Fields, "grpc-timeout"); ok {
		d, err := grpc.DecodeDuration(v)
		if err != nil {
			return nil, nil, rejectFields(http.StatusOK, contentType, status.Newf(codes.Internal, "malformed grpc-timeout: %v", err))
		}
		opts = append(opts, call.WithDeadline(time.Now().Add(d)))
	}

	if enc, ok := headerValue(mh.Fields, "grpc-encoding"); ok {
		d, ok := sc.cfg.compressors.Get(enc)
		if !ok {
			rejection := rejectFields(http.StatusOK, contentType,
				status.Newf(codes.Unimplemented, "grpc: decompressor is not installed for grpc-encoding %q", enc))
			return nil, nil, append(rejection, hpack.HeaderField{Name: "grpc-accept-encoding", Value: sc.cfg.compressors.AcceptEncoding()})
		}
		s.decomp = d
		if d != nil {
			// отвечаем тем же сжатием, что и клиент
			s.comp = d
			opts = append(opts, call.WithCompressor(enc))
		}
	}

	md := metadataFromFields(mh.RegularFields(), log)
	if ua, ok := headerValue(mh.Fields, "user-agent"); ok {
		_ = md.Add("user-agent", ua)
	}
	opts = append(opts, call.WithHeader(md), call.WithLogger(log))
	return s, opts, nil
}

func rejectFields(httpStatus int, contentType string, st *status.Status) []hpack.HeaderField {
	if contentType == "" {
		contentType = codec.ContentType("")
	}
	fields := []hpack.HeaderField{
		{Name: ":status", Value: strconv.Itoa(httpStatus)},
		{Name: "content-type", Value: contentType},
	}
	return statusFields(fields, st)
}

// serverStream - sink серверного вызова.
type serverStream struct {
	*stream
	sc *serverConn
}

func (s *serverStream) WriteHeader(md *metadata.MD) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	return s.writeHeaderLocked(md)
}

func (s *serverStream) writeHeaderLocked(md *metadata.MD) error {
	if s.headerSent {
		return nil
	}
	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: s.contentType},
	}
	if s.comp != nil {
		fields = append(fields, hpack.HeaderField{Name: "grpc-encoding", Value: s.comp.Name()})
	}
	if err := s.sc.writeHeaders(s.id, appendMetadata(fields, md), false); err != nil {
		return errStreamClosed
	}
	s.headerSent = true
	return nil
}

func (s *serverStream) WriteMessage(b []byte) error { return s.writeMessage(b) }

func (s *serverStream) CloseSend() error { return nil }

func (s *serverStream) Close(st *status.Status) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.fc.Disable()

	if !s.peerReset.Load() {
		var fields []hpack.HeaderField
		if !s.headerSent {
			fields = append(fields,
				hpack.HeaderField{Name: ":status", Value: "200"},
				hpack.HeaderField{Name: "content-type", Value: s.contentType},
			)
		}
		if err := s.sc.writeHeaders(s.id, statusFields(fields, st), true); err != nil {
			s.logger().Debug("write trailers", zap.Error(err))
		}
		s.endSent = true

		// клиент еще может слать данные
		if !s.remoteEnded.Load() {
			s.resetStream(http2.ErrCodeNo)
		}
	}

	s.sc.streams.Delete(s.id)
	s.sc.limiter.Release()
	s.sc.closeIfIdle()
	s.logger().Debug("stream closed", zap.Stringer("status", st))
}

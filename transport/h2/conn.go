// Package h2 carries calls over HTTP/2 connections using the gRPC wire
// protocol.
//
// Both sides share one connection core: a writer goroutine batching frames,
// a reader goroutine dispatching frames through a table of processors and
// per-stream flow control.
package h2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/consts"
	"github.com/ozontech/callflow/transport/h2/flowcontrol"
	hpackwrapper "github.com/ozontech/callflow/utils/hpack_wrapper"
)

var connIDs atomic.Uint64

type processor func(http2.Frame) error

type conn struct {
	id   uint64
	side call.Side
	nc   net.Conn
	cfg  *config
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error // валидна после закрытия done

	w       *writer
	framer  *http2.Framer
	fcConn  *flowcontrol.FlowControl
	recvAcc uint32 // только читающая горутина
	streams *streamsMap

	// кодирование заголовков и постановка их в очередь должны идти в одном порядке
	encMu sync.Mutex
	enc   *hpackwrapper.Wrapper

	settingsMu        sync.RWMutex
	peerInitialWindow uint32
	peerMaxFrameSize  uint32

	processors [http2.FrameContinuation + 1]processor

	// обработчики, специфичные для стороны соединения
	onStreamEnd func(s *stream)
	onSetting   func(s http2.Setting)
}

func newConn(nc net.Conn, side call.Side, cfg *config, name string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := connIDs.Add(1)
	cn := &conn{
		id:   id,
		side: side,
		nc:   nc,
		cfg:  cfg,
		log: cfg.log.Named(name).With(
			zap.Uint64("conn-id", id),
			zap.Stringer("remote", nc.RemoteAddr()),
		),

		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),

		w:       newWriter(nc, ctx.Done()),
		fcConn:  flowcontrol.NewFlowControl(consts.DefaultInitialWindowSize),
		streams: newStreamsMap(),
		enc:     hpackwrapper.NewWrapper(hpackwrapper.WithMaxDynamicTableSize(consts.DefaultHeaderTableSize)),

		peerInitialWindow: consts.DefaultInitialWindowSize,
		peerMaxFrameSize:  consts.DefaultMaxFrameSize,

		onStreamEnd: func(*stream) {},
		onSetting:   func(http2.Setting) {},
	}

	cn.framer = http2.NewFramer(io.Discard, nc)
	cn.framer.ReadMetaHeaders = hpack.NewDecoder(consts.DefaultHeaderTableSize, nil)
	cn.framer.MaxHeaderListSize = cfg.maxHeaderListSize
	cn.framer.SetMaxReadFrameSize(consts.DefaultMaxFrameSize)

	cn.processors[http2.FrameData] = cn.processData
	cn.processors[http2.FrameRSTStream] = cn.processRSTStream
	cn.processors[http2.FrameSettings] = cn.processSettings
	cn.processors[http2.FramePing] = cn.processPing
	cn.processors[http2.FrameWindowUpdate] = cn.processWindowUpdate
	return cn
}

// run обслуживает соединение до ошибки, закрытия пиром или отмены ctx.
func (cn *conn) run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, cn.cancel)
	defer stop()

	g, gctx := errgroup.WithContext(cn.ctx)
	g.Go(func() error {
		<-gctx.Done()
		// разблокируем чтение и запись
		_ = cn.nc.SetDeadline(time.Now())
		return nil
	})
	g.Go(func() error {
		defer cn.cancel()
		return cn.w.run(gctx)
	})
	g.Go(func() error {
		defer cn.cancel()
		return cn.readLoop()
	})

	err := g.Wait()
	cn.shutdown(err)
	return err
}

func (cn *conn) shutdown(err error) {
	cn.err = err
	cn.fcConn.Disable()
	if closeErr := cn.nc.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		cn.log.Debug("close connection", zap.Error(closeErr))
	}

	st := connClosedStatus(err)
	cn.streams.Each(func(s *stream) {
		s.fc.Disable()
		s.c.DeliverStatus(st)
	})
	close(cn.done)

	if err != nil {
		cn.log.Info("connection closed", zap.Error(err))
	} else {
		cn.log.Debug("connection closed")
	}
}

func (cn *conn) readLoop() error {
	for {
		f, err := cn.framer.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				cn.streamError(se)
				continue
			}
			if cn.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return cn.connError(fmt.Errorf("read frame: %w", err))
		}

		t := f.Header().Type
		if int(t) >= len(cn.processors) || cn.processors[t] == nil {
			continue // неизвестные фреймы игнорируются
		}
		if err := cn.processors[t](f); err != nil {
			return cn.connError(err)
		}
	}
}

// connError пытается сообщить пиру о нарушении протокола.
func (cn *conn) connError(err error) error {
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		_ = cn.w.enqueuePriority(appendGoAway(cn.w.buf(), 0, http2.ErrCode(ce), []byte(err.Error())))
	}
	return err
}

func (cn *conn) streamError(se http2.StreamError) {
	cn.log.Debug("stream error", zap.Uint32("stream-id", se.StreamID), zap.Error(se))
	s := cn.streams.Get(se.StreamID)
	if s == nil {
		_ = cn.w.enqueue(appendRSTStream(cn.w.buf(), se.StreamID, se.Code))
		return
	}
	s.c.DeliverStatus(protocolErrStatus(se))
}

func (cn *conn) maxFrameSize() int {
	cn.settingsMu.RLock()
	defer cn.settingsMu.RUnlock()
	return int(cn.peerMaxFrameSize)
}

// register создает окно стрима и публикует его для читающей горутины.
func (cn *conn) register(s *stream) {
	cn.settingsMu.RLock()
	defer cn.settingsMu.RUnlock()
	s.fc = flowcontrol.NewFlowControl(cn.peerInitialWindow)
	cn.streams.Set(s.id, s)
}

// writeHeaders кодирует и ставит в очередь блок заголовков.
func (cn *conn) writeHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	cn.encMu.Lock()
	defer cn.encMu.Unlock()
	return cn.writeHeadersLocked(streamID, fields, endStream)
}

func (cn *conn) writeHeadersLocked(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	for _, f := range fields {
		if f.Sensitive {
			cn.enc.WriteSensitiveField(f.Name, f.Value)
			continue
		}
		cn.enc.WriteField(f.Name, f.Value)
	}
	return cn.w.enqueue(appendHeaders(cn.w.buf(), streamID, cn.enc.Block(), endStream, cn.maxFrameSize()))
}

func (cn *conn) processData(f http2.Frame) error {
	df := f.(*http2.DataFrame)
	n := df.Header().Length

	cn.recvAcc += n
	if cn.recvAcc >= windowUpdateMinValue {
		if err := cn.w.enqueuePriority(appendWindowUpdate(cn.w.buf(), 0, cn.recvAcc)); err != nil {
			return err
		}
		cn.recvAcc = 0
	}

	s := cn.streams.Get(df.StreamID)
	if s == nil {
		return nil
	}
	if st := s.receiveData(df); st != nil {
		s.c.DeliverStatus(st)
		return nil
	}
	if df.StreamEnded() {
		s.remoteEnded.Store(true)
		cn.onStreamEnd(s)
	}
	return nil
}

func (cn *conn) processRSTStream(f http2.Frame) error {
	rf := f.(*http2.RSTStreamFrame)
	s := cn.streams.Get(rf.StreamID)
	if s == nil {
		return nil
	}
	s.peerReset.Store(true)
	s.fc.Disable()
	s.c.DeliverStatus(RSTStreamError{Code: rf.ErrCode}.Status())
	return nil
}

func (cn *conn) processSettings(f http2.Frame) error {
	sf := f.(*http2.SettingsFrame)
	if sf.IsAck() {
		return nil
	}

	err := sf.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		switch s.ID {
		case http2.SettingInitialWindowSize:
			// держим settingsMu, чтобы не пропустить стрим, создаваемый параллельно
			cn.settingsMu.Lock()
			delta := int64(s.Val) - int64(cn.peerInitialWindow)
			cn.peerInitialWindow = s.Val
			cn.streams.Each(func(st *stream) { st.fc.Adjust(delta) })
			cn.settingsMu.Unlock()
		case http2.SettingMaxFrameSize:
			cn.settingsMu.Lock()
			cn.peerMaxFrameSize = s.Val
			cn.settingsMu.Unlock()
		case http2.SettingHeaderTableSize:
			cn.encMu.Lock()
			cn.enc.SetMaxDynamicTableSizeLimit(s.Val)
			cn.encMu.Unlock()
		}
		cn.onSetting(s)
		return nil
	})
	if err != nil {
		return err
	}
	return cn.w.enqueuePriority(appendSettingsAck(cn.w.buf()))
}

func (cn *conn) processPing(f http2.Frame) error {
	pf := f.(*http2.PingFrame)
	if pf.IsAck() {
		return nil
	}
	return cn.w.enqueuePriority(appendPingAck(cn.w.buf(), pf.Data))
}

func (cn *conn) processWindowUpdate(f http2.Frame) error {
	wf := f.(*http2.WindowUpdateFrame)
	if wf.StreamID == 0 {
		cn.fcConn.Add(wf.Increment)
		return nil
	}
	if s := cn.streams.Get(wf.StreamID); s != nil {
		s.fc.Add(wf.Increment)
	}
	return nil
}

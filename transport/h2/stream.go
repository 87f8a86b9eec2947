package h2

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/compress"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/status"
	"github.com/ozontech/callflow/transport/h2/flowcontrol"
	"github.com/ozontech/callflow/utils/grpc"
)

var errStreamClosed = status.Error(codes.Unavailable, "stream closed")

// stream - общая для клиента и сервера часть HTTP/2 стрима.
type stream struct {
	id     uint32
	cn     *conn
	c      *call.Call
	fc     *flowcontrol.FlowControl
	comp   compress.Compressor // исходящие сообщения
	decomp compress.Compressor // входящие сообщения

	contentType string // ответ сервера повторяет content-type запроса

	// доступ только из читающей горутины
	msgBuf    []byte
	gotHeader bool

	// входящее окно стрима возвращается пиру, только пока приложение
	// читает: непрочитанных байт не больше recvBufferLimit
	rmu      sync.Mutex
	recvAcc  uint32 // получено, но еще не возвращено WINDOW_UPDATE
	unread   int    // байты сообщений в очереди вызова
	unreadSz []int  // их размеры на проводе, по порядку

	peerReset   atomic.Bool
	remoteEnded atomic.Bool

	wmu        sync.Mutex
	headerSent bool
	endSent    bool
	closed     bool
}

func (s *stream) logger() *zap.Logger {
	return s.cn.log.With(zap.Uint32("stream-id", s.id))
}

// receiveData собирает сообщения из DATA фрейма и отдает их вызову.
// Ненулевой статус означает, что стрим нужно завершить.
func (s *stream) receiveData(df *http2.DataFrame) *status.Status {
	if !df.StreamEnded() {
		defer s.credit(df.Header().Length)
	}

	s.msgBuf = append(s.msgBuf, df.Data()...)
	buf := s.msgBuf
	maxSize := s.cn.cfg.maxRecvMessageSize
	for len(buf) >= msgHeaderSize {
		length := int(binary.BigEndian.Uint32(buf[1:msgHeaderSize]))
		if length > maxSize {
			return status.Newf(codes.ResourceExhausted, "received message larger than max (%d vs. %d)", length, maxSize)
		}
		if len(buf) < msgHeaderSize+length {
			break
		}

		payload := buf[msgHeaderSize : msgHeaderSize+length]
		var msg []byte
		switch buf[0] {
		case 0:
			msg = bytes.Clone(payload)
			if msg == nil {
				msg = []byte{}
			}
		case 1:
			if s.decomp == nil {
				return status.New(codes.Internal, "compressed flag set with identity or empty encoding")
			}
			var err error
			if msg, err = s.decomp.Decompress(payload, maxSize); err != nil {
				return status.FromError(err)
			}
		default:
			return status.Newf(codes.Internal, "invalid compressed flag %d", buf[0])
		}

		// размер учитывается до доставки: ReadMsg может забрать сообщение сразу
		s.rmu.Lock()
		s.unread += msgHeaderSize + length
		s.unreadSz = append(s.unreadSz, msgHeaderSize+length)
		s.rmu.Unlock()
		if err := s.c.DeliverMessage(msg); err != nil {
			return status.FromError(err)
		}
		buf = buf[msgHeaderSize+length:]
	}
	s.msgBuf = append(s.msgBuf[:0], buf...)

	if df.StreamEnded() && len(s.msgBuf) > 0 {
		return status.New(codes.Internal, "stream ended with a partial message")
	}
	return nil
}

// credit копит n полученных байт и возвращает их пиру, если очередь
// непрочитанных сообщений не переполнена.
func (s *stream) credit(n uint32) {
	s.rmu.Lock()
	s.recvAcc += n
	var incr uint32
	if s.unread < recvBufferLimit && s.recvAcc >= windowUpdateMinValue {
		incr, s.recvAcc = s.recvAcc, 0
	}
	s.rmu.Unlock()

	if incr == 0 || s.remoteEnded.Load() {
		return
	}
	_ = s.cn.w.enqueuePriority(appendWindowUpdate(s.cn.w.buf(), s.id, incr))
}

// MessageConsumed вызывается call.Call, когда приложение прочитало сообщение.
func (s *stream) MessageConsumed() {
	s.rmu.Lock()
	if len(s.unreadSz) > 0 {
		s.unread -= s.unreadSz[0]
		s.unreadSz = s.unreadSz[1:]
	}
	s.rmu.Unlock()
	s.credit(0)
}

// writeMessage режет сообщение на DATA фреймы с учетом окон стрима и соединения.
func (s *stream) writeMessage(b []byte) error {
	compressed := false
	if s.comp != nil {
		cb, err := s.comp.Compress(b)
		if err != nil {
			return status.Errorf(codes.Internal, "compress message: %v", err)
		}
		b, compressed = cb, true
	}
	if maxSize := s.cn.cfg.maxSendMessageSize; len(b) > maxSize {
		return status.Errorf(codes.ResourceExhausted, "trying to send message larger than max (%d vs. %d)", len(b), maxSize)
	}
	msg := appendMessage(make([]byte, 0, msgHeaderSize+len(b)), compressed, b)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed || s.endSent {
		return errStreamClosed
	}

	ctx := s.c.Context()
	for len(msg) > 0 {
		n, ok := s.fc.Take(ctx, uint32(min(len(msg), s.cn.maxFrameSize())))
		if !ok {
			return errStreamClosed
		}
		m, ok := s.cn.fcConn.Take(ctx, n)
		if !ok {
			return errStreamClosed
		}
		if m < n {
			s.fc.Add(n - m)
		}

		if err := s.cn.w.enqueue(appendData(s.cn.w.buf(), s.id, msg[:m], false)); err != nil {
			return errStreamClosed
		}
		msg = msg[m:]
	}
	return nil
}

// endStream отправляет пустой DATA с END_STREAM.
func (s *stream) endStream() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed || s.endSent {
		return nil
	}
	s.endSent = true
	if err := s.cn.w.enqueue(appendData(s.cn.w.buf(), s.id, nil, true)); err != nil {
		return errStreamClosed
	}
	return nil
}

func (s *stream) resetStream(code http2.ErrCode) {
	_ = s.cn.w.enqueue(appendRSTStream(s.cn.w.buf(), s.id, code))
}

func protocolErrStatus(err error) *status.Status {
	return status.Newf(codes.Internal, "protocol error: %v", err)
}

// appendMetadata переносит пользовательские ключи в заголовки.
func appendMetadata(fields []hpack.HeaderField, md *metadata.MD) []hpack.HeaderField {
	md.Range(func(k, v string) bool {
		if metadata.IsReserved(k) {
			return true
		}
		if metadata.IsBinaryKey(k) {
			v = metadata.EncodeBinaryValue(v)
		}
		fields = append(fields, hpack.HeaderField{Name: k, Value: v})
		return true
	})
	return fields
}

// metadataFromFields собирает пользовательские ключи из заголовков.
// Некорректные значения пропускаются.
func metadataFromFields(fields []hpack.HeaderField, log *zap.Logger) *metadata.MD {
	md := metadata.New()
	for _, f := range fields {
		if metadata.IsReserved(f.Name) {
			continue
		}
		v := f.Value
		if metadata.IsBinaryKey(f.Name) {
			var err error
			if v, err = metadata.DecodeBinaryValue(v); err != nil {
				log.Debug("skip malformed binary header", zap.String("key", f.Name), zap.Error(err))
				continue
			}
		}
		if err := md.Add(f.Name, v); err != nil {
			log.Debug("skip malformed header", zap.String("key", f.Name), zap.Error(err))
		}
	}
	return md
}

func headerValue(fields []hpack.HeaderField, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func statusFields(fields []hpack.HeaderField, st *status.Status) []hpack.HeaderField {
	fields = append(fields, hpack.HeaderField{Name: "grpc-status", Value: strconv.FormatUint(uint64(st.Code), 10)})
	if st.Message != "" {
		fields = append(fields, hpack.HeaderField{Name: "grpc-message", Value: grpc.EncodeMessage(st.Message)})
	}
	return appendMetadata(fields, st.Trailer)
}

// statusFromTrailers разбирает grpc-status, grpc-message и пользовательские трейлеры.
func statusFromTrailers(fields []hpack.HeaderField, log *zap.Logger) *status.Status {
	v, ok := headerValue(fields, "grpc-status")
	if !ok {
		return status.New(codes.Internal, "server closed the stream without sending grpc-status")
	}
	code, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return status.Newf(codes.Internal, "malformed grpc-status %q", v)
	}
	msg, _ := headerValue(fields, "grpc-message")

	trailer := metadataFromFields(fields, log)
	trailer.Seal()
	return status.New(codes.Code(code), grpc.DecodeMessage(msg)).WithTrailer(trailer)
}

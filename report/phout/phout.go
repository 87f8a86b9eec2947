// Package phout writes one phantom-compatible tab separated line per call.
package phout

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/client"
	"github.com/ozontech/callflow/status"
	"github.com/ozontech/callflow/utils/pool"
)

var now = time.Now

// errnoTransport marks calls that failed below the RPC layer.
const errnoTransport = 999

type Reporter struct {
	w       *bufio.Writer
	ch      chan *callState
	pool    *pool.SlicePool[*callState]
	timeout time.Duration
}

// New creates a reporter writing to w. Calls that take longer than timeout
// are reported as DEADLINE_EXCEEDED whatever their status.
func New(w io.Writer, timeout time.Duration) *Reporter {
	return &Reporter{
		bufio.NewWriter(w),
		make(chan *callState, 256),
		pool.NewBoundedSlicePool[*callState](1024),
		timeout,
	}
}

func (r *Reporter) Run() error {
	for s := range r.ch {
		_, err := r.w.Write(s.result())
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		r.pool.Release(s)
	}
	return r.w.Flush()
}

func (r *Reporter) Close() error {
	close(r.ch)
	return nil
}

func (r *Reporter) Acquire(tag string) client.CallObserver {
	ss, ok := r.pool.Acquire()
	if !ok {
		ss = &callState{
			reportLine: make([]byte, 128),
			reporter:   r,
			timeout:    r.timeout,
		}
	}
	ss.reset(tag)
	return ss
}

func (r *Reporter) accept(s *callState) {
	r.ch <- s
}

type callState struct {
	reportLine []byte

	reporter *Reporter
	timeout  time.Duration

	code codes.Code

	reqSize   int
	respSize  int
	startTime time.Time
	endTime   time.Time
	tag       string
}

func (s *callState) reset(tag string) {
	s.tag = tag
	s.startTime = now()

	s.code = codes.OK
	s.reqSize = 0
	s.respSize = 0
}

func (s *callState) SetSize(size int)         { s.reqSize = size }
func (s *callState) SetResponseSize(size int) { s.respSize = size }
func (s *callState) OnHeader(string, string)  {}

const tabChar = '\t'

func (s *callState) result() []byte {
	s.reportLine = s.reportLine[:0]
	s.reportLine = strconv.AppendInt(s.reportLine, s.startTime.Unix(), 10)
	s.reportLine = append(s.reportLine, '.')
	s.reportLine = strconv.AppendInt(s.reportLine, int64(s.startTime.Nanosecond()/1e6), 10)
	s.reportLine = append(s.reportLine, tabChar)
	s.reportLine = append(s.reportLine, s.tag...)
	s.reportLine = append(s.reportLine, tabChar)

	// keyRTTMicro
	rtt := s.endTime.Sub(s.startTime)
	s.reportLine = strconv.AppendInt(s.reportLine, rtt.Microseconds(), 10)
	s.reportLine = append(s.reportLine, tabChar)

	// keyConnectMicro, keySendMicro, keyLatencyMicro, keyReceiveMicro,
	// keyIntervalEventMicro не измеряются на уровне вызова
	for range 5 {
		s.reportLine = append(s.reportLine, '0', tabChar)
	}
	// keyRequestBytes
	s.reportLine = strconv.AppendInt(s.reportLine, int64(s.reqSize), 10)
	s.reportLine = append(s.reportLine, tabChar)
	// keyResponseBytes
	s.reportLine = strconv.AppendInt(s.reportLine, int64(s.respSize), 10)
	s.reportLine = append(s.reportLine, tabChar)
	// keyErrno
	if s.code == codes.Unavailable {
		s.reportLine = strconv.AppendInt(s.reportLine, errnoTransport, 10)
	} else {
		s.reportLine = append(s.reportLine, '0')
	}
	s.reportLine = append(s.reportLine, tabChar)
	// keyProtoCode
	code := s.code
	if s.timeout > 0 && rtt > s.timeout {
		code = codes.DeadlineExceeded
	}
	s.reportLine = append(s.reportLine, "grpc_"...)
	s.reportLine = strconv.AppendUint(s.reportLine, uint64(code), 10)
	s.reportLine = append(s.reportLine, '\n')
	return s.reportLine
}

func (s *callState) End(st *status.Status) {
	s.endTime = now()
	s.code = codes.OK
	if st != nil {
		s.code = st.Code
	}
	s.reporter.accept(s)
}

package simple

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/client"
	"github.com/ozontech/callflow/status"
	"github.com/ozontech/callflow/utils/pool"
)

const codesCount = int(codes.Unauthenticated) + 1

type Reporter struct {
	out     io.Writer
	period  time.Duration
	pool    *pool.SlicePool[*callState]
	closeCh chan struct{}

	start time.Time
	ok    atomic.Uint32
	nook  atomic.Uint32
	req   atomic.Uint32
	size  atomic.Uint64
	codes [codesCount]atomic.Uint32

	lastOk   uint32
	lastNook uint32
	lastReq  uint32
	lastSize uint64
	lastTime time.Time
}

type Opt func(*Reporter)

// WithPeriod sets how often intermediate totals are printed.
func WithPeriod(d time.Duration) Opt { return func(r *Reporter) { r.period = d } }

func New(out io.Writer, opts ...Opt) *Reporter {
	now := time.Now()
	r := &Reporter{
		out:      out,
		period:   time.Second,
		pool:     pool.NewSlicePoolSize[*callState](100),
		closeCh:  make(chan struct{}),
		start:    now,
		lastTime: now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (a *Reporter) Run() error {
	t := time.NewTicker(a.period)
	defer t.Stop()
	defer a.total()
	for {
		select {
		case now := <-t.C:
			a.report(now)
		case <-a.closeCh:
			return nil
		}
	}
}

func (a *Reporter) Close() error {
	close(a.closeCh)
	return nil
}

func (a *Reporter) Acquire(string) client.CallObserver {
	a.req.Add(1)
	cs, ok := a.pool.Acquire()
	if !ok {
		cs = &callState{reporter: a}
	}
	return cs
}

func (a *Reporter) accept(s *callState, st *status.Status) {
	code := codes.OK
	if st != nil {
		code = st.Code
	}
	if code == codes.OK {
		a.ok.Add(1)
	} else {
		a.nook.Add(1)
	}
	if int(code) < codesCount {
		a.codes[code].Add(1)
	}

	a.pool.Release(s)
}

func (a *Reporter) addSize(size int) {
	a.size.Add(uint64(size))
}

func (a *Reporter) write(ok, nook, req uint32, size uint64, d time.Duration) {
	total := ok + nook
	miliSeconds := d.Milliseconds()
	if miliSeconds > 0 {
		fmt.Fprintf(a.out,
			"total=%d ok=%d nook=%d req=%d size=%s req/s=%.2f resp/s=%.2f\n",
			total, ok, nook, req,
			humanize.Bytes(size*1000/uint64(miliSeconds)),
			float64(req)*1000/float64(miliSeconds), float64(total)*1000/float64(miliSeconds),
		)
	} else {
		fmt.Fprintf(a.out, "total=%d ok=%d nook=%d req=%d\n", total, ok, nook, req)
	}
}

func (a *Reporter) total() {
	fmt.Fprintln(a.out, "total")
	a.write(a.ok.Load(), a.nook.Load(), a.req.Load(), a.size.Load(), time.Since(a.start))
	fmt.Fprintf(a.out, "sent=%s\n", humanize.Bytes(a.size.Load()))

	var b strings.Builder
	for code := range a.codes {
		n := a.codes[code].Load()
		if n == 0 || codes.Code(code) == codes.OK {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%s", status.CodeName(codes.Code(code)), humanize.Comma(int64(n)))
	}
	if b.Len() > 0 {
		fmt.Fprintf(a.out, "errors: %s\n", b.String())
	}
}

func (a *Reporter) report(now time.Time) {
	ok, nook, req, size, period := a.ok.Load(), a.nook.Load(), a.req.Load(), a.size.Load(), now.Sub(a.lastTime)
	a.write(ok-a.lastOk, nook-a.lastNook, req-a.lastReq, size-a.lastSize, period)
	a.lastOk, a.lastNook, a.lastTime, a.lastReq, a.lastSize = ok, nook, now, req, size
}

type callState struct {
	reporter *Reporter
}

func (s *callState) SetSize(size int) {
	s.reporter.addSize(size)
}

func (s *callState) SetResponseSize(int)     {}
func (s *callState) OnHeader(string, string) {}

func (s *callState) End(st *status.Status) {
	s.reporter.accept(s, st)
}

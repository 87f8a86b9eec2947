package multi

import (
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/callflow/client"
	"github.com/ozontech/callflow/report"
	"github.com/ozontech/callflow/status"
	"github.com/ozontech/callflow/utils/pool"
)

// Multi fans every call out to nested reporters.
type Multi struct {
	nested []report.Reporter
	pool   *pool.SlicePool[*multiState]
}

func New(nested ...report.Reporter) *Multi {
	return &Multi{
		nested,
		pool.NewBoundedSlicePool[*multiState](1024),
	}
}

func (m *Multi) Run() error {
	g := new(errgroup.Group)
	for _, r := range m.nested {
		g.Go(r.Run)
	}
	return g.Wait()
}

// Close closes every nested reporter even if some of them fail.
func (m *Multi) Close() error {
	var err error
	for _, r := range m.nested {
		err = multierr.Append(err, r.Close())
	}
	return err
}

func (m *Multi) Acquire(tag string) client.CallObserver {
	ms, ok := m.pool.Acquire()
	if !ok {
		ms = &multiState{
			multi:  m,
			nested: make([]client.CallObserver, len(m.nested)),
		}
	}

	for i, r := range m.nested {
		ms.nested[i] = r.Acquire(tag)
	}
	return ms
}

type multiState struct {
	multi  *Multi
	nested []client.CallObserver
}

func (s *multiState) SetSize(n int) {
	for _, s := range s.nested {
		s.SetSize(n)
	}
}

func (s *multiState) SetResponseSize(n int) {
	for _, s := range s.nested {
		s.SetResponseSize(n)
	}
}

func (s *multiState) OnHeader(name, value string) {
	for _, s := range s.nested {
		s.OnHeader(name, value)
	}
}

func (s *multiState) End(st *status.Status) {
	for i, n := range s.nested {
		n.End(st)
		s.nested[i] = nil
	}
	s.multi.pool.Release(s)
}

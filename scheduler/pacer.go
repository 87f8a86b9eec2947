package scheduler

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// Pacer hands out call slots of a Scheduler to concurrent workers.
type Pacer struct {
	s     Scheduler
	limit time.Duration
	begin time.Time
	n     atomic.Int64
}

// NewPacer starts the schedule now. Slots due after limit are not handed out;
// limit <= 0 means no limit.
func NewPacer(s Scheduler, limit time.Duration) *Pacer {
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}
	return &Pacer{s: s, limit: limit, begin: time.Now()}
}

// Wait blocks until the next slot is due and returns its number.
// It returns false when the schedule is over or ctx is done.
func (p *Pacer) Wait(ctx context.Context) (int64, bool) {
	n := p.n.Add(1)
	at, ok := p.s.Next(n)
	if !ok || at > p.limit {
		return n, false
	}

	wait := at - time.Since(p.begin)
	if wait <= 0 {
		return n, ctx.Err() == nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return n, true
	case <-ctx.Done():
		return n, false
	}
}

// Issued returns how many slots were requested so far.
func (p *Pacer) Issued() int64 { return p.n.Load() }

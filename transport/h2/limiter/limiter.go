// Package limiter bounds the number of concurrent HTTP/2 streams.
package limiter

import (
	"context"
	"math"
	"sync"
)

type Limiter struct {
	quota uint32
	inUse uint32
	cond  *sync.Cond
}

// New создает лимитер. quota == 0 интерпретируется как неограниченное количество.
func New(quota uint32) *Limiter {
	if quota == 0 {
		quota = math.MaxUint32
	}
	return &Limiter{quota: quota, cond: sync.NewCond(&sync.Mutex{})}
}

// WaitAllow ждет свободного слота.
func (l *Limiter) WaitAllow(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		l.cond.L.Lock()
		defer l.cond.L.Unlock()
		l.cond.Broadcast()
	})
	defer stop()

	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	for l.inUse >= l.quota && ctx.Err() == nil {
		l.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.inUse++
	return nil
}

// TryAllow занимает слот без ожидания.
func (l *Limiter) TryAllow() bool {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	if l.inUse >= l.quota {
		return false
	}
	l.inUse++
	return true
}

func (l *Limiter) Release() {
	l.cond.L.Lock()
	defer l.cond.Broadcast()
	defer l.cond.L.Unlock()

	l.inUse--
}

// SetQuota применяет SETTINGS_MAX_CONCURRENT_STREAMS пира.
func (l *Limiter) SetQuota(quota uint32) {
	l.cond.L.Lock()
	defer l.cond.Broadcast()
	defer l.cond.L.Unlock()

	l.quota = quota
}

func (l *Limiter) InUse() uint32 {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	return l.inUse
}

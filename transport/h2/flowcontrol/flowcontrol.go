// Package flowcontrol implements HTTP/2 send windows.
package flowcontrol

import (
	"context"
	"sync"
)

type FlowControl struct {
	n    int64 // может уйти в минус после уменьшения SETTINGS_INITIAL_WINDOW_SIZE
	cond *sync.Cond
	ok   bool
}

func NewFlowControl(n uint32) *FlowControl {
	fc := FlowControl{
		n:    int64(n),
		cond: sync.NewCond(&sync.Mutex{}),
		ok:   true,
	}
	return &fc
}

// Take ждет положительного окна и забирает из него не больше max байт.
// ok == false, если окно выключено или ctx отменен.
func (fc *FlowControl) Take(ctx context.Context, max uint32) (n uint32, ok bool) {
	if max == 0 {
		return 0, fc.OK()
	}
	stop := context.AfterFunc(ctx, fc.wake)
	defer stop()

	cond := fc.cond
	cond.L.Lock()
	defer cond.L.Unlock()

	for fc.n <= 0 && fc.ok && ctx.Err() == nil {
		cond.Wait()
	}
	if !fc.ok || ctx.Err() != nil {
		return 0, false
	}

	n = uint32(min(int64(max), fc.n))
	fc.n -= int64(n)
	return n, true
}

func (fc *FlowControl) wake() {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()
	fc.cond.Broadcast()
}

// Add увеличивает окно на отправку (WINDOW_UPDATE или возврат неиспользованного).
func (fc *FlowControl) Add(n uint32) {
	fc.Adjust(int64(n))
}

// Adjust применяет изменение SETTINGS_INITIAL_WINDOW_SIZE к открытому стриму.
func (fc *FlowControl) Adjust(delta int64) {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()

	fc.n += delta
	fc.cond.Broadcast() // оповещаем все горутины, заблокированные в ожидании flowControl проверить лимиты
}

func (fc *FlowControl) Available() int64 {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()
	return fc.n
}

func (fc *FlowControl) OK() bool {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()
	return fc.ok
}

func (fc *FlowControl) Disable() {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()

	fc.ok = false
	fc.cond.Broadcast()
}

package h2

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ozontech/callflow/consts"
	"github.com/ozontech/callflow/utils/pool"
)

// writer пишет фреймы в соединение пачками.
// Служебные фреймы (SETTINGS, PING, WINDOW_UPDATE) идут через отдельную очередь
// без ограничения длины: читающая горутина не должна блокироваться на записи.
// Они всегда уходят раньше HEADERS/DATA из той же пачки.
type writer struct {
	conn io.Writer
	done <-chan struct{}

	ctrlMu     sync.Mutex
	ctrl       [][]byte
	ctrlNotify chan struct{}

	frames chan []byte
	bufs   *pool.SlicePool[[]byte]
}

func newWriter(conn io.Writer, done <-chan struct{}) *writer {
	return &writer{
		conn:       conn,
		done:       done,
		ctrlNotify: make(chan struct{}, 1),
		frames:     make(chan []byte, 1000),
		bufs:       pool.NewBoundedSlicePool[[]byte](4 * consts.SendBatchSize),
	}
}

// buf возвращает пустой буфер для сборки фрейма.
func (w *writer) buf() []byte {
	if b, ok := w.bufs.Acquire(); ok {
		return b[:0]
	}
	return make([]byte, 0, frameBufSize)
}

func (w *writer) enqueue(b []byte) error {
	select {
	case w.frames <- b:
		return nil
	case <-w.done:
		return errConnClosed
	}
}

// flush ставит в очередь маркер: writer допишет все, что было до него, и завершится.
func (w *writer) flush() error { return w.enqueue(nil) }

func (w *writer) enqueuePriority(b []byte) error {
	select {
	case <-w.done:
		return errConnClosed
	default:
	}

	w.ctrlMu.Lock()
	w.ctrl = append(w.ctrl, b)
	w.ctrlMu.Unlock()

	select {
	case w.ctrlNotify <- struct{}{}:
	default:
	}
	return nil
}

func (w *writer) takeCtrl(dst net.Buffers) net.Buffers {
	w.ctrlMu.Lock()
	defer w.ctrlMu.Unlock()

	dst = append(dst, w.ctrl...)
	clear(w.ctrl)
	w.ctrl = w.ctrl[:0]
	return dst
}

func (w *writer) run(ctx context.Context) error {
	batch := make(net.Buffers, 0, consts.SendBatchSize)
	scratch := make(net.Buffers, 0, consts.SendBatchSize)
	for {
		var first []byte
		stop := false
		select {
		case <-ctx.Done():
			return nil
		case <-w.ctrlNotify:
		case first = <-w.frames:
			stop = first == nil
		}

		bufs := w.takeCtrl(batch[:0])
		if first != nil {
			bufs = append(bufs, first)
		}

		// добираем то, что уже лежит в очереди, не блокируясь
	fill:
		for !stop && len(bufs) < consts.SendBatchSize {
			select {
			case b := <-w.frames:
				if b == nil {
					stop = true
					break fill
				}
				bufs = append(bufs, b)
			default:
				break fill
			}
		}

		if len(bufs) > 0 {
			// WriteTo потребляет слайс и его элементы, поэтому пишем копию
			out := append(scratch[:0], bufs...)
			if _, err := out.WriteTo(w.conn); err != nil {
				return fmt.Errorf("write frames: %w", err)
			}
			w.release(bufs)
		}
		if stop {
			return nil
		}
	}
}

func (w *writer) release(bufs net.Buffers) {
	for i, b := range bufs {
		if cap(b) == frameBufSize {
			w.bufs.Release(b)
		}
		bufs[i] = nil
	}
}

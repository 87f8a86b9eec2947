// Package hpackwrapper encodes HTTP/2 header blocks into reusable buffers.
package hpackwrapper

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

// Wrapper не потокобезопасен: динамическая таблица общая на соединение,
// поэтому блоки должны кодироваться в том порядке, в котором уходят в сеть.
type Wrapper struct {
	buf bytes.Buffer
	enc *hpack.Encoder
}

func NewWrapper(opts ...Opt) *Wrapper {
	wrapper := &Wrapper{}
	wrapper.enc = hpack.NewEncoder(&wrapper.buf)
	for _, o := range opts {
		o.apply(wrapper)
	}

	return wrapper
}

func (ww *Wrapper) WriteField(k, v string) {
	//nolint:errcheck // всегда пишем в буфер, это безопасно
	ww.enc.WriteField(hpack.HeaderField{
		Name:  k,
		Value: v,
	})
}

// WriteSensitiveField кодирует поле без индексации.
func (ww *Wrapper) WriteSensitiveField(k, v string) {
	//nolint:errcheck // всегда пишем в буфер, это безопасно
	ww.enc.WriteField(hpack.HeaderField{
		Name:      k,
		Value:     v,
		Sensitive: true,
	})
}

// Block возвращает копию накопленного блока и очищает буфер.
func (ww *Wrapper) Block() []byte {
	b := bytes.Clone(ww.buf.Bytes())
	ww.buf.Reset()
	return b
}

// SetMaxDynamicTableSizeLimit применяет SETTINGS_HEADER_TABLE_SIZE пира.
func (ww *Wrapper) SetMaxDynamicTableSizeLimit(v uint32) {
	ww.enc.SetMaxDynamicTableSizeLimit(v)
}

type Opt interface {
	apply(*Wrapper)
}

type WithMaxDynamicTableSize uint32

func (s WithMaxDynamicTableSize) apply(w *Wrapper) {
	w.enc.SetMaxDynamicTableSize(uint32(s))
}

// Package compress implements per-message compression negotiated through the
// grpc-encoding header.
package compress

import (
	"bytes"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/status"
)

// Identity is the name of the "no compression" encoding.
const Identity = "identity"

type Compressor interface {
	Name() string
	Compress(b []byte) ([]byte, error)
	// Decompress fails with RESOURCE_EXHAUSTED when the result exceeds maxSize.
	Decompress(b []byte, maxSize int) ([]byte, error)
}

func tooLarge(size, maxSize int) error {
	return status.Errorf(codes.ResourceExhausted,
		"received message after decompression larger than max (%d vs. %d)", size, maxSize)
}

func corrupted(name string, err error) error {
	return status.Errorf(codes.Internal, "failed to decompress the received message (%s): %v", name, err)
}

func readLimited(name string, r io.Reader, maxSize int) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return nil, corrupted(name, err)
	}
	if len(b) > maxSize {
		return nil, tooLarge(len(b), maxSize)
	}
	return b, nil
}

type Gzip struct {
	writers sync.Pool
}

func NewGzip() *Gzip { return &Gzip{} }

func (*Gzip) Name() string { return "gzip" }

func (g *Gzip) Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, ok := g.writers.Get().(*gzip.Writer)
	if ok {
		w.Reset(&buf)
	} else {
		w = gzip.NewWriter(&buf)
	}
	defer g.writers.Put(w)

	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *Gzip) Decompress(b []byte, maxSize int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, corrupted(g.Name(), err)
	}
	defer r.Close()
	return readLimited(g.Name(), r, maxSize)
}

type Zstd struct {
	enc *zstd.Encoder

	mu   sync.Mutex
	decs map[int]*zstd.Decoder // лимит размера задается при создании декодера
}

func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &Zstd{enc: enc, decs: make(map[int]*zstd.Decoder)}, nil
}

func (*Zstd) Name() string { return "zstd" }

func (z *Zstd) Compress(b []byte) ([]byte, error) {
	return z.enc.EncodeAll(b, nil), nil
}

// decoder returns a decoder that refuses to produce more than maxSize bytes.
// The limit is checked against the frame content size before decoding and
// after every block, so a small input cannot force a large allocation.
func (z *Zstd) decoder(maxSize int) (*zstd.Decoder, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if d, ok := z.decs[maxSize]; ok {
		return d, nil
	}
	d, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(max(maxSize, 1))),
	)
	if err != nil {
		return nil, err
	}
	z.decs[maxSize] = d
	return d, nil
}

func (z *Zstd) Decompress(b []byte, maxSize int) ([]byte, error) {
	dec, err := z.decoder(maxSize)
	if err != nil {
		return nil, corrupted(z.Name(), err)
	}
	out, err := dec.DecodeAll(b, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, status.Errorf(codes.ResourceExhausted,
			"received message after decompression larger than max %d", maxSize)
	}
	if err != nil {
		return nil, corrupted(z.Name(), err)
	}
	if len(out) > maxSize {
		return nil, tooLarge(len(out), maxSize)
	}
	return out, nil
}

type Snappy struct{}

func (Snappy) Name() string { return "snappy" }

func (Snappy) Compress(b []byte) ([]byte, error) {
	return snappy.Encode(nil, b), nil
}

func (s Snappy) Decompress(b []byte, maxSize int) ([]byte, error) {
	n, err := snappy.DecodedLen(b)
	if err != nil {
		return nil, corrupted(s.Name(), err)
	}
	if n > maxSize {
		return nil, tooLarge(n, maxSize)
	}
	out, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, corrupted(s.Name(), err)
	}
	return out, nil
}

// Registry maps grpc-encoding names to compressors.
type Registry struct {
	mu          sync.RWMutex
	compressors map[string]Compressor
}

func NewRegistry(cs ...Compressor) *Registry {
	r := &Registry{compressors: make(map[string]Compressor, len(cs))}
	for _, c := range cs {
		r.Register(c)
	}
	return r
}

// Default returns a registry with gzip, zstd and snappy.
func Default() *Registry {
	r := NewRegistry(NewGzip(), Snappy{})
	if z, err := NewZstd(); err == nil {
		r.Register(z)
	}
	return r
}

func (r *Registry) Register(c Compressor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compressors[c.Name()] = c
}

// Get returns nil, true for the identity encoding.
func (r *Registry) Get(name string) (Compressor, bool) {
	if name == "" || name == Identity {
		return nil, true
	}
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compressors[name]
	return c, ok
}

// AcceptEncoding returns the grpc-accept-encoding header value.
func (r *Registry) AcceptEncoding() string {
	if r == nil {
		return ""
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.compressors))
	for name := range r.compressors {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return strings.Join(names, ",")
}

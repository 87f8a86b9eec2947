package compress

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/status"
)

func TestCompressors(t *testing.T) {
	t.Parallel()

	z, err := NewZstd()
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("callflow "), 1000)

	for _, c := range []Compressor{NewGzip(), z, Snappy{}} {
		c := c
		t.Run(c.Name(), func(t *testing.T) {
			t.Parallel()
			a := assert.New(t)

			compressed, err := c.Compress(payload)
			a.NoError(err)
			a.Less(len(compressed), len(payload))

			got, err := c.Decompress(compressed, len(payload))
			a.NoError(err)
			a.Equal(payload, got)

			_, err = c.Decompress(compressed, len(payload)-1)
			a.Equal(codes.ResourceExhausted, status.Code(err))

			_, err = c.Decompress([]byte("definitely not compressed"), len(payload))
			a.Equal(codes.Internal, status.Code(err))
		})
	}
}

// Не параллельный: TotalAlloc общий на процесс.
func TestZstdBombIsBounded(t *testing.T) {
	a := assert.New(t)

	z, err := NewZstd()
	require.NoError(t, err)
	const (
		unpacked = 64 << 20
		maxSize  = 1024
	)
	bomb, err := z.Compress(make([]byte, unpacked))
	require.NoError(t, err)
	a.Less(len(bomb), 64<<10)

	// прогрев: декодер под maxSize создается один раз
	small, err := z.Compress([]byte("warm up"))
	require.NoError(t, err)
	_, err = z.Decompress(small, maxSize)
	require.NoError(t, err)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err = z.Decompress(bomb, maxSize)
	runtime.ReadMemStats(&after)

	a.Equal(codes.ResourceExhausted, status.Code(err), "%v", err)
	a.Less(after.TotalAlloc-before.TotalAlloc, uint64(unpacked/8))
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	r := Default()
	a.Equal("gzip,snappy,zstd", r.AcceptEncoding())

	c, ok := r.Get("identity")
	a.True(ok)
	a.Nil(c)

	c, ok = r.Get("gzip")
	a.True(ok)
	a.Equal("gzip", c.Name())

	_, ok = r.Get("brotli")
	a.False(ok)
}

package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestMDOrderAndCase(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	md := New()
	a.NoError(md.Add("X-Trace", "a"))
	a.NoError(md.Add("x-other", "b"))
	a.NoError(md.Add("x-trace", "c"))

	a.Equal([]string{"a", "c"}, md.Get("X-TRACE"))
	a.Equal("a", md.Value("x-trace"))
	a.Equal([]string{"x-trace", "x-other"}, md.Keys())
	a.Equal(3, md.Len())

	var got []KV
	md.Range(func(k, v string) bool {
		got = append(got, KV{k, v})
		return true
	})
	a.Equal([]KV{{"x-trace", "a"}, {"x-other", "b"}, {"x-trace", "c"}}, got)
}

func TestMDSeal(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	md := Pairs("k", "v")
	md.Seal()
	a.True(md.Sealed())

	err := md.Add("k", "v2")
	a.Equal(codes.InvalidArgument, grpcstatus.Code(err))
	a.Equal(codes.InvalidArgument, grpcstatus.Code(md.Append(Pairs("a", "b"))))
	a.Equal([]string{"v"}, md.Get("k"))

	cp := md.Copy()
	a.False(cp.Sealed())
	a.NoError(cp.Add("k", "v2"))
	a.Equal([]string{"v", "v2"}, cp.Get("k"))
	a.Equal([]string{"v"}, md.Get("k"))
}

func TestMDValidation(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	md := New()
	for _, key := range []string{"", ":path", "bad key", "ключ"} {
		a.Equal(codes.InvalidArgument, grpcstatus.Code(md.Add(key, "v")), key)
	}
	a.Equal(codes.InvalidArgument, grpcstatus.Code(md.Add("text", "line\nbreak")))
	a.NoError(md.Add("payload-bin", "\x00\xff\n"))
	a.Equal(1, md.Len())

	a.Panics(func() { Pairs("odd") })
}

func TestMDNil(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var md *MD
	a.Nil(md.Get("k"))
	a.Zero(md.Len())
	a.False(md.Sealed())
	md.Seal()
	a.Equal(0, md.Copy().Len())
}

func TestBinaryValue(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	a.True(IsBinaryKey("trace-bin"))
	a.False(IsBinaryKey("-bin"))
	a.False(IsBinaryKey("trace"))

	v := "\x01\x02\x03\x04"
	enc := EncodeBinaryValue(v)
	a.Equal("AQIDBA", enc)

	for _, s := range []string{enc, enc + "=="} {
		dec, err := DecodeBinaryValue(s)
		a.NoError(err)
		a.Equal(v, dec)
	}
	_, err := DecodeBinaryValue("!!!")
	a.Error(err)
}

func TestMDJSON(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	md := Pairs("b", "1", "a", "2", "b", "3", "x-bin", "\x00\x01")
	b, err := md.MarshalJSON()
	require.NoError(t, err)
	a.JSONEq(`{"b":["1","3"],"a":["2"],"x-bin":["AAE"]}`, string(b))
	a.Equal(`{"b":["1","3"],"a":["2"],"x-bin":["AAE"]}`, string(b))

	parsed := New()
	a.NoError(parsed.UnmarshalJSON(b))
	a.Equal([]string{"1", "3"}, parsed.Get("b"))
	a.Equal("\x00\x01", parsed.Value("x-bin"))

	single := New()
	a.NoError(single.UnmarshalJSON([]byte(`{"X-Key":"v"}`)))
	a.Equal([]string{"v"}, single.Get("x-key"))

	a.Error(New().UnmarshalJSON([]byte(`{"bad key":["v"]}`)))
	a.Error(New().UnmarshalJSON([]byte(`{"k":[`)))
}

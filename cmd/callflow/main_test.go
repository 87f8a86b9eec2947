package main

import (
	"bytes"
	"context"
	"math"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/status"
)

func startServer(t *testing.T) string {
	addr, _ := startServerWithReflection(t)
	return addr
}

func startServerWithReflection(t *testing.T) (addr, reflAddr string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	reflLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	cmd := &ServeCommand{MaxConcurrentStreams: 100, MaxRecvMessageSize: 1 << 20, Grace: 5e9}
	go func() { served <- cmd.serve(ctx, zaptest.NewLogger(t), lis, reflLis) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-served)
	})
	return lis.Addr().String(), reflLis.Addr().String()
}

func TestCall(t *testing.T) {
	t.Parallel()
	addr := startServer(t)
	log := zaptest.NewLogger(t)

	for _, tt := range []struct {
		name     string
		cmd      CallCommand
		expected []string
		code     codes.Code
	}{
		{
			name:     "unary",
			cmd:      CallCommand{Method: "math.Math.Div", Data: `{"dividend": 7, "divisor": 2}`},
			expected: []string{`{"quotient":"3","remainder":"1"}`},
		},
		{
			name: "division by zero",
			cmd:  CallCommand{Method: "/math.Math/Div", Data: `{"dividend": 7}`},
			code: codes.InvalidArgument,
		},
		{
			name:     "server streaming",
			cmd:      CallCommand{Method: "/math.Math/Fib", Data: `{"limit": 4}`},
			expected: []string{`{}`, `{"num":"1"}`, `{"num":"1"}`, `{"num":"2"}`},
		},
		{
			name:     "client streaming",
			cmd:      CallCommand{Method: "/math.Math/Sum", Data: `{"num": 1} {"num": 2} {"num": 39}`, Compressor: "gzip"},
			expected: []string{`{"num":"42"}`},
		},
		{
			name:     "bidi",
			cmd:      CallCommand{Method: "/math.Math/DivMany", Data: `{"dividend": 9, "divisor": 3} {"dividend": 9, "divisor": 2}`},
			expected: []string{`{"quotient":"3"}`, `{"quotient":"4","remainder":"1"}`},
		},
		{
			name: "two requests to unary",
			cmd:  CallCommand{Method: "/math.Math/Div", Data: `{"dividend": 7, "divisor": 2} {"dividend": 8, "divisor": 2}`},
			code: codes.InvalidArgument,
		},
		{
			name: "no request to server streaming",
			cmd:  CallCommand{Method: "/math.Math/Fib", Data: ` `},
			code: codes.InvalidArgument,
		},
		{
			name: "unknown method",
			cmd:  CallCommand{Method: "/math.Math/Mul", Data: `{}`},
			code: codes.NotFound,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			a := assert.New(t)
			tt.cmd.Addr = addr
			tt.cmd.Timeout = 5e9
			if tt.cmd.Compressor == "" {
				tt.cmd.Compressor = "identity"
			}

			out := new(bytes.Buffer)
			err := tt.cmd.Run(context.Background(), log, out)
			a.Equal(tt.code, status.Code(err), "%v", err)
			if tt.code != codes.OK {
				return
			}
			var got []string
			for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
				got = append(got, strings.ReplaceAll(line, " ", ""))
			}
			a.Equal(tt.expected, got)
		})
	}
}

func TestCallWithReflection(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	addr, reflAddr := startServerWithReflection(t)

	out := new(bytes.Buffer)
	cmd := CallCommand{
		Addr:            addr,
		Method:          "math.Math.Div",
		Data:            `{"dividend": 12, "divisor": 5}`,
		Timeout:         5e9,
		Compressor:      "identity",
		DescriptorFlags: DescriptorFlags{ReflectionAddr: reflAddr},
	}
	a.NoError(cmd.Run(context.Background(), zaptest.NewLogger(t), out))
	a.Equal(`{"quotient":"2","remainder":"2"}`, strings.ReplaceAll(strings.TrimSpace(out.String()), " ", ""))

	cmd.Method = "/math.Math/Mul"
	a.Equal(codes.NotFound, status.Code(cmd.Run(context.Background(), zaptest.NewLogger(t), out)))
}

func TestCallMetadata(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	addr := startServer(t)

	out := new(bytes.Buffer)
	cmd := CallCommand{
		Addr:       addr,
		Method:     "/math.Math/Div",
		Data:       `{"dividend": 1, "divisor": 1}`,
		Header:     []string{"x-request-id: 42"},
		Timeout:    5e9,
		Compressor: "identity",
		Metadata:   true,
	}
	a.NoError(cmd.Run(context.Background(), zaptest.NewLogger(t), out))
	a.Contains(out.String(), "header: {")
	a.Contains(out.String(), "trailer: {")

	cmd.Header = []string{"broken"}
	a.Error(cmd.Run(context.Background(), zaptest.NewLogger(t), out))
}

func TestBench(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	addr := startServer(t)

	out := new(bytes.Buffer)
	cmd := BenchCommand{
		Addr:    addr,
		Method:  "/math.Math/Div",
		Data:    `{"dividend": 10, "divisor": 3}`,
		Clients: 4,
		Conns:   2,
		Timeout: 5e9,
		Phout:   t.TempDir() + "/phout.log",
	}
	err := cmd.Run(context.Background(), zaptest.NewLogger(t), out,
		RPSUnlimited{Count: 50}.scheduler(), DurationLimit{Duration: math.MaxInt64})
	a.NoError(err)
	a.Contains(out.String(), "total=50 ok=50 nook=0 req=50")

	out.Reset()
	cmd.Quiet = true
	err = cmd.Run(context.Background(), zaptest.NewLogger(t), out,
		RPSUnlimited{Count: 20}.scheduler(), DurationLimit{Duration: math.MaxInt64})
	a.NoError(err)
	a.Empty(out.String())

	phout, err := os.ReadFile(cmd.Phout)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(phout)), "\n")
	a.Len(lines, 20)
	a.True(strings.HasSuffix(lines[0], "\tgrpc_0"), lines[0])
}

func TestParse(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var cli struct {
		Call  CallCommand  `cmd:""`
		Bench BenchCommand `cmd:""`
	}
	parser, err := kong.New(&cli, kong.Groups(map[string]string{"reflection": "", "rps": ""}))
	require.NoError(t, err)

	_, err = parser.Parse([]string{"call", "--addr", "localhost:9090", "-H", "a:b", "/math.Math/Div"})
	require.NoError(t, err)
	a.Equal("/math.Math/Div", cli.Call.Method)
	a.Equal("{}", cli.Call.Data)
	a.Equal([]string{"a:b"}, cli.Call.Header)

	_, err = parser.Parse([]string{"bench", "--addr", "localhost:9090", "--method", "/math.Math/Div", "--data", "{}", "const", "100"})
	require.NoError(t, err)
	a.Equal(uint64(100), cli.Bench.Const.Freq)

	_, err = parser.Parse([]string{"call", "--addr", "x", "--reflection-addr", "x:1", "--proto", "main_test.go", "/a.B/C"})
	a.Error(err)
}

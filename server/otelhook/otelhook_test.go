package otelhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/codec"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/server"
	"github.com/ozontech/callflow/status"
)

type discardSink struct{}

func (discardSink) WriteHeader(*metadata.MD) error { return nil }
func (discardSink) WriteMessage([]byte) error      { return nil }
func (discardSink) CloseSend() error               { return nil }
func (discardSink) Close(*status.Status)           {}

func TestHook(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	cfg := DefaultConfig()
	cfg.TracerProvider = tp
	cfg.MeterProvider = mp
	cfg.Propagator = propagation.TraceContext{}
	cfg.CustomAttributes = []attribute.KeyValue{attribute.String("env", "test")}

	d := server.NewDispatcher(server.WithHook(New(cfg)))
	desc := call.MustMethodDescriptor("/math.Math/Div", call.Unary, codec.Raw("raw"), codec.Raw("raw"))
	require.NoError(t, d.Register(desc, func(ctx context.Context, c *call.Call) error {
		if _, err := c.ReadMsg(); err != nil {
			return err
		}
		return status.Error(codes.InvalidArgument, "Division by zero")
	}))
	require.NoError(t, d.Start())

	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	c := call.NewServer(context.Background(), "/math.Math/Div", discardSink{},
		call.WithHeader(metadata.Pairs("traceparent", traceparent, "user-agent", "test/1.0")))
	require.NoError(t, c.DeliverMessage([]byte("1/0")))
	c.DeliverHalfClose()
	d.Handle(c)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	span := ended[0]
	a.Equal("math.Math/Div", span.Name())
	a.Equal("4bf92f3577b34da6a3ce929d0e0e4736", span.Parent().TraceID().String())
	a.Equal(otelcodes.Error, span.Status().Code)
	a.Contains(span.Attributes(), attribute.String("rpc.method", "Div"))
	a.Contains(span.Attributes(), attribute.String("env", "test"))
	a.Contains(span.Attributes(), attribute.Int("rpc.grpc.status_code", int(codes.InvalidArgument)))
	a.Contains(span.Attributes(), attribute.Int64("rpc.request.bytes", 3))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	names := map[string]metricdata.Aggregation{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names[m.Name] = m.Data
	}
	sum, ok := names["rpc.server.requests"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	a.Equal(int64(1), sum.DataPoints[0].Value)
	_, ok = names["rpc.server.duration"].(metricdata.Histogram[float64])
	a.True(ok)
}

func TestCarrier(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	md := metadata.Pairs("Traceparent", "x", "tracestate", "y")
	c := Carrier{md}
	a.Equal("x", c.Get("traceparent"))
	a.Equal([]string{"traceparent", "tracestate"}, c.Keys())

	c.Set("baggage", "k=v")
	a.Equal("k=v", md.Value("baggage"))
	md.Seal()
	c.Set("other", "v")
	a.Empty(md.Value("other"))
}

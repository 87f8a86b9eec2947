// Package otelhook traces and measures dispatched calls with OpenTelemetry.
//
// Usage:
//
//	d := server.NewDispatcher(server.WithHook(otelhook.New(otelhook.DefaultConfig())))
package otelhook

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/server"
	"github.com/ozontech/callflow/status"
)

const instrumentationName = "github.com/ozontech/callflow/server/otelhook"

type Config struct {
	// TracerProvider defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator extracts the parent span from the request header.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator

	EnableTracing bool
	EnableMetrics bool
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

func DefaultConfig() Config {
	return Config{
		EnableTracing: true,
		EnableMetrics: true,
	}
}

type hook struct {
	cfg               Config
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// New returns a dispatch hook recording a server span, the
// rpc.server.requests counter and the rpc.server.duration histogram.
func New(cfg Config) server.DispatchHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}

	h := &hook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		h.requestCounter, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of RPC requests"),
		)
		h.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of RPC requests"),
		)
	}
	return h
}

type spanToken struct {
	span      trace.Span
	startTime time.Time
}

func (h *hook) OnDispatchStart(ctx context.Context, info server.DispatchInfo) (context.Context, server.HookToken) {
	if info.Header != nil {
		ctx = h.cfg.Propagator.Extract(ctx, Carrier{info.Header})
	}
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := append(rpcAttrs(info), h.cfg.CustomAttributes...)
	if ua := info.Header.Value("user-agent"); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}

	ctx, span := h.tracer.Start(ctx, info.Method[1:],
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

func (h *hook) OnDispatchEnd(ctx context.Context, token server.HookToken, info server.DispatchInfo, stats call.Stats, st *status.Status) {
	t, ok := token.(*spanToken)
	if !ok {
		return
	}
	duration := time.Since(t.startTime)
	code := attribute.Int("rpc.grpc.status_code", int(st.Code))

	if h.cfg.EnableMetrics {
		attrs := metric.WithAttributes(append(rpcAttrs(info), code)...)
		h.requestCounter.Add(ctx, 1, attrs)
		h.durationHistogram.Record(ctx, duration.Seconds(), attrs)
	}

	if t.span == nil {
		return
	}
	t.span.SetAttributes(
		code,
		attribute.Int64("rpc.request.messages", stats.RecvMessages),
		attribute.Int64("rpc.response.messages", stats.SentMessages),
		attribute.Int64("rpc.request.bytes", stats.RecvBytes),
		attribute.Int64("rpc.response.bytes", stats.SentBytes),
	)
	if st.OK() {
		t.span.SetStatus(otelcodes.Ok, "")
	} else {
		t.span.SetStatus(otelcodes.Error, st.String())
	}
	t.span.End()
}

func rpcAttrs(info server.DispatchInfo) []attribute.KeyValue {
	service, method, _ := call.SplitMethod(info.Method)
	return []attribute.KeyValue{
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.service", service),
		attribute.String("rpc.method", method),
		attribute.String("rpc.grpc.kind", info.Kind.String()),
	}
}

// Carrier adapts metadata to propagation.TextMapCarrier.
type Carrier struct {
	MD *metadata.MD
}

func (c Carrier) Get(key string) string { return c.MD.Value(key) }

// Set ignores sealed metadata.
func (c Carrier) Set(key, value string) { _ = c.MD.Add(key, value) }

func (c Carrier) Keys() []string { return c.MD.Keys() }

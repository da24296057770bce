package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"vrcap/perfcap/pkg/config"
)

// ZoneExporter publishes completed zones as OpenTelemetry spans. Capture
// timestamps are anchored to wall time at the first exported zone.
type ZoneExporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	log      *zap.Logger

	mu     sync.Mutex
	anchor time.Time
	base   uint64
	ready  bool
}

// NewZoneExporter dials the OTLP/gRPC endpoint of cfg. It returns nil when
// no endpoint is configured.
func NewZoneExporter(ctx context.Context, cfg config.OTLPConfig, log *zap.Logger) (*ZoneExporter, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("monitor: otlp exporter: %w", err)
	}
	log.Info("zone export enabled", zap.String("endpoint", cfg.Endpoint), zap.Bool("insecure", cfg.Insecure))
	return newZoneExporter(cfg.ServiceName, sdktrace.WithBatcher(exp), log)
}

func newZoneExporter(service string, proc sdktrace.TracerProviderOption, log *zap.Logger) (*ZoneExporter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if service == "" {
		service = "perfcap"
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, fmt.Errorf("monitor: otel resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(proc, sdktrace.WithResource(res), sdktrace.WithSampler(sdktrace.AlwaysSample()))
	return &ZoneExporter{
		provider: tp,
		tracer:   tp.Tracer("vrcap/perfcap/monitor"),
		log:      log,
	}, nil
}

func (x *ZoneExporter) wall(ns uint64) time.Time {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.ready {
		x.anchor, x.base, x.ready = time.Now(), ns, true
	}
	return x.anchor.Add(time.Duration(int64(ns - x.base)))
}

// Export records z as a span. Safe to call on nil.
func (x *ZoneExporter) Export(z Zone) {
	if x == nil {
		return
	}
	kind := "cpu"
	if z.GPU {
		kind = "gpu"
	}
	_, span := x.tracer.Start(context.Background(), z.Label,
		trace.WithTimestamp(x.wall(z.Start)),
		trace.WithAttributes(
			attribute.String("perfcap.thread", z.Thread),
			attribute.Int64("perfcap.stream", int64(z.Stream)),
			attribute.Int("perfcap.depth", z.Depth),
			attribute.String("perfcap.zone", kind),
		))
	span.End(trace.WithTimestamp(x.wall(z.End)))
}

// Reset re-anchors the clock for a new session.
func (x *ZoneExporter) Reset() {
	if x == nil {
		return
	}
	x.mu.Lock()
	x.ready = false
	x.mu.Unlock()
}

func (x *ZoneExporter) Shutdown(ctx context.Context) error {
	if x == nil {
		return nil
	}
	return x.provider.Shutdown(ctx)
}

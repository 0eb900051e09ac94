package observe

import (
	"context"
	"errors"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "clovoice".
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// AudioBackend is the device backend in use ("portaudio", "null").
	AudioBackend string

	// Providers maps a backend kind ("stt", "tts", "llm") to the name of its
	// primary provider. Both are fixed for the life of the process, so they
	// are reported once as resource attributes rather than on every sample.
	Providers map[string]string

	// Registerer receives the Prometheus collector. Default:
	// [prometheus.DefaultRegisterer], which promhttp.Handler serves.
	Registerer prometheus.Registerer

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter
}

// Resource returns the OTel resource describing this assistant.
func (cfg ProviderConfig) Resource() (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "clovoice"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.AudioBackend != "" {
		attrs = append(attrs, attribute.String("clovoice.audio.backend", cfg.AudioBackend))
	}
	kinds := make([]string, 0, len(cfg.Providers))
	for kind := range cfg.Providers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		if p := cfg.Providers[kind]; p != "" {
			attrs = append(attrs, attribute.String("clovoice.provider."+kind, p))
		}
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// InitProvider installs the global OTel providers:
//
//   - a [sdkmetric.MeterProvider] read by a Prometheus exporter, so the
//     voice pipeline metrics are scraped from /metrics;
//   - a [sdktrace.TracerProvider] for the exchange and stage spans, exporting
//     to cfg.TraceExporter when set.
//
// The returned function flushes and shuts both down.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := cfg.Resource()
	if err != nil {
		return nil, err
	}

	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}

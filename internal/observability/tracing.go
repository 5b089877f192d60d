package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type tracerSettings struct {
	sampleRatio float64
	attrs       []attribute.KeyValue
}

// TracerOption tunes InitTracer.
type TracerOption func(*tracerSettings)

// WithSampleRatio samples root spans at ratio; child spans follow their parent.
func WithSampleRatio(ratio float64) TracerOption {
	return func(s *tracerSettings) { s.sampleRatio = ratio }
}

// WithInstanceID tags every span with the process instance (worker id, host).
func WithInstanceID(id string) TracerOption {
	return func(s *tracerSettings) {
		if id != "" {
			s.attrs = append(s.attrs, attribute.String("service.instance.id", id))
		}
	}
}

// InitTracer installs the global trace provider and the W3C propagator used
// to carry trace context inside queue messages. Spans go to the OTLP gRPC
// collector at collectorAddr; an empty address records spans without
// exporting them. The returned function flushes and stops the provider.
func InitTracer(ctx context.Context, serviceName, collectorAddr string, opts ...TracerOption) (func(context.Context) error, error) {
	settings := tracerSettings{sampleRatio: 1}
	for _, opt := range opts {
		opt(&settings)
	}

	attrs := append([]attribute.KeyValue{semconv.ServiceName(serviceName)}, settings.attrs...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(settings.sampleRatio))),
	}
	if collectorAddr != "" {
		exporter, err := otlptracegrpc.New(
			ctx,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(collectorAddr),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	return tp.Shutdown, nil
}

// InjectTrace returns the trace context of ctx as message headers, or nil
// when ctx carries none.
func InjectTrace(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// ExtractTrace restores a trace context written by InjectTrace.
func ExtractTrace(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

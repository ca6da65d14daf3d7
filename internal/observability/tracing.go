package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/logging"
)

// Exporter selects where lifecycle spans go.
type Exporter string

const (
	ExporterStdout Exporter = "stdout"
	ExporterOTLP   Exporter = "otlp"
)

const (
	defaultService      = "lightwave"
	defaultOTLPEndpoint = "localhost:4317"
	tracingStopTimeout  = 5 * time.Second
)

// TracingConfig governs how lifecycle tracing is initialised. Only unit
// start and stop are traced; frames never are.
type TracingConfig struct {
	Enabled     bool     `yaml:"enabled"`
	ServiceName string   `yaml:"service_name"`
	Exporter    Exporter `yaml:"exporter"`
	Endpoint    string   `yaml:"endpoint"` // otlp only
	SampleRatio float64  `yaml:"sample_ratio"`

	// Output receives stdout exporter spans; os.Stdout when nil.
	Output io.Writer `yaml:"-"`
}

// DefaultTracingConfig is disabled with a stdout exporter.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{ServiceName: defaultService, Exporter: ExporterStdout, SampleRatio: 1}
}

// TracingConfigFromEnv overlays LIGHTWAVE_TRACING_* variables on base. A
// sample ratio outside [0,1] is ignored.
func TracingConfigFromEnv(base TracingConfig) TracingConfig {
	cfg := base
	env := func(name string, apply func(string)) {
		if v := os.Getenv(name); v != "" {
			apply(v)
		}
	}
	env("LIGHTWAVE_TRACING_ENABLED", func(v string) { cfg.Enabled = strings.EqualFold(v, "true") })
	env("LIGHTWAVE_TRACING_EXPORTER", func(v string) { cfg.Exporter = Exporter(strings.ToLower(v)) })
	env("LIGHTWAVE_TRACING_SERVICE_NAME", func(v string) { cfg.ServiceName = v })
	env("LIGHTWAVE_OTLP_ENDPOINT", func(v string) { cfg.Endpoint = v })
	env("LIGHTWAVE_TRACING_SAMPLE_RATIO", func(v string) {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	})
	if cfg.Exporter == "" {
		cfg.Exporter = ExporterStdout
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultService
	}
	return cfg
}

// InitTracing builds the tracer provider the actor runtime records unit
// lifecycle spans on, and installs it globally. When tracing is disabled
// the provider is a noop and shutdown does nothing.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (trace.TracerProvider, func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		log.Debug(ctx, "unit lifecycle tracing off")
		return tp, func(context.Context) error { return nil }, nil
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	service := cfg.ServiceName
	if service == "" {
		service = defaultService
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", service),
		attribute.String("service.namespace", defaultService),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(samplerFor(cfg.SampleRatio)),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Info(ctx, "unit lifecycle tracing on",
		logging.String("exporter", string(cfg.Exporter)),
		logging.String("service_name", service),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp, tp.Shutdown, nil
}

func samplerFor(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch Exporter(strings.ToLower(string(cfg.Exporter))) {
	case ExporterStdout, "":
		w := cfg.Output
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	case ExporterOTLP, "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("observability: unsupported tracing exporter %q", cfg.Exporter)
	}
}

// ShutdownWithTimeout flushes spans within tracingStopTimeout. Failures are
// logged, not returned.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, tracingStopTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing flush failed", logging.Err(err))
	}
}

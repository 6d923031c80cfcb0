// Package telemetry wires OpenTelemetry tracing and metrics, plus log/slog
// structured logging, into the realm security core: security-state
// transitions, registration attempts, and policy fetch/verify/enforce
// cycles all flow through a single Provider.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // how long to wait before sending batched spans
	Enabled        bool          // enable/disable telemetry entirely
	Insecure       bool          // use an insecure gRPC connection (dev only)
	CertFile       string        // client certificate, for mTLS to the collector
	KeyFile        string        // client key, for mTLS to the collector
	CAFile         string        // CA bundle the collector's certificate is verified against
}

// DefaultConfig returns the defaults used when a realmsecd deployment has no
// collector configured.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "qeo-realm-security",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       false,
	}
}

// Provider owns the trace and metric providers plus this domain's own
// counters: registration attempts, security-core transitions, and policy
// refresh cycles.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	securityTransitions   metric.Int64Counter
	registrationAttempts  metric.Int64Counter
	policyRefreshes       metric.Int64Counter
	policyRefreshFailures metric.Int64Counter
	policyRefreshDuration metric.Float64Histogram
}

// New creates a Provider. A nil config uses DefaultConfig; a disabled config
// still returns a usable no-op Provider so callers never need a nil check.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "telemetry"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("qeo.component", "security-core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("qeo.realm-security", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("qeo.realm-security", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initCounters(); err != nil {
		return nil, fmt.Errorf("telemetry: init counters: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)

	return p, nil
}

// transportCredentials builds the gRPC TLS credentials for the OTLP
// exporters from the configured cert/key/CA, or nil when Insecure is set.
func (p *Provider) transportCredentials() (credentials.TransportCredentials, error) {
	if p.config.Insecure {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if p.config.CAFile != "" {
		pem, err := os.ReadFile(p.config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse ca file %s: no certificates found", p.config.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if p.config.CertFile != "" || p.config.KeyFile != "" {
		if p.config.CertFile == "" || p.config.KeyFile == "" {
			return nil, fmt.Errorf("client mTLS requires both CertFile and KeyFile")
		}
		cert, err := tls.LoadX509KeyPair(p.config.CertFile, p.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return credentials.NewTLS(tlsConfig), nil
}

// initTraceProvider initializes the OpenTelemetry trace provider.
func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}

	creds, err := p.transportCredentials()
	if err != nil {
		return fmt.Errorf("trace exporter tls: %w", err)
	}
	if creds != nil {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	} else {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

// initMetricProvider initializes the OpenTelemetry metric provider.
func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}

	creds, err := p.transportCredentials()
	if err != nil {
		return fmt.Errorf("metric exporter tls: %w", err)
	}
	if creds != nil {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	} else {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)

	otel.SetMeterProvider(p.meterProvider)

	return nil
}

// initCounters initializes this domain's own metrics: security-state
// transitions, registration attempts, and policy refresh outcomes/latency.
func (p *Provider) initCounters() error {
	var err error

	p.securityTransitions, err = p.meter.Int64Counter("qeo.security.transitions",
		metric.WithDescription("Security core state transitions, by resulting state"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	p.registrationAttempts, err = p.meter.Int64Counter("qeo.registration.attempts",
		metric.WithDescription("Remote registration attempts, by terminal status"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	p.policyRefreshes, err = p.meter.Int64Counter("qeo.policy.refreshes",
		metric.WithDescription("Policy document refresh cycles"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return err
	}

	p.policyRefreshFailures, err = p.meter.Int64Counter("qeo.policy.refresh_failures",
		metric.WithDescription("Policy document refresh cycles that failed fetch or verification"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return err
	}

	p.policyRefreshDuration, err = p.meter.Float64Histogram("qeo.policy.refresh_duration",
		metric.WithDescription("Policy refresh duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, falling back to a no-op-backed
// global tracer when telemetry is disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("qeo.realm-security")
	}
	return p.tracer
}

// Meter returns the configured meter, falling back to a no-op-backed global
// meter when telemetry is disabled.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("qeo.realm-security")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordSecurityTransition records a security-core state transition.
func (p *Provider) RecordSecurityTransition(ctx context.Context, state, reason string) {
	if p.securityTransitions != nil {
		p.securityTransitions.Add(ctx, 1, metric.WithAttributes(SecurityStateTransition(state, reason)...))
	}
}

// RecordRegistrationAttempt records a remote registration attempt reaching
// a terminal state.
func (p *Provider) RecordRegistrationAttempt(ctx context.Context, state string) {
	if p.registrationAttempts != nil {
		p.registrationAttempts.Add(ctx, 1, metric.WithAttributes(RegistrationStateTransition(state)...))
	}
}

// TrackPolicyRefresh wraps one policy refresh cycle: it starts a span,
// records the refresh counter, and on completion records duration plus a
// failure counter if err is non-nil. Returns a function to call when the
// refresh completes.
func (p *Provider) TrackPolicyRefresh(ctx context.Context, seqnr uint64) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, "policy.refresh",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(PolicyOperation("refresh", seqnr)...),
	)

	if p.policyRefreshes != nil {
		p.policyRefreshes.Add(ctx, 1)
	}

	return ctx, func(err error) {
		if p.policyRefreshDuration != nil {
			p.policyRefreshDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			span.RecordError(err)
			if p.policyRefreshFailures != nil {
				p.policyRefreshFailures.Add(ctx, 1)
			}
		}
		span.End()
	}
}

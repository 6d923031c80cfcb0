package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "qeo-realm-security", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderWithTLS(t *testing.T) {
	// Unreachable paths are fine here: initialization only needs to load the
	// keypair/CA bundle, the connection itself happens later. Missing files
	// should surface as an error from New, not a panic.
	config := &Config{
		Enabled:  true,
		Insecure: false,
		CertFile: "/path/to/cert.pem",
		KeyFile:  "/path/to/key.pem",
		CAFile:   "/path/to/ca.pem",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := New(ctx, config)
	require.Error(t, err)
}

func TestNewProviderDisabled(t *testing.T) {
	config := &Config{Enabled: false}

	p, err := New(context.Background(), config)
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestNewProviderWithNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	// DefaultConfig is Enabled: false, so no network access is attempted.
}

func TestTrackPolicyRefresh(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	newCtx, done := p.TrackPolicyRefresh(ctx, 7)
	require.NotNil(t, newCtx)

	time.Sleep(time.Millisecond)
	done(nil)
}

func TestTrackPolicyRefreshWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, done := p.TrackPolicyRefresh(context.Background(), 7)
	done(errors.New("fetch failed"))
}

func TestRecordSecurityTransition(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	// Should not panic when the provider is disabled (nil counters).
	p.RecordSecurityTransition(context.Background(), "Authenticated", "")
}

func TestRecordRegistrationAttempt(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	p.RecordRegistrationAttempt(context.Background(), "Confirmed")
}

func TestStartSpan(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test.span")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestShutdown(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

// Domain-specific attribute helpers.

func TestIdentityAttributes(t *testing.T) {
	attrs := IdentityAttributes(1, 2, 3)
	require.Len(t, attrs, 3)
	require.Equal(t, "qeo.realm.id", string(attrs[0].Key))
	require.Equal(t, int64(1), attrs[0].Value.AsInt64())
}

func TestSecurityStateTransition(t *testing.T) {
	attrs := SecurityStateTransition("Authenticated", "")
	require.Len(t, attrs, 2)
	require.Equal(t, "qeo.security.state", string(attrs[0].Key))
	require.Equal(t, "Authenticated", attrs[0].Value.AsString())
}

func TestRegistrationStateTransition(t *testing.T) {
	attrs := RegistrationStateTransition("Confirmed")
	require.Len(t, attrs, 1)
	require.Equal(t, "qeo.registration.state", string(attrs[0].Key))
	require.Equal(t, "Confirmed", attrs[0].Value.AsString())
}

func TestPolicyOperation(t *testing.T) {
	attrs := PolicyOperation("refresh", 42)
	require.Len(t, attrs, 2)
	require.Equal(t, "qeo.policy.action", string(attrs[0].Key))
	require.Equal(t, "qeo.policy.seqnr", string(attrs[1].Key))
	require.Equal(t, int64(42), attrs[1].Value.AsInt64())
}

func TestCryptoOperation(t *testing.T) {
	attrs := CryptoOperation("RSA-OAEP-1024", "decrypt")
	require.Len(t, attrs, 2)
	require.Equal(t, "qeo.crypto.algorithm", string(attrs[0].Key))
	require.Equal(t, "RSA-OAEP-1024", attrs[0].Value.AsString())
}

func TestSpanFromContext(t *testing.T) {
	span := SpanFromContext(context.Background())
	require.NotNil(t, span)
}

func TestAddSpanEvent(t *testing.T) {
	AddSpanEvent(context.Background(), "test.event", attribute.String("key", "value"))
}

func TestSetSpanStatus(t *testing.T) {
	SetSpanStatus(context.Background(), errors.New("test error"))
	SetSpanStatus(context.Background(), nil)
}

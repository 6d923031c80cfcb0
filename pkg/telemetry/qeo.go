// Package telemetry provides realm-security-specific instrumentation
// helpers.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Domain-specific semantic convention attributes.
var (
	// Identity attributes
	AttrRealmID  = attribute.Key("qeo.realm.id")
	AttrDeviceID = attribute.Key("qeo.device.id")
	AttrUserID   = attribute.Key("qeo.user.id")

	// Security core attributes
	AttrSecurityState  = attribute.Key("qeo.security.state")
	AttrSecurityReason = attribute.Key("qeo.security.failure_reason")

	// Remote registration attributes
	AttrRegistrationState = attribute.Key("qeo.registration.state")

	// Policy attributes
	AttrPolicySeqnr  = attribute.Key("qeo.policy.seqnr")
	AttrPolicyTopic  = attribute.Key("qeo.policy.topic")
	AttrPolicyAction = attribute.Key("qeo.policy.action")

	// Crypto attributes
	AttrCryptoAlgorithm = attribute.Key("qeo.crypto.algorithm")
	AttrCryptoOperation = attribute.Key("qeo.crypto.operation")
)

// IdentityAttributes creates attributes identifying the realm/device/user
// triple a span or event pertains to.
func IdentityAttributes(realmID, deviceID, userID uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRealmID.Int64(int64(realmID)),
		AttrDeviceID.Int64(int64(deviceID)),
		AttrUserID.Int64(int64(userID)),
	}
}

// SecurityStateTransition creates attributes for a security core state
// transition.
func SecurityStateTransition(state, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSecurityState.String(state),
		AttrSecurityReason.String(reason),
	}
}

// RegistrationStateTransition creates attributes for a remote registration
// state transition.
func RegistrationStateTransition(state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRegistrationState.String(state),
	}
}

// PolicyOperation creates attributes for a policy fetch/verify/enforce
// operation.
func PolicyOperation(action string, seqnr uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPolicyAction.String(action),
		AttrPolicySeqnr.Int64(int64(seqnr)),
	}
}

// CryptoOperation creates attributes for cryptographic operations.
func CryptoOperation(algorithm, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCryptoAlgorithm.String(algorithm),
		AttrCryptoOperation.String(operation),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records a non-nil err on the current span as an error event;
// it leaves the span's status code unchanged.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}

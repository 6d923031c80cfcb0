// Package telemetry provides OpenTelemetry tracing and metrics for the
// realm security core.
//
// Initialize a provider at application startup:
//
//	provider, err := telemetry.New(ctx, &telemetry.Config{
//		ServiceName:  "qeo-realm-security",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1,
//	})
//	defer provider.Shutdown(ctx)
//
// Track a policy refresh cycle from start to finish:
//
//	ctx, done := provider.TrackPolicyRefresh(ctx, seqnr)
//	err := refreshPolicy(ctx)
//	done(err)
package telemetry

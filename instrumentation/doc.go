// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the relay.
//
// Metrics and traces are produced by every layer: the HTTP handler, the login
// flow orchestration, the provider clients and the flow-state storage.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "oauth-relay",
//		ServiceVersion:  "1.0.0",
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP Layer:
//   - relay.http.requests.total{method, endpoint, status}
//   - relay.http.request.duration{endpoint} (ms)
//
// Login Flows:
//   - relay.flows.started{provider}
//   - relay.callbacks.processed{provider, result}
//   - relay.code.exchanges{provider, result}
//   - relay.identity.fetches{provider, result}
//   - relay.flow.duration{provider} (s)
//
// Security:
//   - relay.state.rejected{reason}
//   - relay.rate_limit.exceeded{limiter_type}
//   - relay.audit.events.total{event_type}
//   - relay.encryption.operations.total{operation}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation} (ms)
//   - storage.flows.count
//
// Providers:
//   - provider.api.calls.total{provider, operation, status}
//   - provider.api.duration{provider, operation} (ms)
//   - provider.api.errors.total{provider, operation, error_type}
//
// When Enabled is false every provider is a no-op and instrumentation costs
// nothing.
package instrumentation

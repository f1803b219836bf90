// Package telemetry wires OpenTelemetry tracing and metrics for refine.
//
// New returns a Telemetry whose Tracer and Meter fall back to the global
// no-op providers when observability.enable_telemetry is false or when an
// exporter cannot be built. Exports go to an OTLP collector over gRPC or
// HTTP/protobuf.
package telemetry

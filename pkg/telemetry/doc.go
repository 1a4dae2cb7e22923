// Package telemetry wires OpenTelemetry exporters and span enrichment for
// the TLS context manager.
//
// It centralises trace provider setup, applies service-level resource
// attributes, and offers enrichment helpers that attach handshake, server
// name, and peer verification metadata to spans so operators can correlate
// negotiation outcomes with connection behaviour.
package telemetry

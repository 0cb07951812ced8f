// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime telemetry and debug introspection layer.
//
// Provides:
//   - Prometheus collectors for reactor iterations and RUDP segment traffic
//   - Per-manager metric sinks implementing rudp.Metrics
//   - Debug probe registration and state export
package control

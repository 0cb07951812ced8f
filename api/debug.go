// Package api
// Author: momentics
//
// Live debug support for production workloads.

package api

// Debug is a registry of named probes dumped for diagnostics. Probes are
// called from the dumping goroutine, not the reactor.
type Debug interface {
	// DumpState runs every probe and returns name -> result.
	DumpState() map[string]any

	// RegisterProbe inserts or replaces a probe.
	RegisterProbe(name string, fn func() any)

	// UnregisterProbe removes a probe; unknown names are ignored.
	UnregisterProbe(name string)
}

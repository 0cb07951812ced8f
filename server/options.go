// File: server/options.go
// Package server defines functional options for the management server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/momentics/hioload-rudp/api"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithLogger sets the logger; the server names it "server".
func WithLogger(log *zap.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log.Named("server")
		}
	}
}

// WithSources adds connection listings, in display order.
func WithSources(src ...Source) ServerOption {
	return func(s *Server) {
		s.sources = append(s.sources, src...)
	}
}

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithProbes exposes dp on /debug/state.
func WithProbes(dp api.Debug) ServerOption {
	return func(s *Server) {
		s.probes = dp
	}
}

// WithServiceInfo sets the document served on /info.
func WithServiceInfo(info api.ServiceInfo) ServerOption {
	return func(s *Server) {
		s.info = info
	}
}

// WithTunnels serves /tunnels backed by t.
func WithTunnels(t Tunneler) ServerOption {
	return func(s *Server) {
		s.tunnels = t
	}
}

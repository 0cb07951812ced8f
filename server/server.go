// File: server/server.go
// Package server implements the management HTTP surface: connection
// listings, on-demand tunnels, prometheus metrics, debug probes and health.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The server runs on its own goroutine and never touches reactor-owned
// state; it only reads snapshots the managers publish atomically.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/momentics/hioload-rudp/api"
	"github.com/momentics/hioload-rudp/control"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("server already running")

const maxRequestBody = 64 << 10

// Server is the management HTTP endpoint.
type Server struct {
	cfg      Config
	log      *zap.Logger
	router   *httprouter.Router
	sources  []Source
	gatherer prometheus.Gatherer
	probes   api.Debug
	info     api.ServiceInfo
	tunnels  Tunneler

	running atomic.Bool
	ready   atomic.Bool
	addr    atomic.Pointer[net.Addr]
}

// NewServer builds the router.
func NewServer(cfg Config, opts ...ServerOption) *Server {
	s := &Server{
		cfg:    cfg,
		log:    zap.NewNop(),
		probes: control.NewDebugProbes(),
	}
	for _, o := range opts {
		o(s)
	}

	r := httprouter.New()
	r.GET("/connections", s.listConnections)
	r.GET("/connections/:manager", s.getManager)
	r.GET("/debug/state", s.debugState)
	r.GET("/healthz", s.healthz)
	r.GET("/info", s.serviceInfo)
	if s.gatherer != nil {
		r.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.tunnels != nil {
		r.GET("/tunnels", s.listTunnels)
		r.POST("/tunnels", s.openTunnel)
		r.DELETE("/tunnels/:manager/:id", s.closeTunnel)
	}
	s.router = r
	return s
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// SetReady flips /healthz between 200 and 503.
func (s *Server) SetReady(ok bool) { s.ready.Store(ok) }

// Addr returns the bound address once serving, nil before.
func (s *Server) Addr() net.Addr {
	if p := s.addr.Load(); p != nil {
		return *p
	}
	return nil
}

// ListenAndServe binds cfg.ListenAddr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully within
// cfg.ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		_ = ln.Close()
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	addr := ln.Addr()
	s.addr.Store(&addr)
	hs := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.log),
	}
	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()
	s.log.Info("management server listening", zap.Stringer("addr", addr))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := hs.Shutdown(sctx)
	<-errc
	s.log.Info("management server stopped")
	return err
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	state := r.URL.Query().Get("state")
	now := time.Now()
	out := make([]ManagerListing, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, listing(src, state, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getManager(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("manager")
	for _, src := range s.sources {
		if src.Name() == name {
			writeJSON(w, http.StatusOK, listing(src, r.URL.Query().Get("state"), time.Now()))
			return
		}
	}
	errResp(w, "unknown manager", name, http.StatusNotFound)
}

func listing(src Source, state string, now time.Time) ManagerListing {
	snap := src.Snapshot()
	l := ManagerListing{Name: src.Name(), Connections: make([]ConnectionRow, 0, len(snap))}
	for _, st := range snap {
		if state != "" && st.State.String() != state {
			continue
		}
		l.Connections = append(l.Connections, newRow(st, now))
	}
	l.Count = len(l.Connections)
	return l
}

func (s *Server) debugState(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.probes.DumpState())
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) serviceInfo(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.info)
}

func (s *Server) listTunnels(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.tunnels.Tunnels())
}

func (s *Server) openTunnel(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req TunnelRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		errResp(w, "malformed request", err.Error(), http.StatusBadRequest)
		return
	}
	spec, err := req.Spec()
	if err != nil {
		errResp(w, "malformed request", err.Error(), http.StatusBadRequest)
		return
	}
	info, err := s.tunnels.OpenTunnel(spec)
	if err != nil {
		s.log.Warn("tunnel not opened", zap.String("exit", req.Exit), zap.String("destination", req.Destination), zap.Error(err))
		errResp(w, "tunnel not opened", err.Error(), statusOf(err))
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/tunnels/%s/%d", info.Manager, info.ID))
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) closeTunnel(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id, err := strconv.ParseUint(ps.ByName("id"), 10, 64)
	if err != nil {
		errResp(w, "malformed tunnel id", ps.ByName("id"), http.StatusBadRequest)
		return
	}
	if err := s.tunnels.CloseTunnel(ps.ByName("manager"), id); err != nil {
		errResp(w, "tunnel not closed", err.Error(), statusOf(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusOf maps api errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, api.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, api.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func errResp(w http.ResponseWriter, reason, details string, code int) {
	type errorObj struct {
		Reason  string `json:"reason"`
		Details string `json:"details"`
	}
	writeJSON(w, code, struct {
		Error errorObj `json:"error"`
	}{errorObj{Reason: reason, Details: details}})
}

// File: facade/node.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Node wires one reactor loop, the configured RUDP managers with their
// role handlers, Prometheus metrics and the management server.

package facade

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/momentics/hioload-rudp/api"
	"github.com/momentics/hioload-rudp/control"
	"github.com/momentics/hioload-rudp/reactor"
	"github.com/momentics/hioload-rudp/relay"
	"github.com/momentics/hioload-rudp/rudp"
	"github.com/momentics/hioload-rudp/server"
	"github.com/momentics/hioload-rudp/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version is reported by /info.
const Version = "0.3.0"

// probeTimeout bounds how long a debug probe waits for the loop.
const probeTimeout = time.Second

// NodeOption customizes a Node.
type NodeOption func(*Node)

// WithNodeLogger replaces the logger built from Config.Log.
func WithNodeLogger(log *zap.Logger) NodeOption {
	return func(n *Node) { n.log = log }
}

// Node is a running rudpd instance.
type Node struct {
	cfg     *Config
	log     *zap.Logger
	loop    *reactor.Loop
	metrics *control.Metrics
	probes  *control.DebugProbes
	mgmt    *server.Server
	started time.Time

	managers []*rudp.Manager
	byName   map[string]*rudp.Manager
	relays   map[string]*relay.Relay
	echoes   map[string]*Echo
	discards map[string]*Discard
}

// NewNode validates cfg and binds every manager socket. Nothing runs until
// Run.
func NewNode(cfg *Config, opts ...NodeOption) (_ *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:      cfg,
		metrics:  control.NewMetrics(),
		probes:   control.NewDebugProbes(),
		started:  time.Now(),
		byName:   make(map[string]*rudp.Manager),
		relays:   make(map[string]*relay.Relay),
		echoes:   make(map[string]*Echo),
		discards: make(map[string]*Discard),
	}
	for _, o := range opts {
		o(n)
	}
	if n.log == nil {
		if n.log, err = NewLogger(cfg.Log); err != nil {
			return nil, err
		}
	}

	n.loop, err = reactor.NewLoop(cfg.ReactorConfig(),
		reactor.WithLogger(n.log),
		reactor.WithObserver(n.metrics))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.Close())
		}
	}()

	pc := cfg.ProtocolConfig()
	for _, mc := range cfg.Managers {
		if err = n.addManager(mc, pc); err != nil {
			return nil, fmt.Errorf("manager %s: %w", mc.Name, err)
		}
	}

	control.RegisterRuntimeProbes(n.probes, n.started)
	n.probes.RegisterProbe("reactor.objects", func() any {
		objs, _ := onLoop(n, n.loop.Len)
		return objs
	})

	sources := make([]server.Source, 0, len(n.managers))
	for _, m := range n.managers {
		sources = append(sources, m)
	}
	n.mgmt = server.NewServer(cfg.ServerConfig(),
		server.WithLogger(n.log),
		server.WithSources(sources...),
		server.WithGatherer(n.metrics.Registry()),
		server.WithProbes(n.probes),
		server.WithServiceInfo(api.ServiceInfo{Name: "rudpd", Version: Version, StartedAt: n.started}),
		server.WithTunnels(n))
	return n, nil
}

func (n *Node) addManager(mc ManagerConfig, pc rudp.Config) error {
	addr, err := netip.ParseAddrPort(mc.Listen)
	if err != nil {
		return api.NewError(api.KindConfig, "listen", api.ErrInvalidArgument).WithContext("listen", mc.Listen)
	}
	var h rudp.Handler
	var rl *relay.Relay
	switch mc.Role {
	case RoleEcho:
		e := NewEcho(n.log)
		n.echoes[mc.Name] = e
		h = e
	case RoleDiscard:
		d := &Discard{}
		n.discards[mc.Name] = d
		h = d
	case RoleRelay:
		if rl, err = relay.New(*mc.Relay, n.loop,
			relay.WithLogger(n.log.With(zap.String("manager", mc.Name))),
			relay.WithClock(n.loop.Clock())); err != nil {
			return err
		}
		h = rl
	}

	sock, err := transport.ListenUDP(addr)
	if err != nil {
		return err
	}
	m, err := rudp.NewManager(pc, sock, n.loop, h,
		rudp.WithName(mc.Name),
		rudp.WithLogger(n.log),
		rudp.WithClock(n.loop.Clock()),
		rudp.WithMetrics(n.metrics.Manager(mc.Name)))
	if err != nil {
		_ = sock.Close()
		return err
	}
	n.managers = append(n.managers, m)
	n.byName[mc.Name] = m
	n.probes.RegisterProbe("rudp."+mc.Name, func() any {
		st, _ := onLoop(n, m.Stats)
		return st
	})

	if rl != nil {
		if err := rl.Start(m); err != nil {
			return err
		}
		n.relays[mc.Name] = rl
		n.probes.RegisterProbe("relay."+mc.Name, func() any {
			return map[string]any{"active": rl.Active(), "total": rl.Total(), "refused": rl.Refused()}
		})
	}
	n.log.Info("manager ready",
		zap.String("manager", mc.Name),
		zap.String("role", mc.Role),
		zap.Stringer("local", m.LocalAddr()))
	return nil
}

// onLoop runs fn on the reactor goroutine and waits up to probeTimeout for
// its result. ok is false when the loop is closed or did not get to fn in
// time; a late fn only writes to the buffered channel nobody reads.
func onLoop[T any](n *Node, fn func() T) (_ T, ok bool) {
	res := make(chan T, 1)
	if !n.loop.Post(func() { res <- fn() }) {
		var zero T
		return zero, false
	}
	select {
	case v := <-res:
		return v, true
	case <-time.After(probeTimeout):
		var zero T
		return zero, false
	}
}

// Run drives the loop and the management server until ctx is done, then
// drains every manager. The node cannot be run twice.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	n.mgmt.SetReady(true)
	g.Go(func() error {
		defer n.mgmt.SetReady(false)
		return n.loop.Run(gctx)
	})
	if n.cfg.Management.Enabled {
		g.Go(func() error { return n.mgmt.ListenAndServe(gctx) })
	}
	n.log.Info("node running", zap.Int("managers", len(n.managers)), zap.Stringer("strategy", n.cfg.Reactor.Strategy))
	err := g.Wait()
	n.log.Info("node stopped", zap.Error(err))
	return err
}

// Loop exposes the reactor for embedding extra objects.
func (n *Node) Loop() *reactor.Loop { return n.loop }

// Metrics exposes the Prometheus registry wrapper.
func (n *Node) Metrics() *control.Metrics { return n.metrics }

// Server returns the management server.
func (n *Node) Server() *server.Server { return n.mgmt }

// Manager returns the named manager or nil.
func (n *Node) Manager(name string) *rudp.Manager { return n.byName[name] }

// Relay returns the relay serving the named manager or nil.
func (n *Node) Relay(name string) *relay.Relay { return n.relays[name] }

// Echo returns the echo handler serving the named manager or nil.
func (n *Node) Echo(name string) *Echo { return n.echoes[name] }

// Discard returns the discard handler serving the named manager or nil.
func (n *Node) Discard(name string) *Discard { return n.discards[name] }

// Close releases everything without draining. Call it after Run returns,
// or instead of Run.
func (n *Node) Close() error {
	var err error
	for _, rl := range n.relays {
		err = multierr.Append(err, rl.Close())
	}
	if n.loop != nil {
		err = multierr.Append(err, n.loop.Close())
	}
	_ = n.log.Sync()
	return err
}

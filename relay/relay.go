// File: relay/relay.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Relay tunnels TCP streams over RUDP. The entry side accepts TCP clients
// and opens one RUDP connection per client, naming the TCP destination in
// the OPEN payload. The exit side is the manager's default handler: for
// every inbound connection it dials the named destination and bridges the
// two streams.

package relay

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/momentics/hioload-rudp/api"
	"github.com/momentics/hioload-rudp/rudp"
	"github.com/momentics/hioload-rudp/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config selects the relay roles. An empty ListenAddr disables the entry
// side; Exit false refuses inbound tunnels.
type Config struct {
	ListenAddr  string   `json:"listen_addr"`  // TCP address accepting clients
	ExitPeer    string   `json:"exit_peer"`    // RUDP address of the exit relay
	Destination string   `json:"destination"`  // TCP address the exit dials
	Exit        bool     `json:"exit"`         // accept inbound tunnels
	AllowedDest []string `json:"allowed_dest"` // exit allowlist; empty allows any
	HighWater   int      `json:"high_water"`   // TCP write buffer bytes before RUDP reads pause
	TunnelAddr  string   `json:"tunnel_addr"`  // bind address of on-demand tunnels; empty disables them
}

// DefaultConfig returns an exit-only relay.
func DefaultConfig() Config {
	return Config{
		Exit:       true,
		HighWater:  256 << 10,
		TunnelAddr: "127.0.0.1:0",
	}
}

// Validate checks addresses and limits.
func (c Config) Validate() error {
	bad := func(field string, v any) error {
		return api.NewError(api.KindConfig, "relay", api.ErrInvalidArgument).WithContext(field, v)
	}
	if c.HighWater <= 0 {
		return bad("high_water", c.HighWater)
	}
	if c.TunnelAddr != "" {
		if _, err := netip.ParseAddrPort(c.TunnelAddr); err != nil {
			return bad("tunnel_addr", c.TunnelAddr)
		}
	}
	if c.ListenAddr == "" {
		return nil
	}
	if _, err := netip.ParseAddrPort(c.ListenAddr); err != nil {
		return bad("listen_addr", c.ListenAddr)
	}
	if _, err := netip.ParseAddrPort(c.ExitPeer); err != nil {
		return bad("exit_peer", c.ExitPeer)
	}
	if _, err := netip.ParseAddrPort(c.Destination); err != nil {
		return bad("destination", c.Destination)
	}
	return nil
}

// Relay owns the bridges of one RUDP manager. All methods except the
// counters run on the reactor goroutine.
type Relay struct {
	cfg     Config
	reg     api.Registrar
	log     *zap.Logger
	topts   []transport.Option
	mgr     *rudp.Manager
	ln      *transport.Listener
	exit    netip.AddrPort
	dest    netip.AddrPort
	allowed map[netip.AddrPort]bool
	bridges map[*bridge]struct{}
	clock   clock.Clock
	tunnels map[uint64]*tunnel
	lastID  uint64

	active  atomic.Int64
	total   atomic.Uint64
	refused atomic.Uint64
}

var _ rudp.Handler = (*Relay)(nil)

// New creates a relay; pass it as the manager's handler and then call
// Start with that manager.
func New(cfg Config, reg api.Registrar, opts ...Option) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Relay{
		cfg:     cfg,
		reg:     reg,
		log:     zap.NewNop(),
		allowed: make(map[netip.AddrPort]bool),
		bridges: make(map[*bridge]struct{}),
		clock:   clock.New(),
		tunnels: make(map[uint64]*tunnel),
	}
	for _, o := range opts {
		o(r)
	}
	for _, a := range cfg.AllowedDest {
		ap, err := netip.ParseAddrPort(a)
		if err != nil {
			return nil, api.NewError(api.KindConfig, "relay", api.ErrInvalidArgument).WithContext("allowed_dest", a)
		}
		r.allowed[ap] = true
	}
	return r, nil
}

// Start binds the entry listener when configured. m must use r as its
// handler.
func (r *Relay) Start(m *rudp.Manager) error {
	r.mgr = m
	if r.cfg.ListenAddr == "" {
		return nil
	}
	r.exit = netip.MustParseAddrPort(r.cfg.ExitPeer)
	r.dest = netip.MustParseAddrPort(r.cfg.Destination)
	ln, err := transport.Listen(r.reg, netip.MustParseAddrPort(r.cfg.ListenAddr), r.accept, r.topts...)
	if err != nil {
		return err
	}
	r.ln = ln
	r.log.Info("relay entry", zap.Stringer("listen", ln.Addr()), zap.Stringer("exit", r.exit), zap.Stringer("dest", r.dest))
	return nil
}

// Addr returns the entry listener address, the zero value without one.
func (r *Relay) Addr() netip.AddrPort {
	if r.ln == nil {
		return netip.AddrPort{}
	}
	return r.ln.Addr()
}

// Active returns the number of live bridges. Safe from any goroutine.
func (r *Relay) Active() int64 { return r.active.Load() }

// Total returns the number of bridges ever created. Safe from any goroutine.
func (r *Relay) Total() uint64 { return r.total.Load() }

// Refused returns the number of tunnels refused. Safe from any goroutine.
func (r *Relay) Refused() uint64 { return r.refused.Load() }

// Close stops accepting new TCP clients on the entry listener and on every
// on-demand tunnel. Existing bridges keep running until the manager drains.
func (r *Relay) Close() error {
	var err error
	r.prune()
	for id := range r.tunnels {
		err = multierr.Append(err, r.CloseTunnel(id))
	}
	if r.ln != nil {
		err = multierr.Append(err, r.ln.Close())
	}
	return err
}

func (r *Relay) accept(peer netip.AddrPort) (api.StreamHandler, error) {
	return r.open(peer, r.exit, r.dest)
}

// open starts the RUDP half of a new entry bridge towards exit, naming dest
// in the OPEN payload.
func (r *Relay) open(peer, exit, dest netip.AddrPort) (api.StreamHandler, error) {
	c, err := r.mgr.Connect(exit, []byte(dest.String()))
	if err != nil {
		r.refused.Add(1)
		return nil, fmt.Errorf("open tunnel for %s: %w", peer, err)
	}
	b := r.add(c, peer)
	c.SetHandler(b)
	return streamSide{b}, nil
}

// OnOpen handles inbound connections: the exit side of a tunnel.
func (r *Relay) OnOpen(c *rudp.Conn) {
	if c.Initiator() {
		return
	}
	if !r.cfg.Exit {
		r.refuse(c, "exit disabled")
		return
	}
	dest, err := netip.ParseAddrPort(string(c.OpenPayload()))
	if err != nil {
		r.refuse(c, "bad destination")
		return
	}
	if len(r.allowed) > 0 && !r.allowed[dest] {
		r.refuse(c, "destination not allowed")
		return
	}
	b := r.add(c, dest)
	c.SetHandler(b)
	s, err := transport.Dial(r.reg, dest, streamSide{b}, r.topts...)
	if err != nil {
		b.log.Info("dial failed", zap.Error(err))
		b.tcpClosed = true
		_ = c.Close()
		return
	}
	b.stream = s
}

func (r *Relay) refuse(c *rudp.Conn, reason string) {
	r.refused.Add(1)
	r.log.Warn("tunnel refused", zap.Stringer("peer", c.Peer()), zap.String("reason", reason))
	_ = c.Close()
}

// Data arriving before OnOpen swaps the handler is left in the connection.
func (r *Relay) OnReadable(*rudp.Conn) {}
func (r *Relay) OnWritable(*rudp.Conn) {}

func (r *Relay) OnClose(c *rudp.Conn, err error) {
	if err != nil && !errors.Is(err, api.ErrConnectionClosed) {
		r.log.Debug("unbridged connection closed", zap.Stringer("peer", c.Peer()), zap.Error(err))
	}
}

func (r *Relay) add(c *rudp.Conn, tcp netip.AddrPort) *bridge {
	b := &bridge{
		r:    r,
		conn: c,
		log:  r.log.With(zap.Stringer("rudp", c.Peer()), zap.Uint32("cid", c.CID()), zap.Stringer("tcp", tcp)),
	}
	r.bridges[b] = struct{}{}
	r.active.Add(1)
	r.total.Add(1)
	b.log.Info("bridge opened")
	return b
}

func (r *Relay) remove(b *bridge) {
	if _, ok := r.bridges[b]; !ok {
		return
	}
	delete(r.bridges, b)
	r.active.Add(-1)
}

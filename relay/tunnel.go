// File: relay/tunnel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// On-demand entry listeners. Each tunnel binds an ephemeral TCP port whose
// clients are bridged to a fixed exit and destination, and closes itself
// when its TTL runs out.

package relay

import (
	"cmp"
	"net/netip"
	"slices"
	"time"

	"github.com/momentics/hioload-rudp/api"
	"github.com/momentics/hioload-rudp/transport"
	"go.uber.org/zap"
)

type tunnel struct {
	info api.TunnelInfo
	ln   *transport.Listener
}

// OpenTunnel binds a listener on Config.TunnelAddr whose clients are
// bridged to dest through exit. The listener expires after ttl; bridges it
// already accepted keep running. Reactor goroutine only.
func (r *Relay) OpenTunnel(exit, dest netip.AddrPort, ttl time.Duration) (api.TunnelInfo, error) {
	if r.cfg.TunnelAddr == "" {
		return api.TunnelInfo{}, api.NewError(api.KindConfig, "tunnel", api.ErrNotSupported)
	}
	if r.mgr == nil {
		return api.TunnelInfo{}, api.NewError(api.KindReactor, "tunnel", api.ErrUnavailable)
	}
	if !exit.IsValid() || exit.Port() == 0 {
		return api.TunnelInfo{}, api.NewError(api.KindConfig, "tunnel", api.ErrInvalidArgument).WithContext("exit", exit.String())
	}
	if !dest.IsValid() || dest.Port() == 0 {
		return api.TunnelInfo{}, api.NewError(api.KindConfig, "tunnel", api.ErrInvalidArgument).WithContext("destination", dest.String())
	}
	if ttl <= 0 {
		return api.TunnelInfo{}, api.NewError(api.KindConfig, "tunnel", api.ErrInvalidArgument).WithContext("ttl", ttl)
	}
	r.prune()

	expires := r.clock.Now().Add(ttl)
	opts := append(slices.Clip(r.topts), transport.WithExpiry(expires))
	ln, err := transport.Listen(r.reg, netip.MustParseAddrPort(r.cfg.TunnelAddr),
		func(peer netip.AddrPort) (api.StreamHandler, error) { return r.open(peer, exit, dest) },
		opts...)
	if err != nil {
		return api.TunnelInfo{}, err
	}
	r.lastID++
	t := &tunnel{
		ln: ln,
		info: api.TunnelInfo{
			ID:          r.lastID,
			Listen:      ln.Addr().String(),
			Exit:        exit.String(),
			Destination: dest.String(),
			Expires:     expires,
		},
	}
	r.tunnels[t.info.ID] = t
	r.log.Info("tunnel opened",
		zap.Uint64("id", t.info.ID),
		zap.Stringer("listen", ln.Addr()),
		zap.Stringer("exit", exit),
		zap.Stringer("dest", dest),
		zap.Duration("ttl", ttl))
	return t.info, nil
}

// CloseTunnel closes the listener of tunnel id ahead of its expiry.
func (r *Relay) CloseTunnel(id uint64) error {
	t, ok := r.tunnels[id]
	if !ok || t.ln.Closed() {
		delete(r.tunnels, id)
		return api.NewError(api.KindConfig, "tunnel", api.ErrNotFound).WithContext("id", id)
	}
	delete(r.tunnels, id)
	r.log.Info("tunnel closed", zap.Uint64("id", id))
	return t.ln.Close()
}

// Tunnels lists the open tunnels by id.
func (r *Relay) Tunnels() []api.TunnelInfo {
	r.prune()
	out := make([]api.TunnelInfo, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t.info)
	}
	slices.SortFunc(out, func(a, b api.TunnelInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// prune forgets tunnels whose listener expired.
func (r *Relay) prune() {
	for id, t := range r.tunnels {
		if t.ln.Closed() {
			delete(r.tunnels, id)
		}
	}
}

// File: facade/tunnels.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import (
	"maps"
	"slices"

	"github.com/momentics/hioload-rudp/api"
	"github.com/momentics/hioload-rudp/relay"
	"github.com/momentics/hioload-rudp/server"
)

var _ server.Tunneler = (*Node)(nil)

type tunnelResult struct {
	info api.TunnelInfo
	err  error
}

// OpenTunnel opens an on-demand tunnel on a relay manager. Safe from any
// goroutine. When the loop does not answer within probeTimeout the call
// fails with ErrUnavailable; a tunnel opened after that expires on its own.
func (n *Node) OpenTunnel(spec api.TunnelSpec) (api.TunnelInfo, error) {
	name, rl, err := n.relayFor(spec.Manager)
	if err != nil {
		return api.TunnelInfo{}, err
	}
	res, ok := onLoop(n, func() tunnelResult {
		info, err := rl.OpenTunnel(spec.Exit, spec.Destination, spec.TTL)
		return tunnelResult{info, err}
	})
	if !ok {
		return api.TunnelInfo{}, api.NewError(api.KindReactor, "tunnel", api.ErrUnavailable)
	}
	if res.err != nil {
		return api.TunnelInfo{}, res.err
	}
	res.info.Manager = name
	return res.info, nil
}

// CloseTunnel closes tunnel id of the named relay manager.
func (n *Node) CloseTunnel(manager string, id uint64) error {
	rl, ok := n.relays[manager]
	if !ok {
		return api.NewError(api.KindConfig, "tunnel", api.ErrNotFound).WithContext("manager", manager)
	}
	err, ok := onLoop(n, func() error { return rl.CloseTunnel(id) })
	if !ok {
		return api.NewError(api.KindReactor, "tunnel", api.ErrUnavailable)
	}
	return err
}

// Tunnels lists open tunnels across relay managers, by manager name.
func (n *Node) Tunnels() []api.TunnelInfo {
	out := []api.TunnelInfo{}
	for _, name := range slices.Sorted(maps.Keys(n.relays)) {
		rl := n.relays[name]
		list, _ := onLoop(n, rl.Tunnels)
		for _, info := range list {
			info.Manager = name
			out = append(out, info)
		}
	}
	return out
}

// relayFor resolves the relay manager a request names. An empty name picks
// the only relay.
func (n *Node) relayFor(name string) (string, *relay.Relay, error) {
	if name == "" {
		if len(n.relays) != 1 {
			return "", nil, api.NewError(api.KindConfig, "tunnel", api.ErrInvalidArgument).WithContext("relays", len(n.relays))
		}
		for name, rl := range n.relays {
			return name, rl, nil
		}
	}
	rl, ok := n.relays[name]
	if !ok {
		return "", nil, api.NewError(api.KindConfig, "tunnel", api.ErrNotFound).WithContext("manager", name)
	}
	return name, rl, nil
}

// File: api/tunnel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import (
	"net/netip"
	"time"
)

// TunnelSpec asks a relay manager for an on-demand entry listener.
type TunnelSpec struct {
	Manager     string // relay manager; may be empty when only one exists
	Exit        netip.AddrPort
	Destination netip.AddrPort
	TTL         time.Duration
}

// TunnelInfo describes an open on-demand entry listener. Bridges accepted
// before Expires outlive the listener.
type TunnelInfo struct {
	ID          uint64    `json:"id"`
	Manager     string    `json:"manager"`
	Listen      string    `json:"listen"`
	Exit        string    `json:"exit"`
	Destination string    `json:"destination"`
	Expires     time.Time `json:"expires"`
}

package server

import (
	"net/netip"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/momentics/hioload-rudp/api"
)

// Config holds management HTTP parameters.
type Config struct {
	ListenAddr        string        `json:"listen_addr"`         // TCP bind address, e.g. "127.0.0.1:8080"
	ReadHeaderTimeout time.Duration `json:"read_header_timeout"` // per-request header deadline
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`    // graceful shutdown timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Source publishes a connection listing readable from any goroutine.
// rudp.Manager implements it.
type Source interface {
	Name() string
	Snapshot() []api.ConnectionStats
}

// ConnectionRow is one listed connection with human-readable extras.
type ConnectionRow struct {
	api.ConnectionStats
	Sent     string `json:"sent"`
	Received string `json:"received"`
	Since    string `json:"since"`
}

// ManagerListing groups the rows of one manager.
type ManagerListing struct {
	Name        string          `json:"name"`
	Count       int             `json:"count"`
	Connections []ConnectionRow `json:"connections"`
}

func newRow(st api.ConnectionStats, now time.Time) ConnectionRow {
	return ConnectionRow{
		ConnectionStats: st,
		Sent:            humanize.IBytes(st.BytesSent),
		Received:        humanize.IBytes(st.BytesReceived),
		Since:           humanize.RelTime(st.OpenedAt, now, "ago", "from now"),
	}
}

// Tunneler opens and closes on-demand relay tunnels. Implementations hop to
// the reactor goroutine themselves; facade.Node implements it.
type Tunneler interface {
	OpenTunnel(spec api.TunnelSpec) (api.TunnelInfo, error)
	CloseTunnel(manager string, id uint64) error
	Tunnels() []api.TunnelInfo
}

// TunnelRequest is the body of POST /tunnels.
type TunnelRequest struct {
	Manager     string `json:"manager,omitempty"` // relay manager; optional with a single relay
	Exit        string `json:"exit"`              // RUDP address of the exit relay
	Destination string `json:"destination"`       // TCP address the exit dials
	TTL         string `json:"ttl"`               // listener lifetime, e.g. "10m"
}

// Spec parses the request addresses and lifetime.
func (r TunnelRequest) Spec() (api.TunnelSpec, error) {
	bad := func(field, v string) error {
		return api.NewError(api.KindConfig, "tunnel", api.ErrInvalidArgument).WithContext(field, v)
	}
	exit, err := netip.ParseAddrPort(r.Exit)
	if err != nil {
		return api.TunnelSpec{}, bad("exit", r.Exit)
	}
	dest, err := netip.ParseAddrPort(r.Destination)
	if err != nil {
		return api.TunnelSpec{}, bad("destination", r.Destination)
	}
	ttl, err := time.ParseDuration(r.TTL)
	if err != nil || ttl <= 0 {
		return api.TunnelSpec{}, bad("ttl", r.TTL)
	}
	return api.TunnelSpec{Manager: r.Manager, Exit: exit, Destination: dest, TTL: ttl}, nil
}

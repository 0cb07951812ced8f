// File: facade/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// File-level configuration. Durations are written as strings ("250ms",
// "1m") and mapped onto the per-package Config structs.

package facade

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/momentics/hioload-rudp/api"
	"github.com/momentics/hioload-rudp/reactor"
	"github.com/momentics/hioload-rudp/relay"
	"github.com/momentics/hioload-rudp/rudp"
	"github.com/momentics/hioload-rudp/server"
)

// Duration is a time.Duration read from a JSON string or nanoseconds.
type Duration time.Duration

// UnmarshalJSON accepts "30s" style strings and integer nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration string %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("duration must be a string (e.g. \"30s\") or nanoseconds")
}

// MarshalJSON writes the human-readable form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
func (d Duration) String() string          { return time.Duration(d).String() }

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or console
}

// ReactorConfig mirrors reactor.Config.
type ReactorConfig struct {
	Strategy        reactor.Strategy `json:"strategy"`
	WaitTimeout     Duration         `json:"wait_timeout"`
	MaxEvents       int              `json:"max_events"`
	ShutdownTimeout Duration         `json:"shutdown_timeout"`
	PinCPU          int              `json:"pin_cpu"`
}

// ProtocolConfig mirrors rudp.Config.
type ProtocolConfig struct {
	MaxPayload        int      `json:"max_payload"`
	MaxInFlight       int      `json:"max_in_flight"`
	SendBufferSize    int      `json:"send_buffer_size"`
	ReceiveWindow     int      `json:"receive_window"`
	InitialRTO        Duration `json:"initial_rto"`
	MinRTO            Duration `json:"min_rto"`
	MaxRTO            Duration `json:"max_rto"`
	MaxRetransmits    int      `json:"max_retransmits"`
	HandshakeTimeout  Duration `json:"handshake_timeout"`
	IdleTimeout       Duration `json:"idle_timeout"`
	KeepAliveInterval Duration `json:"keep_alive_interval"`
	DelayedAck        bool     `json:"delayed_ack"`
	MaxConnections    int      `json:"max_connections"`
	DropRate          float64  `json:"drop_rate"`
}

// Manager roles.
const (
	RoleEcho    = "echo"
	RoleDiscard = "discard"
	RoleRelay   = "relay"
)

// ManagerConfig describes one RUDP socket and what serves its connections.
type ManagerConfig struct {
	Name   string        `json:"name"`
	Listen string        `json:"listen"` // UDP address
	Role   string        `json:"role"`   // echo, discard or relay
	Relay  *relay.Config `json:"relay,omitempty"`
}

// ManagementConfig enables the management HTTP server.
type ManagementConfig struct {
	Enabled         bool     `json:"enabled"`
	Listen          string   `json:"listen"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// Config is the whole node configuration.
type Config struct {
	Log        LogConfig        `json:"log"`
	Reactor    ReactorConfig    `json:"reactor"`
	Protocol   ProtocolConfig   `json:"protocol"`
	Managers   []ManagerConfig  `json:"managers"`
	Management ManagementConfig `json:"management"`
}

// DefaultConfig returns a control-plane echo manager and a data-plane relay
// exit on the conventional ports.
func DefaultConfig() *Config {
	rc := reactor.DefaultConfig()
	pc := rudp.DefaultConfig()
	sc := server.DefaultConfig()
	exit := relay.DefaultConfig()
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Reactor: ReactorConfig{
			Strategy:        rc.Strategy,
			WaitTimeout:     Duration(rc.WaitTimeout),
			MaxEvents:       rc.MaxEvents,
			ShutdownTimeout: Duration(rc.ShutdownTimeout),
			PinCPU:          rc.PinCPU,
		},
		Protocol: ProtocolConfig{
			MaxPayload:        pc.MaxPayload,
			MaxInFlight:       pc.MaxInFlight,
			SendBufferSize:    pc.SendBufferSize,
			ReceiveWindow:     pc.ReceiveWindow,
			InitialRTO:        Duration(pc.InitialRTO),
			MinRTO:            Duration(pc.MinRTO),
			MaxRTO:            Duration(pc.MaxRTO),
			MaxRetransmits:    pc.MaxRetransmits,
			HandshakeTimeout:  Duration(pc.HandshakeTimeout),
			IdleTimeout:       Duration(pc.IdleTimeout),
			KeepAliveInterval: Duration(pc.KeepAliveInterval),
			DelayedAck:        pc.DelayedAck,
			MaxConnections:    pc.MaxConnections,
			DropRate:          pc.DropRate,
		},
		Managers: []ManagerConfig{
			{Name: "control", Listen: "0.0.0.0:12000", Role: RoleEcho},
			{Name: "data", Listen: "0.0.0.0:12001", Role: RoleRelay, Relay: &exit},
		},
		Management: ManagementConfig{
			Enabled:         true,
			Listen:          sc.ListenAddr,
			ShutdownTimeout: Duration(sc.ShutdownTimeout),
		},
	}
}

// LoadConfig reads a JSON file over the defaults. Keys absent from the file
// keep their default values; a "managers" list replaces the default one.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, api.NewError(api.KindConfig, "load", err).WithContext("path", path)
	}
	if _, ok := keys["managers"]; ok {
		cfg.Managers = nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, api.NewError(api.KindConfig, "load", err).WithContext("path", path)
	}
	return cfg, cfg.Validate()
}

// ReactorConfig converts the reactor section.
func (c *Config) ReactorConfig() reactor.Config {
	return reactor.Config{
		Strategy:        c.Reactor.Strategy,
		WaitTimeout:     c.Reactor.WaitTimeout.Duration(),
		MaxEvents:       c.Reactor.MaxEvents,
		ShutdownTimeout: c.Reactor.ShutdownTimeout.Duration(),
		PinCPU:          c.Reactor.PinCPU,
	}
}

// ProtocolConfig converts the protocol section.
func (c *Config) ProtocolConfig() rudp.Config {
	p := c.Protocol
	return rudp.Config{
		MaxPayload:        p.MaxPayload,
		MaxInFlight:       p.MaxInFlight,
		SendBufferSize:    p.SendBufferSize,
		ReceiveWindow:     p.ReceiveWindow,
		InitialRTO:        p.InitialRTO.Duration(),
		MinRTO:            p.MinRTO.Duration(),
		MaxRTO:            p.MaxRTO.Duration(),
		MaxRetransmits:    p.MaxRetransmits,
		HandshakeTimeout:  p.HandshakeTimeout.Duration(),
		IdleTimeout:       p.IdleTimeout.Duration(),
		KeepAliveInterval: p.KeepAliveInterval.Duration(),
		DelayedAck:        p.DelayedAck,
		MaxConnections:    p.MaxConnections,
		DropRate:          p.DropRate,
	}
}

// ServerConfig converts the management section.
func (c *Config) ServerConfig() server.Config {
	sc := server.DefaultConfig()
	sc.ListenAddr = c.Management.Listen
	sc.ShutdownTimeout = c.Management.ShutdownTimeout.Duration()
	return sc
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.ReactorConfig().Validate(); err != nil {
		return err
	}
	if err := c.ProtocolConfig().Validate(); err != nil {
		return err
	}
	bad := func(field string, v any) error {
		return api.NewError(api.KindConfig, "validate", api.ErrInvalidArgument).WithContext(field, v)
	}
	if len(c.Managers) == 0 {
		return bad("managers", 0)
	}
	seen := make(map[string]bool, len(c.Managers))
	for _, m := range c.Managers {
		if m.Name == "" || seen[m.Name] {
			return bad("managers.name", m.Name)
		}
		seen[m.Name] = true
		switch m.Role {
		case RoleEcho, RoleDiscard:
		case RoleRelay:
			if m.Relay == nil {
				return bad("managers.relay", m.Name)
			}
			if err := m.Relay.Validate(); err != nil {
				return err
			}
		default:
			return bad("managers.role", m.Role)
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return bad("log.level", c.Log.Level)
	}
	return nil
}

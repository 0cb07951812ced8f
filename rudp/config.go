// File: rudp/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rudp

import (
	"time"

	"github.com/momentics/hioload-rudp/api"
)

// Config holds protocol parameters, immutable per Manager.
type Config struct {
	MaxPayload        int           `json:"max_payload"`         // Bytes per DATA segment
	MaxInFlight       int           `json:"max_in_flight"`       // Unacknowledged segments per connection
	SendBufferSize    int           `json:"send_buffer_size"`    // Bytes queued behind a full window before ErrBackpressure
	ReceiveWindow     int           `json:"receive_window"`      // Out-of-order segments held per connection
	InitialRTO        time.Duration `json:"initial_rto"`         // RTO before the first RTT sample
	MinRTO            time.Duration `json:"min_rto"`             // Lower clamp of the RTO estimate
	MaxRTO            time.Duration `json:"max_rto"`             // Upper clamp and backoff ceiling
	MaxRetransmits    int           `json:"max_retransmits"`     // Retransmissions of one segment before failure
	HandshakeTimeout  time.Duration `json:"handshake_timeout"`   // OPENING longer than this fails
	IdleTimeout       time.Duration `json:"idle_timeout"`        // No inbound traffic for this long closes
	KeepAliveInterval time.Duration `json:"keep_alive_interval"` // Send KEEPALIVE after this much outbound silence; 0 disables
	DelayedAck        bool          `json:"delayed_ack"`         // Coalesce ACKs per readiness drain
	MaxConnections    int           `json:"max_connections"`     // Table ceiling; further OPENs are dropped
	DropRate          float64       `json:"drop_rate"`           // Percent of inbound datagrams discarded, for loss testing
}

// DefaultConfig returns default configuration values.
func DefaultConfig() Config {
	return Config{
		MaxPayload:        1024,
		MaxInFlight:       64,
		SendBufferSize:    256 << 10,
		ReceiveWindow:     256,
		InitialRTO:        time.Second,
		MinRTO:            200 * time.Millisecond,
		MaxRTO:            30 * time.Second,
		MaxRetransmits:    15,
		HandshakeTimeout:  10 * time.Second,
		IdleTimeout:       60 * time.Second,
		KeepAliveInterval: 20 * time.Second,
		MaxConnections:    4096,
	}
}

// Validate checks the configuration for obviously broken values.
func (c Config) Validate() error {
	bad := func(field string, v any) error {
		return api.NewError(api.KindConfig, "validate", api.ErrInvalidArgument).WithContext(field, v)
	}
	switch {
	case c.MaxPayload <= 0 || c.MaxPayload > MaxSegmentPayload:
		return bad("max_payload", c.MaxPayload)
	case c.MaxInFlight <= 0:
		return bad("max_in_flight", c.MaxInFlight)
	case c.SendBufferSize < c.MaxPayload:
		return bad("send_buffer_size", c.SendBufferSize)
	case c.ReceiveWindow <= 0:
		return bad("receive_window", c.ReceiveWindow)
	case c.MinRTO <= 0 || c.MaxRTO < c.MinRTO:
		return bad("rto_bounds", [2]time.Duration{c.MinRTO, c.MaxRTO})
	case c.InitialRTO < c.MinRTO || c.InitialRTO > c.MaxRTO:
		return bad("initial_rto", c.InitialRTO)
	case c.MaxRetransmits < 0:
		return bad("max_retransmits", c.MaxRetransmits)
	case c.HandshakeTimeout <= 0:
		return bad("handshake_timeout", c.HandshakeTimeout)
	case c.IdleTimeout <= 0:
		return bad("idle_timeout", c.IdleTimeout)
	case c.KeepAliveInterval < 0:
		return bad("keep_alive_interval", c.KeepAliveInterval)
	case c.MaxConnections <= 0:
		return bad("max_connections", c.MaxConnections)
	case c.DropRate < 0 || c.DropRate > 100:
		return bad("drop_rate", c.DropRate)
	}
	return nil
}

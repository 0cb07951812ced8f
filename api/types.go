// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants.

package api

import (
	"fmt"
	"net/netip"
	"time"
)

// ConnState enumerates the lifecycle of an RUDP connection.
type ConnState int

const (
	StateClosed ConnState = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// MarshalText renders the state in listings.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *ConnState) UnmarshalText(b []byte) error {
	for _, c := range []ConnState{StateClosed, StateOpening, StateOpen, StateClosing} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// ConnectionStats is one row of the read-only connection listing.
type ConnectionStats struct {
	Peer           netip.AddrPort `json:"peer"`
	CID            uint32         `json:"cid"`
	State          ConnState      `json:"state"`
	Initiator      bool           `json:"initiator"`
	BytesSent      uint64         `json:"bytes_sent"`
	BytesReceived  uint64         `json:"bytes_received"`
	SegmentsSent   uint64         `json:"segments_sent"`
	SegmentsRecv   uint64         `json:"segments_received"`
	Retransmits    uint64         `json:"retransmits"`
	Duplicates     uint64         `json:"duplicates"`
	SequenceNumber uint32         `json:"sequence_number"`
	PeerSequence   uint32         `json:"peer_sequence_number"`
	InFlight       int            `json:"in_flight"`
	SRTT           time.Duration  `json:"srtt"`
	RTO            time.Duration  `json:"rto"`
	OpenedAt       time.Time      `json:"opened_at"`
	LastActivity   time.Time      `json:"last_activity"`
}

// ServiceInfo exposes descriptive build- and runtime info for external tools.
type ServiceInfo struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// File: transport/datagram.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net/netip"

	"github.com/momentics/hioload-rudp/api"
	"go.uber.org/zap"
)

// DatagramSocket is a non-blocking UDP socket. It is not a PollableObject
// itself; the RUDP manager that owns it is.
type DatagramSocket struct {
	fd     int
	fam    int
	local  netip.AddrPort
	log    *zap.Logger
	closed bool
}

// ListenUDP binds a non-blocking UDP socket to addr. Port 0 picks an
// ephemeral port; LocalAddr reports the result.
func ListenUDP(addr netip.AddrPort, opts ...Option) (*DatagramSocket, error) {
	o := defaultOptions()
	o.apply(opts)

	fam := family(addr)
	fd, err := sysSocket(fam, sockDgram)
	if err != nil {
		return nil, api.NewError(api.KindReactor, "listen udp", err).WithContext("addr", addr.String())
	}
	if err := sysBufferSizes(fd, o.rcvBuf, o.sndBuf); err != nil {
		_ = sysClose(fd)
		return nil, api.NewError(api.KindReactor, "listen udp", err).WithContext("addr", addr.String())
	}
	if err := sysBind(fd, addr, fam); err != nil {
		_ = sysClose(fd)
		return nil, api.NewError(api.KindReactor, "listen udp", err).WithContext("addr", addr.String())
	}
	local, err := sysLocalAddr(fd)
	if err != nil {
		_ = sysClose(fd)
		return nil, api.NewError(api.KindReactor, "listen udp", err).WithContext("addr", addr.String())
	}
	o.log.Debug("udp socket bound", zap.Stringer("addr", local), zap.Int("fd", fd))
	return &DatagramSocket{fd: fd, fam: fam, local: local, log: o.log}, nil
}

// Fd returns the socket descriptor.
func (d *DatagramSocket) Fd() int { return d.fd }

// LocalAddr returns the bound address.
func (d *DatagramSocket) LocalAddr() netip.AddrPort { return d.local }

// ReadFrom reads one datagram. api.ErrWouldBlock means the socket is drained.
func (d *DatagramSocket) ReadFrom(p []byte) (int, netip.AddrPort, error) {
	if d.closed {
		return 0, netip.AddrPort{}, api.ErrConnectionClosed
	}
	return sysRecvFrom(d.fd, p)
}

// WriteTo sends one datagram. api.ErrWouldBlock means the kernel buffer is
// full and the caller should retry on writability.
func (d *DatagramSocket) WriteTo(p []byte, addr netip.AddrPort) error {
	if d.closed {
		return api.ErrConnectionClosed
	}
	return sysSendTo(d.fd, p, addr, d.fam)
}

// PendingError fetches and clears the socket's asynchronous error, such as
// an ICMP port-unreachable report.
func (d *DatagramSocket) PendingError() error {
	return sysSoError(d.fd)
}

// Close releases the descriptor.
func (d *DatagramSocket) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return sysClose(d.fd)
}

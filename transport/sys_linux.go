//go:build linux
// +build linux

// File: transport/sys_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thin non-blocking socket wrappers over golang.org/x/sys/unix. EAGAIN is
// mapped to api.ErrWouldBlock at this boundary.

package transport

import (
	"fmt"
	"net/netip"

	"github.com/momentics/hioload-rudp/api"
	"golang.org/x/sys/unix"
)

func wouldBlock(err error) error {
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return api.ErrWouldBlock
	}
	return err
}

func family(addr netip.AddrPort) int {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func toSockaddr(addr netip.AddrPort, fam int) unix.Sockaddr {
	ip := addr.Addr()
	if fam == unix.AF_INET {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.Unmap().As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
	return sa
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	}
	return netip.AddrPort{}
}

func sysSocket(fam, sotype int) (int, error) {
	fd, err := unix.Socket(fam, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

func sysReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func sysBufferSizes(fd, rcv, snd int) error {
	if rcv > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcv); err != nil {
			return err
		}
	}
	if snd > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, snd); err != nil {
			return err
		}
	}
	return nil
}

func sysNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

func sysBind(fd int, addr netip.AddrPort, fam int) error {
	return unix.Bind(fd, toSockaddr(addr, fam))
}

func sysListen(fd, backlog int) error {
	return unix.Listen(fd, backlog)
}

// sysConnect starts a non-blocking connect. inProgress reports that the
// result arrives later as writability.
func sysConnect(fd int, addr netip.AddrPort, fam int) (inProgress bool, err error) {
	err = unix.Connect(fd, toSockaddr(addr, fam))
	if err == unix.EINPROGRESS {
		return true, nil
	}
	return false, err
}

func sysAccept(fd int) (int, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netip.AddrPort{}, wouldBlock(err)
	}
	return nfd, fromSockaddr(sa), nil
}

func sysRead(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, wouldBlock(err)
		}
		return n, nil
	}
}

func sysWrite(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, wouldBlock(err)
		}
		return n, nil
	}
}

func sysRecvFrom(fd int, p []byte) (int, netip.AddrPort, error) {
	for {
		n, sa, err := unix.Recvfrom(fd, p, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, netip.AddrPort{}, wouldBlock(err)
		}
		return n, fromSockaddr(sa), nil
	}
}

func sysSendTo(fd int, p []byte, addr netip.AddrPort, fam int) error {
	for {
		err := unix.Sendto(fd, p, 0, toSockaddr(addr, fam))
		if err == unix.EINTR {
			continue
		}
		if err == unix.ENOBUFS {
			return api.ErrWouldBlock
		}
		return wouldBlock(err)
	}
}

func sysLocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

// sysSoError fetches and clears the pending socket error.
func sysSoError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func sysShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

func sysClose(fd int) error {
	return unix.Close(fd)
}

const (
	sockStream = unix.SOCK_STREAM
	sockDgram  = unix.SOCK_DGRAM
	afInet     = unix.AF_INET
	afInet6    = unix.AF_INET6
)

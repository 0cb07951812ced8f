//go:build !linux
// +build !linux

// File: transport/sys_other.go
// Author: momentics <momentics@gmail.com>

package transport

import (
	"net/netip"

	"github.com/momentics/hioload-rudp/api"
)

const (
	sockStream = 1
	sockDgram  = 2
	afInet     = 2
	afInet6    = 10
)

func family(addr netip.AddrPort) int {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return afInet
	}
	return afInet6
}

func sysSocket(int, int) (int, error)                      { return -1, api.ErrNotSupported }
func sysReuseAddr(int) error                               { return api.ErrNotSupported }
func sysBufferSizes(int, int, int) error                   { return api.ErrNotSupported }
func sysNoDelay(int) error                                 { return api.ErrNotSupported }
func sysBind(int, netip.AddrPort, int) error               { return api.ErrNotSupported }
func sysListen(int, int) error                             { return api.ErrNotSupported }
func sysConnect(int, netip.AddrPort, int) (bool, error)    { return false, api.ErrNotSupported }
func sysAccept(int) (int, netip.AddrPort, error)           { return -1, netip.AddrPort{}, api.ErrNotSupported }
func sysRead(int, []byte) (int, error)                     { return 0, api.ErrNotSupported }
func sysWrite(int, []byte) (int, error)                    { return 0, api.ErrNotSupported }
func sysRecvFrom(int, []byte) (int, netip.AddrPort, error) { return 0, netip.AddrPort{}, api.ErrNotSupported }
func sysSendTo(int, []byte, netip.AddrPort, int) error     { return api.ErrNotSupported }
func sysLocalAddr(int) (netip.AddrPort, error)             { return netip.AddrPort{}, api.ErrNotSupported }
func sysSoError(int) error                                 { return api.ErrNotSupported }
func sysShutdownWrite(int) error                           { return api.ErrNotSupported }
func sysClose(int) error                                   { return api.ErrNotSupported }

// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Pins the calling OS thread to one logical CPU. Platform code lives in
// affinity_linux.go, affinity_windows.go and affinity_stub.go.

package affinity

import (
	"runtime"

	"github.com/momentics/hioload-rudp/api"
)

// Pin binds the current OS thread to cpuID. The caller must hold the
// thread with runtime.LockOSThread for the pin to mean anything.
func Pin(cpuID int) error {
	if cpuID < 0 || cpuID >= runtime.NumCPU() {
		return api.NewError(api.KindConfig, "affinity", api.ErrInvalidArgument).WithContext("cpu", cpuID)
	}
	return pinPlatform(cpuID)
}

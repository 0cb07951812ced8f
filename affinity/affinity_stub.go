//go:build !linux && !windows
// +build !linux,!windows

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>

package affinity

import "github.com/momentics/hioload-rudp/api"

func pinPlatform(int) error {
	return api.NewError(api.KindConfig, "affinity", api.ErrNotSupported)
}

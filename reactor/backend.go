// File: reactor/backend.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral contract between the Poller and one OS readiness primitive.

package reactor

import (
	"time"

	"github.com/momentics/hioload-rudp/api"
)

// readyFD is one descriptor reported by a backend with merged readiness bits.
type readyFD struct {
	fd int
	r  api.Readiness
}

// backend is implemented once per Strategy. A backend reports each ready
// descriptor at most once per wait.
type backend interface {
	add(fd int, in api.Interest) error
	modify(fd int, in api.Interest) error
	remove(fd int) error
	// wait blocks up to timeout (negative means forever) and appends ready
	// descriptors to out. An interrupted wait returns out unchanged.
	wait(timeout time.Duration, out []readyFD) ([]readyFD, error)
	close() error
}

// timeoutMillis converts a wait timeout to the millisecond form poll and
// epoll expect, rounding up so short deadlines do not spin.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}

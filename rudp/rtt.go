// File: rudp/rtt.go
// Author: momentics <momentics@gmail.com>

package rudp

import "time"

// rtoEstimator keeps the smoothed round-trip time and derives the
// retransmission timeout from it (Jacobson/Karels, RFC 6298 constants).
// Samples must come from segments that were never retransmitted.
type rtoEstimator struct {
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	min    time.Duration
	max    time.Duration
	has    bool
}

func newRTOEstimator(initial, lo, hi time.Duration) rtoEstimator {
	return rtoEstimator{rto: initial, min: lo, max: hi}
}

func (r *rtoEstimator) sample(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if !r.has {
		r.srtt = rtt
		r.rttvar = rtt / 2
		r.has = true
	} else {
		delta := r.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		r.rttvar = (3*r.rttvar + delta) / 4
		r.srtt = (7*r.srtt + rtt) / 8
	}
	r.rto = r.srtt + 4*r.rttvar
	if r.rto < r.min {
		r.rto = r.min
	}
	if r.rto > r.max {
		r.rto = r.max
	}
}

func (r *rtoEstimator) current() time.Duration { return r.rto }

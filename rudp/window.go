// File: rudp/window.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// sendWindow holds sequenced segments sent but not yet acknowledged, in
// ascending sequence order.

package rudp

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/eapache/queue"
)

type txEntry struct {
	seq         uint32
	flags       Flag // exactly one of FlagOpen, FlagData, FlagClose
	payload     []byte
	firstSent   time.Time
	lastSent    time.Time
	deadline    time.Time
	retransmits int
	backoff     *backoff.ExponentialBackOff
}

type sendWindow struct {
	q       *queue.Queue // *txEntry
	nextSeq uint32
	bytes   int
	clock   clock.Clock
	maxRTO  time.Duration
}

func newSendWindow(c clock.Clock, maxRTO time.Duration) sendWindow {
	return sendWindow{q: queue.New(), clock: c, maxRTO: maxRTO}
}

func (w *sendWindow) len() int { return w.q.Length() }

// lastSeq is the highest sequence number ever assigned.
func (w *sendWindow) lastSeq() uint32 { return w.nextSeq - 1 }

// push assigns the next sequence number and schedules the first deadline
// one rto from now.
func (w *sendWindow) push(flags Flag, payload []byte, now time.Time, rto time.Duration) *txEntry {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     rto,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         w.maxRTO,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               w.clock,
	}
	b.Reset()
	e := &txEntry{
		seq:       w.nextSeq,
		flags:     flags,
		payload:   payload,
		firstSent: now,
		lastSent:  now,
		backoff:   b,
	}
	e.deadline = now.Add(b.NextBackOff())
	w.nextSeq++
	w.bytes += len(payload)
	w.q.Add(e)
	return e
}

// retransmitted records a resend and doubles the entry's timeout up to
// maxRTO.
func (w *sendWindow) retransmitted(e *txEntry, now time.Time) {
	e.retransmits++
	e.lastSent = now
	e.deadline = now.Add(e.backoff.NextBackOff())
}

// ack retires every entry with seq <= ack. It returns the retired entries
// in order and, per Karn, an RTT sample from the newest retired entry that
// was never retransmitted.
func (w *sendWindow) ack(ack uint32, now time.Time, retired func(*txEntry)) (rtt time.Duration, ok bool) {
	for w.q.Length() > 0 {
		e := w.q.Peek().(*txEntry)
		if !seqLessEq(e.seq, ack) {
			break
		}
		w.q.Remove()
		w.bytes -= len(e.payload)
		if e.retransmits == 0 {
			rtt, ok = now.Sub(e.firstSent), true
		}
		retired(e)
	}
	return rtt, ok
}

// each visits entries in sequence order until fn returns false.
func (w *sendWindow) each(fn func(e *txEntry) bool) {
	for i := 0; i < w.q.Length(); i++ {
		if !fn(w.q.Get(i).(*txEntry)) {
			return
		}
	}
}

// earliest returns the soonest retransmission deadline, zero if empty.
func (w *sendWindow) earliest() time.Time {
	var t time.Time
	w.each(func(e *txEntry) bool {
		if t.IsZero() || e.deadline.Before(t) {
			t = e.deadline
		}
		return true
	})
	return t
}

func (w *sendWindow) seqs() []uint32 {
	out := make([]uint32, 0, w.q.Length())
	w.each(func(e *txEntry) bool {
		out = append(out, e.seq)
		return true
	})
	return out
}

func (w *sendWindow) reset() {
	for w.q.Length() > 0 {
		w.q.Remove()
	}
	w.bytes = 0
}

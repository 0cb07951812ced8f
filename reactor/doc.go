// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-threaded readiness reactor: a Poller
// with interchangeable select, poll and epoll strategies, and a Loop that
// waits, dispatches ready objects one at a time and drives their timers.
//
// Everything registered with a Loop is touched only from the goroutine that
// runs it. Wait is the only place the loop blocks; its timeout is also the
// timer granularity for every api.Timed object.
package reactor

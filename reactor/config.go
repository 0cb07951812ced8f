// File: reactor/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/momentics/hioload-rudp/api"
)

// Strategy selects the OS readiness primitive behind a Poller.
type Strategy int

const (
	// StrategySelect rebuilds read/write/except bitmasks on every wait.
	StrategySelect Strategy = iota
	// StrategyPoll passes an explicit per-descriptor event list.
	StrategyPoll
	// StrategyEpoll keeps the interest set in the kernel.
	StrategyEpoll
)

func (s Strategy) String() string {
	switch s {
	case StrategySelect:
		return "select"
	case StrategyPoll:
		return "poll"
	case StrategyEpoll:
		return "epoll"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStrategy maps a configuration name onto a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "select":
		return StrategySelect, nil
	case "poll":
		return StrategyPoll, nil
	case "epoll":
		return StrategyEpoll, nil
	case "", "default":
		return DefaultStrategy(), nil
	}
	return 0, api.NewError(api.KindConfig, "parse strategy", api.ErrInvalidArgument).WithContext("name", name)
}

// DefaultStrategy picks poll where available and select elsewhere.
func DefaultStrategy() Strategy {
	if runtime.GOOS == "windows" {
		return StrategySelect
	}
	return StrategyPoll
}

// Config holds reactor parameters immutable per run.
type Config struct {
	Strategy        Strategy      `json:"strategy"`         // Readiness primitive
	WaitTimeout     time.Duration `json:"wait_timeout"`     // Upper bound on one Wait; doubles as timer granularity
	MaxEvents       int           `json:"max_events"`       // epoll batch size
	ShutdownTimeout time.Duration `json:"shutdown_timeout"` // Grace period for drainers after Run's context ends
	PinCPU          int           `json:"pin_cpu"`          // CPU the Run thread is pinned to, -1 for none
}

// DefaultConfig returns default configuration values.
func DefaultConfig() Config {
	return Config{
		Strategy:        DefaultStrategy(),
		WaitTimeout:     2 * time.Second, // same as the protocol tick
		MaxEvents:       128,
		ShutdownTimeout: 10 * time.Second,
		PinCPU:          -1,
	}
}

// Validate checks the configuration for obviously broken values.
func (c Config) Validate() error {
	if c.Strategy < StrategySelect || c.Strategy > StrategyEpoll {
		return api.NewError(api.KindConfig, "validate", api.ErrInvalidArgument).WithContext("strategy", int(c.Strategy))
	}
	if c.WaitTimeout <= 0 {
		return api.NewError(api.KindConfig, "validate", api.ErrInvalidArgument).WithContext("wait_timeout", c.WaitTimeout)
	}
	if c.MaxEvents <= 0 {
		return api.NewError(api.KindConfig, "validate", api.ErrInvalidArgument).WithContext("max_events", c.MaxEvents)
	}
	if c.PinCPU < -1 {
		return api.NewError(api.KindConfig, "validate", api.ErrInvalidArgument).WithContext("pin_cpu", c.PinCPU)
	}
	return nil
}

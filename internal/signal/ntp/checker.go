// Package ntp watches the wall clock against NTP. Client deadlines are wall
// clock instants, so a skewed clock expires clients early or keeps them late.
package ntp

import (
	"context"
	"sync"
	"time"

	"wiremesh"

	"github.com/beevik/ntp"
)

const (
	DefaultPool      = "pool.ntp.org"
	DefaultInterval  = 60 * time.Second
	DefaultThreshold = 500 * time.Millisecond
)

type Phase uint8

const (
	Unchecked Phase = iota + 1
	Healthy
	UnhealthyOffset
	Error
)

func (p Phase) String() string {
	switch p {
	case Unchecked:
		return "unchecked"
	case Healthy:
		return "healthy"
	case UnhealthyOffset:
		return "unhealthy_offset"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Transition returns the next phase. Nothing moves back to Unchecked.
func (p Phase) Transition(to Phase) Phase {
	if to == Unchecked || to > Error {
		return p
	}
	return to
}

type Status struct {
	Offset    time.Duration
	Phase     Phase
	Error     string
	CheckedAt time.Time
}

// QueryFunc returns the local clock offset reported by host.
type QueryFunc func(ctx context.Context, host string) (time.Duration, error)

type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	threshold time.Duration
	clock     wiremesh.Clock

	Query QueryFunc
}

// NewChecker creates a Checker. Empty pool and zero threshold take the defaults.
func NewChecker(clock wiremesh.Clock, pool string, threshold time.Duration) *Checker {
	if clock == nil {
		clock = wiremesh.RealClock{}
	}
	if pool == "" {
		pool = DefaultPool
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Checker{
		pool:      pool,
		threshold: threshold,
		status:    Status{Phase: Unchecked},
		clock:     clock,
		Query:     query,
	}
}

func query(ctx context.Context, host string) (time.Duration, error) {
	opts := ntp.QueryOptions{Timeout: 5 * time.Second}
	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = time.Until(deadline)
	}
	resp, err := ntp.QueryWithOptions(host, opts)
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Check queries the pool once and returns the new status.
func (n *Checker) Check(ctx context.Context) Status {
	offset, err := n.Query(ctx, n.pool)

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	if err != nil {
		n.status = Status{Error: err.Error(), Phase: n.status.Phase.Transition(Error), CheckedAt: now}
		return n.status
	}

	phase := UnhealthyOffset
	if offset.Abs() < n.threshold {
		phase = Healthy
	}
	n.status = Status{Offset: offset, Phase: n.status.Phase.Transition(phase), CheckedAt: now}
	return n.status
}

func (n *Checker) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

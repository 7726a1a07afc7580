// Package pool implements the four pool managers of spec.md §4.D, each
// owning the sockets currently in one phase (connecting, listening,
// reading, writing) and the matching poller.
package pool

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectionPolicy is the pluggable strategy consulted by
// ConnectingPool on refused/failed connects, per spec.md §4.D.
type ReconnectionPolicy interface {
	// Attempts returns the maximum number of reconnection attempts.
	Attempts() uint32
	// TimeoutAfter returns how long to wait before the given attempt
	// number (1-indexed) fires.
	TimeoutAfter(attempt uint32) time.Duration
	// GiveUp reports whether attempt exceeds the policy's bound.
	GiveUp(attempt uint32) bool
}

// TimeoutReconnectionPolicy is the default policy: a fixed attempt bound
// with a doubling backoff, grounded on original_source's
// timeout_reconnection.hpp and implemented with backoff/v4's
// ExponentialBackOff (spec.md §6: "reconnect_timeout, doubled per
// attempt").
type TimeoutReconnectionPolicy struct {
	attempts uint32
	initial  time.Duration
}

// NewTimeoutReconnectionPolicy builds a policy that allows `attempts`
// tries, the n-th waiting initial*2^(n-1).
func NewTimeoutReconnectionPolicy(attempts uint32, initial time.Duration) *TimeoutReconnectionPolicy {
	return &TimeoutReconnectionPolicy{attempts: attempts, initial: initial}
}

func (p *TimeoutReconnectionPolicy) Attempts() uint32 { return p.attempts }

func (p *TimeoutReconnectionPolicy) TimeoutAfter(attempt uint32) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	d := p.initial
	for i := uint32(1); i <= attempt; i++ {
		d = b.NextBackOff()
	}
	if attempt <= 1 {
		return p.initial
	}
	return d
}

func (p *TimeoutReconnectionPolicy) GiveUp(attempt uint32) bool {
	return attempt > p.attempts
}

// NoReconnectionPolicy never retries, mirroring original_source's
// without_* sibling of timeout_reconnection.hpp.
type NoReconnectionPolicy struct{}

func (NoReconnectionPolicy) Attempts() uint32                        { return 0 }
func (NoReconnectionPolicy) TimeoutAfter(_ uint32) time.Duration     { return 0 }
func (NoReconnectionPolicy) GiveUp(_ uint32) bool                    { return true }

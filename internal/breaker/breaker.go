// Package breaker implements a three-state circuit breaker guarding calls to
// the upstream Chat Completions backend.
package breaker

import (
	"sync"
	"time"
)

// State is one of the breaker's three states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker counts consecutive upstream failures and opens around a cool-down
// window. It is process-wide and safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	enabled             bool
	failureThreshold    int
	cooldown            time.Duration
	consecutiveFailures int
	state               State
	openedAt            time.Time
	trialInFlight       bool
}

// New creates a Breaker with the given failure threshold and cool-down. When
// enabled is false the breaker still counts failures (observable via
// Snapshot) but never transitions to Open (§4.3).
func New(enabled bool, failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		enabled:          enabled,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		state:            Closed,
	}
}

// Allow reports whether a new request may be dispatched to the upstream. When
// the breaker is Open and the cool-down has elapsed, it transitions to
// HalfOpen and allows exactly the request that triggered the transition.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = HalfOpen
			b.trialInFlight = true
			return true
		}
		return false
	case HalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful upstream call. In HalfOpen this closes
// the breaker and resets the failure count; in Closed it resets the count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.state = Closed
	b.trialInFlight = false
}

// RecordFailure reports a failed upstream call (network/timeout error or any
// 5xx; 4xx responses must not be reported here — §4.3). Once the
// threshold is reached the breaker opens, unless disabled.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.trialInFlight = false
	if !b.enabled {
		return
	}
	if b.state == HalfOpen || b.consecutiveFailures >= b.failureThreshold {
		b.state = Open
		b.openedAt = time.Now()
	}
}

// Snapshot is a point-in-time read of the breaker's state, used by the health
// endpoint and logging.
type Snapshot struct {
	Enabled             bool
	IsOpen              bool
	State               State
	ConsecutiveFailures int
}

// Snapshot returns the breaker's current state without mutating it.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	isOpen := b.state == Open && time.Since(b.openedAt) < b.cooldown
	return Snapshot{
		Enabled:             b.enabled,
		IsOpen:              isOpen,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
	}
}

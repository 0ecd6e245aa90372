package identity

import (
	"sync"
	"time"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker stops calling the identity service after repeated transport
// failures and lets a single trial call through once the reset timeout passed.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	failureThreshold int
	resetTimeout     time.Duration
	openedAt         time.Time
	probing          bool
	now              func() time.Time
	onStateChange    func(from, to BreakerState)
}

type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	ResetTimeout     time.Duration // time in open state before a trial call (default 30s)
	OnStateChange    func(from, to BreakerState)
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		now:              time.Now,
		onStateChange:    cfg.OnStateChange,
	}
}

// Allow reports whether a call may proceed. In half-open state only one
// trial call is in flight at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.transitionTo(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.transitionTo(StateClosed)
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	if b.state == StateHalfOpen || b.failures >= b.failureThreshold {
		b.openedAt = b.now()
		b.transitionTo(StateOpen)
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryIn is how long until the next trial call is allowed; zero unless open.
func (b *Breaker) RetryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	left := b.resetTimeout - b.now().Sub(b.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// must be called with lock held
func (b *Breaker) transitionTo(next BreakerState) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	if b.onStateChange != nil {
		b.onStateChange(prev, next)
	}
}

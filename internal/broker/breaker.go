package broker

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Backoff returns the reconnect delay for a given consecutive failure
// count: base * 2^failures with random jitter, capped at max.
func Backoff(failures int, base, max time.Duration) time.Duration {
	if failures < 0 {
		failures = 0
	}
	// 2^30 seconds already exceeds any sane ceiling.
	if failures > 30 {
		failures = 30
	}

	d := base * time.Duration(1<<uint(failures))
	if d > max || d <= 0 {
		d = max
	}

	// Jitter keeps reconnect storms from synchronizing. The ceiling
	// still holds after jitter.
	j := time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
	if j > max {
		j = max
	}
	return j
}

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // retries stopped, BROKER_UNAVAILABLE
	BreakerHalfOpen                     // one trial connection allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker stops reconnect attempts after a threshold of consecutive
// failures. Once open it stays open until an operator or health probe
// calls Probe: the half-open trial either closes it or re-opens it with
// the backoff timer reset. Thread-safe.
type Breaker struct {
	mu        sync.Mutex
	name      string
	state     BreakerState
	failures  int
	threshold int
}

// NewBreaker creates a closed breaker tripping after threshold
// consecutive failures.
func NewBreaker(name string, threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{name: name, threshold: threshold}
}

// Allow reports whether a connection attempt may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != BreakerOpen
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		log.Info().Str("breaker", b.name).Msg("circuit breaker closed")
	}
	b.state = BreakerClosed
	b.failures = 0
}

// RecordFailure counts a failed attempt and trips the breaker at the
// threshold. A failed half-open probe re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.failures = 0 // backoff timer reset per policy
		log.Warn().Str("breaker", b.name).Msg("circuit breaker re-opened, half-open probe failed")
	default:
		b.failures++
		if b.failures >= b.threshold && b.state == BreakerClosed {
			b.state = BreakerOpen
			log.Warn().Str("breaker", b.name).
				Int("failures", b.failures).
				Msg("circuit breaker opened, retries stopped")
		}
	}
}

// Probe moves an open breaker to half-open, allowing one trial
// connection. Returns false if the breaker was not open.
func (b *Breaker) Probe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return false
	}
	b.state = BreakerHalfOpen
	log.Info().Str("breaker", b.name).Msg("circuit breaker half-open, probing")
	return true
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

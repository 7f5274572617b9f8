package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling fn while the breaker rejects requests.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests fail immediately
	StateHalfOpen              // a few probe requests decide the next state
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold    int           // consecutive failures before opening
	SuccessThreshold    int           // half-open successes needed to close
	Timeout             time.Duration // open period before probing
	MaxRequestsHalfOpen int           // concurrent probes while half-open
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRequestsHalfOpen <= 0 {
		c.MaxRequestsHalfOpen = d.MaxRequestsHalfOpen
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	lastFailureTime  time.Time
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

// New creates a circuit breaker. Zero config fields take their defaults.
func New(config Config) *CircuitBreaker {
	return newBreaker(config, time.Now)
}

func newBreaker(config Config, now func() time.Time) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{
		config:          config,
		now:             now,
		state:           StateClosed,
		stateChangeTime: now(),
	}
}

// OnStateChange sets a callback invoked synchronously on every transition.
// It must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open. A context error from fn is
// not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}

	err := fn()
	switch {
	case err == nil:
		cb.onSuccess()
	case ctx.Err() != nil:
		cb.release()
	default:
		cb.onFailure()
	}
	return err
}

// Do runs fn through cb and returns its result.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.stateChangeTime) < cb.config.Timeout {
			return fmt.Errorf("%w: retry after %s", ErrOpen, cb.stateChangeTime.Add(cb.config.Timeout).Sub(cb.now()).Round(time.Second))
		}
		cb.transitionTo(StateHalfOpen)
		cb.halfOpenRequests++
		return nil
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			return ErrOpen
		}
		cb.halfOpenRequests++
		return nil
	}
	return nil
}

// release gives back a half-open probe slot without recording a result.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.successCount = 0
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		if cb.halfOpenRequests > 0 {
			cb.halfOpenRequests--
		}
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.stateChangeTime = cb.now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequests = 0

	if cb.onStateChange != nil {
		cb.onStateChange(oldState, newState)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns current circuit breaker statistics
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		HalfOpenRequests: cb.halfOpenRequests,
		LastFailureTime:  cb.lastFailureTime,
		StateChangeTime:  cb.stateChangeTime,
	}
}

// Stats holds circuit breaker statistics
type Stats struct {
	State            State
	FailureCount     int
	SuccessCount     int
	HalfOpenRequests int
	LastFailureTime  time.Time
	StateChangeTime  time.Time
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}

// Group keeps one breaker per key, created on first use.
type Group struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewGroup(config Config) *Group {
	return &Group{
		config:   config,
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key.
func (g *Group) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[key]
	if !ok {
		cb = newBreaker(g.config, g.now)
		g.breakers[key] = cb
	}
	return cb
}

// Remove forgets key so its next use starts closed.
func (g *Group) Remove(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, key)
}

// Execute runs fn through the breaker for key.
func (g *Group) Execute(ctx context.Context, key string, fn func() error) error {
	return g.Get(key).Execute(ctx, fn)
}

// Len reports how many keys have a breaker.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.breakers)
}

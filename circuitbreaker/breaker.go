// Package circuitbreaker tracks per-service health for the
// FileDispatcher: a service is skipped (its schedule entries
// short-circuited) once its consecutive failure count reaches
// service_failure_limit. The count is kept per service name and shared
// across every file and submission the dispatcher handles. Grounded on
// control_plane/scheduler/circuit_breaker.go's closed/half-open/open
// state machine, retargeted from queue-depth/worker-saturation signals
// to a per-service consecutive-failure count.
package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker is a per-service circuit breaker: once failureLimit
// consecutive failures are recorded, the service opens and further
// tasks for it are rejected until cooldown elapses and a test request
// succeeds.
type Breaker struct {
	mu sync.Mutex

	failureLimit int
	cooldown     time.Duration
	testLimit    int

	state      State
	failures   int
	openedAt   time.Time
	testCount  int
	testPassed int
}

// New creates a breaker that opens after failureLimit consecutive
// failures and waits cooldown before probing recovery.
func New(failureLimit int, cooldown time.Duration) *Breaker {
	return &Breaker{
		failureLimit: failureLimit,
		cooldown:     cooldown,
		testLimit:    3,
		state:        Closed,
	}
}

// Allow reports whether a task for this service may be dispatched.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.testCount = 0
		b.testPassed = 0
	}

	if b.state == HalfOpen {
		if b.testCount >= b.testLimit {
			return false
		}
		b.testCount++
		return true
	}

	return true
}

// RecordSuccess clears the failure count and, if in HalfOpen, may
// close the circuit once enough test requests have succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.testPassed++
		if b.testPassed >= b.testLimit {
			b.state = Closed
			b.failures = 0
		}
	case Closed:
		b.failures = 0
	}
}

// RecordFailure increments the failure count, opening the circuit once
// failureLimit is reached; a failure during HalfOpen reopens it
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = time.Now()
		return
	}

	b.failures++
	if b.failures >= b.failureLimit {
		b.state = Open
		b.openedAt = time.Now()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Registry keeps one Breaker per service name.
type Registry struct {
	mu           sync.Mutex
	breakers     map[string]*Breaker
	failureLimit int
	cooldown     time.Duration
}

func NewRegistry(failureLimit int, cooldown time.Duration) *Registry {
	return &Registry{
		breakers:     make(map[string]*Breaker),
		failureLimit: failureLimit,
		cooldown:     cooldown,
	}
}

func (r *Registry) For(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	if !ok {
		b = New(r.failureLimit, r.cooldown)
		r.breakers[service] = b
	}
	return b
}

// Package circuitbreaker guards a dependency that can fail repeatedly. The
// circuit opens after a run of consecutive failures, rejects calls while
// open, and after a cool-down lets one probe through to decide whether to
// close again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the circuit rejects the call.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call is in flight
)

func (s State) String() string {
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

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by circuit, from-state, and to-state.",
	}, []string{"circuit", "from_state", "to_state"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fraudwatch",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state: 0=closed, 1=open, 2=half_open.",
	}, []string{"circuit"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, stateGauge)
}

// Snapshot is a point-in-time view of a circuit.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"consecutive_failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// Breaker is a single named circuit. It is safe for concurrent use.
type Breaker struct {
	name         string
	threshold    int
	openDuration time.Duration
	now          func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	lastFailure  time.Time
	onTransition func(from, to State)
}

// New creates a circuit that opens after threshold consecutive failures
// and stays open for openDuration before probing. Non-positive values fall
// back to 5 failures and 30 seconds.
func New(name string, threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	stateGauge.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{
		name:         name,
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// Name returns the circuit name used in metrics and logs.
func (b *Breaker) Name() string { return b.name }

// OnTransition sets a callback run in its own goroutine on state changes.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn when the circuit allows it and records the outcome.
// Errors for which countable returns false pass through without touching
// the failure count (and count as a completed probe); a nil countable
// counts every error.
func (b *Breaker) Execute(fn func() error, countable func(error) bool) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return err
}

// State returns the current state. An open circuit whose cool-down has
// elapsed still reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current state and failure streak.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.openDuration {
			return false
		}
		b.setState(StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.setState(StateClosed)
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.setState(StateOpen)
	}
}

// setState records a transition. Caller holds b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	transitionsTotal.WithLabelValues(b.name, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(b.name).Set(float64(to))
	if fn := b.onTransition; fn != nil {
		go fn(from, to)
	}
}

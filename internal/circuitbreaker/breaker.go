package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/greentrail/gateway/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and calls pass through.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen

	// StateHalfOpen indicates trial calls are probing recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
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

// ErrCircuitOpen is returned when the circuit rejects a call pre-emptively,
// before any instance is selected or dialed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrGatewayTimeout is the synthetic outcome for a wrapped call that did not
// complete within the expected response time. It is distinct from any
// response the downstream service itself may later produce.
var ErrGatewayTimeout = errors.New("downstream call exceeded expected response time")

// CircuitBreaker implements the three-state circuit breaker for one service.
type CircuitBreaker struct {
	name   string
	config *Config
	logger observability.Logger

	mu    sync.RWMutex
	state State

	failures  int
	successes int
	timeouts  int

	lastFailure     time.Time
	lastSuccess     time.Time
	lastStateChange time.Time
}

// New creates a circuit breaker for the given service name.
func New(name string, config *Config, logger observability.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.Normalize()

	if logger == nil {
		logger = observability.NopLogger()
	}

	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs the call under circuit breaker protection. The call races a
// cancellable timer set to the expected response time: on timeout the call's
// context is cancelled, a timeout failure is recorded, and a late completion
// is discarded so exactly one outcome is recorded per call.
//
// The call reports the downstream HTTP status code; a non-nil error marks a
// transport-level failure. Classification: 2xx-3xx success, >=500 failure,
// 4xx neither.
func (cb *CircuitBreaker) Execute(ctx context.Context, call func(ctx context.Context) (int, error)) (int, error) {
	before := cb.State()
	defer func() {
		if after := cb.State(); after != before {
			trace.SpanFromContext(ctx).AddEvent("circuit_state_change",
				trace.WithAttributes(
					attribute.String("circuit.name", cb.name),
					attribute.String("circuit.from", before.String()),
					attribute.String("circuit.to", after.String()),
				))
		}
	}()

	if !cb.Allow() {
		return 0, ErrCircuitOpen
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		status int
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		status, err := call(callCtx)
		done <- outcome{status: status, err: err}
	}()

	timer := time.NewTimer(cb.config.ExpectedResponseTime)
	defer timer.Stop()

	select {
	case out := <-done:
		cb.record(out.status, out.err)
		return out.status, out.err
	case <-timer.C:
		cb.RecordTimeout()
		return http.StatusGatewayTimeout, ErrGatewayTimeout
	}
}

// record classifies a completed call's outcome.
func (cb *CircuitBreaker) record(status int, err error) {
	switch {
	case err != nil:
		cb.RecordFailure()
	case status >= http.StatusInternalServerError:
		cb.RecordFailure()
	case status >= http.StatusOK && status < http.StatusBadRequest:
		cb.RecordSuccess()
	default:
		// 4xx is evidence about the client, not the service.
	}
}

// Allow reports whether a call may proceed, admitting the first trial call
// once the recovery timeout has elapsed on an open circuit.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var allowed bool
	switch cb.state {
	case StateClosed, StateHalfOpen:
		allowed = true
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			allowed = true
		}
	}

	RecordRequest(cb.name, allowed)
	return allowed
}

// IsOpen is the cheap read-only check gating every request.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return cb.state == StateOpen && time.Since(cb.lastFailure) < cb.config.RecoveryTimeout
}

// RecordSuccess records a successful call. A success in half-open state
// closes the circuit and forgives accumulated failures; a success in closed
// state after a failure-free monitoring period does the same.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.lastSuccess = time.Now()
	RecordSuccess(cb.name)

	switch cb.state {
	case StateHalfOpen:
		cb.failures = 0
		cb.transitionTo(StateClosed)
	case StateClosed:
		if !cb.lastFailure.IsZero() && time.Since(cb.lastFailure) > cb.config.MonitoringPeriod {
			cb.failures = 0
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.recordFailure(false)
}

// RecordTimeout records a failure flagged as a timeout.
func (cb *CircuitBreaker) RecordTimeout() {
	cb.recordFailure(true)
}

func (cb *CircuitBreaker) recordFailure(timeout bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if timeout {
		cb.timeouts++
		RecordTimeout(cb.name)
	}
	cb.lastFailure = time.Now()
	RecordFailure(cb.name)

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// A trial call failed; back to open.
		cb.transitionTo(StateOpen)
	}
}

// transitionTo moves the state machine. Callers hold cb.mu. Counters are not
// reset here: they survive transitions and clear only on explicit reset or a
// half-open recovery.
func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	RecordStateChange(cb.name, oldState, newState)

	cb.logger.Info("circuit breaker state changed",
		observability.String("service", cb.name),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
		observability.Int("failures", cb.failures),
	)

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Name returns the circuit key this breaker tracks.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset returns the breaker to closed with all counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.timeouts = 0
	cb.lastFailure = time.Time{}
	cb.lastSuccess = time.Time{}
	cb.lastStateChange = time.Now()

	RecordState(cb.name, StateClosed)

	cb.logger.Info("circuit breaker reset",
		observability.String("service", cb.name),
	)
}

// Stats holds a point-in-time view of one circuit.
type Stats struct {
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	Timeouts        int       `json:"timeouts"`
	FailureRate     float64   `json:"failureRate"`
	LastFailure     time.Time `json:"lastFailure,omitzero"`
	LastSuccess     time.Time `json:"lastSuccess,omitzero"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// Stats returns the current statistics of the circuit breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		State:           cb.state,
		StateName:       cb.state.String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		Timeouts:        cb.timeouts,
		LastFailure:     cb.lastFailure,
		LastSuccess:     cb.lastSuccess,
		LastStateChange: cb.lastStateChange,
	}
	if total := cb.failures + cb.successes; total > 0 {
		s.FailureRate = float64(cb.failures) / float64(total)
	}
	return s
}

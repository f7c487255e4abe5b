// Package circuitbreaker shields backend services from cascading overload by
// short-circuiting calls once a service shows a sustained failure pattern,
// and probing recovery through trial calls.
package circuitbreaker

import (
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the failure count that opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long after the last failure an open circuit
	// admits a trial call (transition to half-open).
	RecoveryTimeout time.Duration

	// MonitoringPeriod is the failure-free interval after which a success
	// recorded in the closed state forgives accumulated failures.
	MonitoringPeriod time.Duration

	// ExpectedResponseTime bounds a wrapped call; exceeding it records a
	// timeout failure and yields a synthetic gateway-timeout outcome.
	ExpectedResponseTime time.Duration

	// OnStateChange is called after every state transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:     5,
		RecoveryTimeout:      60 * time.Second,
		MonitoringPeriod:     5 * time.Minute,
		ExpectedResponseTime: 5 * time.Second,
	}
}

// Normalize replaces invalid values with defaults.
func (c *Config) Normalize() {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout < time.Millisecond {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.MonitoringPeriod < time.Millisecond {
		c.MonitoringPeriod = 5 * time.Minute
	}
	if c.ExpectedResponseTime < time.Millisecond {
		c.ExpectedResponseTime = 5 * time.Second
	}
}

// WithFailureThreshold sets the failure threshold.
func (c *Config) WithFailureThreshold(n int) *Config {
	c.FailureThreshold = n
	return c
}

// WithRecoveryTimeout sets the recovery timeout.
func (c *Config) WithRecoveryTimeout(d time.Duration) *Config {
	c.RecoveryTimeout = d
	return c
}

// WithMonitoringPeriod sets the monitoring period.
func (c *Config) WithMonitoringPeriod(d time.Duration) *Config {
	c.MonitoringPeriod = d
	return c
}

// WithExpectedResponseTime sets the expected response time.
func (c *Config) WithExpectedResponseTime(d time.Duration) *Config {
	c.ExpectedResponseTime = d
	return c
}

// WithOnStateChange sets the state change callback.
func (c *Config) WithOnStateChange(fn func(name string, from, to State)) *Config {
	c.OnStateChange = fn
	return c
}

package circuitbreaker

import (
	"strings"
	"sync"

	"github.com/greentrail/gateway/internal/observability"
)

// Registry manages one circuit breaker per service.
type Registry struct {
	breakers sync.Map
	config   *Config
	logger   observability.Logger
}

// NewRegistry creates a circuit breaker registry.
func NewRegistry(config *Config, logger observability.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Registry{
		config: config,
		logger: logger,
	}
}

// Get returns the circuit breaker for a service, or nil if none exists yet.
func (r *Registry) Get(name string) *CircuitBreaker {
	value, ok := r.breakers.Load(name)
	if !ok {
		return nil
	}
	return value.(*CircuitBreaker)
}

// GetOrCreate returns the circuit breaker for a service, creating it in the
// closed state on first use.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	if value, ok := r.breakers.Load(name); ok {
		return value.(*CircuitBreaker)
	}

	cb := New(name, r.config, r.logger)

	actual, loaded := r.breakers.LoadOrStore(name, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}

	r.logger.Debug("created circuit breaker",
		observability.String("service", name),
	)

	return cb
}

// Remove removes a circuit breaker from the registry.
func (r *Registry) Remove(name string) {
	r.breakers.Delete(name)
	r.logger.Debug("removed circuit breaker",
		observability.String("service", name),
	)
}

// List returns all circuit breakers in the registry.
func (r *Registry) List() []*CircuitBreaker {
	var breakers []*CircuitBreaker
	r.breakers.Range(func(_, value any) bool {
		breakers = append(breakers, value.(*CircuitBreaker))
		return true
	})
	return breakers
}

// Names returns the service names of all circuit breakers in the registry.
func (r *Registry) Names() []string {
	var names []string
	r.breakers.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}

// Reset resets the circuit breaker for one service. It reports whether a
// breaker with that name existed.
func (r *Registry) Reset(name string) bool {
	cb := r.Get(name)
	if cb == nil {
		return false
	}
	cb.Reset()
	return true
}

// ResetAll resets all circuit breakers to the closed state.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, value any) bool {
		value.(*CircuitBreaker).Reset()
		return true
	})
	r.logger.Info("reset all circuit breakers")
}

// Stats returns statistics for all circuit breakers keyed by service name.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value any) bool {
		stats[key.(string)] = value.(*CircuitBreaker).Stats()
		return true
	})
	return stats
}

// Count returns the number of circuit breakers in the registry.
func (r *Registry) Count() int {
	count := 0
	r.breakers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// ServiceKeyFromPath derives the circuit key from a request path of the form
// /api/<service>/..., falling back to the first path segment.
func ServiceKeyFromPath(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ""
	}
	segments := strings.Split(trimmed, "/")
	if segments[0] == "api" && len(segments) > 1 {
		return segments[1]
	}
	return segments[0]
}

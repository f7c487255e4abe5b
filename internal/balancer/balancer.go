// Package balancer selects one service instance per request according to a
// configurable strategy and tracks in-flight connection counts.
package balancer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/greentrail/gateway/internal/config"
	"github.com/greentrail/gateway/internal/observability"
	"github.com/greentrail/gateway/internal/registry"
)

// assumedResponseTime is the latency assumed for instances that have never
// been probed, giving them a low weight under weighted-response-time.
const assumedResponseTime = 1000 * time.Millisecond

// Selector picks instances for outbound requests.
type Selector interface {
	// PickHealthy selects one healthy instance of a service, or nil when the
	// service is unknown or has no healthy instances.
	PickHealthy(name string) *registry.ServiceInstance

	// PickFallback returns the least stale instance across the whole pool,
	// healthy or not. Used only when PickHealthy yields nothing.
	PickFallback(name string) *registry.ServiceInstance

	// Acquire and Release bracket the lifetime of a proxied call for
	// connection counting.
	Acquire(instanceID string)
	Release(instanceID string)

	// SetStrategy switches the active strategy at runtime.
	SetStrategy(strategy string) error

	// Strategy returns the active strategy name.
	Strategy() string

	// Stats returns a snapshot for the admin surface.
	Stats() Snapshot

	// Reset clears all counters and connection counts.
	Reset()
}

// ServiceStats summarizes balancer state for one service.
type ServiceStats struct {
	TotalInstances    int    `json:"totalInstances"`
	HealthyInstances  int    `json:"healthyInstances"`
	RoundRobinCounter uint64 `json:"roundRobinCounter"`
	ActiveConnections int64  `json:"activeConnections"`
}

// Snapshot is the full balancer state for the admin surface.
type Snapshot struct {
	Strategy string                  `json:"strategy"`
	Services map[string]ServiceStats `json:"services"`
}

// Balancer implements Selector against a Registry. A single mutex guards the
// counters; selection is cheap enough that finer locking buys nothing.
type Balancer struct {
	registry registry.Registry
	logger   observability.Logger

	mu          sync.Mutex
	strategy    string
	rrCounters  map[string]uint64
	connections map[string]int64

	eventCh   chan registry.Event
	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	runMu     sync.Mutex
}

// Option is a functional option for configuring the balancer.
type Option func(*Balancer)

// WithLogger sets the logger for the balancer.
func WithLogger(logger observability.Logger) Option {
	return func(b *Balancer) {
		b.logger = logger
	}
}

// WithStrategy sets the initial strategy.
func WithStrategy(strategy string) Option {
	return func(b *Balancer) {
		b.strategy = strategy
	}
}

// New creates a balancer over the given registry.
func New(reg registry.Registry, opts ...Option) *Balancer {
	b := &Balancer{
		registry:    reg,
		logger:      observability.NopLogger(),
		strategy:    config.StrategyWeightedResponseTime,
		rrCounters:  make(map[string]uint64),
		connections: make(map[string]int64),
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Start subscribes to registry events so connection bookkeeping tracks
// instances that go unhealthy or disappear.
func (b *Balancer) Start(ctx context.Context) {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return
	}
	b.running = true
	b.eventCh = b.registry.Subscribe()
	b.runMu.Unlock()

	go b.watch(ctx)
}

// Stop unsubscribes from registry events.
func (b *Balancer) Stop() {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return
	}
	b.running = false
	b.runMu.Unlock()

	close(b.stopCh)
	<-b.stoppedCh
	b.registry.Unsubscribe(b.eventCh)
}

func (b *Balancer) watch(ctx context.Context) {
	defer close(b.stoppedCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case ev, ok := <-b.eventCh:
			if !ok {
				return
			}
			b.handleEvent(ev)
		}
	}
}

// handleEvent drops connection-count entries for instances that went
// unhealthy or were deregistered, so they stop influencing
// least-connections selection.
func (b *Balancer) handleEvent(ev registry.Event) {
	if ev.Instance == nil {
		return
	}

	unhealthyTransition := ev.Type == registry.EventHealthChanged &&
		ev.Current == registry.HealthUnhealthy
	if !unhealthyTransition && ev.Type != registry.EventInstanceDeregistered {
		return
	}

	b.mu.Lock()
	delete(b.connections, ev.Instance.ID)
	b.mu.Unlock()

	b.logger.Debug("discarded connection count",
		observability.String("service", ev.Instance.Name),
		observability.String("instance", ev.Instance.ID),
	)
}

// PickHealthy selects one healthy instance using the active strategy.
func (b *Balancer) PickHealthy(name string) *registry.ServiceInstance {
	candidates := b.registry.HealthyInstances(name)
	if len(candidates) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.strategy {
	case config.StrategyRoundRobin:
		return b.pickRoundRobin(name, candidates)
	case config.StrategyLeastConnections:
		return b.pickLeastConnections(candidates)
	case config.StrategyRandom:
		return candidates[secureRandomInt(len(candidates))]
	default:
		return b.pickWeightedResponseTime(candidates)
	}
}

// pickRoundRobin applies the per-service monotonic counter. The counter is
// deliberately not reset when the instance set changes size; a skip or
// repeat at a resize boundary is acceptable.
func (b *Balancer) pickRoundRobin(name string, candidates []*registry.ServiceInstance) *registry.ServiceInstance {
	counter := b.rrCounters[name]
	b.rrCounters[name] = counter + 1
	return candidates[counter%uint64(len(candidates))]
}

// pickLeastConnections picks the candidate with the fewest in-flight
// connections; unseen instances count as zero and ties keep list order.
func (b *Balancer) pickLeastConnections(candidates []*registry.ServiceInstance) *registry.ServiceInstance {
	var selected *registry.ServiceInstance
	minConns := int64(-1)

	for _, inst := range candidates {
		conns := b.connections[inst.ID]
		if minConns < 0 || conns < minConns {
			minConns = conns
			selected = inst
		}
	}
	return selected
}

// pickWeightedResponseTime draws over cumulative weights where weight is the
// inverse of the last probe latency in milliseconds.
func (b *Balancer) pickWeightedResponseTime(candidates []*registry.ServiceInstance) *registry.ServiceInstance {
	weights := make([]float64, len(candidates))
	total := 0.0

	for i, inst := range candidates {
		rt := inst.ResponseTime()
		if rt <= 0 {
			rt = assumedResponseTime
		}
		ms := float64(rt.Milliseconds())
		if ms < 1 {
			ms = 1
		}
		weights[i] = 1 / ms
		total += weights[i]
	}

	if total <= 0 {
		return candidates[0]
	}

	draw := secureRandomFloat() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if draw < cumulative {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// PickFallback returns the instance with the most recent health check among
// all known instances of the service, or nil if the service is unknown.
// Instances never probed carry the zero time and lose to any probed peer.
func (b *Balancer) PickFallback(name string) *registry.ServiceInstance {
	all := b.registry.AllInstances(name)
	if len(all) == 0 {
		return nil
	}

	selected := all[0]
	for _, inst := range all[1:] {
		if inst.LastHealthCheck().After(selected.LastHealthCheck()) {
			selected = inst
		}
	}
	return selected
}

// Acquire increments the in-flight count for an instance.
func (b *Balancer) Acquire(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections[instanceID]++
}

// Release decrements the in-flight count for an instance. Entries are
// removed at zero; the count can never go negative.
func (b *Balancer) Release(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count, ok := b.connections[instanceID]
	if !ok {
		return
	}
	if count <= 1 {
		delete(b.connections, instanceID)
		return
	}
	b.connections[instanceID] = count - 1
}

// SetStrategy switches the active strategy at runtime.
func (b *Balancer) SetStrategy(strategy string) error {
	switch strategy {
	case config.StrategyRoundRobin, config.StrategyLeastConnections,
		config.StrategyWeightedResponseTime, config.StrategyRandom:
	default:
		return fmt.Errorf("unknown load balancer strategy: %s", strategy)
	}

	b.mu.Lock()
	previous := b.strategy
	b.strategy = strategy
	b.mu.Unlock()

	if previous != strategy {
		b.logger.Info("load balancer strategy changed",
			observability.String("from", previous),
			observability.String("to", strategy),
		)
	}
	return nil
}

// Strategy returns the active strategy name.
func (b *Balancer) Strategy() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy
}

// Stats returns a snapshot of balancer state for all known services.
func (b *Balancer) Stats() Snapshot {
	names := b.registry.ServiceNames()

	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := Snapshot{
		Strategy: b.strategy,
		Services: make(map[string]ServiceStats, len(names)),
	}

	for _, name := range names {
		all := b.registry.AllInstances(name)
		stats := ServiceStats{
			TotalInstances:    len(all),
			RoundRobinCounter: b.rrCounters[name],
		}
		for _, inst := range all {
			if inst.Health() == registry.HealthHealthy {
				stats.HealthyInstances++
			}
			stats.ActiveConnections += b.connections[inst.ID]
		}
		snapshot.Services[name] = stats
	}

	return snapshot
}

// Reset clears all round-robin counters and connection counts. The registry
// is unaffected.
func (b *Balancer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rrCounters = make(map[string]uint64)
	b.connections = make(map[string]int64)
}

// secureRandomInt returns a cryptographically secure random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(buf[:]) % uint64(n)) //nolint:gosec // bounds checked
}

// secureRandomFloat returns a uniformly distributed float64 in [0, 1).
func secureRandomFloat() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	const mask = 1<<53 - 1
	return float64(binary.LittleEndian.Uint64(buf[:])&mask) / (1 << 53)
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/greentrail/gateway/internal/config"
	"github.com/greentrail/gateway/internal/observability"
)

// Sentinel errors for dynamic instance management.
var (
	// ErrInstanceNotFound indicates no instance matched the service and id.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists indicates the instance id is already registered.
	ErrInstanceExists = errors.New("instance already registered")
)

// Registry is the read/write surface of the service registry.
type Registry interface {
	// HealthyInstances returns the instances of a service whose most recent
	// probe succeeded. Empty if the service is unknown or fully unhealthy.
	HealthyInstances(name string) []*ServiceInstance

	// AllInstances returns every known instance of a service regardless of
	// health, in registration order.
	AllInstances(name string) []*ServiceInstance

	// ServiceNames returns the names of all known services.
	ServiceNames() []string

	// RegisterInstance adds an instance outside the static configuration.
	RegisterInstance(inst *ServiceInstance) error

	// DeregisterInstance removes an instance by exact id match.
	DeregisterInstance(name, id string) error

	// Subscribe returns a bounded channel of registry events. The channel is
	// closed when the subscriber is removed or the registry shuts down.
	Subscribe() chan Event

	// Unsubscribe removes a subscriber and closes its channel.
	Unsubscribe(ch chan Event)
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	TotalServices    int           `json:"totalServices"`
	TotalInstances   int           `json:"totalInstances"`
	HealthyInstances int           `json:"healthyInstances"`
	Uptime           time.Duration `json:"uptime"`
}

// InMemoryRegistry is the default Registry implementation. All state lives in
// process memory; it is rebuilt from configuration at startup and mutated in
// place by probes and dynamic registration.
type InMemoryRegistry struct {
	mu       sync.RWMutex
	services map[string][]*ServiceInstance

	healthCfg config.HealthCheckConfig
	client    *http.Client
	logger    observability.Logger
	events    *broadcaster

	startTime time.Time
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option is a functional option for configuring the registry.
type Option func(*InMemoryRegistry)

// WithLogger sets the logger for the registry.
func WithLogger(logger observability.Logger) Option {
	return func(r *InMemoryRegistry) {
		r.logger = logger
	}
}

// WithProbeClient sets the HTTP client used for health probes.
func WithProbeClient(client *http.Client) Option {
	return func(r *InMemoryRegistry) {
		r.client = client
	}
}

// New creates a registry populated from the configured services, one instance
// per URL with health unknown. The probe loop is not started until Start.
func New(services []config.Service, healthCfg config.HealthCheckConfig, opts ...Option) *InMemoryRegistry {
	if healthCfg.Path == "" {
		healthCfg.Path = config.DefaultHealthCheckPath
	}
	if healthCfg.Interval == 0 {
		healthCfg.Interval = config.Duration(config.DefaultHealthCheckInterval)
	}
	if healthCfg.Timeout == 0 {
		healthCfg.Timeout = config.Duration(config.DefaultHealthCheckTimeout)
	}

	r := &InMemoryRegistry{
		services:  make(map[string][]*ServiceInstance),
		healthCfg: healthCfg,
		logger:    observability.NopLogger(),
		events:    newBroadcaster(),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.client == nil {
		r.client = &http.Client{Timeout: healthCfg.Timeout.Duration()}
	}

	r.populate(services)

	return r
}

// populate rebuilds the service map from configuration.
func (r *InMemoryRegistry) populate(services []config.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services = make(map[string][]*ServiceInstance, len(services))
	for _, svc := range services {
		instances := make([]*ServiceInstance, 0, len(svc.URLs))
		for _, u := range svc.URLs {
			instances = append(instances, NewInstance(svc.Name, u, svc.Version, svc.Metadata))
		}
		r.services[svc.Name] = instances
	}
}

// Start runs the probe loop: one immediate sweep, then one per interval.
func (r *InMemoryRegistry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.startTime = time.Now()
	r.mu.Unlock()

	r.logger.Info("starting service registry",
		observability.Int("services", len(r.ServiceNames())),
		observability.Duration("probeInterval", r.healthCfg.Interval.Duration()),
	)

	go r.run(ctx)
}

// Stop cancels the probe loop and closes all subscriber channels.
func (r *InMemoryRegistry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	<-r.stoppedCh
	r.events.closeAll()
}

// IsRunning returns true if the probe loop is active.
func (r *InMemoryRegistry) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *InMemoryRegistry) run(ctx context.Context) {
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.healthCfg.Interval.Duration())
	defer ticker.Stop()

	r.probeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

// probeAll probes every known instance concurrently and waits for all probes
// to complete. Each instance is updated as its own probe resolves; a slow
// instance delays only the sweep's completion, not its peers' updates.
func (r *InMemoryRegistry) probeAll(ctx context.Context) {
	r.mu.RLock()
	instances := make([]*ServiceInstance, 0)
	for _, list := range r.services {
		instances = append(instances, list...)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *ServiceInstance) {
			defer wg.Done()
			r.probeInstance(ctx, inst)
		}(inst)
	}
	wg.Wait()

	r.updateHealthyGauges()
}

// probeInstance issues one health request and applies the result in place.
// Probe failures are never returned to callers; they only update instance
// state and emit a transition event.
func (r *InMemoryRegistry) probeInstance(ctx context.Context, inst *ServiceInstance) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.healthCfg.Timeout.Duration())
	defer cancel()

	url := inst.URL + r.healthCfg.Path
	start := time.Now()

	var probeErr error
	healthy := false

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		probeErr = err
	} else {
		resp, err := r.client.Do(req)
		if err != nil {
			// Timeouts and connection failures are treated identically.
			probeErr = err
		} else {
			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				healthy = true
			}
			_ = resp.Body.Close()
		}
	}

	elapsed := time.Since(start)
	inst.RecordProbe(time.Now(), elapsed)
	recordProbeMetrics(inst.Name, healthy, elapsed)

	newHealth := HealthUnhealthy
	if healthy {
		newHealth = HealthHealthy
	}

	prev := inst.SetHealth(newHealth)
	if prev == newHealth {
		return
	}

	HealthTransitionsTotal.WithLabelValues(inst.Name, newHealth.String()).Inc()

	if newHealth == HealthHealthy {
		r.logger.Info("instance became healthy",
			observability.String("service", inst.Name),
			observability.String("url", inst.URL),
			observability.Duration("responseTime", elapsed),
		)
	} else {
		r.logger.Warn("instance became unhealthy",
			observability.String("service", inst.Name),
			observability.String("url", inst.URL),
			observability.Error(probeErr),
		)
	}

	r.events.publish(Event{
		Type:     EventHealthChanged,
		Instance: inst,
		Previous: prev,
		Current:  newHealth,
		Err:      probeErr,
		Time:     time.Now(),
	})
}

// updateHealthyGauges refreshes the per-service healthy instance gauges.
func (r *InMemoryRegistry) updateHealthyGauges() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, list := range r.services {
		healthy := 0
		for _, inst := range list {
			if inst.Health() == HealthHealthy {
				healthy++
			}
		}
		HealthyInstances.WithLabelValues(name).Set(float64(healthy))
	}
}

// HealthyInstances returns the current healthy instances of a service.
func (r *InMemoryRegistry) HealthyInstances(name string) []*ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.services[name]
	healthy := make([]*ServiceInstance, 0, len(list))
	for _, inst := range list {
		if inst.Health() == HealthHealthy {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

// AllInstances returns all instances of a service regardless of health.
func (r *InMemoryRegistry) AllInstances(name string) []*ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.services[name]
	all := make([]*ServiceInstance, len(list))
	copy(all, list)
	return all
}

// ServiceNames returns all known service names.
func (r *InMemoryRegistry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// RegisterInstance adds an instance dynamically.
func (r *InMemoryRegistry) RegisterInstance(inst *ServiceInstance) error {
	if inst == nil || inst.Name == "" || inst.URL == "" {
		return fmt.Errorf("instance name and url are required")
	}

	r.mu.Lock()
	for _, existing := range r.services[inst.Name] {
		if existing.ID == inst.ID {
			r.mu.Unlock()
			return fmt.Errorf("instance %s for service %s: %w", inst.ID, inst.Name, ErrInstanceExists)
		}
	}
	r.services[inst.Name] = append(r.services[inst.Name], inst)
	r.mu.Unlock()

	r.logger.Info("instance registered",
		observability.String("service", inst.Name),
		observability.String("id", inst.ID),
		observability.String("url", inst.URL),
	)

	r.events.publish(Event{
		Type:     EventInstanceRegistered,
		Instance: inst,
		Current:  inst.Health(),
		Time:     time.Now(),
	})

	return nil
}

// DeregisterInstance removes an instance by exact id match.
func (r *InMemoryRegistry) DeregisterInstance(name, id string) error {
	r.mu.Lock()
	list := r.services[name]
	var removed *ServiceInstance
	for i, inst := range list {
		if inst.ID == id {
			removed = inst
			r.services[name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("instance %s for service %s: %w", id, name, ErrInstanceNotFound)
	}

	r.logger.Info("instance deregistered",
		observability.String("service", name),
		observability.String("id", id),
	)

	r.events.publish(Event{
		Type:     EventInstanceDeregistered,
		Instance: removed,
		Previous: removed.Health(),
		Current:  removed.Health(),
		Time:     time.Now(),
	})

	return nil
}

// Subscribe returns a channel of registry events.
func (r *InMemoryRegistry) Subscribe() chan Event {
	return r.events.subscribe()
}

// Unsubscribe removes a subscriber.
func (r *InMemoryRegistry) Unsubscribe(ch chan Event) {
	r.events.unsubscribe(ch)
}

// ApplyServices replaces the service set from a reloaded configuration.
// Instances whose service name and URL are unchanged keep their identity and
// health; new URLs start unknown; missing ones are deregistered.
func (r *InMemoryRegistry) ApplyServices(services []config.Service) {
	var added, removed []*ServiceInstance

	r.mu.Lock()
	next := make(map[string][]*ServiceInstance, len(services))
	for _, svc := range services {
		current := make(map[string]*ServiceInstance, len(r.services[svc.Name]))
		for _, inst := range r.services[svc.Name] {
			current[inst.URL] = inst
		}

		list := make([]*ServiceInstance, 0, len(svc.URLs))
		for _, u := range svc.URLs {
			if inst, ok := current[u]; ok {
				delete(current, u)
				list = append(list, inst)
				continue
			}
			inst := NewInstance(svc.Name, u, svc.Version, svc.Metadata)
			list = append(list, inst)
			added = append(added, inst)
		}
		next[svc.Name] = list

		for _, inst := range current {
			removed = append(removed, inst)
		}
	}

	// Services dropped from configuration entirely.
	for name, list := range r.services {
		if _, ok := next[name]; !ok {
			removed = append(removed, list...)
		}
	}

	r.services = next
	r.mu.Unlock()

	for _, inst := range added {
		r.events.publish(Event{
			Type:     EventInstanceRegistered,
			Instance: inst,
			Current:  inst.Health(),
			Time:     time.Now(),
		})
	}
	for _, inst := range removed {
		r.events.publish(Event{
			Type:     EventInstanceDeregistered,
			Instance: inst,
			Previous: inst.Health(),
			Current:  inst.Health(),
			Time:     time.Now(),
		})
	}

	r.logger.Info("registry configuration applied",
		observability.Int("services", len(services)),
		observability.Int("added", len(added)),
		observability.Int("removed", len(removed)),
	)
}

// Stats returns a snapshot of the registry.
func (r *InMemoryRegistry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{TotalServices: len(r.services)}
	for _, list := range r.services {
		stats.TotalInstances += len(list)
		for _, inst := range list {
			if inst.Health() == HealthHealthy {
				stats.HealthyInstances++
			}
		}
	}
	if !r.startTime.IsZero() {
		stats.Uptime = time.Since(r.startTime)
	}
	return stats
}

// View returns the full per-service instance snapshot for the admin surface.
func (r *InMemoryRegistry) View() map[string][]InstanceView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	view := make(map[string][]InstanceView, len(r.services))
	for name, list := range r.services {
		views := make([]InstanceView, 0, len(list))
		for _, inst := range list {
			views = append(views, inst.View())
		}
		view[name] = views
	}
	return view
}

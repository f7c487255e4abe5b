// Package config provides configuration loading and validation for the gateway.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load-balancing strategy constants.
const (
	StrategyRoundRobin           = "roundRobin"
	StrategyLeastConnections     = "leastConnections"
	StrategyWeightedResponseTime = "weightedResponseTime"
	StrategyRandom               = "random"
)

// Health check and circuit breaker defaults.
const (
	DefaultHealthCheckPath      = "/health"
	DefaultHealthCheckInterval  = 30 * time.Second
	DefaultHealthCheckTimeout   = 5 * time.Second
	DefaultFailureThreshold     = 5
	DefaultRecoveryTimeout      = 60 * time.Second
	DefaultMonitoringPeriod     = 5 * time.Minute
	DefaultExpectedResponseTime = 5 * time.Second
)

// EnvServicePrefix is the prefix for per-service instance URL overrides.
// GATEWAY_SERVICE_USER_SERVICE=http://a:3001,http://b:3001 overrides the
// instance URLs of the "user-service" service.
const EnvServicePrefix = "GATEWAY_SERVICE_"

// GatewayConfig is the top-level gateway configuration.
type GatewayConfig struct {
	Server         ServerConfig         `yaml:"server"`
	Services       []Service            `yaml:"services"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	LoadBalancer   LoadBalancerConfig   `yaml:"loadBalancer"`
}

// ServerConfig holds the listen addresses for the proxy and admin servers.
type ServerConfig struct {
	ListenAddr      string   `yaml:"listenAddr"`
	AdminAddr       string   `yaml:"adminAddr"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty"`
}

// Service describes one backend service and its instance URLs.
type Service struct {
	Name     string            `yaml:"name"`
	URLs     []string          `yaml:"urls"`
	Version  string            `yaml:"version,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// HealthCheckConfig holds health probe configuration.
type HealthCheckConfig struct {
	Path     string   `yaml:"path,omitempty"`
	Interval Duration `yaml:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker thresholds and timeouts.
type CircuitBreakerConfig struct {
	FailureThreshold     int      `yaml:"failureThreshold,omitempty"`
	RecoveryTimeout      Duration `yaml:"recoveryTimeout,omitempty"`
	MonitoringPeriod     Duration `yaml:"monitoringPeriod,omitempty"`
	ExpectedResponseTime Duration `yaml:"expectedResponseTime,omitempty"`
}

// LoadBalancerConfig holds the active load-balancing strategy.
type LoadBalancerConfig struct {
	Strategy string `yaml:"strategy,omitempty"`
}

// LoadConfig loads configuration from a YAML file and applies environment
// variable overrides for per-service instance URLs.
func LoadConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // config path from operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &GatewayConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides(os.Environ())

	return cfg, nil
}

// applyDefaults fills in zero-valued fields with defaults.
func (c *GatewayConfig) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = ":9090"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if c.HealthCheck.Path == "" {
		c.HealthCheck.Path = DefaultHealthCheckPath
	}
	if c.HealthCheck.Interval == 0 {
		c.HealthCheck.Interval = Duration(DefaultHealthCheckInterval)
	}
	if c.HealthCheck.Timeout == 0 {
		c.HealthCheck.Timeout = Duration(DefaultHealthCheckTimeout)
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.CircuitBreaker.RecoveryTimeout == 0 {
		c.CircuitBreaker.RecoveryTimeout = Duration(DefaultRecoveryTimeout)
	}
	if c.CircuitBreaker.MonitoringPeriod == 0 {
		c.CircuitBreaker.MonitoringPeriod = Duration(DefaultMonitoringPeriod)
	}
	if c.CircuitBreaker.ExpectedResponseTime == 0 {
		c.CircuitBreaker.ExpectedResponseTime = Duration(DefaultExpectedResponseTime)
	}
	if c.LoadBalancer.Strategy == "" {
		c.LoadBalancer.Strategy = StrategyWeightedResponseTime
	}
}

// applyEnvOverrides overrides service instance URLs from environment
// variables of the form GATEWAY_SERVICE_<NAME>=url1,url2. Service names are
// matched after uppercasing and replacing dashes with underscores, so
// GATEWAY_SERVICE_USER_SERVICE targets "user-service".
func (c *GatewayConfig) applyEnvOverrides(environ []string) {
	overrides := make(map[string][]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvServicePrefix) || value == "" {
			continue
		}
		name := strings.TrimPrefix(key, EnvServicePrefix)
		urls := strings.Split(value, ",")
		for i := range urls {
			urls[i] = strings.TrimSpace(urls[i])
		}
		overrides[name] = urls
	}

	for i := range c.Services {
		envName := EnvServiceName(c.Services[i].Name)
		if urls, ok := overrides[envName]; ok {
			c.Services[i].URLs = urls
		}
	}
}

// EnvServiceName converts a service name to its environment variable form.
func EnvServiceName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// ValidateConfig validates the gateway configuration. A malformed
// configuration is a startup-time programming error and is treated as fatal
// by the caller.
func ValidateConfig(c *GatewayConfig) error {
	if c == nil {
		return fmt.Errorf("configuration is nil")
	}

	if len(c.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}

	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("service name is required")
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		seen[svc.Name] = true

		if len(svc.URLs) == 0 {
			return fmt.Errorf("service %s: at least one instance URL is required", svc.Name)
		}
		for _, raw := range svc.URLs {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("service %s: invalid instance URL: %s", svc.Name, raw)
			}
		}
	}

	if err := validateStrategy(c.LoadBalancer.Strategy); err != nil {
		return err
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuitBreaker.failureThreshold must be at least 1")
	}
	if c.HealthCheck.Interval.Duration() < time.Second {
		return fmt.Errorf("healthCheck.interval must be at least 1s")
	}
	if c.HealthCheck.Timeout.Duration() < time.Millisecond {
		return fmt.Errorf("healthCheck.timeout must be at least 1ms")
	}

	return nil
}

// validateStrategy checks that the strategy is one of the supported values.
func validateStrategy(strategy string) error {
	switch strategy {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeightedResponseTime, StrategyRandom:
		return nil
	default:
		return fmt.Errorf("invalid load balancer strategy: %s", strategy)
	}
}

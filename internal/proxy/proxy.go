// Package proxy forwards gateway requests to service instances selected by
// the load balancer, under circuit breaker protection.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/greentrail/gateway/internal/balancer"
	"github.com/greentrail/gateway/internal/circuitbreaker"
	"github.com/greentrail/gateway/internal/observability"
	"github.com/greentrail/gateway/internal/registry"
)

// tracer is the OTEL tracer for proxied requests.
var tracer = otel.Tracer("gateway/proxy")

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Sentinel errors for proxy operations.
var (
	// ErrUnknownService indicates the request path does not map to a
	// registered service.
	ErrUnknownService = errors.New("unknown service")

	// ErrNoInstanceAvailable indicates neither a healthy nor a fallback
	// instance could be selected.
	ErrNoInstanceAvailable = errors.New("no instance available")
)

// ResolveFunc maps a request to a service name and the path to forward.
type ResolveFunc func(r *http.Request) (service, forwardPath string)

// DefaultResolver maps /api/<service>/<rest> to service <service> and
// forward path /<rest>.
func DefaultResolver(r *http.Request) (string, string) {
	service := circuitbreaker.ServiceKeyFromPath(r.URL.Path)
	if service == "" {
		return "", ""
	}

	trimmed := strings.TrimPrefix(r.URL.Path, "/api/"+service)
	trimmed = strings.TrimPrefix(trimmed, "/"+service)
	if trimmed == "" {
		trimmed = "/"
	}
	return service, trimmed
}

// Proxy is the gateway-side HTTP forwarder. Every request passes the circuit
// breaker of its target service, then a balancer-selected instance.
type Proxy struct {
	registry  registry.Registry
	balancer  balancer.Selector
	breakers  *circuitbreaker.Registry
	resolve   ResolveFunc
	transport http.RoundTripper
	logger    observability.Logger
}

// Option is a functional option for configuring the proxy.
type Option func(*Proxy)

// WithProxyLogger sets the logger for the proxy.
func WithProxyLogger(logger observability.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// WithTransport sets the transport used for upstream calls.
func WithTransport(transport http.RoundTripper) Option {
	return func(p *Proxy) {
		p.transport = transport
	}
}

// WithResolver sets the request-to-service resolver.
func WithResolver(resolve ResolveFunc) Option {
	return func(p *Proxy) {
		p.resolve = resolve
	}
}

// New creates a proxy over the given registry, balancer and circuit breakers.
func New(reg registry.Registry, sel balancer.Selector, breakers *circuitbreaker.Registry, opts ...Option) *Proxy {
	p := &Proxy{
		registry: reg,
		balancer: sel,
		breakers: breakers,
		resolve:  DefaultResolver,
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.transport == nil {
		p.transport = NewConnectionPool(DefaultPoolConfig()).Transport()
	}

	return p
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service, forwardPath := p.resolve(r)
	if service == "" || len(p.registry.AllInstances(service)) == 0 {
		p.writeError(w, http.StatusNotFound, "not found", "no service for path", service)
		return
	}

	ctx, span := tracer.Start(r.Context(), "proxy.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("gateway.service", service)),
	)
	defer span.End()
	r = r.WithContext(ctx)

	cb := p.breakers.GetOrCreate(service)
	if cb.IsOpen() {
		p.logger.Warn("circuit open, rejecting request",
			observability.String("service", service),
			observability.String("path", r.URL.Path),
		)
		ErrorsTotal.WithLabelValues(service, "circuit_open").Inc()
		span.AddEvent("circuit_open")
		p.writeError(w, http.StatusServiceUnavailable, "service unavailable", "circuit breaker is open", service)
		return
	}

	inst := p.balancer.PickHealthy(service)
	if inst == nil {
		inst = p.balancer.PickFallback(service)
		if inst != nil {
			FallbacksTotal.WithLabelValues(service).Inc()
			span.AddEvent("fallback_instance")
			p.logger.Warn("no healthy instance, using fallback",
				observability.String("service", service),
				observability.String("instance", inst.ID),
				observability.String("url", inst.URL),
			)
		}
	}
	if inst == nil {
		ErrorsTotal.WithLabelValues(service, "no_instance").Inc()
		p.writeError(w, http.StatusServiceUnavailable, "service unavailable", "no instance available", service)
		return
	}

	span.SetAttributes(attribute.String("gateway.instance", inst.ID))

	p.balancer.Acquire(inst.ID)
	defer p.balancer.Release(inst.ID)

	p.forward(w, r, cb, service, inst, forwardPath)
}

// forward performs the upstream call under the service's circuit breaker.
func (p *Proxy) forward(
	w http.ResponseWriter,
	r *http.Request,
	cb *circuitbreaker.CircuitBreaker,
	service string,
	inst *registry.ServiceInstance,
	forwardPath string,
) {
	outReq, err := p.buildUpstreamRequest(r, inst, forwardPath)
	if err != nil {
		ErrorsTotal.WithLabelValues(service, "bad_gateway").Inc()
		p.logger.Error("failed to build upstream request",
			observability.String("service", service),
			observability.String("url", inst.URL),
			observability.Error(err),
		)
		p.writeError(w, http.StatusBadGateway, "bad gateway", "failed to build upstream request", service)
		return
	}

	// Buffered so the call goroutine never blocks handing over the
	// response; exactly one receive happens, either below on success or
	// in the timeout reaper.
	respCh := make(chan *http.Response, 1)
	start := time.Now()

	status, err := cb.Execute(r.Context(), func(ctx context.Context) (int, error) {
		res, callErr := p.transport.RoundTrip(outReq.WithContext(ctx))
		if callErr != nil {
			close(respCh)
			return 0, callErr
		}
		respCh <- res
		return res.StatusCode, nil
	})

	UpstreamDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		ErrorsTotal.WithLabelValues(service, "circuit_open").Inc()
		p.writeError(w, http.StatusServiceUnavailable, "service unavailable", "circuit breaker is open", service)
		return
	case errors.Is(err, circuitbreaker.ErrGatewayTimeout):
		// The abandoned call still owns a response body if RoundTrip
		// completes after the deadline; reap it when it lands.
		go func() {
			if res := <-respCh; res != nil {
				_ = res.Body.Close()
			}
		}()
		ErrorsTotal.WithLabelValues(service, "timeout").Inc()
		p.logger.Warn("upstream call timed out",
			observability.String("service", service),
			observability.String("instance", inst.ID),
		)
		p.writeError(w, http.StatusGatewayTimeout, "gateway timeout", "upstream did not respond in time", service)
		return
	case err != nil:
		ErrorsTotal.WithLabelValues(service, "upstream_error").Inc()
		p.logger.Error("upstream call failed",
			observability.String("service", service),
			observability.String("instance", inst.ID),
			observability.String("url", outReq.URL.String()),
			observability.Error(err),
		)
		p.writeError(w, http.StatusBadGateway, "bad gateway", "upstream call failed", service)
		return
	}

	resp := <-respCh
	defer func() { _ = resp.Body.Close() }()

	RequestsTotal.WithLabelValues(service, strconv.Itoa(status)).Inc()
	p.copyResponse(w, resp)
}

// buildUpstreamRequest clones the inbound request toward the instance URL.
func (p *Proxy) buildUpstreamRequest(r *http.Request, inst *registry.ServiceInstance, forwardPath string) (*http.Request, error) {
	base, err := url.Parse(inst.URL)
	if err != nil {
		return nil, fmt.Errorf("parse instance url %q: %w", inst.URL, err)
	}

	target := *base
	target.Path = singleJoiningSlash(base.Path, forwardPath)
	target.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequest(r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	outReq.ContentLength = r.ContentLength

	outReq.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		outReq.Header.Del(h)
	}

	if clientIP, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		outReq.Header.Set("X-Forwarded-For", clientIP)
	}

	if r.TLS != nil {
		outReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		outReq.Header.Set("X-Forwarded-Proto", "http")
	}
	outReq.Header.Set("X-Forwarded-Host", r.Host)

	if reqID := observability.RequestIDFromContext(r.Context()); reqID != "" {
		outReq.Header.Set("X-Request-Id", reqID)
	}

	return outReq, nil
}

// copyResponse writes the upstream response to the client.
func (p *Proxy) copyResponse(w http.ResponseWriter, resp *http.Response) {
	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}

	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// writeError writes a JSON error response.
func (p *Proxy) writeError(w http.ResponseWriter, status int, kind, message, service string) {
	if service != "" {
		RequestsTotal.WithLabelValues(service, strconv.Itoa(status)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q,"message":%q}`, kind, message)
}

// singleJoiningSlash joins base and extra with exactly one slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greentrail/gateway/internal/balancer"
	"github.com/greentrail/gateway/internal/circuitbreaker"
	"github.com/greentrail/gateway/internal/config"
	"github.com/greentrail/gateway/internal/observability"
	"github.com/greentrail/gateway/internal/registry"
)

func newTestRegistry(t *testing.T, service string, urls ...string) *registry.InMemoryRegistry {
	t.Helper()

	reg := registry.New(
		[]config.Service{{Name: service, URLs: urls}},
		config.HealthCheckConfig{},
	)
	for _, inst := range reg.AllInstances(service) {
		inst.SetHealth(registry.HealthHealthy)
	}
	return reg
}

func newTestProxy(t *testing.T, reg *registry.InMemoryRegistry, cbConfig *circuitbreaker.Config) (*Proxy, *circuitbreaker.Registry) {
	t.Helper()

	if cbConfig == nil {
		cbConfig = circuitbreaker.DefaultConfig()
	}
	breakers := circuitbreaker.NewRegistry(cbConfig, observability.NopLogger())
	sel := balancer.New(reg)
	p := New(reg, sel, breakers)
	return p, breakers
}

func TestProxy_ForwardsToHealthyInstance(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/42", r.URL.Path)
		assert.Equal(t, "limit=10", r.URL.RawQuery)
		assert.NotEmpty(t, r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "http", r.Header.Get("X-Forwarded-Proto"))
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"id":42}`)
	}))
	defer upstream.Close()

	reg := newTestRegistry(t, "user-service", upstream.URL)
	p, _ := newTestProxy(t, reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/user-service/users/42?limit=10", nil)
	req.RemoteAddr = "10.1.2.3:51000"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"id":42}`, rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
}

func TestProxy_UnknownService(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, "user-service", "http://127.0.0.1:1")
	p, _ := newTestProxy(t, reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/billing-service/invoices", nil)
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}

func TestProxy_OpenCircuitRejectsWithoutUpstreamCall(t *testing.T) {
	t.Parallel()

	var upstreamCalls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	reg := newTestRegistry(t, "user-service", upstream.URL)
	p, breakers := newTestProxy(t, reg, nil)

	cb := breakers.GetOrCreate("user-service")
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	req := httptest.NewRequest(http.MethodGet, "/api/user-service/users", nil)
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "circuit breaker is open")
	assert.Zero(t, upstreamCalls)
}

func TestProxy_ServerErrorsOpenCircuit(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	reg := newTestRegistry(t, "user-service", upstream.URL)
	p, breakers := newTestProxy(t, reg, nil)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/user-service/users", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	}

	cb := breakers.GetOrCreate("user-service")
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/user-service/users", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxy_ClientErrorPassesThroughNeutrally(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	reg := newTestRegistry(t, "user-service", upstream.URL)
	p, breakers := newTestProxy(t, reg, nil)

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/user-service/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	stats := breakers.GetOrCreate("user-service").Stats()
	assert.Equal(t, circuitbreaker.StateClosed, stats.State)
	assert.Zero(t, stats.Failures)
	assert.Zero(t, stats.Successes)
}

func TestProxy_SlowUpstreamYieldsGatewayTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	reg := newTestRegistry(t, "user-service", upstream.URL)
	cbConfig := circuitbreaker.DefaultConfig().WithExpectedResponseTime(50 * time.Millisecond)
	p, breakers := newTestProxy(t, reg, cbConfig)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/user-service/slow", nil))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "did not respond in time")

	stats := breakers.GetOrCreate("user-service").Stats()
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 1, stats.Timeouts)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type trackedBody struct {
	closed atomic.Bool
}

func (b *trackedBody) Read([]byte) (int, error) { return 0, io.EOF }
func (b *trackedBody) Close() error             { b.closed.Store(true); return nil }

func TestProxy_LateUpstreamResponseBodyIsClosed(t *testing.T) {
	t.Parallel()

	// A transport that ignores cancellation and produces its response only
	// after the breaker has already given up on the call.
	body := &trackedBody{}
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		time.Sleep(150 * time.Millisecond)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       body,
		}, nil
	})

	reg := newTestRegistry(t, "user-service", "http://127.0.0.1:1")
	cbConfig := circuitbreaker.DefaultConfig().WithExpectedResponseTime(30 * time.Millisecond)
	breakers := circuitbreaker.NewRegistry(cbConfig, observability.NopLogger())
	p := New(reg, balancer.New(reg), breakers, WithTransport(rt))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/user-service/slow", nil))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Eventually(t, func() bool {
		return body.closed.Load()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProxy_UnreachableInstanceYieldsBadGateway(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, "user-service", "http://127.0.0.1:1")
	p, breakers := newTestProxy(t, reg, nil)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/user-service/users", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 1, breakers.GetOrCreate("user-service").Stats().Failures)
}

func TestProxy_FallbackWhenNoHealthyInstance(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "degraded but alive")
	}))
	defer upstream.Close()

	reg := newTestRegistry(t, "user-service", upstream.URL)
	for _, inst := range reg.AllInstances("user-service") {
		inst.SetHealth(registry.HealthUnhealthy)
	}
	p, _ := newTestProxy(t, reg, nil)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/user-service/users", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded but alive", rec.Body.String())
}

func TestProxy_PropagatesRequestID(t *testing.T) {
	t.Parallel()

	var got string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-Id")
	}))
	defer upstream.Close()

	reg := newTestRegistry(t, "user-service", upstream.URL)
	p, _ := newTestProxy(t, reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/user-service/users", nil)
	req = req.WithContext(observability.ContextWithRequestID(req.Context(), "req-123"))
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", got)
}

func TestProxy_StripsHopHeaders(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	reg := newTestRegistry(t, "user-service", upstream.URL)
	p, _ := newTestProxy(t, reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/user-service/users", nil)
	req.Header.Set("Proxy-Authorization", "secret")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxy_BalancesAcrossInstances(t *testing.T) {
	t.Parallel()

	hits := make(map[string]int)
	newUpstream := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits[name]++
			w.WriteHeader(http.StatusOK)
		}))
	}
	a := newUpstream("a")
	defer a.Close()
	b := newUpstream("b")
	defer b.Close()

	reg := newTestRegistry(t, "user-service", a.URL, b.URL)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), observability.NopLogger())
	sel := balancer.New(reg, balancer.WithStrategy(config.StrategyRoundRobin))
	p := New(reg, sel, breakers)

	for i := 0; i < 6; i++ {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/user-service/users", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 3, hits["a"])
	assert.Equal(t, 3, hits["b"])
}

func TestDefaultResolver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path        string
		wantService string
		wantForward string
	}{
		{"/api/user-service/users/42", "user-service", "/users/42"},
		{"/api/user-service", "user-service", "/"},
		{"/user-service/users", "user-service", "/users"},
		{"/", "", ""},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://gw"+orSlash(tt.path), nil)
		service, forward := DefaultResolver(req)
		assert.Equal(t, tt.wantService, service, "path %q", tt.path)
		assert.Equal(t, tt.wantForward, forward, "path %q", tt.path)
	}
}

func orSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

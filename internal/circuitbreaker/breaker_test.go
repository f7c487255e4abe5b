package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greentrail/gateway/internal/observability"
)

func testLogger() observability.Logger {
	return observability.NopLogger()
}

// ============================================================================
// State machine
// ============================================================================

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	t.Parallel()

	cb := New("orders", DefaultConfig(), testLogger())

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreaker_OpensAtFailureThreshold(t *testing.T) {
	t.Parallel()

	cb := New("orders", DefaultConfig(), testLogger())

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		assert.Equal(t, StateClosed, cb.State(), "circuit must stay closed below the threshold")
	}

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.True(t, cb.IsOpen())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_CountersSurviveOpening(t *testing.T) {
	t.Parallel()

	cb := New("orders", DefaultConfig(), testLogger())

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}

	stats := cb.Stats()
	assert.Equal(t, StateOpen, stats.State)
	assert.Equal(t, 5, stats.Failures)
}

func TestCircuitBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	t.Parallel()

	config := DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(20 * time.Millisecond)
	cb := New("orders", config, testLogger())

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())
	require.False(t, cb.Allow())

	time.Sleep(30 * time.Millisecond)

	assert.False(t, cb.IsOpen())
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenSuccessClosesAndForgives(t *testing.T) {
	t.Parallel()

	config := DefaultConfig().WithFailureThreshold(2).WithRecoveryTimeout(20 * time.Millisecond)
	cb := New("orders", config, testLogger())

	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordSuccess()

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().Failures)

	// One fresh failure must not reopen a forgiven circuit.
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	config := DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(20 * time.Millisecond)
	cb := New("orders", config, testLogger())

	cb.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.Allow())
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_RecoveryClockRunsFromLastFailure(t *testing.T) {
	t.Parallel()

	config := DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(40 * time.Millisecond)
	cb := New("orders", config, testLogger())

	cb.RecordFailure()
	time.Sleep(50 * time.Millisecond)
	require.True(t, cb.Allow())

	// Trial fails: the clock restarts from this failure.
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.False(t, cb.Allow(), "half the recovery timeout must not be enough")

	time.Sleep(35 * time.Millisecond)
	assert.True(t, cb.Allow())
}

// ============================================================================
// Failure decay
// ============================================================================

func TestCircuitBreaker_SuccessAfterMonitoringPeriodForgivesFailures(t *testing.T) {
	t.Parallel()

	config := DefaultConfig().WithFailureThreshold(5).WithMonitoringPeriod(30 * time.Millisecond)
	cb := New("orders", config, testLogger())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, 3, cb.Stats().Failures)

	time.Sleep(40 * time.Millisecond)
	cb.RecordSuccess()

	assert.Equal(t, 0, cb.Stats().Failures)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SuccessWithinMonitoringPeriodKeepsFailures(t *testing.T) {
	t.Parallel()

	cb := New("orders", DefaultConfig(), testLogger())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	assert.Equal(t, 2, cb.Stats().Failures)
}

// ============================================================================
// Execute
// ============================================================================

func TestCircuitBreaker_Execute_Success(t *testing.T) {
	t.Parallel()

	cb := New("orders", DefaultConfig(), testLogger())

	status, err := cb.Execute(context.Background(), func(context.Context) (int, error) {
		return http.StatusOK, nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, cb.Stats().Successes)
	assert.Equal(t, 0, cb.Stats().Failures)
}

func TestCircuitBreaker_Execute_RedirectCountsAsSuccess(t *testing.T) {
	t.Parallel()

	cb := New("orders", DefaultConfig(), testLogger())

	_, err := cb.Execute(context.Background(), func(context.Context) (int, error) {
		return http.StatusFound, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, cb.Stats().Successes)
}

func TestCircuitBreaker_Execute_ServerErrorCountsAsFailure(t *testing.T) {
	t.Parallel()

	cb := New("orders", DefaultConfig(), testLogger())

	status, err := cb.Execute(context.Background(), func(context.Context) (int, error) {
		return http.StatusInternalServerError, nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, 1, cb.Stats().Failures)
	assert.Equal(t, 0, cb.Stats().Successes)
}

func TestCircuitBreaker_Execute_ClientErrorIsNeutral(t *testing.T) {
	t.Parallel()

	cb := New("orders", DefaultConfig(), testLogger())

	status, err := cb.Execute(context.Background(), func(context.Context) (int, error) {
		return http.StatusNotFound, nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	stats := cb.Stats()
	assert.Equal(t, 0, stats.Failures)
	assert.Equal(t, 0, stats.Successes)
	assert.Equal(t, StateClosed, stats.State)
}

func TestCircuitBreaker_Execute_TransportErrorCountsAsFailure(t *testing.T) {
	t.Parallel()

	cb := New("orders", DefaultConfig(), testLogger())
	dialErr := errors.New("connection refused")

	_, err := cb.Execute(context.Background(), func(context.Context) (int, error) {
		return 0, dialErr
	})

	require.ErrorIs(t, err, dialErr)
	assert.Equal(t, 1, cb.Stats().Failures)
}

func TestCircuitBreaker_Execute_RejectsWhenOpen(t *testing.T) {
	t.Parallel()

	config := DefaultConfig().WithFailureThreshold(1)
	cb := New("orders", config, testLogger())
	cb.RecordFailure()

	var called atomic.Bool
	_, err := cb.Execute(context.Background(), func(context.Context) (int, error) {
		called.Store(true)
		return http.StatusOK, nil
	})

	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called.Load(), "an open circuit must reject before invoking the call")
}

func TestCircuitBreaker_Execute_TimeoutRecordedExactlyOnce(t *testing.T) {
	t.Parallel()

	config := DefaultConfig().WithExpectedResponseTime(20 * time.Millisecond)
	cb := New("orders", config, testLogger())

	released := make(chan struct{})
	status, err := cb.Execute(context.Background(), func(ctx context.Context) (int, error) {
		defer close(released)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(200 * time.Millisecond):
			return http.StatusOK, nil
		}
	})

	require.ErrorIs(t, err, ErrGatewayTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, status)

	// The late completion must not be recorded as a second outcome.
	<-released
	time.Sleep(10 * time.Millisecond)

	stats := cb.Stats()
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 1, stats.Timeouts)
	assert.Equal(t, 0, stats.Successes)
}

func TestCircuitBreaker_Execute_TimeoutCancelsCallContext(t *testing.T) {
	t.Parallel()

	config := DefaultConfig().WithExpectedResponseTime(20 * time.Millisecond)
	cb := New("orders", config, testLogger())

	cancelled := make(chan struct{})
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (int, error) {
		<-ctx.Done()
		close(cancelled)
		return 0, ctx.Err()
	})

	require.ErrorIs(t, err, ErrGatewayTimeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("call context was not cancelled after timeout")
	}
}

func TestCircuitBreaker_TimeoutsOpenCircuit(t *testing.T) {
	t.Parallel()

	config := DefaultConfig().WithFailureThreshold(3).WithExpectedResponseTime(5 * time.Millisecond)
	cb := New("orders", config, testLogger())

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(context.Background(), func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		require.ErrorIs(t, err, ErrGatewayTimeout)
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 3, cb.Stats().Timeouts)
}

// ============================================================================
// Stats and reset
// ============================================================================

func TestCircuitBreaker_FailureRate(t *testing.T) {
	t.Parallel()

	cb := New("orders", DefaultConfig(), testLogger())

	assert.Zero(t, cb.Stats().FailureRate)

	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordFailure()

	assert.InDelta(t, 0.25, cb.Stats().FailureRate, 1e-9)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	config := DefaultConfig().WithFailureThreshold(1)
	cb := New("orders", config, testLogger())

	cb.RecordTimeout()
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()

	stats := cb.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.Failures)
	assert.Zero(t, stats.Successes)
	assert.Zero(t, stats.Timeouts)
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{}, 4)

	config := DefaultConfig().
		WithFailureThreshold(1).
		WithRecoveryTimeout(20 * time.Millisecond).
		WithOnStateChange(func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
			done <- struct{}{}
		})

	cb := New("orders", config, testLogger())

	waitChange := func() {
		t.Helper()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("missing state change callback")
		}
	}

	cb.RecordFailure()
	waitChange()
	time.Sleep(30 * time.Millisecond)
	cb.Allow()
	waitChange()
	cb.RecordSuccess()
	waitChange()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_ConcurrentRecording(t *testing.T) {
	t.Parallel()

	cb := New("orders", DefaultConfig().WithFailureThreshold(1000), testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				cb.RecordSuccess()
				cb.RecordFailure()
			}
		}()
	}
	wg.Wait()

	stats := cb.Stats()
	assert.Equal(t, 500, stats.Successes)
	assert.Equal(t, 500, stats.Failures)
}

func TestConfig_Normalize(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		FailureThreshold: 0,
		RecoveryTimeout:  -time.Second,
	}
	cfg.Normalize()

	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 5*time.Minute, cfg.MonitoringPeriod)
	assert.Equal(t, 5*time.Second, cfg.ExpectedResponseTime)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

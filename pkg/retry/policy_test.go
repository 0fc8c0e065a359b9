//go:build unit

package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestPolicy_Do(t *testing.T) {
	tests := []struct {
		name         string
		policy       retry.Policy
		failures     int
		err          error
		wantCalls    int
		wantErr      bool
		wantExhausts bool
	}{
		{
			name:      "succeeds first time",
			policy:    fastPolicy(3),
			failures:  0,
			err:       errFlaky,
			wantCalls: 1,
		},
		{
			name:      "succeeds after transient failures",
			policy:    fastPolicy(3),
			failures:  2,
			err:       errFlaky,
			wantCalls: 3,
		},
		{
			name:         "exhausts attempts",
			policy:       fastPolicy(3),
			failures:     10,
			err:          errFlaky,
			wantCalls:    3,
			wantErr:      true,
			wantExhausts: true,
		},
		{
			name:      "non retryable error stops immediately",
			policy:    fastPolicy(3).WithRetryable(func(err error) bool { return !errors.Is(err, errFlaky) }),
			failures:  10,
			err:       errFlaky,
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "zero value policy performs one attempt",
			policy:    retry.Policy{},
			failures:  10,
			err:       errFlaky,
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "context errors are never retried",
			policy:    fastPolicy(5),
			failures:  10,
			err:       context.DeadlineExceeded,
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := tt.policy.Do(context.Background(), func(_ context.Context, attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.wantExhausts, errors.Is(err, retry.ErrAttemptsExhausted))
		})
	}
}

func TestPolicy_DoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := retry.Policy{MaxAttempts: 5, InitialInterval: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func(context.Context, int) error {
			calls++
			return errFlaky
		})
	}()

	// Let the first attempt fail and the policy block on its hour-long wait.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, errFlaky)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("policy did not observe cancellation")
	}
}

func TestPolicy_OnRetryReceivesGrowingWaits(t *testing.T) {
	var waits []time.Duration
	policy := retry.Policy{
		MaxAttempts:     4,
		InitialInterval: time.Millisecond,
		MaxInterval:     3 * time.Millisecond,
		Multiplier:      2,
		OnRetry: func(_ int, _ error, wait time.Duration) {
			waits = append(waits, wait)
		},
	}

	_ = policy.Do(context.Background(), func(context.Context, int) error { return errFlaky })

	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, waits)
}

func TestDefault(t *testing.T) {
	p := retry.Default()
	assert.Equal(t, 3, p.Attempts())
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, 1, retry.Once().Attempts())
	assert.Equal(t, 7, p.WithMaxAttempts(7).Attempts())
}

func TestPolicy_DoWaitsOnClock(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	policy := retry.Policy{
		MaxAttempts:     2,
		InitialInterval: time.Hour,
		MaxInterval:     time.Hour,
		Multiplier:      1,
	}.WithClock(clk)

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(context.Background(), func(context.Context, int) error {
			calls++
			if calls == 1 {
				return errFlaky
			}
			return nil
		})
	}()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Hour)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("retry did not resume after the clock advanced")
	}
	assert.Equal(t, 2, calls)
}

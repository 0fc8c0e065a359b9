//go:build unit

package hypervisor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/vmconform/internal/util/fakes/hypervisorfake"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmconform/pkg/retry"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var errBlip = errors.New("connection reset by peer")

func newResilient(fake *hypervisorfake.Fake, timeout time.Duration) *hypervisor.Resilient {
	return hypervisor.NewResilient(fake, hypervisor.ResilientOptions{
		Timeout: timeout,
		Policy: retry.Policy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
		},
		Log: logr.Discard(),
	})
}

func TestResilient_RetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name      string
		failures  []error
		wantErr   bool
		wantCalls int
		check     func(t *testing.T, err error)
	}{
		{
			name:      "two transient failures then success",
			failures:  []error{hypervisor.NewTransient("restore", errBlip), hypervisor.NewTransient("restore", errBlip)},
			wantCalls: 1,
		},
		{
			name: "transient failures exhaust attempts",
			failures: []error{
				hypervisor.NewTransient("restore", errBlip),
				hypervisor.NewTransient("restore", errBlip),
				hypervisor.NewTransient("restore", errBlip),
			},
			wantErr:   true,
			wantCalls: 0,
			check: func(t *testing.T, err error) {
				assert.True(t, hypervisor.IsTransient(err))
				assert.ErrorIs(t, err, retry.ErrAttemptsExhausted)
			},
		},
		{
			name:      "permanent failure propagates immediately",
			failures:  []error{hypervisor.NewPermanent("restore", hypervisor.ErrSnapshotNotFound)},
			wantErr:   true,
			wantCalls: 0,
			check: func(t *testing.T, err error) {
				assert.True(t, hypervisor.IsPermanent(err))
				assert.ErrorIs(t, err, hypervisor.ErrSnapshotNotFound)
				assert.NotErrorIs(t, err, retry.ErrAttemptsExhausted)
			},
		},
		{
			name:      "unclassified errors are permanent",
			failures:  []error{errors.New("driver bug")},
			wantErr:   true,
			wantCalls: 0,
			check: func(t *testing.T, err error) {
				assert.True(t, hypervisor.IsPermanent(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := hypervisorfake.New()
			vm := fake.AddVM("durable", "clean")
			// The fourth queued fault, if any, is never consumed.
			fake.FailNext(hypervisorfake.OpRestore, tt.failures...)

			client := newResilient(fake, time.Second)
			err := client.Restore(context.Background(), vm, hypervisor.Snapshot{Label: "clean"})

			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, fake.Count(hypervisorfake.OpRestore))
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestResilient_CreateVMWithoutTokenIsSingleShot(t *testing.T) {
	fake := hypervisorfake.New()
	fake.FailNext(hypervisorfake.OpCreate, hypervisor.NewTransient("create", errBlip))

	client := newResilient(fake, time.Second)
	_, err := client.CreateVM(context.Background(), hypervisor.CreateRequest{Template: "debian", Name: "vm"})

	require.Error(t, err)
	assert.True(t, hypervisor.IsTransient(err))
	assert.Equal(t, 0, fake.VMs())
	assert.Equal(t, 0, fake.Count(hypervisorfake.OpLookupVM))
}

func TestResilient_CreateVMWithTokenAdoptsOrphan(t *testing.T) {
	fake := hypervisorfake.New()
	// The clone succeeds on the host but the response is lost.
	fake.FailNextAfterApply(hypervisorfake.OpCreate, hypervisor.NewTransient("create", errBlip))

	client := newResilient(fake, time.Second)
	vm, err := client.CreateVM(context.Background(), hypervisor.CreateRequest{
		Template:    "debian",
		DedupeToken: "vmconform-run-1",
	})

	require.NoError(t, err)
	assert.Equal(t, "vmconform-run-1", vm.Name)
	assert.Equal(t, 1, fake.VMs(), "the failed attempt must not leak a second VM")
	assert.Equal(t, 1, fake.Count(hypervisorfake.OpCreate))
	assert.Equal(t, 1, fake.Count(hypervisorfake.OpLookupVM))
}

func TestResilient_CreateVMWithTokenRetriesWhenNothingWasCreated(t *testing.T) {
	fake := hypervisorfake.New()
	fake.FailNext(hypervisorfake.OpCreate, hypervisor.NewTransient("create", errBlip))

	client := newResilient(fake, time.Second)
	vm, err := client.CreateVM(context.Background(), hypervisor.CreateRequest{Template: "debian", DedupeToken: "tok"})

	require.NoError(t, err)
	assert.Equal(t, "tok", vm.Name)
	assert.Equal(t, 1, fake.VMs())
}

func TestResilient_SnapshotAdoptsOrphan(t *testing.T) {
	fake := hypervisorfake.New()
	vm := fake.AddVM("durable")
	fake.FailNextAfterApply(hypervisorfake.OpSnapshot, hypervisor.NewTransient("snapshot", errBlip))

	client := newResilient(fake, time.Second)
	snap, err := client.Snapshot(context.Background(), vm, "clean")

	require.NoError(t, err)
	assert.Equal(t, "clean", snap.Label)
	assert.Equal(t, 1, fake.Count(hypervisorfake.OpSnapshot))
}

func TestResilient_PerCallTimeoutIsTransient(t *testing.T) {
	fake := hypervisorfake.New()
	vm := fake.AddVM("durable")
	fake.DelayNext(hypervisorfake.OpStart, time.Minute)

	client := newResilient(fake, 20*time.Millisecond)
	err := client.Start(context.Background(), vm)

	require.NoError(t, err, "the second attempt is not delayed")
	assert.Equal(t, 1, fake.Count(hypervisorfake.OpStart))
	assert.Equal(t, hypervisor.PowerRunning, fake.Power(vm.ID))
}

// sluggishClient answers Status after delay whatever its context says.
type sluggishClient struct {
	hypervisor.Client
	delay time.Duration
}

func (c sluggishClient) Status(context.Context, hypervisor.VirtualMachine) (hypervisor.PowerState, error) {
	time.Sleep(c.delay)
	return hypervisor.PowerRunning, nil
}

func TestResilient_TimeoutBoundsDriversIgnoringContext(t *testing.T) {
	fake := hypervisorfake.New()
	vm := fake.AddVM("durable")
	client := hypervisor.NewResilient(sluggishClient{Client: fake, delay: 500 * time.Millisecond},
		hypervisor.ResilientOptions{Timeout: 50 * time.Millisecond, Policy: retry.Once(), Log: logr.Discard()})

	start := time.Now()
	_, err := client.Status(context.Background(), vm)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, hypervisor.ErrTimeout)
	assert.True(t, hypervisor.IsTransient(err))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	client = hypervisor.NewResilient(sluggishClient{Client: fake, delay: 500 * time.Millisecond},
		hypervisor.ResilientOptions{Timeout: time.Minute, Policy: retry.Once(), Log: logr.Discard()})

	start = time.Now()
	_, err = client.Status(ctx, vm)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResilient_CancellationIsNotAHypervisorError(t *testing.T) {
	fake := hypervisorfake.New()
	vm := fake.AddVM("durable")
	fake.DelayNext(hypervisorfake.OpStop, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	client := newResilient(fake, time.Minute)
	err := client.Stop(ctx, vm)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, hypervisor.IsHypervisorError(err))
}

func TestResilient_AddressNotReadyIsReturnedAsIs(t *testing.T) {
	fake := hypervisorfake.New()
	vm := fake.AddVM("durable")

	client := newResilient(fake, time.Second)
	_, err := client.Address(context.Background(), vm)

	require.Error(t, err)
	assert.ErrorIs(t, err, hypervisor.ErrNoAddress)
	assert.NotErrorIs(t, err, retry.ErrAttemptsExhausted)
}

func TestResilient_RateLimiterDeadlineIsTransient(t *testing.T) {
	fake := hypervisorfake.New()
	vm := fake.AddVM("durable")

	client := hypervisor.NewResilient(fake, hypervisor.ResilientOptions{
		Limiter: rate.NewLimiter(rate.Every(time.Hour), 1),
		Policy:  retry.Once(),
		Log:     logr.Discard(),
	})

	_, err := client.Status(context.Background(), vm)
	require.NoError(t, err, "the first call consumes the burst")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Status(ctx, vm)
	require.Error(t, err)
	assert.True(t, hypervisor.IsTransient(err))
}

func TestError(t *testing.T) {
	err := hypervisor.NewPermanent("create", hypervisor.ErrQuotaExceeded)

	assert.Equal(t, "hypervisor create (permanent): quota exceeded", err.Error())
	assert.ErrorIs(t, err, hypervisor.ErrQuotaExceeded)
	assert.False(t, hypervisor.IsTransient(err))
	assert.False(t, hypervisor.IsPermanent(errBlip))
}

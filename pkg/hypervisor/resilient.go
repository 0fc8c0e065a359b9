/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/retry"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
)

const DefaultTimeout = 2 * time.Minute

// ResilientOptions configures NewResilient.
type ResilientOptions struct {
	// Timeout bounds every single call. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Limiter paces calls to the control API. It is shared by every run using the client.
	// Nil disables pacing.
	Limiter *rate.Limiter
	// Policy retries transient failures. Its Retryable predicate is replaced.
	Policy retry.Policy
	Log    logr.Logger
}

// Resilient decorates a Client with per-call timeouts, pacing and bounded retry of
// transient failures. Non-idempotent calls are only retried when they can be deduplicated.
type Resilient struct {
	next    Client
	timeout time.Duration
	limiter *rate.Limiter
	policy  retry.Policy
	log     logr.Logger
}

var _ Client = (*Resilient)(nil)

func NewResilient(next Client, opts ResilientOptions) *Resilient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r := &Resilient{
		next:    next,
		timeout: timeout,
		limiter: opts.Limiter,
		log:     opts.Log.WithName("hypervisor"),
	}

	policy := opts.Policy.WithRetryable(IsTransient)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		r.log.Info("retrying transient hypervisor failure", "attempt", attempt, "wait", wait.String(), "err", err.Error())
	}
	r.policy = policy

	return r
}

type result[T any] struct {
	out T
	err error
}

// invoke runs one paced, bounded call and normalizes its error. Drivers that ignore ctx
// are abandoned when the call times out or ctx is cancelled; the abandoned call finishes
// in the background and its result is discarded.
func invoke[T any](ctx context.Context, r *Resilient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, NewTransient(op, fmt.Errorf("rate limiter: %w", err))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		out, err := fn(callCtx)
		done <- result[T]{out: out, err: err}
	}()

	var out T
	var err error
	select {
	case res := <-done:
		out, err = res.out, res.err
	case <-callCtx.Done():
		r.log.V(1).Info("abandoning hypervisor call", "op", op, "err", callCtx.Err().Error())
		err = callCtx.Err()
	}
	if err == nil {
		return out, nil
	}

	switch {
	case ctx.Err() != nil:
		return zero, ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return zero, NewTransient(op, fmt.Errorf("%w after %s: %v", ErrTimeout, r.timeout, err))
	case IsHypervisorError(err), errors.Is(err, ErrNoAddress):
		return zero, err
	default:
		return zero, NewPermanent(op, err)
	}
}

// retrying runs invoke under the retry policy.
func retrying[T any](ctx context.Context, r *Resilient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		out, err = invoke(ctx, r, op, fn)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func noValue(fn func(ctx context.Context) error) func(ctx context.Context) (struct{}, error) {
	return func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}
}

// CreateVM is single-shot without a dedupe token. With one, a failed attempt is followed
// by a lookup of the token so that a VM created by the failed attempt is adopted.
func (r *Resilient) CreateVM(ctx context.Context, req CreateRequest) (VirtualMachine, error) {
	create := func(ctx context.Context) (VirtualMachine, error) { return r.next.CreateVM(ctx, req) }

	if req.DedupeToken == "" {
		return invoke(ctx, r, "create", create)
	}

	var vm VirtualMachine
	err := r.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			found, ok, err := r.lookupVM(ctx, req.DedupeToken)
			if err != nil {
				return err
			}
			if ok {
				r.log.Info("adopting vm created by a failed attempt", "name", found.Name, "id", found.ID)
				vm = found
				return nil
			}
		}

		created, err := invoke(ctx, r, "create", create)
		if err != nil {
			return err
		}
		vm = created
		return nil
	})
	if err != nil {
		return VirtualMachine{}, err
	}
	return vm, nil
}

type lookupResult[T any] struct {
	value T
	found bool
}

func (r *Resilient) lookupVM(ctx context.Context, name string) (VirtualMachine, bool, error) {
	res, err := invoke(ctx, r, "lookup-vm", func(ctx context.Context) (lookupResult[VirtualMachine], error) {
		vm, ok, err := r.next.LookupVM(ctx, name)
		return lookupResult[VirtualMachine]{value: vm, found: ok}, err
	})
	return res.value, res.found, err
}

func (r *Resilient) LookupVM(ctx context.Context, name string) (VirtualMachine, bool, error) {
	res, err := retrying(ctx, r, "lookup-vm", func(ctx context.Context) (lookupResult[VirtualMachine], error) {
		vm, ok, err := r.next.LookupVM(ctx, name)
		return lookupResult[VirtualMachine]{value: vm, found: ok}, err
	})
	return res.value, res.found, err
}

// Snapshot retries with the label as dedupe token.
func (r *Resilient) Snapshot(ctx context.Context, vm VirtualMachine, label string) (Snapshot, error) {
	var snap Snapshot
	err := r.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			found, err := invoke(ctx, r, "lookup-snapshot", func(ctx context.Context) (lookupResult[Snapshot], error) {
				s, ok, err := r.next.LookupSnapshot(ctx, vm, label)
				return lookupResult[Snapshot]{value: s, found: ok}, err
			})
			if err != nil {
				return err
			}
			if found.found {
				r.log.Info("adopting snapshot created by a failed attempt", "vm", vm.ID, "label", label)
				snap = found.value
				return nil
			}
		}

		created, err := invoke(ctx, r, "snapshot", func(ctx context.Context) (Snapshot, error) {
			return r.next.Snapshot(ctx, vm, label)
		})
		if err != nil {
			return err
		}
		snap = created
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (r *Resilient) LookupSnapshot(ctx context.Context, vm VirtualMachine, label string) (Snapshot, bool, error) {
	res, err := retrying(ctx, r, "lookup-snapshot", func(ctx context.Context) (lookupResult[Snapshot], error) {
		s, ok, err := r.next.LookupSnapshot(ctx, vm, label)
		return lookupResult[Snapshot]{value: s, found: ok}, err
	})
	return res.value, res.found, err
}

func (r *Resilient) Restore(ctx context.Context, vm VirtualMachine, snap Snapshot) error {
	_, err := retrying(ctx, r, "restore", noValue(func(ctx context.Context) error {
		return r.next.Restore(ctx, vm, snap)
	}))
	return err
}

func (r *Resilient) Start(ctx context.Context, vm VirtualMachine) error {
	_, err := retrying(ctx, r, "start", noValue(func(ctx context.Context) error {
		return r.next.Start(ctx, vm)
	}))
	return err
}

func (r *Resilient) Stop(ctx context.Context, vm VirtualMachine) error {
	_, err := retrying(ctx, r, "stop", noValue(func(ctx context.Context) error {
		return r.next.Stop(ctx, vm)
	}))
	return err
}

func (r *Resilient) Status(ctx context.Context, vm VirtualMachine) (PowerState, error) {
	state, err := retrying(ctx, r, "status", func(ctx context.Context) (PowerState, error) {
		return r.next.Status(ctx, vm)
	})
	if err != nil {
		return PowerUnknown, err
	}
	return state, nil
}

// Address returns ErrNoAddress unwrapped and unretried; the probe owns the readiness loop.
func (r *Resilient) Address(ctx context.Context, vm VirtualMachine) (string, error) {
	return retrying(ctx, r, "address", func(ctx context.Context) (string, error) {
		return r.next.Address(ctx, vm)
	})
}

func (r *Resilient) Destroy(ctx context.Context, vm VirtualMachine) error {
	_, err := retrying(ctx, r, "destroy", noValue(func(ctx context.Context) error {
		return r.next.Destroy(ctx, vm)
	}))
	return err
}

func (r *Resilient) Close() error {
	return r.next.Close()
}

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

// Package retry provides the bounded retry policy shared by the hypervisor client,
// the execution engine and the run supervisor.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

// ErrAttemptsExhausted wraps the last error once every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = time.Second
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 2.0
)

// Policy describes how many times an operation is attempted and how long to wait between
// attempts. The zero value performs a single attempt.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// InitialInterval is the wait before the second attempt.
	InitialInterval time.Duration
	// MaxInterval caps the wait between attempts.
	MaxInterval time.Duration
	// Multiplier grows the interval after each attempt.
	Multiplier float64
	// Jitter adds up to Jitter*interval of random delay.
	Jitter float64
	// Retryable decides whether an error is worth another attempt. Nil retries every error.
	Retryable func(error) bool
	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
	// Clock times the waits between attempts. Nil uses the real clock.
	Clock clock.Clock
}

// Default returns 3 attempts with exponential backoff from 1s to 30s.
func Default() Policy {
	return Policy{
		MaxAttempts:     defaultMaxAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
		Multiplier:      defaultMultiplier,
		Jitter:          0.1,
	}
}

// Once returns a policy that never retries.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

// WithRetryable returns a copy of p using the given predicate.
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// WithMaxAttempts returns a copy of p with n attempts.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// WithClock returns a copy of p waiting on clk.
func (p Policy) WithClock(clk clock.Clock) Policy {
	p.Clock = clk
	return p
}

// Attempts returns the effective number of attempts.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backoff() wait.Backoff {
	factor := p.Multiplier
	if factor == 0 {
		factor = 1
	}
	return wait.Backoff{
		Duration: p.InitialInterval,
		Factor:   factor,
		Jitter:   p.Jitter,
		Steps:    p.Attempts(),
		Cap:      p.MaxInterval,
	}
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do calls op until it succeeds, returns a non-retryable error, the attempts are
// exhausted, or ctx is done. The attempt number (starting at 1) is passed to op.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts()
	backoff := p.backoff()
	clk := p.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx, attempt)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return err
		}
		if attempt >= attempts {
			if attempts == 1 {
				return err
			}
			return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, err)
		}

		delay := backoff.Step()
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		timer := clk.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C():
		}
	}
}

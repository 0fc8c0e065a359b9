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

// Package engine drives one test case to a terminal state and classifies the outcome.
//
// Failed means the suite under test misbehaved: the matcher rejected the output, a command
// hit its timeout, or an expected window never showed up. Errored means the case could not
// be evaluated: the target was unreachable, the session broke, the hypervisor failed, or
// the run was cancelled.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmconform/pkg/probe"
	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"github.com/alexandremahdhaoui/vmconform/pkg/retry"
	"github.com/alexandremahdhaoui/vmconform/pkg/testcase"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

const DefaultCleanupTimeout = 30 * time.Second

// Options configures an Engine.
type Options struct {
	Clock clock.WithTicker
	// Retry re-runs a case whose command never reached the target. Only
	// probe.ErrChannelUnavailable is retried.
	Retry          retry.Policy
	CleanupTimeout time.Duration
	Log            logr.Logger
}

// Engine executes the cases of one run. It is not safe for concurrent use: a VM is
// driven serially.
type Engine struct {
	tracker *Tracker
	clock   clock.WithTicker
	retry   retry.Policy
	cleanup time.Duration
	log     logr.Logger
}

func New(tracker *Tracker, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = DefaultCleanupTimeout
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}
	return &Engine{
		tracker: tracker,
		clock:   opts.Clock,
		retry:   opts.Retry.WithRetryable(isChannelError),
		cleanup: opts.CleanupTimeout,
		log:     opts.Log,
	}
}

func isChannelError(err error) bool {
	return errors.Is(err, probe.ErrChannelUnavailable)
}

// Unmet returns the After dependencies of tc that did not pass.
func (e *Engine) Unmet(tc testcase.TestCase) []string {
	var unmet []string
	for _, dep := range tc.Precondition().After {
		if state, _ := e.tracker.State(dep); state != StatePassed {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// Skip records tc as skipped without running it.
func (e *Engine) Skip(tc testcase.TestCase, reason, detail string) report.TestResult {
	res := report.TestResult{
		TestID:    tc.ID(),
		Modality:  string(tc.Modality()),
		Outcome:   report.OutcomeSkipped,
		Reason:    reason,
		Detail:    detail,
		StartedAt: e.clock.Now(),
	}
	e.transition(tc.ID(), StateSkipped)
	return res
}

// SkipIfUnmet records tc as skipped when one of its dependencies did not pass.
func (e *Engine) SkipIfUnmet(tc testcase.TestCase) (report.TestResult, bool) {
	unmet := e.Unmet(tc)
	if len(unmet) == 0 {
		return report.TestResult{}, false
	}
	return e.Skip(tc, report.ReasonPrecondition,
		fmt.Sprintf("dependencies did not pass: %s", strings.Join(unmet, ", "))), true
}

// Execute runs tc through s and returns its result. Exactly one result is produced per
// call; the case is skipped when a dependency did not pass.
func (e *Engine) Execute(ctx context.Context, tc testcase.TestCase, s probe.Session) report.TestResult {
	log := e.log.WithValues("test", tc.ID(), "modality", tc.Modality())

	if res, skipped := e.SkipIfUnmet(tc); skipped {
		return res
	}
	e.transition(tc.ID(), StateRunning)

	start := e.clock.Now()
	var (
		verdict  testcase.Verdict
		execErr  error
		attempts int
	)
	_ = e.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		verdict, execErr = tc.Execute(ctx, s, e.clock)
		return execErr
	})

	res := classify(ctx, verdict, execErr)
	res.TestID = tc.ID()
	res.Modality = string(tc.Modality())
	res.Attempts = attempts
	res.StartedAt = start

	if res.Outcome == report.OutcomePassed || res.Outcome == report.OutcomeFailed {
		if err := e.runCleanup(ctx, tc, s); err != nil {
			log.Info("cleanup failed", "err", err.Error())
			res.CleanupFailed = true
			res.Detail = joinDetail(res.Detail, "cleanup: "+err.Error())
		}
	}

	res.Duration = e.clock.Since(start)
	e.transition(tc.ID(), stateOf(res.Outcome))
	log.V(1).Info("test finished", "outcome", res.Outcome, "reason", res.Reason, "duration", res.Duration.String())
	return res
}

// Errored builds the result of a case that could not start, e.g. because its restore failed.
func (e *Engine) Errored(ctx context.Context, tc testcase.TestCase, err error) report.TestResult {
	if state, _ := e.tracker.State(tc.ID()); state != StateRunning {
		e.transition(tc.ID(), StateRunning)
	}
	res := classify(ctx, testcase.Verdict{}, err)
	res.TestID = tc.ID()
	res.Modality = string(tc.Modality())
	res.StartedAt = e.clock.Now()
	e.transition(tc.ID(), StateErrored)
	return res
}

func (e *Engine) transition(id string, to State) {
	if err := e.tracker.Transition(id, to); err != nil {
		e.log.Error(err, "tracking test state")
	}
}

func (e *Engine) runCleanup(ctx context.Context, tc testcase.TestCase, s probe.Session) error {
	var errs []error
	for _, cmd := range tc.Cleanup() {
		out, err := s.RunConsole(ctx, cmd, e.cleanup)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%q: %w", cmd, err))
		case out.ExitCode != 0:
			errs = append(errs, fmt.Errorf("%q exited %d", cmd, out.ExitCode))
		}
	}
	return errors.Join(errs...)
}

func classify(ctx context.Context, v testcase.Verdict, err error) report.TestResult {
	res := report.TestResult{Evidence: v.Evidence, Detail: v.Detail}

	switch {
	case ctx.Err() != nil:
		res.Outcome, res.Reason = report.OutcomeErrored, report.ReasonCancelled
	case err == nil && v.Passed:
		res.Outcome = report.OutcomePassed
	case err == nil:
		res.Outcome, res.Reason = report.OutcomeFailed, report.ReasonMismatch
	case errors.Is(err, probe.ErrExecutionTimeout):
		res.Outcome, res.Reason = report.OutcomeFailed, report.ReasonExecutionTimeout
	case errors.Is(err, probe.ErrElementNotFound):
		res.Outcome, res.Reason = report.OutcomeFailed, report.ReasonElementNotFound
	case errors.Is(err, probe.ErrTargetUnreachable), errors.Is(err, probe.ErrChannelUnavailable):
		res.Outcome, res.Reason = report.OutcomeErrored, report.ReasonTargetUnreachable
	case errors.Is(err, probe.ErrSessionClosed):
		res.Outcome, res.Reason = report.OutcomeErrored, report.ReasonSessionClosed
	case hypervisor.IsHypervisorError(err):
		res.Outcome, res.Reason = report.OutcomeErrored, report.ReasonHypervisor
	default:
		res.Outcome, res.Reason = report.OutcomeErrored, report.ReasonInfrastructure
	}

	if err != nil {
		res.Detail = joinDetail(res.Detail, err.Error())
	}
	return res
}

func joinDetail(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

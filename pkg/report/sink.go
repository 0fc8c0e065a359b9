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

// Package report accumulates test results into a run report and renders it.
package report

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"k8s.io/utils/clock"
)

var (
	ErrDuplicateResult = errors.New("result already recorded")
	ErrFinalized       = errors.New("report already finalized")
)

// Process exit codes.
const (
	ExitPassed  = 0
	ExitFailed  = 1
	ExitErrored = 2
	// ExitUsage is returned for invalid invocations and suites that fail validation.
	ExitUsage = 3
)

// Sink collects the results of one run in arrival order. Recorded results are never
// modified.
type Sink struct {
	mu        sync.Mutex
	clock     clock.PassiveClock
	report    RunReport
	seen      map[string]struct{}
	finalized bool
}

func NewSink(runID, suite string, clk clock.PassiveClock) *Sink {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Sink{
		clock: clk,
		report: RunReport{
			RunID:     runID,
			Suite:     suite,
			StartedAt: clk.Now(),
		},
		seen: make(map[string]struct{}),
	}
}

// Record appends r. A second result for the same test is rejected.
func (s *Sink) Record(r TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return fmt.Errorf("%w: cannot record %s", ErrFinalized, r.TestID)
	}
	if _, dup := s.seen[r.TestID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateResult, r.TestID)
	}
	s.seen[r.TestID] = struct{}{}
	s.report.Results = append(s.report.Results, r)
	return nil
}

// Has reports whether a result was recorded for id.
func (s *Sink) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// AddError records a run-level error. A run with errors is errored.
func (s *Sink) AddError(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return ErrFinalized
	}
	s.report.Errors = append(s.report.Errors, err.Error())
	return nil
}

// MarkDegraded flags that at least one case needed retries that did not recover it.
func (s *Sink) MarkDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finalized {
		s.report.Degraded = true
	}
}

// Results returns a copy of the results recorded so far.
func (s *Sink) Results() []TestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.report.Results)
}

// Finalize computes the summary and the overall status. It can be called once.
func (s *Sink) Finalize() (*RunReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return nil, ErrFinalized
	}
	s.finalized = true
	s.report.FinishedAt = s.clock.Now()
	s.report.Summary = Summarize(s.report.Results)
	s.report.Status = Reduce(s.report.Results, len(s.report.Errors) > 0)

	out := s.report
	out.Results = slices.Clone(s.report.Results)
	out.Errors = slices.Clone(s.report.Errors)
	return &out, nil
}

func Summarize(results []TestResult) Summary {
	sum := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Outcome {
		case OutcomePassed:
			sum.Passed++
		case OutcomeFailed:
			sum.Failed++
		case OutcomeErrored:
			sum.Errored++
		case OutcomeSkipped:
			sum.Skipped++
		}
	}
	return sum
}

// Reduce derives the run status: any errored result or run-level error makes the run
// errored; otherwise all passed is passed and anything else is failed.
func Reduce(results []TestResult, runErrors bool) Status {
	if runErrors {
		return StatusErrored
	}
	status := StatusPassed
	for _, r := range results {
		switch r.Outcome {
		case OutcomeErrored:
			return StatusErrored
		case OutcomePassed:
		default:
			status = StatusFailed
		}
	}
	return status
}

func ExitCode(s Status) int {
	switch s {
	case StatusPassed:
		return ExitPassed
	case StatusFailed:
		return ExitFailed
	default:
		return ExitErrored
	}
}

// Worst returns the most severe status; errored beats failed beats passed.
func Worst(statuses ...Status) Status {
	worst := StatusPassed
	for _, s := range statuses {
		if ExitCode(s) > ExitCode(worst) {
			worst = s
		}
	}
	return worst
}

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

package supervisor

import (
	"context"
	"fmt"

	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"github.com/alexandremahdhaoui/vmconform/pkg/testcase"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the number of runs allowed to hold a VM at once.
const DefaultConcurrency = 2

// Outcome is the result of one run of a fleet. Report is nil when the run never started.
type Outcome struct {
	Suite  string
	Report *report.RunReport
	Err    error
}

// Status returns the run status, errored when the run never produced a report.
func (o Outcome) Status() report.Status {
	if o.Report == nil {
		return report.StatusErrored
	}
	return o.Report.Status
}

// Fleet runs several suites in parallel, each on its own VM.
type Fleet struct {
	s   *Supervisor
	sem *semaphore.Weighted
}

// NewFleet bounds the runs of s to concurrency VMs. The limit is shared by every call to Run.
func NewFleet(s *Supervisor, concurrency int) *Fleet {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Fleet{s: s, sem: semaphore.NewWeighted(int64(concurrency))}
}

// Run executes every suite and returns the outcomes in input order. A failing run never
// cancels the others.
func (f *Fleet) Run(ctx context.Context, suites []*testcase.Suite) []Outcome {
	out := make([]Outcome, len(suites))
	var g errgroup.Group
	for i, suite := range suites {
		out[i].Suite = suite.Name
		g.Go(func() error {
			if err := f.sem.Acquire(ctx, 1); err != nil {
				out[i].Err = fmt.Errorf("waiting for a run slot: %w", err)
				return nil
			}
			defer f.sem.Release(1)

			out[i].Report, out[i].Err = f.s.Run(ctx, suite)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Worst returns the most severe status over outcomes.
func Worst(outcomes []Outcome) report.Status {
	statuses := make([]report.Status, 0, len(outcomes))
	for _, o := range outcomes {
		statuses = append(statuses, o.Status())
	}
	return report.Worst(statuses...)
}

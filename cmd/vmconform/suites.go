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

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/alexandremahdhaoui/vmconform/pkg/scheduler"
	"github.com/alexandremahdhaoui/vmconform/pkg/testcase"
)

// loadSuites loads and schedules every suite so that a bad file is reported before any
// VM is touched. Problems of all files are joined.
func loadSuites(paths []string) ([]*testcase.Suite, []scheduler.Plan, error) {
	var (
		suites []*testcase.Suite
		plans  []scheduler.Plan
		errs   []error
	)
	for _, path := range paths {
		suite, plan, err := loadSuite(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		suites = append(suites, suite)
		plans = append(plans, plan)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}
	return suites, plans, nil
}

func loadSuite(path string) (*testcase.Suite, scheduler.Plan, error) {
	suite, err := testcase.Load(path)
	if err != nil {
		return nil, scheduler.Plan{}, err
	}
	plan, err := scheduler.Schedule(suite.Cases, scheduler.Inventory{Labels: suite.Labels()})
	if err != nil {
		return nil, scheduler.Plan{}, fmt.Errorf("%s: %w", suite.Path, err)
	}
	return suite, plan, nil
}

// repeatSuites returns n copies of suites, interleaved so that every suite starts early.
func repeatSuites(suites []*testcase.Suite, n int) []*testcase.Suite {
	out := make([]*testcase.Suite, 0, len(suites)*n)
	for range n {
		out = append(out, suites...)
	}
	return out
}

func printPlan(w io.Writer, suite *testcase.Suite, plan scheduler.Plan) error {
	if _, err := fmt.Fprintf(w, "Suite: %s (%d tests, baselines: %s)\n",
		suite.Name, len(plan.Steps), strings.Join(suite.Labels(), ", ")); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "  #\tID\tMODALITY\tISOLATION\tBASELINE\tTIER\tRESTORE\tAFTER")
	for i, step := range plan.Steps {
		restore := ""
		if step.Restore {
			restore = "yes"
		}
		after := strings.Join(step.Case.Precondition().After, ",")
		if after == "" {
			after = "-"
		}
		_, _ = fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			i+1, step.Case.ID(), step.Case.Modality(), step.Case.Isolation(),
			step.Baseline, step.Tier, restore, after)
	}
	return tw.Flush()
}

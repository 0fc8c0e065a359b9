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

package report

import (
	"time"
)

// Outcome is the terminal state of one test case.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeErrored Outcome = "errored"
	OutcomeSkipped Outcome = "skipped"
)

// Status is the overall result of a run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusErrored Status = "errored"
)

// Reasons explain failed, errored and skipped outcomes.
const (
	ReasonMismatch          = "mismatch"
	ReasonExecutionTimeout  = "execution-timeout"
	ReasonElementNotFound   = "element-not-found"
	ReasonTargetUnreachable = "target-unreachable"
	ReasonSessionClosed     = "session-closed"
	ReasonHypervisor        = "hypervisor-error"
	ReasonInfrastructure    = "infrastructure-error"
	ReasonCancelled         = "cancelled"
	ReasonAborted           = "aborted"
	ReasonPrecondition      = "precondition-not-passed"
)

// Evidence is what was captured while evaluating a test.
type Evidence struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	// Text is the text read from the expected window.
	Text string `json:"text,omitempty"`
	// Screenshot references an image captured on the target, e.g. vm://10.0.0.5:22/tmp/x.png.
	Screenshot string `json:"screenshot,omitempty"`
}

// TestResult is written once per planned test case.
type TestResult struct {
	TestID   string        `json:"testId"`
	Modality string        `json:"modality"`
	Outcome  Outcome       `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Evidence Evidence      `json:"evidence"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	// Restored is true when a snapshot restore preceded the final attempt.
	Restored bool `json:"restored,omitempty"`
	// CleanupFailed is true when a cleanup command failed after evaluation.
	CleanupFailed bool      `json:"cleanupFailed,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
}

// Summary counts results by outcome.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
	Skipped int `json:"skipped"`
}

// RunReport is the finalized record of one run.
type RunReport struct {
	RunID      string       `json:"runId"`
	Suite      string       `json:"suite"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Status     Status       `json:"status"`
	Degraded   bool         `json:"degraded"`
	Errors     []string     `json:"errors,omitempty"`
	Results    []TestResult `json:"results"`
	Summary    Summary      `json:"summary"`
}

// Duration returns the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

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

package history

import (
	"encoding/json"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/report"
)

// Run is one finished run.
type Run struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"not null;uniqueIndex"`
	Suite      string `gorm:"not null;index"`
	Status     string `gorm:"not null"`
	Degraded   bool
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time

	Total   int
	Passed  int
	Failed  int
	Errored int
	Skipped int

	// Run-level errors serialized as JSON.
	ErrorsJSON string `gorm:"type:text"`
	// ReportDir is where the report files were written, if any.
	ReportDir string

	RecordedAt time.Time
}

// Errors decodes the run-level errors.
func (r *Run) Errors() []string {
	var out []string
	if r.ErrorsJSON == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(r.ErrorsJSON), &out)
	return out
}

// Duration returns the wall time of the run.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Result is the outcome of one test case in a run.
type Result struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"not null;uniqueIndex:idx_results_run_test"`
	TestID     string `gorm:"not null;uniqueIndex:idx_results_run_test;index"`
	Position   int
	Modality   string
	Outcome    string `gorm:"not null"`
	Reason     string
	Attempts   int
	DurationMS int64
	StartedAt  time.Time
}

func newRun(rep *report.RunReport, reportDir string, now time.Time) (*Run, error) {
	run := &Run{
		RunID:      rep.RunID,
		Suite:      rep.Suite,
		Status:     string(rep.Status),
		Degraded:   rep.Degraded,
		StartedAt:  rep.StartedAt.UTC(),
		FinishedAt: rep.FinishedAt.UTC(),
		Total:      rep.Summary.Total,
		Passed:     rep.Summary.Passed,
		Failed:     rep.Summary.Failed,
		Errored:    rep.Summary.Errored,
		Skipped:    rep.Summary.Skipped,
		ReportDir:  reportDir,
		RecordedAt: now.UTC(),
	}
	if len(rep.Errors) > 0 {
		data, err := json.Marshal(rep.Errors)
		if err != nil {
			return nil, err
		}
		run.ErrorsJSON = string(data)
	}
	return run, nil
}

func newResults(rep *report.RunReport) []*Result {
	out := make([]*Result, 0, len(rep.Results))
	for i, r := range rep.Results {
		out = append(out, &Result{
			RunID:      rep.RunID,
			TestID:     r.TestID,
			Position:   i,
			Modality:   r.Modality,
			Outcome:    string(r.Outcome),
			Reason:     r.Reason,
			Attempts:   r.Attempts,
			DurationMS: r.Duration.Milliseconds(),
			StartedAt:  r.StartedAt.UTC(),
		})
	}
	return out
}

//go:build unit

package report_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func result(id string, o report.Outcome) report.TestResult {
	return report.TestResult{TestID: id, Modality: "console", Outcome: o, Attempts: 1}
}

func TestSink_RecordAndFinalize(t *testing.T) {
	start := time.Date(2025, 11, 16, 10, 30, 0, 0, time.UTC)
	clk := clocktesting.NewFakeClock(start)
	sink := report.NewSink("run-1", "smoke", clk)

	require.NoError(t, sink.Record(result("T1", report.OutcomePassed)))
	require.NoError(t, sink.Record(result("T3", report.OutcomeFailed)))
	require.NoError(t, sink.Record(result("T2", report.OutcomeSkipped)))
	assert.True(t, sink.Has("T3"))
	assert.False(t, sink.Has("T4"))

	err := sink.Record(result("T1", report.OutcomeErrored))
	assert.ErrorIs(t, err, report.ErrDuplicateResult)

	clk.Step(42 * time.Second)
	rep, err := sink.Finalize()
	require.NoError(t, err)

	assert.Equal(t, []string{"T1", "T3", "T2"}, ids(rep.Results))
	assert.Equal(t, report.OutcomePassed, rep.Results[0].Outcome, "first result is never overwritten")
	assert.Equal(t, report.StatusFailed, rep.Status)
	assert.Equal(t, report.Summary{Total: 3, Passed: 1, Failed: 1, Skipped: 1}, rep.Summary)
	assert.Equal(t, start, rep.StartedAt)
	assert.Equal(t, 42*time.Second, rep.Duration())

	_, err = sink.Finalize()
	assert.ErrorIs(t, err, report.ErrFinalized)
	assert.ErrorIs(t, sink.Record(result("T9", report.OutcomePassed)), report.ErrFinalized)
	assert.ErrorIs(t, sink.AddError(errors.New("late")), report.ErrFinalized)
}

func TestSink_RunErrorMakesRunErrored(t *testing.T) {
	sink := report.NewSink("run-2", "smoke", nil)
	require.NoError(t, sink.Record(result("T1", report.OutcomePassed)))
	require.NoError(t, sink.AddError(errors.New("hypervisor create (permanent): quota exceeded")))
	sink.MarkDegraded()

	rep, err := sink.Finalize()
	require.NoError(t, err)
	assert.Equal(t, report.StatusErrored, rep.Status)
	assert.True(t, rep.Degraded)
	assert.Equal(t, []string{"hypervisor create (permanent): quota exceeded"}, rep.Errors)
}

func TestSink_ConcurrentRecord(t *testing.T) {
	sink := report.NewSink("run-3", "smoke", nil)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sink.Record(result("same", report.OutcomePassed))
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, report.ErrDuplicateResult)
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, sink.Results(), 1)
}

func TestReduce(t *testing.T) {
	tests := []struct {
		name      string
		outcomes  []report.Outcome
		runErrors bool
		want      report.Status
		wantExit  int
	}{
		{
			name:     "all passed",
			outcomes: []report.Outcome{report.OutcomePassed, report.OutcomePassed},
			want:     report.StatusPassed,
			wantExit: report.ExitPassed,
		},
		{
			name:     "failure without errors",
			outcomes: []report.Outcome{report.OutcomePassed, report.OutcomeFailed, report.OutcomeSkipped},
			want:     report.StatusFailed,
			wantExit: report.ExitFailed,
		},
		{
			name:     "errored beats failed",
			outcomes: []report.Outcome{report.OutcomeFailed, report.OutcomeErrored},
			want:     report.StatusErrored,
			wantExit: report.ExitErrored,
		},
		{
			name:     "only skipped is failed",
			outcomes: []report.Outcome{report.OutcomeSkipped},
			want:     report.StatusFailed,
			wantExit: report.ExitFailed,
		},
		{
			name:     "empty run passes",
			want:     report.StatusPassed,
			wantExit: report.ExitPassed,
		},
		{
			name:      "run-level error",
			outcomes:  []report.Outcome{report.OutcomePassed},
			runErrors: true,
			want:      report.StatusErrored,
			wantExit:  report.ExitErrored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []report.TestResult
			for i, o := range tt.outcomes {
				results = append(results, result(string(rune('A'+i)), o))
			}
			got := report.Reduce(results, tt.runErrors)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantExit, report.ExitCode(got))
		})
	}
}

func TestWorst(t *testing.T) {
	assert.Equal(t, report.StatusPassed, report.Worst())
	assert.Equal(t, report.StatusFailed, report.Worst(report.StatusPassed, report.StatusFailed))
	assert.Equal(t, report.StatusErrored,
		report.Worst(report.StatusErrored, report.StatusFailed, report.StatusPassed))
}

func ids(results []report.TestResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.TestID)
	}
	return out
}

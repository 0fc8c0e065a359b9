//go:build unit

package engine_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/vmconform/internal/util/fakes/probefake"
	"github.com/alexandremahdhaoui/vmconform/pkg/engine"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmconform/pkg/probe"
	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"github.com/alexandremahdhaoui/vmconform/pkg/retry"
	"github.com/alexandremahdhaoui/vmconform/pkg/testcase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"
)

func console(id, cmd string, timeout time.Duration, after ...string) *testcase.ConsoleCase {
	return testcase.NewConsoleCase(testcase.Common{
		ID:           id,
		Precondition: testcase.Precondition{Baseline: "clean", After: after},
		Timeout:      timeout,
	}, cmd, testcase.ConsoleExpect{ExitCode: ptr.To(0)})
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, Multiplier: 2}
}

func newEngine(ids ...string) *engine.Engine {
	return engine.New(engine.NewTracker(ids...), engine.Options{Retry: fastRetry()})
}

func TestEngine_ExecuteOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		script      func(t *probefake.Target)
		wantOutcome report.Outcome
		wantReason  string
	}{
		{
			name:        "passed",
			script:      func(t *probefake.Target) {},
			wantOutcome: report.OutcomePassed,
		},
		{
			name: "mismatch is failed",
			script: func(t *probefake.Target) {
				t.Console("check", probe.Output{ExitCode: 1, Stderr: "bad signature"})
			},
			wantOutcome: report.OutcomeFailed,
			wantReason:  report.ReasonMismatch,
		},
		{
			name: "returning exactly at the timeout is failed",
			script: func(t *probefake.Target) {
				t.Console("check", probe.Output{Duration: time.Second})
			},
			wantOutcome: report.OutcomeFailed,
			wantReason:  report.ReasonExecutionTimeout,
		},
		{
			name: "unreachable target is errored",
			script: func(t *probefake.Target) {
				t.ConsoleErr("check", probe.ErrTargetUnreachable)
			},
			wantOutcome: report.OutcomeErrored,
			wantReason:  report.ReasonTargetUnreachable,
		},
		{
			name: "closed session is errored",
			script: func(t *probefake.Target) {
				t.ConsoleErr("check", probe.ErrSessionClosed)
			},
			wantOutcome: report.OutcomeErrored,
			wantReason:  report.ReasonSessionClosed,
		},
		{
			name: "hypervisor error is errored",
			script: func(t *probefake.Target) {
				t.ConsoleErr("check", hypervisor.NewTransient("status", errors.New("connection reset")))
			},
			wantOutcome: report.OutcomeErrored,
			wantReason:  report.ReasonHypervisor,
		},
		{
			name: "unknown error is errored",
			script: func(t *probefake.Target) {
				t.ConsoleErr("check", errors.New("boom"))
			},
			wantOutcome: report.OutcomeErrored,
			wantReason:  report.ReasonInfrastructure,
		},
		{
			name: "channel exhausted is errored",
			script: func(t *probefake.Target) {
				t.ConsoleErr("check", probe.ErrChannelUnavailable)
			},
			wantOutcome: report.OutcomeErrored,
			wantReason:  report.ReasonTargetUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := probefake.NewTarget()
			tt.script(target)

			res := newEngine("T").Execute(context.Background(), console("T", "check", time.Second), target.NewSession())
			assert.Equal(t, "T", res.TestID)
			assert.Equal(t, "console", res.Modality)
			assert.Equal(t, tt.wantOutcome, res.Outcome, res.Detail)
			assert.Equal(t, tt.wantReason, res.Reason)
		})
	}
}

func TestEngine_RetriesChannelErrors(t *testing.T) {
	target := probefake.NewTarget().ConsoleErrOnce("check", probe.ErrChannelUnavailable)

	res := newEngine("T").Execute(context.Background(), console("T", "check", time.Second), target.NewSession())
	assert.Equal(t, report.OutcomePassed, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, target.Ran("check"))
}

func TestEngine_DoesNotRetryFailures(t *testing.T) {
	target := probefake.NewTarget().Console("check", probe.Output{ExitCode: 3})

	res := newEngine("T").Execute(context.Background(), console("T", "check", time.Second), target.NewSession())
	assert.Equal(t, report.OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Evidence.ExitCode)
	assert.Equal(t, 3, *res.Evidence.ExitCode)
}

func TestEngine_Cancelled(t *testing.T) {
	target := probefake.NewTarget().Block("sleep")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	tracker := engine.NewTracker("T")
	e := engine.New(tracker, engine.Options{Retry: fastRetry()})
	res := e.Execute(ctx, console("T", "sleep 600", time.Hour), target.NewSession())

	assert.Equal(t, report.OutcomeErrored, res.Outcome)
	assert.Equal(t, report.ReasonCancelled, res.Reason)
	state, _ := tracker.State("T")
	assert.Equal(t, engine.StateErrored, state)
}

func TestEngine_GUIElementNotFoundIsFailed(t *testing.T) {
	target := probefake.NewTarget()
	gui := testcase.NewGUICase(
		testcase.Common{ID: "G", Timeout: 30 * time.Millisecond},
		testcase.GUIAction{Window: probe.WindowMatcher{Title: "Kleopatra"}, PollInterval: 5 * time.Millisecond},
		testcase.GUIExpect{Window: probe.WindowMatcher{Title: "Success"}, Text: regexp.MustCompile("ok")},
	)

	res := newEngine("G").Execute(context.Background(), gui, target.NewSession())
	assert.Equal(t, report.OutcomeFailed, res.Outcome)
	assert.Equal(t, report.ReasonElementNotFound, res.Reason)
	assert.Equal(t, "gui", res.Modality)
	assert.Equal(t, "fake://G.png", res.Evidence.Screenshot)
}

func TestEngine_SkipsTransitiveDependents(t *testing.T) {
	target := probefake.NewTarget().Console("fails", probe.Output{ExitCode: 1})
	e := newEngine("A", "B", "C", "D")
	s := target.NewSession()

	a := e.Execute(context.Background(), console("A", "fails", time.Second), s)
	b := e.Execute(context.Background(), console("B", "ok", time.Second, "A"), s)
	c := e.Execute(context.Background(), console("C", "ok", time.Second, "B"), s)
	d := e.Execute(context.Background(), console("D", "ok", time.Second), s)

	assert.Equal(t, report.OutcomeFailed, a.Outcome)
	assert.Equal(t, report.OutcomeSkipped, b.Outcome)
	assert.Equal(t, report.ReasonPrecondition, b.Reason)
	assert.Equal(t, report.OutcomeSkipped, c.Outcome)
	assert.Equal(t, report.OutcomePassed, d.Outcome)
	assert.Equal(t, 1, target.Ran("ok"), "only D ran")
}

func TestEngine_Cleanup(t *testing.T) {
	t.Run("failed cleanup is flagged", func(t *testing.T) {
		target := probefake.NewTarget().Console("pkill", probe.Output{ExitCode: 1})
		tc := testcase.NewConsoleCase(testcase.Common{
			ID: "T", Timeout: time.Second, Cleanup: []string{"pkill gpg-agent"},
		}, "gpg --version", testcase.ConsoleExpect{ExitCode: ptr.To(0)})

		res := newEngine("T").Execute(context.Background(), tc, target.NewSession())
		assert.Equal(t, report.OutcomePassed, res.Outcome)
		assert.True(t, res.CleanupFailed)
		assert.Contains(t, res.Detail, `cleanup: "pkill gpg-agent" exited 1`)
	})

	t.Run("no cleanup after errored", func(t *testing.T) {
		target := probefake.NewTarget().ConsoleErr("gpg", probe.ErrTargetUnreachable)
		tc := testcase.NewConsoleCase(testcase.Common{
			ID: "T", Timeout: time.Second, Cleanup: []string{"rm -rf /tmp/keys"},
		}, "gpg --version", testcase.ConsoleExpect{ExitCode: ptr.To(0)})

		res := newEngine("T").Execute(context.Background(), tc, target.NewSession())
		assert.Equal(t, report.OutcomeErrored, res.Outcome)
		assert.Zero(t, target.Ran("rm -rf"))
	})
}

func TestEngine_DurationUsesClock(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	target := probefake.NewTarget()
	target.OnConsole = func(string) { clk.Step(3 * time.Second) }

	e := engine.New(engine.NewTracker("T"), engine.Options{Clock: clk})
	res := e.Execute(context.Background(), console("T", "true", time.Minute), target.NewSession())
	assert.Equal(t, 3*time.Second, res.Duration)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), res.StartedAt)
}

func TestEngine_Errored(t *testing.T) {
	tracker := engine.NewTracker("T")
	e := engine.New(tracker, engine.Options{})

	res := e.Errored(context.Background(), console("T", "true", time.Second),
		hypervisor.NewPermanent("restore", hypervisor.ErrSnapshotNotFound))
	assert.Equal(t, report.OutcomeErrored, res.Outcome)
	assert.Equal(t, report.ReasonHypervisor, res.Reason)
	state, _ := tracker.State("T")
	assert.Equal(t, engine.StateErrored, state)
}

func TestTracker_Transition(t *testing.T) {
	tests := []struct {
		name    string
		path    []engine.State
		wantErr bool
	}{
		{name: "pass", path: []engine.State{engine.StateRunning, engine.StatePassed}},
		{name: "skip before running", path: []engine.State{engine.StateSkipped}},
		{name: "retry errored", path: []engine.State{engine.StateRunning, engine.StateErrored, engine.StateRunning, engine.StatePassed}},
		{name: "pending to passed", path: []engine.State{engine.StatePassed}, wantErr: true},
		{name: "passed is terminal", path: []engine.State{engine.StateRunning, engine.StatePassed, engine.StateRunning}, wantErr: true},
		{name: "skipped is terminal", path: []engine.State{engine.StateSkipped, engine.StateRunning}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := engine.NewTracker("T")
			var err error
			for _, to := range tt.path {
				if err = tracker.Transition("T", to); err != nil {
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, err, engine.ErrIllegalTransition)
				return
			}
			require.NoError(t, err)
			state, _ := tracker.State("T")
			assert.Equal(t, tt.path[len(tt.path)-1], state)
			assert.True(t, state.Terminal())
		})
	}

	assert.ErrorIs(t, engine.NewTracker().Transition("nope", engine.StateRunning), engine.ErrUnknownCase)
}

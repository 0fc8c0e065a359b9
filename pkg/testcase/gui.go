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

package testcase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/probe"
	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"k8s.io/utils/clock"
)

const DefaultPollInterval = 500 * time.Millisecond

// GUIAction is the input sequence of a GUI case.
type GUIAction struct {
	// Launch is an optional console command started before the window is located.
	Launch string
	// Window is the window receiving Steps.
	Window       probe.WindowMatcher
	Steps        []probe.Action
	PollInterval time.Duration
}

// GUIExpect is the GUI matcher: the window must appear and, when Text is set, its read
// text must match.
type GUIExpect struct {
	Window probe.WindowMatcher
	Text   *regexp.Regexp
}

// GUICase drives a window and polls for the expected state until its timeout.
type GUICase struct {
	base
	action GUIAction
	expect GUIExpect
}

var _ TestCase = (*GUICase)(nil)

func NewGUICase(c Common, action GUIAction, expect GUIExpect) *GUICase {
	action.Steps = slices.Clone(action.Steps)
	if action.PollInterval <= 0 {
		action.PollInterval = DefaultPollInterval
	}
	return &GUICase{base: newBase(c), action: action, expect: expect}
}

func (c *GUICase) Modality() Modality { return ModalityGUI }

func (c *GUICase) Action() GUIAction {
	a := c.action
	a.Steps = slices.Clone(a.Steps)
	return a
}

func (c *GUICase) Expect() GUIExpect { return c.expect }

// Execute implements TestCase. The case timeout bounds the whole sequence: waiting for the
// target window, the steps, and the poll for the expected state. Every session call runs
// under the remaining budget, and a window found after it ran out does not count.
func (c *GUICase) Execute(ctx context.Context, s probe.Session, clk clock.WithTicker) (Verdict, error) {
	start := clk.Now()
	deadline := clk.NewTimer(c.Timeout())
	defer deadline.Stop()
	callCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	b := budget{ctx: ctx, callCtx: callCtx, clk: clk, start: start, deadline: deadline, timeout: c.Timeout()}

	var v Verdict
	if c.action.Launch != "" {
		out, err := s.RunConsole(callCtx, c.action.Launch, c.Timeout())
		v.Evidence = report.Evidence{Stdout: out.Stdout, Stderr: out.Stderr}
		if err != nil {
			return v, b.mapErr(err, fmt.Errorf("%w: launch command %q within %s",
				probe.ErrExecutionTimeout, c.action.Launch, c.Timeout()))
		}
		if out.ExitCode != 0 {
			v.Detail = fmt.Sprintf("launch command exited %d", out.ExitCode)
			return v, nil
		}
	}

	target, _, err := c.poll(s, b, c.action.Window, nil)
	if err != nil {
		return c.withScreenshot(ctx, s, v), err
	}
	for i, step := range c.action.Steps {
		if _, err := s.Interact(callCtx, target, step); err != nil {
			v.Detail = fmt.Sprintf("step %d (%s)", i+1, step.Kind)
			return c.withScreenshot(ctx, s, v), b.mapErr(err, c.notFound(c.action.Window, nil, ""))
		}
	}

	_, text, err := c.poll(s, b, c.expect.Window, c.expect.Text)
	v.Evidence.Text = text
	if err != nil {
		return c.withScreenshot(ctx, s, v), err
	}
	v.Passed = true
	return v, nil
}

// budget is the time left to a GUI case.
type budget struct {
	// ctx is the caller's context, callCtx the one bounded by the case timeout.
	ctx      context.Context
	callCtx  context.Context
	clk      clock.WithTicker
	start    time.Time
	deadline clock.Timer
	timeout  time.Duration
}

func (b budget) spent() bool {
	return b.callCtx.Err() != nil || b.clk.Since(b.start) >= b.timeout
}

// mapErr replaces err with expired when the case budget, not the caller, ended the call.
func (b budget) mapErr(err, expired error) error {
	if b.ctx.Err() != nil {
		return b.ctx.Err()
	}
	if b.spent() && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return expired
	}
	return err
}

// poll looks the window up on every tick until it is present and, when re is set, its
// text matches. It fails with ErrElementNotFound once the budget is spent.
func (c *GUICase) poll(
	s probe.Session,
	b budget,
	matcher probe.WindowMatcher,
	re *regexp.Regexp,
) (probe.WindowHandle, string, error) {
	tick := b.clk.NewTicker(c.action.PollInterval)
	defer tick.Stop()

	var lastText string
	for {
		h, err := s.LocateWindow(b.callCtx, matcher)
		switch {
		case err == nil && re == nil:
			if b.spent() {
				return probe.WindowHandle{}, lastText, b.mapErr(context.DeadlineExceeded, c.notFound(matcher, nil, ""))
			}
			return h, "", nil
		case err == nil:
			text, err := s.Interact(b.callCtx, h, probe.Action{Kind: probe.ActionReadText})
			if err == nil && re.MatchString(text) {
				if b.spent() {
					return probe.WindowHandle{}, text, b.mapErr(context.DeadlineExceeded, c.notFound(matcher, re, text))
				}
				return h, text, nil
			}
			if err != nil && !errors.Is(err, probe.ErrElementNotFound) {
				return h, lastText, b.mapErr(err, c.notFound(matcher, re, lastText))
			}
			if err == nil {
				lastText = text
			}
		case !errors.Is(err, probe.ErrElementNotFound):
			return h, lastText, b.mapErr(err, c.notFound(matcher, re, lastText))
		}

		select {
		case <-b.ctx.Done():
			return probe.WindowHandle{}, lastText, b.ctx.Err()
		case <-b.callCtx.Done():
			return probe.WindowHandle{}, lastText, b.mapErr(b.callCtx.Err(), c.notFound(matcher, re, lastText))
		case <-b.deadline.C():
			return probe.WindowHandle{}, lastText, c.notFound(matcher, re, lastText)
		case <-tick.C():
		}
	}
}

func (c *GUICase) notFound(matcher probe.WindowMatcher, re *regexp.Regexp, lastText string) error {
	if re != nil && lastText != "" {
		return fmt.Errorf("%w: window %s text %q does not match %q within %s",
			probe.ErrElementNotFound, matcher, lastText, re.String(), c.Timeout())
	}
	return fmt.Errorf("%w: window %s within %s", probe.ErrElementNotFound, matcher, c.Timeout())
}

// withScreenshot attaches a screenshot when the context still allows one.
func (c *GUICase) withScreenshot(ctx context.Context, s probe.Session, v Verdict) Verdict {
	if ctx.Err() != nil {
		return v
	}
	if ref, err := s.Screenshot(ctx, c.ID()); err == nil {
		v.Evidence.Screenshot = ref
	}
	return v
}

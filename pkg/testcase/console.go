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
	"fmt"
	"regexp"
	"strings"

	"github.com/alexandremahdhaoui/vmconform/pkg/probe"
	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
)

// ConsoleExpect is the console matcher. Unset fields are not checked.
type ConsoleExpect struct {
	ExitCode *int
	Stdout   *regexp.Regexp
	Stderr   *regexp.Regexp
	// TAP requires stdout to be a passing TAP stream.
	TAP bool
}

// Empty reports whether the matcher checks nothing.
func (e ConsoleExpect) Empty() bool {
	return e.ExitCode == nil && e.Stdout == nil && e.Stderr == nil && !e.TAP
}

// Match evaluates out. Every mismatch is listed in the verdict detail.
func (e ConsoleExpect) Match(out probe.Output) Verdict {
	var mismatches []string

	if e.ExitCode != nil && out.ExitCode != *e.ExitCode {
		mismatches = append(mismatches, fmt.Sprintf("exit code %d, want %d", out.ExitCode, *e.ExitCode))
	}
	if e.Stdout != nil && !e.Stdout.MatchString(out.Stdout) {
		mismatches = append(mismatches, fmt.Sprintf("stdout does not match %q", e.Stdout.String()))
	}
	if e.Stderr != nil && !e.Stderr.MatchString(out.Stderr) {
		mismatches = append(mismatches, fmt.Sprintf("stderr does not match %q", e.Stderr.String()))
	}
	if e.TAP {
		if tap := ParseTAP(out.Stdout); !tap.OK() {
			mismatches = append(mismatches, "tap: "+tap.String())
		}
	}

	return Verdict{
		Passed: len(mismatches) == 0,
		Detail: strings.Join(mismatches, "; "),
		Evidence: report.Evidence{
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			ExitCode: ptr.To(out.ExitCode),
		},
	}
}

// ConsoleCase runs one command and matches its output.
type ConsoleCase struct {
	base
	command string
	expect  ConsoleExpect
}

var _ TestCase = (*ConsoleCase)(nil)

func NewConsoleCase(c Common, command string, expect ConsoleExpect) *ConsoleCase {
	return &ConsoleCase{base: newBase(c), command: command, expect: expect}
}

func (c *ConsoleCase) Modality() Modality { return ModalityConsole }

func (c *ConsoleCase) Command() string { return c.command }

func (c *ConsoleCase) Expect() ConsoleExpect { return c.expect }

// Execute implements TestCase.
func (c *ConsoleCase) Execute(ctx context.Context, s probe.Session, _ clock.WithTicker) (Verdict, error) {
	out, err := s.RunConsole(ctx, c.command, c.Timeout())
	if err != nil {
		v := Verdict{Evidence: report.Evidence{Stdout: out.Stdout, Stderr: out.Stderr}}
		return v, err
	}
	return c.expect.Match(out), nil
}

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
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/alexandremahdhaoui/vmconform/pkg/probe"
)

var ErrInvalidSuite = errors.New("invalid suite")

var labelPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// FieldError locates one validation problem, e.g. tests[2].expect.stdout.
type FieldError struct {
	Field  string
	Detail string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Detail
}

// ValidationErrors lists every problem found in a suite. It matches ErrInvalidSuite.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("%s: %s", ErrInvalidSuite, strings.Join(msgs, "; "))
}

func (v ValidationErrors) Is(target error) bool {
	return target == ErrInvalidSuite
}

type validator struct {
	errs ValidationErrors
}

func (v *validator) addf(field, format string, args ...any) {
	v.errs = append(v.errs, FieldError{Field: field, Detail: fmt.Sprintf(format, args...)})
}

func (v *validator) regex(field, expr string) {
	if expr == "" {
		return
	}
	if _, err := regexp.Compile(expr); err != nil {
		v.addf(field, "invalid regular expression: %v", err)
	}
}

func (v *validator) positive(field string, d *Duration) {
	if d != nil && *d <= 0 {
		v.addf(field, "must be positive, got %s", d.duration(0))
	}
}

func (v *validator) window(field string, m probe.WindowMatcher) {
	if m.Title == "" && m.Class == "" {
		v.addf(field, "title or class is required")
	}
	v.regex(field+".title", m.Title)
}

// Validate checks f statically. Precondition references are left to the scheduler.
func Validate(f *SuiteFile) error {
	v := &validator{}

	labels := make(map[string]struct{}, len(f.Baselines))
	for i, b := range f.Baselines {
		field := fmt.Sprintf("baselines[%d]", i)
		switch _, dup := labels[b.Label]; {
		case !labelPattern.MatchString(b.Label):
			v.addf(field+".label", "%q must match %s", b.Label, labelPattern)
		case dup:
			v.addf(field+".label", "duplicate baseline %q", b.Label)
		}
		labels[b.Label] = struct{}{}

		for j, s := range b.Setup {
			sf := fmt.Sprintf("%s.setup[%d]", field, j)
			if strings.TrimSpace(s.Command) == "" {
				v.addf(sf+".command", "required")
			}
			v.positive(sf+".timeout", s.Timeout)
		}
	}

	if len(f.Tests) == 0 {
		v.addf("tests", "at least one test is required")
	}
	ids := make(map[string]struct{}, len(f.Tests))
	for i, c := range f.Tests {
		field := fmt.Sprintf("tests[%d]", i)
		if c.ID == "" {
			v.addf(field+".id", "required")
		} else if _, dup := ids[c.ID]; dup {
			v.addf(field+".id", "duplicate test id %q", c.ID)
		}
		ids[c.ID] = struct{}{}

		switch c.Isolation {
		case "", IsolationSharedOK, IsolationRequiresRollback:
		default:
			v.addf(field+".isolation", "unknown isolation %q, want %s or %s",
				c.Isolation, IsolationSharedOK, IsolationRequiresRollback)
		}
		v.positive(field+".timeout", c.Timeout)
		for j, cmd := range c.Cleanup {
			if strings.TrimSpace(cmd) == "" {
				v.addf(fmt.Sprintf("%s.cleanup[%d]", field, j), "empty command")
			}
		}

		switch c.Modality {
		case ModalityConsole:
			v.console(field, c)
		case ModalityGUI:
			v.gui(field, c)
		default:
			v.addf(field+".modality", "unknown modality %q, want %s or %s", c.Modality, ModalityConsole, ModalityGUI)
		}
	}

	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

func (v *validator) console(field string, c CaseSpec) {
	if c.Console == nil || strings.TrimSpace(c.Console.Command) == "" {
		v.addf(field+".console.command", "required for console tests")
	}
	if c.GUI != nil {
		v.addf(field+".gui", "not allowed for console tests")
	}
	if !c.Expect.hasConsole() {
		v.addf(field+".expect", "console tests need exitCode, stdout, stderr or tap")
	}
	if c.Expect.hasGUI() {
		v.addf(field+".expect", "window and text are only valid for gui tests")
	}
	v.regex(field+".expect.stdout", c.Expect.Stdout)
	v.regex(field+".expect.stderr", c.Expect.Stderr)
}

func (v *validator) gui(field string, c CaseSpec) {
	if c.Console != nil {
		v.addf(field+".console", "not allowed for gui tests")
	}
	if c.Expect.hasConsole() {
		v.addf(field+".expect", "exitCode, stdout, stderr and tap are only valid for console tests")
	}
	if c.GUI == nil {
		v.addf(field+".gui", "required for gui tests")
	} else {
		v.window(field+".gui.window", c.GUI.Window)
		v.positive(field+".gui.pollInterval", c.GUI.PollInterval)
		for j, step := range c.GUI.Steps {
			v.step(fmt.Sprintf("%s.gui.steps[%d]", field, j), step)
		}
	}
	if c.Expect.Window == nil {
		v.addf(field+".expect.window", "required for gui tests")
	} else {
		v.window(field+".expect.window", *c.Expect.Window)
	}
	v.regex(field+".expect.text", c.Expect.Text)
}

func (v *validator) step(field string, a probe.Action) {
	switch a.Kind {
	case probe.ActionClick:
		if a.X < 0 || a.Y < 0 {
			v.addf(field, "click coordinates must not be negative")
		}
	case probe.ActionType:
		if a.Text == "" {
			v.addf(field+".text", "required for type")
		}
	case probe.ActionKey:
		if a.Key == "" {
			v.addf(field+".key", "required for key")
		}
	case probe.ActionReadText:
	default:
		v.addf(field+".action", "unknown action %q", a.Kind)
	}
}

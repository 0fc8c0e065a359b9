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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTimeout      = time.Minute
	DefaultSetupTimeout = 10 * time.Minute
)

// SetupCommand prepares a baseline before it is snapshotted.
type SetupCommand struct {
	Command string
	Timeout time.Duration
}

// Baseline is a snapshot label the suite depends on.
type Baseline struct {
	Label string
	Setup []SetupCommand
}

// Suite is a validated set of cases, in declaration order.
type Suite struct {
	Name        string
	Description string
	// Path is the absolute path the suite was loaded from, empty for in-memory suites.
	Path      string
	Baselines []Baseline
	Cases     []TestCase
}

// Labels returns the baseline labels in declaration order.
func (s *Suite) Labels() []string {
	out := make([]string, 0, len(s.Baselines))
	for _, b := range s.Baselines {
		out = append(out, b.Label)
	}
	return out
}

func (s *Suite) Baseline(label string) (Baseline, bool) {
	i := slices.IndexFunc(s.Baselines, func(b Baseline) bool { return b.Label == label })
	if i < 0 {
		return Baseline{}, false
	}
	return s.Baselines[i], true
}

// Load reads, parses and validates the suite at path.
func Load(path string) (*Suite, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving suite path %q: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading suite: %w", err)
	}

	suite, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	suite.Path = abs
	if suite.Name == "" {
		suite.Name = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	}
	return suite, nil
}

// Parse decodes a YAML suite. Unknown fields are rejected.
func Parse(data []byte) (*Suite, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f SuiteFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidSuite)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidSuite, err)
	}
	if err := Validate(&f); err != nil {
		return nil, err
	}
	return Build(&f), nil
}

// Build converts a validated file. It panics on regular expressions Validate would reject.
func Build(f *SuiteFile) *Suite {
	s := &Suite{Name: f.Name, Description: f.Description}
	for _, b := range f.Baselines {
		bl := Baseline{Label: b.Label}
		for _, cmd := range b.Setup {
			bl.Setup = append(bl.Setup, SetupCommand{
				Command: cmd.Command,
				Timeout: cmd.Timeout.duration(DefaultSetupTimeout),
			})
		}
		s.Baselines = append(s.Baselines, bl)
	}
	if len(s.Baselines) == 0 {
		s.Baselines = []Baseline{{Label: DefaultBaseline}}
	}
	defaultBaseline := s.Baselines[0].Label

	for _, c := range f.Tests {
		common := Common{
			ID:           c.ID,
			Precondition: c.Precondition,
			Isolation:    c.Isolation,
			Timeout:      c.Timeout.duration(DefaultTimeout),
			Cleanup:      c.Cleanup,
		}
		if common.Precondition.Baseline == "" {
			common.Precondition.Baseline = defaultBaseline
		}

		switch c.Modality {
		case ModalityConsole:
			s.Cases = append(s.Cases, NewConsoleCase(common, c.Console.Command, ConsoleExpect{
				ExitCode: c.Expect.ExitCode,
				Stdout:   mustCompile(c.Expect.Stdout),
				Stderr:   mustCompile(c.Expect.Stderr),
				TAP:      c.Expect.TAP,
			}))
		case ModalityGUI:
			s.Cases = append(s.Cases, NewGUICase(common, GUIAction{
				Launch:       c.GUI.Launch,
				Window:       c.GUI.Window,
				Steps:        c.GUI.Steps,
				PollInterval: c.GUI.PollInterval.duration(DefaultPollInterval),
			}, GUIExpect{
				Window: *c.Expect.Window,
				Text:   mustCompile(c.Expect.Text),
			}))
		}
	}
	return s
}

func mustCompile(expr string) *regexp.Regexp {
	if expr == "" {
		return nil
	}
	return regexp.MustCompile(expr)
}

// List returns the suite files directly under dir, sorted.
func List(dir string) ([]string, error) {
	var out []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	slices.Sort(out)
	return out, nil
}

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
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/probe"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("30s", "10m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\": %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) duration(def time.Duration) time.Duration {
	if d == nil {
		return def
	}
	return time.Duration(*d)
}

// SuiteFile is the on-disk form of a suite.
type SuiteFile struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Baselines   []BaselineSpec `yaml:"baselines,omitempty"`
	Tests       []CaseSpec     `yaml:"tests"`
}

type BaselineSpec struct {
	Label string      `yaml:"label"`
	Setup []SetupSpec `yaml:"setup,omitempty"`
}

type SetupSpec struct {
	Command string    `yaml:"command"`
	Timeout *Duration `yaml:"timeout,omitempty"`
}

type CaseSpec struct {
	ID           string       `yaml:"id"`
	Modality     Modality     `yaml:"modality"`
	Isolation    Isolation    `yaml:"isolation,omitempty"`
	Timeout      *Duration    `yaml:"timeout,omitempty"`
	Precondition Precondition `yaml:"precondition,omitempty"`
	Console      *ConsoleSpec `yaml:"console,omitempty"`
	GUI          *GUISpec     `yaml:"gui,omitempty"`
	Expect       ExpectSpec   `yaml:"expect"`
	Cleanup      []string     `yaml:"cleanup,omitempty"`
}

type ConsoleSpec struct {
	Command string `yaml:"command"`
}

type GUISpec struct {
	Launch       string              `yaml:"launch,omitempty"`
	Window       probe.WindowMatcher `yaml:"window"`
	PollInterval *Duration           `yaml:"pollInterval,omitempty"`
	Steps        []probe.Action      `yaml:"steps,omitempty"`
}

// ExpectSpec holds both matchers; the validator rejects fields of the other modality.
type ExpectSpec struct {
	ExitCode *int   `yaml:"exitCode,omitempty"`
	Stdout   string `yaml:"stdout,omitempty"`
	Stderr   string `yaml:"stderr,omitempty"`
	TAP      bool   `yaml:"tap,omitempty"`

	Window *probe.WindowMatcher `yaml:"window,omitempty"`
	Text   string               `yaml:"text,omitempty"`
}

func (e ExpectSpec) hasConsole() bool {
	return e.ExitCode != nil || e.Stdout != "" || e.Stderr != "" || e.TAP
}

func (e ExpectSpec) hasGUI() bool {
	return e.Window != nil || e.Text != ""
}

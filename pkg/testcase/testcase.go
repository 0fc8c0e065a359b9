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

// Package testcase models declarative conformance tests. A TestCase is a tagged variant
// over console and GUI modalities; both expose the same precondition, isolation and
// Execute surface so the scheduler and the engine never switch on the concrete type.
package testcase

import (
	"context"
	"slices"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/probe"
	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"k8s.io/utils/clock"
)

type Modality string

const (
	ModalityConsole Modality = "console"
	ModalityGUI     Modality = "gui"
)

type Isolation string

const (
	IsolationSharedOK         Isolation = "shared-ok"
	IsolationRequiresRollback Isolation = "requires-rollback"
)

// DefaultBaseline is the implicit baseline of a suite that declares none.
const DefaultBaseline = "clean"

// Precondition is what must hold before a case runs.
type Precondition struct {
	// Baseline is the snapshot label the case starts from.
	Baseline string `json:"baseline,omitempty" yaml:"baseline,omitempty"`
	// After lists the IDs of cases that must pass first.
	After []string `json:"after,omitempty" yaml:"after,omitempty"`
}

// Verdict is the evaluation of a case that ran to completion.
type Verdict struct {
	Passed   bool
	Detail   string
	Evidence report.Evidence
}

// TestCase is immutable once loaded.
type TestCase interface {
	ID() string
	Modality() Modality
	Precondition() Precondition
	Isolation() Isolation
	// RequiresRollback reports whether the case must start from a freshly restored baseline.
	RequiresRollback() bool
	Timeout() time.Duration
	// Cleanup lists console commands run after the case was evaluated.
	Cleanup() []string
	// Execute drives the case through s. A non-nil error means the case could not be
	// evaluated; the returned Verdict still carries whatever evidence was captured.
	Execute(ctx context.Context, s probe.Session, clk clock.WithTicker) (Verdict, error)
}

// Common holds the fields shared by every modality.
type Common struct {
	ID           string
	Precondition Precondition
	Isolation    Isolation
	Timeout      time.Duration
	Cleanup      []string
}

type base struct {
	c Common
}

func newBase(c Common) base {
	c.Precondition.After = slices.Clone(c.Precondition.After)
	c.Cleanup = slices.Clone(c.Cleanup)
	if c.Isolation == "" {
		c.Isolation = IsolationSharedOK
	}
	return base{c: c}
}

func (b *base) ID() string { return b.c.ID }

func (b *base) Precondition() Precondition {
	p := b.c.Precondition
	p.After = slices.Clone(p.After)
	return p
}

func (b *base) Isolation() Isolation { return b.c.Isolation }
func (b *base) Timeout() time.Duration { return b.c.Timeout }
func (b *base) Cleanup() []string { return slices.Clone(b.c.Cleanup) }
func (b *base) RequiresRollback() bool { return b.c.Isolation == IsolationRequiresRollback }

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

// Package scheduler turns a set of test cases into a deterministic plan.
//
// Cases are layered into tiers by their After dependencies. Inside a tier, cases sharing a
// baseline are kept together, shared-ok cases first, so consecutive cases can run on the
// same VM state. Every step carries a restore flag telling the supervisor to roll the VM
// back to the step's baseline before running it.
package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/alexandremahdhaoui/vmconform/pkg/testcase"
)

var ErrUnsatisfiablePrecondition = errors.New("unsatisfiable precondition")

// Problem is one reason a plan cannot be built.
type Problem struct {
	CaseID string
	Reason string
}

func (p Problem) String() string {
	return p.CaseID + ": " + p.Reason
}

// UnsatisfiableError lists every problem, in declaration order. It matches
// ErrUnsatisfiablePrecondition.
type UnsatisfiableError struct {
	Problems []Problem
}

func (e *UnsatisfiableError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.String())
	}
	return fmt.Sprintf("%s: %s", ErrUnsatisfiablePrecondition, strings.Join(msgs, "; "))
}

func (e *UnsatisfiableError) Is(target error) bool {
	return target == ErrUnsatisfiablePrecondition
}

// Inventory describes the snapshots available to the plan.
type Inventory struct {
	// Labels are the baselines that exist or will be established before the first step.
	Labels []string
	// Current is the baseline the VM is known to be on. Empty means unknown.
	Current string
}

// Step is one planned case.
type Step struct {
	Case     testcase.TestCase
	Baseline string
	Tier     int
	// Restore requires rolling the VM back to Baseline before the case runs.
	Restore bool
}

// Plan is the ordered list of steps.
type Plan struct {
	Steps []Step
}

// IDs returns the case IDs in plan order.
func (p Plan) IDs() []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.Case.ID())
	}
	return out
}

// Index returns the position of the case in the plan, or -1.
func (p Plan) Index(id string) int {
	return slices.IndexFunc(p.Steps, func(s Step) bool { return s.Case.ID() == id })
}

type node struct {
	c    testcase.TestCase
	deps []int
	tier int
}

// Schedule builds the plan. It fails with an *UnsatisfiableError, before anything runs,
// when a dependency is missing, a case depends on itself, dependencies form a cycle, or
// a baseline is not in the inventory.
func Schedule(cases []testcase.TestCase, inv Inventory) (Plan, error) {
	nodes, problems := buildGraph(cases, inv)
	problems = append(problems, assignTiers(nodes)...)
	if len(problems) > 0 {
		return Plan{}, &UnsatisfiableError{Problems: problems}
	}

	plan := Plan{Steps: order(nodes)}
	markRestores(plan.Steps, inv.Current)
	return plan, nil
}

func buildGraph(cases []testcase.TestCase, inv Inventory) ([]*node, []Problem) {
	var problems []Problem
	byID := make(map[string]int, len(cases))
	nodes := make([]*node, 0, len(cases))

	for _, c := range cases {
		if _, dup := byID[c.ID()]; dup {
			problems = append(problems, Problem{CaseID: c.ID(), Reason: "duplicate test id"})
			continue
		}
		byID[c.ID()] = len(nodes)
		nodes = append(nodes, &node{c: c})
	}

	for _, n := range nodes {
		pre := n.c.Precondition()
		if !slices.Contains(inv.Labels, pre.Baseline) {
			problems = append(problems, Problem{
				CaseID: n.c.ID(),
				Reason: fmt.Sprintf("unknown baseline %q", pre.Baseline),
			})
		}
		for _, dep := range pre.After {
			i, ok := byID[dep]
			switch {
			case dep == n.c.ID():
				problems = append(problems, Problem{CaseID: n.c.ID(), Reason: "depends on itself"})
			case !ok:
				problems = append(problems, Problem{
					CaseID: n.c.ID(),
					Reason: fmt.Sprintf("unknown dependency %q", dep),
				})
			case !slices.Contains(n.deps, i):
				n.deps = append(n.deps, i)
			}
		}
	}
	return nodes, problems
}

const (
	unvisited = iota
	visiting
	done
)

// assignTiers computes tier = 1 + max(tier of dependencies) and reports each cycle once,
// starting from its earliest declared member.
func assignTiers(nodes []*node) []Problem {
	state := make([]int, len(nodes))
	var (
		problems []Problem
		seen     = map[string]struct{}{}
		path     []int
	)

	var visit func(i int)
	visit = func(i int) {
		state[i] = visiting
		path = append(path, i)

		tier := 0
		for _, d := range nodes[i].deps {
			switch state[d] {
			case visiting:
				cycle := slices.Clone(path[slices.Index(path, d):])
				if key, p := describeCycle(nodes, cycle); !contains(seen, key) {
					seen[key] = struct{}{}
					problems = append(problems, p)
				}
				continue
			case unvisited:
				visit(d)
			}
			tier = max(tier, nodes[d].tier+1)
		}

		nodes[i].tier = tier
		path = path[:len(path)-1]
		state[i] = done
	}

	for i := range nodes {
		if state[i] == unvisited {
			visit(i)
		}
	}
	return problems
}

func describeCycle(nodes []*node, cycle []int) (string, Problem) {
	start := slices.Index(cycle, slices.Min(cycle))
	cycle = append(slices.Clone(cycle[start:]), cycle[:start]...)

	ids := make([]string, 0, len(cycle)+1)
	for _, i := range cycle {
		ids = append(ids, nodes[i].c.ID())
	}
	ids = append(ids, ids[0])
	key := strings.Join(ids, " -> ")
	return key, Problem{CaseID: ids[0], Reason: "dependency cycle " + key}
}

func contains(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

// order lays the tiers out. Within a tier, baseline groups follow the declaration order of
// their first case; inside a group shared-ok cases come first. Ties keep declaration order.
func order(nodes []*node) []Step {
	maxTier := 0
	for _, n := range nodes {
		maxTier = max(maxTier, n.tier)
	}

	steps := make([]Step, 0, len(nodes))
	for tier := 0; tier <= maxTier; tier++ {
		var baselines []string
		groups := map[string][]*node{}
		for _, n := range nodes {
			if n.tier != tier {
				continue
			}
			b := n.c.Precondition().Baseline
			if _, ok := groups[b]; !ok {
				baselines = append(baselines, b)
			}
			groups[b] = append(groups[b], n)
		}

		for _, b := range baselines {
			group := groups[b]
			slices.SortStableFunc(group, func(x, y *node) int {
				return rank(x) - rank(y)
			})
			for _, n := range group {
				steps = append(steps, Step{Case: n.c, Baseline: b, Tier: tier})
			}
		}
	}
	return steps
}

func rank(n *node) int {
	if n.c.RequiresRollback() {
		return 1
	}
	return 0
}

// markRestores sets Restore when the case requires rollback, the VM state is unknown, the
// baseline changes, or the previous case required rollback and so left the state dirty.
func markRestores(steps []Step, current string) {
	dirty := false
	for i := range steps {
		s := &steps[i]
		rollback := s.Case.RequiresRollback()
		s.Restore = rollback || current == "" || current != s.Baseline || dirty
		current = s.Baseline
		dirty = rollback
	}
}

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

// Package probefake provides a scripted guest for probe.Session consumers.
package probefake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmconform/pkg/probe"
)

type consoleRule struct {
	match string
	out   probe.Output
	err   error
	block bool
	times int
}

type window struct {
	id    string
	title string
	class string
	text  string
}

// Target is a scripted guest. Console commands are answered by the most recently added
// rule whose match is a substring of the command; unmatched commands exit 0.
type Target struct {
	mu      sync.Mutex
	rules   []*consoleRule
	windows []window
	journal []string
	nextWin int

	// OnConsole and OnLocate are called before the call is answered. Set them before use.
	OnConsole func(cmd string)
	OnLocate  func(m probe.WindowMatcher)
	OnAction  func(t *Target, h probe.WindowHandle, a probe.Action)
}

func NewTarget() *Target {
	return &Target{nextWin: 1000}
}

// Console answers commands containing match with out.
func (t *Target) Console(match string, out probe.Output) *Target {
	return t.add(&consoleRule{match: match, out: out})
}

// ConsoleOnce answers the next command containing match with out, then falls through.
func (t *Target) ConsoleOnce(match string, out probe.Output) *Target {
	return t.add(&consoleRule{match: match, out: out, times: 1})
}

// ConsoleErr makes commands containing match fail with err.
func (t *Target) ConsoleErr(match string, err error) *Target {
	return t.add(&consoleRule{match: match, err: err})
}

// ConsoleErrOnce fails the next command containing match with err.
func (t *Target) ConsoleErrOnce(match string, err error) *Target {
	return t.add(&consoleRule{match: match, err: err, times: 1})
}

// Block makes commands containing match hang until their context is done.
func (t *Target) Block(match string) *Target {
	return t.add(&consoleRule{match: match, block: true})
}

func (t *Target) add(r *consoleRule) *Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, r)
	return t
}

// ShowWindow makes a window visible. text is what read-text returns for it.
func (t *Target) ShowWindow(title, class, text string) *Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextWin++
	t.windows = append(t.windows, window{id: fmt.Sprint(t.nextWin), title: title, class: class, text: text})
	return t
}

// Journal lists calls as "console <cmd>", "locate <matcher>", "<action> <window>" and
// "screenshot <name>".
func (t *Target) Journal() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.journal...)
}

// Ran reports how many console commands contained match.
func (t *Target) Ran(match string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, line := range t.journal {
		if strings.HasPrefix(line, "console ") && strings.Contains(line, match) {
			n++
		}
	}
	return n
}

func (t *Target) record(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.journal = append(t.journal, fmt.Sprintf(format, args...))
}

func (t *Target) rule(cmd string) *consoleRule {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.rules) - 1; i >= 0; i-- {
		r := t.rules[i]
		if r.times < 0 || !strings.Contains(cmd, r.match) {
			continue
		}
		if r.times > 0 {
			r.times--
			if r.times == 0 {
				r.times = -1
			}
		}
		return r
	}
	return &consoleRule{}
}

// Session is a probe.Session bound to a Target.
type Session struct {
	target *Target
	mu     sync.Mutex
	closed bool
}

var _ probe.Session = (*Session)(nil)

func (t *Target) NewSession() *Session {
	return &Session{target: t}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) RunConsole(ctx context.Context, cmd string, timeout time.Duration) (probe.Output, error) {
	if s.isClosed() {
		return probe.Output{}, probe.ErrSessionClosed
	}
	if s.target.OnConsole != nil {
		s.target.OnConsole(cmd)
	}
	s.target.record("console %s", cmd)

	r := s.target.rule(cmd)
	if r.block {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return probe.Output{ExitCode: -1}, ctx.Err()
		case <-timer.C:
			return probe.Output{ExitCode: -1, Duration: timeout},
				fmt.Errorf("%w: %q exceeded %s", probe.ErrExecutionTimeout, cmd, timeout)
		}
	}
	if err := ctx.Err(); err != nil {
		return probe.Output{}, err
	}
	if r.out.Duration >= timeout {
		return r.out, fmt.Errorf("%w: %q exceeded %s", probe.ErrExecutionTimeout, cmd, timeout)
	}
	return r.out, r.err
}

func (s *Session) LocateWindow(ctx context.Context, m probe.WindowMatcher) (probe.WindowHandle, error) {
	if s.isClosed() {
		return probe.WindowHandle{}, probe.ErrSessionClosed
	}
	if s.target.OnLocate != nil {
		s.target.OnLocate(m)
	}
	s.target.record("locate %s", m)
	if err := ctx.Err(); err != nil {
		return probe.WindowHandle{}, err
	}

	s.target.mu.Lock()
	defer s.target.mu.Unlock()
	for _, w := range s.target.windows {
		if m.Class != "" && m.Class != w.class {
			continue
		}
		if m.Matches(w.title) {
			return probe.WindowHandle{ID: w.id, Title: w.title}, nil
		}
	}
	return probe.WindowHandle{}, fmt.Errorf("%w: window %s", probe.ErrElementNotFound, m)
}

func (s *Session) Interact(ctx context.Context, h probe.WindowHandle, a probe.Action) (string, error) {
	if s.isClosed() {
		return "", probe.ErrSessionClosed
	}
	s.target.record("%s %s", a.Kind, h.ID)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.target.OnAction != nil {
		s.target.OnAction(s.target, h, a)
	}

	s.target.mu.Lock()
	defer s.target.mu.Unlock()
	for _, w := range s.target.windows {
		if w.id == h.ID {
			if a.Kind == probe.ActionReadText {
				return w.text, nil
			}
			return "", nil
		}
	}
	return "", fmt.Errorf("%w: window %s is gone", probe.ErrElementNotFound, h.ID)
}

func (s *Session) Screenshot(_ context.Context, name string) (string, error) {
	if s.isClosed() {
		return "", probe.ErrSessionClosed
	}
	s.target.record("screenshot %s", name)
	return "fake://" + name + ".png", nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Prober connects every VM to its own Target, created on first use.
type Prober struct {
	mu       sync.Mutex
	targets  map[string]*Target
	failures []error
	connects map[string]int
}

var _ probe.Prober = (*Prober)(nil)

func NewProber() *Prober {
	return &Prober{targets: make(map[string]*Target), connects: make(map[string]int)}
}

// Target returns the scripted guest of the VM named name.
func (p *Prober) Target(name string) *Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target(name)
}

func (p *Prober) target(name string) *Target {
	t, ok := p.targets[name]
	if !ok {
		t = NewTarget()
		p.targets[name] = t
	}
	return t
}

// FailNext makes the next connects fail with errs, in order.
func (p *Prober) FailNext(errs ...error) *Prober {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
	return p
}

// Connects reports how many sessions were opened on the VM named name.
func (p *Prober) Connects(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects[name]
}

func (p *Prober) Connect(ctx context.Context, vm hypervisor.VirtualMachine) (probe.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return nil, err
	}
	p.connects[vm.Name]++
	return p.target(vm.Name).NewSession(), nil
}

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

// Package probe reaches into a running VM: console commands over SSH and GUI automation
// through xdotool on the guest display.
//
// A Session is valid for one boot of the VM. Restoring a snapshot or restarting the VM
// invalidates window handles and shell state, so callers open a new Session afterwards.
package probe

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
)

var (
	ErrTargetUnreachable = errors.New("target unreachable")
	ErrExecutionTimeout  = errors.New("execution timeout")
	ErrElementNotFound   = errors.New("element not found")
	ErrSessionClosed     = errors.New("session closed")
	// ErrChannelUnavailable means the command never started; retrying is safe.
	ErrChannelUnavailable = errors.New("control channel unavailable")
)

// Output is the captured result of a console command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// WindowMatcher selects a top-level window. Title is a regular expression.
type WindowMatcher struct {
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	Class string `json:"class,omitempty" yaml:"class,omitempty"`
}

func (m WindowMatcher) String() string {
	if m.Class != "" {
		return "class=" + m.Class
	}
	return "title=" + m.Title
}

// Matches reports whether a window title satisfies the matcher. Class-only matchers accept any title.
func (m WindowMatcher) Matches(title string) bool {
	if m.Title == "" {
		return true
	}
	re, err := regexp.Compile(m.Title)
	if err != nil {
		return false
	}
	return re.MatchString(title)
}

// WindowHandle identifies a window for the lifetime of a Session.
type WindowHandle struct {
	ID    string
	Title string
}

type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionType     ActionKind = "type"
	ActionKey      ActionKind = "key"
	ActionReadText ActionKind = "read-text"
)

// Action is one input injected into a window.
type Action struct {
	Kind ActionKind `json:"action" yaml:"action"`
	X    int        `json:"x,omitempty" yaml:"x,omitempty"`
	Y    int        `json:"y,omitempty" yaml:"y,omitempty"`
	Text string     `json:"text,omitempty" yaml:"text,omitempty"`
	Key  string     `json:"key,omitempty" yaml:"key,omitempty"`
}

// Session is a control channel into one VM boot. It is not safe for concurrent use.
type Session interface {
	// RunConsole runs cmd and waits at most timeout. A command still running at the
	// timeout, or returning exactly at it, fails with ErrExecutionTimeout.
	RunConsole(ctx context.Context, cmd string, timeout time.Duration) (Output, error)
	// LocateWindow performs a single lookup and fails with ErrElementNotFound.
	LocateWindow(ctx context.Context, matcher WindowMatcher) (WindowHandle, error)
	// Interact injects action into the window. read-text returns the text read.
	Interact(ctx context.Context, handle WindowHandle, action Action) (string, error)
	// Screenshot captures the display and returns an evidence reference.
	Screenshot(ctx context.Context, name string) (string, error)
	Close() error
}

// Prober opens sessions on VMs.
type Prober interface {
	// Connect blocks until the VM answers on its control channel or the readiness timeout
	// elapses, in which case it fails with ErrTargetUnreachable.
	Connect(ctx context.Context, vm hypervisor.VirtualMachine) (Session, error)
}

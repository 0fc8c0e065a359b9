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

package probe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alexandremahdhaoui/vmconform/internal/util/ssh"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// Conn is an established console channel. *ssh.Conn implements it.
type Conn interface {
	Exec(ctx context.Context, command string) (ssh.Result, error)
	Format(script string) string
	Addr() string
	Close() error
}

var _ Conn = (*ssh.Conn)(nil)

type session struct {
	conn   Conn
	gui    *guiDriver
	clock  clock.PassiveClock
	log    logr.Logger
	closed atomic.Bool
}

var _ Session = (*session)(nil)

func newSession(conn Conn, gui GUIOptions, clk clock.PassiveClock, log logr.Logger) *session {
	s := &session{
		conn:  conn,
		clock: clk,
		log:   log,
	}
	s.gui = newGUIDriver(s, gui)
	return s
}

// RunConsole implements Session.
func (s *session) RunConsole(ctx context.Context, cmd string, timeout time.Duration) (Output, error) {
	if s.closed.Load() {
		return Output{}, ErrSessionClosed
	}
	if timeout <= 0 {
		return Output{}, fmt.Errorf("%w: non-positive timeout %s", ErrExecutionTimeout, timeout)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.clock.Now()
	res, err := s.conn.Exec(cmdCtx, s.conn.Format(cmd))
	out := Output{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: s.clock.Since(start),
	}

	s.log.V(1).Info("console command finished",
		"cmd", cmd, "exitCode", out.ExitCode, "duration", out.Duration.String(), "err", errString(err))

	switch {
	case ctx.Err() != nil:
		return out, ctx.Err()
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded), out.Duration >= timeout:
		// Returning exactly at the deadline counts as a timeout.
		return out, fmt.Errorf("%w: %q exceeded %s", ErrExecutionTimeout, cmd, timeout)
	case err == nil:
		return out, nil
	case errors.Is(err, ssh.ErrChannel):
		return out, fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	default:
		return out, fmt.Errorf("%w: %s: %w", ErrTargetUnreachable, s.conn.Addr(), err)
	}
}

// LocateWindow implements Session.
func (s *session) LocateWindow(ctx context.Context, matcher WindowMatcher) (WindowHandle, error) {
	if s.closed.Load() {
		return WindowHandle{}, ErrSessionClosed
	}
	return s.gui.locate(ctx, matcher)
}

// Interact implements Session.
func (s *session) Interact(ctx context.Context, handle WindowHandle, action Action) (string, error) {
	if s.closed.Load() {
		return "", ErrSessionClosed
	}
	return s.gui.interact(ctx, handle, action)
}

// Screenshot implements Session.
func (s *session) Screenshot(ctx context.Context, name string) (string, error) {
	if s.closed.Load() {
		return "", ErrSessionClosed
	}
	return s.gui.screenshot(ctx, name)
}

// Close implements Session. Closing twice is a no-op.
func (s *session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

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

// Package gracefulshutdown turns termination signals into context cancellation. The first
// SIGINT or SIGTERM cancels the context so that in-flight runs record their cancellation
// and tear their VMs down; a second one exits immediately.
package gracefulshutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ExitForced is the exit code used when a second signal interrupts the graceful shutdown.
const ExitForced = 130

// GracefulShutdown holds the context cancelled by the first termination signal.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	signals  <-chan os.Signal
	done     chan struct{}
	stopOnce sync.Once
	stop     func()

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// New creates a GracefulShutdown listening for SIGTERM and SIGINT.
func New(name string) *GracefulShutdown {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, os.Interrupt)
	gs := NewWithSignals(name, os.Exit, ch)
	gs.stop = func() { signal.Stop(ch) }
	return gs
}

// NewWithSignals creates a GracefulShutdown reading signals from ch and exiting through
// exitFunc. It is primarily useful for testing where os.Exit() would terminate the test
// process.
func NewWithSignals(name string, exitFunc func(int), ch <-chan os.Signal) *GracefulShutdown {
	ctx, cancel := context.WithCancelCause(context.Background())
	gs := &GracefulShutdown{
		name:     name,
		signals:  ch,
		done:     make(chan struct{}),
		stop:     func() {},
		exitFunc: exitFunc,
	}
	gs.ctx = ctx
	gs.cancel = func() { cancel(context.Canceled) }

	go gs.watch(cancel)
	return gs
}

func (s *GracefulShutdown) watch(cancel context.CancelCauseFunc) {
	select {
	case sig := <-s.signals:
		slog.Info(fmt.Sprintf("⌛ gracefully shutting down %s, send %s again to force exit", s.name, sig), "signal", sig.String())
		cancel(fmt.Errorf("received %s", sig))
	case <-s.done:
		return
	}

	select {
	case sig := <-s.signals:
		slog.Warn(fmt.Sprintf("forcing %s to exit", s.name), "signal", sig.String())
		s.exitFunc(ExitForced)
	case <-s.done:
	}
}

// Context returns the context cancelled by the first signal. Its cause names the signal.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the cancel function of the graceful shutdown.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// Stop releases the signal handlers. It is safe to call multiple times.
func (s *GracefulShutdown) Stop() {
	s.stopOnce.Do(func() {
		s.stop()
		close(s.done)
		s.cancel()
	})
}

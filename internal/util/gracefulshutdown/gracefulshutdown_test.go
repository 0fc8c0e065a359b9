//go:build unit

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

package gracefulshutdown_test

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/vmconform/internal/util/gracefulshutdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShutdown(t *testing.T) (*gracefulshutdown.GracefulShutdown, chan os.Signal, chan int) {
	t.Helper()
	signals := make(chan os.Signal, 2)
	exits := make(chan int, 1)
	gs := gracefulshutdown.NewWithSignals("vmconform", func(code int) { exits <- code }, signals)
	t.Cleanup(gs.Stop)
	return gs, signals, exits
}

// TestNew verifies that the context is live until a signal arrives.
func TestNew(t *testing.T) {
	gs, _, _ := newShutdown(t)
	require.NotNil(t, gs.Context())
	assert.NoError(t, gs.Context().Err(), "context should not be cancelled initially")
	assert.NotNil(t, gs.CancelFunc())
}

func TestGracefulShutdown_FirstSignalCancels(t *testing.T) {
	gs, signals, exits := newShutdown(t)
	signals <- syscall.SIGTERM

	select {
	case <-gs.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled by the first signal")
	}
	assert.ErrorIs(t, gs.Context().Err(), context.Canceled)
	assert.Contains(t, context.Cause(gs.Context()).Error(), "received terminated")

	select {
	case code := <-exits:
		t.Fatalf("unexpected exit %d after a single signal", code)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestGracefulShutdown_SecondSignalForcesExit(t *testing.T) {
	_, signals, exits := newShutdown(t)
	signals <- os.Interrupt
	signals <- os.Interrupt

	select {
	case code := <-exits:
		assert.Equal(t, gracefulshutdown.ExitForced, code)
	case <-time.After(time.Second):
		t.Fatal("second signal did not force exit")
	}
}

func TestGracefulShutdown_CancelFuncAndStop(t *testing.T) {
	gs, _, exits := newShutdown(t)
	gs.CancelFunc()()
	<-gs.Context().Done()
	assert.ErrorIs(t, context.Cause(gs.Context()), context.Canceled)

	gs.Stop()
	gs.Stop()

	select {
	case code := <-exits:
		t.Fatalf("unexpected exit %d", code)
	default:
	}
}

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
	"time"

	"github.com/alexandremahdhaoui/vmconform/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

const (
	DefaultReadinessTimeout = 5 * time.Minute
	DefaultPollInterval     = 3 * time.Second
)

// Addresser resolves the guest address of a VM.
type Addresser interface {
	Address(ctx context.Context, vm hypervisor.VirtualMachine) (string, error)
}

// DialFunc opens a console channel to host.
type DialFunc func(ctx context.Context, host string) (Conn, error)

// SSHOptions configures an SSHProber.
type SSHOptions struct {
	ReadinessTimeout time.Duration
	PollInterval     time.Duration
	Clock            clock.WithTicker
	GUI              GUIOptions
	Log              logr.Logger
}

// SSHProber waits for the guest address and an SSH server answering `true`.
type SSHProber struct {
	addresses Addresser
	dial      DialFunc
	opts      SSHOptions
}

var _ Prober = (*SSHProber)(nil)

// NewSSHProber dials guests with client, pointed at the address the hypervisor reports.
func NewSSHProber(addresses Addresser, client *ssh.Client, opts SSHOptions) *SSHProber {
	return NewProber(addresses, func(ctx context.Context, host string) (Conn, error) {
		conn, err := client.WithHost(host).Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, opts)
}

// NewProber builds a prober around an arbitrary dial function.
func NewProber(addresses Addresser, dial DialFunc, opts SSHOptions) *SSHProber {
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = DefaultReadinessTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}
	return &SSHProber{addresses: addresses, dial: dial, opts: opts}
}

// Connect implements Prober.
func (p *SSHProber) Connect(ctx context.Context, vm hypervisor.VirtualMachine) (Session, error) {
	readyCtx, cancel := context.WithTimeout(ctx, p.opts.ReadinessTimeout)
	defer cancel()

	log := p.opts.Log.WithValues("vm", vm.Name)
	tick := p.opts.Clock.NewTicker(p.opts.PollInterval)
	defer tick.Stop()

	var lastErr error
	for {
		conn, err := p.attempt(readyCtx, vm)
		if err == nil {
			log.V(1).Info("target ready", "addr", conn.Addr())
			return newSession(conn, p.opts.GUI, p.opts.Clock, log), nil
		}
		if hypervisor.IsPermanent(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrTargetUnreachable, vm.Name, err)
		}
		if readyCtx.Err() == nil {
			lastErr = err
		}
		log.V(1).Info("target not ready", "err", err.Error())

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-readyCtx.Done():
			return nil, errors.Join(
				fmt.Errorf("%w: %s not ready after %s", ErrTargetUnreachable, vm.Name, p.opts.ReadinessTimeout),
				lastErr)
		case <-tick.C():
		}
	}
}

func (p *SSHProber) attempt(ctx context.Context, vm hypervisor.VirtualMachine) (Conn, error) {
	addr, err := p.addresses.Address(ctx, vm)
	if err != nil {
		return nil, err
	}

	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	res, err := conn.Exec(ctx, conn.Format("true"))
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("readiness command exited %d", res.ExitCode)
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

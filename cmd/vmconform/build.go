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

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/vmconform/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmconform/pkg/cloudinit"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor/libvirt"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor/proxmox"
	"github.com/alexandremahdhaoui/vmconform/pkg/probe"
	"github.com/alexandremahdhaoui/vmconform/pkg/registry"
	"github.com/alexandremahdhaoui/vmconform/pkg/retry"
	"github.com/alexandremahdhaoui/vmconform/pkg/supervisor"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
)

const (
	defaultSSHPort = "22"

	nodeReachTimeout  = 30 * time.Second
	nodeReachInterval = 2 * time.Second
)

// newHypervisor connects the configured driver and wraps it with pacing, timeouts and
// retries. The limiter is shared by every run of the process.
func newHypervisor(ctx context.Context, c *Config, log logr.Logger) (hypervisor.Client, error) {
	var driver hypervisor.Client
	switch c.Hypervisor.Driver {
	case DriverLibvirt:
		seed, err := guestSeed(c)
		if err != nil {
			return nil, err
		}
		d, err := libvirt.New(libvirt.Options{
			URI:         c.Hypervisor.Libvirt.URI,
			ImageDir:    c.Hypervisor.Libvirt.ImageDir,
			BaseDir:     c.Hypervisor.Libvirt.BaseDir,
			NetworkMode: c.Hypervisor.Libvirt.NetworkMode,
			NetworkName: c.Hypervisor.Libvirt.NetworkName,
			CloudInit:   seed,
			Log:         log,
		})
		if err != nil {
			return nil, err
		}
		driver = d
	case DriverProxmox:
		d, err := newProxmoxDriver(ctx, c, log, false)
		if err != nil {
			return nil, err
		}
		driver = d
	default:
		return nil, fmt.Errorf("unsupported hypervisor driver %q", c.Hypervisor.Driver)
	}

	return hypervisor.NewResilient(driver, hypervisor.ResilientOptions{
		Timeout: c.Hypervisor.Timeout.Duration,
		Limiter: newLimiter(c.Hypervisor),
		Policy:  retry.Default().WithMaxAttempts(c.Hypervisor.Attempts),
		Log:     log,
	}), nil
}

// guestSeed returns the cloud-init user data authorizing the guest key, or nil when
// seeding is off.
func guestSeed(c *Config) (*cloudinit.UserData, error) {
	if !c.Hypervisor.Libvirt.SeedGuestKey {
		return nil, nil
	}
	keyPath, err := expandHome(c.Guest.KeyPath)
	if err != nil {
		return nil, err
	}
	user, err := cloudinit.NewUser(c.Guest.User, keyPath)
	if err != nil {
		return nil, err
	}
	return &cloudinit.UserData{Users: []cloudinit.User{user}}, nil
}

func newLimiter(c HypervisorConfig) *rate.Limiter {
	if c.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(c.RateLimit), max(c.Burst, 1))
}

// dialNode connects to a Proxmox node and waits until its SSH server answers.
var dialNode = func(ctx context.Context, name string, node ProxmoxNode) (ssh.Runner, error) {
	keyPath, err := expandHome(node.KeyPath)
	if err != nil {
		return nil, err
	}
	port := node.Port
	if port == "" {
		port = defaultSSHPort
	}

	client, err := ssh.NewClient(node.Host, node.User, keyPath, port)
	if err != nil {
		return nil, fmt.Errorf("proxmox node %s: %w", name, err)
	}
	if node.KnownHostsPath != "" {
		knownHosts, err := expandHome(node.KnownHostsPath)
		if err != nil {
			return nil, err
		}
		if client, err = client.WithKnownHosts(knownHosts); err != nil {
			return nil, fmt.Errorf("proxmox node %s: %w", name, err)
		}
	}

	if err := client.AwaitServer(ctx, nodeReachTimeout, nodeReachInterval); err != nil {
		return nil, fmt.Errorf("proxmox node %s is unreachable: %w", name, err)
	}
	return client, nil
}

// newProxmoxDriver builds a driver for the selected node once it is reachable. With
// dryRun, only read-only commands reach the node.
func newProxmoxDriver(ctx context.Context, c *Config, log logr.Logger, dryRun bool) (*proxmox.Driver, error) {
	name, node := c.Hypervisor.Proxmox.SelectedNode()

	runner, err := dialNode(ctx, name, node)
	if err != nil {
		return nil, err
	}
	if dryRun {
		runner = ssh.NewDryRunner(log).WithReads(runner, isReadOnly)
	}

	return proxmox.New(runner, proxmox.Options{
		Node:            name,
		Storage:         node.Storage,
		StoragePath:     node.StoragePath,
		RAMDiskSizeGB:   node.RAMDiskSizeGB,
		AddressPrefix:   c.Hypervisor.Proxmox.AddressPrefix,
		SnapshotVMState: c.Hypervisor.Proxmox.SnapshotVMState,
		Log:             log,
	}), nil
}

// isReadOnly accepts the inspection commands the Proxmox maintenance tasks issue.
func isReadOnly(cmd []string) bool {
	if len(cmd) == 0 {
		return false
	}
	switch cmd[0] {
	case "cat", "ls":
		return true
	case "qm":
		return len(cmd) > 1 && (cmd[1] == "list" || cmd[1] == "config" || cmd[1] == "status")
	case "sh":
		if len(cmd) < 3 || cmd[1] != "-c" {
			return false
		}
		script := cmd[2]
		return strings.HasPrefix(script, "ls ") || strings.HasPrefix(script, "mount | grep ")
	}
	return false
}

func newProber(c *Config, addresses probe.Addresser, log logr.Logger) (*probe.SSHProber, error) {
	keyPath, err := expandHome(c.Guest.KeyPath)
	if err != nil {
		return nil, err
	}
	port := c.Guest.Port
	if port == "" {
		port = defaultSSHPort
	}

	// The host is filled in per VM from the address the hypervisor reports.
	client, err := ssh.NewClient("", c.Guest.User, keyPath, port)
	if err != nil {
		return nil, fmt.Errorf("guest credentials: %w", err)
	}

	return probe.NewSSHProber(addresses, client, probe.SSHOptions{
		ReadinessTimeout: c.Guest.ReadinessTimeout.Duration,
		PollInterval:     c.Guest.PollInterval.Duration,
		GUI: probe.GUIOptions{
			Display:         c.Guest.Display,
			ReadTextCommand: c.Guest.ReadTextCommand,
			ScreenshotDir:   c.Guest.ScreenshotDir,
			CommandTimeout:  c.Guest.GUICommandTimeout.Duration,
		},
		Log: log,
	}), nil
}

func supervisorConfig(c *Config) supervisor.Config {
	return supervisor.Config{
		Template:         c.Run.Template,
		TemplateSnapshot: c.Run.TemplateSnapshot,
		MemoryMB:         c.Run.MemoryMB,
		VCPUs:            c.Run.VCPUs,
		Lifecycle:        supervisor.Lifecycle(c.Run.Lifecycle),
		SharedVMName:     c.Run.SharedVMName,
		Teardown:         supervisor.TeardownMode(c.Run.Teardown),
		StepRetry:        retry.Default().WithMaxAttempts(c.Run.StepAttempts),
		ChannelRetry:     retry.Default().WithMaxAttempts(c.Run.ChannelAttempts),
		CleanupTimeout:   c.Run.CleanupTimeout.Duration,
		TeardownTimeout:  c.Run.TeardownTimeout.Duration,
	}
}

func newSupervisor(c *Config, hv hypervisor.Client, prober probe.Prober, metrics *supervisor.Metrics, log logr.Logger) *supervisor.Supervisor {
	return supervisor.New(hv, prober, supervisor.Options{
		Config:   supervisorConfig(c),
		Registry: registry.New(),
		Metrics:  metrics,
		Log:      log,
	})
}

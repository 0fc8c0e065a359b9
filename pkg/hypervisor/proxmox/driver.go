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

// Package proxmox drives a Proxmox VE node with the qm CLI over SSH.
package proxmox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/vmconform/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
	"github.com/go-logr/logr"
)

const DefaultAddressPrefix = "10."

// Options configures one Proxmox node.
type Options struct {
	// Node is the node name, recorded on every VM.
	Node string
	// Storage receives cloned disks, e.g. "ram".
	Storage string
	// StoragePath is where Storage is mounted on the node.
	StoragePath   string
	RAMDiskSizeGB int
	// AddressPrefix selects the guest address reported by the agent.
	AddressPrefix string
	// SnapshotVMState includes guest memory in baseline snapshots.
	SnapshotVMState bool
	Log             logr.Logger
}

// Driver implements hypervisor.Client. VM IDs are Proxmox VMIDs.
type Driver struct {
	runner ssh.Runner
	opts   Options
	log    logr.Logger
}

var _ hypervisor.Client = (*Driver)(nil)

func New(runner ssh.Runner, opts Options) *Driver {
	if opts.AddressPrefix == "" {
		opts.AddressPrefix = DefaultAddressPrefix
	}
	return &Driver{
		runner: runner,
		opts:   opts,
		log:    opts.Log.WithName("proxmox").WithValues("node", opts.Node),
	}
}

func (d *Driver) run(ctx context.Context, op string, cmd ...string) (string, error) {
	stdout, stderr, err := d.runner.Run(ctx, cmd...)
	if err != nil {
		return stdout, classify(op, stderr, err)
	}
	return strings.TrimSpace(stdout), nil
}

// CreateVM clones the template VM onto the configured storage and sizes it.
func (d *Driver) CreateVM(ctx context.Context, req hypervisor.CreateRequest) (hypervisor.VirtualMachine, error) {
	const op = "create"

	template, err := d.resolveTemplate(ctx, req.Template)
	if err != nil {
		return hypervisor.VirtualMachine{}, err
	}

	id, err := d.vmid(ctx, req.ID)
	if err != nil {
		return hypervisor.VirtualMachine{}, err
	}

	name := req.VMName()
	clone := []string{"qm", "clone", template, id, "--name", name}
	if req.TemplateSnapshot != "" {
		clone = append(clone, "--snapname", req.TemplateSnapshot)
	}
	if d.opts.Storage != "" {
		clone = append(clone, "--storage", d.opts.Storage)
	}

	d.log.Info("cloning template", "template", template, "snapshot", req.TemplateSnapshot, "vmid", id, "name", name)
	if _, err := d.run(ctx, op, clone...); err != nil {
		if hypervisor.IsPermanent(err) && strings.Contains(err.Error(), "does not exist") {
			return hypervisor.VirtualMachine{}, hypervisor.NewPermanent(op,
				fmt.Errorf("%w: %s: %w", hypervisor.ErrTemplateNotFound, template, err))
		}
		return hypervisor.VirtualMachine{}, err
	}

	vm := hypervisor.VirtualMachine{ID: id, Name: name, Template: req.Template, Node: d.opts.Node}

	set := []string{"qm", "set", id, "--cpu", "host", "--agent", "1"}
	if req.MemoryMB > 0 {
		set = append(set, "--memory", strconv.Itoa(req.MemoryMB))
	}
	if req.VCPUs > 0 {
		set = append(set, "--cores", strconv.Itoa(req.VCPUs))
	}
	if _, err := d.run(ctx, op, set...); err != nil {
		if destroyErr := d.Destroy(ctx, vm); destroyErr != nil {
			d.log.Error(destroyErr, "failed to remove partially configured clone", "vmid", id)
		}
		return hypervisor.VirtualMachine{}, err
	}

	return vm, nil
}

// vmid returns the pinned VMID, or asks the cluster for the next free one.
func (d *Driver) vmid(ctx context.Context, pinned string) (string, error) {
	const op = "create"
	if pinned != "" {
		if _, err := strconv.Atoi(pinned); err != nil {
			return "", hypervisor.NewPermanent(op, fmt.Errorf("invalid vmid %q", pinned))
		}
		return pinned, nil
	}

	id, err := d.run(ctx, op, "pvesh", "get", "/cluster/nextid")
	if err != nil {
		return "", err
	}
	if _, convErr := strconv.Atoi(id); convErr != nil {
		return "", hypervisor.NewTransient(op, fmt.Errorf("unexpected next id %q", id))
	}
	return id, nil
}

// resolveTemplate accepts a VMID or a template name.
func (d *Driver) resolveTemplate(ctx context.Context, template string) (string, error) {
	if _, err := strconv.Atoi(template); err == nil {
		return template, nil
	}
	vm, ok, err := d.LookupVM(ctx, template)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", hypervisor.NewPermanent("create", fmt.Errorf("%w: %s", hypervisor.ErrTemplateNotFound, template))
	}
	return vm.ID, nil
}

func (d *Driver) LookupVM(ctx context.Context, name string) (hypervisor.VirtualMachine, bool, error) {
	out, err := d.run(ctx, "lookup-vm", "qm", "list")
	if err != nil {
		return hypervisor.VirtualMachine{}, false, err
	}
	for _, entry := range parseQMList(out) {
		if entry.Name == name {
			return hypervisor.VirtualMachine{ID: entry.VMID, Name: entry.Name, Node: d.opts.Node}, true, nil
		}
	}
	return hypervisor.VirtualMachine{}, false, nil
}

func (d *Driver) Snapshot(ctx context.Context, vm hypervisor.VirtualMachine, label string) (hypervisor.Snapshot, error) {
	cmd := []string{"qm", "snapshot", vm.ID, label, "--description", "vmconform baseline " + label}
	if d.opts.SnapshotVMState {
		cmd = append(cmd, "--vmstate", "1")
	}
	if _, err := d.run(ctx, "snapshot", cmd...); err != nil {
		return hypervisor.Snapshot{}, err
	}
	return hypervisor.Snapshot{Name: label, VMID: vm.ID, Label: label, CreatedAt: time.Now().UTC()}, nil
}

func (d *Driver) LookupSnapshot(
	ctx context.Context,
	vm hypervisor.VirtualMachine,
	label string,
) (hypervisor.Snapshot, bool, error) {
	out, err := d.run(ctx, "lookup-snapshot", "qm", "config", vm.ID, "--snapshot", label)
	if err != nil {
		if isSnapshotMissing(err) {
			return hypervisor.Snapshot{}, false, nil
		}
		return hypervisor.Snapshot{}, false, err
	}

	snap := hypervisor.Snapshot{Name: label, VMID: vm.ID, Label: label}
	if raw, ok := ParseConfig(out)["snaptime"]; ok {
		if secs, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
			snap.CreatedAt = time.Unix(secs, 0).UTC()
		}
	}
	return snap, true, nil
}

// Restore rolls back to snap and starts the VM if the snapshot carried no memory state.
func (d *Driver) Restore(ctx context.Context, vm hypervisor.VirtualMachine, snap hypervisor.Snapshot) error {
	const op = "restore"
	if _, err := d.run(ctx, op, "qm", "rollback", vm.ID, snap.Name); err != nil {
		if isSnapshotMissing(err) {
			return hypervisor.NewPermanent(op, fmt.Errorf("%w: %s", hypervisor.ErrSnapshotNotFound, snap.Name))
		}
		return err
	}

	state, err := d.Status(ctx, vm)
	if err != nil {
		return err
	}
	if state != hypervisor.PowerRunning {
		return d.Start(ctx, vm)
	}
	return nil
}

func (d *Driver) Start(ctx context.Context, vm hypervisor.VirtualMachine) error {
	_, err := d.run(ctx, "start", "qm", "start", vm.ID)
	if err != nil && strings.Contains(err.Error(), "already running") {
		return nil
	}
	return err
}

func (d *Driver) Stop(ctx context.Context, vm hypervisor.VirtualMachine) error {
	_, err := d.run(ctx, "stop", "qm", "stop", vm.ID, "--skiplock")
	if err != nil && strings.Contains(err.Error(), "not running") {
		return nil
	}
	return err
}

func (d *Driver) Status(ctx context.Context, vm hypervisor.VirtualMachine) (hypervisor.PowerState, error) {
	out, err := d.run(ctx, "status", "qm", "status", vm.ID)
	if err != nil {
		return hypervisor.PowerUnknown, err
	}
	return parseStatus(out), nil
}

// Address asks the guest agent for the first IPv4 address matching the configured prefix.
func (d *Driver) Address(ctx context.Context, vm hypervisor.VirtualMachine) (string, error) {
	stdout, stderr, err := d.runner.Run(ctx, "qm", "guest", "cmd", vm.ID, "network-get-interfaces")
	if err != nil {
		if _, ok := ssh.AsExitError(err); ok && !strings.Contains(stderr, "does not exist") {
			// Agent not started yet.
			return "", hypervisor.ErrNoAddress
		}
		return "", classify("address", stderr, err)
	}

	ip, err := parseGuestAddress(stdout, d.opts.AddressPrefix)
	if err != nil {
		return "", hypervisor.ErrNoAddress
	}
	return ip, nil
}

// Destroy stops and purges the VM. A missing VM is not an error.
func (d *Driver) Destroy(ctx context.Context, vm hypervisor.VirtualMachine) error {
	const op = "destroy"
	if _, err := d.run(ctx, op, "qm", "stop", vm.ID, "--skiplock"); err != nil {
		d.log.V(1).Info("stop before destroy failed", "vmid", vm.ID, "err", err.Error())
	}

	_, err := d.run(ctx, op, "qm", "destroy", vm.ID, "--skiplock", "--purge")
	if err != nil && strings.Contains(err.Error(), "does not exist") {
		d.log.Info("VM not found, skipping destroy", "vmid", vm.ID)
		return nil
	}
	if err == nil {
		d.log.Info("destroyed VM", "vmid", vm.ID)
	}
	return err
}

// Close is a no-op: every command opens its own SSH connection.
func (d *Driver) Close() error { return nil }

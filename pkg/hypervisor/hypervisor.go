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

// Package hypervisor defines the control contract consumed by the run supervisor and the
// decorator that makes any driver resilient to transient faults.
package hypervisor

import (
	"context"
	"time"
)

// PowerState is the observed power state of a VM.
type PowerState string

const (
	PowerStopped   PowerState = "stopped"
	PowerRunning   PowerState = "running"
	PowerSuspended PowerState = "suspended"
	PowerUnknown   PowerState = "unknown"
)

// VirtualMachine identifies a VM on the host. ID is host-assigned and opaque.
type VirtualMachine struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Template string `json:"template,omitempty"`
	Node     string `json:"node,omitempty"`
}

// Snapshot is an immutable point-in-time VM state.
type Snapshot struct {
	// Name is the host-level snapshot name.
	Name      string    `json:"name"`
	VMID      string    `json:"vmId"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateRequest describes the VM to clone.
type CreateRequest struct {
	Template string
	// TemplateSnapshot optionally pins the template state to clone from.
	TemplateSnapshot string
	Name             string
	// DedupeToken makes CreateVM safe to retry: a VM named after the token is adopted
	// instead of creating a second one. Drivers use it as the VM name when set.
	DedupeToken string
	MemoryMB    int
	VCPUs       int
	// ID pins the host ID of the clone. Drivers that derive IDs from names ignore it.
	ID string
}

// VMName returns the name the driver must give the VM.
func (r CreateRequest) VMName() string {
	if r.DedupeToken != "" {
		return r.DedupeToken
	}
	return r.Name
}

// Client is the hypervisor control API. Every call blocks until completion or until ctx
// is done; failures are *Error values carrying a Transient or Permanent kind.
type Client interface {
	CreateVM(ctx context.Context, req CreateRequest) (VirtualMachine, error)
	// LookupVM finds a VM by name.
	LookupVM(ctx context.Context, name string) (VirtualMachine, bool, error)
	Snapshot(ctx context.Context, vm VirtualMachine, label string) (Snapshot, error)
	LookupSnapshot(ctx context.Context, vm VirtualMachine, label string) (Snapshot, bool, error)
	Restore(ctx context.Context, vm VirtualMachine, snap Snapshot) error
	Start(ctx context.Context, vm VirtualMachine) error
	Stop(ctx context.Context, vm VirtualMachine) error
	Status(ctx context.Context, vm VirtualMachine) (PowerState, error)
	// Address returns the guest address reachable by the probe.
	Address(ctx context.Context, vm VirtualMachine) (string, error)
	// Destroy removes the VM and its snapshots. Destroying a missing VM succeeds.
	Destroy(ctx context.Context, vm VirtualMachine) error
	Close() error
}

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

// Package registry tracks which run owns which VM and which snapshots are its baselines.
//
// VMs are remote resources that may disappear independently of this process, so the
// registry hands out opaque indices into an append-only arena instead of live references.
// Indices are never reused.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
)

var (
	ErrUnknownRef      = errors.New("unknown registry reference")
	ErrAlreadyOwned    = errors.New("vm is owned by another run")
	ErrAlreadyReleased = errors.New("vm already released")
)

// VMRef is an opaque handle on a registered VM.
type VMRef int

// SnapshotRef is an opaque handle on a registered baseline snapshot.
type SnapshotRef int

type vmEntry struct {
	vm        hypervisor.VirtualMachine
	owner     string
	durable   bool
	released  bool
	labels    []string
	baselines map[string]SnapshotRef
}

// Registry is safe for concurrent use by several runs.
type Registry struct {
	mu        sync.RWMutex
	vms       []vmEntry
	snapshots []hypervisor.Snapshot
	live      map[string]VMRef
}

func New() *Registry {
	return &Registry{live: make(map[string]VMRef)}
}

// Register records that owner now holds vm. A VM held by a live owner cannot be registered again.
func (r *Registry) Register(vm hypervisor.VirtualMachine, owner string, durable bool) (VMRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref, ok := r.live[vm.ID]; ok {
		return 0, fmt.Errorf("%w: vm %s held by %s", ErrAlreadyOwned, vm.ID, r.vms[ref].owner)
	}

	ref := VMRef(len(r.vms))
	r.vms = append(r.vms, vmEntry{
		vm:        vm,
		owner:     owner,
		durable:   durable,
		baselines: make(map[string]SnapshotRef),
	})
	r.live[vm.ID] = ref
	return ref, nil
}

func (r *Registry) entry(ref VMRef) (*vmEntry, error) {
	if ref < 0 || int(ref) >= len(r.vms) {
		return nil, fmt.Errorf("%w: vm ref %d", ErrUnknownRef, ref)
	}
	return &r.vms[ref], nil
}

// VM returns the VM behind ref.
func (r *Registry) VM(ref VMRef) (hypervisor.VirtualMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.entry(ref)
	if err != nil {
		return hypervisor.VirtualMachine{}, err
	}
	return e.vm, nil
}

func (r *Registry) Owner(ref VMRef) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.entry(ref)
	if err != nil {
		return "", err
	}
	return e.owner, nil
}

func (r *Registry) Durable(ref VMRef) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.entry(ref)
	return err == nil && e.durable
}

// AddBaseline marks snap as the baseline for its label on ref.
func (r *Registry) AddBaseline(ref VMRef, snap hypervisor.Snapshot) (SnapshotRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.entry(ref)
	if err != nil {
		return 0, err
	}
	if e.released {
		return 0, fmt.Errorf("%w: vm %s", ErrAlreadyReleased, e.vm.ID)
	}
	if _, ok := e.baselines[snap.Label]; ok {
		return 0, fmt.Errorf("baseline %q already registered for vm %s", snap.Label, e.vm.ID)
	}

	sref := SnapshotRef(len(r.snapshots))
	r.snapshots = append(r.snapshots, snap)
	e.baselines[snap.Label] = sref
	e.labels = append(e.labels, snap.Label)
	return sref, nil
}

// Baseline returns the baseline snapshot registered under label.
func (r *Registry) Baseline(ref VMRef, label string) (hypervisor.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, err := r.entry(ref)
	if err != nil {
		return hypervisor.Snapshot{}, false
	}
	sref, ok := e.baselines[label]
	if !ok {
		return hypervisor.Snapshot{}, false
	}
	return r.snapshots[sref], true
}

// Labels returns the baseline labels of ref in registration order.
func (r *Registry) Labels(ref VMRef) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, err := r.entry(ref)
	if err != nil {
		return nil
	}
	out := make([]string, len(e.labels))
	copy(out, e.labels)
	return out
}

// Release ends ownership of ref. It succeeds exactly once.
func (r *Registry) Release(ref VMRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.entry(ref)
	if err != nil {
		return err
	}
	if e.released {
		return fmt.Errorf("%w: vm %s", ErrAlreadyReleased, e.vm.ID)
	}
	e.released = true
	delete(r.live, e.vm.ID)
	return nil
}

func (r *Registry) Released(ref VMRef) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.entry(ref)
	return err == nil && e.released
}

// Live returns the VMs still owned by a run.
func (r *Registry) Live() []hypervisor.VirtualMachine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]hypervisor.VirtualMachine, 0, len(r.live))
	for i := range r.vms {
		if !r.vms[i].released {
			out = append(out, r.vms[i].vm)
		}
	}
	return out
}

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

// Package hypervisorfake is an in-memory hypervisor.Client with fault injection.
package hypervisorfake

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
)

const (
	OpCreate         = "create"
	OpLookupVM       = "lookup-vm"
	OpSnapshot       = "snapshot"
	OpLookupSnapshot = "lookup-snapshot"
	OpRestore        = "restore"
	OpStart          = "start"
	OpStop           = "stop"
	OpStatus         = "status"
	OpAddress        = "address"
	OpDestroy        = "destroy"
)

type fault struct {
	err error
	// applied faults perform the operation before failing, like a response lost in transit.
	applied bool
	delay   time.Duration
}

type vmState struct {
	vm        hypervisor.VirtualMachine
	power     hypervisor.PowerState
	snapshots map[string]hypervisor.Snapshot
	// live tracks the label of the last restored snapshot, "" when dirty.
	live string
}

// Fake implements hypervisor.Client in memory. It is safe for concurrent use.
type Fake struct {
	mu        sync.Mutex
	templates []string
	vms       map[string]*vmState
	nextID    int
	faults    map[string][]fault
	journal   []string
	closed    bool
	now       func() time.Time
}

var _ hypervisor.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		vms:    make(map[string]*vmState),
		faults: make(map[string][]fault),
		nextID: 100,
		now:    time.Now,
	}
}

// WithTemplates restricts CreateVM to the given templates.
func (f *Fake) WithTemplates(names ...string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates = append(f.templates, names...)
	return f
}

// FailNext makes the next calls to op fail with errs, in order.
func (f *Fake) FailNext(op string, errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, err := range errs {
		f.faults[op] = append(f.faults[op], fault{err: err})
	}
	return f
}

// FailNextAfterApply makes the next call to op take effect and then report err.
func (f *Fake) FailNextAfterApply(op string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], fault{err: err, applied: true})
	return f
}

// DelayNext makes the next call to op block for d or until its context is done.
func (f *Fake) DelayNext(op string, d time.Duration) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], fault{delay: d})
	return f
}

// AddVM registers an existing VM, as a durable VM kept from a previous run.
func (f *Fake) AddVM(name string, labels ...string) hypervisor.VirtualMachine {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.newVM(name, "")
	for _, label := range labels {
		st.snapshots[label] = hypervisor.Snapshot{Name: label, VMID: st.vm.ID, Label: label, CreatedAt: f.now()}
	}
	return st.vm
}

// Journal returns every successful call as "op vmID [arg]", in call order.
func (f *Fake) Journal() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.journal)
}

// Count returns how many successful calls were made to op.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, line := range f.journal {
		if line == op || len(line) > len(op) && line[:len(op)+1] == op+" " {
			n++
		}
	}
	return n
}

// Exists reports whether the VM is still defined.
func (f *Fake) Exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.vms[id]
	return ok
}

// VMs returns the number of defined VMs.
func (f *Fake) VMs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.vms)
}

// Power returns the power state of a VM.
func (f *Fake) Power(id string) hypervisor.PowerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.vms[id]
	if !ok {
		return hypervisor.PowerUnknown
	}
	return st.power
}

// LiveLabel returns the snapshot label the VM was last restored to.
func (f *Fake) LiveLabel(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.vms[id]; ok {
		return st.live
	}
	return ""
}

// Dirty marks the live state as diverged from every snapshot.
func (f *Fake) Dirty(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.vms[id]; ok {
		st.live = ""
	}
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// enter pops the next fault for op. It returns a non-nil error when the call must fail
// before taking effect, and a deferred error to return after taking effect.
func (f *Fake) enter(ctx context.Context, op string) (before, after error) {
	f.mu.Lock()
	queue := f.faults[op]
	var next *fault
	if len(queue) > 0 {
		next = &queue[0]
		f.faults[op] = queue[1:]
	}
	f.mu.Unlock()

	if next == nil {
		return nil, nil
	}
	if next.delay > 0 {
		timer := time.NewTimer(next.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err(), nil
		case <-timer.C:
		}
	}
	if next.applied {
		return nil, next.err
	}
	return next.err, nil
}

func (f *Fake) record(op, vmID string, args ...string) {
	line := op
	if vmID != "" {
		line += " " + vmID
	}
	for _, a := range args {
		line += " " + a
	}
	f.journal = append(f.journal, line)
}

func (f *Fake) newVM(name, template string) *vmState {
	f.nextID++
	st := &vmState{
		vm: hypervisor.VirtualMachine{
			ID:       strconv.Itoa(f.nextID),
			Name:     name,
			Template: template,
			Node:     "fake",
		},
		power:     hypervisor.PowerStopped,
		snapshots: make(map[string]hypervisor.Snapshot),
	}
	f.vms[st.vm.ID] = st
	return st
}

func (f *Fake) get(op, id string) (*vmState, error) {
	st, ok := f.vms[id]
	if !ok {
		return nil, hypervisor.NewPermanent(op, fmt.Errorf("%w: %s", hypervisor.ErrVMNotFound, id))
	}
	return st, nil
}

func (f *Fake) CreateVM(ctx context.Context, req hypervisor.CreateRequest) (hypervisor.VirtualMachine, error) {
	before, after := f.enter(ctx, OpCreate)
	if before != nil {
		return hypervisor.VirtualMachine{}, before
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.templates) > 0 && !slices.Contains(f.templates, req.Template) {
		return hypervisor.VirtualMachine{}, hypervisor.NewPermanent(OpCreate,
			fmt.Errorf("%w: %s", hypervisor.ErrTemplateNotFound, req.Template))
	}
	st := f.newVM(req.VMName(), req.Template)
	f.record(OpCreate, st.vm.ID, st.vm.Name)
	if after != nil {
		return hypervisor.VirtualMachine{}, after
	}
	return st.vm, nil
}

func (f *Fake) LookupVM(ctx context.Context, name string) (hypervisor.VirtualMachine, bool, error) {
	if before, _ := f.enter(ctx, OpLookupVM); before != nil {
		return hypervisor.VirtualMachine{}, false, before
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(OpLookupVM, "", name)
	for _, st := range f.vms {
		if st.vm.Name == name {
			return st.vm, true, nil
		}
	}
	return hypervisor.VirtualMachine{}, false, nil
}

func (f *Fake) Snapshot(ctx context.Context, vm hypervisor.VirtualMachine, label string) (hypervisor.Snapshot, error) {
	before, after := f.enter(ctx, OpSnapshot)
	if before != nil {
		return hypervisor.Snapshot{}, before
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(OpSnapshot, vm.ID)
	if err != nil {
		return hypervisor.Snapshot{}, err
	}
	if _, exists := st.snapshots[label]; exists {
		return hypervisor.Snapshot{}, hypervisor.NewPermanent(OpSnapshot, fmt.Errorf("snapshot %q already exists", label))
	}
	snap := hypervisor.Snapshot{Name: label, VMID: vm.ID, Label: label, CreatedAt: f.now()}
	st.snapshots[label] = snap
	st.live = label
	f.record(OpSnapshot, vm.ID, label)
	if after != nil {
		return hypervisor.Snapshot{}, after
	}
	return snap, nil
}

func (f *Fake) LookupSnapshot(
	ctx context.Context,
	vm hypervisor.VirtualMachine,
	label string,
) (hypervisor.Snapshot, bool, error) {
	if before, _ := f.enter(ctx, OpLookupSnapshot); before != nil {
		return hypervisor.Snapshot{}, false, before
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(OpLookupSnapshot, vm.ID)
	if err != nil {
		return hypervisor.Snapshot{}, false, err
	}
	f.record(OpLookupSnapshot, vm.ID, label)
	snap, ok := st.snapshots[label]
	return snap, ok, nil
}

func (f *Fake) Restore(ctx context.Context, vm hypervisor.VirtualMachine, snap hypervisor.Snapshot) error {
	before, after := f.enter(ctx, OpRestore)
	if before != nil {
		return before
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(OpRestore, vm.ID)
	if err != nil {
		return err
	}
	if _, ok := st.snapshots[snap.Label]; !ok {
		return hypervisor.NewPermanent(OpRestore, fmt.Errorf("%w: %s", hypervisor.ErrSnapshotNotFound, snap.Label))
	}
	st.live = snap.Label
	st.power = hypervisor.PowerRunning
	f.record(OpRestore, vm.ID, snap.Label)
	return after
}

func (f *Fake) Start(ctx context.Context, vm hypervisor.VirtualMachine) error {
	return f.setPower(ctx, OpStart, vm, hypervisor.PowerRunning)
}

func (f *Fake) Stop(ctx context.Context, vm hypervisor.VirtualMachine) error {
	return f.setPower(ctx, OpStop, vm, hypervisor.PowerStopped)
}

func (f *Fake) setPower(ctx context.Context, op string, vm hypervisor.VirtualMachine, state hypervisor.PowerState) error {
	before, after := f.enter(ctx, op)
	if before != nil {
		return before
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(op, vm.ID)
	if err != nil {
		return err
	}
	st.power = state
	f.record(op, vm.ID)
	return after
}

func (f *Fake) Status(ctx context.Context, vm hypervisor.VirtualMachine) (hypervisor.PowerState, error) {
	if before, _ := f.enter(ctx, OpStatus); before != nil {
		return hypervisor.PowerUnknown, before
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(OpStatus, vm.ID)
	if err != nil {
		return hypervisor.PowerUnknown, err
	}
	return st.power, nil
}

func (f *Fake) Address(ctx context.Context, vm hypervisor.VirtualMachine) (string, error) {
	if before, _ := f.enter(ctx, OpAddress); before != nil {
		return "", before
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(OpAddress, vm.ID)
	if err != nil {
		return "", err
	}
	if st.power != hypervisor.PowerRunning {
		return "", hypervisor.ErrNoAddress
	}
	return "10.0.0." + st.vm.ID, nil
}

func (f *Fake) Destroy(ctx context.Context, vm hypervisor.VirtualMachine) error {
	before, after := f.enter(ctx, OpDestroy)
	if before != nil {
		return before
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vms, vm.ID)
	f.record(OpDestroy, vm.ID)
	return after
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

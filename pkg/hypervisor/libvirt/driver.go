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

// Package libvirt drives local KVM hosts through libvirt. Templates are qcow2 base images;
// each VM boots from a copy-on-write overlay and baselines are internal qcow2 snapshots.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/cloudinit"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
	"github.com/go-logr/logr"
	virt "libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

const (
	DefaultURI = "qemu:///system"

	defaultMemoryMB = 2048
	defaultVCPUs    = 2
)

var (
	errCreateVMDisk   = errors.New("failed to create VM disk")
	errDefineDomain   = errors.New("failed to define domain")
	errUndefineDomain = errors.New("failed to undefine domain")
	errDeleteVMDisk   = errors.New("failed to delete VM disk")
	errCreateSnapshot = errors.New("failed to create snapshot")
	errRevertSnapshot = errors.New("failed to revert snapshot")
	errGetDomainState = errors.New("failed to get domain state")
	errNotInitialized = errors.New("libvirt connection is not initialized")
)

// Options configures the driver.
type Options struct {
	// URI of the libvirt daemon. Defaults to qemu:///system.
	URI string
	// ImageDir holds template base images, named <template>.qcow2.
	ImageDir string
	// BaseDir receives VM overlays. Defaults to os.TempDir().
	BaseDir     string
	NetworkMode string
	NetworkName string
	// CloudInit, when set, is attached to every clone as a NoCloud seed.
	CloudInit *cloudinit.UserData
	Log       logr.Logger
}

// Driver implements hypervisor.Client on top of libvirt. VM IDs are domain UUIDs.
type Driver struct {
	conn *virt.Connect
	opts Options
	log  logr.Logger

	// runCmd runs host tools such as qemu-img.
	runCmd func(ctx context.Context, name string, args ...string) ([]byte, error)
}

var _ hypervisor.Client = (*Driver)(nil)

// New connects to libvirt.
func New(opts Options) (*Driver, error) {
	if opts.URI == "" {
		opts.URI = DefaultURI
	}
	if opts.BaseDir == "" {
		opts.BaseDir = os.TempDir()
	}

	conn, err := virt.NewConnect(opts.URI)
	if err != nil {
		return nil, hypervisor.NewTransient("connect", fmt.Errorf("failed to connect to libvirt at %s: %w", opts.URI, err))
	}

	return &Driver{
		conn: conn,
		opts: opts,
		log:  opts.Log.WithName("libvirt"),
		runCmd: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}, nil
}

// Close closes the libvirt connection.
func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	_, err := d.conn.Close()
	return err
}

func (d *Driver) diskPath(name string) string {
	return filepath.Join(d.opts.BaseDir, fmt.Sprintf("%s.qcow2", name))
}

func (d *Driver) templatePath(template string) string {
	if filepath.IsAbs(template) {
		return template
	}
	if !strings.HasSuffix(template, ".qcow2") {
		template += ".qcow2"
	}
	return filepath.Join(d.opts.ImageDir, template)
}

// CreateVM creates an overlay over the template image and defines the domain. The domain
// is left stopped.
func (d *Driver) CreateVM(ctx context.Context, req hypervisor.CreateRequest) (hypervisor.VirtualMachine, error) {
	const op = "create"
	if d.conn == nil {
		return hypervisor.VirtualMachine{}, hypervisor.NewPermanent(op, errNotInitialized)
	}

	name := req.VMName()
	base := d.templatePath(req.Template)
	if _, err := os.Stat(base); err != nil {
		return hypervisor.VirtualMachine{}, hypervisor.NewPermanent(op,
			fmt.Errorf("%w: %s: %w", hypervisor.ErrTemplateNotFound, base, err))
	}
	if req.TemplateSnapshot != "" {
		d.log.V(1).Info("template snapshots are not supported for overlays, ignoring",
			"template", req.Template, "snapshot", req.TemplateSnapshot)
	}

	disk := d.diskPath(name)
	output, err := d.runCmd(ctx,
		"qemu-img", "create",
		"-f", "qcow2",
		"-o", fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", base),
		disk,
	)
	if err != nil {
		return hypervisor.VirtualMachine{}, hypervisor.NewTransient(op,
			errors.Join(err, fmt.Errorf("output: %s", output), errCreateVMDisk))
	}

	seed := ""
	if d.opts.CloudInit != nil {
		seed, err = cloudinit.BuildISO(ctx, d.runCmd, d.opts.BaseDir, name, *d.opts.CloudInit)
		if err != nil {
			_ = os.Remove(disk)
			return hypervisor.VirtualMachine{}, hypervisor.NewTransient(op, err)
		}
	}

	memory, vcpus := req.MemoryMB, req.VCPUs
	if memory <= 0 {
		memory = defaultMemoryMB
	}
	if vcpus <= 0 {
		vcpus = defaultVCPUs
	}

	xmlStr, err := generateDomainXML(&DomainConfig{
		Name:        name,
		DiskPath:    disk,
		MemoryMB:    memory,
		VCPUs:       vcpus,
		NetworkMode: d.opts.NetworkMode,
		NetworkName: d.opts.NetworkName,
		SeedISOPath: seed,
	})
	if err != nil {
		d.removeDisk(name)
		return hypervisor.VirtualMachine{}, hypervisor.NewPermanent(op, err)
	}

	dom, err := d.conn.DomainDefineXML(xmlStr)
	if err != nil {
		d.removeDisk(name)
		return hypervisor.VirtualMachine{}, classify(op, errors.Join(err, errDefineDomain))
	}
	defer freeDomain(dom)

	uuid, err := dom.GetUUIDString()
	if err != nil {
		return hypervisor.VirtualMachine{}, classify(op, err)
	}

	d.log.Info("defined VM", "name", name, "uuid", uuid, "template", req.Template)
	return hypervisor.VirtualMachine{ID: uuid, Name: name, Template: req.Template}, nil
}

func (d *Driver) LookupVM(_ context.Context, name string) (hypervisor.VirtualMachine, bool, error) {
	dom, err := d.conn.LookupDomainByName(name)
	if err != nil {
		if isCode(err, virt.ERR_NO_DOMAIN) {
			return hypervisor.VirtualMachine{}, false, nil
		}
		return hypervisor.VirtualMachine{}, false, classify("lookup-vm", err)
	}
	defer freeDomain(dom)

	uuid, err := dom.GetUUIDString()
	if err != nil {
		return hypervisor.VirtualMachine{}, false, classify("lookup-vm", err)
	}
	return hypervisor.VirtualMachine{ID: uuid, Name: name}, true, nil
}

func (d *Driver) domain(op string, vm hypervisor.VirtualMachine) (*virt.Domain, error) {
	if d.conn == nil {
		return nil, hypervisor.NewPermanent(op, errNotInitialized)
	}
	dom, err := d.conn.LookupDomainByUUIDString(vm.ID)
	if err != nil {
		return nil, classify(op, fmt.Errorf("vm=%s: %w", vm.ID, err))
	}
	return dom, nil
}

// Snapshot takes an internal snapshot named after label, including memory when running.
func (d *Driver) Snapshot(_ context.Context, vm hypervisor.VirtualMachine, label string) (hypervisor.Snapshot, error) {
	const op = "snapshot"
	dom, err := d.domain(op, vm)
	if err != nil {
		return hypervisor.Snapshot{}, err
	}
	defer freeDomain(dom)

	xmlStr, err := generateSnapshotXML(label, fmt.Sprintf("vmconform baseline %s", label))
	if err != nil {
		return hypervisor.Snapshot{}, hypervisor.NewPermanent(op, err)
	}

	snap, err := dom.CreateSnapshotXML(xmlStr, 0)
	if err != nil {
		return hypervisor.Snapshot{}, classify(op, errors.Join(err, errCreateSnapshot))
	}
	defer func() { _ = snap.Free() }()

	return describeSnapshot(vm, label, snap), nil
}

func (d *Driver) LookupSnapshot(
	_ context.Context,
	vm hypervisor.VirtualMachine,
	label string,
) (hypervisor.Snapshot, bool, error) {
	const op = "lookup-snapshot"
	dom, err := d.domain(op, vm)
	if err != nil {
		return hypervisor.Snapshot{}, false, err
	}
	defer freeDomain(dom)

	snap, err := dom.SnapshotLookupByName(label, 0)
	if err != nil {
		if isCode(err, virt.ERR_NO_DOMAIN_SNAPSHOT) {
			return hypervisor.Snapshot{}, false, nil
		}
		return hypervisor.Snapshot{}, false, classify(op, err)
	}
	defer func() { _ = snap.Free() }()

	return describeSnapshot(vm, label, snap), true, nil
}

func describeSnapshot(vm hypervisor.VirtualMachine, label string, snap *virt.DomainSnapshot) hypervisor.Snapshot {
	out := hypervisor.Snapshot{Name: label, VMID: vm.ID, Label: label, CreatedAt: time.Now().UTC()}

	desc, err := snap.GetXMLDesc(0)
	if err != nil {
		return out
	}
	var parsed libvirtxml.DomainSnapshot
	if err := parsed.Unmarshal(desc); err != nil {
		return out
	}
	if parsed.Name != "" {
		out.Name = parsed.Name
	}
	if secs, err := strconv.ParseInt(parsed.CreationTime, 10, 64); err == nil {
		out.CreatedAt = time.Unix(secs, 0).UTC()
	}
	return out
}

// Restore reverts the VM to snap and leaves it running.
func (d *Driver) Restore(_ context.Context, vm hypervisor.VirtualMachine, snap hypervisor.Snapshot) error {
	const op = "restore"
	dom, err := d.domain(op, vm)
	if err != nil {
		return err
	}
	defer freeDomain(dom)

	s, err := dom.SnapshotLookupByName(snap.Name, 0)
	if err != nil {
		if isCode(err, virt.ERR_NO_DOMAIN_SNAPSHOT) {
			return hypervisor.NewPermanent(op, fmt.Errorf("%w: %s", hypervisor.ErrSnapshotNotFound, snap.Name))
		}
		return classify(op, err)
	}
	defer func() { _ = s.Free() }()

	if err := s.RevertToSnapshot(virt.DOMAIN_SNAPSHOT_REVERT_RUNNING); err != nil {
		return classify(op, errors.Join(err, errRevertSnapshot))
	}
	return nil
}

func (d *Driver) Start(_ context.Context, vm hypervisor.VirtualMachine) error {
	const op = "start"
	dom, err := d.domain(op, vm)
	if err != nil {
		return err
	}
	defer freeDomain(dom)

	state, _, err := dom.GetState()
	if err != nil {
		return classify(op, errors.Join(err, errGetDomainState))
	}
	switch state {
	case virt.DOMAIN_RUNNING:
		return nil
	case virt.DOMAIN_PAUSED:
		return classify(op, dom.Resume())
	}
	if err := dom.Create(); err != nil {
		return classify(op, err)
	}
	return nil
}

// Stop powers the VM off without waiting for the guest.
func (d *Driver) Stop(_ context.Context, vm hypervisor.VirtualMachine) error {
	const op = "stop"
	dom, err := d.domain(op, vm)
	if err != nil {
		return err
	}
	defer freeDomain(dom)

	state, _, err := dom.GetState()
	if err != nil {
		return classify(op, errors.Join(err, errGetDomainState))
	}
	if state == virt.DOMAIN_SHUTOFF {
		return nil
	}
	if err := dom.Destroy(); err != nil {
		return classify(op, err)
	}
	return nil
}

func (d *Driver) Status(_ context.Context, vm hypervisor.VirtualMachine) (hypervisor.PowerState, error) {
	const op = "status"
	dom, err := d.domain(op, vm)
	if err != nil {
		return hypervisor.PowerUnknown, err
	}
	defer freeDomain(dom)

	state, _, err := dom.GetState()
	if err != nil {
		return hypervisor.PowerUnknown, classify(op, errors.Join(err, errGetDomainState))
	}
	return powerState(state), nil
}

func powerState(state virt.DomainState) hypervisor.PowerState {
	switch state {
	case virt.DOMAIN_RUNNING, virt.DOMAIN_BLOCKED:
		return hypervisor.PowerRunning
	case virt.DOMAIN_PAUSED, virt.DOMAIN_PMSUSPENDED:
		return hypervisor.PowerSuspended
	case virt.DOMAIN_SHUTOFF, virt.DOMAIN_SHUTDOWN, virt.DOMAIN_CRASHED:
		return hypervisor.PowerStopped
	default:
		return hypervisor.PowerUnknown
	}
}

// Address returns the first IPv4 DHCP lease of the domain.
func (d *Driver) Address(_ context.Context, vm hypervisor.VirtualMachine) (string, error) {
	const op = "address"
	dom, err := d.domain(op, vm)
	if err != nil {
		return "", err
	}
	defer freeDomain(dom)

	ifaces, err := dom.ListAllInterfaceAddresses(virt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
	if err != nil {
		if isCode(err, virt.ERR_OPERATION_INVALID) {
			// Domain not running.
			return "", hypervisor.ErrNoAddress
		}
		return "", classify(op, err)
	}

	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if ip := firstIPv4(addr.Addr); ip != "" {
				return ip, nil
			}
		}
	}
	return "", hypervisor.ErrNoAddress
}

func firstIPv4(addr string) string {
	host := strings.Split(addr, "/")[0]
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return ""
	}
	return ip.String()
}

// Destroy stops the VM, undefines it with its snapshot metadata and deletes its overlay.
// A missing VM is not an error.
func (d *Driver) Destroy(_ context.Context, vm hypervisor.VirtualMachine) error {
	const op = "destroy"
	dom, err := d.conn.LookupDomainByUUIDString(vm.ID)
	if err != nil {
		if isCode(err, virt.ERR_NO_DOMAIN) {
			d.log.Info("VM not found in libvirt, skipping destroy", "vm", vm.ID)
			d.removeDisk(vm.Name)
			return nil
		}
		return classify(op, err)
	}
	defer freeDomain(dom)

	name, err := dom.GetName()
	if err != nil {
		return classify(op, err)
	}

	state, _, err := dom.GetState()
	if err != nil {
		return classify(op, errors.Join(err, errGetDomainState))
	}
	if state != virt.DOMAIN_SHUTOFF {
		if err := dom.Destroy(); err != nil && !isCode(err, virt.ERR_OPERATION_INVALID) {
			return classify(op, err)
		}
	}

	if err := dom.UndefineFlags(virt.DOMAIN_UNDEFINE_SNAPSHOTS_METADATA); err != nil {
		return classify(op, errors.Join(err, errUndefineDomain))
	}

	if err := os.Remove(d.diskPath(name)); err != nil && !os.IsNotExist(err) {
		return hypervisor.NewTransient(op, errors.Join(err, fmt.Errorf("disk=%s", d.diskPath(name)), errDeleteVMDisk))
	}
	if err := os.Remove(cloudinit.ISOPath(d.opts.BaseDir, name)); err != nil && !os.IsNotExist(err) {
		d.log.V(1).Info("failed to delete cloud-init seed", "vm", name, "err", err.Error())
	}

	d.log.Info("destroyed VM", "name", name, "uuid", vm.ID)
	return nil
}

func (d *Driver) removeDisk(name string) {
	if name == "" {
		return
	}
	for _, path := range []string{d.diskPath(name), cloudinit.ISOPath(d.opts.BaseDir, name)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			d.log.V(1).Info("failed to delete VM file", "path", path, "err", err.Error())
		}
	}
}

func freeDomain(dom *virt.Domain) {
	_ = dom.Free()
}

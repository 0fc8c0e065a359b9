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

package proxmox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/vmconform/pkg/execcontext"
)

const configDir = "/etc/pve/qemu-server"

var (
	diskKeyPrefixes = []string{"scsi", "ide", "sata", "virtio", "efidisk"}
	storageSubdirs  = []string{"images", "snippets", "iso", "dump"}
)

// SafetyVerdict explains whether a VM may be purged.
type SafetyVerdict struct {
	Safe   bool
	Reason string
}

// CheckVMSafety decides whether a VM config describes a disposable test VM: it has at least one
// disk, every non-cdrom disk lives on storage, and every such disk is a sized qcow2 disk image.
// Disks of snapshot sections are checked too.
func CheckVMSafety(configText, storage string) SafetyVerdict {
	found := false
	for _, line := range configLines(configText) {
		if !isDiskKey(line.key) || isCdrom(line.value) {
			continue
		}
		found = true

		if !strings.HasPrefix(line.value, storage+":") {
			return SafetyVerdict{Reason: fmt.Sprintf("disk %s is on another storage", line.key)}
		}
		if !strings.Contains(line.value, "disk") ||
			!strings.Contains(line.value, "size") ||
			!strings.Contains(line.value, "qcow2") {
			return SafetyVerdict{Reason: fmt.Sprintf("disk %s does not match disk+size+qcow2", line.key)}
		}
	}
	if !found {
		return SafetyVerdict{Reason: "no disk found"}
	}
	return SafetyVerdict{Safe: true}
}

func isDiskKey(key string) bool {
	for _, prefix := range diskKeyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func isCdrom(value string) bool {
	return strings.Contains(value, "media=cdrom") || strings.Contains(value, ".iso")
}

// Purge destroys every VM whose disks all live on the driver's storage and pass CheckVMSafety.
// It returns the destroyed VMIDs. Per-VM failures are collected and do not stop the scan.
func (d *Driver) Purge(ctx context.Context) ([]string, error) {
	if d.opts.Storage == "" {
		return nil, errors.New("purge requires a storage name")
	}
	d.log.Info("scanning for VMs fully on storage", "storage", d.opts.Storage)

	listing, _, err := d.runner.Run(ctx, "sh", "-c", "ls "+configDir+"/*.conf")
	if err != nil || strings.TrimSpace(listing) == "" {
		d.log.Info("no VM configs found")
		return nil, nil
	}

	var (
		destroyed []string
		errs      []error
	)
	for _, confPath := range strings.Fields(listing) {
		vmid := strings.TrimSuffix(path.Base(confPath), ".conf")
		if _, convErr := strconv.Atoi(vmid); convErr != nil {
			continue
		}

		configText, _, err := d.runner.Run(ctx, "cat", confPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("read config of vm %s: %w", vmid, err))
			continue
		}
		if strings.TrimSpace(configText) == "" {
			continue
		}

		verdict := CheckVMSafety(configText, d.opts.Storage)
		if !verdict.Safe {
			d.log.V(1).Info("VM skipped", "vmid", vmid, "reason", verdict.Reason)
			continue
		}

		d.log.Info("VM is fully on storage and matches safety pattern, destroying", "vmid", vmid)
		if _, _, err := d.runner.Run(ctx, "qm", "stop", vmid, "--skiplock"); err != nil {
			d.log.V(1).Info("stop failed", "vmid", vmid, "err", err.Error())
		}
		if _, _, err := d.runner.Run(ctx, "qm", "destroy", vmid, "--skiplock", "--purge"); err != nil {
			errs = append(errs, fmt.Errorf("destroy vm %s: %w", vmid, err))
			continue
		}
		destroyed = append(destroyed, vmid)
	}

	return destroyed, errors.Join(errs...)
}

// PrepareStorage mounts a tmpfs at the storage path unless one is mounted already, then
// creates the directories Proxmox expects. forceRemount discards the current content.
func (d *Driver) PrepareStorage(ctx context.Context, forceRemount bool) error {
	storagePath := d.opts.StoragePath
	if storagePath == "" {
		return errors.New("prepare-storage requires a storage path")
	}
	d.log.Info("checking RAM storage", "path", storagePath)

	quoted := execcontext.Quote(storagePath)
	mounts, _, err := d.runner.Run(ctx, "sh", "-c", fmt.Sprintf("mount | grep ' %s ' || true", storagePath))
	if err != nil {
		return fmt.Errorf("check mount of %s: %w", storagePath, err)
	}
	mounted := strings.TrimSpace(mounts) != ""

	if mounted && !forceRemount {
		d.log.Info("storage already mounted, skipping remount", "path", storagePath)
		return d.makeStorageDirs(ctx)
	}

	if forceRemount {
		d.log.Info("force remount requested, data will be lost", "path", storagePath)
		if _, _, err := d.runner.Run(ctx, "sh", "-c", "umount "+quoted+" || true"); err != nil {
			return fmt.Errorf("umount %s: %w", storagePath, err)
		}
	}

	if _, _, err := d.runner.Run(ctx, "mkdir", "-p", storagePath); err != nil {
		return fmt.Errorf("create %s: %w", storagePath, err)
	}

	mount := []string{"mount", "-t", "tmpfs"}
	if d.opts.RAMDiskSizeGB > 0 {
		mount = append(mount, "-o", fmt.Sprintf("size=%dG", d.opts.RAMDiskSizeGB))
	}
	mount = append(mount, "tmpfs", storagePath)
	d.log.Info("mounting tmpfs", "path", storagePath, "sizeGB", d.opts.RAMDiskSizeGB)
	if _, _, err := d.runner.Run(ctx, mount...); err != nil {
		return fmt.Errorf("mount tmpfs at %s: %w", storagePath, err)
	}

	if err := d.makeStorageDirs(ctx); err != nil {
		return err
	}
	d.log.Info("RAM storage ready", "path", storagePath)
	return nil
}

func (d *Driver) makeStorageDirs(ctx context.Context) error {
	cmd := []string{"mkdir", "-p"}
	for _, sub := range storageSubdirs {
		cmd = append(cmd, path.Join(d.opts.StoragePath, sub))
	}
	if _, _, err := d.runner.Run(ctx, cmd...); err != nil {
		return fmt.Errorf("create storage directories: %w", err)
	}
	return nil
}

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
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor/proxmox"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	defaultDeployMemoryMB = 8192
	deployAddressInterval = 3 * time.Second
)

var (
	proxmoxDryRun       bool
	proxmoxStorage      string
	proxmoxForceRemount bool

	deployTemplateID     int
	deploySnapshot       string
	deployVMID           int
	deployNode           string
	deployMemoryMB       int
	deployForce          bool
	deployAddressTimeout time.Duration
)

var (
	errNotProxmox = errors.New("proxmox commands require hypervisor.driver: proxmox")
	errVMExists   = errors.New("VM already exists, use --force to replace it")
)

var proxmoxCmd = &cobra.Command{
	Use:   "proxmox",
	Short: "Maintenance tasks for the configured Proxmox node",
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Destroy leftover test VMs living on the RAM storage",
	Long: `Purge destroys every VM whose non-cdrom disks all live on the target storage and are
sized qcow2 disk images. Any other VM is left untouched. With --dry-run the VM configs are
read but nothing is stopped or destroyed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Hypervisor.Driver != DriverProxmox {
			return errNotProxmox
		}
		if proxmoxStorage != "" {
			node := cfg.Hypervisor.Proxmox.Nodes[cfg.Hypervisor.Proxmox.Node]
			node.Storage = proxmoxStorage
			cfg.Hypervisor.Proxmox.Nodes[cfg.Hypervisor.Proxmox.Node] = node
		}

		driver, err := newProxmoxDriver(cfg, log, proxmoxDryRun)
		if err != nil {
			return err
		}

		destroyed, err := driver.Purge(cmd.Context())
		verb := "Destroyed"
		if proxmoxDryRun {
			verb = "Would destroy"
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %d VM(s)\n", verb, len(destroyed))
		for _, vmid := range destroyed {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", vmid)
		}
		return err
	},
}

var prepareStorageCmd = &cobra.Command{
	Use:   "prepare-storage",
	Short: "Mount the RAM storage of the node",
	Long: `Prepare-storage mounts a tmpfs at the storage path of the node unless one is mounted
already, then creates the images, snippets, iso and dump directories. --force-remount
unmounts the current storage first and discards its content.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Hypervisor.Driver != DriverProxmox {
			return errNotProxmox
		}

		driver, err := newProxmoxDriver(cfg, log, proxmoxDryRun)
		if err != nil {
			return err
		}
		if err := driver.PrepareStorage(cmd.Context(), proxmoxForceRemount); err != nil {
			return err
		}

		_, node := cfg.Hypervisor.Proxmox.SelectedNode()
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Storage ready at %s\n", node.StoragePath)
		return nil
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Clone a template snapshot into a running VM and print its address",
	Long: `Deploy clears the RAM storage of leftover test VMs, clones --tmpl-id at --snap into
--new-id, sizes and starts it, then waits for the guest agent to report an address. A VM
that already holds --new-id is an error unless --force is set, in which case it is stopped
and destroyed first. An address that never shows up is reported as missing, not as a
failure.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Hypervisor.Driver != DriverProxmox {
			return errNotProxmox
		}
		if deployNode != "" {
			if _, ok := cfg.Hypervisor.Proxmox.Nodes[deployNode]; !ok {
				return fmt.Errorf("node %q is not defined in hypervisor.proxmox.nodes", deployNode)
			}
			cfg.Hypervisor.Proxmox.Node = deployNode
		}

		driver, err := newProxmoxDriver(cmd.Context(), cfg, log, proxmoxDryRun)
		if err != nil {
			return err
		}

		vm, addr, err := deploy(cmd.Context(), driver, log, deployRequest{
			template: strconv.Itoa(deployTemplateID),
			snapshot: deploySnapshot,
			vmid:     strconv.Itoa(deployVMID),
			memoryMB: deployMemoryMB,
			force:    deployForce,
			wait:     !proxmoxDryRun,
			timeout:  deployAddressTimeout,
		})
		if err != nil {
			return err
		}

		if addr == "" {
			addr = "(none)"
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "VM %s on %s\nAddress: %s\n", vm.ID, vm.Node, addr)
		return nil
	},
}

type deployRequest struct {
	template string
	snapshot string
	vmid     string
	memoryMB int
	force    bool
	// wait polls the guest agent for an address after start.
	wait    bool
	timeout time.Duration
}

// deploy replaces the VM holding req.vmid with a fresh clone and returns its address.
// The address is empty when the guest agent never reported one.
func deploy(ctx context.Context, d *proxmox.Driver, log logr.Logger, req deployRequest) (hypervisor.VirtualMachine, string, error) {
	existing := hypervisor.VirtualMachine{ID: req.vmid}
	_, err := d.Status(ctx, existing)
	switch {
	case errors.Is(err, hypervisor.ErrVMNotFound):
	case err != nil:
		return hypervisor.VirtualMachine{}, "", err
	case !req.force:
		return hypervisor.VirtualMachine{}, "", fmt.Errorf("%w: %s", errVMExists, req.vmid)
	default:
		log.Info("replacing existing VM", "vmid", req.vmid)
		if err := d.Destroy(ctx, existing); err != nil {
			return hypervisor.VirtualMachine{}, "", err
		}
	}

	destroyed, err := d.Purge(ctx)
	if err != nil {
		return hypervisor.VirtualMachine{}, "", err
	}
	if len(destroyed) > 0 {
		log.Info("purged leftover VMs", "vmids", destroyed)
	}
	if err := d.PrepareStorage(ctx, false); err != nil {
		return hypervisor.VirtualMachine{}, "", err
	}

	vm, err := d.CreateVM(ctx, hypervisor.CreateRequest{
		Template:         req.template,
		TemplateSnapshot: req.snapshot,
		Name:             "vmconform-" + req.vmid,
		ID:               req.vmid,
		MemoryMB:         req.memoryMB,
	})
	if err != nil {
		return hypervisor.VirtualMachine{}, "", err
	}
	if err := d.Start(ctx, vm); err != nil {
		return vm, "", err
	}
	if !req.wait {
		return vm, "", nil
	}

	var addr string
	err = wait.PollUntilContextTimeout(ctx, deployAddressInterval, req.timeout, true, func(ctx context.Context) (bool, error) {
		ip, err := d.Address(ctx, vm)
		if errors.Is(err, hypervisor.ErrNoAddress) || hypervisor.IsTransient(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		addr = ip
		return true, nil
	})
	if err != nil && !wait.Interrupted(err) {
		return vm, "", err
	}
	if addr == "" {
		log.Info("guest agent reported no address", "vmid", vm.ID, "timeout", req.timeout.String())
	}
	return vm, addr, nil
}

func init() {
	rootCmd.AddCommand(proxmoxCmd)
	proxmoxCmd.AddCommand(purgeCmd, prepareStorageCmd, deployCmd)

	proxmoxCmd.PersistentFlags().BoolVar(&proxmoxDryRun, "dry-run", false, "log mutating commands instead of running them")
	purgeCmd.Flags().StringVar(&proxmoxStorage, "storage", "", "storage to purge (defaults to the node's storage)")
	prepareStorageCmd.Flags().BoolVar(&proxmoxForceRemount, "force-remount", false, "unmount and remount the storage, losing its content")

	deployCmd.Flags().IntVar(&deployTemplateID, "tmpl-id", 0, "VMID of the template to clone")
	deployCmd.Flags().StringVar(&deploySnapshot, "snap", "", "template snapshot to clone from")
	deployCmd.Flags().IntVar(&deployVMID, "new-id", 0, "VMID of the new VM")
	deployCmd.Flags().StringVar(&deployNode, "node", "", "node to deploy on (defaults to hypervisor.proxmox.node)")
	deployCmd.Flags().IntVar(&deployMemoryMB, "memory", defaultDeployMemoryMB, "memory of the new VM in MiB")
	deployCmd.Flags().BoolVar(&deployForce, "force", false, "destroy a VM already holding --new-id")
	deployCmd.Flags().DurationVar(&deployAddressTimeout, "address-timeout", time.Minute, "how long to wait for the guest address")
	for _, name := range []string{"tmpl-id", "snap", "new-id"} {
		_ = deployCmd.MarkFlagRequired(name)
	}
}

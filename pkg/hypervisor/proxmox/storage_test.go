//go:build unit

package proxmox_test

import (
	"context"
	"testing"

	"github.com/alexandremahdhaoui/vmconform/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor/proxmox"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckVMSafety(t *testing.T) {
	tests := []struct {
		name   string
		config string
		want   bool
	}{
		{
			name: "all disks on ram with strict pattern",
			config: `
scsi0: ram:100/vm-100-disk-0.qcow2,size=32G,ssd=1
efidisk0: ram:100/vm-100-disk-1.qcow2,size=128K
ide2: local:iso/image.iso,media=cdrom
`,
			want: true,
		},
		{
			name: "mixed storage",
			config: `
scsi0: ram:100/vm-100-disk-0.qcow2,size=32G
scsi1: local-lvm:vm-100-disk-1.raw,size=10G
`,
		},
		{
			name:   "not qcow2",
			config: "scsi0: ram:100/vm-100-root.raw,size=32G\n",
		},
		{
			name:   "no size",
			config: "scsi0: ram:100/vm-100-disk-0.qcow2\n",
		},
		{
			name: "cdrom only",
			config: `
ide2: local:iso/image.iso,media=cdrom
memory: 1024
`,
		},
		{
			name: "snapshot section disk on another storage",
			config: `
scsi0: ram:100/vm-100-disk-0.qcow2,size=32G
parent: clean

[clean]
scsi0: local-lvm:vm-100-disk-0,size=32G
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := proxmox.CheckVMSafety(tt.config, "ram")
			assert.Equal(t, tt.want, verdict.Safe, verdict.Reason)
			if !tt.want {
				assert.NotEmpty(t, verdict.Reason)
			}
		})
	}
}

func TestDriver_Purge(t *testing.T) {
	r := newRunner().
		on("sh -c 'ls /etc/pve/qemu-server/*.conf'", reply{stdout: "/etc/pve/qemu-server/100.conf\n" +
			"/etc/pve/qemu-server/101.conf\n/etc/pve/qemu-server/template.conf\n"}).
		on("cat /etc/pve/qemu-server/100.conf", reply{stdout: "scsi0: ram:100/vm-100-disk-0.qcow2,size=10G\n"}).
		on("cat /etc/pve/qemu-server/101.conf", reply{stdout: "scsi0: local-lvm:vm-101-disk-0,size=10G\n"})
	d := proxmox.New(r, proxmox.Options{Storage: "ram", Log: logr.Discard()})

	destroyed, err := d.Purge(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"100"}, destroyed)
	assert.Equal(t, 1, r.ran("qm stop 100 --skiplock"))
	assert.Equal(t, 1, r.ran("qm destroy 100 --skiplock --purge"))
	assert.Equal(t, 0, r.ran("qm destroy 101"))
	assert.Equal(t, 0, r.ran("cat /etc/pve/qemu-server/template.conf"))
}

func TestDriver_PurgeCollectsFailures(t *testing.T) {
	r := newRunner().
		on("sh -c", reply{stdout: "/etc/pve/qemu-server/100.conf /etc/pve/qemu-server/102.conf"}).
		on("cat", reply{stdout: "scsi0: ram:1/vm-1-disk-0.qcow2,size=1G\n"}).
		on("qm destroy 100", reply{code: 255, stderr: "can't lock file"})
	d := proxmox.New(r, proxmox.Options{Storage: "ram", Log: logr.Discard()})

	destroyed, err := d.Purge(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "destroy vm 100")
	assert.Equal(t, []string{"102"}, destroyed)
}

func TestDriver_PrepareStorage(t *testing.T) {
	tests := []struct {
		name    string
		mounted string
		force   bool
		want    []string
	}{
		{
			name:    "already mounted",
			mounted: "tmpfs on /mnt/ram type tmpfs (rw,relatime,size=33554432k)",
			want: []string{
				"sh -c 'mount | grep '\\'' /mnt/ram '\\'' || true'",
				"mkdir -p /mnt/ram/images /mnt/ram/snippets /mnt/ram/iso /mnt/ram/dump",
			},
		},
		{
			name: "not mounted",
			want: []string{
				"sh -c 'mount | grep '\\'' /mnt/ram '\\'' || true'",
				"mkdir -p /mnt/ram",
				"mount -t tmpfs -o size=32G tmpfs /mnt/ram",
				"mkdir -p /mnt/ram/images /mnt/ram/snippets /mnt/ram/iso /mnt/ram/dump",
			},
		},
		{
			name:    "force remount",
			mounted: "tmpfs on /mnt/ram type tmpfs",
			force:   true,
			want: []string{
				"sh -c 'mount | grep '\\'' /mnt/ram '\\'' || true'",
				"sh -c 'umount /mnt/ram || true'",
				"mkdir -p /mnt/ram",
				"mount -t tmpfs -o size=32G tmpfs /mnt/ram",
				"mkdir -p /mnt/ram/images /mnt/ram/snippets /mnt/ram/iso /mnt/ram/dump",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRunner().on("sh -c 'mount", reply{stdout: tt.mounted})
			d := proxmox.New(r, proxmox.Options{StoragePath: "/mnt/ram", RAMDiskSizeGB: 32, Log: logr.Discard()})

			require.NoError(t, d.PrepareStorage(context.Background(), tt.force))
			assert.Equal(t, tt.want, r.all())
		})
	}
}

func TestDriver_PrepareStorageDryRun(t *testing.T) {
	dry := ssh.NewDryRunner(logr.Discard())
	d := proxmox.New(dry, proxmox.Options{StoragePath: "/mnt/ram", Log: logr.Discard()})

	require.NoError(t, d.PrepareStorage(context.Background(), false))
	assert.Contains(t, dry.Commands(), "mount -t tmpfs tmpfs /mnt/ram")
}

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

package libvirt

import (
	"crypto/rand"
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// DomainConfig describes the domain defined for one test VM.
type DomainConfig struct {
	Name        string
	DiskPath    string
	MemoryMB    int
	VCPUs       int
	NetworkMode string // "bridge", "nat", "network", "user"
	NetworkName string // bridge or libvirt network
	MACAddress  string // optional, auto-generated if empty
	// SeedISOPath attaches a cloud-init NoCloud seed as a read-only cdrom when set.
	SeedISOPath string
}

// generateDomainXML creates libvirt domain XML for a VM booting from its qcow2 overlay.
// The guest agent channel and VNC display are always present: GUI tests need a display
// and address lookup falls back to the agent.
func generateDomainXML(config *DomainConfig) (string, error) {
	macAddress := config.MACAddress
	if macAddress == "" {
		var err error
		macAddress, err = generateRandomMAC()
		if err != nil {
			return "", fmt.Errorf("generate MAC address: %w", err)
		}
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: config.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(config.MemoryMB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: uint(config.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "q35",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: "hd"}},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "qcow2",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: config.DiskPath,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				buildNetworkInterface(config.NetworkMode, config.NetworkName, macAddress),
			},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: uintPtr(0),
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: uintPtr(0),
					},
				},
			},
			Channels: []libvirtxml.DomainChannel{
				{
					Source: &libvirtxml.DomainChardevSource{
						UNIX: &libvirtxml.DomainChardevSourceUNIX{},
					},
					Target: &libvirtxml.DomainChannelTarget{
						VirtIO: &libvirtxml.DomainChannelTargetVirtIO{
							Name: "org.qemu.guest_agent.0",
						},
					},
				},
			},
			Graphics: []libvirtxml.DomainGraphic{
				{
					VNC: &libvirtxml.DomainGraphicVNC{
						Port:     -1,
						AutoPort: "yes",
					},
				},
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
		},
	}

	if config.SeedISOPath != "" {
		domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: config.SeedISOPath,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "sdb",
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	xmlStr, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain XML: %w", err)
	}

	return xmlStr, nil
}

// generateSnapshotXML describes an internal snapshot named after the baseline label.
func generateSnapshotXML(label, description string) (string, error) {
	snap := &libvirtxml.DomainSnapshot{
		Name:        label,
		Description: description,
	}

	xmlStr, err := snap.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal snapshot XML: %w", err)
	}

	return xmlStr, nil
}

// buildNetworkInterface creates a network interface configuration
func buildNetworkInterface(mode, networkName, macAddress string) libvirtxml.DomainInterface {
	iface := libvirtxml.DomainInterface{
		Model: &libvirtxml.DomainInterfaceModel{
			Type: "virtio",
		},
		MAC: &libvirtxml.DomainInterfaceMAC{
			Address: macAddress,
		},
	}

	switch mode {
	case "bridge":
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{
				Bridge: networkName,
			},
		}
	case "user":
		iface.Source = &libvirtxml.DomainInterfaceSource{
			User: &libvirtxml.DomainInterfaceSourceUser{},
		}
	default:
		// DHCP leases, and therefore Address, are only known on libvirt networks.
		if networkName == "" {
			networkName = "default"
		}
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{
				Network: networkName,
			},
		}
	}

	return iface
}

// generateRandomMAC generates a random MAC address with libvirt's prefix (52:54:00)
func generateRandomMAC() (string, error) {
	buf := make([]byte, 3)
	_, err := rand.Read(buf)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", buf[0], buf[1], buf[2]), nil
}

func uintPtr(v uint) *uint {
	return &v
}

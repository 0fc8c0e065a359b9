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
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
)

var errNoGuestAddress = errors.New("no matching guest address")

type qmListEntry struct {
	VMID   string
	Name   string
	Status string
}

// parseQMList reads the table printed by `qm list`.
func parseQMList(out string) []qmListEntry {
	var entries []qmListEntry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			// Header.
			continue
		}
		entries = append(entries, qmListEntry{VMID: fields[0], Name: fields[1], Status: fields[2]})
	}
	return entries
}

// parseStatus reads `qm status` output ("status: running").
func parseStatus(out string) hypervisor.PowerState {
	value := strings.TrimSpace(out)
	if _, after, ok := strings.Cut(value, ":"); ok {
		value = strings.TrimSpace(after)
	}

	switch value {
	case "running":
		return hypervisor.PowerRunning
	case "stopped":
		return hypervisor.PowerStopped
	case "paused", "suspended", "prelaunch":
		return hypervisor.PowerSuspended
	default:
		return hypervisor.PowerUnknown
	}
}

type guestInterface struct {
	Name        string `json:"name"`
	IPAddresses []struct {
		Address string `json:"ip-address"`
		Type    string `json:"ip-address-type"`
	} `json:"ip-addresses"`
}

// parseGuestAddress picks the first IPv4 address starting with prefix from the guest
// agent's network-get-interfaces reply, skipping loopback.
func parseGuestAddress(out, prefix string) (string, error) {
	var ifaces []guestInterface
	if err := json.Unmarshal([]byte(out), &ifaces); err != nil {
		return "", err
	}

	for _, iface := range ifaces {
		if iface.Name == "lo" {
			continue
		}
		for _, addr := range iface.IPAddresses {
			if addr.Type != "ipv4" || !strings.HasPrefix(addr.Address, prefix) {
				continue
			}
			if ip := net.ParseIP(addr.Address); ip != nil {
				return ip.String(), nil
			}
		}
	}
	return "", errNoGuestAddress
}

// ParseConfig reads a VM config ("key: value" lines). Comments, blank lines and snapshot
// section headers are ignored; later keys override earlier ones.
func ParseConfig(text string) map[string]string {
	config := make(map[string]string)
	for _, line := range configLines(text) {
		config[line.key] = line.value
	}
	return config
}

type configLine struct {
	key   string
	value string
}

func configLines(text string) []configLine {
	var lines []configLine
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		lines = append(lines, configLine{key: strings.TrimSpace(key), value: strings.TrimSpace(value)})
	}
	return lines
}

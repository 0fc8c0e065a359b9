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
	"strings"

	"github.com/alexandremahdhaoui/vmconform/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
)

var (
	transientMarkers = []string{
		"got timeout",
		"timeout",
		"can't lock",
		"unable to lock",
		"temporarily unavailable",
		"try again",
		"already exists", // VMID raced with another clone
		"connection refused",
	}
	quotaMarkers = []string{
		"quota",
		"no space left",
		"not enough",
		"out of memory",
	}
)

// classify maps a failed qm invocation to the hypervisor taxonomy using its stderr.
func classify(op, stderr string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	exitErr, ok := ssh.AsExitError(err)
	if !ok {
		// Connection or channel failure: the node may still be fine.
		return hypervisor.NewTransient(op, err)
	}

	msg := strings.ToLower(stderr)
	if msg == "" {
		msg = strings.ToLower(exitErr.Stderr)
	}
	wrapped := fmt.Errorf("%s: %w", strings.TrimSpace(stderr), err)

	switch {
	case strings.Contains(msg, "does not exist"), strings.Contains(msg, "no such"):
		if strings.Contains(msg, "snapshot") {
			return hypervisor.NewPermanent(op, fmt.Errorf("%w: %w", hypervisor.ErrSnapshotNotFound, wrapped))
		}
		return hypervisor.NewPermanent(op, fmt.Errorf("%w: %w", hypervisor.ErrVMNotFound, wrapped))
	case containsAny(msg, quotaMarkers):
		return hypervisor.NewPermanent(op, fmt.Errorf("%w: %w", hypervisor.ErrQuotaExceeded, wrapped))
	case containsAny(msg, transientMarkers):
		return hypervisor.NewTransient(op, wrapped)
	default:
		return hypervisor.NewPermanent(op, wrapped)
	}
}

func isSnapshotMissing(err error) bool {
	return errors.Is(err, hypervisor.ErrSnapshotNotFound)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

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
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
	virt "libvirt.org/go/libvirt"
)

// transientCodes are libvirt failures caused by the connection or a busy daemon.
var transientCodes = map[virt.ErrorNumber]bool{
	virt.ERR_OPERATION_TIMEOUT:  true,
	virt.ERR_RPC:                true,
	virt.ERR_NO_CONNECT:         true,
	virt.ERR_SYSTEM_ERROR:       true,
	virt.ERR_AGENT_UNRESPONSIVE: true,
	virt.ERR_OPERATION_ABORTED:  true,
	virt.ERR_AUTH_UNAVAILABLE:   true,
}

func isCode(err error, code virt.ErrorNumber) bool {
	var lvErr virt.Error
	return errors.As(err, &lvErr) && lvErr.Code == code
}

// classify maps a libvirt error to the hypervisor taxonomy. Nil stays nil.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var lvErr virt.Error
	if !errors.As(err, &lvErr) {
		return hypervisor.NewPermanent(op, err)
	}

	switch {
	case lvErr.Code == virt.ERR_NO_DOMAIN:
		return hypervisor.NewPermanent(op, fmt.Errorf("%w: %w", hypervisor.ErrVMNotFound, err))
	case lvErr.Code == virt.ERR_NO_DOMAIN_SNAPSHOT:
		return hypervisor.NewPermanent(op, fmt.Errorf("%w: %w", hypervisor.ErrSnapshotNotFound, err))
	case lvErr.Code == virt.ERR_NO_STORAGE_POOL, lvErr.Code == virt.ERR_NO_STORAGE_VOL:
		return hypervisor.NewPermanent(op, fmt.Errorf("%w: %w", hypervisor.ErrTemplateNotFound, err))
	case transientCodes[lvErr.Code]:
		return hypervisor.NewTransient(op, err)
	default:
		return hypervisor.NewPermanent(op, err)
	}
}

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

package hypervisor

import (
	"errors"
	"fmt"
)

var (
	ErrVMNotFound       = errors.New("vm not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrNoAddress        = errors.New("vm has no address yet")
	ErrTimeout          = errors.New("hypervisor operation timed out")
)

// Kind classifies a hypervisor failure.
type Kind int

const (
	// Transient failures (network blip, rate limit, lock contention) may be retried.
	Transient Kind = iota
	// Permanent failures (quota, missing template) must not be retried.
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is the HypervisorError of the control API.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hypervisor %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewTransient(op string, err error) *Error {
	return &Error{Op: op, Kind: Transient, Err: err}
}

func NewPermanent(op string, err error) *Error {
	return &Error{Op: op, Kind: Permanent, Err: err}
}

// IsTransient reports whether err carries a transient *Error.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Transient
}

// IsPermanent reports whether err carries a permanent *Error.
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Permanent
}

// IsHypervisorError reports whether err originates from the hypervisor.
func IsHypervisorError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

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

package ssh

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport indicates the SSH connection failed or was lost.
	ErrTransport = errors.New("ssh transport error")
	// ErrChannel indicates a session channel could not be opened; the command never started.
	ErrChannel = errors.New("unable to open ssh channel")
)

// Runner defines the interface for executing commands on a remote host.
type Runner interface {
	Run(ctx context.Context, cmd ...string) (stdout, stderr string, err error)
}

// Result is the captured outcome of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError is returned by Runner implementations when the remote command exits non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("remote command exited with status %d", e.Code)
	}
	return fmt.Sprintf("remote command exited with status %d: %s", e.Code, e.Stderr)
}

// AsExitError reports whether err carries a remote exit status.
func AsExitError(err error) (*ExitError, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr, true
	}
	return nil, false
}

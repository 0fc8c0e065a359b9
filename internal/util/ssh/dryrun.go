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
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/vmconform/pkg/execcontext"
	"github.com/go-logr/logr"
)

// DryRunner logs commands instead of executing them.
type DryRunner struct {
	Log logr.Logger
	// Reads executes the commands IsRead accepts, so a dry run still observes real state.
	Reads  Runner
	IsRead func(cmd []string) bool

	mu       sync.Mutex
	commands []string
}

var _ Runner = (*DryRunner)(nil)

func NewDryRunner(log logr.Logger) *DryRunner {
	return &DryRunner{Log: log.WithName("dry-run")}
}

// WithReads forwards read-only commands to r.
func (d *DryRunner) WithReads(r Runner, isRead func(cmd []string) bool) *DryRunner {
	d.Reads = r
	d.IsRead = isRead
	return d
}

// Run implements Runner. Skipped commands succeed with empty output.
func (d *DryRunner) Run(ctx context.Context, cmd ...string) (string, string, error) {
	if d.Reads != nil && d.IsRead != nil && d.IsRead(cmd) {
		return d.Reads.Run(ctx, cmd...)
	}

	line := execcontext.FormatCmd(execcontext.Empty(), cmd...)

	d.mu.Lock()
	d.commands = append(d.commands, line)
	d.mu.Unlock()

	d.Log.Info("would execute", "command", line)
	return "", "", nil
}

// Commands returns every command seen so far.
func (d *DryRunner) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.commands))
	copy(out, d.commands)
	return out
}

// String joins the recorded commands, one per line.
func (d *DryRunner) String() string {
	return strings.Join(d.Commands(), "\n")
}

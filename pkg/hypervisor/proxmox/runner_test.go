//go:build unit

package proxmox_test

import (
	"context"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/vmconform/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmconform/pkg/execcontext"
)

type reply struct {
	stdout string
	stderr string
	code   int
	err    error
}

// scriptedRunner answers commands by prefix. Replies registered for the same prefix are
// consumed in order; the last one sticks.
type scriptedRunner struct {
	mu       sync.Mutex
	replies  map[string][]reply
	prefixes []string
	commands []string
}

var _ ssh.Runner = (*scriptedRunner)(nil)

func newRunner() *scriptedRunner {
	return &scriptedRunner{replies: make(map[string][]reply)}
}

func (r *scriptedRunner) on(prefix string, replies ...reply) *scriptedRunner {
	if _, ok := r.replies[prefix]; !ok {
		r.prefixes = append(r.prefixes, prefix)
	}
	r.replies[prefix] = append(r.replies[prefix], replies...)
	return r
}

func (r *scriptedRunner) Run(_ context.Context, cmd ...string) (string, string, error) {
	line := execcontext.FormatCmd(execcontext.Empty(), cmd...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, line)

	// Longest matching prefix wins.
	best := ""
	for _, p := range r.prefixes {
		if strings.HasPrefix(line, p) && len(p) > len(best) {
			best = p
		}
	}
	if best == "" {
		return "", "", nil
	}

	queue := r.replies[best]
	next := queue[0]
	if len(queue) > 1 {
		r.replies[best] = queue[1:]
	}

	if next.err != nil {
		return next.stdout, next.stderr, next.err
	}
	if next.code != 0 {
		return next.stdout, next.stderr, &ssh.ExitError{Code: next.code, Stderr: next.stderr}
	}
	return next.stdout, next.stderr, nil
}

func (r *scriptedRunner) ran(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (r *scriptedRunner) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

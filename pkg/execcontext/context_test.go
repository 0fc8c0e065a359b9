//go:build unit

package execcontext_test

import (
	"testing"

	"github.com/alexandremahdhaoui/vmconform/pkg/execcontext"
	"github.com/stretchr/testify/assert"
)

func TestFormatCmd(t *testing.T) {
	tests := []struct {
		name     string
		ctx      execcontext.Context
		cmd      []string
		expected string
	}{
		{
			name:     "plain words are not quoted",
			ctx:      execcontext.Empty(),
			cmd:      []string{"qm", "status", "101"},
			expected: "qm status 101",
		},
		{
			name:     "operators are kept verbatim",
			ctx:      execcontext.Empty(),
			cmd:      []string{"qm", "stop", "101", "--skiplock", "||", "true"},
			expected: "qm stop 101 --skiplock || true",
		},
		{
			name:     "spaces and quotes are escaped",
			ctx:      execcontext.Empty(),
			cmd:      []string{"echo", "it's done"},
			expected: `echo 'it'\''s done'`,
		},
		{
			name:     "envs are sorted and prefix is applied",
			ctx:      execcontext.New(map[string]string{"B": "2", "A": "x y"}, []string{"sudo", "-n"}),
			cmd:      []string{"true"},
			expected: "A='x y' B=2 sudo -n true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, execcontext.FormatCmd(tt.ctx, tt.cmd...))
		})
	}
}

func TestFormatScript(t *testing.T) {
	t.Run("no prefix exports envs before the script", func(t *testing.T) {
		ctx := execcontext.New(map[string]string{"DISPLAY": ":0"}, nil)
		assert.Equal(t, "export DISPLAY=:0; gpg --version | head -1", execcontext.FormatScript(ctx, "gpg --version | head -1"))
	})

	t.Run("empty context returns script unchanged", func(t *testing.T) {
		assert.Equal(t, "ls -la", execcontext.FormatScript(execcontext.Empty(), "ls -la"))
	})

	t.Run("prefix wraps the script in sh -c", func(t *testing.T) {
		ctx := execcontext.New(map[string]string{"DISPLAY": ":0"}, []string{"sudo"})
		assert.Equal(t, "sudo env DISPLAY=:0 sh -c 'ls | wc -l'", execcontext.FormatScript(ctx, "ls | wc -l"))
	})
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "''", execcontext.Quote(""))
	assert.Equal(t, "abc", execcontext.Quote("abc"))
	assert.Equal(t, "'a b'", execcontext.Quote("a b"))
	assert.Equal(t, `'$HOME'`, execcontext.Quote("$HOME"))
}

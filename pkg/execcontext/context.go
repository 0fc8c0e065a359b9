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

// Package execcontext renders commands for execution on a remote shell.
package execcontext

import (
	"maps"
	"slices"
	"strings"
)

// Context carries the environment and command prefix applied to every remote command,
// e.g. {"DISPLAY": ":0"} and ["sudo", "-n"].
type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Empty returns a Context without environment or prefix.
func Empty() Context {
	return New(nil, nil)
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// FormatCmd renders cmd as a single shell line. Every argument is quoted except shell
// operators, so `qm clone 9000 101 && qm start 101` can be passed as separate words.
func FormatCmd(ctx Context, cmd ...string) string {
	var sb strings.Builder

	writeEnvs(&sb, ctx)

	for _, s := range ctx.PrependCmd() {
		appendWord(&sb, s)
	}

	for _, s := range cmd {
		appendWord(&sb, s)
	}

	return strings.TrimSpace(sb.String())
}

// FormatScript renders a raw shell script. The script is not quoted word by word; envs are
// exported for the whole script, and when a prefix is configured the script is wrapped in
// `sh -c` so the prefix applies to all of it.
func FormatScript(ctx Context, script string) string {
	prepend := ctx.PrependCmd()
	if len(prepend) == 0 {
		envs := ctx.Envs()
		if len(envs) == 0 {
			return script
		}
		var sb strings.Builder
		for _, k := range slices.Sorted(maps.Keys(envs)) {
			sb.WriteString("export " + k + "=" + Quote(envs[k]) + "; ")
		}
		sb.WriteString(script)
		return sb.String()
	}

	var sb strings.Builder
	for _, s := range prepend {
		appendWord(&sb, s)
	}
	if envs := ctx.Envs(); len(envs) > 0 {
		sb.WriteString("env ")
		for _, k := range slices.Sorted(maps.Keys(envs)) {
			sb.WriteString(k + "=" + Quote(envs[k]) + " ")
		}
	}
	sb.WriteString("sh -c ")
	sb.WriteString(Quote(script))
	return sb.String()
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuoting) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var unquotable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"|":  {},
	"&":  {},
}

func appendWord(sb *strings.Builder, s string) {
	if _, ok := unquotable[s]; ok {
		sb.WriteString(s + " ")
		return
	}
	sb.WriteString(Quote(s) + " ")
}

func writeEnvs(sb *strings.Builder, ctx Context) {
	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		sb.WriteString(k + "=" + Quote(envs[k]) + " ")
	}
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./:=,@%+", r):
		return false
	}
	return true
}

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

package probe

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/execcontext"
)

const (
	DefaultDisplay         = ":0"
	DefaultReadTextCommand = "xdotool getwindowname {window}"
	DefaultScreenshotDir   = "/tmp/vmconform"

	defaultGUICommandTimeout = 10 * time.Second
	windowPlaceholder        = "{window}"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// GUIOptions configures the xdotool driver.
type GUIOptions struct {
	// Display is exported as DISPLAY for every GUI command.
	Display string
	// ReadTextCommand prints the text of a window. {window} is replaced by the window ID.
	ReadTextCommand string
	// ScreenshotDir receives screenshots on the guest.
	ScreenshotDir string
	// CommandTimeout bounds every xdotool invocation.
	CommandTimeout time.Duration
}

func (o GUIOptions) withDefaults() GUIOptions {
	if o.Display == "" {
		o.Display = DefaultDisplay
	}
	if o.ReadTextCommand == "" {
		o.ReadTextCommand = DefaultReadTextCommand
	}
	if o.ScreenshotDir == "" {
		o.ScreenshotDir = DefaultScreenshotDir
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = defaultGUICommandTimeout
	}
	return o
}

// guiDriver sequences xdotool over the console channel.
type guiDriver struct {
	s    *session
	opts GUIOptions
	env  execcontext.Context
}

func newGUIDriver(s *session, opts GUIOptions) *guiDriver {
	opts = opts.withDefaults()
	return &guiDriver{
		s:    s,
		opts: opts,
		env:  execcontext.New(map[string]string{"DISPLAY": opts.Display}, nil),
	}
}

func (g *guiDriver) script(cmd ...string) string {
	return execcontext.FormatScript(g.env, execcontext.FormatCmd(execcontext.Empty(), cmd...))
}

func (g *guiDriver) run(ctx context.Context, script string) (Output, error) {
	return g.s.RunConsole(ctx, script, g.opts.CommandTimeout)
}

func (g *guiDriver) locate(ctx context.Context, matcher WindowMatcher) (WindowHandle, error) {
	args := []string{"xdotool", "search", "--onlyvisible"}
	if matcher.Class != "" {
		args = append(args, "--class", matcher.Class)
	} else {
		args = append(args, "--name", matcher.Title)
	}

	out, err := g.run(ctx, g.script(args...))
	if err != nil {
		return WindowHandle{}, err
	}
	ids := strings.Fields(out.Stdout)
	if out.ExitCode == 1 && len(ids) == 0 && strings.TrimSpace(out.Stderr) == "" {
		return WindowHandle{}, fmt.Errorf("%w: window %s", ErrElementNotFound, matcher)
	}
	if out.ExitCode != 0 {
		return WindowHandle{}, fmt.Errorf("xdotool search exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	for _, id := range ids {
		title, err := g.windowName(ctx, id)
		if err != nil {
			return WindowHandle{}, err
		}
		if matcher.Class == "" || matcher.Matches(title) {
			return WindowHandle{ID: id, Title: title}, nil
		}
	}
	return WindowHandle{}, fmt.Errorf("%w: window %s", ErrElementNotFound, matcher)
}

func (g *guiDriver) windowName(ctx context.Context, id string) (string, error) {
	out, err := g.run(ctx, g.script("xdotool", "getwindowname", id))
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		// The window closed between search and lookup.
		return "", nil
	}
	return strings.TrimSpace(out.Stdout), nil
}

func (g *guiDriver) interact(ctx context.Context, handle WindowHandle, action Action) (string, error) {
	activate := []string{"xdotool", "windowactivate", "--sync", handle.ID}

	var script string
	switch action.Kind {
	case ActionClick:
		script = g.script(append(activate,
			"mousemove", "--window", handle.ID, strconv.Itoa(action.X), strconv.Itoa(action.Y),
			"click", "1")...)
	case ActionType:
		script = g.script(append(activate, "type", "--delay", "20", action.Text)...)
	case ActionKey:
		script = g.script(append(activate, "key", action.Key)...)
	case ActionReadText:
		cmd := strings.ReplaceAll(g.opts.ReadTextCommand, windowPlaceholder, execcontext.Quote(handle.ID))
		script = execcontext.FormatScript(g.env, cmd)
	default:
		return "", fmt.Errorf("unsupported GUI action %q", action.Kind)
	}

	out, err := g.run(ctx, script)
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		if strings.Contains(out.Stderr, "BadWindow") {
			return "", fmt.Errorf("%w: window %s is gone", ErrElementNotFound, handle.ID)
		}
		return "", fmt.Errorf("%s on window %s exited %d: %s",
			action.Kind, handle.ID, out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	if action.Kind == ActionReadText {
		return strings.TrimSpace(out.Stdout), nil
	}
	return "", nil
}

// screenshot captures the root window to the guest and returns a vm:// reference to the file.
func (g *guiDriver) screenshot(ctx context.Context, name string) (string, error) {
	name = unsafeNameChars.ReplaceAllString(name, "_")
	if name == "" {
		name = "screenshot"
	}
	file := path.Join(g.opts.ScreenshotDir, name+".png")

	cmd := execcontext.FormatCmd(execcontext.Empty(),
		"mkdir", "-p", g.opts.ScreenshotDir, "&&", "import", "-window", "root", file)
	out, err := g.run(ctx, execcontext.FormatScript(g.env, cmd))
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("screenshot exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return fmt.Sprintf("vm://%s%s", g.s.conn.Addr(), file), nil
}

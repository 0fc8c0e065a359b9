//go:build unit

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

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/vmconform/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmconform/pkg/history"
	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"github.com/alexandremahdhaoui/vmconform/pkg/supervisor"
	"github.com/alexandremahdhaoui/vmconform/pkg/testcase"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smokeSuite = `
name: smoke
baselines:
  - label: clean
tests:
  - id: T1
    modality: console
    console: {command: "gpg --version"}
    expect: {exitCode: 0}
  - id: T2
    modality: console
    isolation: requires-rollback
    precondition: {after: [T1]}
    console: {command: "gpg --import key.asc"}
    expect: {exitCode: 0}
`

const unsatisfiableSuite = `
name: broken
tests:
  - id: T1
    modality: console
    precondition: {after: [T9]}
    console: {command: "true"}
    expect: {exitCode: 0}
`

func writeSuite(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// execute runs the root command with fresh flag values.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(ConfigPathEnvKey, "")

	cfgFile, logLevel = "", ""
	runRepeat, runFormat, runDryRun = 1, string(report.FormatText), false
	historyLimit, historySuite, historyRun, historyTest = history.DefaultLimit, "", "", ""
	listDir = "."
	proxmoxDryRun, proxmoxStorage, proxmoxForceRemount = false, "", false
	deployTemplateID, deploySnapshot, deployVMID, deployNode = 0, "", 0, ""
	deployMemoryMB, deployForce, deployAddressTimeout = defaultDeployMemoryMB, false, time.Minute

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: 0},
		{name: "failed run", err: withCode(report.ExitFailed, nil), want: 1},
		{name: "errored run", err: withCode(report.ExitErrored, errors.New("boom")), want: 2},
		{name: "plain error is a usage error", err: errors.New("bad flag"), want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			assert.Equal(t, tt.want, exitCode(&buf, tt.err))
		})
	}

	assert.NoError(t, withCode(report.ExitPassed, nil))
}

func TestIsReadOnly(t *testing.T) {
	tests := []struct {
		cmd  []string
		want bool
	}{
		{cmd: []string{"cat", "/etc/pve/qemu-server/101.conf"}, want: true},
		{cmd: []string{"sh", "-c", "ls /etc/pve/qemu-server/*.conf"}, want: true},
		{cmd: []string{"sh", "-c", "mount | grep ' /mnt/ram ' || true"}, want: true},
		{cmd: []string{"qm", "list"}, want: true},
		{cmd: []string{"qm", "destroy", "101", "--skiplock", "--purge"}, want: false},
		{cmd: []string{"sh", "-c", "umount /mnt/ram || true"}, want: false},
		{cmd: []string{"mount", "-t", "tmpfs", "tmpfs", "/mnt/ram"}, want: false},
		{cmd: nil, want: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isReadOnly(tt.cmd), "%v", tt.cmd)
	}
}

func TestLoadSuites_JoinsEveryProblem(t *testing.T) {
	dir := t.TempDir()
	good := writeSuite(t, dir, "smoke.yaml", smokeSuite)
	broken := writeSuite(t, dir, "broken.yaml", unsatisfiableSuite)

	_, _, err := loadSuites([]string{good, broken, filepath.Join(dir, "missing.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "T9")
	assert.Contains(t, err.Error(), "missing.yaml")

	suites, plans, err := loadSuites([]string{good})
	require.NoError(t, err)
	require.Len(t, suites, 1)
	assert.Equal(t, []string{"T1", "T2"}, plans[0].IDs())
}

func TestRepeatSuites(t *testing.T) {
	a, b := &testcase.Suite{Name: "a"}, &testcase.Suite{Name: "b"}

	got := repeatSuites([]*testcase.Suite{a, b}, 2)
	assert.Equal(t, []*testcase.Suite{a, b, a, b}, got)
}

func TestPlanCommand(t *testing.T) {
	path := writeSuite(t, t.TempDir(), "smoke.yaml", smokeSuite)

	out, err := execute(t, "plan", path)
	require.NoError(t, err)

	assert.Contains(t, out, "Suite: smoke (2 tests, baselines: clean)")
	assert.Contains(t, out, "T1")
	assert.Contains(t, out, "requires-rollback")
}

func TestRunDryRun(t *testing.T) {
	path := writeSuite(t, t.TempDir(), "smoke.yaml", smokeSuite)

	out, err := execute(t, "run", "--dry-run", path)
	require.NoError(t, err, "a dry run needs neither a template nor credentials")
	assert.Contains(t, out, "Suite: smoke")
}

func TestRunRejectsInvalidSuiteBeforeConnecting(t *testing.T) {
	path := writeSuite(t, t.TempDir(), "broken.yaml", unsatisfiableSuite)

	_, err := execute(t, "run", path)
	require.Error(t, err)
	var buf bytes.Buffer
	assert.Equal(t, report.ExitUsage, exitCode(&buf, err))
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeSuite(t, dir, "smoke.yaml", smokeSuite)
	broken := writeSuite(t, dir, "broken.yaml", unsatisfiableSuite)

	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ "+good+": smoke, 2 tests")

	out, err = execute(t, "validate", good, broken)
	require.Error(t, err)
	var buf bytes.Buffer
	assert.Equal(t, report.ExitUsage, exitCode(&buf, err))
	assert.Contains(t, out, "✗ "+broken)
}

func TestListCommand(t *testing.T) {
	dir := t.TempDir()
	writeSuite(t, dir, "smoke.yaml", smokeSuite)
	writeSuite(t, dir, "junk.yml", "tests: [")

	out, err := execute(t, "list", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "smoke")
	assert.Contains(t, out, "(invalid)")
}

func TestProxmoxCommandsRequireProxmox(t *testing.T) {
	_, err := execute(t, "proxmox", "purge")
	assert.ErrorIs(t, err, errNotProxmox)
}

const deployConfig = `hypervisor:
  driver: proxmox
  proxmox:
    node: pve9
    nodes:
      pve9: {host: 10.0.0.9, user: root, keyPath: /root/.ssh/id_ed25519, storage: ram, storagePath: /mnt/ram}
      pve8: {host: 10.0.0.8, user: root, keyPath: /root/.ssh/id_ed25519, storage: ram, storagePath: /mnt/ram}
`

const guestInterfaces = `[{"name": "eth0", "ip-addresses": [{"ip-address": "10.20.0.14", "ip-address-type": "ipv4"}]}]`

// nodeStub records the commands sent to a Proxmox node and answers them by prefix.
type nodeStub struct {
	mu       sync.Mutex
	node     string
	replies  map[string]string
	failures map[string]string
	commands []string
}

func (n *nodeStub) Run(_ context.Context, cmd ...string) (string, string, error) {
	line := strings.Join(cmd, " ")

	n.mu.Lock()
	defer n.mu.Unlock()
	n.commands = append(n.commands, line)
	for prefix, stderr := range n.failures {
		if strings.HasPrefix(line, prefix) {
			return "", stderr, &ssh.ExitError{Code: 2, Stderr: stderr}
		}
	}
	for prefix, stdout := range n.replies {
		if strings.HasPrefix(line, prefix) {
			return stdout, "", nil
		}
	}
	return "", "", nil
}

func (n *nodeStub) ran(prefix string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// useNode routes the Proxmox commands to stub and returns the config path to pass.
func useNode(t *testing.T, stub *nodeStub) string {
	t.Helper()
	original := dialNode
	t.Cleanup(func() { dialNode = original })
	dialNode = func(_ context.Context, name string, _ ProxmoxNode) (ssh.Runner, error) {
		stub.node = name
		return stub, nil
	}
	return writeSuite(t, t.TempDir(), "config.yaml", deployConfig)
}

func TestProxmoxDeploy(t *testing.T) {
	missing := "Configuration file 'nodes/pve9/qemu-server/150.conf' does not exist"

	t.Run("fresh clone reports its address", func(t *testing.T) {
		stub := &nodeStub{
			replies: map[string]string{
				"sh -c mount | grep":                      "tmpfs on /mnt/ram type tmpfs (rw)",
				"qm guest cmd 150 network-get-interfaces": guestInterfaces,
			},
			failures: map[string]string{"qm status 150": missing},
		}
		configPath := useNode(t, stub)

		out, err := execute(t, "--config", configPath, "proxmox", "deploy",
			"--tmpl-id", "9000", "--snap", "base", "--new-id", "150")
		require.NoError(t, err)

		assert.Equal(t, "VM 150 on pve9\nAddress: 10.20.0.14\n", out)
		assert.True(t, stub.ran("qm clone 9000 150 --name vmconform-150 --snapname base --storage ram"))
		assert.True(t, stub.ran("qm set 150 --cpu host --agent 1 --memory 8192"))
		assert.True(t, stub.ran("qm start 150"))
		assert.False(t, stub.ran("qm destroy 150"))
	})

	t.Run("existing VM needs --force", func(t *testing.T) {
		stub := &nodeStub{replies: map[string]string{"qm status 150": "status: running"}}
		configPath := useNode(t, stub)

		_, err := execute(t, "--config", configPath, "proxmox", "deploy",
			"--tmpl-id", "9000", "--snap", "base", "--new-id", "150")
		require.ErrorIs(t, err, errVMExists)
		assert.False(t, stub.ran("qm clone"))
	})

	t.Run("--force replaces the existing VM", func(t *testing.T) {
		stub := &nodeStub{replies: map[string]string{
			"qm status 150": "status: running",
			"qm guest cmd":  guestInterfaces,
		}}
		configPath := useNode(t, stub)

		_, err := execute(t, "--config", configPath, "proxmox", "deploy",
			"--tmpl-id", "9000", "--snap", "base", "--new-id", "150", "--force", "--memory", "4096")
		require.NoError(t, err)

		assert.True(t, stub.ran("qm stop 150 --skiplock"))
		assert.True(t, stub.ran("qm destroy 150 --skiplock --purge"))
		assert.True(t, stub.ran("qm set 150 --cpu host --agent 1 --memory 4096"))
	})

	t.Run("--node selects another configured node", func(t *testing.T) {
		stub := &nodeStub{failures: map[string]string{"qm status 150": missing}}
		configPath := useNode(t, stub)

		out, err := execute(t, "--config", configPath, "proxmox", "deploy", "--dry-run",
			"--tmpl-id", "9000", "--snap", "base", "--new-id", "150", "--node", "pve8")
		require.NoError(t, err)

		assert.Equal(t, "pve8", stub.node)
		assert.Equal(t, "VM 150 on pve8\nAddress: (none)\n", out)
		assert.False(t, stub.ran("qm clone"), "a dry run only forwards reads")
		assert.True(t, stub.ran("qm status 150"))
	})

	t.Run("unknown node", func(t *testing.T) {
		configPath := useNode(t, &nodeStub{})

		_, err := execute(t, "--config", configPath, "proxmox", "deploy",
			"--tmpl-id", "9000", "--snap", "base", "--new-id", "150", "--node", "pve1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `node "pve1" is not defined`)
	})
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	configPath := writeSuite(t, dir, "config.yaml", "history:\n  driver: sqlite\n  sqlite:\n    path: "+dbPath+"\n")

	store := history.NewStore(history.Config{Driver: history.DriverSQLite, SQLite: history.SQLiteConfig{Path: dbPath}}, logr.Discard())
	require.NoError(t, store.Start(context.Background()))
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	results := []report.TestResult{
		{TestID: "T1", Modality: "console", Outcome: report.OutcomePassed, Attempts: 1, StartedAt: started},
		{TestID: "T2", Modality: "console", Outcome: report.OutcomeErrored, Reason: "target-unreachable", Attempts: 3, StartedAt: started},
	}
	require.NoError(t, store.Record(context.Background(), &report.RunReport{
		RunID:      "smoke-1",
		Suite:      "smoke",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Status:     report.StatusErrored,
		Degraded:   true,
		Results:    results,
		Summary:    report.Summarize(results),
	}, ""))
	require.NoError(t, store.Stop())

	out, err := execute(t, "history", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "smoke-1")
	assert.Contains(t, out, "errored (degraded)")

	out, err = execute(t, "history", "--config", configPath, "--run", "smoke-1")
	require.NoError(t, err)
	assert.Contains(t, out, "target-unreachable")

	out, err = execute(t, "history", "--config", configPath, "--test", "T2")
	require.NoError(t, err)
	assert.Contains(t, out, "smoke-1")

	_, err = execute(t, "history", "--config", configPath, "--run", "nope")
	assert.ErrorIs(t, err, history.ErrRunNotFound)
}

func TestHistoryRequiresConfiguration(t *testing.T) {
	_, err := execute(t, "history")
	assert.ErrorIs(t, err, errNoHistory)
}

func TestPersist(t *testing.T) {
	dir := t.TempDir()
	c := NewDefaultConfig()
	c.Report.Dir = filepath.Join(dir, "reports")
	c.Report.Formats = []string{"json", "text"}
	c.History = &history.Config{Driver: history.DriverSQLite, SQLite: history.SQLiteConfig{Path: filepath.Join(dir, "h.db")}}

	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rep := &report.RunReport{RunID: "smoke-1", Suite: "smoke", StartedAt: started, FinishedAt: started, Status: report.StatusPassed}
	outcomes := []supervisor.Outcome{
		{Suite: "smoke", Report: rep},
		{Suite: "broken", Err: errors.New("waiting for a run slot: context canceled")},
	}

	reports := persist(context.Background(), c, outcomes, logr.Discard())
	require.Len(t, reports, 1)

	assert.FileExists(t, filepath.Join(c.Report.Dir, "smoke-1", "report.json"))
	assert.FileExists(t, filepath.Join(c.Report.Dir, "smoke-1", "report.txt"))

	store := history.NewStore(*c.History, logr.Discard())
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop() })
	run, _, err := store.GetRun(context.Background(), "smoke-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Report.Dir, "smoke-1"), run.ReportDir)

	var out bytes.Buffer
	require.NoError(t, printReports(&out, c, report.FormatJSON, reports))
	assert.Contains(t, out.String(), `"runId": "smoke-1"`)
}

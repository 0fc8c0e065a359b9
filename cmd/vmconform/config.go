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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/vmconform/internal/util/logging"
	"github.com/alexandremahdhaoui/vmconform/pkg/history"
	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"github.com/alexandremahdhaoui/vmconform/pkg/supervisor"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "VMCONFORM_CONFIG_PATH"

	DriverLibvirt = "libvirt"
	DriverProxmox = "proxmox"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the configuration for vmconform.
type Config struct {
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `json:"logLevel,omitempty"`

	// DevelopmentMode enables development logging
	DevelopmentMode bool `json:"developmentMode,omitempty"`

	Hypervisor    HypervisorConfig `json:"hypervisor"`
	Guest         GuestConfig      `json:"guest"`
	Run           RunConfig        `json:"run"`
	Report        ReportConfig     `json:"report"`
	History       *history.Config  `json:"history,omitempty"`
	MetricsServer MetricsServer    `json:"metricsServer"`
}

type HypervisorConfig struct {
	// Driver is libvirt or proxmox.
	Driver string `json:"driver"`

	// Timeout bounds every control-API call.
	Timeout metav1.Duration `json:"timeout"`

	// RateLimit is the number of control-API calls per second shared by every run.
	// Zero disables pacing.
	RateLimit float64 `json:"rateLimit"`
	Burst     int     `json:"burst"`

	// Attempts bounds the calls made for one operation failing transiently.
	Attempts int `json:"attempts"`

	Libvirt LibvirtConfig `json:"libvirt"`
	Proxmox ProxmoxConfig `json:"proxmox"`
}

type LibvirtConfig struct {
	URI         string `json:"uri,omitempty"`
	ImageDir    string `json:"imageDir"`
	BaseDir     string `json:"baseDir,omitempty"`
	NetworkMode string `json:"networkMode,omitempty"`
	NetworkName string `json:"networkName,omitempty"`

	// SeedGuestKey attaches a cloud-init seed authorizing guest.keyPath for guest.user
	// to every clone, for templates without a baked-in key.
	SeedGuestKey bool `json:"seedGuestKey,omitempty"`
}

type ProxmoxConfig struct {
	// Node selects the entry of Nodes that runs the VMs.
	Node            string                 `json:"node"`
	Nodes           map[string]ProxmoxNode `json:"nodes"`
	AddressPrefix   string                 `json:"addressPrefix,omitempty"`
	SnapshotVMState bool                   `json:"snapshotVMState,omitempty"`
}

// ProxmoxNode has no defaults: a missing required key is a configuration error.
type ProxmoxNode struct {
	Host          string `json:"host"`
	User          string `json:"user"`
	KeyPath       string `json:"keyPath"`
	Port          string `json:"port,omitempty"`
	Storage       string `json:"storage"`
	StoragePath   string `json:"storagePath"`
	RAMDiskSizeGB int    `json:"ramDiskSizeGB,omitempty"`

	// KnownHostsPath pins the node host key. Empty accepts any key.
	KnownHostsPath string `json:"knownHostsPath,omitempty"`
}

// missingKeys lists the required keys that are empty, sorted.
func (n ProxmoxNode) missingKeys() []string {
	var out []string
	for key, value := range map[string]string{
		"host":        n.Host,
		"user":        n.User,
		"keyPath":     n.KeyPath,
		"storage":     n.Storage,
		"storagePath": n.StoragePath,
	} {
		if value == "" {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// GuestConfig is how the probe reaches the VMs.
type GuestConfig struct {
	User             string          `json:"user"`
	KeyPath          string          `json:"keyPath"`
	Port             string          `json:"port,omitempty"`
	ReadinessTimeout metav1.Duration `json:"readinessTimeout"`
	PollInterval     metav1.Duration `json:"pollInterval"`

	Display           string          `json:"display,omitempty"`
	ReadTextCommand   string          `json:"readTextCommand,omitempty"`
	ScreenshotDir     string          `json:"screenshotDir,omitempty"`
	GUICommandTimeout metav1.Duration `json:"guiCommandTimeout,omitempty"`
}

type RunConfig struct {
	Template         string `json:"template"`
	TemplateSnapshot string `json:"templateSnapshot,omitempty"`
	MemoryMB         int    `json:"memoryMB,omitempty"`
	VCPUs            int    `json:"vcpus,omitempty"`

	// Lifecycle is per-run or shared.
	Lifecycle    string `json:"lifecycle"`
	SharedVMName string `json:"sharedVMName,omitempty"`

	// Teardown is destroy, stop or keep. Empty picks the lifecycle default.
	Teardown string `json:"teardown,omitempty"`

	Concurrency int `json:"concurrency"`
	// StepAttempts bounds how often an errored case is restored and re-run.
	StepAttempts int `json:"stepAttempts"`
	// ChannelAttempts bounds how often a command that never reached the guest is re-sent.
	ChannelAttempts int             `json:"channelAttempts"`
	CleanupTimeout  metav1.Duration `json:"cleanupTimeout"`
	TeardownTimeout metav1.Duration `json:"teardownTimeout"`
}

type ReportConfig struct {
	Dir     string   `json:"dir"`
	Formats []string `json:"formats"`

	// Color enables ANSI colors in the console summary.
	Color bool             `json:"color"`
	S3    *report.S3Config `json:"s3,omitempty"`
}

type MetricsServer struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path,omitempty"`
}

// NewDefaultConfig returns a Config with sensible defaults. It is not runnable as is: the
// template and the guest credentials have no default.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Hypervisor: HypervisorConfig{
			Driver:    DriverLibvirt,
			Timeout:   metav1.Duration{Duration: 2 * time.Minute},
			RateLimit: 5,
			Burst:     5,
			Attempts:  3,
		},
		Guest: GuestConfig{
			User:             "root",
			Port:             "22",
			ReadinessTimeout: metav1.Duration{Duration: 5 * time.Minute},
			PollInterval:     metav1.Duration{Duration: 3 * time.Second},
		},
		Run: RunConfig{
			MemoryMB:        2048,
			VCPUs:           2,
			Lifecycle:       string(supervisor.LifecyclePerRun),
			Concurrency:     supervisor.DefaultConcurrency,
			StepAttempts:    3,
			ChannelAttempts: 3,
			CleanupTimeout:  metav1.Duration{Duration: time.Minute},
			TeardownTimeout: metav1.Duration{Duration: supervisor.DefaultTeardownTimeout},
		},
		Report: ReportConfig{
			Dir:     "reports",
			Formats: []string{string(report.FormatJSON), string(report.FormatText)},
			Color:   true,
		},
		MetricsServer: MetricsServer{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// LoadConfig loads configuration from a YAML file path or returns defaults with env var
// overrides. If configPath is empty, it uses environment variables only.
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := yaml.UnmarshalStrict(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	// Override with environment variables (if set)
	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return config, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config
func (c *Config) applyEnvironmentOverrides() error {
	var errs []error

	strOverride := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	intOverride := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	strOverride(logging.EnvLevel, &c.LogLevel)
	if val := os.Getenv("VMCONFORM_DEV_MODE"); val != "" {
		c.DevelopmentMode = val == "true" || val == "1" || val == "yes"
	}
	strOverride("VMCONFORM_HYPERVISOR_DRIVER", &c.Hypervisor.Driver)
	strOverride("VMCONFORM_LIBVIRT_URI", &c.Hypervisor.Libvirt.URI)
	strOverride("VMCONFORM_PROXMOX_NODE", &c.Hypervisor.Proxmox.Node)
	strOverride("VMCONFORM_GUEST_USER", &c.Guest.User)
	strOverride("VMCONFORM_GUEST_KEY_PATH", &c.Guest.KeyPath)
	strOverride("VMCONFORM_TEMPLATE", &c.Run.Template)
	strOverride("VMCONFORM_LIFECYCLE", &c.Run.Lifecycle)
	intOverride("VMCONFORM_CONCURRENCY", &c.Run.Concurrency)
	strOverride("VMCONFORM_REPORT_DIR", &c.Report.Dir)
	if val := os.Getenv("VMCONFORM_S3_BUCKET"); val != "" {
		if c.Report.S3 == nil {
			c.Report.S3 = &report.S3Config{}
		}
		c.Report.S3.Bucket = val
	}
	intOverride("VMCONFORM_METRICS_PORT", &c.MetricsServer.Port)

	return errors.Join(errs...)
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	switch c.Hypervisor.Driver {
	case DriverLibvirt:
	case DriverProxmox:
		errs = append(errs, c.Hypervisor.Proxmox.validate()...)
	default:
		errs = append(errs, fmt.Errorf("hypervisor.driver must be %s or %s, got %q",
			DriverLibvirt, DriverProxmox, c.Hypervisor.Driver))
	}
	if c.Hypervisor.Attempts < 1 {
		errs = append(errs, errors.New("hypervisor.attempts must be at least 1"))
	}
	if c.Hypervisor.RateLimit < 0 {
		errs = append(errs, errors.New("hypervisor.rateLimit cannot be negative"))
	}

	switch supervisor.Lifecycle(c.Run.Lifecycle) {
	case supervisor.LifecyclePerRun, supervisor.LifecycleShared:
	default:
		errs = append(errs, fmt.Errorf("run.lifecycle must be %s or %s, got %q",
			supervisor.LifecyclePerRun, supervisor.LifecycleShared, c.Run.Lifecycle))
	}
	switch supervisor.TeardownMode(c.Run.Teardown) {
	case "", supervisor.TeardownDestroy, supervisor.TeardownStop, supervisor.TeardownKeep:
	default:
		errs = append(errs, fmt.Errorf("run.teardown must be destroy, stop or keep, got %q", c.Run.Teardown))
	}
	if c.Run.Concurrency < 1 {
		errs = append(errs, errors.New("run.concurrency must be at least 1"))
	}
	if c.Run.StepAttempts < 1 || c.Run.ChannelAttempts < 1 {
		errs = append(errs, errors.New("run.stepAttempts and run.channelAttempts must be at least 1"))
	}

	for name, d := range map[string]metav1.Duration{
		"hypervisor.timeout":     c.Hypervisor.Timeout,
		"guest.readinessTimeout": c.Guest.ReadinessTimeout,
		"guest.pollInterval":     c.Guest.PollInterval,
		"run.cleanupTimeout":     c.Run.CleanupTimeout,
		"run.teardownTimeout":    c.Run.TeardownTimeout,
	} {
		if d.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative", name))
		}
	}

	if c.Report.Dir == "" {
		errs = append(errs, errors.New("report.dir cannot be empty"))
	}
	for _, f := range c.Report.Formats {
		if _, err := report.ParseFormat(f); err != nil {
			errs = append(errs, fmt.Errorf("report.formats: %w", err))
		}
	}
	if c.Report.S3 != nil && c.Report.S3.Bucket == "" {
		errs = append(errs, errors.New("report.s3.bucket is required when report.s3 is set"))
	}

	if c.History != nil {
		errs = append(errs, c.History.Validate())
	}

	if c.MetricsServer.Enabled && (c.MetricsServer.Port <= 0 || c.MetricsServer.Port > 65535) {
		errs = append(errs, fmt.Errorf("metricsServer.port %d is out of range", c.MetricsServer.Port))
	}

	return errors.Join(errs...)
}

// ValidateForRun checks what is needed to drive VMs on top of Validate.
func (c *Config) ValidateForRun() error {
	var errs []error
	if c.Run.Template == "" {
		errs = append(errs, errors.New("run.template is required"))
	}
	if c.Guest.User == "" {
		errs = append(errs, errors.New("guest.user is required"))
	}
	if c.Guest.KeyPath == "" {
		errs = append(errs, errors.New("guest.keyPath is required"))
	}
	if c.Hypervisor.Driver == DriverLibvirt && c.Hypervisor.Libvirt.ImageDir == "" {
		errs = append(errs, errors.New("hypervisor.libvirt.imageDir is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (p ProxmoxConfig) validate() []error {
	var errs []error
	if len(p.Nodes) == 0 {
		return append(errs, errors.New("hypervisor.proxmox.nodes cannot be empty"))
	}

	names := make([]string, 0, len(p.Nodes))
	for name := range p.Nodes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if missing := p.Nodes[name].missingKeys(); len(missing) > 0 {
			errs = append(errs, fmt.Errorf("hypervisor.proxmox.nodes.%s: missing required keys: %s",
				name, strings.Join(missing, ", ")))
		}
		if p.Nodes[name].RAMDiskSizeGB < 0 {
			errs = append(errs, fmt.Errorf("hypervisor.proxmox.nodes.%s.ramDiskSizeGB cannot be negative", name))
		}
	}

	if p.Node == "" {
		errs = append(errs, errors.New("hypervisor.proxmox.node is required"))
	} else if _, ok := p.Nodes[p.Node]; !ok {
		errs = append(errs, fmt.Errorf("hypervisor.proxmox.node %q is not defined in nodes", p.Node))
	}
	return errs
}

// SelectedNode returns the configured Proxmox node.
func (p ProxmoxConfig) SelectedNode() (string, ProxmoxNode) {
	return p.Node, p.Nodes[p.Node]
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

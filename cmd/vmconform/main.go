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
	"io"
	"os"

	"github.com/alexandremahdhaoui/vmconform/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/vmconform/internal/util/logging"
	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
)

var (
	cfgFile  string
	logLevel string

	cfg *Config
	log = logr.Discard()
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// withCode returns err with an exit code, nil when code is 0 and err is nil.
func withCode(code int, err error) error {
	if code == report.ExitPassed && err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func main() {
	shutdown := gracefulshutdown.New("vmconform")
	err := rootCmd.ExecuteContext(shutdown.Context())
	shutdown.Stop()
	os.Exit(exitCode(os.Stderr, err))
}

// exitCode prints err and maps it to an exit code. Errors without a code are usage errors.
func exitCode(w io.Writer, err error) int {
	if err == nil {
		return report.ExitPassed
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			_, _ = fmt.Fprintf(w, "Error: %v\n", ee.err)
		}
		return ee.code
	}

	_, _ = fmt.Fprintf(w, "Error: %v\n", err)
	return report.ExitUsage
}

var rootCmd = &cobra.Command{
	Use:   "vmconform",
	Short: "Run conformance test suites against ephemeral virtual machines",
	Long: `vmconform drives console and GUI test cases against VMs cloned from a template.
Every case starts from a known snapshot, results are collected even when the VM or the
hypervisor fails, and the run produces JSON and text reports.

Exit codes: 0 passed, 1 failed, 2 errored, 3 invalid invocation or suite.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		path := cfgFile
		if path == "" {
			path = os.Getenv(ConfigPathEnvKey)
		}
		loaded, err := LoadConfig(path)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}

		level, err := logging.ParseLevel(loaded.LogLevel)
		if err != nil {
			return err
		}
		cfg = loaded
		log = logging.Setup(logging.Options{
			Development: cfg.DevelopmentMode,
			Level:       level,
			Output:      cmd.ErrOrStderr(),
		})
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "vmconform %s (commit %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file path (defaults to $"+ConfigPathEnvKey+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error); overrides the config file")

	rootCmd.AddCommand(versionCmd)
}

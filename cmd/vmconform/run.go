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
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/history"
	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"github.com/alexandremahdhaoui/vmconform/pkg/supervisor"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// persistTimeout bounds writing, uploading and indexing reports once the runs are over.
const persistTimeout = 2 * time.Minute

var (
	runRepeat int
	runFormat string
	runDryRun bool
)

var runCmd = &cobra.Command{
	Use:   "run <suite.yaml>...",
	Short: "Run test suites, each on its own VM",
	Long: `Run loads and validates every suite, then runs them in parallel up to the configured
concurrency. Each run clones (or adopts) a VM, establishes its baseline snapshots, executes
the planned cases and tears the VM down. The exit code is the worst status of all runs.

With --dry-run nothing is sent to the hypervisor: the plans are printed instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSuites,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runRepeat, "repeat", 1, "run every suite N times")
	runCmd.Flags().StringVar(&runFormat, "format", string(report.FormatText),
		"console output format (json, text)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "validate and print the plans without touching the hypervisor")
}

func runSuites(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	format, err := report.ParseFormat(runFormat)
	if err != nil {
		return err
	}
	if runRepeat < 1 {
		return fmt.Errorf("--repeat must be at least 1, got %d", runRepeat)
	}

	suites, plans, err := loadSuites(args)
	if err != nil {
		return err
	}

	if runDryRun {
		for i, suite := range suites {
			if err := printPlan(out, suite, plans[i]); err != nil {
				return err
			}
		}
		return nil
	}

	if err := cfg.ValidateForRun(); err != nil {
		return err
	}

	hv, err := newHypervisor(ctx, cfg, log)
	if err != nil {
		return withCode(report.ExitErrored, fmt.Errorf("connecting to hypervisor: %w", err))
	}
	defer func() {
		if err := hv.Close(); err != nil {
			log.Error(err, "closing hypervisor connection")
		}
	}()

	prober, err := newProber(cfg, hv, log)
	if err != nil {
		return withCode(report.ExitErrored, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := supervisor.NewMetrics(reg)
	if cfg.MetricsServer.Enabled {
		stop := serveMetrics(setupMetricsServer(cfg, reg), log)
		defer stop()
	}

	sup := newSupervisor(cfg, hv, prober, metrics, log)
	fleet := supervisor.NewFleet(sup, cfg.Run.Concurrency)

	log.Info("starting runs", "suites", len(suites), "repeat", runRepeat, "concurrency", cfg.Run.Concurrency)
	outcomes := fleet.Run(ctx, repeatSuites(suites, runRepeat))

	// Reports are persisted even when the runs were cancelled.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	reports := persist(persistCtx, cfg, outcomes, log)
	if err := printReports(out, cfg, format, reports); err != nil {
		return withCode(report.ExitErrored, err)
	}

	return withCode(report.ExitCode(supervisor.Worst(outcomes)), errors.Join(outcomeErrors(outcomes)...))
}

func outcomeErrors(outcomes []supervisor.Outcome) []error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("suite %s: %w", o.Suite, o.Err))
		}
	}
	return errs
}

// persist writes the report files, then uploads and indexes them when configured. Failures
// are logged: they never change the outcome of a run.
func persist(ctx context.Context, c *Config, outcomes []supervisor.Outcome, log logr.Logger) []*report.RunReport {
	reporter := report.NewReporter(c.Report.Dir)
	formats := make([]report.Format, 0, len(c.Report.Formats))
	for _, f := range c.Report.Formats {
		// Validated with the configuration.
		format, _ := report.ParseFormat(f)
		formats = append(formats, format)
	}

	var publisher report.Publisher
	if c.Report.S3 != nil {
		p, err := report.NewS3Publisher(*c.Report.S3, log)
		if err != nil {
			log.Error(err, "report publishing disabled")
		} else {
			publisher = p
		}
	}

	var store history.Store
	if c.History != nil {
		s := history.NewStore(*c.History, log)
		if err := s.Start(ctx); err != nil {
			log.Error(err, "run history disabled")
		} else {
			store = s
			defer func() {
				if err := s.Stop(); err != nil {
					log.Error(err, "closing run history")
				}
			}()
		}
	}

	var reports []*report.RunReport
	for _, o := range outcomes {
		if o.Report == nil {
			log.Error(o.Err, "run did not start", "suite", o.Suite)
			continue
		}
		reports = append(reports, o.Report)
		runLog := log.WithValues("run", o.Report.RunID)

		dir := ""
		if len(formats) > 0 {
			paths, err := reporter.Write(o.Report, formats...)
			if err != nil {
				runLog.Error(err, "writing report")
			} else {
				dir = reporter.Dir(o.Report.RunID)
				runLog.Info("report written", "files", paths)
			}
		}

		if publisher != nil && dir != "" {
			urls, err := publisher.Publish(ctx, o.Report.RunID, dir)
			if err != nil {
				runLog.Error(err, "publishing report")
			} else {
				runLog.Info("report published", "objects", urls)
			}
		}

		if store != nil {
			if err := store.Record(ctx, o.Report, dir); err != nil {
				runLog.Error(err, "recording run history")
			}
		}
	}
	return reports
}

func printReports(w io.Writer, c *Config, format report.Format, reports []*report.RunReport) error {
	reporter := report.NewReporter(c.Report.Dir)

	switch format {
	case report.FormatJSON:
		// One JSON document per run.
		for _, r := range reports {
			doc, err := reporter.Generate(r, report.FormatJSON)
			if err != nil {
				return err
			}
			if _, err := io.WriteString(w, doc); err != nil {
				return err
			}
		}
		return nil
	default:
		reporter.Color = c.Report.Color
		return reporter.PrintSummary(w, reports...)
	}
}

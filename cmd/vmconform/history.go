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
	"text/tabwriter"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/history"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historySuite string
	historyRun   string
	historyTest  string
)

var errNoHistory = errors.New("run history is not configured (set history in the config file)")

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List previous runs",
	Long: `History reads the run index. Without flags it lists the most recent runs; --run shows
the results of one run and --test the last outcomes of one test case across runs.`,
	Args: cobra.NoArgs,
	RunE: showHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", history.DefaultLimit, "maximum number of entries")
	historyCmd.Flags().StringVar(&historySuite, "suite", "", "only list runs of this suite")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "show the results of this run")
	historyCmd.Flags().StringVar(&historyTest, "test", "", "show the outcomes of this test case")
}

func showHistory(cmd *cobra.Command, _ []string) error {
	if cfg.History == nil {
		return errNoHistory
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	store := history.NewStore(*cfg.History, log)
	if err := store.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := store.Stop(); err != nil {
			log.Error(err, "closing run history")
		}
	}()

	switch {
	case historyRun != "":
		run, results, err := store.GetRun(ctx, historyRun)
		if err != nil {
			return err
		}
		return printRun(out, run, results)
	case historyTest != "":
		results, err := store.TestHistory(ctx, historyTest, historyLimit)
		if err != nil {
			return err
		}
		return printResults(out, results, true)
	default:
		runs, err := store.ListRuns(ctx, history.ListOptions{Suite: historySuite, Limit: historyLimit})
		if err != nil {
			return err
		}
		return printRuns(out, runs)
	}
}

func printRuns(w io.Writer, runs []history.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tSUITE\tSTATUS\tPASSED\tFAILED\tERRORED\tSKIPPED\tSTARTED\tDURATION")
	for _, r := range runs {
		status := r.Status
		if r.Degraded {
			status += " (degraded)"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.RunID, r.Suite, status, r.Passed, r.Failed, r.Errored, r.Skipped,
			r.StartedAt.Local().Format(time.DateTime), r.Duration().Round(time.Second))
	}
	return tw.Flush()
}

func printRun(w io.Writer, run *history.Run, results []history.Result) error {
	_, _ = fmt.Fprintf(w, "Run:      %s\nSuite:    %s\nStatus:   %s\nStarted:  %s\nDuration: %s\n",
		run.RunID, run.Suite, run.Status,
		run.StartedAt.Local().Format(time.DateTime), run.Duration().Round(time.Second))
	if run.ReportDir != "" {
		_, _ = fmt.Fprintf(w, "Reports:  %s\n", run.ReportDir)
	}
	for _, e := range run.Errors() {
		_, _ = fmt.Fprintf(w, "Error:    %s\n", e)
	}
	_, _ = fmt.Fprintln(w)
	return printResults(w, results, false)
}

func printResults(w io.Writer, results []history.Result, withRun bool) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No results recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := "TEST\tMODALITY\tOUTCOME\tREASON\tATTEMPTS\tDURATION"
	if withRun {
		header = "RUN\t" + header
	}
	_, _ = fmt.Fprintln(tw, header)
	for _, r := range results {
		reason := r.Reason
		if reason == "" {
			reason = "-"
		}
		if withRun {
			_, _ = fmt.Fprintf(tw, "%s\t", r.RunID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.TestID, r.Modality, r.Outcome, reason, r.Attempts,
			(time.Duration(r.DurationMS) * time.Millisecond).String())
	}
	return tw.Flush()
}

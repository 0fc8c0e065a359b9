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
	"text/tabwriter"

	"github.com/alexandremahdhaoui/vmconform/pkg/report"
	"github.com/alexandremahdhaoui/vmconform/pkg/testcase"
	"github.com/spf13/cobra"
)

var listDir string

var planCmd = &cobra.Command{
	Use:   "plan <suite.yaml>",
	Short: "Print the scheduled plan of a suite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		suite, plan, err := loadSuite(args[0])
		if err != nil {
			return err
		}
		return printPlan(cmd.OutOrStdout(), suite, plan)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <suite.yaml>...",
	Short: "Check suites without running them",
	Long: `Validate parses every suite, checks its schema and schedules it. Every problem of
every file is reported; the exit code is 3 when any suite is invalid.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		var errs []error
		for _, path := range args {
			suite, plan, err := loadSuite(path)
			if err != nil {
				_, _ = fmt.Fprintf(out, "✗ %s\n", path)
				errs = append(errs, err)
				continue
			}
			_, _ = fmt.Fprintf(out, "✓ %s: %s, %d tests\n", path, suite.Name, len(plan.Steps))
		}
		if err := errors.Join(errs...); err != nil {
			return withCode(report.ExitUsage, err)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the suites of a directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := testcase.List(listDir)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No suites found in %s\n", listDir)
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "NAME\tTESTS\tBASELINES\tPATH")
		for _, path := range paths {
			suite, err := testcase.Load(path)
			if err != nil {
				log.V(1).Info("invalid suite", "path", path, "err", err.Error())
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", "(invalid)", "-", "-", path)
				continue
			}
			_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", suite.Name, len(suite.Cases), len(suite.Baselines), path)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(planCmd, validateCmd, listCmd)
	listCmd.Flags().StringVar(&listDir, "dir", ".", "directory holding suite files")
}

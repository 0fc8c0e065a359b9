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

package report

import (
	"fmt"
	"strings"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

type palette struct {
	enabled bool
}

func (p palette) paint(color, s string) string {
	if !p.enabled {
		return s
	}
	return color + s + colorReset
}

func (p palette) status(s Status) string {
	switch s {
	case StatusPassed:
		return p.paint(colorGreen, "✓ PASSED")
	case StatusFailed:
		return p.paint(colorRed, "✗ FAILED")
	default:
		return p.paint(colorYellow, "⚠ ERRORED")
	}
}

func (p palette) outcome(o Outcome) string {
	switch o {
	case OutcomePassed:
		return p.paint(colorGreen, "✓")
	case OutcomeFailed:
		return p.paint(colorRed, "✗")
	case OutcomeErrored:
		return p.paint(colorYellow, "⚠")
	default:
		return p.paint(colorGray, "-")
	}
}

// formatText generates a human-readable report.
func formatText(r *RunReport, p palette) string {
	var sb strings.Builder

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	sb.WriteString("CONFORMANCE RUN REPORT\n")
	sb.WriteString(strings.Repeat("=", 80) + "\n\n")

	sb.WriteString("SUMMARY\n")
	sb.WriteString(strings.Repeat("-", 7) + "\n")
	fmt.Fprintf(&sb, "Suite:    %s\n", r.Suite)
	fmt.Fprintf(&sb, "Run ID:   %s\n", r.RunID)
	fmt.Fprintf(&sb, "Status:   %s\n", p.status(r.Status))
	if r.Degraded {
		fmt.Fprintf(&sb, "Degraded: %s\n", p.paint(colorYellow, "yes (retries did not recover every errored test)"))
	}
	fmt.Fprintf(&sb, "Duration: %.2fs\n", r.Duration().Seconds())
	fmt.Fprintf(&sb, "Started:  %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Finished: %s\n\n", r.FinishedAt.Format(time.RFC3339))

	sb.WriteString("RESULTS\n")
	sb.WriteString(strings.Repeat("-", 7) + "\n")
	for i, res := range r.Results {
		fmt.Fprintf(&sb, "[%d/%d] %s %s (%s, %.2fs",
			i+1, len(r.Results), p.outcome(res.Outcome), res.TestID, res.Modality, res.Duration.Seconds())
		if res.Attempts > 1 {
			fmt.Fprintf(&sb, ", %d attempts", res.Attempts)
		}
		sb.WriteString(")\n")
		if res.Reason != "" {
			fmt.Fprintf(&sb, "  Reason:     %s\n", res.Reason)
		}
		if res.Detail != "" {
			fmt.Fprintf(&sb, "  Detail:     %s\n", wrapText(res.Detail, 14))
		}
		if res.Evidence.ExitCode != nil && res.Outcome != OutcomePassed {
			fmt.Fprintf(&sb, "  Exit code:  %d\n", *res.Evidence.ExitCode)
		}
		if res.Evidence.Screenshot != "" {
			fmt.Fprintf(&sb, "  Screenshot: %s\n", res.Evidence.Screenshot)
		}
	}
	sb.WriteString("\n")

	sb.WriteString("COUNTS\n")
	sb.WriteString(strings.Repeat("-", 6) + "\n")
	fmt.Fprintf(&sb, "Total:   %d\n", r.Summary.Total)
	fmt.Fprintf(&sb, "Passed:  %d\n", r.Summary.Passed)
	fmt.Fprintf(&sb, "Failed:  %d (defects found)\n", r.Summary.Failed)
	fmt.Fprintf(&sb, "Errored: %d (could not be evaluated)\n", r.Summary.Errored)
	fmt.Fprintf(&sb, "Skipped: %d\n\n", r.Summary.Skipped)

	if len(r.Errors) > 0 {
		sb.WriteString("RUN ERRORS\n")
		sb.WriteString(strings.Repeat("-", 10) + "\n")
		for i, err := range r.Errors {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, wrapText(err, 4))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&sb, "RUN RESULT: %s\n", p.status(r.Status))
	sb.WriteString(strings.Repeat("=", 80) + "\n")
	return sb.String()
}

// wrapText wraps text at word boundaries with indentation
func wrapText(text string, indent int) string {
	if len(text) <= 64 {
		return text
	}

	var result strings.Builder
	words := strings.Fields(text)
	lineLen := 0
	indentStr := strings.Repeat(" ", indent)

	for i, word := range words {
		if i > 0 && lineLen+len(word)+1 > 64 {
			result.WriteString("\n" + indentStr)
			lineLen = 0
		} else if i > 0 {
			result.WriteString(" ")
			lineLen++
		}
		result.WriteString(word)
		lineLen += len(word)
	}

	return result.String()
}

// formatSummary formats one line per run for the console.
func formatSummary(reports []*RunReport, p palette) string {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString("RUN SUMMARY\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")

	statuses := make([]Status, 0, len(reports))
	for _, r := range reports {
		statuses = append(statuses, r.Status)
		degraded := ""
		if r.Degraded {
			degraded = " " + p.paint(colorYellow, "(degraded)")
		}
		fmt.Fprintf(&sb, "%s %s [%s] %d passed, %d failed, %d errored, %d skipped in %.2fs%s\n",
			p.status(r.Status), r.Suite, r.RunID,
			r.Summary.Passed, r.Summary.Failed, r.Summary.Errored, r.Summary.Skipped,
			r.Duration().Seconds(), degraded)
	}

	sb.WriteString(strings.Repeat("=", 60) + "\n")
	fmt.Fprintf(&sb, "Overall: %s\n", p.status(Worst(statuses...)))
	return sb.String()
}

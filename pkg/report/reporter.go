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
	"io"
	"os"
	"path/filepath"
)

// Format specifies the output format for reports
type Format string

const (
	// FormatJSON produces JSON-formatted reports
	FormatJSON Format = "json"
	// FormatText produces human-readable text reports
	FormatText Format = "text"
)

// ParseFormat validates a user supplied format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatText:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format %q, want %s or %s", s, FormatJSON, FormatText)
	}
}

func (f Format) filename() string {
	if f == FormatJSON {
		return "report.json"
	}
	return "report.txt"
}

// Reporter writes reports under <dir>/<runID>/.
type Reporter struct {
	dir string
	// Color enables ANSI colors in text output.
	Color bool
}

func NewReporter(dir string) *Reporter {
	return &Reporter{dir: dir}
}

// Generate renders r in the given format.
func (rp *Reporter) Generate(r *RunReport, format Format) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(r)
	case FormatText:
		return formatText(r, palette{enabled: rp.Color}), nil
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// Write renders r in every format and returns the written paths.
func (rp *Reporter) Write(r *RunReport, formats ...Format) ([]string, error) {
	reportDir := filepath.Join(rp.dir, r.RunID)
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}

	paths := make([]string, 0, len(formats))
	for _, format := range formats {
		// Files never carry colors.
		content, err := (&Reporter{dir: rp.dir}).Generate(r, format)
		if err != nil {
			return paths, fmt.Errorf("failed to generate report: %w", err)
		}
		path := filepath.Join(reportDir, format.filename())
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return paths, fmt.Errorf("failed to write report file: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Dir returns the directory holding the files of the run.
func (rp *Reporter) Dir(runID string) string {
	return filepath.Join(rp.dir, runID)
}

// PrintSummary prints a concise summary of the runs to w.
func (rp *Reporter) PrintSummary(w io.Writer, reports ...*RunReport) error {
	_, err := io.WriteString(w, formatSummary(reports, palette{enabled: rp.Color}))
	return err
}

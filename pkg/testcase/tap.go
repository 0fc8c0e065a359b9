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

package testcase

import (
	"fmt"
	"strconv"
	"strings"
)

// TAPSummary is the tally of a Test Anything Protocol stream.
type TAPSummary struct {
	// Planned is -1 when the stream has no plan line.
	Planned int
	Ran     int
	// Failed holds the "not ok" lines without a TODO or SKIP directive.
	Failed  []string
	BailOut string
}

// ParseTAP tallies a TAP stream. Lines that are not plan, result or bail-out lines are ignored.
func ParseTAP(stream string) TAPSummary {
	sum := TAPSummary{Planned: -1}

	for _, line := range strings.Split(stream, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "1.."):
			plan, _, _ := strings.Cut(strings.TrimPrefix(line, "1.."), " ")
			if n, err := strconv.Atoi(plan); err == nil {
				sum.Planned = n
			}
		case strings.HasPrefix(line, "Bail out!"):
			sum.BailOut = strings.TrimSpace(strings.TrimPrefix(line, "Bail out!"))
			if sum.BailOut == "" {
				sum.BailOut = "bail out"
			}
		case strings.HasPrefix(line, "not ok"):
			sum.Ran++
			if !hasDirective(line) {
				sum.Failed = append(sum.Failed, line)
			}
		case line == "ok" || strings.HasPrefix(line, "ok "):
			sum.Ran++
		}
	}
	return sum
}

func hasDirective(line string) bool {
	_, comment, ok := strings.Cut(line, "#")
	if !ok {
		return false
	}
	comment = strings.ToUpper(strings.TrimSpace(comment))
	return strings.HasPrefix(comment, "TODO") || strings.HasPrefix(comment, "SKIP")
}

// OK reports whether every test passed and the plan, if any, was met.
func (s TAPSummary) OK() bool {
	if s.BailOut != "" || len(s.Failed) > 0 {
		return false
	}
	if s.Planned >= 0 {
		return s.Ran == s.Planned
	}
	return s.Ran > 0
}

func (s TAPSummary) String() string {
	switch {
	case s.BailOut != "":
		return "bailed out: " + s.BailOut
	case len(s.Failed) > 0:
		return fmt.Sprintf("%d of %d failed, first: %s", len(s.Failed), s.Ran, s.Failed[0])
	case s.Planned >= 0 && s.Ran != s.Planned:
		return fmt.Sprintf("planned %d, ran %d", s.Planned, s.Ran)
	case s.Planned < 0 && s.Ran == 0:
		return "no test results"
	}
	return fmt.Sprintf("%d passed", s.Ran)
}

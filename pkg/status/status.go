// Package status turns uploaded form fields and embedded report files into
// a canonical test-outcome and pipeline summary.
package status

import (
	"regexp"
	"strconv"
	"strings"
)

// Pipeline result codes.
const (
	PipelineSuccess = 0
	PipelineFailure = 1
)

// outcomes lists the counter names in the order they are reported.
var outcomes = []string{"failed", "broken", "passed", "skipped", "unknown"}

// metricPatterns holds one launch_status_<outcome> matcher per outcome.
var metricPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(outcomes))
	for _, name := range outcomes {
		m[name] = regexp.MustCompile(`(?m)^[ \t]*launch_status_` + name + `[ \t]+(\d+)`)
	}

	return m
}()

// Counters are the five test-outcome tallies of a report.
type Counters struct {
	Failed  int `json:"failed"`
	Broken  int `json:"broken"`
	Passed  int `json:"passed"`
	Skipped int `json:"skipped"`
	Unknown int `json:"unknown"`
}

// Pipeline identifies the CI run that produced a report.
type Pipeline struct {
	Name       *string `json:"pipeline_name"`
	URL        *string `json:"pipeline_url"`
	BuildOrder *int64  `json:"pipeline_build_order"`
}

// Summary is the canonical status record persisted alongside a report.
type Summary struct {
	Counters
	Pipeline
	// Result is the pipeline result code; nil means unknown.
	Result *int `json:"pipeline_status"`
}

// Fields are the raw, caller-supplied multipart form values.
type Fields struct {
	Failed             string
	Broken             string
	Passed             string
	Skipped            string
	Unknown            string
	PipelineStatus     string
	PipelineURL        string
	PipelineName       string
	PipelineBuildOrder string
}

// FromFields builds a summary from caller-supplied form values. Blank or
// non-numeric counters become 0, blank identity fields become nil. The
// build order is an integer column, so a value that does not parse as an
// int64 is recorded as nil. When
// assumeSuccess is set a missing pipeline status is recorded as success.
func FromFields(f Fields, assumeSuccess bool) Summary {
	s := Summary{
		Counters: Counters{
			Failed:  parseCount(f.Failed),
			Broken:  parseCount(f.Broken),
			Passed:  parseCount(f.Passed),
			Skipped: parseCount(f.Skipped),
			Unknown: parseCount(f.Unknown),
		},
		Pipeline: Pipeline{
			Name:       optionalString(f.PipelineName),
			URL:        optionalString(f.PipelineURL),
			BuildOrder: optionalInt64(f.PipelineBuildOrder),
		},
	}

	if code, err := strconv.Atoi(strings.TrimSpace(f.PipelineStatus)); err == nil {
		s.Result = &code
	} else if assumeSuccess {
		code := PipelineSuccess
		s.Result = &code
	}

	return s
}

// ParseMetrics scrapes launch_status_<outcome> <value> lines from a
// metrics exposition file. Missing or malformed values are 0.
func ParseMetrics(text string) Counters {
	values := make(map[string]int, len(outcomes))

	for name, re := range metricPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}

		values[name] = parseCount(m[1])
	}

	return Counters{
		Failed:  values["failed"],
		Broken:  values["broken"],
		Passed:  values["passed"],
		Skipped: values["skipped"],
		Unknown: values["unknown"],
	}
}

// Resolve applies archive-derived data on top of the caller-supplied
// summary. Metrics replace all counters at once and an executor replaces
// all pipeline identity fields at once; nil leaves the base untouched.
func Resolve(base Summary, metrics *Counters, executor *Pipeline) Summary {
	out := base

	if metrics != nil {
		out.Counters = *metrics
	}

	if executor != nil {
		out.Pipeline = *executor
	}

	return out
}

func parseCount(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}

	return n
}

func optionalString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	return &s
}

// optionalInt64 parses a build order, returning nil when s is blank or not
// an integer.
func optionalInt64(s string) *int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil
	}

	return &n
}

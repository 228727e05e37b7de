package model

import "fmt"

// Outcome is one entry of a ConversionReport: either a line that became a
// Record, or a line/source that failed with a diagnosable reason.
type Outcome struct {
	// URL is the subscription source the line came from.
	URL string

	// Line is 1-based within the decoded source; 0 for source-level outcomes
	// (fetch/decode failures) and for records rejected at render time.
	Line int

	// Input is the offending text for failures, truncated for display.
	Input string

	Record *Record // set on success
	Err    error   // set on failure
}

// OK reports whether this outcome produced a usable record.
func (o Outcome) OK() bool { return o.Err == nil }

// ConversionReport aggregates per-line and per-source outcomes across one
// pipeline run. Order follows input order: sources in configuration order,
// lines top to bottom. A failure here never aborted the run; fatal errors
// are returned by the pipeline instead of being recorded.
type ConversionReport struct {
	Outcomes []Outcome

	// Filtered counts records dropped by name filters. Filtering is a
	// configuration choice, not a failure.
	Filtered int
}

// AddSuccess records a line that parsed into rec.
func (r *ConversionReport) AddSuccess(url string, line int, rec *Record) {
	r.Outcomes = append(r.Outcomes, Outcome{URL: url, Line: line, Record: rec})
}

// AddFailure records a failed line or source together with its reason.
func (r *ConversionReport) AddFailure(url string, line int, input string, err error) {
	r.Outcomes = append(r.Outcomes, Outcome{URL: url, Line: line, Input: input, Err: err})
}

// Succeeded returns the number of successful outcomes.
func (r *ConversionReport) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed returns the number of failed outcomes.
func (r *ConversionReport) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Summary is a single human-readable line for the CLI log.
func (r *ConversionReport) Summary() string {
	return fmt.Sprintf("succeeded=%d failed=%d filtered=%d", r.Succeeded(), r.Failed(), r.Filtered)
}

// Package report builds, encodes and gates the JSON diff report that the
// worker uploads and the CLI prints.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/yourorg/scandiff-worker/internal/model"
)

// ErrGateTripped is returned by Gate when new findings reach the fail-on
// severity.
var ErrGateTripped = errors.New("report: new findings at or above fail-on severity")

type Meta struct {
	JobID       string         `json:"job_id,omitempty"`
	BaseRef     string         `json:"base_ref"`
	HeadRef     string         `json:"head_ref"`
	MinSeverity model.Severity `json:"min_severity"`
	GeneratedAt string         `json:"generated_at"`
}

// DiffSection is the diff report body: totals, the severity x state
// matrix and the three classified sequences.
type DiffSection struct {
	Totals             model.StateCounts                    `json:"totals"`
	BySeverityAndState map[model.Severity]model.StateCounts `json:"by_severity_and_state"`
	New                []model.DiffEntry                    `json:"new"`
	Removed            []model.DiffEntry                    `json:"removed"`
	Unchanged          []model.DiffEntry                    `json:"unchanged"`
}

type DiffReport struct {
	Meta Meta                  `json:"meta"`
	Base model.ReferenceReport `json:"base"`
	Head model.ReferenceReport `json:"head"`
	Diff DiffSection           `json:"diff"`
}

// Build lays a comparison out as a report. GeneratedAt defaults to now.
func Build(meta Meta, cmp model.Comparison) DiffReport {
	if meta.GeneratedAt == "" {
		meta.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return DiffReport{
		Meta: meta,
		Base: cmp.Base,
		Head: cmp.Head,
		Diff: DiffSection{
			Totals:             cmp.Summary.Totals,
			BySeverityAndState: cmp.Summary.BySeverityAndState,
			New:                cmp.Diff.New,
			Removed:            cmp.Diff.Removed,
			Unchanged:          cmp.Diff.Unchanged,
		},
	}
}

func Encode(r DiffReport) ([]byte, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return b, nil
}

func Decode(b []byte) (DiffReport, error) {
	var r DiffReport
	if err := json.Unmarshal(b, &r); err != nil {
		return DiffReport{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}

// WriteFile encodes r to path.
func WriteFile(path string, r DiffReport) error {
	b, err := Encode(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0644)
}

// NewAtOrAbove returns the NEW entries ranking at or above sev, in report
// order.
func (r DiffReport) NewAtOrAbove(sev model.Severity) []model.DiffEntry {
	var out []model.DiffEntry
	for _, e := range r.Diff.New {
		if e.Severity.AtLeast(sev) {
			out = append(out, e)
		}
	}
	return out
}

// WorstNew returns the highest severity among NEW entries, or "" when
// nothing is new.
func (r DiffReport) WorstNew() model.Severity {
	if len(r.Diff.New) == 0 {
		return ""
	}
	// New is sorted worst-first
	return r.Diff.New[0].Severity
}

// Gate fails when any NEW entry ranks at or above failOn. An empty failOn
// disables the gate.
func (r DiffReport) Gate(failOn model.Severity) error {
	if failOn == "" {
		return nil
	}
	hits := r.NewAtOrAbove(failOn)
	if len(hits) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d new at or above %s (worst %s %s)",
		ErrGateTripped, len(hits), failOn, hits[0].MatchKey, hits[0].Severity)
}

// Summary is the compact form stored alongside the job row, including the
// outcome of Gate(failOn).
func (r DiffReport) Summary(failOn model.Severity) model.JobSummary {
	return model.JobSummary{
		BaseTotal:   r.Base.Total,
		HeadTotal:   r.Head.Total,
		Totals:      r.Diff.Totals,
		NewWorst:    r.WorstNew(),
		FailOn:      failOn,
		GateTripped: r.Gate(failOn) != nil,
	}
}

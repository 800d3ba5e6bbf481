package model

// ProgressEvent is a stage transition recorded for a diff job.
type ProgressEvent struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail"`
	TS     string `json:"ts"`
}

// JobSummary is the compact per-job summary stored next to the job row;
// the full report stays in object storage.
type JobSummary struct {
	BaseTotal int         `json:"base_total"`
	HeadTotal int         `json:"head_total"`
	Totals    StateCounts `json:"totals"`
	NewWorst  Severity    `json:"new_worst,omitempty"`

	// FailOn is empty when no gate is configured.
	FailOn      Severity `json:"fail_on,omitempty"`
	GateTripped bool     `json:"gate_tripped"`
}

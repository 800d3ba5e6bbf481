package model

// Finding is the canonical "this vulnerability affects this package" fact,
// derived from one or more raw matches sharing a MatchKey.
type Finding struct {
	MatchKey        string    `json:"match_key"`
	VulnerabilityID string    `json:"vulnerability_id"`
	Severity        Severity  `json:"severity"`
	CVSSMax         *CVSS     `json:"cvss_max"`
	Package         Pkg       `json:"package"`
	RawRef          *RawMatch `json:"raw_ref,omitempty"`
}

// CVSSScore returns the best CVSS base score, or 0 when none was reported.
func (f Finding) CVSSScore() float64 {
	if f.CVSSMax == nil {
		return 0
	}
	return f.CVSSMax.Base
}

type Pkg struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Type    string `json:"type,omitempty"`
}

type CVSS struct {
	Base   float64 `json:"base"`
	Vector string  `json:"vector"`
}

// ReferenceReport summarises the deduped finding set of one reference.
type ReferenceReport struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"by_severity"`
	Findings   []Finding        `json:"findings"`
}

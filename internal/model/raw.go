package model

// RawMatch is one scanner match as handed over by the scan pipeline. Every
// member is optional; defaults are applied once, when the match is turned
// into a Finding.
type RawMatch struct {
	Vulnerability RawVulnerability `json:"vulnerability"`
	Artifact      RawArtifact      `json:"artifact"`
}

type RawVulnerability struct {
	ID       string    `json:"id"`
	IDs      []string  `json:"ids,omitempty"`
	Severity string    `json:"severity"`
	CVSS     []RawCVSS `json:"cvss,omitempty"`
}

// RawCVSS is a single CVSS entry. Score is nil when the scanner did not
// report a numeric base score.
type RawCVSS struct {
	Score  *float64 `json:"score,omitempty"`
	Vector string   `json:"vector,omitempty"`
}

type RawArtifact struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Type      string   `json:"type"`
	Locations []string `json:"locations,omitempty"`
}

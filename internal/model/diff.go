package model

type State string

const (
	StateNew       State = "NEW"
	StateRemoved   State = "REMOVED"
	StateUnchanged State = "UNCHANGED"
)

type Presence string

const (
	PresenceHead Presence = "HEAD"
	PresenceBase Presence = "BASE"
	PresenceBoth Presence = "BOTH"
)

// DiffEntry is a Finding classified against the other reference.
type DiffEntry struct {
	Finding
	State          State    `json:"state"`
	BranchPresence Presence `json:"branch_presence"`
}

// DiffResult holds three disjoint, sorted partitions. A MatchKey appears in
// exactly one of them.
type DiffResult struct {
	New       []DiffEntry `json:"new"`
	Removed   []DiffEntry `json:"removed"`
	Unchanged []DiffEntry `json:"unchanged"`
	Totals    StateCounts `json:"totals"`
}

type StateCounts struct {
	New       int `json:"NEW"`
	Removed   int `json:"REMOVED"`
	Unchanged int `json:"UNCHANGED"`
}

func (c StateCounts) Total() int {
	return c.New + c.Removed + c.Unchanged
}

// Add increments the counter for st. Unknown states are ignored.
func (c *StateCounts) Add(st State) {
	switch st {
	case StateNew:
		c.New++
	case StateRemoved:
		c.Removed++
	case StateUnchanged:
		c.Unchanged++
	}
}

type Summary struct {
	Totals             StateCounts              `json:"totals"`
	BySeverityAndState map[Severity]StateCounts `json:"by_severity_and_state"`
}

// Comparison is the full outcome of comparing a base and a head scan.
type Comparison struct {
	Base    ReferenceReport `json:"base"`
	Head    ReferenceReport `json:"head"`
	Diff    DiffResult      `json:"diff"`
	Summary Summary         `json:"summary"`
}

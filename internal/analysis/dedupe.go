package analysis

import "github.com/yourorg/scandiff-worker/internal/model"

// Dedupe collapses findings sharing a MatchKey into the worst one: higher
// severity wins, then higher CVSS score (absent counts as 0), then the
// first one seen. Keys keep the position of their first appearance, so the
// result does not depend on map iteration order.
//
// Ties that survive both rules fall back to input order; callers that need
// results independent of scanner output order must sort their input first.
func Dedupe(findings []model.Finding) []model.Finding {
	index := make(map[string]int, len(findings))
	out := make([]model.Finding, 0, len(findings))

	for _, f := range findings {
		i, exists := index[f.MatchKey]
		if !exists {
			index[f.MatchKey] = len(out)
			out = append(out, f)
			continue
		}
		if worse(f, out[i]) {
			out[i] = f
		}
	}
	return out
}

// worse reports whether candidate strictly outranks current.
func worse(candidate, current model.Finding) bool {
	cr, kr := candidate.Severity.Rank(), current.Severity.Rank()
	if cr != kr {
		return cr > kr
	}
	return candidate.CVSSScore() > current.CVSSScore()
}

package analysis

import "github.com/yourorg/scandiff-worker/internal/model"

// Filter keeps the findings whose severity ranks at or above min, in their
// original order. An UNKNOWN threshold keeps everything.
func Filter(findings []model.Finding, min model.Severity) []model.Finding {
	out := make([]model.Finding, 0, len(findings))
	for _, f := range findings {
		if f.Severity.AtLeast(min) {
			out = append(out, f)
		}
	}
	return out
}

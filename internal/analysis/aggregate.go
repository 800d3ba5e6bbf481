package analysis

import "github.com/yourorg/scandiff-worker/internal/model"

// Aggregate folds a diff result into per-state totals and a
// severity x state matrix. Every severity has a row, zero-filled.
func Aggregate(res model.DiffResult) model.Summary {
	sum := model.Summary{
		BySeverityAndState: make(map[model.Severity]model.StateCounts, len(model.Severities)),
	}
	for _, s := range model.Severities {
		sum.BySeverityAndState[s] = model.StateCounts{}
	}

	for _, part := range [][]model.DiffEntry{res.New, res.Removed, res.Unchanged} {
		for _, e := range part {
			sum.Totals.Add(e.State)
			row := sum.BySeverityAndState[rowKey(e.Severity)]
			row.Add(e.State)
			sum.BySeverityAndState[rowKey(e.Severity)] = row
		}
	}
	return sum
}

// SummarizeReference counts a single reference's deduped findings by
// severity.
func SummarizeReference(findings []model.Finding) model.ReferenceReport {
	rep := model.ReferenceReport{
		Total:      len(findings),
		BySeverity: make(map[model.Severity]int, len(model.Severities)),
		Findings:   findings,
	}
	if rep.Findings == nil {
		rep.Findings = []model.Finding{}
	}
	for _, s := range model.Severities {
		rep.BySeverity[s] = 0
	}
	for _, f := range findings {
		rep.BySeverity[rowKey(f.Severity)]++
	}
	return rep
}

// rowKey files values outside the enumeration under UNKNOWN so the matrix
// never grows extra rows.
func rowKey(s model.Severity) model.Severity {
	if s.Rank() == 0 {
		return model.SeverityUnknown
	}
	return s
}

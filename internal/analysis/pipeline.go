package analysis

import "github.com/yourorg/scandiff-worker/internal/model"

// AnalyzeReference runs the per-reference pipeline: normalize, drop
// findings below min, then dedupe.
func AnalyzeReference(raws []model.RawMatch, min model.Severity) []model.Finding {
	return Dedupe(Filter(NormalizeAll(raws), min))
}

// Compare runs both reference pipelines and the diff/aggregate stages.
// Base and head are independent until Diff; callers that want them in
// parallel should call AnalyzeReference themselves and use Assemble.
func Compare(base, head []model.RawMatch, min model.Severity) model.Comparison {
	return Assemble(AnalyzeReference(base, min), AnalyzeReference(head, min))
}

// Assemble builds a Comparison from two already analyzed finding sets.
func Assemble(base, head []model.Finding) model.Comparison {
	res := Diff(base, head)
	return model.Comparison{
		Base:    SummarizeReference(base),
		Head:    SummarizeReference(head),
		Diff:    res,
		Summary: Aggregate(res),
	}
}

package analysis

import (
	"cmp"
	"slices"

	"github.com/yourorg/scandiff-worker/internal/model"
)

// Diff classifies the union of two deduped finding sets. Keys only in head
// are NEW, keys only in base are REMOVED, keys in both are UNCHANGED and
// carry the head-side finding. Each partition is sorted worst-first, then
// by MatchKey.
func Diff(base, head []model.Finding) model.DiffResult {
	baseByKey := make(map[string]struct{}, len(base))
	for _, f := range base {
		baseByKey[f.MatchKey] = struct{}{}
	}
	headByKey := make(map[string]struct{}, len(head))
	for _, f := range head {
		headByKey[f.MatchKey] = struct{}{}
	}

	res := model.DiffResult{
		New:       []model.DiffEntry{},
		Removed:   []model.DiffEntry{},
		Unchanged: []model.DiffEntry{},
	}

	for _, f := range head {
		if _, ok := baseByKey[f.MatchKey]; ok {
			res.Unchanged = append(res.Unchanged, entry(f, model.StateUnchanged, model.PresenceBoth))
		} else {
			res.New = append(res.New, entry(f, model.StateNew, model.PresenceHead))
		}
	}
	for _, f := range base {
		if _, ok := headByKey[f.MatchKey]; !ok {
			res.Removed = append(res.Removed, entry(f, model.StateRemoved, model.PresenceBase))
		}
	}

	sortEntries(res.New)
	sortEntries(res.Removed)
	sortEntries(res.Unchanged)

	res.Totals = model.StateCounts{
		New:       len(res.New),
		Removed:   len(res.Removed),
		Unchanged: len(res.Unchanged),
	}
	return res
}

func entry(f model.Finding, st model.State, p model.Presence) model.DiffEntry {
	return model.DiffEntry{Finding: f, State: st, BranchPresence: p}
}

func sortEntries(entries []model.DiffEntry) {
	slices.SortStableFunc(entries, func(a, b model.DiffEntry) int {
		if c := cmp.Compare(b.Severity.Rank(), a.Severity.Rank()); c != 0 {
			return c
		}
		return cmp.Compare(a.MatchKey, b.MatchKey)
	})
}

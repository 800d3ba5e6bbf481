// Package analysis implements the scan comparison core: finding
// normalization, severity thresholds, worst-wins deduplication, base/head
// diffing and aggregate counts. Every function here is pure and total; none
// of them perform I/O or keep package state.
package analysis

import (
	"strings"

	"github.com/yourorg/scandiff-worker/internal/model"
)

const unknownPackage = "unknown"

// Normalize converts one raw scanner match into a canonical Finding.
// Missing fields degrade to defaults instead of failing.
func Normalize(raw model.RawMatch) model.Finding {
	ref := raw
	name := raw.Artifact.Name
	if name == "" {
		name = unknownPackage
	}
	return model.Finding{
		MatchKey:        MatchKey(raw),
		VulnerabilityID: raw.Vulnerability.ID,
		Severity:        model.ParseSeverity(raw.Vulnerability.Severity),
		CVSSMax:         bestCVSS(raw.Vulnerability.CVSS),
		Package: model.Pkg{
			Name:    name,
			Version: raw.Artifact.Version,
			Type:    raw.Artifact.Type,
		},
		RawRef: &ref,
	}
}

// NormalizeAll maps Normalize over raws, preserving order.
func NormalizeAll(raws []model.RawMatch) []model.Finding {
	out := make([]model.Finding, 0, len(raws))
	for _, r := range raws {
		out = append(out, Normalize(r))
	}
	return out
}

// MatchKey returns the correlation id of a match: the first GHSA id among
// the primary id and its aliases, else the first CVE id, else the primary
// id. The result is uppercased.
func MatchKey(raw model.RawMatch) string {
	candidates := make([]string, 0, len(raw.Vulnerability.IDs)+1)
	candidates = append(candidates, raw.Vulnerability.ID)
	candidates = append(candidates, raw.Vulnerability.IDs...)

	for _, prefix := range []string{"GHSA-", "CVE-"} {
		for _, c := range candidates {
			id := strings.ToUpper(strings.TrimSpace(c))
			if strings.HasPrefix(id, prefix) {
				return id
			}
		}
	}
	return strings.ToUpper(strings.TrimSpace(raw.Vulnerability.ID))
}

// bestCVSS picks the entry with the highest score. Ties keep the earlier
// entry; entries without a score are skipped.
func bestCVSS(entries []model.RawCVSS) *model.CVSS {
	var best *model.CVSS
	for _, e := range entries {
		if e.Score == nil {
			continue
		}
		if best == nil || *e.Score > best.Base {
			best = &model.CVSS{Base: *e.Score, Vector: e.Vector}
		}
	}
	return best
}

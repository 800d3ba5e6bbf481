package analysis

import "github.com/yourorg/scandiff-worker/internal/model"

func score(v float64) *float64 { return &v }

func rawMatch(id, severity string, aliases ...string) model.RawMatch {
	return model.RawMatch{
		Vulnerability: model.RawVulnerability{
			ID:       id,
			IDs:      aliases,
			Severity: severity,
		},
		Artifact: model.RawArtifact{Name: "pkg", Version: "1.0.0", Type: "npm"},
	}
}

func withCVSS(r model.RawMatch, scores ...float64) model.RawMatch {
	for _, s := range scores {
		r.Vulnerability.CVSS = append(r.Vulnerability.CVSS, model.RawCVSS{Score: score(s)})
	}
	return r
}

func finding(key string, sev model.Severity, cvss float64) model.Finding {
	f := model.Finding{
		MatchKey:        key,
		VulnerabilityID: key,
		Severity:        sev,
		Package:         model.Pkg{Name: "pkg", Version: "1.0.0"},
	}
	if cvss > 0 {
		f.CVSSMax = &model.CVSS{Base: cvss}
	}
	return f
}

func keys(entries []model.DiffEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.MatchKey)
	}
	return out
}

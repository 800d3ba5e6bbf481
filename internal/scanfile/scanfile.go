// Package scanfile decodes scanner output documents into raw matches.
//
// The accepted shape is the grype JSON report: an object with a "matches"
// array, each match holding a vulnerability, its related vulnerabilities and
// the affected artifact. A bare top-level array of matches is accepted too.
package scanfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/yourorg/scandiff-worker/internal/model"
)

// ErrInvalidDocument is returned when a document is not a scanner report.
var ErrInvalidDocument = errors.New("scanfile: invalid document")

type document struct {
	Matches []match `json:"matches"`
}

type match struct {
	Vulnerability struct {
		ID       string      `json:"id"`
		IDs      []string    `json:"ids"`
		Severity string      `json:"severity"`
		CVSS     []cvssEntry `json:"cvss"`
	} `json:"vulnerability"`
	RelatedVulnerabilities []struct {
		ID string `json:"id"`
	} `json:"relatedVulnerabilities"`
	Artifact struct {
		Name      string     `json:"name"`
		Version   string     `json:"version"`
		Type      string     `json:"type"`
		Locations []location `json:"locations"`
	} `json:"artifact"`
}

type cvssEntry struct {
	Score   *float64 `json:"score"`
	Vector  string   `json:"vector"`
	Metrics *struct {
		BaseScore *float64 `json:"baseScore"`
	} `json:"metrics"`
}

// location is either a bare path string or an object with a "path" member.
type location string

func (l *location) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = location(s)
		return nil
	}
	var obj struct {
		Path     string `json:"path"`
		RealPath string `json:"realPath"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Path == "" {
		obj.Path = obj.RealPath
	}
	*l = location(obj.Path)
	return nil
}

// Parse decodes a scanner document. An empty or whitespace-only document
// yields no matches and no error.
func Parse(data []byte) ([]model.RawMatch, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return []model.RawMatch{}, nil
	}

	var matches []match
	if data[0] == '[' {
		if err := json.Unmarshal(data, &matches); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	} else {
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		matches = doc.Matches
	}

	out := make([]model.RawMatch, 0, len(matches))
	for _, m := range matches {
		out = append(out, toRaw(m))
	}
	return out, nil
}

// ReadFile parses the document stored at path.
func ReadFile(path string) ([]model.RawMatch, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scan %s: %w", path, err)
	}
	raws, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parse scan %s: %w", path, err)
	}
	return raws, nil
}

func toRaw(m match) model.RawMatch {
	raw := model.RawMatch{
		Vulnerability: model.RawVulnerability{
			ID:       m.Vulnerability.ID,
			Severity: m.Vulnerability.Severity,
		},
		Artifact: model.RawArtifact{
			Name:    m.Artifact.Name,
			Version: m.Artifact.Version,
			Type:    m.Artifact.Type,
		},
	}

	aliasKey := func(id string) string { return strings.ToUpper(strings.TrimSpace(id)) }
	seen := map[string]bool{aliasKey(m.Vulnerability.ID): true}
	addAlias := func(id string) {
		key := aliasKey(id)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		raw.Vulnerability.IDs = append(raw.Vulnerability.IDs, id)
	}
	for _, id := range m.Vulnerability.IDs {
		addAlias(id)
	}
	for _, rv := range m.RelatedVulnerabilities {
		addAlias(rv.ID)
	}

	for _, c := range m.Vulnerability.CVSS {
		score := c.Score
		if score == nil && c.Metrics != nil {
			score = c.Metrics.BaseScore
		}
		raw.Vulnerability.CVSS = append(raw.Vulnerability.CVSS, model.RawCVSS{Score: score, Vector: c.Vector})
	}

	for _, l := range m.Artifact.Locations {
		if l != "" {
			raw.Artifact.Locations = append(raw.Artifact.Locations, string(l))
		}
	}
	return raw
}

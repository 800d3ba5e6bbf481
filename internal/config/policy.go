package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/scandiff-worker/internal/model"
)

// Policy holds the severity thresholds applied to a comparison.
//
//	min_severity: medium
//	fail_on_new: high
type Policy struct {
	MinSeverity string `yaml:"min_severity"`
	FailOnNew   string `yaml:"fail_on_new"`
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Policy{}, fmt.Errorf("%w: policy %s: %v", ErrInvalidConfig, path, err)
	}
	return p, nil
}

// Merge returns p with every non-empty field of over applied on top.
func (p Policy) Merge(over Policy) Policy {
	if over.MinSeverity != "" {
		p.MinSeverity = over.MinSeverity
	}
	if over.FailOnNew != "" {
		p.FailOnNew = over.FailOnNew
	}
	return p
}

// Min parses the minimum severity. Unrecognized names degrade to UNKNOWN,
// which keeps every finding; ok reports whether the name was recognized.
func (p Policy) Min() (sev model.Severity, ok bool) {
	if p.MinSeverity == "" {
		return model.SeverityUnknown, true
	}
	return model.ParseSeverity(p.MinSeverity), model.IsKnownSeverity(p.MinSeverity)
}

// FailOn parses the gate severity. An empty value disables the gate and
// returns "".
func (p Policy) FailOn() (model.Severity, error) {
	if p.FailOnNew == "" {
		return "", nil
	}
	if !model.IsKnownSeverity(p.FailOnNew) {
		return "", fmt.Errorf("%w: fail_on_new=%q", ErrInvalidConfig, p.FailOnNew)
	}
	return model.ParseSeverity(p.FailOnNew), nil
}

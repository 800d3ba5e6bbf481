package model

import "strings"

type Severity string

const (
	SeverityUnknown  Severity = "UNKNOWN"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists every severity worst-first. Summaries and matrices are
// keyed in this order.
var Severities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityUnknown,
}

// Rank returns an integer rank for comparison (Unknown=0, Critical=4).
// Values outside the enumeration rank as Unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s ranks at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

func (s Severity) String() string {
	return string(s)
}

// ParseSeverity maps a scanner severity string onto the canonical set,
// case-insensitively. "Negligible" is folded into LOW. Anything else,
// including the empty string, is UNKNOWN.
func ParseSeverity(raw string) Severity {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	case "MEDIUM":
		return SeverityMedium
	case "LOW", "NEGLIGIBLE":
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// IsKnownSeverity reports whether raw names one of the five canonical
// severities. Callers use it to warn about thresholds that silently
// degrade to UNKNOWN.
func IsKnownSeverity(raw string) bool {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CRITICAL", "HIGH", "MEDIUM", "LOW", "UNKNOWN":
		return true
	}
	return false
}

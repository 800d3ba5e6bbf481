package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/scandiff-worker/internal/config"
	"github.com/yourorg/scandiff-worker/internal/model"
	"github.com/yourorg/scandiff-worker/internal/report"
)

var (
	baseFixture = filepath.Join("..", "..", "internal", "scanfile", "testdata", "base.json")
	headFixture = filepath.Join("..", "..", "internal", "scanfile", "testdata", "head.json")
)

func TestRunDiff_Stdout(t *testing.T) {
	var out bytes.Buffer
	err := runDiff(diffOptions{basePath: baseFixture, headPath: headFixture, headRef: "pr-7"}, &out)
	require.NoError(t, err)

	rep, err := report.Decode(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "pr-7", rep.Meta.HeadRef)
	assert.Equal(t, model.StateCounts{New: 2, Removed: 1, Unchanged: 1}, rep.Diff.Totals)
}

func TestRunDiff_GateTrips(t *testing.T) {
	var out bytes.Buffer
	err := runDiff(diffOptions{basePath: baseFixture, headPath: headFixture, failOnNew: "critical"}, &out)

	var ec *exitCodeError
	require.True(t, errors.As(err, &ec))
	assert.Equal(t, exitGate, ec.code)
	assert.ErrorIs(t, err, report.ErrGateTripped)
}

func TestRunDiff_MinSeverityAndOutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diff.json")
	var out bytes.Buffer
	err := runDiff(diffOptions{basePath: baseFixture, headPath: headFixture, minSeverity: "high", outPath: path}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "new=1 removed=0 unchanged=1")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	rep, err := report.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, rep.Meta.MinSeverity)
}

func TestRunDiff_PolicyFileAndFlagOverride(t *testing.T) {
	policy := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policy, []byte("min_severity: critical\nfail_on_new: critical\n"), 0o644))

	var out bytes.Buffer
	err := runDiff(diffOptions{basePath: baseFixture, headPath: headFixture, policyPath: policy}, &out)
	assert.ErrorIs(t, err, report.ErrGateTripped)

	out.Reset()
	err = runDiff(diffOptions{basePath: baseFixture, headPath: headFixture, policyPath: policy, minSeverity: "low", failOnNew: ""}, &out)
	assert.ErrorIs(t, err, report.ErrGateTripped)
	rep, decErr := report.Decode(out.Bytes())
	require.NoError(t, decErr)
	assert.Equal(t, model.SeverityLow, rep.Meta.MinSeverity)
}

func TestRunDiff_Errors(t *testing.T) {
	var out bytes.Buffer
	err := runDiff(diffOptions{basePath: "missing.json", headPath: headFixture}, &out)
	assert.Error(t, err)

	err = runDiff(diffOptions{basePath: baseFixture, headPath: headFixture, failOnNew: "severe"}, &out)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRootCmd_DiffRequiresFlags(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"diff"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.Execute())
}

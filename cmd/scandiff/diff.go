package main

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/scandiff-worker/internal/analysis"
	"github.com/yourorg/scandiff-worker/internal/config"
	"github.com/yourorg/scandiff-worker/internal/model"
	"github.com/yourorg/scandiff-worker/internal/report"
	"github.com/yourorg/scandiff-worker/internal/scanfile"
)

type diffOptions struct {
	basePath    string
	headPath    string
	baseRef     string
	headRef     string
	minSeverity string
	failOnNew   string
	policyPath  string
	outPath     string
}

func newDiffCmd() *cobra.Command {
	var opts diffOptions
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Diff two scanner JSON reports and print the diff report",
		Example: `  scandiff diff --base main.json --head pr.json --min-severity medium --fail-on-new high
  scandiff diff --base main.json --head pr.json --config policy.yaml --out diff.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.basePath, "base", "", "scanner report for the base reference")
	f.StringVar(&opts.headPath, "head", "", "scanner report for the head reference")
	f.StringVar(&opts.baseRef, "base-ref", "", "label for the base reference")
	f.StringVar(&opts.headRef, "head-ref", "", "label for the head reference")
	f.StringVar(&opts.minSeverity, "min-severity", "", "drop findings below this severity (critical, high, medium, low, unknown)")
	f.StringVar(&opts.failOnNew, "fail-on-new", "", "exit 2 when a new finding is at or above this severity")
	f.StringVar(&opts.policyPath, "config", "", "YAML policy file with min_severity and fail_on_new")
	f.StringVarP(&opts.outPath, "out", "o", "", "write the report here instead of stdout")
	_ = cmd.MarkFlagRequired("base")
	_ = cmd.MarkFlagRequired("head")
	return cmd
}

// resolvePolicy applies flag values over the policy file.
func resolvePolicy(opts diffOptions) (config.Policy, error) {
	var p config.Policy
	if opts.policyPath != "" {
		file, err := config.LoadPolicy(opts.policyPath)
		if err != nil {
			return config.Policy{}, err
		}
		p = file
	}
	return p.Merge(config.Policy{MinSeverity: opts.minSeverity, FailOnNew: opts.failOnNew}), nil
}

func runDiff(opts diffOptions, stdout io.Writer) error {
	policy, err := resolvePolicy(opts)
	if err != nil {
		return err
	}
	minSev, ok := policy.Min()
	if !ok {
		log.Printf("min severity %q not recognized, no findings will be filtered", policy.MinSeverity)
	}
	failOn, err := policy.FailOn()
	if err != nil {
		return err
	}

	var base, head []model.RawMatch
	var g errgroup.Group
	g.Go(func() error {
		var err error
		base, err = scanfile.ReadFile(opts.basePath)
		return err
	})
	g.Go(func() error {
		var err error
		head, err = scanfile.ReadFile(opts.headPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	rep := report.Build(report.Meta{
		BaseRef:     opts.baseRef,
		HeadRef:     opts.headRef,
		MinSeverity: minSev,
	}, analysis.Compare(base, head, minSev))

	if opts.outPath != "" {
		if err := report.WriteFile(opts.outPath, rep); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		t := rep.Diff.Totals
		fmt.Fprintf(stdout, "wrote %s: new=%d removed=%d unchanged=%d\n", opts.outPath, t.New, t.Removed, t.Unchanged)
	} else {
		b, err := report.Encode(rep)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(stdout, string(b)); err != nil {
			return err
		}
	}

	if err := rep.Gate(failOn); err != nil {
		if errors.Is(err, report.ErrGateTripped) {
			return &exitCodeError{code: exitGate, err: err}
		}
		return err
	}
	return nil
}

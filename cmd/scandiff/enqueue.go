package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/scandiff-worker/internal/config"
	"github.com/yourorg/scandiff-worker/internal/db"
)

func newEnqueueCmd() *cobra.Command {
	var nj db.NewJob
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a diff job for the worker and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if nj.BaseBucket == "" {
				nj.BaseBucket = cfg.ScansBucket
			}
			if nj.HeadBucket == "" {
				nj.HeadBucket = nj.BaseBucket
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
			defer cancel()
			store, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db open: %w", err)
			}
			defer store.Pool.Close()

			id, err := store.EnqueueJob(ctx, nj)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&nj.BaseKey, "base-key", "", "object key of the base scan report")
	f.StringVar(&nj.HeadKey, "head-key", "", "object key of the head scan report")
	f.StringVar(&nj.BaseBucket, "base-bucket", "", "bucket of the base report (default SCANS_BUCKET)")
	f.StringVar(&nj.HeadBucket, "head-bucket", "", "bucket of the head report (default base bucket)")
	f.StringVar(&nj.BaseRef, "base-ref", "", "label for the base reference")
	f.StringVar(&nj.HeadRef, "head-ref", "", "label for the head reference")
	f.StringVar(&nj.MinSeverity, "min-severity", "", "per-job severity threshold")
	_ = cmd.MarkFlagRequired("base-key")
	_ = cmd.MarkFlagRequired("head-key")
	return cmd
}

// Command backfill writes diff_entries rows for finished jobs whose report
// is in object storage but whose entries were never persisted.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/yourorg/scandiff-worker/internal/config"
	"github.com/yourorg/scandiff-worker/internal/db"
	"github.com/yourorg/scandiff-worker/internal/model"
	"github.com/yourorg/scandiff-worker/internal/report"
	"github.com/yourorg/scandiff-worker/internal/s3"
)

func main() {
	var (
		batchSize = flag.Int("batch-size", 25, "number of jobs to ingest per batch")
		maxJobs   = flag.Int("max-jobs", 0, "maximum jobs to ingest (0 = unlimited)")
	)
	flag.Parse()

	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer store.Pool.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		if db.IsInsufficientPrivilege(err) {
			log.Printf("ensure schema skipped due insufficient privilege: %v", err)
		} else {
			log.Fatalf("ensure schema: %v", err)
		}
	}

	s3c, err := s3.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.S3Region)
	if err != nil {
		log.Fatalf("s3 client: %v", err)
	}

	list := func(ctx context.Context, afterID string, limit int) ([]db.BackfillJob, error) {
		listCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
		return store.ListBackfillCandidates(listCtx, afterID, limit)
	}
	ingest := func(ctx context.Context, candidate db.BackfillJob) error {
		return ingestOne(ctx, store, s3c, candidate)
	}

	res, err := backfill(ctx, list, ingest, *batchSize, *maxJobs)
	if err != nil {
		log.Fatalf("list candidates: %v", err)
	}
	log.Printf("backfill complete: processed=%d ok=%d failed=%d", res.total, res.ok, res.failed)
}

type backfillResult struct {
	total, ok, failed int
}

// backfill pages through candidates in id order. Failed candidates stay
// listed in the database, so paging resumes after the last id seen rather
// than from the top.
func backfill(
	ctx context.Context,
	list func(ctx context.Context, afterID string, limit int) ([]db.BackfillJob, error),
	ingest func(ctx context.Context, candidate db.BackfillJob) error,
	batchSize, maxJobs int,
) (backfillResult, error) {
	if batchSize <= 0 {
		batchSize = 25
	}
	var res backfillResult
	last := ""
	for {
		limit := batchSize
		if maxJobs > 0 {
			if res.total >= maxJobs {
				break
			}
			limit = min(limit, maxJobs-res.total)
		}

		candidates, err := list(ctx, last, limit)
		if err != nil {
			return res, err
		}
		if len(candidates) == 0 {
			break
		}
		for _, candidate := range candidates {
			last = candidate.ID
			res.total++
			if err := ingest(ctx, candidate); err != nil {
				res.failed++
				log.Printf("backfill job %s failed: %v", candidate.ID, err)
				continue
			}
			res.ok++
		}
	}
	return res, nil
}

func ingestOne(ctx context.Context, store *db.Store, s3c *s3.Client, candidate db.BackfillJob) error {
	dlCtx, dlCancel := context.WithTimeout(ctx, 2*time.Minute)
	body, err := s3c.ReadObject(dlCtx, candidate.ReportBucket, candidate.ReportKey)
	dlCancel()
	if err != nil {
		return err
	}

	rep, err := report.Decode(body)
	if err != nil {
		return err
	}

	entries := make([]model.DiffEntry, 0, rep.Diff.Totals.Total())
	entries = append(entries, rep.Diff.New...)
	entries = append(entries, rep.Diff.Removed...)
	entries = append(entries, rep.Diff.Unchanged...)

	ingestCtx, ingestCancel := context.WithTimeout(ctx, 2*time.Minute)
	err = store.ReplaceDiffEntries(ingestCtx, candidate.ID, entries)
	ingestCancel()
	if err != nil {
		return err
	}

	log.Printf("backfill job %s ingested (new=%d removed=%d unchanged=%d)",
		candidate.ID, len(rep.Diff.New), len(rep.Diff.Removed), len(rep.Diff.Unchanged))
	return nil
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/scandiff-worker/internal/analysis"
	"github.com/yourorg/scandiff-worker/internal/config"
	"github.com/yourorg/scandiff-worker/internal/db"
	"github.com/yourorg/scandiff-worker/internal/metrics"
	"github.com/yourorg/scandiff-worker/internal/model"
	"github.com/yourorg/scandiff-worker/internal/report"
	"github.com/yourorg/scandiff-worker/internal/scanfile"
)

// Store is the slice of *db.Store the runner needs.
type Store interface {
	AcquireNextQueued(ctx context.Context, workerID string) (*db.Job, error)
	InsertEvent(ctx context.Context, jobID string, ts time.Time, stage, detail string, pct *int) error
	UpdateProgress(ctx context.Context, id string, pct int, msg string) error
	MarkDone(ctx context.Context, id, workerID string, reportBucket, reportKey string, summaryJSON []byte) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	Requeue(ctx context.Context, id, workerID string) error
	ReplaceDiffEntries(ctx context.Context, jobID string, entries []model.DiffEntry) error
	FailStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error)
	RequeueStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error)
}

// ObjectStore is the slice of *s3.Client the runner needs.
type ObjectStore interface {
	DownloadToFile(ctx context.Context, bucket, key, filePath string) error
	UploadBytes(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

const (
	downloadAttempts = 4
	uploadAttempts   = 3
	retryBaseDelay   = 200 * time.Millisecond
)

type Runner struct {
	cfg      config.Config
	db       Store
	s3       ObjectStore
	metrics  *metrics.Metrics
	workerID string
	minSev   model.Severity
	failOn   model.Severity
}

func NewRunner(cfg config.Config, store Store, objects ObjectStore, m *metrics.Metrics) *Runner {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	threshold := model.ParseSeverity(cfg.MinSeverity)
	if cfg.MinSeverity != "" && !model.IsKnownSeverity(cfg.MinSeverity) {
		log.Printf("min severity %q not recognized, treating as %s", cfg.MinSeverity, threshold)
	}
	var failOn model.Severity
	if cfg.FailOn != "" {
		failOn = model.ParseSeverity(cfg.FailOn)
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	return &Runner{
		cfg:      cfg,
		db:       store,
		s3:       objects,
		metrics:  m,
		workerID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		minSev:   threshold,
		failOn:   failOn,
	}
}

func (r *Runner) WorkerID() string { return r.workerID }

// ReportKey is where a job's diff report is stored in the reports bucket.
func ReportKey(jobID string) string {
	return fmt.Sprintf("diffs/%s.json", jobID)
}

// jobMin resolves the threshold for a job: its own column when set and
// recognized, else the worker default.
func (r *Runner) jobMin(j *db.Job) model.Severity {
	if j.MinSeverity == "" {
		return r.minSev
	}
	if !model.IsKnownSeverity(j.MinSeverity) {
		log.Printf("job %s: min severity %q not recognized, treating as UNKNOWN", j.ID, j.MinSeverity)
	}
	return model.ParseSeverity(j.MinSeverity)
}

type side struct {
	name   string
	bucket string
	key    string
}

func (r *Runner) processJob(ctx context.Context, j *db.Job) error {
	threshold := r.jobMin(j)
	log.Printf("job %s: starting (base=%s/%s head=%s/%s min=%s)", j.ID, j.BaseBucket, j.BaseKey, j.HeadBucket, j.HeadKey, threshold)
	scratch := filepath.Join(r.cfg.ScratchDir, j.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	prog := progress{store: r.db, jobID: j.ID}
	prog.stage(ctx, "start", "worker "+r.workerID)

	stopBeat := r.heartbeat(ctx, j.ID, heartbeatInterval(r.cfg.StaleAfter))
	defer stopBeat()

	sides := []side{
		{name: "base", bucket: j.BaseBucket, key: j.BaseKey},
		{name: "head", bucket: j.HeadBucket, key: j.HeadKey},
	}
	analyzed := make([][]model.Finding, len(sides))

	g, gctx := errgroup.WithContext(ctx)
	for i, sd := range sides {
		g.Go(func() error {
			path := filepath.Join(scratch, sd.name+".json")
			prog.stage(gctx, "download."+sd.name, sd.key)
			err := retry(gctx, downloadAttempts, retryBaseDelay, func() error {
				return r.s3.DownloadToFile(gctx, sd.bucket, sd.key, path)
			})
			if err != nil {
				log.Printf("job %s: download %s error: %v", j.ID, sd.name, err)
				return fmt.Errorf("download %s scan: %w", sd.name, err)
			}

			raws, err := scanfile.ReadFile(path)
			if err != nil {
				log.Printf("job %s: parse %s error: %v", j.ID, sd.name, err)
				return fmt.Errorf("%s scan: %w", sd.name, err)
			}
			prog.stage(gctx, "parse."+sd.name, fmt.Sprintf("%d matches", len(raws)))

			analyzed[i] = analysis.AnalyzeReference(raws, threshold)
			prog.stage(gctx, "analyze."+sd.name, fmt.Sprintf("%d findings", len(analyzed[i])))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	cmp := analysis.Assemble(analyzed[0], analyzed[1])
	prog.stage(ctx, "diff", fmt.Sprintf("new=%d removed=%d unchanged=%d",
		cmp.Summary.Totals.New, cmp.Summary.Totals.Removed, cmp.Summary.Totals.Unchanged))

	rep := report.Build(report.Meta{
		JobID:       j.ID,
		BaseRef:     j.BaseRef,
		HeadRef:     j.HeadRef,
		MinSeverity: threshold,
	}, cmp)
	body, err := report.Encode(rep)
	if err != nil {
		return err
	}

	reportKey := ReportKey(j.ID)
	prog.stage(ctx, "upload", reportKey)
	err = retry(ctx, uploadAttempts, retryBaseDelay, func() error {
		return r.s3.UploadBytes(ctx, r.cfg.ReportsBucket, reportKey, body, "application/json")
	})
	if err != nil {
		log.Printf("job %s: upload report error: %v", j.ID, err)
		return fmt.Errorf("upload report: %w", err)
	}

	prog.stage(ctx, "persist", fmt.Sprintf("%d entries", cmp.Summary.Totals.Total()))
	if err := r.db.ReplaceDiffEntries(ctx, j.ID, allEntries(cmp.Diff)); err != nil {
		log.Printf("job %s: persist entries error: %v", j.ID, err)
		return fmt.Errorf("persist diff entries: %w", err)
	}
	r.metrics.ObserveSummary(cmp.Summary)

	prog.stage(ctx, "diff.done", "completed")

	summary := rep.Summary(r.failOn)
	if summary.GateTripped {
		log.Printf("job %s: gate tripped: %v", j.ID, rep.Gate(r.failOn))
	}
	// store only the small summary in SQL, full report stays in object storage
	sumBytes, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	dbctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.db.MarkDone(dbctx, j.ID, r.workerID, r.cfg.ReportsBucket, reportKey, sumBytes); err != nil {
		log.Printf("job %s: mark done error: %v", j.ID, err)
		return fmt.Errorf("mark done: %w", err)
	}
	log.Printf("job %s: completed and marked done (report=%s new=%d worst=%s)", j.ID, reportKey, cmp.Summary.Totals.New, rep.WorstNew())
	return nil
}

func allEntries(res model.DiffResult) []model.DiffEntry {
	out := make([]model.DiffEntry, 0, res.Totals.Total())
	out = append(out, res.New...)
	out = append(out, res.Removed...)
	return append(out, res.Unchanged...)
}

// heartbeatInterval keeps several beats inside one stale window.
func heartbeatInterval(staleAfter time.Duration) time.Duration {
	if staleAfter <= 0 {
		return 0
	}
	return staleAfter / 4
}

// heartbeat writes an event every interval until stop is called, so the
// watchdog sees long downloads and uploads as alive.
func (r *Runner) heartbeat(ctx context.Context, jobID string, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := r.db.InsertEvent(ctx, jobID, time.Now().UTC(), "heartbeat", r.workerID, nil); err != nil && ctx.Err() == nil {
					log.Printf("job %s: heartbeat failed: %v", jobID, err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// runJob processes one job and records its outcome. A job interrupted by
// shutdown goes back to the queue instead of failing.
func (r *Runner) runJob(ctx context.Context, j *db.Job) {
	started := time.Now()
	if err := r.processJob(ctx, j); err != nil {
		dbctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			log.Printf("job %s: interrupted by shutdown: %v", j.ID, err)
			if qErr := r.db.Requeue(dbctx, j.ID, r.workerID); qErr != nil {
				log.Printf("job %s: requeue error, leaving for stale recovery: %v", j.ID, qErr)
			}
			return
		}
		if errors.Is(err, db.ErrJobNotOwned) {
			log.Printf("job %s: result dropped, job no longer owned by %s: %v", j.ID, r.workerID, err)
			r.metrics.ObserveJob(metrics.StatusFailed, time.Since(started))
			return
		}
		log.Printf("job %s: failed: %v", j.ID, err)
		if mErr := r.db.MarkFailed(dbctx, j.ID, err.Error()); mErr != nil {
			log.Printf("job %s: mark failed error: %v", j.ID, mErr)
		}
		r.metrics.ObserveJob(metrics.StatusFailed, time.Since(started))
		return
	}
	r.metrics.ObserveJob(metrics.StatusDone, time.Since(started))
}

// RecoverStaleJobs re-queues jobs left running by a crashed worker.
func (r *Runner) RecoverStaleJobs(ctx context.Context) {
	ids, err := r.db.RequeueStaleRunning(ctx, r.cfg.StaleAfter)
	if err != nil {
		log.Printf("recover stale jobs: %v", err)
		return
	}
	for _, id := range ids {
		log.Printf("job %s: re-queued after missed heartbeat", id)
	}
}

// watchdog fails running jobs whose heartbeat stopped, until ctx ends.
func (r *Runner) watchdog(ctx context.Context) {
	if r.cfg.StaleAfter <= 0 {
		return
	}
	t := time.NewTicker(r.cfg.StaleAfter / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ids, err := r.db.FailStaleRunning(ctx, r.cfg.StaleAfter)
			if err != nil {
				log.Printf("watchdog: %v", err)
				continue
			}
			for _, id := range ids {
				log.Printf("job %s: failed by watchdog: no heartbeat for %s", id, r.cfg.StaleAfter)
			}
		}
	}
}

// RunForever polls for queued jobs and runs up to WorkerConcurrency of
// them at once. It returns after ctx is cancelled and in-flight jobs end.
func (r *Runner) RunForever(ctx context.Context) error {
	go r.watchdog(ctx)

	sem := make(chan struct{}, r.cfg.WorkerConcurrency)
	backoff := 500 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			for i := 0; i < cap(sem); i++ {
				sem <- struct{}{}
			}
			return nil
		case sem <- struct{}{}:
		}

		j, err := r.db.AcquireNextQueued(ctx, r.workerID)
		if err != nil {
			<-sem
			if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
				log.Printf("acquire job: %v", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 500 * time.Millisecond

		go func(job *db.Job) {
			defer func() { <-sem }()
			r.runJob(ctx, job)
		}(j)
	}
}

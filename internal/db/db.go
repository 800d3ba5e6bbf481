package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ Pool *pgxpool.Pool }

func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: p}, nil
}

// Job is a queued or running comparison of two stored scan documents.
type Job struct {
	ID           string
	Status       string
	BaseBucket   string
	BaseKey      string
	HeadBucket   string
	HeadKey      string
	BaseRef      string
	HeadRef      string
	MinSeverity  string
	ProgressPct  int
	ProgressMsg  *string
	ReportBucket *string
	ReportKey    *string
	ErrorMsg     *string
	WorkerID     *string
}

// NewJob describes a comparison to enqueue. Refs are free-form labels
// (branch names, commit ids) copied into the report.
type NewJob struct {
	BaseBucket  string
	BaseKey     string
	HeadBucket  string
	HeadKey     string
	BaseRef     string
	HeadRef     string
	MinSeverity string
}

// ErrJobNotOwned is returned when a job row is no longer running under the
// calling worker, e.g. after the watchdog failed it.
var ErrJobNotOwned = errors.New("db: job not running under this worker")

type BackfillJob struct {
	ID           string
	ReportBucket string
	ReportKey    string
}

// IsInsufficientPrivilege reports whether err is a Postgres 42501 error.
func IsInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

func (s *Store) notifyJobChanged(ctx context.Context, id string) {
	_, _ = s.Pool.Exec(ctx, `SELECT pg_notify('diff_job_events', $1)`, id)
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

func (s *Store) EnqueueJob(ctx context.Context, nj NewJob) (string, error) {
	id := uuid.NewString()
	if nj.HeadBucket == "" {
		nj.HeadBucket = nj.BaseBucket
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO diff_jobs (id, status, base_bucket, base_key, head_bucket, head_key, base_ref, head_ref, min_severity)
		VALUES ($1::uuid, 'queued', $2, $3, $4, $5, $6, $7, COALESCE(NULLIF($8, ''), 'UNKNOWN'))
	`, id, nj.BaseBucket, nj.BaseKey, nj.HeadBucket, nj.HeadKey, nj.BaseRef, nj.HeadRef, nj.MinSeverity)
	if err != nil {
		return "", err
	}
	s.notifyJobChanged(ctx, id)
	return id, nil
}

func (s *Store) InsertEvent(ctx context.Context, jobID string, ts time.Time, stage, detail string, pct *int) error {
	_, err := s.Pool.Exec(ctx, `
        INSERT INTO diff_events (job_id, ts, stage, detail, pct)
        VALUES ($1, $2, $3, $4, $5)
    `, jobID, ts, stage, detail, pct)
	return err
}

// AcquireNextQueued claims the oldest queued job for workerID. It returns
// pgx.ErrNoRows when the queue is empty.
func (s *Store) AcquireNextQueued(ctx context.Context, workerID string) (*Job, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT id::text, base_bucket, base_key, head_bucket, head_key, base_ref, head_ref, min_severity
		FROM diff_jobs
		WHERE status='queued'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`)
	var j Job
	if err := row.Scan(&j.ID, &j.BaseBucket, &j.BaseKey, &j.HeadBucket, &j.HeadKey, &j.BaseRef, &j.HeadRef, &j.MinSeverity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE diff_jobs
		SET status='running', started_at=now(), progress_pct=0, progress_msg='starting',
		    worker_id=$2
		WHERE id=$1
	`, j.ID, workerID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	j.Status = "running"
	j.WorkerID = &workerID
	s.notifyJobChanged(ctx, j.ID)
	return &j, nil
}

func (s *Store) UpdateProgress(ctx context.Context, id string, pct int, msg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE diff_jobs
		SET progress_pct=GREATEST(progress_pct, $2),
		    progress_msg=CASE WHEN $2 >= progress_pct THEN $3 ELSE progress_msg END
		WHERE id=$1
		  AND status='running'
	`, id, pct, msg)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE diff_jobs
		SET status='failed',
		    finished_at=now(),
		    error_msg=$2,
		    progress_msg=COALESCE(progress_msg, $2)
		WHERE id=$1
		  AND status IN ('queued','running')
	`, id, errMsg)
	if err == nil {
		s.notifyJobChanged(ctx, id)
	}
	return err
}

// MarkDone finishes a job still running under workerID. It returns
// ErrJobNotOwned when the row was failed or re-queued in the meantime.
func (s *Store) MarkDone(ctx context.Context, id, workerID string, reportBucket, reportKey string, summaryJSON []byte) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE diff_jobs
		SET status='done', finished_at=now(),
		    progress_pct=100, progress_msg='completed',
		    report_bucket=$3, report_key=$4, summary_json=$5::jsonb
		WHERE id=$1
		  AND status='running'
		  AND worker_id=$2
	`, id, workerID, reportBucket, reportKey, string(summaryJSON))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark done %s: %w", id, ErrJobNotOwned)
	}
	s.notifyJobChanged(ctx, id)
	return nil
}

// Requeue hands a job this worker was running back to the queue, used
// when the worker shuts down mid-job.
func (s *Store) Requeue(ctx context.Context, id, workerID string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE diff_jobs
		SET status='queued',
		    started_at=NULL,
		    worker_id=NULL,
		    progress_pct=0,
		    progress_msg='re-queued: worker shutting down'
		WHERE id=$1
		  AND status='running'
		  AND worker_id=$2
	`, id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requeue %s: %w", id, ErrJobNotOwned)
	}
	s.notifyJobChanged(ctx, id)
	return nil
}

const staleJobsCTE = `
		WITH stale AS (
			SELECT j.id
			FROM diff_jobs j
			LEFT JOIN LATERAL (
				SELECT MAX(ts) AS last_event_ts
				FROM diff_events e
				WHERE e.job_id = j.id
			) ev ON true
			WHERE j.status='running'
			  AND COALESCE(ev.last_event_ts, j.started_at, j.created_at)
			      < now() - ($1::bigint * interval '1 second')
		)`

// FailStaleRunning fails running jobs with no heartbeat for idleFor.
func (s *Store) FailStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error) {
	return s.updateStale(ctx, idleFor, `
		UPDATE diff_jobs j
		SET status='failed',
		    finished_at=now(),
		    error_msg='worker timeout: no progress heartbeat',
		    progress_msg='worker timeout: no progress heartbeat'
		FROM stale
		WHERE j.id = stale.id
		RETURNING j.id::text`)
}

// RequeueStaleRunning puts jobs orphaned by a lost worker back in the queue.
// Used at startup.
func (s *Store) RequeueStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error) {
	return s.updateStale(ctx, idleFor, `
		UPDATE diff_jobs j
		SET status='queued',
		    started_at=NULL,
		    worker_id=NULL,
		    progress_pct=0,
		    progress_msg='re-queued: previous worker lost'
		FROM stale
		WHERE j.id = stale.id
		RETURNING j.id::text`)
}

func (s *Store) updateStale(ctx context.Context, idleFor time.Duration, update string) ([]string, error) {
	seconds := int64(idleFor.Seconds())
	if seconds <= 0 {
		return nil, nil
	}
	rows, err := s.Pool.Query(ctx, staleJobsCTE+update, seconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.notifyJobChanged(ctx, id)
	}
	return ids, nil
}

// ListBackfillCandidates returns done jobs whose report is stored but whose
// diff_entries were never written, ordered by id and starting after
// afterID ("" starts at the beginning).
func (s *Store) ListBackfillCandidates(ctx context.Context, afterID string, limit int) ([]BackfillJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
SELECT j.id::text, j.report_bucket, j.report_key
FROM diff_jobs j
WHERE j.status='done'
  AND j.report_bucket IS NOT NULL
  AND j.report_key IS NOT NULL
  AND NOT EXISTS (SELECT 1 FROM diff_entries de WHERE de.job_id=j.id)
  AND (j.summary_json->'totals') IS DISTINCT FROM '{"NEW":0,"REMOVED":0,"UNCHANGED":0}'::jsonb
  AND j.id::text > $2
ORDER BY j.id::text
LIMIT $1
	`, limit, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]BackfillJob, 0, limit)
	for rows.Next() {
		var j BackfillJob
		if err := rows.Scan(&j.ID, &j.ReportBucket, &j.ReportKey); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

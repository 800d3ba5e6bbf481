package db

import "context"

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS diff_jobs (
  id UUID PRIMARY KEY,
  status TEXT NOT NULL CHECK (status IN ('queued','running','done','failed')),
  base_bucket TEXT NOT NULL,
  base_key TEXT NOT NULL,
  head_bucket TEXT NOT NULL,
  head_key TEXT NOT NULL,
  base_ref TEXT NOT NULL DEFAULT '',
  head_ref TEXT NOT NULL DEFAULT '',
  min_severity TEXT NOT NULL DEFAULT 'UNKNOWN',
  worker_id TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ,
  progress_pct INTEGER NOT NULL DEFAULT 0 CHECK (progress_pct BETWEEN 0 AND 100),
  progress_msg TEXT,
  report_bucket TEXT,
  report_key TEXT,
  error_msg TEXT,
  summary_json JSONB
);

ALTER TABLE diff_jobs ADD COLUMN IF NOT EXISTS min_severity TEXT NOT NULL DEFAULT 'UNKNOWN';
ALTER TABLE diff_jobs ADD COLUMN IF NOT EXISTS worker_id TEXT;

CREATE INDEX IF NOT EXISTS idx_diff_jobs_status_created ON diff_jobs (status, created_at);

CREATE TABLE IF NOT EXISTS diff_events (
  id BIGSERIAL PRIMARY KEY,
  job_id UUID NOT NULL REFERENCES diff_jobs(id) ON DELETE CASCADE,
  ts TIMESTAMPTZ NOT NULL DEFAULT now(),
  stage TEXT NOT NULL,
  detail TEXT NOT NULL,
  pct SMALLINT
);

CREATE INDEX IF NOT EXISTS idx_diff_events_job_ts ON diff_events (job_id, ts);

CREATE OR REPLACE FUNCTION notify_diff_job_event() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify('diff_job_events', NEW.id::text);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'diff_jobs_notify') THEN
    CREATE TRIGGER diff_jobs_notify
    AFTER INSERT OR UPDATE ON diff_jobs
    FOR EACH ROW EXECUTE FUNCTION notify_diff_job_event();
  END IF;
END$$;

CREATE TABLE IF NOT EXISTS diff_entries (
  id BIGSERIAL PRIMARY KEY,
  job_id UUID NOT NULL REFERENCES diff_jobs(id) ON DELETE CASCADE,
  match_key TEXT NOT NULL,
  state TEXT NOT NULL CHECK (state IN ('NEW','REMOVED','UNCHANGED')),
  branch_presence TEXT NOT NULL CHECK (branch_presence IN ('HEAD','BASE','BOTH')),
  vulnerability_id TEXT NOT NULL,
  severity TEXT NOT NULL,
  cvss_base DOUBLE PRECISION,
  cvss_vector TEXT,
  package_name TEXT NOT NULL,
  package_version TEXT NOT NULL,
  package_type TEXT,
  raw JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE(job_id, match_key)
);

CREATE INDEX IF NOT EXISTS idx_diff_entries_job_state_sev ON diff_entries(job_id, state, severity);
`)
	return err
}

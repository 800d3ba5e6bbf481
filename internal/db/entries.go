package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/scandiff-worker/internal/model"
)

const batchSize = 100

const entryColCount = 12

// ReplaceDiffEntries deletes a job's classified entries and inserts the new
// set in multi-value batches of up to batchSize rows.
func (s *Store) ReplaceDiffEntries(ctx context.Context, jobID string, entries []model.DiffEntry) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM diff_entries WHERE job_id=$1::uuid`, jobID); err != nil {
		return err
	}
	for start := 0; start < len(entries); start += batchSize {
		end := min(start+batchSize, len(entries))
		sql, args := buildEntryInsert(jobID, entries[start:end])
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("batch insert diff entries: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func buildEntryInsert(jobID string, chunk []model.DiffEntry) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`
INSERT INTO diff_entries (
  job_id, match_key, state, branch_presence, vulnerability_id, severity,
  cvss_base, cvss_vector, package_name, package_version, package_type, raw
) VALUES `)
	args := make([]any, 0, len(chunk)*entryColCount)
	for i, e := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*entryColCount + 1
		sb.WriteString(fmt.Sprintf(
			"($%d::uuid, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d::jsonb)",
			base, base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))

		var (
			cvssBase   *float64
			cvssVector *string
		)
		if e.CVSSMax != nil {
			b := e.CVSSMax.Base
			cvssBase = &b
			cvssVector = nullableString(e.CVSSMax.Vector)
		}
		rawJSON := []byte("{}")
		if e.RawRef != nil {
			if b, err := json.Marshal(e.RawRef); err == nil {
				rawJSON = b
			}
		}
		args = append(args,
			jobID,
			e.MatchKey,
			string(e.State),
			string(e.BranchPresence),
			e.VulnerabilityID,
			string(e.Severity),
			cvssBase,
			cvssVector,
			e.Package.Name,
			e.Package.Version,
			nullableString(e.Package.Type),
			string(rawJSON),
		)
	}
	sb.WriteString(`
ON CONFLICT (job_id, match_key) DO UPDATE SET
  state = EXCLUDED.state,
  branch_presence = EXCLUDED.branch_presence,
  severity = EXCLUDED.severity,
  cvss_base = EXCLUDED.cvss_base,
  cvss_vector = EXCLUDED.cvss_vector,
  package_version = EXCLUDED.package_version,
  raw = EXCLUDED.raw`)
	return sb.String(), args
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

package worker

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/yourorg/scandiff-worker/internal/model"
)

func derivePct(stage string) int {
	switch {
	case strings.Contains(stage, "done"):
		return 100
	case strings.Contains(stage, "start"):
		return 5
	case strings.Contains(stage, "download"):
		return 15
	case strings.Contains(stage, "parse"):
		return 35
	case strings.Contains(stage, "analyze"):
		return 55
	case strings.Contains(stage, "diff"):
		return 70
	case strings.Contains(stage, "upload"):
		return 85
	case strings.Contains(stage, "persist"):
		return 95
	default:
		return 50
	}
}

// progress records stage transitions for one job. Each call writes an
// event row and bumps progress_pct; the event timestamps double as the
// heartbeat the stale-job watchdog looks at.
type progress struct {
	store Store
	jobID string
}

func (p progress) emit(ctx context.Context, evt model.ProgressEvent) {
	pct := derivePct(evt.Stage)
	ts := time.Now().UTC()
	if evt.TS != "" {
		if parsed, err := time.Parse(time.RFC3339, evt.TS); err == nil {
			ts = parsed
		}
	}
	if err := p.store.InsertEvent(ctx, p.jobID, ts, evt.Stage, evt.Detail, &pct); err != nil {
		log.Printf("job %s: insert event %s failed: %v", p.jobID, evt.Stage, err)
	}
	if err := p.store.UpdateProgress(ctx, p.jobID, pct, evt.Stage+": "+evt.Detail); err != nil {
		log.Printf("job %s: update progress failed: %v", p.jobID, err)
	}
}

func (p progress) stage(ctx context.Context, stage, detail string) {
	p.emit(ctx, model.ProgressEvent{Stage: stage, Detail: detail})
}

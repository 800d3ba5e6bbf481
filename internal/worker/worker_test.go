package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	minio "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/scandiff-worker/internal/config"
	"github.com/yourorg/scandiff-worker/internal/db"
	"github.com/yourorg/scandiff-worker/internal/metrics"
	"github.com/yourorg/scandiff-worker/internal/model"
	"github.com/yourorg/scandiff-worker/internal/report"
)

const baseDoc = `{"matches": [
  {"vulnerability": {"id": "CVE-1", "severity": "High"}, "artifact": {"name": "a", "version": "1"}},
  {"vulnerability": {"id": "CVE-2", "severity": "Low"}, "artifact": {"name": "b", "version": "1"}}
]}`

const headDoc = `{"matches": [
  {"vulnerability": {"id": "CVE-1", "severity": "High"}, "artifact": {"name": "a", "version": "2"}},
  {"vulnerability": {"id": "CVE-3", "severity": "Critical"}, "artifact": {"name": "c", "version": "1"}},
  {"vulnerability": {"id": "CVE-3", "severity": "Medium"}, "artifact": {"name": "c", "version": "1"}}
]}`

type fakeStore struct {
	mu         sync.Mutex
	queue      []*db.Job
	stages     []string
	pct        int
	entries    []model.DiffEntry
	done       map[string][]byte
	failed     map[string]string
	requeued   []string
	staleIDs   []string
	staleCalls int
	notOwned   bool
}

func newFakeStore(jobs ...*db.Job) *fakeStore {
	return &fakeStore{queue: jobs, done: map[string][]byte{}, failed: map[string]string{}}
}

func (f *fakeStore) AcquireNextQueued(context.Context, string) (*db.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, pgx.ErrNoRows
	}
	j := f.queue[0]
	f.queue = f.queue[1:]
	return j, nil
}

func (f *fakeStore) InsertEvent(_ context.Context, _ string, _ time.Time, stage, _ string, _ *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stage)
	return nil
}

func (f *fakeStore) UpdateProgress(_ context.Context, _ string, pct int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pct = max(f.pct, pct)
	return nil
}

func (f *fakeStore) MarkDone(_ context.Context, id, _ string, _, _ string, summary []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notOwned {
		return fmt.Errorf("mark done %s: %w", id, db.ErrJobNotOwned)
	}
	f.done[id] = summary
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id string, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = msg
	return nil
}

func (f *fakeStore) Requeue(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeStore) ReplaceDiffEntries(_ context.Context, _ string, entries []model.DiffEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
	return nil
}

func (f *fakeStore) FailStaleRunning(context.Context, time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCalls++
	return f.staleIDs, nil
}

func (f *fakeStore) RequeueStaleRunning(context.Context, time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, f.staleIDs...)
	return f.staleIDs, nil
}

func (f *fakeStore) doneCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.done)
}

func (f *fakeStore) eventCount(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.stages {
		if s == stage {
			n++
		}
	}
	return n
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	fails   map[string]int

	// honorCtx makes downloads fail with ctx.Err() once ctx is done.
	honorCtx bool
	// release, when set, holds every download until it is closed;
	// started is closed when the first download begins.
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (o *fakeObjects) DownloadToFile(ctx context.Context, bucket, key, path string) error {
	if o.release != nil {
		o.once.Do(func() { close(o.started) })
		<-o.release
	}
	if o.honorCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fails[key] > 0 {
		o.fails[key]--
		return errors.New("connection reset")
	}
	b, ok := o.objects[bucket+"/"+key]
	if !ok {
		return minio.ErrorResponse{Code: "NoSuchKey", Key: key}
	}
	return os.WriteFile(path, b, 0o644)
}

func (o *fakeObjects) UploadBytes(_ context.Context, bucket, key string, data []byte, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[bucket+"/"+key] = data
	return nil
}

func scans() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{
		"scans/base.json": []byte(baseDoc),
		"scans/head.json": []byte(headDoc),
	}}
}

func newTestRunner(t *testing.T, store *fakeStore, objects *fakeObjects, opts ...func(*config.Config)) *Runner {
	t.Helper()
	cfg := config.Config{
		ScratchDir:        t.TempDir(),
		ReportsBucket:     "reports",
		WorkerConcurrency: 1,
		StaleAfter:        time.Minute,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewRunner(cfg, store, objects, metrics.New())
}

func testJob() *db.Job {
	return jobWithID("job-1")
}

func jobWithID(id string) *db.Job {
	return &db.Job{
		ID:         id,
		BaseBucket: "scans", BaseKey: "base.json",
		HeadBucket: "scans", HeadKey: "head.json",
		BaseRef: "main", HeadRef: "feature",
	}
}

func decodeSummary(t *testing.T, b []byte) model.JobSummary {
	t.Helper()
	var sum model.JobSummary
	require.NoError(t, json.Unmarshal(b, &sum))
	return sum
}

func TestProcessJob(t *testing.T) {
	store := newFakeStore()
	objects := scans()
	objects.fails = map[string]int{"head.json": 1}
	r := newTestRunner(t, store, objects)

	require.NoError(t, r.processJob(context.Background(), testJob()))

	require.Contains(t, store.done, "job-1")
	assert.Equal(t, 100, store.pct)
	assert.Contains(t, store.stages, "download.base")
	assert.Contains(t, store.stages, "analyze.head")
	assert.Equal(t, "diff.done", store.stages[len(store.stages)-1])
	assert.Len(t, store.entries, 3)

	assert.Equal(t, model.JobSummary{
		BaseTotal: 2,
		HeadTotal: 2,
		Totals:    model.StateCounts{New: 1, Removed: 1, Unchanged: 1},
		NewWorst:  model.SeverityCritical,
	}, decodeSummary(t, store.done["job-1"]))

	body, ok := objects.objects["reports/"+ReportKey("job-1")]
	require.True(t, ok)
	rep, err := report.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "feature", rep.Meta.HeadRef)
	require.Len(t, rep.Diff.Unchanged, 1)
	assert.Equal(t, "2", rep.Diff.Unchanged[0].Package.Version)
}

func TestProcessJob_RecordsGateOutcome(t *testing.T) {
	tests := []struct {
		failOn  string
		want    model.Severity
		tripped bool
	}{
		{"high", model.SeverityHigh, true},
		{"CRITICAL", model.SeverityCritical, true},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run("fail_on="+tt.failOn, func(t *testing.T) {
			store := newFakeStore()
			r := newTestRunner(t, store, scans(), func(c *config.Config) { c.FailOn = tt.failOn })

			require.NoError(t, r.processJob(context.Background(), testJob()))

			sum := decodeSummary(t, store.done["job-1"])
			assert.Equal(t, tt.tripped, sum.GateTripped)
			assert.Equal(t, tt.want, sum.FailOn)
		})
	}
}

func TestProcessJob_ThresholdFromJob(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(t, store, scans())

	j := testJob()
	j.MinSeverity = "critical"
	require.NoError(t, r.processJob(context.Background(), j))

	require.Len(t, store.entries, 1)
	assert.Equal(t, "CVE-3", store.entries[0].MatchKey)
	assert.Equal(t, model.StateNew, store.entries[0].State)
}

func TestRunJob_MissingScanFails(t *testing.T) {
	store := newFakeStore()
	objects := &fakeObjects{objects: map[string][]byte{
		"scans/base.json": []byte(baseDoc),
	}}
	r := newTestRunner(t, store, objects)

	r.runJob(context.Background(), testJob())

	assert.Empty(t, store.done)
	assert.Contains(t, store.failed["job-1"], "download head scan")

	rec := httptest.NewRecorder()
	r.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `scandiff_jobs_total{status="failed"} 1`)
}

func TestRunJob_InvalidDocumentFails(t *testing.T) {
	store := newFakeStore()
	objects := scans()
	objects.objects["scans/head.json"] = []byte("<html>")
	r := newTestRunner(t, store, objects)

	r.runJob(context.Background(), testJob())
	assert.Contains(t, store.failed["job-1"], "invalid document")
}

func TestRunJob_ShutdownRequeuesInsteadOfFailing(t *testing.T) {
	store := newFakeStore()
	objects := scans()
	objects.honorCtx = true
	r := newTestRunner(t, store, objects)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.runJob(ctx, testJob())

	assert.Empty(t, store.failed)
	assert.Empty(t, store.done)
	assert.Equal(t, []string{"job-1"}, store.requeued)
}

func TestRunJob_LostOwnershipIsNotFailed(t *testing.T) {
	store := newFakeStore()
	store.notOwned = true
	r := newTestRunner(t, store, scans())

	r.runJob(context.Background(), testJob())

	assert.Empty(t, store.failed)
	assert.Empty(t, store.requeued)
}

func TestHeartbeat(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(t, store, scans())

	stop := r.heartbeat(context.Background(), "job-1", 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.eventCount("heartbeat") >= 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	n := store.eventCount("heartbeat")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, store.eventCount("heartbeat"))
}

func TestHeartbeatInterval(t *testing.T) {
	assert.Equal(t, 150*time.Second, heartbeatInterval(10*time.Minute))
	assert.Zero(t, heartbeatInterval(0))

	// a zero interval disables the beat
	store := newFakeStore()
	stop := newTestRunner(t, store, scans()).heartbeat(context.Background(), "job-1", 0)
	stop()
	assert.Zero(t, store.eventCount("heartbeat"))
}

func TestRecoverStaleJobs(t *testing.T) {
	store := newFakeStore()
	store.staleIDs = []string{"a", "b"}
	r := newTestRunner(t, store, scans())

	r.RecoverStaleJobs(context.Background())
	assert.Equal(t, []string{"a", "b"}, store.requeued)
	assert.NotEmpty(t, r.WorkerID())
}

func TestWatchdog(t *testing.T) {
	store := newFakeStore()
	store.staleIDs = []string{"stuck"}
	r := newTestRunner(t, store, scans(), func(c *config.Config) { c.StaleAfter = 20 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.watchdog(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.staleCalls >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop after cancel")
	}
}

func runForever(t *testing.T, r *Runner) (cancel func(), stopped <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.RunForever(ctx) }()
	return cancel, errc
}

func TestRunForever_ProcessesQueue(t *testing.T) {
	store := newFakeStore(jobWithID("job-1"), jobWithID("job-2"), jobWithID("job-3"))
	r := newTestRunner(t, store, scans(), func(c *config.Config) { c.WorkerConcurrency = 2 })

	cancel, stopped := runForever(t, r)
	require.Eventually(t, func() bool { return store.doneCount() == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("RunForever did not return after cancel")
	}
	assert.Empty(t, store.failed)
}

func TestRunForever_WaitsForInFlightJob(t *testing.T) {
	store := newFakeStore(testJob())
	objects := scans()
	objects.release = make(chan struct{})
	objects.started = make(chan struct{})
	r := newTestRunner(t, store, objects)

	cancel, stopped := runForever(t, r)
	select {
	case <-objects.started:
	case <-time.After(3 * time.Second):
		t.Fatal("job was never picked up")
	}
	cancel()

	select {
	case <-stopped:
		t.Fatal("RunForever returned while a job was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(objects.release)
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("RunForever did not return after the in-flight job ended")
	}
	assert.Equal(t, 1, store.doneCount())
}

func TestDerivePct(t *testing.T) {
	tests := []struct {
		stage string
		want  int
	}{
		{"start", 5},
		{"download.base", 15},
		{"parse.head", 35},
		{"analyze.base", 55},
		{"diff", 70},
		{"upload", 85},
		{"persist", 95},
		{"diff.done", 100},
		{"something", 50},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			assert.Equal(t, tt.want, derivePct(tt.stage))
		})
	}
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient errors", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), 4, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return errors.New("timeout")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), 3, time.Millisecond, func() error {
			calls++
			return errors.New("timeout")
		})
		assert.EqualError(t, err, "timeout")
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), 5, time.Millisecond, func() error {
			calls++
			return minio.ErrorResponse{Code: "NoSuchKey"}
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := retry(ctx, 5, time.Hour, func() error {
			calls++
			cancel()
			return errors.New("timeout")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

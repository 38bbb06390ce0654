package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chat-analytics-etl/internal/config"
	"chat-analytics-etl/internal/model"
	"chat-analytics-etl/internal/store"

	"github.com/go-playground/assert/v2"
)

func testConfig() config.Config {
	return config.Config{
		Workers:               2,
		MaxActivityAttempts:   2,
		ActivityTimeout:       2 * time.Second,
		ActivityRetryDelay:    time.Millisecond,
		ActivityRetryMaxDelay: 10 * time.Millisecond,
		HeartbeatInterval:     20 * time.Millisecond,
		HeartbeatTimeout:      5 * time.Second,
	}
}

func testStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[model.EntityKind]int
	fail    map[model.EntityKind]error
	delay   time.Duration // each FetchAll takes this long
	blockOn bool          // FetchAll blocks until its context is cancelled
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[model.EntityKind]int), fail: make(map[model.EntityKind]error)}
}

func (f *fakeFetcher) Health(ctx context.Context) error { return nil }

func (f *fakeFetcher) FetchAll(ctx context.Context, kind model.EntityKind) (*model.EntitySet, error) {
	f.mu.Lock()
	f.calls[kind]++
	failErr := f.fail[kind]
	delay := f.delay
	block := f.blockOn
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	set := model.NewEntitySet(kind, 0)
	if kind == model.KindUsers {
		set.Users[1] = model.User{ID: 1, Username: "alice", IsActive: true}
		set.Total = 1
	}
	return set, nil
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeLoader struct {
	mu       sync.Mutex
	calls    []map[string]bool
	failures int // number of leading Load calls that fail top_sellers
	lastAggs *model.Aggregates
}

func (l *fakeLoader) EnsureSchema(ctx context.Context) error { return nil }

func (l *fakeLoader) Load(ctx context.Context, aggs *model.Aggregates, only map[string]bool) (*model.LoadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool, len(only))
	for k, v := range only {
		seen[k] = v
	}
	l.calls = append(l.calls, seen)
	l.lastAggs = aggs

	if len(l.calls) <= l.failures {
		return &model.LoadResult{FailedTables: []string{model.TableTopSellers}},
			errors.New("load failed for tables: top_sellers")
	}
	return &model.LoadResult{Upserted: map[string]int{}}, nil
}

func waitPhase(t *testing.T, db *store.DB, runID string, want model.Phase) *model.WorkflowRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := db.GetRun(runID)
		if err == nil && run.Phase == want {
			return run
		}
		if err == nil && run.Phase.Terminal() && run.Phase != want {
			t.Fatalf("run ended in phase %s (last error %q), want %s", run.Phase, run.LastError, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run never reached phase %s", want)
	return nil
}

func TestRunCompletesEndToEnd(t *testing.T) {
	db := testStore(t)
	fetcher := newFakeFetcher()
	loader := &fakeLoader{}
	orch := NewOrchestrator(testConfig(), db, fetcher, loader)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer orch.Stop()

	runID, err := orch.StartRun(context.Background())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitPhase(t, db, runID, model.PhaseCompleted)

	// One extraction per collection, no repeats.
	assert.Equal(t, fetcher.totalCalls(), len(model.AllKinds()))
	for _, kind := range model.AllKinds() {
		assert.Equal(t, fetcher.calls[kind], 1)
	}

	// Every activity settled as done.
	activities, err := db.ListActivities(runID)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	assert.Equal(t, len(activities), len(model.AllKinds())+2) // extracts + transform + load
	for _, a := range activities {
		assert.Equal(t, a.Status, model.ActivityDone)
	}

	// The loader saw the user that was extracted.
	assert.Equal(t, len(loader.lastAggs.UserStats), 0) // alice sent nothing, so no row
	snap, _ := db.LoadSnapshots(runID)
	assert.Equal(t, snap.Complete(), true)
	assert.Equal(t, snap.Users()[1].Username, "alice")
}

func TestResumeReusesSnapshotsWithoutRefetch(t *testing.T) {
	db := testStore(t)

	// A previous process extracted everything, recorded the transforming
	// phase, then died.
	db.CreateRun("run-resume")
	for _, kind := range model.AllKinds() {
		set := model.NewEntitySet(kind, 0)
		if kind == model.KindMessages {
			set.Messages[1] = model.Message{
				ID: 1, ChatID: 1, SenderID: 1, MessageType: "text",
				SentAt: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
			}
			set.Total = 1
		}
		if err := db.SaveSnapshot("run-resume", set); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}
	if err := db.SetPhase("run-resume", model.PhaseTransforming, ""); err != nil {
		t.Fatalf("SetPhase: %v", err)
	}

	fetcher := newFakeFetcher()
	loader := &fakeLoader{}
	orch := NewOrchestrator(testConfig(), db, fetcher, loader)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer orch.Stop()

	waitPhase(t, db, "run-resume", model.PhaseCompleted)

	// Extraction never reran; the transform worked from the snapshots.
	assert.Equal(t, fetcher.totalCalls(), 0)
	sum := 0
	for _, d := range loader.lastAggs.DailyMessages {
		sum += d.TotalMessages
	}
	assert.Equal(t, sum, 1)
	assert.Equal(t, len(loader.lastAggs.WeekdayMessages), 7)
}

func TestRunFailsAfterExhaustedRetries(t *testing.T) {
	db := testStore(t)
	fetcher := newFakeFetcher()
	fetcher.fail[model.KindUsers] = errors.New("source keeps timing out")
	loader := &fakeLoader{}
	orch := NewOrchestrator(testConfig(), db, fetcher, loader)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer orch.Stop()

	runID, err := orch.StartRun(context.Background())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	run := waitPhase(t, db, runID, model.PhaseFailed)

	if run.LastError == "" {
		t.Fatal("failed run carries no error")
	}
	assert.Equal(t, fetcher.calls[model.KindUsers], testConfig().MaxActivityAttempts)

	// Terminal means terminal: a late cancel request bounces.
	if err := orch.Cancel(runID); !errors.Is(err, store.ErrTerminalPhase) {
		t.Fatalf("expected ErrTerminalPhase, got %v", err)
	}
}

func TestCancelRun(t *testing.T) {
	db := testStore(t)
	fetcher := newFakeFetcher()
	fetcher.blockOn = true
	loader := &fakeLoader{}
	cfg := testConfig()
	cfg.ActivityTimeout = 200 * time.Millisecond
	orch := NewOrchestrator(cfg, db, fetcher, loader)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer orch.Stop()

	runID, err := orch.StartRun(context.Background())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitPhase(t, db, runID, model.PhaseExtracting)

	if err := orch.Cancel(runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitPhase(t, db, runID, model.PhaseCancelled)
}

func TestQueuedActivityOutlivesHeartbeatTimeout(t *testing.T) {
	db := testStore(t)
	fetcher := newFakeFetcher()
	loader := &fakeLoader{}

	// One worker and slow extracts: every queued collection waits far
	// longer than the heartbeat timeout before a worker picks it up.
	// Waiting in the queue is not a crash, so nothing may be declared
	// lost and nothing may run twice.
	cfg := testConfig()
	cfg.Workers = 1
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 40 * time.Millisecond
	fetcher.delay = 100 * time.Millisecond

	orch := NewOrchestrator(cfg, db, fetcher, loader)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer orch.Stop()

	runID, err := orch.StartRun(context.Background())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitPhase(t, db, runID, model.PhaseCompleted)

	for _, kind := range model.AllKinds() {
		assert.Equal(t, fetcher.calls[kind], 1)
	}
	activities, err := db.ListActivities(runID)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	for _, a := range activities {
		assert.Equal(t, a.Status, model.ActivityDone)
		assert.Equal(t, a.Attempts, 1)
	}
}

func TestShutdownLeavesRunResumable(t *testing.T) {
	db := testStore(t)
	fetcher := newFakeFetcher()
	fetcher.blockOn = true
	loader := &fakeLoader{}
	cfg := testConfig()
	cfg.ActivityTimeout = 200 * time.Millisecond

	orch := NewOrchestrator(cfg, db, fetcher, loader)
	ctx, cancel := context.WithCancel(context.Background())
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	runID, err := orch.StartRun(ctx)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitPhase(t, db, runID, model.PhaseExtracting)

	// Process shutdown, not an operator cancel: the run must keep its
	// recorded phase instead of ending terminal.
	cancel()
	orch.Stop()

	run, err := db.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	assert.Equal(t, run.Phase, model.PhaseExtracting)

	// The next process picks the run up and drives it to completion.
	fetcher.mu.Lock()
	fetcher.blockOn = false
	fetcher.mu.Unlock()

	orch2 := NewOrchestrator(testConfig(), db, fetcher, loader)
	if err := orch2.Start(context.Background()); err != nil {
		t.Fatalf("Start after restart: %v", err)
	}
	defer orch2.Stop()
	waitPhase(t, db, runID, model.PhaseCompleted)
}

func TestActivityBackoffUsesActivityCap(t *testing.T) {
	cfg := testConfig()
	cfg.ActivityRetryDelay = 100 * time.Millisecond
	cfg.ActivityRetryMaxDelay = 250 * time.Millisecond
	cfg.PageRetryMaxDelay = time.Millisecond // page-fetch knob, must not apply

	orch := NewOrchestrator(cfg, nil, nil, nil)
	assert.Equal(t, orch.activityBackoff(1), 100*time.Millisecond)
	assert.Equal(t, orch.activityBackoff(2), 200*time.Millisecond)
	assert.Equal(t, orch.activityBackoff(3), 250*time.Millisecond)
}

func TestLoadRetriesOnlyFailedTables(t *testing.T) {
	db := testStore(t)
	fetcher := newFakeFetcher()
	loader := &fakeLoader{failures: 1}
	orch := NewOrchestrator(testConfig(), db, fetcher, loader)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer orch.Stop()

	runID, err := orch.StartRun(context.Background())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitPhase(t, db, runID, model.PhaseCompleted)

	assert.Equal(t, len(loader.calls), 2)
	assert.Equal(t, len(loader.calls[0]), 0) // first pass targets everything
	assert.Equal(t, loader.calls[1], map[string]bool{model.TableTopSellers: true})
}

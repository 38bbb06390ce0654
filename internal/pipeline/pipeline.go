package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"chat-analytics-etl/internal/config"
	"chat-analytics-etl/internal/model"

	"github.com/google/uuid"
)

// Fetcher extracts complete entity sets from the operational source.
type Fetcher interface {
	Health(ctx context.Context) error
	FetchAll(ctx context.Context, kind model.EntityKind) (*model.EntitySet, error)
}

// Loader writes aggregates into the analytical store.
type Loader interface {
	EnsureSchema(ctx context.Context) error
	Load(ctx context.Context, aggs *model.Aggregates, only map[string]bool) (*model.LoadResult, error)
}

// RunStore is the durable checkpoint store the orchestrator writes to
// before every decision it acts on.
type RunStore interface {
	Beater
	CreateRun(runID string) (*model.WorkflowRun, error)
	GetRun(runID string) (*model.WorkflowRun, error)
	ListRuns() ([]model.WorkflowRun, error)
	ResumableRuns() ([]model.WorkflowRun, error)
	SetPhase(runID string, phase model.Phase, lastErr string) error
	RequestCancel(runID string) error
	CancelRequested(runID string) (bool, error)
	BeginActivity(runID, activityID string) (int, error)
	FinishActivity(runID, activityID, status, lastErr string) error
	GetActivity(runID, activityID string) (*model.ActivityState, error)
	ListActivities(runID string) ([]model.ActivityState, error)
	SaveSnapshot(runID string, set *model.EntitySet) error
	LoadSnapshot(runID string, kind model.EntityKind) (*model.EntitySet, error)
	LoadSnapshots(runID string) (model.Snapshot, error)
}

// errCancelled marks a run wound down by an explicit cancel request, as
// opposed to one that failed.
var errCancelled = errors.New("run cancelled")

// Orchestrator owns the workflow state machine. It is the only writer
// of run phases; workers execute activities and report back, nothing
// more. Phases are persisted BEFORE the work they describe is
// dispatched, so a crash always resumes at (or before) where it died,
// never past it.
type Orchestrator struct {
	cfg     config.Config
	store   RunStore
	fetcher Fetcher
	loader  Loader
	pool    *WorkerPool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator wires the pipeline together. Start must be called
// before runs are triggered.
func NewOrchestrator(cfg config.Config, store RunStore, fetcher Fetcher, loader Loader) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		loader:  loader,
		pool:    NewWorkerPool(cfg.Workers, cfg.ActivityTimeout, cfg.HeartbeatInterval, store),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the worker pool and resumes any runs a previous
// process left unfinished.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.pool.Start(ctx, o.cfg.Workers)

	runs, err := o.store.ResumableRuns()
	if err != nil {
		return fmt.Errorf("listing resumable runs: %w", err)
	}
	for _, run := range runs {
		log.Printf("🔄 resuming run %s from phase %s", run.RunID, run.Phase)
		r := run
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.execute(ctx, &r)
		}()
	}
	return nil
}

// Stop waits for in-flight runs and drains the pool.
func (o *Orchestrator) Stop() {
	o.wg.Wait()
	o.pool.Stop()
}

// StartRun creates a new run and executes it asynchronously. The id is
// returned immediately so callers can poll status.
func (o *Orchestrator) StartRun(ctx context.Context) (string, error) {
	runID := uuid.NewString()
	run, err := o.store.CreateRun(runID)
	if err != nil {
		return "", err
	}
	log.Printf("🚀 starting run %s", runID)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(ctx, run)
	}()
	return runID, nil
}

// Cancel requests cooperative cancellation of a run. Terminal runs
// refuse with store.ErrTerminalPhase.
func (o *Orchestrator) Cancel(runID string) error {
	if err := o.store.RequestCancel(runID); err != nil {
		return err
	}
	o.mu.Lock()
	if cancel, ok := o.cancels[runID]; ok {
		cancel()
	}
	o.mu.Unlock()
	return nil
}

// GetRun exposes run status for the API.
func (o *Orchestrator) GetRun(runID string) (*model.WorkflowRun, error) {
	return o.store.GetRun(runID)
}

// ListRuns exposes all runs for the API.
func (o *Orchestrator) ListRuns() ([]model.WorkflowRun, error) {
	return o.store.ListRuns()
}

// Activities exposes a run's activity states for the API.
func (o *Orchestrator) Activities(runID string) ([]model.ActivityState, error) {
	return o.store.ListActivities(runID)
}

func (o *Orchestrator) execute(ctx context.Context, run *model.WorkflowRun) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.cancels[run.RunID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, run.RunID)
		o.mu.Unlock()
	}()

	// Poll the durable cancel flag so a request made against another
	// process instance (or before a resume) still lands.
	pollDone := make(chan struct{})
	defer close(pollDone)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pollDone:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if requested, err := o.store.CancelRequested(run.RunID); err == nil && requested {
					cancel()
					return
				}
			}
		}
	}()

	err := o.run(runCtx, run)
	switch {
	case err == nil:
		if perr := o.store.SetPhase(run.RunID, model.PhaseCompleted, ""); perr != nil {
			log.Printf("⚠️ run %s: recording completion: %v", run.RunID, perr)
		}
		log.Printf("🏁 run %s completed", run.RunID)
	case errors.Is(err, errCancelled) || errors.Is(runCtx.Err(), context.Canceled):
		// Context cancellation without a durable cancel request is
		// process shutdown, not an operator cancel. The phase stays
		// where it was last recorded so the next process resumes the
		// run instead of losing it to a terminal state.
		requested, rerr := o.store.CancelRequested(run.RunID)
		if rerr == nil && !requested {
			log.Printf("🛑 run %s interrupted by shutdown, will resume on restart", run.RunID)
			return
		}
		if perr := o.store.SetPhase(run.RunID, model.PhaseCancelled, err.Error()); perr != nil {
			log.Printf("⚠️ run %s: recording cancellation: %v", run.RunID, perr)
		}
		log.Printf("🛑 run %s cancelled", run.RunID)
	default:
		if perr := o.store.SetPhase(run.RunID, model.PhaseFailed, err.Error()); perr != nil {
			log.Printf("⚠️ run %s: recording failure: %v", run.RunID, perr)
		}
		log.Printf("❌ run %s failed: %v", run.RunID, err)
	}
}

// run drives one run through its remaining phases. A resumed run enters
// here with whatever phase the previous process durably recorded and
// picks up from there.
func (o *Orchestrator) run(ctx context.Context, run *model.WorkflowRun) error {
	phase := run.Phase

	if phase == model.PhasePending || phase == model.PhaseExtracting {
		if err := o.fetcher.Health(ctx); err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
		if err := o.setPhase(ctx, run.RunID, model.PhaseExtracting); err != nil {
			return err
		}
		if err := o.extract(ctx, run.RunID); err != nil {
			return err
		}
		phase = model.PhaseTransforming
	}

	// Transform reruns from the persisted snapshots on resume; being
	// pure, its output never needs to be checkpointed.
	snap, err := o.store.LoadSnapshots(run.RunID)
	if err != nil {
		return fmt.Errorf("loading snapshots: %w", err)
	}
	if !snap.Complete() {
		// A run resumed past extraction with snapshots missing means
		// the previous process died between phase write and snapshot
		// write; finish the extraction gap first.
		if err := o.extract(ctx, run.RunID); err != nil {
			return err
		}
		if snap, err = o.store.LoadSnapshots(run.RunID); err != nil {
			return fmt.Errorf("loading snapshots: %w", err)
		}
	}

	var aggs *model.Aggregates
	if phase == model.PhaseTransforming || phase == model.PhaseLoading {
		if err := o.setPhase(ctx, run.RunID, model.PhaseTransforming); err != nil {
			return err
		}
		if err := o.runActivity(ctx, run.RunID, "transform", func(actCtx context.Context) error {
			aggs = Transform(snap)
			return nil
		}); err != nil {
			return err
		}
		log.Printf("📊 run %s: transform produced %d user rows, %d chat rows, %d seller rows",
			run.RunID, len(aggs.UserStats), len(aggs.ChatStats), len(aggs.Sellers))
	}

	if err := o.setPhase(ctx, run.RunID, model.PhaseLoading); err != nil {
		return err
	}
	return o.load(ctx, run.RunID, aggs)
}

// extract fans the collections out to the pool, one activity per kind,
// and persists each finished set before the activity is marked done.
// Kinds already snapshotted (a resumed, partially extracted run) are
// skipped.
func (o *Orchestrator) extract(ctx context.Context, runID string) error {
	type outcome struct {
		kind model.EntityKind
		err  error
	}
	results := make(chan outcome, len(model.AllKinds()))
	pending := 0

	for _, kind := range model.AllKinds() {
		existing, err := o.store.LoadSnapshot(runID, kind)
		if err != nil {
			return err
		}
		if existing != nil {
			log.Printf("📥 run %s: extract %s already snapshotted, skipping", runID, kind)
			continue
		}
		pending++
		k := kind
		go func() {
			err := o.runActivity(ctx, runID, "extract:"+string(k), func(actCtx context.Context) error {
				set, err := o.fetcher.FetchAll(actCtx, k)
				if err != nil {
					return err
				}
				return o.store.SaveSnapshot(runID, set)
			})
			results <- outcome{kind: k, err: err}
		}()
	}

	var firstErr error
	for i := 0; i < pending; i++ {
		res := <-results
		if res.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("extract %s: %w", res.kind, res.err)
		}
	}
	return firstErr
}

// load writes the aggregates table by table. Tables that fail are
// retried alone on the next attempt; tables already upserted are not
// rewritten (re-upserting them would be harmless, just wasted work).
func (o *Orchestrator) load(ctx context.Context, runID string, aggs *model.Aggregates) error {
	if err := o.loader.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring analytics schema: %w", err)
	}

	only := make(map[string]bool)
	return o.runActivity(ctx, runID, "load", func(actCtx context.Context) error {
		res, err := o.loader.Load(actCtx, aggs, only)
		if err != nil {
			for k := range only {
				delete(only, k)
			}
			if res != nil {
				for _, t := range res.FailedTables {
					only[t] = true
				}
			}
			return err
		}
		return nil
	})
}

// runActivity dispatches one activity to the pool and babysits it:
// attempt counting, exponential backoff between attempts, and a
// watchdog that declares an attempt lost when its heartbeat goes stale.
// The attempt record is written durably before the task is handed to a
// worker.
func (o *Orchestrator) runActivity(ctx context.Context, runID, activityID string, fn func(context.Context) error) error {
	var lastErr error
	for {
		attempt, err := o.store.BeginActivity(runID, activityID)
		if err != nil {
			return err
		}
		if attempt > o.cfg.MaxActivityAttempts {
			err := fmt.Errorf("activity %s exhausted %d attempts: %w", activityID, o.cfg.MaxActivityAttempts, lastErr)
			o.finishActivity(runID, activityID, model.ActivityFailed, err)
			return err
		}
		if attempt > 1 {
			if err := sleepCtx(ctx, o.activityBackoff(attempt-1)); err != nil {
				return errCancelled
			}
		}

		result := make(chan error, 1)
		task := Task{RunID: runID, ActivityID: activityID, Run: fn, Result: result}
		if err := o.pool.Submit(ctx, task); err != nil {
			return errCancelled
		}

		actErr, lost := o.await(ctx, runID, activityID, result)
		switch {
		case lost:
			// Heartbeat went stale: assume the worker died mid-attempt
			// and dispatch again. A late result from the old attempt is
			// absorbed by the buffered channel.
			lastErr = fmt.Errorf("activity %s attempt %d lost: heartbeat stale", activityID, attempt)
			log.Printf("⚠️ run %s: %v, re-dispatching", runID, lastErr)
			continue
		case actErr == nil:
			o.finishActivity(runID, activityID, model.ActivityDone, nil)
			return nil
		case errors.Is(actErr, context.Canceled) && ctx.Err() != nil:
			o.finishActivity(runID, activityID, model.ActivityFailed, actErr)
			return errCancelled
		default:
			lastErr = actErr
			o.finishActivity(runID, activityID, model.ActivityFailed, actErr)
			log.Printf("🔄 run %s: activity %s attempt %d/%d failed: %v",
				runID, activityID, attempt, o.cfg.MaxActivityAttempts, actErr)
		}
	}
}

// await blocks until the attempt reports a result, the run is
// cancelled, or the heartbeat goes stale. Workers stamp a first
// heartbeat on pickup; an attempt with no stamp newer than its dispatch
// is still queued behind busy workers, and a queued attempt cannot have
// crashed, so staleness only applies once that pickup stamp exists.
func (o *Orchestrator) await(ctx context.Context, runID, activityID string, result <-chan error) (err error, lost bool) {
	watchdog := time.NewTicker(o.cfg.HeartbeatInterval)
	defer watchdog.Stop()
	started := time.Now()

	for {
		select {
		case err := <-result:
			return err, false
		case <-ctx.Done():
			return ctx.Err(), false
		case <-watchdog.C:
			state, serr := o.store.GetActivity(runID, activityID)
			if serr != nil || state == nil {
				continue
			}
			if state.HeartbeatAt == nil || !state.HeartbeatAt.After(started) {
				continue
			}
			if time.Since(*state.HeartbeatAt) > o.cfg.HeartbeatTimeout {
				return nil, true
			}
		}
	}
}

func (o *Orchestrator) setPhase(ctx context.Context, runID string, phase model.Phase) error {
	if ctx.Err() != nil {
		return errCancelled
	}
	if err := o.store.SetPhase(runID, phase, ""); err != nil {
		return fmt.Errorf("advancing run %s to %s: %w", runID, phase, err)
	}
	log.Printf("▶️  run %s: phase %s", runID, phase)
	return nil
}

func (o *Orchestrator) finishActivity(runID, activityID, status string, actErr error) {
	msg := ""
	if actErr != nil {
		msg = actErr.Error()
	}
	if err := o.store.FinishActivity(runID, activityID, status, msg); err != nil {
		log.Printf("⚠️ run %s: recording activity %s outcome: %v", runID, activityID, err)
	}
}

func (o *Orchestrator) activityBackoff(prior int) time.Duration {
	d := time.Duration(float64(o.cfg.ActivityRetryDelay) * math.Pow(2, float64(prior-1)))
	if max := o.cfg.ActivityRetryMaxDelay; max > 0 && d > max {
		d = max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

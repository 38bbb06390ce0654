package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Beater receives liveness stamps from workers while an activity runs.
type Beater interface {
	Heartbeat(runID, activityID string) error
}

// Task is one dispatched activity attempt. Result must be buffered: a
// worker whose attempt the watchdog already gave up on still delivers
// its outcome without blocking forever.
type Task struct {
	RunID      string
	ActivityID string
	Run        func(ctx context.Context) error
	Result     chan<- error
}

// WorkerPool runs activity attempts on a fixed set of goroutines. Each
// attempt gets its own timeout context and a heartbeat goroutine that
// stamps the run store while the activity executes, so the orchestrator
// can tell a slow activity from a dead one.
type WorkerPool struct {
	tasks    chan Task
	wg       sync.WaitGroup
	beat     Beater
	timeout  time.Duration
	interval time.Duration
}

// NewWorkerPool sizes the pool; Start must be called before Submit.
func NewWorkerPool(workers int, timeout, heartbeatInterval time.Duration, beat Beater) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	p := &WorkerPool{
		tasks:    make(chan Task, workers*2),
		beat:     beat,
		timeout:  timeout,
		interval: heartbeatInterval,
	}
	return p
}

// Start launches the worker goroutines under ctx.
func (p *WorkerPool) Start(ctx context.Context, workers int) {
	for i := 1; i <= workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	log.Printf("🚀 worker pool started with %d workers", workers)
}

// Submit queues one attempt. It returns an error instead of blocking
// when the pool is shutting down.
func (p *WorkerPool) Submit(ctx context.Context, t Task) error {
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submitting %s/%s: %w", t.RunID, t.ActivityID, ctx.Err())
	}
}

// Stop drains the queue and waits for in-flight attempts to finish.
func (p *WorkerPool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		if ctx.Err() != nil {
			t.deliver(ctx.Err())
			continue
		}
		p.execute(ctx, id, t)
	}
}

func (p *WorkerPool) execute(ctx context.Context, id int, t Task) {
	actCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Stamp once on pickup: the orchestrator's watchdog treats an
	// attempt with no stamp as still queued, so this first beat is what
	// moves it into the staleness-checked state.
	if err := p.beat.Heartbeat(t.RunID, t.ActivityID); err != nil {
		log.Printf("⚠️ worker %d: heartbeat %s/%s failed: %v", id, t.RunID, t.ActivityID, err)
	}

	// Heartbeat for as long as the activity runs; the stamp is what the
	// orchestrator's watchdog checks for staleness.
	hbDone := make(chan struct{})
	var hbWg sync.WaitGroup
	hbWg.Add(1)
	go func() {
		defer hbWg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-actCtx.Done():
				return
			case <-ticker.C:
				if err := p.beat.Heartbeat(t.RunID, t.ActivityID); err != nil {
					log.Printf("⚠️ worker %d: heartbeat %s/%s failed: %v", id, t.RunID, t.ActivityID, err)
				}
			}
		}
	}()

	err := t.Run(actCtx)
	close(hbDone)
	hbWg.Wait()

	if err != nil {
		log.Printf("❌ worker %d: activity %s/%s failed: %v", id, t.RunID, t.ActivityID, err)
	} else {
		log.Printf("✅ worker %d: activity %s/%s done", id, t.RunID, t.ActivityID)
	}
	t.deliver(err)
}

func (t Task) deliver(err error) {
	select {
	case t.Result <- err:
	default:
		// Buffered channel already holds an outcome; the dispatcher
		// stopped listening after re-dispatching this attempt.
	}
}

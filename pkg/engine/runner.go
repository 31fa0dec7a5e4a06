package engine

import (
	"context"
	"sync"
	"time"

	"github.com/carriersift/carriersift/internal/logger"
)

// Runner schedules worker invocations: it polls on a fixed interval and
// can be kicked immediately when new work arrives (file upload, resume).
// One runner drives one worker; deployments wanting parallelism across
// files run multiple processes against the same store.
type Runner struct {
	worker   *Worker
	interval time.Duration

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewRunner creates a runner for the worker.
func NewRunner(worker *Worker, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Runner{
		worker:   worker,
		interval: interval,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the scheduling loop. It returns immediately; invocations
// run on a background goroutine until Stop is called or ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
	logger.Info("Worker runner started", "poll_interval", r.interval)
}

// Kick requests an immediate invocation. Non-blocking; a kick while one is
// already queued is coalesced.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Stop shuts the runner down and waits for an in-flight invocation to
// return. The invocation itself honors its wall-time budget, so Stop can
// block up to that long unless the context passed to Start is cancelled.
func (r *Runner) Stop() {
	r.once.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Worker runner stopping", "reason", ctx.Err())
			return
		case <-r.stop:
			logger.Info("Worker runner stopping")
			return
		case <-r.kick:
		case <-ticker.C:
		}

		r.invoke(ctx)
	}
}

func (r *Runner) invoke(ctx context.Context) {
	advanced, err := r.worker.RunOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("Worker invocation failed", "error", err)
		return
	}

	// Re-kick only while invocations advance work, so a long queue is not
	// paced by the poll interval. A stalled file (failed_permanent chunks,
	// offset short of total) reports no advance and waits for the next poll
	// instead of spinning the loop against the database.
	if advanced {
		r.Kick()
	}
}

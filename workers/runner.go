package workers

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/goliatone/go-entitlements/core"
	glog "github.com/goliatone/go-logger/glog"
)

// BatchRunner is one worker's unit of periodic work. RunBatch must honor
// context cancellation between items; the runner bounds each call with the
// configured batch budget.
type BatchRunner interface {
	Name() string
	RunBatch(ctx context.Context) error
}

// Runner drives a BatchRunner on a fixed interval. Each tick is contained: a
// panic or error in one batch is logged and the loop keeps going. Startup
// jitter spreads instances of the same worker across a fleet so they do not
// scan in lockstep.
type Runner struct {
	worker        BatchRunner
	interval      time.Duration
	startupJitter time.Duration
	batchBudget   time.Duration
	logger        core.Logger
	sleep         func(ctx context.Context, d time.Duration) bool
	jitter        func(max time.Duration) time.Duration
}

func NewRunner(worker BatchRunner, cfg core.WorkerConfig, logger core.Logger) *Runner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		worker:        worker,
		interval:      interval,
		startupJitter: cfg.StartupJitter,
		batchBudget:   cfg.BatchBudget,
		logger:        glog.Ensure(logger),
		sleep:         sleepContext,
		jitter:        randomJitter,
	}
}

// WorkerName reports the wrapped worker's name.
func (r *Runner) WorkerName() string {
	if r == nil || r.worker == nil {
		return ""
	}
	return r.worker.Name()
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r == nil || r.worker == nil {
		return fmt.Errorf("workers: runner requires a batch runner")
	}

	if r.startupJitter > 0 {
		if !r.sleep(ctx, r.jitter(r.startupJitter)) {
			return ctx.Err()
		}
	}

	for {
		r.runOnce(ctx)
		if !r.sleep(ctx, r.interval+r.jitter(r.interval/10)) {
			return ctx.Err()
		}
	}
}

// RunOnce executes a single contained batch. Useful for tests and for
// wiring ticks into an external scheduler.
func (r *Runner) RunOnce(ctx context.Context) {
	if r == nil || r.worker == nil {
		return
	}
	r.runOnce(ctx)
}

func (r *Runner) runOnce(ctx context.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("worker batch panicked",
				"worker", r.worker.Name(),
				"panic", fmt.Sprint(recovered),
				"stack", string(debug.Stack()),
			)
		}
	}()

	batchCtx := ctx
	if r.batchBudget > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, r.batchBudget)
		defer cancel()
	}

	startedAt := time.Now()
	if err := r.worker.RunBatch(batchCtx); err != nil {
		r.logger.Error("worker batch failed",
			"worker", r.worker.Name(),
			"duration_ms", time.Since(startedAt).Milliseconds(),
			"error", err.Error(),
		)
		return
	}
	r.logger.Info("worker batch completed",
		"worker", r.worker.Name(),
		"duration_ms", time.Since(startedAt).Milliseconds(),
	)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

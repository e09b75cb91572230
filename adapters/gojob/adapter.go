package gojob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-entitlements/core"
	"github.com/goliatone/go-entitlements/workers"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	JobIDRenewal        = "entitlements.renewal"
	JobIDExpiry         = "entitlements.expiry"
	JobIDActivation     = "entitlements.activation"
	JobIDReconcile      = "entitlements.reconcile"
	JobIDOutboxDispatch = "entitlements.outbox"
)

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// TickMessage builds the execution message for one worker tick. The
// idempotency key collapses duplicate ticks enqueued for the same window.
func TickMessage(jobID string, dedupKey string) *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(jobID),
		Parameters:     map[string]any{},
		IdempotencyKey: strings.TrimSpace(dedupKey),
	}
}

// TickEnqueuer schedules worker ticks through a go-job queue so deployments
// can run the worker family on external schedulers instead of in-process
// interval loops.
type TickEnqueuer struct {
	enqueuer queue.Enqueuer
}

func NewTickEnqueuer(enqueuer queue.Enqueuer) *TickEnqueuer {
	return &TickEnqueuer{enqueuer: enqueuer}
}

func (a *TickEnqueuer) EnqueueTick(ctx context.Context, jobID string, dedupKey string) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("gojob: job id is required")
	}
	return a.enqueuer.Enqueue(ctx, TickMessage(jobID, dedupKey))
}

// TickConsumer dequeues worker ticks and dispatches each to the runner
// registered for its job id. Batches are contained by the runner, so a known
// job id is always acked; unknown ids are nacked under the retry policy.
type TickConsumer struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy
	logger   core.Logger

	mu      sync.RWMutex
	runners map[string]*workers.Runner
}

func NewTickConsumer(dequeuer queue.Dequeuer, policy RetryPolicy, logger core.Logger) *TickConsumer {
	return &TickConsumer{
		dequeuer: dequeuer,
		policy:   policy,
		logger:   glog.Ensure(logger),
		runners:  map[string]*workers.Runner{},
	}
}

func (c *TickConsumer) Register(jobID string, runner *workers.Runner) error {
	if c == nil {
		return fmt.Errorf("gojob: consumer is not configured")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("gojob: job id is required")
	}
	if runner == nil {
		return fmt.Errorf("gojob: runner is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.runners[jobID]; exists {
		return fmt.Errorf("gojob: job %q already registered", jobID)
	}
	c.runners[jobID] = runner
	return nil
}

// RegisterFamily binds the standard worker family to its job ids.
func (c *TickConsumer) RegisterFamily(family *workers.Family) error {
	if family == nil {
		return fmt.Errorf("gojob: worker family is required")
	}
	for _, runner := range family.Runners() {
		if err := c.Register(runner.WorkerName(), runner); err != nil {
			return err
		}
	}
	return nil
}

// ConsumeOne processes a single dequeued tick.
func (c *TickConsumer) ConsumeOne(ctx context.Context) error {
	if c == nil || c.dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := c.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}

	msg := delivery.Message()
	jobID := ""
	if msg != nil {
		jobID = strings.TrimSpace(msg.JobID)
	}

	c.mu.RLock()
	runner, ok := c.runners[jobID]
	c.mu.RUnlock()
	if !ok {
		c.logger.Error("tick for unregistered job", "job_id", jobID)
		return delivery.Nack(ctx, c.policy.NormalizeAttempt(queue.NackOptions{
			DeadLetter: true,
			Reason:     "unregistered job id",
		}, c.policy.MaxAttempts))
	}

	runner.RunOnce(ctx)
	return delivery.Ack(ctx)
}

// Consume loops until ctx is cancelled.
func (c *TickConsumer) Consume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.ConsumeOne(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("tick consume failed", "error", err.Error())
		}
	}
}

// LoggingHook emits structured lifecycle logs for queue-driven executions.
type LoggingHook struct {
	logger core.Logger
}

func NewLoggingHook(logger core.Logger) *LoggingHook {
	return &LoggingHook{logger: glog.Ensure(logger)}
}

func (h *LoggingHook) OnStart(_ context.Context, event worker.Event) {
	h.logger.Info("job started", "job_id", eventJobID(event), "attempt", event.Attempt)
}

func (h *LoggingHook) OnSuccess(_ context.Context, event worker.Event) {
	h.logger.Info("job succeeded",
		"job_id", eventJobID(event),
		"attempt", event.Attempt,
		"duration_ms", event.Duration.Milliseconds(),
	)
}

func (h *LoggingHook) OnFailure(_ context.Context, event worker.Event) {
	h.logger.Error("job failed",
		"job_id", eventJobID(event),
		"attempt", event.Attempt,
		"error", eventError(event),
	)
}

func (h *LoggingHook) OnRetry(_ context.Context, event worker.Event) {
	h.logger.Info("job retry scheduled",
		"job_id", eventJobID(event),
		"attempt", event.Attempt,
		"delay_ms", event.Delay.Milliseconds(),
	)
}

func eventJobID(event worker.Event) string {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	if message == nil {
		return ""
	}
	return message.JobID
}

func eventError(event worker.Event) string {
	if event.Err == nil {
		return ""
	}
	return event.Err.Error()
}

var _ worker.Hook = (*LoggingHook)(nil)

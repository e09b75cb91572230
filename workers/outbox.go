package workers

import (
	"context"
	"fmt"

	"github.com/goliatone/go-entitlements/core"
	glog "github.com/goliatone/go-logger/glog"
)

// Dispatcher drains a batch of pending outbox events.
type Dispatcher interface {
	DispatchPending(ctx context.Context, batchSize int) (core.DispatchStats, error)
}

// OutboxWorker ticks the notification outbox dispatcher. Delivery failures
// surface in the stats and in the dispatcher's retry bookkeeping; the worker
// only reports them.
type OutboxWorker struct {
	Dispatcher Dispatcher
	Config     core.WorkerConfig
	Logger     core.Logger
}

func NewOutboxWorker(dispatcher Dispatcher, cfg core.WorkerConfig, logger core.Logger) *OutboxWorker {
	return &OutboxWorker{
		Dispatcher: dispatcher,
		Config:     cfg,
		Logger:     glog.Ensure(logger),
	}
}

func (w *OutboxWorker) Name() string {
	return "entitlements.outbox"
}

func (w *OutboxWorker) RunBatch(ctx context.Context) error {
	if w == nil || w.Dispatcher == nil {
		return fmt.Errorf("workers: outbox worker requires a dispatcher")
	}

	stats, err := w.Dispatcher.DispatchPending(ctx, w.Config.BatchSize)
	if err != nil {
		w.logger().Error("outbox dispatch reported failures",
			"claimed", stats.Claimed,
			"delivered", stats.Delivered,
			"retried", stats.Retried,
			"failed", stats.Failed,
			"error", err.Error(),
		)
		return err
	}
	w.logger().Info("outbox batch finished",
		"claimed", stats.Claimed,
		"delivered", stats.Delivered,
		"retried", stats.Retried,
		"failed", stats.Failed,
	)
	return nil
}

func (w *OutboxWorker) logger() core.Logger {
	if w != nil && w.Logger != nil {
		return w.Logger
	}
	return glog.Ensure(nil)
}

var _ BatchRunner = (*OutboxWorker)(nil)

package workers

import (
	"context"
	"fmt"

	"github.com/goliatone/go-entitlements/core"
	glog "github.com/goliatone/go-logger/glog"
)

// Activator is the activation retry entry point of the entitlement service.
type Activator interface {
	ActivateRow(ctx context.Context, entitlementID string) (bool, error)
}

// ActivationWorker retries credential provisioning for rows stuck in
// pending_activation. Rows at the attempt ceiling stay out of the selection;
// operators resolve those by hand.
type ActivationWorker struct {
	Activator Activator
	Reader    core.EntitlementReader
	Config    core.ActivationConfig
	Logger    core.Logger
}

func NewActivationWorker(activator Activator, reader core.EntitlementReader, cfg core.ActivationConfig, logger core.Logger) *ActivationWorker {
	return &ActivationWorker{
		Activator: activator,
		Reader:    reader,
		Config:    cfg,
		Logger:    glog.Ensure(logger),
	}
}

func (w *ActivationWorker) Name() string {
	return "entitlements.activation"
}

func (w *ActivationWorker) RunBatch(ctx context.Context) error {
	if w == nil || w.Activator == nil || w.Reader == nil {
		return fmt.Errorf("workers: activation worker requires activator and reader")
	}

	rows, err := w.Reader.ListPendingActivation(ctx, w.maxAttempts(), w.batchSize())
	if err != nil {
		return fmt.Errorf("workers: select pending activations: %w", err)
	}

	var activated, skipped, failed int
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, activateErr := w.Activator.ActivateRow(ctx, row.ID)
		switch {
		case activateErr != nil:
			failed++
			w.logger().Error("activation retry failed",
				"entitlement_id", row.ID,
				"owner_id", row.OwnerID,
				"attempts", row.ActivationAttempts,
				"error", activateErr.Error(),
			)
		case done:
			activated++
		default:
			skipped++
		}
	}

	w.logger().Info("activation batch finished",
		"selected", len(rows),
		"activated", activated,
		"skipped", skipped,
		"failed", failed,
	)
	return nil
}

func (w *ActivationWorker) maxAttempts() int {
	if w.Config.MaxAttempts > 0 {
		return w.Config.MaxAttempts
	}
	return core.DefaultConfig().Activation.MaxAttempts
}

func (w *ActivationWorker) batchSize() int {
	if w.Config.Worker.BatchSize > 0 {
		return w.Config.Worker.BatchSize
	}
	return core.DefaultConfig().Activation.Worker.BatchSize
}

func (w *ActivationWorker) logger() core.Logger {
	if w != nil && w.Logger != nil {
		return w.Logger
	}
	return glog.Ensure(nil)
}

var _ BatchRunner = (*ActivationWorker)(nil)

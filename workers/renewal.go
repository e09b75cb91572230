package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-entitlements/core"
	glog "github.com/goliatone/go-logger/glog"
)

// Renewer is the renewal entry point of the entitlement service.
type Renewer interface {
	RenewFromBalance(ctx context.Context, req core.RenewalRequest) (core.PurchaseOutcome, error)
}

// RenewalWorker selects entitlements expiring inside the lookahead window and
// renews each from the owner's balance. The claim window keeps rows renewed
// by a concurrent instance out of the next selection; each renewal itself is
// claimed by the prior-expiry guard, so double selection costs a wasted read
// and never a double charge.
type RenewalWorker struct {
	Renewer Renewer
	Reader  core.EntitlementReader
	Config  core.RenewalConfig
	Logger  core.Logger
	Now     func() time.Time
}

func NewRenewalWorker(renewer Renewer, reader core.EntitlementReader, cfg core.RenewalConfig, logger core.Logger) *RenewalWorker {
	return &RenewalWorker{
		Renewer: renewer,
		Reader:  reader,
		Config:  cfg,
		Logger:  glog.Ensure(logger),
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (w *RenewalWorker) Name() string {
	return "entitlements.renewal"
}

func (w *RenewalWorker) RunBatch(ctx context.Context) error {
	if w == nil || w.Renewer == nil || w.Reader == nil {
		return fmt.Errorf("workers: renewal worker requires renewer and reader")
	}

	now := w.now()
	claimedAfter := now.Add(-w.claimWindow())
	rows, err := w.Reader.ListExpiringWithin(ctx, w.lookahead(), claimedAfter, w.batchSize())
	if err != nil {
		return fmt.Errorf("workers: select expiring entitlements: %w", err)
	}

	var renewed, skipped, failed int
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, renewErr := w.Renewer.RenewFromBalance(ctx, core.RenewalRequest{
			EntitlementID: row.ID,
			Duration:      w.Config.Duration,
			Price:         w.Config.Price,
		})
		switch {
		case renewErr != nil && core.IsRejection(renewErr):
			// Insufficient balance or a concurrent claim. The row stays as
			// is and the expiry worker handles it if it never renews.
			skipped++
			w.logger().Info("renewal skipped",
				"entitlement_id", row.ID,
				"owner_id", row.OwnerID,
				"reason", renewErr.Error(),
			)
		case renewErr != nil:
			failed++
			w.logger().Error("renewal failed",
				"entitlement_id", row.ID,
				"owner_id", row.OwnerID,
				"error", renewErr.Error(),
			)
		case outcome.Kind == core.OutcomeCommitted:
			renewed++
		default:
			skipped++
		}
	}

	w.logger().Info("renewal batch finished",
		"selected", len(rows),
		"renewed", renewed,
		"skipped", skipped,
		"failed", failed,
	)
	return nil
}

func (w *RenewalWorker) lookahead() time.Duration {
	if w.Config.Lookahead > 0 {
		return w.Config.Lookahead
	}
	return core.DefaultConfig().Renewal.Lookahead
}

func (w *RenewalWorker) claimWindow() time.Duration {
	if w.Config.ClaimWindow > 0 {
		return w.Config.ClaimWindow
	}
	return core.DefaultConfig().Renewal.ClaimWindow
}

func (w *RenewalWorker) batchSize() int {
	if w.Config.Worker.BatchSize > 0 {
		return w.Config.Worker.BatchSize
	}
	return core.DefaultConfig().Renewal.Worker.BatchSize
}

func (w *RenewalWorker) now() time.Time {
	if w != nil && w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *RenewalWorker) logger() core.Logger {
	if w != nil && w.Logger != nil {
		return w.Logger
	}
	return glog.Ensure(nil)
}

var _ BatchRunner = (*RenewalWorker)(nil)

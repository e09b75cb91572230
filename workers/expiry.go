package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-entitlements/core"
	glog "github.com/goliatone/go-logger/glog"
)

// Expirer is the expiry entry point of the entitlement service.
type Expirer interface {
	ExpireRow(ctx context.Context, entitlementID string) (bool, error)
}

// ExpiryWorker walks overdue active rows in keyset batches and expires each
// one. The service re-reads every row right before its destructive write, so
// a renewal landing between selection and processing turns that row into a
// no-op rather than a lost entitlement.
type ExpiryWorker struct {
	Expirer Expirer
	Reader  core.EntitlementReader
	Config  core.WorkerConfig
	Logger  core.Logger
	Now     func() time.Time
}

func NewExpiryWorker(expirer Expirer, reader core.EntitlementReader, cfg core.WorkerConfig, logger core.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		Expirer: expirer,
		Reader:  reader,
		Config:  cfg,
		Logger:  glog.Ensure(logger),
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (w *ExpiryWorker) Name() string {
	return "entitlements.expiry"
}

func (w *ExpiryWorker) RunBatch(ctx context.Context) error {
	if w == nil || w.Expirer == nil || w.Reader == nil {
		return fmt.Errorf("workers: expiry worker requires expirer and reader")
	}

	now := w.now()
	batchSize := w.batchSize()
	afterID := ""
	var expired, skipped, failed int

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := w.Reader.ListExpired(ctx, now, afterID, batchSize)
		if err != nil {
			return fmt.Errorf("workers: select expired entitlements: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			done, expireErr := w.Expirer.ExpireRow(ctx, row.ID)
			switch {
			case expireErr != nil:
				failed++
				w.logger().Error("expiry failed",
					"entitlement_id", row.ID,
					"owner_id", row.OwnerID,
					"error", expireErr.Error(),
				)
			case done:
				expired++
			default:
				skipped++
			}
		}

		afterID = rows[len(rows)-1].ID
		if len(rows) < batchSize {
			break
		}
	}

	w.logger().Info("expiry batch finished",
		"expired", expired,
		"skipped", skipped,
		"failed", failed,
	)
	return nil
}

func (w *ExpiryWorker) batchSize() int {
	if w.Config.BatchSize > 0 {
		return w.Config.BatchSize
	}
	return core.DefaultConfig().Expiry.BatchSize
}

func (w *ExpiryWorker) now() time.Time {
	if w != nil && w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *ExpiryWorker) logger() core.Logger {
	if w != nil && w.Logger != nil {
		return w.Logger
	}
	return glog.Ensure(nil)
}

var _ BatchRunner = (*ExpiryWorker)(nil)

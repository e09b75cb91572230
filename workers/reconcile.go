package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-entitlements/core"
	glog "github.com/goliatone/go-logger/glog"
)

// CredentialDeleter removes an orphaned credential with bounded retries.
type CredentialDeleter interface {
	DeleteCredentialWithRetry(ctx context.Context, credentialID string) error
}

// ReconcileWorker compares the provisioner's credential set against the
// ledger's. A credential present externally but absent from the ledger is an
// orphan candidate; it is deleted only after it has stayed orphaned for the
// grace window and a live re-read still finds no row referencing it. The
// inverse anomaly, a ledger row whose credential the provisioner no longer
// holds, is logged at error severity and never auto-fixed: deleting ledger
// state over a scan result would turn a provisioner glitch into data loss.
type ReconcileWorker struct {
	Provisioner core.CredentialProvisioner
	Reader      core.EntitlementReader
	Deleter     CredentialDeleter
	Config      core.ReconcileConfig
	Logger      core.Logger
	Now         func() time.Time

	// orphanSeen is process-local; a restart resets the grace clock for
	// in-flight candidates, delaying deletion but never deleting early.
	mu         sync.Mutex
	orphanSeen map[string]time.Time
}

func NewReconcileWorker(
	provisioner core.CredentialProvisioner,
	reader core.EntitlementReader,
	deleter CredentialDeleter,
	cfg core.ReconcileConfig,
	logger core.Logger,
) *ReconcileWorker {
	return &ReconcileWorker{
		Provisioner: provisioner,
		Reader:      reader,
		Deleter:     deleter,
		Config:      cfg,
		Logger:      glog.Ensure(logger),
		Now: func() time.Time {
			return time.Now().UTC()
		},
		orphanSeen: map[string]time.Time{},
	}
}

func (w *ReconcileWorker) Name() string {
	return "entitlements.reconcile"
}

func (w *ReconcileWorker) RunBatch(ctx context.Context) error {
	if w == nil || w.Provisioner == nil || w.Reader == nil || w.Deleter == nil {
		return fmt.Errorf("workers: reconcile worker requires provisioner, reader and deleter")
	}

	external, err := w.Provisioner.ListCredentialIDs(ctx)
	if err != nil {
		return fmt.Errorf("workers: list external credentials: %w", err)
	}
	ledger, err := w.Reader.ListCredentialIDs(ctx)
	if err != nil {
		return fmt.Errorf("workers: list ledger credentials: %w", err)
	}

	ledgerSet := make(map[string]struct{}, len(ledger))
	for _, id := range ledger {
		ledgerSet[id] = struct{}{}
	}

	now := w.now()
	var candidates, deleted, failed int

	w.mu.Lock()
	seen := w.orphanSeen
	if seen == nil {
		seen = map[string]time.Time{}
	}
	currentOrphans := map[string]time.Time{}
	w.mu.Unlock()

	for _, credentialID := range external {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, referenced := ledgerSet[credentialID]; referenced {
			continue
		}

		firstSeen, known := seen[credentialID]
		if !known {
			firstSeen = now
		}
		currentOrphans[credentialID] = firstSeen
		candidates++

		// A purchase committing between the external snapshot and this check
		// is younger than the grace window, so it is never considered here.
		if now.Sub(firstSeen) < w.graceWindow() {
			continue
		}

		row, found, readErr := w.Reader.FindByCredentialID(ctx, credentialID)
		if readErr != nil {
			failed++
			w.logger().Error("reconcile live re-read failed",
				"credential_id", credentialID,
				"error", readErr.Error(),
			)
			continue
		}
		if found {
			delete(currentOrphans, credentialID)
			w.logger().Info("reconcile candidate resolved by live row",
				"credential_id", credentialID,
				"entitlement_id", row.ID,
			)
			continue
		}

		if deleteErr := w.Deleter.DeleteCredentialWithRetry(ctx, credentialID); deleteErr != nil {
			failed++
			w.logger().Error("orphan credential delete failed",
				"credential_id", credentialID,
				"error", deleteErr.Error(),
			)
			continue
		}
		delete(currentOrphans, credentialID)
		deleted++
	}

	externalSet := make(map[string]struct{}, len(external))
	for _, id := range external {
		externalSet[id] = struct{}{}
	}
	var missing int
	for _, credentialID := range ledger {
		if _, exists := externalSet[credentialID]; exists {
			continue
		}
		missing++
		w.logger().Error("ledger references credential missing from provisioner",
			"credential_id", credentialID,
		)
	}

	w.mu.Lock()
	w.orphanSeen = currentOrphans
	w.mu.Unlock()

	w.logger().Info("reconcile batch finished",
		"external", len(external),
		"ledger", len(ledger),
		"orphan_candidates", candidates,
		"deleted", deleted,
		"missing_from_provisioner", missing,
		"failed", failed,
	)
	return nil
}

func (w *ReconcileWorker) graceWindow() time.Duration {
	if w.Config.GraceWindow > 0 {
		return w.Config.GraceWindow
	}
	return core.DefaultConfig().Reconcile.GraceWindow
}

func (w *ReconcileWorker) now() time.Time {
	if w != nil && w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *ReconcileWorker) logger() core.Logger {
	if w != nil && w.Logger != nil {
		return w.Logger
	}
	return glog.Ensure(nil)
}

var _ BatchRunner = (*ReconcileWorker)(nil)

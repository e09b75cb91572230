package core

import (
	"context"
	"fmt"
	"strings"
)

const (
	EventEntitlementExpired   = "entitlement.expired"
	EventEntitlementActivated = "entitlement.activated"
)

// ExpireRow transitions one overdue entitlement to expired. The row is
// re-fetched immediately before the destructive write: a renewal committed
// between batch selection and processing makes the row ineligible and the
// call a no-op. The credential delete happens outside any held connection;
// the short transaction that follows is guarded by the row's unchanged
// credential id so it cannot cross-commit with a concurrent renewal.
func (s *Service) ExpireRow(ctx context.Context, entitlementID string) (bool, error) {
	if s == nil || s.ledgerStore == nil || s.provisioner == nil {
		return false, fmt.Errorf("core: ledger store and provisioner are required")
	}

	now := s.clock()
	row, found, err := s.entitlementReader.Get(ctx, entitlementID)
	if err != nil {
		return false, s.mapError(err)
	}
	if !found || row.Status != EntitlementStatusActive || row.ExpiresAt.After(now) {
		return false, nil
	}

	if row.Source == EntitlementSourceTrial {
		// The deciding read is taken fresh here, not reused from the batch
		// snapshot: a trial that upgraded to paid since selection keeps its
		// credential.
		activePaid, paidErr := s.entitlementReader.HasActivePaid(ctx, row.OwnerID, now)
		if paidErr != nil {
			return false, s.mapError(paidErr)
		}
		if activePaid {
			return false, nil
		}
	}

	credentialID := strings.TrimSpace(row.CredentialID)
	if credentialID != "" {
		if err := s.DeleteCredentialWithRetry(ctx, credentialID); err != nil {
			return false, err
		}
	}

	expired := false
	txErr := s.ledgerStore.RunInTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		applied, expireErr := tx.ExpireEntitlement(ctx, entitlementID, credentialID, now)
		if expireErr != nil {
			return expireErr
		}
		if !applied {
			return nil
		}
		expired = true
		return tx.EnqueueEvent(ctx, LifecycleEvent{
			ID:            s.idGenerator(),
			Name:          EventEntitlementExpired,
			OwnerID:       row.OwnerID,
			EntitlementID: row.ID,
			Source:        string(row.Source),
			OccurredAt:    now,
		})
	})
	if txErr != nil {
		return false, s.mapError(txErr)
	}
	if !expired {
		s.logInfo(ctx, "expiry skipped, row changed concurrently", map[string]any{
			"entitlement_id": entitlementID,
		})
	}
	return expired, nil
}

// ActivateRow retries Phase 1 + Phase 2 for one pending_activation row. A
// zero-rows precondition mismatch means another worker already handled the
// row and is not an error.
func (s *Service) ActivateRow(ctx context.Context, entitlementID string) (bool, error) {
	if s == nil || s.ledgerStore == nil || s.provisioner == nil {
		return false, fmt.Errorf("core: ledger store and provisioner are required")
	}

	row, found, err := s.entitlementReader.Get(ctx, entitlementID)
	if err != nil {
		return false, s.mapError(err)
	}
	if !found || row.Status != EntitlementStatusPendingActivation {
		return false, nil
	}
	if row.ActivationAttempts >= s.maxActivationAttempts() {
		return false, nil
	}

	credentialID, err := s.provisioner.Create(ctx, row.OwnerID)
	if err != nil {
		if recordErr := s.recordActivationAttempt(ctx, entitlementID); recordErr != nil {
			s.logError(ctx, "activation attempt bookkeeping failed", map[string]any{
				"entitlement_id": entitlementID,
				"error":          recordErr.Error(),
			})
		}
		return false, s.mapError(err)
	}

	now := s.clock()
	activated := false
	txErr := s.ledgerStore.RunInTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		applied, activateErr := tx.ActivateEntitlement(ctx, entitlementID, credentialID, now)
		if activateErr != nil {
			return activateErr
		}
		if !applied {
			return nil
		}
		activated = true
		return tx.EnqueueEvent(ctx, LifecycleEvent{
			ID:            s.idGenerator(),
			Name:          EventEntitlementActivated,
			OwnerID:       row.OwnerID,
			EntitlementID: row.ID,
			Source:        string(row.Source),
			OccurredAt:    now,
			Payload: map[string]any{
				"credential_id": credentialID,
			},
		})
	})
	if txErr != nil {
		s.cleanupOrphanCredential(ctx, credentialID)
		return false, s.mapError(txErr)
	}
	if !activated {
		s.cleanupOrphanCredential(ctx, credentialID)
		return false, nil
	}
	return true, nil
}

func (s *Service) recordActivationAttempt(ctx context.Context, entitlementID string) error {
	return s.ledgerStore.RunInTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		return tx.RecordActivationAttempt(ctx, entitlementID)
	})
}

func (s *Service) maxActivationAttempts() int {
	if s == nil || s.config.Activation.MaxAttempts <= 0 {
		return DefaultConfig().Activation.MaxAttempts
	}
	return s.config.Activation.MaxAttempts
}

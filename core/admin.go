package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type GrantRequest struct {
	OwnerID  string
	Duration time.Duration
}

// Grant issues or extends an entitlement by administrative action. The grant
// follows the same two-phase protocol as a purchase but skips the payment
// boundary entirely: no purchase claim, no balance mutation.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (PurchaseOutcome, error) {
	startedAt := s.clock()
	outcome, err := s.grant(ctx, req)
	s.observeOperation(ctx, startedAt, "admin_grant", err, map[string]any{
		"owner_id": req.OwnerID,
		"kind":     string(outcome.Kind),
	})
	return outcome, err
}

func (s *Service) grant(ctx context.Context, req GrantRequest) (PurchaseOutcome, error) {
	if s == nil || s.ledgerStore == nil || s.provisioner == nil {
		return PurchaseOutcome{}, fmt.Errorf("core: ledger store and provisioner are required")
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return rejected("owner id is required"), s.mapError(fmt.Errorf("core: owner id is required"))
	}
	if req.Duration <= 0 {
		return rejected("grant duration must be positive"), s.mapError(fmt.Errorf("core: invalid grant duration"))
	}

	now := s.clock()
	var current *Entitlement
	if row, found, err := s.entitlementReader.GetByOwner(ctx, req.OwnerID); err != nil {
		return PurchaseOutcome{}, s.mapError(err)
	} else if found {
		current = &row
	}
	kind := Classify(current)

	credentialID := ""
	createdCredential := false
	if kind == ProvisionKindIssue {
		created, err := s.provisioner.Create(ctx, req.OwnerID)
		if err != nil {
			return PurchaseOutcome{}, s.mapError(err)
		}
		credentialID = created
		createdCredential = true
	} else {
		credentialID = current.CredentialID
		if err := s.provisioner.Update(ctx, credentialID, NextExpiry(current.ExpiresAt, now, req.Duration)); err != nil {
			return PurchaseOutcome{}, s.mapError(err)
		}
	}

	var entitlement Entitlement
	txErr := s.ledgerStore.RunInTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		fresh, found, readErr := tx.GetEntitlementByOwner(ctx, req.OwnerID)
		if readErr != nil {
			return readErr
		}
		var freshRow *Entitlement
		if found {
			freshRow = &fresh
		}
		if Classify(freshRow) != kind {
			return fmt.Errorf("core: entitlement state changed during provisioning for owner %q", req.OwnerID)
		}

		switch kind {
		case ProvisionKindIssue:
			entitlement, readErr = tx.UpsertEntitlement(ctx, UpsertEntitlementInput{
				OwnerID:      req.OwnerID,
				CredentialID: credentialID,
				Status:       EntitlementStatusActive,
				Source:       EntitlementSourceAdmin,
				ExpiresAt:    now.Add(req.Duration),
			})
			if readErr != nil {
				return readErr
			}
		case ProvisionKindRenew:
			newExpiry := NextExpiry(fresh.ExpiresAt, now, req.Duration)
			applied, renewErr := tx.RenewEntitlement(ctx, RenewEntitlementInput{
				EntitlementID:  fresh.ID,
				PriorExpiresAt: fresh.ExpiresAt,
				NewExpiresAt:   newExpiry,
				Source:         EntitlementSourceAdmin,
				RenewedAt:      now,
			})
			if renewErr != nil {
				return renewErr
			}
			if !applied {
				return fmt.Errorf("core: concurrent renewal already claimed entitlement %q", fresh.ID)
			}
			entitlement = fresh
			entitlement.ExpiresAt = newExpiry
			entitlement.Source = EntitlementSourceAdmin
		}

		return tx.EnqueueEvent(ctx, s.committedEvent(entitlement, kind, now))
	})
	if txErr != nil {
		if createdCredential {
			s.cleanupOrphanCredential(ctx, credentialID)
		}
		return PurchaseOutcome{}, s.mapError(txErr)
	}
	return PurchaseOutcome{Kind: OutcomeCommitted, Entitlement: entitlement, Renewed: kind == ProvisionKindRenew}, nil
}

// Revoke expires the owner's entitlement by administrative action: same
// protocol as the expiry worker (credential delete outside any connection,
// then a short guarded transaction), but without waiting for expires_at.
func (s *Service) Revoke(ctx context.Context, ownerID string, reason string) error {
	startedAt := s.clock()
	err := s.revoke(ctx, ownerID, reason)
	s.observeOperation(ctx, startedAt, "admin_revoke", err, map[string]any{
		"owner_id": ownerID,
	})
	return err
}

func (s *Service) revoke(ctx context.Context, ownerID string, reason string) error {
	if s == nil || s.ledgerStore == nil || s.provisioner == nil {
		return fmt.Errorf("core: ledger store and provisioner are required")
	}
	if strings.TrimSpace(ownerID) == "" {
		return s.mapError(fmt.Errorf("core: owner id is required"))
	}

	row, found, err := s.entitlementReader.GetByOwner(ctx, ownerID)
	if err != nil {
		return s.mapError(err)
	}
	if !found {
		return s.mapError(ErrEntitlementNotFound)
	}
	if row.Status == EntitlementStatusExpired {
		return nil
	}

	credentialID := strings.TrimSpace(row.CredentialID)
	if credentialID != "" {
		if err := s.DeleteCredentialWithRetry(ctx, credentialID); err != nil {
			return err
		}
	}

	now := s.clock()
	txErr := s.ledgerStore.RunInTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		applied, expireErr := tx.ExpireEntitlement(ctx, row.ID, credentialID, now)
		if expireErr != nil {
			return expireErr
		}
		if !applied {
			return errors.New("core: entitlement changed concurrently during revoke")
		}
		return tx.EnqueueEvent(ctx, LifecycleEvent{
			ID:            s.idGenerator(),
			Name:          EventEntitlementExpired,
			OwnerID:       row.OwnerID,
			EntitlementID: row.ID,
			Source:        string(row.Source),
			OccurredAt:    now,
			Metadata: map[string]any{
				"reason": strings.TrimSpace(reason),
			},
		})
	})
	return s.mapError(txErr)
}

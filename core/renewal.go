package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type RenewalRequest struct {
	EntitlementID string
	Duration      time.Duration
	Price         int64
}

func (r RenewalRequest) Validate() error {
	if strings.TrimSpace(r.EntitlementID) == "" {
		return fmt.Errorf("core: entitlement id is required")
	}
	if r.Duration <= 0 {
		return fmt.Errorf("core: invalid renewal: duration must be positive")
	}
	if r.Price < 0 {
		return fmt.Errorf("core: invalid renewal: price must not be negative")
	}
	return nil
}

// RenewFromBalance extends an active entitlement by charging the owner's
// balance. The renewal never changes the credential id: it only advances
// expires_at and keeps status active. The conditional update guarded by the
// prior expiry is the claim: a concurrent instance observes zero affected
// rows and backs off with no charge.
func (s *Service) RenewFromBalance(ctx context.Context, req RenewalRequest) (PurchaseOutcome, error) {
	startedAt := s.clock()
	outcome, err := s.renewFromBalance(ctx, req)
	s.observeOperation(ctx, startedAt, "renewal", err, map[string]any{
		"entitlement_id": req.EntitlementID,
		"kind":           string(outcome.Kind),
	})
	return outcome, err
}

func (s *Service) renewFromBalance(ctx context.Context, req RenewalRequest) (PurchaseOutcome, error) {
	if s == nil || s.ledgerStore == nil || s.provisioner == nil {
		return PurchaseOutcome{}, fmt.Errorf("core: ledger store and provisioner are required")
	}
	if err := req.Validate(); err != nil {
		return rejected(err.Error()), s.mapError(err)
	}

	row, found, err := s.entitlementReader.Get(ctx, req.EntitlementID)
	if err != nil {
		return PurchaseOutcome{}, s.mapError(err)
	}
	if !found {
		return rejected("entitlement not found"), s.mapError(ErrEntitlementNotFound)
	}
	if row.Status != EntitlementStatusActive || strings.TrimSpace(row.CredentialID) == "" {
		return rejected("entitlement is not renewable"), nil
	}

	now := s.clock()
	newExpiry := NextExpiry(row.ExpiresAt, now, req.Duration)
	if !newExpiry.After(row.ExpiresAt) {
		return rejected("renewal does not advance expiry"), s.mapError(ErrNonAdvancingRenewal)
	}

	// Phase 1: tell the provisioner about the new validity before the
	// ledger transaction opens. A failure aborts with no ledger mutation.
	if err := s.provisioner.Update(ctx, row.CredentialID, newExpiry); err != nil {
		return PurchaseOutcome{}, s.mapError(err)
	}

	var (
		outcome   PurchaseOutcome
		refunded  bool
		expected  = row.CredentialID
		renewedAt = now
	)
	txErr := s.ledgerStore.RunInTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		if req.Price > 0 {
			if debitErr := tx.DebitBalance(ctx, row.OwnerID, req.Price); debitErr != nil {
				return debitErr
			}
		}

		// Deciding read re-taken under the transaction, right before the
		// destructive write.
		fresh, ok, readErr := tx.GetEntitlement(ctx, req.EntitlementID)
		if readErr != nil {
			return readErr
		}
		if !ok || strings.TrimSpace(fresh.CredentialID) == "" || fresh.CredentialID != expected {
			// Credential anomaly: refund the already-decremented balance in
			// the same transaction rather than leaving a partial charge.
			if req.Price > 0 {
				if creditErr := tx.CreditBalance(ctx, row.OwnerID, req.Price); creditErr != nil {
					return creditErr
				}
			}
			refunded = true
			outcome = rejected("credential anomaly at renewal time")
			return nil
		}

		freshExpiry := NextExpiry(fresh.ExpiresAt, renewedAt, req.Duration)
		applied, renewErr := tx.RenewEntitlement(ctx, RenewEntitlementInput{
			EntitlementID:  fresh.ID,
			PriorExpiresAt: fresh.ExpiresAt,
			NewExpiresAt:   freshExpiry,
			Source:         fresh.Source,
			RenewedAt:      renewedAt,
		})
		if renewErr != nil {
			return renewErr
		}
		if !applied {
			// A concurrent worker instance renewed the row between the read
			// and the update. Give the charge back and report no-op.
			if req.Price > 0 {
				if creditErr := tx.CreditBalance(ctx, row.OwnerID, req.Price); creditErr != nil {
					return creditErr
				}
			}
			refunded = true
			outcome = PurchaseOutcome{Kind: OutcomeAlreadyProcessed, Reason: "renewal already claimed"}
			return nil
		}

		if req.Price > 0 {
			payment, payErr := tx.CreatePayment(ctx, CreatePaymentInput{
				OwnerID:        fresh.OwnerID,
				Amount:         req.Price,
				Status:         PaymentStatusPending,
				IdempotencyKey: renewalIdempotencyKey(fresh.ID, fresh.ExpiresAt),
			})
			if payErr != nil {
				return payErr
			}
			if payErr = tx.ApprovePayment(ctx, payment.ID); payErr != nil {
				return payErr
			}
			outcome.Payment = payment
			outcome.Payment.Status = PaymentStatusApproved
		}

		entitlement := fresh
		entitlement.ExpiresAt = freshExpiry
		entitlement.Status = EntitlementStatusActive
		entitlement.LastRenewalAt = &renewedAt
		outcome.Kind = OutcomeCommitted
		outcome.Entitlement = entitlement
		outcome.Renewed = true

		return tx.EnqueueEvent(ctx, s.committedEvent(entitlement, ProvisionKindRenew, renewedAt))
	})
	if txErr != nil {
		mapped := s.mapError(txErr)
		if IsRejection(mapped) {
			return rejected(txErr.Error()), mapped
		}
		return PurchaseOutcome{}, mapped
	}
	if refunded {
		s.logInfo(ctx, "renewal refunded without mutation", map[string]any{
			"entitlement_id": req.EntitlementID,
			"reason":         outcome.Reason,
		})
	}
	return outcome, nil
}

func renewalIdempotencyKey(entitlementID string, priorExpiry time.Time) string {
	return fmt.Sprintf("renewal:%s:%d", entitlementID, priorExpiry.UTC().Unix())
}

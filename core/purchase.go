package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

var errPurchaseAlreadyClaimed = errors.New("core: purchase already processed")

type PurchaseRequest struct {
	PurchaseID     string
	OwnerID        string
	Amount         int64
	Duration       time.Duration
	ReferrerID     string
	PromoCode      string
	ReferralReward int64
	PayFromBalance bool
}

func (r PurchaseRequest) Validate() error {
	if strings.TrimSpace(r.PurchaseID) == "" {
		return fmt.Errorf("core: purchase id is required")
	}
	if strings.TrimSpace(r.OwnerID) == "" {
		return fmt.Errorf("core: owner id is required")
	}
	if r.Amount < 0 {
		return fmt.Errorf("core: purchase amount must not be negative")
	}
	if r.Duration <= 0 {
		return fmt.Errorf("core: purchase duration must be positive")
	}
	return nil
}

// RegisterPurchase records the purchase intent that later acts as the
// idempotency boundary for the payment trigger.
func (s *Service) RegisterPurchase(ctx context.Context, purchase PendingPurchase) (PendingPurchase, error) {
	if s == nil || s.ledgerStore == nil {
		return PendingPurchase{}, fmt.Errorf("core: ledger store is not configured")
	}
	if err := purchase.Validate(); err != nil {
		return PendingPurchase{}, s.mapError(err)
	}
	purchase.Status = PurchaseStatusPending
	created, err := s.ledgerStore.CreatePendingPurchase(ctx, purchase)
	if err != nil {
		return PendingPurchase{}, s.mapError(err)
	}
	return created, nil
}

// ProcessPurchase runs the two-phase provisioning protocol for a paid
// purchase trigger. Phase 1 provisions the external credential outside any
// ledger transaction; Phase 2 commits every dependent mutation on one
// connection inside one transaction. A duplicate trigger observes the
// pending -> paid boundary already crossed and returns AlreadyProcessed with
// no mutation.
func (s *Service) ProcessPurchase(ctx context.Context, req PurchaseRequest) (PurchaseOutcome, error) {
	startedAt := s.clock()
	outcome, err := s.processPurchase(ctx, req)
	s.observeOperation(ctx, startedAt, "purchase", err, map[string]any{
		"owner_id":    req.OwnerID,
		"purchase_id": req.PurchaseID,
		"kind":        string(outcome.Kind),
	})
	return outcome, err
}

func (s *Service) processPurchase(ctx context.Context, req PurchaseRequest) (PurchaseOutcome, error) {
	if s == nil || s.ledgerStore == nil || s.provisioner == nil {
		return PurchaseOutcome{}, fmt.Errorf("core: ledger store and provisioner are required")
	}
	if err := req.Validate(); err != nil {
		return rejected(err.Error()), s.mapError(err)
	}

	purchase, found, err := s.ledgerStore.GetPendingPurchase(ctx, req.PurchaseID)
	if err != nil {
		return PurchaseOutcome{}, s.mapError(err)
	}
	if !found {
		return rejected("unknown purchase"), s.mapError(fmt.Errorf("core: purchase %q is not registered", req.PurchaseID))
	}
	if purchase.Status == PurchaseStatusPaid {
		return PurchaseOutcome{Kind: OutcomeAlreadyProcessed, Reason: "purchase already paid"}, nil
	}

	now := s.clock()

	// Phase 0: classify against the owner's current row. The read is
	// re-taken inside the transaction before any write.
	var current *Entitlement
	if row, ok, readErr := s.entitlementReader.GetByOwner(ctx, req.OwnerID); readErr != nil {
		return PurchaseOutcome{}, s.mapError(readErr)
	} else if ok {
		current = &row
	}
	kind := Classify(current)

	// Phase 1: provision outside any ledger transaction. A failure here
	// aborts with no ledger mutation.
	credentialID := ""
	createdCredential := false
	switch kind {
	case ProvisionKindIssue:
		credentialID, err = s.provisioner.Create(ctx, req.OwnerID)
		if err != nil {
			return PurchaseOutcome{}, s.mapError(err)
		}
		createdCredential = true
	case ProvisionKindRenew:
		credentialID = current.CredentialID
		newExpiry := NextExpiry(current.ExpiresAt, now, req.Duration)
		if err = s.provisioner.Update(ctx, credentialID, newExpiry); err != nil {
			return PurchaseOutcome{}, s.mapError(err)
		}
	}

	// Phase 2: single transaction, no network calls while it is open.
	var (
		entitlement Entitlement
		payment     Payment
		renewed     bool
	)
	txErr := s.ledgerStore.RunInTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		claimed, claimErr := tx.ClaimPurchase(ctx, req.PurchaseID)
		if claimErr != nil {
			return claimErr
		}
		if !claimed {
			return errPurchaseAlreadyClaimed
		}

		payment, claimErr = tx.CreatePayment(ctx, CreatePaymentInput{
			OwnerID:        req.OwnerID,
			PurchaseID:     req.PurchaseID,
			Amount:         req.Amount,
			Status:         PaymentStatusPending,
			IdempotencyKey: req.PurchaseID,
		})
		if claimErr != nil {
			return claimErr
		}
		if claimErr = tx.ApprovePayment(ctx, payment.ID); claimErr != nil {
			return claimErr
		}
		payment.Status = PaymentStatusApproved

		// Fresh deciding read: classification may have changed since the
		// batch-level read above.
		fresh, ok, readErr := tx.GetEntitlementByOwner(ctx, req.OwnerID)
		if readErr != nil {
			return readErr
		}
		var freshRow *Entitlement
		if ok {
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
				Source:       EntitlementSourcePaid,
				ExpiresAt:    now.Add(req.Duration),
			})
			if readErr != nil {
				return readErr
			}
		case ProvisionKindRenew:
			newExpiry := NextExpiry(fresh.ExpiresAt, now, req.Duration)
			if !newExpiry.After(fresh.ExpiresAt) {
				return ErrNonAdvancingRenewal
			}
			applied, renewErr := tx.RenewEntitlement(ctx, RenewEntitlementInput{
				EntitlementID:  fresh.ID,
				PriorExpiresAt: fresh.ExpiresAt,
				NewExpiresAt:   newExpiry,
				Source:         EntitlementSourcePaid,
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
			entitlement.Source = EntitlementSourcePaid
			entitlement.Status = EntitlementStatusActive
			renewed = true
		}

		if req.PayFromBalance && req.Amount > 0 {
			if debitErr := tx.DebitBalance(ctx, req.OwnerID, req.Amount); debitErr != nil {
				return debitErr
			}
		}
		if code := strings.TrimSpace(req.PromoCode); code != "" {
			consumed, promoErr := tx.ConsumePromoCode(ctx, code)
			if promoErr != nil {
				return promoErr
			}
			if !consumed {
				return goerrors.New(
					fmt.Sprintf("core: promo code %q is exhausted or expired", code),
					goerrors.CategoryBadInput,
				).WithTextCode(EntitlementErrorBadInput)
			}
		}
		if referrer := strings.TrimSpace(req.ReferrerID); referrer != "" {
			inserted, rewardErr := tx.CreateReferralReward(ctx, ReferralReward{
				ID:         s.idGenerator(),
				ReferrerID: referrer,
				PurchaseID: req.PurchaseID,
				Amount:     req.ReferralReward,
				CreatedAt:  now,
			})
			if rewardErr != nil {
				return rewardErr
			}
			if inserted && req.ReferralReward > 0 {
				if creditErr := tx.CreditBalance(ctx, referrer, req.ReferralReward); creditErr != nil {
					return creditErr
				}
			}
		}

		return tx.EnqueueEvent(ctx, s.committedEvent(entitlement, kind, now))
	})

	if txErr != nil {
		if errors.Is(txErr, errPurchaseAlreadyClaimed) {
			// The conditional update lost the race: a concurrent trigger
			// committed first. A credential created in Phase 1 for the same
			// owner is now redundant and gets cleaned up.
			if createdCredential {
				s.cleanupOrphanCredential(ctx, credentialID)
			}
			return PurchaseOutcome{Kind: OutcomeAlreadyProcessed, Reason: "purchase already paid"}, nil
		}
		if createdCredential {
			s.cleanupOrphanCredential(ctx, credentialID)
		}
		mapped := s.mapError(txErr)
		if IsRejection(mapped) {
			return rejected(txErr.Error()), mapped
		}
		return PurchaseOutcome{}, mapped
	}

	return PurchaseOutcome{
		Kind:        OutcomeCommitted,
		Entitlement: entitlement,
		Payment:     payment,
		Renewed:     renewed,
	}, nil
}

type TrialRequest struct {
	OwnerID  string
	Duration time.Duration
}

// StartTrial issues a trial entitlement. An owner with any current row is
// rejected; trials never replace an existing entitlement.
func (s *Service) StartTrial(ctx context.Context, req TrialRequest) (PurchaseOutcome, error) {
	startedAt := s.clock()
	outcome, err := s.startTrial(ctx, req)
	s.observeOperation(ctx, startedAt, "trial", err, map[string]any{
		"owner_id": req.OwnerID,
		"kind":     string(outcome.Kind),
	})
	return outcome, err
}

func (s *Service) startTrial(ctx context.Context, req TrialRequest) (PurchaseOutcome, error) {
	if s == nil || s.ledgerStore == nil || s.provisioner == nil {
		return PurchaseOutcome{}, fmt.Errorf("core: ledger store and provisioner are required")
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return rejected("owner id is required"), s.mapError(fmt.Errorf("core: owner id is required"))
	}
	if req.Duration <= 0 {
		return rejected("trial duration must be positive"), s.mapError(fmt.Errorf("core: trial duration must be positive"))
	}

	now := s.clock()
	if row, found, err := s.entitlementReader.GetByOwner(ctx, req.OwnerID); err != nil {
		return PurchaseOutcome{}, s.mapError(err)
	} else if found && row.Status != EntitlementStatusExpired {
		return PurchaseOutcome{Kind: OutcomeAlreadyProcessed, Reason: "owner already holds an entitlement"}, nil
	}

	credentialID, err := s.provisioner.Create(ctx, req.OwnerID)
	if err != nil {
		return PurchaseOutcome{}, s.mapError(err)
	}

	var entitlement Entitlement
	txErr := s.ledgerStore.RunInTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		fresh, found, readErr := tx.GetEntitlementByOwner(ctx, req.OwnerID)
		if readErr != nil {
			return readErr
		}
		if found && fresh.Status != EntitlementStatusExpired {
			return errPurchaseAlreadyClaimed
		}
		entitlement, readErr = tx.UpsertEntitlement(ctx, UpsertEntitlementInput{
			OwnerID:      req.OwnerID,
			CredentialID: credentialID,
			Status:       EntitlementStatusActive,
			Source:       EntitlementSourceTrial,
			ExpiresAt:    now.Add(req.Duration),
		})
		if readErr != nil {
			return readErr
		}
		return tx.EnqueueEvent(ctx, s.committedEvent(entitlement, ProvisionKindIssue, now))
	})
	if txErr != nil {
		s.cleanupOrphanCredential(ctx, credentialID)
		if errors.Is(txErr, errPurchaseAlreadyClaimed) {
			return PurchaseOutcome{Kind: OutcomeAlreadyProcessed, Reason: "owner already holds an entitlement"}, nil
		}
		return PurchaseOutcome{}, s.mapError(txErr)
	}
	return PurchaseOutcome{Kind: OutcomeCommitted, Entitlement: entitlement}, nil
}

func (s *Service) committedEvent(entitlement Entitlement, kind ProvisionKind, now time.Time) LifecycleEvent {
	return LifecycleEvent{
		ID:            s.idGenerator(),
		Name:          EventEntitlementCommitted,
		OwnerID:       entitlement.OwnerID,
		EntitlementID: entitlement.ID,
		Kind:          string(kind),
		Source:        string(entitlement.Source),
		OccurredAt:    now,
		Payload: map[string]any{
			"credential_id": entitlement.CredentialID,
			"expires_at":    entitlement.ExpiresAt.UTC().Format(time.RFC3339Nano),
			"status":        string(entitlement.Status),
		},
	}
}

// cleanupOrphanCredential is the prevented-orphan path: Phase 1 created a
// credential that Phase 2 failed to commit. Deletion is retried with bounded
// backoff; a credential that survives every attempt is left for the
// reconciliation scanner and logged.
func (s *Service) cleanupOrphanCredential(ctx context.Context, credentialID string) {
	if err := s.DeleteCredentialWithRetry(ctx, credentialID); err != nil {
		s.logError(ctx, "orphan credential cleanup failed", map[string]any{
			"credential_id": credentialID,
			"error":         err.Error(),
		})
		return
	}
	s.logInfo(ctx, "orphan credential cleaned up", map[string]any{
		"credential_id": credentialID,
	})
}

// DeleteCredentialWithRetry deletes a credential on the provisioner with the
// configured bounded retry. Not-found is success.
func (s *Service) DeleteCredentialWithRetry(ctx context.Context, credentialID string) error {
	if s == nil || s.provisioner == nil {
		return fmt.Errorf("core: provisioner is not configured")
	}
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return nil
	}

	maxAttempts := s.config.Cleanup.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := ExponentialBackoffScheduler{
		Initial: s.config.Cleanup.InitialBackoff,
		Max:     s.config.Cleanup.MaxBackoff,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.provisioner.Delete(ctx, credentialID); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.NextDelay(attempt)):
		}
	}
	return s.mapError(lastErr)
}

func (s *Service) clock() time.Time {
	if s == nil || s.now == nil {
		return time.Now().UTC()
	}
	return s.now()
}

func rejected(reason string) PurchaseOutcome {
	return PurchaseOutcome{Kind: OutcomeRejected, Reason: reason}
}

package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidEntitlementStatusTransition = errors.New("core: invalid entitlement status transition")
	ErrInvalidPaymentStatusTransition     = errors.New("core: invalid payment status transition")
	ErrInvalidEntitlementSource           = errors.New("core: invalid entitlement source")
	ErrEntitlementNotFound                = errors.New("core: entitlement not found")
	ErrNegativeBalance                    = errors.New("core: balance would go negative")
	ErrNonAdvancingRenewal                = errors.New("core: renewal does not advance expiry")
)

type EntitlementStatus string

const (
	EntitlementStatusPendingActivation EntitlementStatus = "pending_activation"
	EntitlementStatusActive            EntitlementStatus = "active"
	EntitlementStatusExpired           EntitlementStatus = "expired"
)

type EntitlementSource string

const (
	EntitlementSourceTrial EntitlementSource = "trial"
	EntitlementSourcePaid  EntitlementSource = "paid"
	EntitlementSourceAdmin EntitlementSource = "admin"
)

func (s EntitlementSource) Validate() error {
	switch s {
	case EntitlementSourceTrial, EntitlementSourcePaid, EntitlementSourceAdmin:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidEntitlementSource, s)
}

// Entitlement is the local ledger record of an owner's right to use the
// service. CredentialID links it to the opaque credential held by the
// external provisioner; the two always change inside the same transaction.
type Entitlement struct {
	ID                 string
	OwnerID            string
	CredentialID       string
	Status             EntitlementStatus
	Source             EntitlementSource
	ExpiresAt          time.Time
	ActivationAttempts int
	LastRenewalAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (e *Entitlement) TransitionTo(status EntitlementStatus, now time.Time) error {
	if e == nil {
		return nil
	}
	if e.Status == status {
		e.UpdatedAt = now
		return nil
	}
	if !entitlementTransitionAllowed(e.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidEntitlementStatusTransition, e.Status, status)
	}
	e.Status = status
	e.UpdatedAt = now
	if status == EntitlementStatusExpired {
		e.CredentialID = ""
	}
	return nil
}

// IsActiveAt reports whether the entitlement grants access at the given
// instant. Expiry is checked against the row, not just the status flag.
func (e *Entitlement) IsActiveAt(now time.Time) bool {
	if e == nil {
		return false
	}
	return e.Status == EntitlementStatusActive && e.ExpiresAt.After(now)
}

func entitlementTransitionAllowed(current, next EntitlementStatus) bool {
	allowed := map[EntitlementStatus]map[EntitlementStatus]struct{}{
		EntitlementStatusPendingActivation: {
			EntitlementStatusActive:  {},
			EntitlementStatusExpired: {},
		},
		EntitlementStatusActive: {
			EntitlementStatusExpired: {},
		},
		EntitlementStatusExpired: {
			EntitlementStatusPendingActivation: {},
			EntitlementStatusActive:            {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusApproved PaymentStatus = "approved"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusExpired  PaymentStatus = "expired"
)

// Payment is one financial transaction in the ledger. Status is monotonic:
// once approved it never regresses.
type Payment struct {
	ID             string
	OwnerID        string
	PurchaseID     string
	Amount         int64
	Status         PaymentStatus
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (p *Payment) TransitionTo(status PaymentStatus, now time.Time) error {
	if p == nil {
		return nil
	}
	if p.Status == status {
		p.UpdatedAt = now
		return nil
	}
	if !paymentTransitionAllowed(p.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPaymentStatusTransition, p.Status, status)
	}
	p.Status = status
	p.UpdatedAt = now
	return nil
}

func paymentTransitionAllowed(current, next PaymentStatus) bool {
	allowed := map[PaymentStatus]map[PaymentStatus]struct{}{
		PaymentStatusPending: {
			PaymentStatusApproved: {},
			PaymentStatusFailed:   {},
			PaymentStatusExpired:  {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

type PurchaseStatus string

const (
	PurchaseStatusPending PurchaseStatus = "pending"
	PurchaseStatusPaid    PurchaseStatus = "paid"
)

// PendingPurchase is the idempotency boundary for externally-triggered
// purchases. The only accepted transition is the atomic conditional update
// pending -> paid; a retried trigger observes zero affected rows.
type PendingPurchase struct {
	PurchaseID string
	OwnerID    string
	Amount     int64
	Duration   time.Duration
	ReferrerID string
	PromoCode  string
	Status     PurchaseStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (p PendingPurchase) Validate() error {
	if strings.TrimSpace(p.PurchaseID) == "" {
		return fmt.Errorf("core: purchase id is required")
	}
	if strings.TrimSpace(p.OwnerID) == "" {
		return fmt.Errorf("core: owner id is required")
	}
	if p.Amount < 0 {
		return fmt.Errorf("core: purchase amount must not be negative")
	}
	if p.Duration <= 0 {
		return fmt.Errorf("core: purchase duration must be positive")
	}
	return nil
}

// ReferralReward records an at-most-once reward per purchase; the
// (referrer_id, purchase_id) pair is unique in the ledger.
type ReferralReward struct {
	ID         string
	ReferrerID string
	PurchaseID string
	Amount     int64
	CreatedAt  time.Time
}

// Balance is a per-owner minor-unit balance. Mutation happens only under the
// per-owner serialization primitive with a floor check before decrement.
type Balance struct {
	OwnerID   string
	Amount    int64
	UpdatedAt time.Time
}

type PromoCode struct {
	Code      string
	Discount  int64
	MaxUses   int
	Uses      int
	ExpiresAt *time.Time
}

const EventEntitlementCommitted = "entitlement.committed"

// LifecycleEvent is the post-commit notification payload. It is enqueued on
// the transactional outbox inside the same transaction as the entitlement
// mutation and dispatched only after commit.
type LifecycleEvent struct {
	ID            string
	Name          string
	OwnerID       string
	EntitlementID string
	Kind          string
	Source        string
	OccurredAt    time.Time
	Payload       map[string]any
	Metadata      map[string]any
}

// OutcomeKind classifies the result of a purchase trigger. Callers branch on
// it routinely, so it is a value rather than an error.
type OutcomeKind string

const (
	OutcomeCommitted        OutcomeKind = "committed"
	OutcomeAlreadyProcessed OutcomeKind = "already_processed"
	OutcomeRejected         OutcomeKind = "rejected"
)

type PurchaseOutcome struct {
	Kind        OutcomeKind
	Entitlement Entitlement
	Payment     Payment
	Renewed     bool
	Reason      string
}

// ProvisionKind distinguishes new issuance from renewal in the two-phase
// protocol classification.
type ProvisionKind string

const (
	ProvisionKindIssue ProvisionKind = "issue"
	ProvisionKindRenew ProvisionKind = "renew"
)

// Classify decides new-issuance vs renewal for the owner's current row. A
// missing row, an expired row, or a row without a credential means issuance;
// an active row with a credential is renewed regardless of source.
func Classify(current *Entitlement) ProvisionKind {
	if current == nil {
		return ProvisionKindIssue
	}
	if current.Status == EntitlementStatusExpired || strings.TrimSpace(current.CredentialID) == "" {
		return ProvisionKindIssue
	}
	return ProvisionKindRenew
}

// NextExpiry computes the renewal target expiry: max(current, now) + duration.
func NextExpiry(current time.Time, now time.Time, duration time.Duration) time.Time {
	base := current
	if now.After(base) {
		base = now
	}
	return base.Add(duration)
}

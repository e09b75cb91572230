package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// CredentialProvisioner is the external, non-transactional credential store.
// Delete treats not-found as success so the call is idempotent.
type CredentialProvisioner interface {
	Create(ctx context.Context, hint string) (string, error)
	Update(ctx context.Context, credentialID string, validUntil time.Time) error
	Delete(ctx context.Context, credentialID string) error
	ListCredentialIDs(ctx context.Context) ([]string, error)
}

type UpsertEntitlementInput struct {
	OwnerID      string
	CredentialID string
	Status       EntitlementStatus
	Source       EntitlementSource
	ExpiresAt    time.Time
}

type RenewEntitlementInput struct {
	EntitlementID string
	// PriorExpiresAt guards the update: zero rows are affected when a
	// concurrent renewal already advanced the row.
	PriorExpiresAt time.Time
	NewExpiresAt   time.Time
	Source         EntitlementSource
	RenewedAt      time.Time
}

type CreatePaymentInput struct {
	OwnerID        string
	PurchaseID     string
	Amount         int64
	Status         PaymentStatus
	IdempotencyKey string
}

// LedgerTx is the transaction-scoped mutation surface. Every helper that must
// commit atomically with the entitlement change takes this handle; there is
// no way to run one of these mutations on an implicit second transaction.
// Implementations must not perform network calls other than to the ledger
// connection the transaction is bound to.
type LedgerTx interface {
	// ClaimPurchase performs the conditional pending -> paid transition and
	// reports whether this call won the claim.
	ClaimPurchase(ctx context.Context, purchaseID string) (bool, error)
	GetPurchase(ctx context.Context, purchaseID string) (PendingPurchase, bool, error)

	CreatePayment(ctx context.Context, in CreatePaymentInput) (Payment, error)
	ApprovePayment(ctx context.Context, paymentID string) error

	GetEntitlement(ctx context.Context, entitlementID string) (Entitlement, bool, error)
	GetEntitlementByOwner(ctx context.Context, ownerID string) (Entitlement, bool, error)
	UpsertEntitlement(ctx context.Context, in UpsertEntitlementInput) (Entitlement, error)
	RenewEntitlement(ctx context.Context, in RenewEntitlementInput) (bool, error)
	// ActivateEntitlement flips pending_activation -> active guarded by that
	// exact precondition; false means another worker already handled the row.
	ActivateEntitlement(ctx context.Context, entitlementID string, credentialID string, now time.Time) (bool, error)
	// ExpireEntitlement sets status=expired, credential_id=NULL guarded by the
	// row's unchanged credential id.
	ExpireEntitlement(ctx context.Context, entitlementID string, credentialID string, now time.Time) (bool, error)
	RecordActivationAttempt(ctx context.Context, entitlementID string) error

	// DebitBalance serializes per owner and enforces the balance floor.
	DebitBalance(ctx context.Context, ownerID string, amount int64) error
	CreditBalance(ctx context.Context, ownerID string, amount int64) error
	GetBalance(ctx context.Context, ownerID string) (Balance, error)

	// CreateReferralReward reports false when the (referrer, purchase) pair
	// already holds a reward.
	CreateReferralReward(ctx context.Context, reward ReferralReward) (bool, error)
	ConsumePromoCode(ctx context.Context, code string) (bool, error)

	EnqueueEvent(ctx context.Context, event LifecycleEvent) error
}

// LedgerStore provides atomic read-modify-write over the ledger. RunInTx runs
// fn on one connection inside one transaction; fn must not suspend on calls
// to the external provisioner.
type LedgerStore interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	CreatePendingPurchase(ctx context.Context, purchase PendingPurchase) (PendingPurchase, error)
	GetPendingPurchase(ctx context.Context, purchaseID string) (PendingPurchase, bool, error)
}

// EntitlementReader is the non-transactional read surface used by workers to
// select batches. Deciding reads before destructive writes happen inside the
// transaction instead, through LedgerTx.
type EntitlementReader interface {
	Get(ctx context.Context, id string) (Entitlement, bool, error)
	GetByOwner(ctx context.Context, ownerID string) (Entitlement, bool, error)
	// ListExpiringWithin selects rows whose expiry falls inside the lookahead
	// window and that have not been claimed for renewal since claimedAfter.
	ListExpiringWithin(ctx context.Context, window time.Duration, claimedAfter time.Time, limit int) ([]Entitlement, error)
	// ListExpired pages active-but-expired rows with forward-only keyset
	// pagination: id > afterID ORDER BY id ASC LIMIT limit.
	ListExpired(ctx context.Context, now time.Time, afterID string, limit int) ([]Entitlement, error)
	ListPendingActivation(ctx context.Context, maxAttempts int, limit int) ([]Entitlement, error)
	// ListCredentialIDs returns every credential id the ledger references,
	// regardless of status, for reconciliation set difference.
	ListCredentialIDs(ctx context.Context) ([]string, error)
	// FindByCredentialID resolves the live row referencing a credential.
	FindByCredentialID(ctx context.Context, credentialID string) (Entitlement, bool, error)
	// HasActivePaid reports whether the owner holds an active paid row. The
	// read is taken fresh; callers use it immediately before destructive
	// trial cleanup.
	HasActivePaid(ctx context.Context, ownerID string, now time.Time) (bool, error)
}

type DispatchStats struct {
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
}

type LifecycleEventHandler interface {
	Handle(ctx context.Context, event LifecycleEvent) error
}

type ProjectorRegistry interface {
	Register(name string, handler LifecycleEventHandler)
	Handlers() []LifecycleEventHandler
}

type OutboxStore interface {
	Enqueue(ctx context.Context, event LifecycleEvent) error
	ClaimBatch(ctx context.Context, limit int) ([]LifecycleEvent, error)
	Ack(ctx context.Context, eventID string) error
	Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error
}

type StoreProvider interface {
	LedgerStore() LedgerStore
	EntitlementReader() EntitlementReader
	OutboxStore() OutboxStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type InboundRequest struct {
	ProviderID string
	Body       []byte
	Headers    map[string][]string
	Metadata   map[string]any
}

type InboundResult struct {
	Accepted   bool
	StatusCode int
	Outcome    PurchaseOutcome
	Metadata   map[string]any
}

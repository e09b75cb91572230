package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-entitlements/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// LedgerStore is the bun-backed ledger. Every LedgerTx mutation runs on the
// single transaction opened by RunInTx; destructive writes are conditional
// updates guarded by the precondition they depend on.
type LedgerStore struct {
	db                    *bun.DB
	payments              repository.Repository[*paymentRecord]
	rewards               repository.Repository[*referralRewardRecord]
	supportsAdvisoryLocks bool
}

func NewLedgerStore(db *bun.DB) (*LedgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &LedgerStore{
		db:                    db,
		payments:              repository.NewRepository[*paymentRecord](db, paymentHandlers()),
		rewards:               repository.NewRepository[*referralRewardRecord](db, referralRewardHandlers()),
		supportsAdvisoryLocks: db.Dialect().Name() == dialect.PG,
	}, nil
}

func (s *LedgerStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx core.LedgerTx) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: ledger store is not configured")
	}
	if fn == nil {
		return fmt.Errorf("sqlstore: transaction callback is required")
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &ledgerTx{store: s, tx: tx})
	})
}

func (s *LedgerStore) CreatePendingPurchase(ctx context.Context, purchase core.PendingPurchase) (core.PendingPurchase, error) {
	if s == nil || s.db == nil {
		return core.PendingPurchase{}, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	if err := purchase.Validate(); err != nil {
		return core.PendingPurchase{}, err
	}
	if purchase.Status == "" {
		purchase.Status = core.PurchaseStatusPending
	}
	record := newPendingPurchaseRecord(purchase, time.Now().UTC())
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			existing, found, getErr := s.GetPendingPurchase(ctx, purchase.PurchaseID)
			if getErr != nil {
				return core.PendingPurchase{}, getErr
			}
			if found {
				return existing, nil
			}
		}
		return core.PendingPurchase{}, fmt.Errorf("sqlstore: create pending purchase: %w", err)
	}
	return pendingPurchaseRecordToDomain(record), nil
}

func (s *LedgerStore) GetPendingPurchase(ctx context.Context, purchaseID string) (core.PendingPurchase, bool, error) {
	if s == nil || s.db == nil {
		return core.PendingPurchase{}, false, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	return getPurchase(ctx, s.db, purchaseID)
}

func getPurchase(ctx context.Context, db bun.IDB, purchaseID string) (core.PendingPurchase, bool, error) {
	trimmed := strings.TrimSpace(purchaseID)
	if trimmed == "" {
		return core.PendingPurchase{}, false, fmt.Errorf("sqlstore: purchase id is required")
	}
	record := &pendingPurchaseRecord{}
	err := db.NewSelect().Model(record).Where("purchase_id = ?", trimmed).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.PendingPurchase{}, false, nil
		}
		return core.PendingPurchase{}, false, fmt.Errorf("sqlstore: get pending purchase: %w", err)
	}
	return pendingPurchaseRecordToDomain(record), true, nil
}

type ledgerTx struct {
	store *LedgerStore
	tx    bun.Tx
}

func (t *ledgerTx) now() time.Time {
	return time.Now().UTC()
}

func (t *ledgerTx) ClaimPurchase(ctx context.Context, purchaseID string) (bool, error) {
	trimmed := strings.TrimSpace(purchaseID)
	if trimmed == "" {
		return false, fmt.Errorf("sqlstore: purchase id is required")
	}
	res, err := t.tx.NewUpdate().
		Model((*pendingPurchaseRecord)(nil)).
		Set("status = ?", string(core.PurchaseStatusPaid)).
		Set("updated_at = ?", t.now()).
		Where("purchase_id = ?", trimmed).
		Where("status = ?", string(core.PurchaseStatusPending)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlstore: claim purchase: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: claim purchase rows affected: %w", err)
	}
	return affected > 0, nil
}

func (t *ledgerTx) GetPurchase(ctx context.Context, purchaseID string) (core.PendingPurchase, bool, error) {
	return getPurchase(ctx, t.tx, purchaseID)
}

func (t *ledgerTx) CreatePayment(ctx context.Context, in core.CreatePaymentInput) (core.Payment, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return core.Payment{}, fmt.Errorf("sqlstore: payment owner id is required")
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return core.Payment{}, fmt.Errorf("sqlstore: payment idempotency key is required")
	}
	if in.Status == "" {
		in.Status = core.PaymentStatusPending
	}
	record := newPaymentRecord(in, uuid.NewString(), t.now())
	if _, err := t.store.payments.CreateTx(ctx, t.tx, record); err != nil {
		if isUniqueViolation(err) {
			existing := &paymentRecord{}
			getErr := t.tx.NewSelect().Model(existing).
				Where("idempotency_key = ?", in.IdempotencyKey).
				Limit(1).
				Scan(ctx)
			if getErr == nil {
				return paymentRecordToDomain(existing), nil
			}
		}
		return core.Payment{}, fmt.Errorf("sqlstore: create payment: %w", err)
	}
	return paymentRecordToDomain(record), nil
}

func (t *ledgerTx) ApprovePayment(ctx context.Context, paymentID string) error {
	trimmed := strings.TrimSpace(paymentID)
	if trimmed == "" {
		return fmt.Errorf("sqlstore: payment id is required")
	}
	res, err := t.tx.NewUpdate().
		Model((*paymentRecord)(nil)).
		Set("status = ?", string(core.PaymentStatusApproved)).
		Set("updated_at = ?", t.now()).
		Where("id = ?", trimmed).
		Where("status = ?", string(core.PaymentStatusPending)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: approve payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: approve payment rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	existing := &paymentRecord{}
	if getErr := t.tx.NewSelect().Model(existing).Where("id = ?", trimmed).Limit(1).Scan(ctx); getErr != nil {
		if errors.Is(getErr, sql.ErrNoRows) {
			return fmt.Errorf("sqlstore: payment %q not found", trimmed)
		}
		return fmt.Errorf("sqlstore: approve payment lookup: %w", getErr)
	}
	if core.PaymentStatus(existing.Status) == core.PaymentStatusApproved {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", core.ErrInvalidPaymentStatusTransition, existing.Status, core.PaymentStatusApproved)
}

func (t *ledgerTx) GetEntitlement(ctx context.Context, entitlementID string) (core.Entitlement, bool, error) {
	trimmed := strings.TrimSpace(entitlementID)
	if trimmed == "" {
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: entitlement id is required")
	}
	record := &entitlementRecord{}
	err := t.tx.NewSelect().Model(record).Where("id = ?", trimmed).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Entitlement{}, false, nil
		}
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: get entitlement: %w", err)
	}
	return entitlementRecordToDomain(record), true, nil
}

func (t *ledgerTx) GetEntitlementByOwner(ctx context.Context, ownerID string) (core.Entitlement, bool, error) {
	trimmed := strings.TrimSpace(ownerID)
	if trimmed == "" {
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: owner id is required")
	}
	record := &entitlementRecord{}
	err := t.tx.NewSelect().Model(record).
		Where("owner_id = ?", trimmed).
		OrderExpr("created_at DESC, id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Entitlement{}, false, nil
		}
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: get entitlement by owner: %w", err)
	}
	return entitlementRecordToDomain(record), true, nil
}

func (t *ledgerTx) UpsertEntitlement(ctx context.Context, in core.UpsertEntitlementInput) (core.Entitlement, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return core.Entitlement{}, fmt.Errorf("sqlstore: owner id is required")
	}
	if err := in.Source.Validate(); err != nil {
		return core.Entitlement{}, err
	}
	now := t.now()
	record := newEntitlementRecord(in, uuid.NewString(), now)
	_, err := t.tx.NewInsert().Model(record).
		On("CONFLICT (owner_id) DO UPDATE").
		Set("credential_id = EXCLUDED.credential_id").
		Set("status = EXCLUDED.status").
		Set("source = EXCLUDED.source").
		Set("expires_at = EXCLUDED.expires_at").
		Set("activation_attempts = 0").
		Set("last_renewal_at = NULL").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return core.Entitlement{}, fmt.Errorf("sqlstore: upsert entitlement: %w", err)
	}
	// The conflict branch keeps the existing row id, so read the row back.
	current, found, err := t.GetEntitlementByOwner(ctx, in.OwnerID)
	if err != nil {
		return core.Entitlement{}, err
	}
	if !found {
		return core.Entitlement{}, fmt.Errorf("sqlstore: upserted entitlement for owner %q not found", in.OwnerID)
	}
	return current, nil
}

func (t *ledgerTx) RenewEntitlement(ctx context.Context, in core.RenewEntitlementInput) (bool, error) {
	trimmed := strings.TrimSpace(in.EntitlementID)
	if trimmed == "" {
		return false, fmt.Errorf("sqlstore: entitlement id is required")
	}
	renewedAt := in.RenewedAt
	if renewedAt.IsZero() {
		renewedAt = t.now()
	}
	query := t.tx.NewUpdate().
		Model((*entitlementRecord)(nil)).
		Set("expires_at = ?", in.NewExpiresAt).
		Set("last_renewal_at = ?", renewedAt).
		Set("updated_at = ?", renewedAt).
		Where("id = ?", trimmed).
		Where("status = ?", string(core.EntitlementStatusActive)).
		Where("expires_at = ?", in.PriorExpiresAt)
	if in.Source != "" {
		query = query.Set("source = ?", string(in.Source))
	}
	res, err := query.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlstore: renew entitlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: renew entitlement rows affected: %w", err)
	}
	return affected > 0, nil
}

func (t *ledgerTx) ActivateEntitlement(ctx context.Context, entitlementID string, credentialID string, now time.Time) (bool, error) {
	trimmed := strings.TrimSpace(entitlementID)
	if trimmed == "" {
		return false, fmt.Errorf("sqlstore: entitlement id is required")
	}
	if now.IsZero() {
		now = t.now()
	}
	res, err := t.tx.NewUpdate().
		Model((*entitlementRecord)(nil)).
		Set("status = ?", string(core.EntitlementStatusActive)).
		Set("credential_id = ?", credentialID).
		Set("updated_at = ?", now).
		Where("id = ?", trimmed).
		Where("status = ?", string(core.EntitlementStatusPendingActivation)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlstore: activate entitlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: activate entitlement rows affected: %w", err)
	}
	return affected > 0, nil
}

func (t *ledgerTx) ExpireEntitlement(ctx context.Context, entitlementID string, credentialID string, now time.Time) (bool, error) {
	trimmed := strings.TrimSpace(entitlementID)
	if trimmed == "" {
		return false, fmt.Errorf("sqlstore: entitlement id is required")
	}
	if now.IsZero() {
		now = t.now()
	}
	res, err := t.tx.NewUpdate().
		Model((*entitlementRecord)(nil)).
		Set("status = ?", string(core.EntitlementStatusExpired)).
		Set("credential_id = ?", "").
		Set("updated_at = ?", now).
		Where("id = ?", trimmed).
		Where("credential_id = ?", credentialID).
		Where("status != ?", string(core.EntitlementStatusExpired)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlstore: expire entitlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: expire entitlement rows affected: %w", err)
	}
	return affected > 0, nil
}

func (t *ledgerTx) RecordActivationAttempt(ctx context.Context, entitlementID string) error {
	trimmed := strings.TrimSpace(entitlementID)
	if trimmed == "" {
		return fmt.Errorf("sqlstore: entitlement id is required")
	}
	_, err := t.tx.NewUpdate().
		Model((*entitlementRecord)(nil)).
		Set("activation_attempts = activation_attempts + 1").
		Set("updated_at = ?", t.now()).
		Where("id = ?", trimmed).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: record activation attempt: %w", err)
	}
	return nil
}

// lockOwner serializes balance mutations per owner. Postgres takes a
// transaction-scoped advisory lock; sqlite already serializes writers.
func (t *ledgerTx) lockOwner(ctx context.Context, ownerID string) error {
	if !t.store.supportsAdvisoryLocks {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", ownerID); err != nil {
		return fmt.Errorf("sqlstore: acquire owner lock: %w", err)
	}
	return nil
}

func (t *ledgerTx) DebitBalance(ctx context.Context, ownerID string, amount int64) error {
	trimmed := strings.TrimSpace(ownerID)
	if trimmed == "" {
		return fmt.Errorf("sqlstore: owner id is required")
	}
	if amount < 0 {
		return fmt.Errorf("sqlstore: debit amount must not be negative")
	}
	if amount == 0 {
		return nil
	}
	if err := t.lockOwner(ctx, trimmed); err != nil {
		return err
	}
	res, err := t.tx.NewUpdate().
		Model((*balanceRecord)(nil)).
		Set("amount = amount - ?", amount).
		Set("updated_at = ?", t.now()).
		Where("owner_id = ?", trimmed).
		Where("amount >= ?", amount).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: debit balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: debit balance rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("sqlstore: insufficient balance for owner %q: %w", trimmed, core.ErrNegativeBalance)
	}
	return nil
}

func (t *ledgerTx) CreditBalance(ctx context.Context, ownerID string, amount int64) error {
	trimmed := strings.TrimSpace(ownerID)
	if trimmed == "" {
		return fmt.Errorf("sqlstore: owner id is required")
	}
	if amount < 0 {
		return fmt.Errorf("sqlstore: credit amount must not be negative")
	}
	if amount == 0 {
		return nil
	}
	if err := t.lockOwner(ctx, trimmed); err != nil {
		return err
	}
	record := &balanceRecord{OwnerID: trimmed, Amount: amount, UpdatedAt: t.now()}
	_, err := t.tx.NewInsert().Model(record).
		On("CONFLICT (owner_id) DO UPDATE").
		Set("amount = bal.amount + EXCLUDED.amount").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: credit balance: %w", err)
	}
	return nil
}

func (t *ledgerTx) GetBalance(ctx context.Context, ownerID string) (core.Balance, error) {
	trimmed := strings.TrimSpace(ownerID)
	if trimmed == "" {
		return core.Balance{}, fmt.Errorf("sqlstore: owner id is required")
	}
	record := &balanceRecord{}
	err := t.tx.NewSelect().Model(record).Where("owner_id = ?", trimmed).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Balance{OwnerID: trimmed}, nil
		}
		return core.Balance{}, fmt.Errorf("sqlstore: get balance: %w", err)
	}
	return balanceRecordToDomain(record), nil
}

func (t *ledgerTx) CreateReferralReward(ctx context.Context, reward core.ReferralReward) (bool, error) {
	if strings.TrimSpace(reward.ReferrerID) == "" {
		return false, fmt.Errorf("sqlstore: referrer id is required")
	}
	if strings.TrimSpace(reward.PurchaseID) == "" {
		return false, fmt.Errorf("sqlstore: purchase id is required")
	}
	record := newReferralRewardRecord(reward, uuid.NewString(), t.now())
	if _, err := t.store.rewards.CreateTx(ctx, t.tx, record); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("sqlstore: create referral reward: %w", err)
	}
	return true, nil
}

func (t *ledgerTx) ConsumePromoCode(ctx context.Context, code string) (bool, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return false, fmt.Errorf("sqlstore: promo code is required")
	}
	now := t.now()
	res, err := t.tx.NewUpdate().
		Model((*promoCodeRecord)(nil)).
		Set("uses = uses + 1").
		Set("updated_at = ?", now).
		Where("code = ?", trimmed).
		Where("uses < max_uses").
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlstore: consume promo code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: consume promo code rows affected: %w", err)
	}
	return affected > 0, nil
}

func (t *ledgerTx) EnqueueEvent(ctx context.Context, event core.LifecycleEvent) error {
	if strings.TrimSpace(event.Name) == "" {
		return fmt.Errorf("sqlstore: event name is required")
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	record := newOutboxRecord(event, uuid.NewString(), t.now())
	if _, err := t.tx.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("sqlstore: enqueue lifecycle event: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

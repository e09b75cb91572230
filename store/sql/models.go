package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type entitlementRecord struct {
	bun.BaseModel `bun:"table:entitlements,alias:ent"`

	ID                 string     `bun:"id,pk"`
	OwnerID            string     `bun:"owner_id,notnull"`
	CredentialID       string     `bun:"credential_id,notnull"`
	Status             string     `bun:"status,notnull"`
	Source             string     `bun:"source,notnull"`
	ExpiresAt          time.Time  `bun:"expires_at,notnull"`
	ActivationAttempts int        `bun:"activation_attempts,notnull"`
	LastRenewalAt      *time.Time `bun:"last_renewal_at,nullzero"`
	CreatedAt          time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt          time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type paymentRecord struct {
	bun.BaseModel `bun:"table:entitlement_payments,alias:pay"`

	ID             string    `bun:"id,pk"`
	OwnerID        string    `bun:"owner_id,notnull"`
	PurchaseID     string    `bun:"purchase_id"`
	Amount         int64     `bun:"amount,notnull"`
	Status         string    `bun:"status,notnull"`
	IdempotencyKey string    `bun:"idempotency_key,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type pendingPurchaseRecord struct {
	bun.BaseModel `bun:"table:pending_purchases,alias:pp"`

	PurchaseID      string    `bun:"purchase_id,pk"`
	OwnerID         string    `bun:"owner_id,notnull"`
	Amount          int64     `bun:"amount,notnull"`
	DurationSeconds int64     `bun:"duration_seconds,notnull"`
	ReferrerID      string    `bun:"referrer_id"`
	PromoCode       string    `bun:"promo_code"`
	Status          string    `bun:"status,notnull"`
	CreatedAt       time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type balanceRecord struct {
	bun.BaseModel `bun:"table:owner_balances,alias:bal"`

	OwnerID   string    `bun:"owner_id,pk"`
	Amount    int64     `bun:"amount,notnull"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type referralRewardRecord struct {
	bun.BaseModel `bun:"table:referral_rewards,alias:rr"`

	ID         string    `bun:"id,pk"`
	ReferrerID string    `bun:"referrer_id,notnull"`
	PurchaseID string    `bun:"purchase_id,notnull"`
	Amount     int64     `bun:"amount,notnull"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type promoCodeRecord struct {
	bun.BaseModel `bun:"table:promo_codes,alias:promo"`

	Code      string     `bun:"code,pk"`
	Discount  int64      `bun:"discount,notnull"`
	MaxUses   int        `bun:"max_uses,notnull"`
	Uses      int        `bun:"uses,notnull"`
	ExpiresAt *time.Time `bun:"expires_at,nullzero"`
	CreatedAt time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookDeliveryRecord struct {
	bun.BaseModel `bun:"table:entitlement_webhook_deliveries,alias:ewd"`

	ID            string     `bun:"id,pk"`
	ProviderID    string     `bun:"provider_id,notnull"`
	DeliveryID    string     `bun:"delivery_id,notnull"`
	Status        string     `bun:"status,notnull"`
	Attempts      int        `bun:"attempts,notnull"`
	NextAttemptAt *time.Time `bun:"next_attempt_at,nullzero"`
	Payload       []byte     `bun:"payload"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type entitlementOutboxRecord struct {
	bun.BaseModel `bun:"table:entitlement_outbox,alias:eo"`

	ID            string         `bun:"id,pk"`
	EventID       string         `bun:"event_id,notnull"`
	EventName     string         `bun:"event_name,notnull"`
	OwnerID       string         `bun:"owner_id,notnull"`
	EntitlementID string         `bun:"entitlement_id"`
	Kind          string         `bun:"kind"`
	Source        string         `bun:"source"`
	Payload       map[string]any `bun:"payload,type:jsonb"`
	Metadata      map[string]any `bun:"metadata,type:jsonb"`
	Status        string         `bun:"status,notnull"`
	Attempts      int            `bun:"attempts,notnull"`
	NextAttempt   *time.Time     `bun:"next_attempt_at,nullzero"`
	LastError     string         `bun:"last_error"`
	OccurredAt    time.Time      `bun:"occurred_at,notnull"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

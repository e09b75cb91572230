package sqlstore

import (
	"time"

	"github.com/goliatone/go-entitlements/core"
)

func newEntitlementRecord(in core.UpsertEntitlementInput, id string, now time.Time) *entitlementRecord {
	return &entitlementRecord{
		ID:           id,
		OwnerID:      in.OwnerID,
		CredentialID: in.CredentialID,
		Status:       string(in.Status),
		Source:       string(in.Source),
		ExpiresAt:    in.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func entitlementRecordToDomain(record *entitlementRecord) core.Entitlement {
	if record == nil {
		return core.Entitlement{}
	}
	out := core.Entitlement{
		ID:                 record.ID,
		OwnerID:            record.OwnerID,
		CredentialID:       record.CredentialID,
		Status:             core.EntitlementStatus(record.Status),
		Source:             core.EntitlementSource(record.Source),
		ExpiresAt:          record.ExpiresAt,
		ActivationAttempts: record.ActivationAttempts,
		CreatedAt:          record.CreatedAt,
		UpdatedAt:          record.UpdatedAt,
	}
	if record.LastRenewalAt != nil {
		renewedAt := *record.LastRenewalAt
		out.LastRenewalAt = &renewedAt
	}
	return out
}

func newPaymentRecord(in core.CreatePaymentInput, id string, now time.Time) *paymentRecord {
	return &paymentRecord{
		ID:             id,
		OwnerID:        in.OwnerID,
		PurchaseID:     in.PurchaseID,
		Amount:         in.Amount,
		Status:         string(in.Status),
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func paymentRecordToDomain(record *paymentRecord) core.Payment {
	if record == nil {
		return core.Payment{}
	}
	return core.Payment{
		ID:             record.ID,
		OwnerID:        record.OwnerID,
		PurchaseID:     record.PurchaseID,
		Amount:         record.Amount,
		Status:         core.PaymentStatus(record.Status),
		IdempotencyKey: record.IdempotencyKey,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

func newPendingPurchaseRecord(purchase core.PendingPurchase, now time.Time) *pendingPurchaseRecord {
	return &pendingPurchaseRecord{
		PurchaseID:      purchase.PurchaseID,
		OwnerID:         purchase.OwnerID,
		Amount:          purchase.Amount,
		DurationSeconds: int64(purchase.Duration / time.Second),
		ReferrerID:      purchase.ReferrerID,
		PromoCode:       purchase.PromoCode,
		Status:          string(purchase.Status),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func pendingPurchaseRecordToDomain(record *pendingPurchaseRecord) core.PendingPurchase {
	if record == nil {
		return core.PendingPurchase{}
	}
	return core.PendingPurchase{
		PurchaseID: record.PurchaseID,
		OwnerID:    record.OwnerID,
		Amount:     record.Amount,
		Duration:   time.Duration(record.DurationSeconds) * time.Second,
		ReferrerID: record.ReferrerID,
		PromoCode:  record.PromoCode,
		Status:     core.PurchaseStatus(record.Status),
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	}
}

func balanceRecordToDomain(record *balanceRecord) core.Balance {
	if record == nil {
		return core.Balance{}
	}
	return core.Balance{
		OwnerID:   record.OwnerID,
		Amount:    record.Amount,
		UpdatedAt: record.UpdatedAt,
	}
}

func newReferralRewardRecord(reward core.ReferralReward, id string, now time.Time) *referralRewardRecord {
	return &referralRewardRecord{
		ID:         id,
		ReferrerID: reward.ReferrerID,
		PurchaseID: reward.PurchaseID,
		Amount:     reward.Amount,
		CreatedAt:  now,
	}
}

func newOutboxRecord(event core.LifecycleEvent, id string, now time.Time) *entitlementOutboxRecord {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	return &entitlementOutboxRecord{
		ID:            id,
		EventID:       event.ID,
		EventName:     event.Name,
		OwnerID:       event.OwnerID,
		EntitlementID: event.EntitlementID,
		Kind:          event.Kind,
		Source:        event.Source,
		Payload:       cloneMap(event.Payload),
		Metadata:      cloneMap(event.Metadata),
		Status:        outboxStatusPending,
		OccurredAt:    occurredAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func outboxRecordToEvent(record *entitlementOutboxRecord) core.LifecycleEvent {
	if record == nil {
		return core.LifecycleEvent{}
	}
	event := core.LifecycleEvent{
		ID:            record.EventID,
		Name:          record.EventName,
		OwnerID:       record.OwnerID,
		EntitlementID: record.EntitlementID,
		Kind:          record.Kind,
		Source:        record.Source,
		OccurredAt:    record.OccurredAt,
		Payload:       cloneMap(record.Payload),
		Metadata:      cloneMap(record.Metadata),
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}
	event.Metadata[core.MetadataKeyOutboxAttempts] = record.Attempts
	return event
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

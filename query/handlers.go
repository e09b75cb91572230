package query

import (
	"context"
	"time"

	"github.com/goliatone/go-entitlements/core"
)

type EntitlementLookupReader interface {
	Get(ctx context.Context, id string) (core.Entitlement, bool, error)
	GetByOwner(ctx context.Context, ownerID string) (core.Entitlement, bool, error)
	FindByCredentialID(ctx context.Context, credentialID string) (core.Entitlement, bool, error)
}

type EntitlementScheduleReader interface {
	ListExpiringWithin(ctx context.Context, window time.Duration, claimedAfter time.Time, limit int) ([]core.Entitlement, error)
	ListPendingActivation(ctx context.Context, maxAttempts int, limit int) ([]core.Entitlement, error)
}

type PaidAccessReader interface {
	HasActivePaid(ctx context.Context, ownerID string, now time.Time) (bool, error)
}

type GetEntitlementQuery struct {
	reader EntitlementLookupReader
}

func NewGetEntitlementQuery(reader EntitlementLookupReader) *GetEntitlementQuery {
	return &GetEntitlementQuery{reader: reader}
}

func (q *GetEntitlementQuery) Query(ctx context.Context, msg GetEntitlementMessage) (core.Entitlement, error) {
	if q == nil || q.reader == nil {
		return core.Entitlement{}, queryDependencyError("query: entitlement reader is required")
	}
	row, found, err := q.reader.Get(ctx, msg.EntitlementID)
	if err != nil {
		return core.Entitlement{}, err
	}
	if !found {
		return core.Entitlement{}, queryNotFoundError("query: entitlement not found")
	}
	return row, nil
}

type GetOwnerEntitlementQuery struct {
	reader EntitlementLookupReader
}

func NewGetOwnerEntitlementQuery(reader EntitlementLookupReader) *GetOwnerEntitlementQuery {
	return &GetOwnerEntitlementQuery{reader: reader}
}

func (q *GetOwnerEntitlementQuery) Query(ctx context.Context, msg GetOwnerEntitlementMessage) (core.Entitlement, error) {
	if q == nil || q.reader == nil {
		return core.Entitlement{}, queryDependencyError("query: entitlement reader is required")
	}
	row, found, err := q.reader.GetByOwner(ctx, msg.OwnerID)
	if err != nil {
		return core.Entitlement{}, err
	}
	if !found {
		return core.Entitlement{}, queryNotFoundError("query: owner has no entitlement")
	}
	return row, nil
}

type ListExpiringEntitlementsQuery struct {
	reader EntitlementScheduleReader
}

func NewListExpiringEntitlementsQuery(reader EntitlementScheduleReader) *ListExpiringEntitlementsQuery {
	return &ListExpiringEntitlementsQuery{reader: reader}
}

func (q *ListExpiringEntitlementsQuery) Query(
	ctx context.Context,
	msg ListExpiringEntitlementsMessage,
) ([]core.Entitlement, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: entitlement schedule reader is required")
	}
	return q.reader.ListExpiringWithin(ctx, msg.Window, msg.ClaimedAfter, msg.Limit)
}

type ListPendingActivationQuery struct {
	reader EntitlementScheduleReader
}

func NewListPendingActivationQuery(reader EntitlementScheduleReader) *ListPendingActivationQuery {
	return &ListPendingActivationQuery{reader: reader}
}

func (q *ListPendingActivationQuery) Query(
	ctx context.Context,
	msg ListPendingActivationMessage,
) ([]core.Entitlement, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: entitlement schedule reader is required")
	}
	return q.reader.ListPendingActivation(ctx, msg.MaxAttempts, msg.Limit)
}

type FindByCredentialQuery struct {
	reader EntitlementLookupReader
}

func NewFindByCredentialQuery(reader EntitlementLookupReader) *FindByCredentialQuery {
	return &FindByCredentialQuery{reader: reader}
}

func (q *FindByCredentialQuery) Query(ctx context.Context, msg FindByCredentialMessage) (core.Entitlement, error) {
	if q == nil || q.reader == nil {
		return core.Entitlement{}, queryDependencyError("query: entitlement reader is required")
	}
	row, found, err := q.reader.FindByCredentialID(ctx, msg.CredentialID)
	if err != nil {
		return core.Entitlement{}, err
	}
	if !found {
		return core.Entitlement{}, queryNotFoundError("query: no entitlement references credential")
	}
	return row, nil
}

type HasActivePaidQuery struct {
	reader PaidAccessReader
	now    func() time.Time
}

func NewHasActivePaidQuery(reader PaidAccessReader) *HasActivePaidQuery {
	return &HasActivePaidQuery{reader: reader, now: time.Now}
}

func (q *HasActivePaidQuery) Query(ctx context.Context, msg HasActivePaidMessage) (bool, error) {
	if q == nil || q.reader == nil {
		return false, queryDependencyError("query: paid access reader is required")
	}
	now := msg.Now
	if now.IsZero() {
		now = q.now()
	}
	return q.reader.HasActivePaid(ctx, msg.OwnerID, now)
}

package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-entitlements/core"
)

func TestGetEntitlementQuery_QueryDelegates(t *testing.T) {
	expected := core.Entitlement{
		ID:      "ent_1",
		OwnerID: "owner_1",
		Status:  core.EntitlementStatusActive,
	}
	called := false
	reader := stubLookupReader{
		getFn: func(_ context.Context, id string) (core.Entitlement, bool, error) {
			called = true
			if id != "ent_1" {
				t.Fatalf("unexpected entitlement id %q", id)
			}
			return expected, true, nil
		},
	}

	qry := NewGetEntitlementQuery(reader)
	result, err := qry.Query(context.Background(), GetEntitlementMessage{EntitlementID: "ent_1"})
	if err != nil {
		t.Fatalf("query entitlement: %v", err)
	}
	if !called {
		t.Fatalf("expected reader invocation")
	}
	if result.ID != expected.ID || result.OwnerID != expected.OwnerID {
		t.Fatalf("unexpected entitlement result: %#v", result)
	}
}

func TestGetEntitlementQuery_MapsMissingRowToNotFound(t *testing.T) {
	reader := stubLookupReader{
		getFn: func(_ context.Context, _ string) (core.Entitlement, bool, error) {
			return core.Entitlement{}, false, nil
		},
	}

	_, err := NewGetEntitlementQuery(reader).Query(context.Background(), GetEntitlementMessage{EntitlementID: "ent_404"})
	if err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestOwnerAndCredentialQueries_Delegate(t *testing.T) {
	calledOwner := false
	calledCredential := false
	reader := stubLookupReader{
		getByOwnerFn: func(_ context.Context, ownerID string) (core.Entitlement, bool, error) {
			calledOwner = true
			if ownerID != "owner_1" {
				t.Fatalf("unexpected owner id %q", ownerID)
			}
			return core.Entitlement{ID: "ent_1", OwnerID: ownerID}, true, nil
		},
		findByCredentialFn: func(_ context.Context, credentialID string) (core.Entitlement, bool, error) {
			calledCredential = true
			if credentialID != "cred_1" {
				t.Fatalf("unexpected credential id %q", credentialID)
			}
			return core.Entitlement{ID: "ent_1", CredentialID: credentialID}, true, nil
		},
	}

	ownerResult, err := NewGetOwnerEntitlementQuery(reader).Query(context.Background(), GetOwnerEntitlementMessage{
		OwnerID: "owner_1",
	})
	if err != nil {
		t.Fatalf("query owner entitlement: %v", err)
	}
	if !calledOwner || ownerResult.ID != "ent_1" {
		t.Fatalf("expected owner lookup delegation")
	}

	credResult, err := NewFindByCredentialQuery(reader).Query(context.Background(), FindByCredentialMessage{
		CredentialID: "cred_1",
	})
	if err != nil {
		t.Fatalf("query by credential: %v", err)
	}
	if !calledCredential || credResult.CredentialID != "cred_1" {
		t.Fatalf("expected credential lookup delegation")
	}
}

func TestScheduleQueries_Delegate(t *testing.T) {
	claimedAfter := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	calledExpiring := false
	calledPending := false
	reader := stubScheduleReader{
		listExpiringFn: func(_ context.Context, window time.Duration, after time.Time, limit int) ([]core.Entitlement, error) {
			calledExpiring = true
			if window != 48*time.Hour || !after.Equal(claimedAfter) || limit != 50 {
				t.Fatalf("unexpected expiring selection: %v %v %d", window, after, limit)
			}
			return []core.Entitlement{{ID: "ent_1"}}, nil
		},
		listPendingFn: func(_ context.Context, maxAttempts int, limit int) ([]core.Entitlement, error) {
			calledPending = true
			if maxAttempts != 5 || limit != 25 {
				t.Fatalf("unexpected pending selection: %d %d", maxAttempts, limit)
			}
			return []core.Entitlement{{ID: "ent_2"}}, nil
		},
	}

	expiring, err := NewListExpiringEntitlementsQuery(reader).Query(context.Background(), ListExpiringEntitlementsMessage{
		Window:       48 * time.Hour,
		ClaimedAfter: claimedAfter,
		Limit:        50,
	})
	if err != nil {
		t.Fatalf("list expiring query: %v", err)
	}
	if !calledExpiring || len(expiring) != 1 {
		t.Fatalf("expected expiring delegation")
	}

	pending, err := NewListPendingActivationQuery(reader).Query(context.Background(), ListPendingActivationMessage{
		MaxAttempts: 5,
		Limit:       25,
	})
	if err != nil {
		t.Fatalf("list pending activation query: %v", err)
	}
	if !calledPending || len(pending) != 1 {
		t.Fatalf("expected pending activation delegation")
	}
}

func TestHasActivePaidQuery_DefaultsClock(t *testing.T) {
	var seen time.Time
	reader := stubPaidReader{
		hasActivePaidFn: func(_ context.Context, ownerID string, now time.Time) (bool, error) {
			if ownerID != "owner_1" {
				t.Fatalf("unexpected owner id %q", ownerID)
			}
			seen = now
			return true, nil
		},
	}

	qry := NewHasActivePaidQuery(reader)
	ok, err := qry.Query(context.Background(), HasActivePaidMessage{OwnerID: "owner_1"})
	if err != nil {
		t.Fatalf("has active paid query: %v", err)
	}
	if !ok {
		t.Fatalf("expected active paid result")
	}
	if seen.IsZero() {
		t.Fatalf("expected query to supply a clock reading")
	}

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if _, err := qry.Query(context.Background(), HasActivePaidMessage{OwnerID: "owner_1", Now: fixed}); err != nil {
		t.Fatalf("has active paid query with explicit time: %v", err)
	}
	if !seen.Equal(fixed) {
		t.Fatalf("expected explicit time to pass through, got %v", seen)
	}
}

func TestQueries_RequireReader(t *testing.T) {
	if _, err := (&GetEntitlementQuery{}).Query(context.Background(), GetEntitlementMessage{EntitlementID: "ent_1"}); err == nil {
		t.Fatalf("expected dependency error")
	}
	if _, err := (&ListExpiringEntitlementsQuery{}).Query(context.Background(), ListExpiringEntitlementsMessage{Window: time.Hour}); err == nil {
		t.Fatalf("expected dependency error")
	}
}

func TestQueryMessageValidation(t *testing.T) {
	tests := []struct {
		name    string
		msg     interface{ Validate() error }
		wantErr bool
	}{
		{name: "get valid", msg: GetEntitlementMessage{EntitlementID: "ent_1"}, wantErr: false},
		{name: "get missing id", msg: GetEntitlementMessage{}, wantErr: true},
		{name: "owner missing id", msg: GetOwnerEntitlementMessage{}, wantErr: true},
		{name: "expiring valid", msg: ListExpiringEntitlementsMessage{Window: time.Hour, Limit: 10}, wantErr: false},
		{name: "expiring missing window", msg: ListExpiringEntitlementsMessage{Limit: 10}, wantErr: true},
		{name: "pending missing attempts", msg: ListPendingActivationMessage{Limit: 10}, wantErr: true},
		{name: "credential missing id", msg: FindByCredentialMessage{}, wantErr: true},
		{name: "has active paid valid", msg: HasActivePaidMessage{OwnerID: "owner_1"}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type stubLookupReader struct {
	getFn              func(ctx context.Context, id string) (core.Entitlement, bool, error)
	getByOwnerFn       func(ctx context.Context, ownerID string) (core.Entitlement, bool, error)
	findByCredentialFn func(ctx context.Context, credentialID string) (core.Entitlement, bool, error)
}

func (s stubLookupReader) Get(ctx context.Context, id string) (core.Entitlement, bool, error) {
	if s.getFn == nil {
		return core.Entitlement{}, false, fmt.Errorf("get not configured")
	}
	return s.getFn(ctx, id)
}

func (s stubLookupReader) GetByOwner(ctx context.Context, ownerID string) (core.Entitlement, bool, error) {
	if s.getByOwnerFn == nil {
		return core.Entitlement{}, false, fmt.Errorf("get by owner not configured")
	}
	return s.getByOwnerFn(ctx, ownerID)
}

func (s stubLookupReader) FindByCredentialID(ctx context.Context, credentialID string) (core.Entitlement, bool, error) {
	if s.findByCredentialFn == nil {
		return core.Entitlement{}, false, fmt.Errorf("find by credential not configured")
	}
	return s.findByCredentialFn(ctx, credentialID)
}

type stubScheduleReader struct {
	listExpiringFn func(ctx context.Context, window time.Duration, claimedAfter time.Time, limit int) ([]core.Entitlement, error)
	listPendingFn  func(ctx context.Context, maxAttempts int, limit int) ([]core.Entitlement, error)
}

func (s stubScheduleReader) ListExpiringWithin(ctx context.Context, window time.Duration, claimedAfter time.Time, limit int) ([]core.Entitlement, error) {
	if s.listExpiringFn == nil {
		return nil, fmt.Errorf("list expiring not configured")
	}
	return s.listExpiringFn(ctx, window, claimedAfter, limit)
}

func (s stubScheduleReader) ListPendingActivation(ctx context.Context, maxAttempts int, limit int) ([]core.Entitlement, error) {
	if s.listPendingFn == nil {
		return nil, fmt.Errorf("list pending activation not configured")
	}
	return s.listPendingFn(ctx, maxAttempts, limit)
}

type stubPaidReader struct {
	hasActivePaidFn func(ctx context.Context, ownerID string, now time.Time) (bool, error)
}

func (s stubPaidReader) HasActivePaid(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	if s.hasActivePaidFn == nil {
		return false, fmt.Errorf("has active paid not configured")
	}
	return s.hasActivePaidFn(ctx, ownerID, now)
}

var (
	_ EntitlementLookupReader   = stubLookupReader{}
	_ EntitlementScheduleReader = stubScheduleReader{}
	_ PaidAccessReader          = stubPaidReader{}
)

package query

import (
	"strings"
	"time"
)

const (
	TypeGetEntitlement        = "entitlements.query.entitlement.get"
	TypeGetOwnerEntitlement   = "entitlements.query.entitlement.get_by_owner"
	TypeListExpiring          = "entitlements.query.entitlement.list_expiring"
	TypeListPendingActivation = "entitlements.query.entitlement.list_pending_activation"
	TypeFindByCredential      = "entitlements.query.entitlement.find_by_credential"
	TypeHasActivePaid         = "entitlements.query.entitlement.has_active_paid"
)

type GetEntitlementMessage struct {
	EntitlementID string
}

func (GetEntitlementMessage) Type() string { return TypeGetEntitlement }

func (m GetEntitlementMessage) Validate() error {
	if strings.TrimSpace(m.EntitlementID) == "" {
		return queryValidationError("entitlement_id", "entitlement id is required")
	}
	return nil
}

type GetOwnerEntitlementMessage struct {
	OwnerID string
}

func (GetOwnerEntitlementMessage) Type() string { return TypeGetOwnerEntitlement }

func (m GetOwnerEntitlementMessage) Validate() error {
	if strings.TrimSpace(m.OwnerID) == "" {
		return queryValidationError("owner_id", "owner id is required")
	}
	return nil
}

type ListExpiringEntitlementsMessage struct {
	Window       time.Duration
	ClaimedAfter time.Time
	Limit        int
}

func (ListExpiringEntitlementsMessage) Type() string { return TypeListExpiring }

func (m ListExpiringEntitlementsMessage) Validate() error {
	if m.Window <= 0 {
		return queryValidationError("window", "lookahead window must be positive")
	}
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}

type ListPendingActivationMessage struct {
	MaxAttempts int
	Limit       int
}

func (ListPendingActivationMessage) Type() string { return TypeListPendingActivation }

func (m ListPendingActivationMessage) Validate() error {
	if m.MaxAttempts <= 0 {
		return queryValidationError("max_attempts", "max attempts must be positive")
	}
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}

type FindByCredentialMessage struct {
	CredentialID string
}

func (FindByCredentialMessage) Type() string { return TypeFindByCredential }

func (m FindByCredentialMessage) Validate() error {
	if strings.TrimSpace(m.CredentialID) == "" {
		return queryValidationError("credential_id", "credential id is required")
	}
	return nil
}

type HasActivePaidMessage struct {
	OwnerID string
	Now     time.Time
}

func (HasActivePaidMessage) Type() string { return TypeHasActivePaid }

func (m HasActivePaidMessage) Validate() error {
	if strings.TrimSpace(m.OwnerID) == "" {
		return queryValidationError("owner_id", "owner id is required")
	}
	return nil
}

package command

import (
	"strings"

	"github.com/goliatone/go-entitlements/core"
)

const (
	TypeRegisterPurchase = "entitlements.command.purchase.register"
	TypeProcessPurchase  = "entitlements.command.purchase.process"
	TypeStartTrial       = "entitlements.command.trial.start"
	TypeRenew            = "entitlements.command.renew"
	TypeExpire           = "entitlements.command.expire"
	TypeActivate         = "entitlements.command.activate"
	TypeGrant            = "entitlements.command.grant"
	TypeRevoke           = "entitlements.command.revoke"
)

type RegisterPurchaseMessage struct {
	Purchase core.PendingPurchase
}

func (RegisterPurchaseMessage) Type() string { return TypeRegisterPurchase }

func (m RegisterPurchaseMessage) Validate() error {
	return commandWrapValidation(m.Purchase.Validate(), "command: invalid pending purchase")
}

type ProcessPurchaseMessage struct {
	Request core.PurchaseRequest
}

func (ProcessPurchaseMessage) Type() string { return TypeProcessPurchase }

func (m ProcessPurchaseMessage) Validate() error {
	return commandWrapValidation(m.Request.Validate(), "command: invalid purchase request")
}

type StartTrialMessage struct {
	Request core.TrialRequest
}

func (StartTrialMessage) Type() string { return TypeStartTrial }

func (m StartTrialMessage) Validate() error {
	if strings.TrimSpace(m.Request.OwnerID) == "" {
		return commandValidationError("owner_id", "owner id is required")
	}
	if m.Request.Duration <= 0 {
		return commandValidationError("duration", "trial duration must be positive")
	}
	return nil
}

type RenewEntitlementMessage struct {
	Request core.RenewalRequest
}

func (RenewEntitlementMessage) Type() string { return TypeRenew }

func (m RenewEntitlementMessage) Validate() error {
	return commandWrapValidation(m.Request.Validate(), "command: invalid renewal request")
}

type ExpireEntitlementMessage struct {
	EntitlementID string
}

func (ExpireEntitlementMessage) Type() string { return TypeExpire }

func (m ExpireEntitlementMessage) Validate() error {
	if strings.TrimSpace(m.EntitlementID) == "" {
		return commandValidationError("entitlement_id", "entitlement id is required")
	}
	return nil
}

type ActivateEntitlementMessage struct {
	EntitlementID string
}

func (ActivateEntitlementMessage) Type() string { return TypeActivate }

func (m ActivateEntitlementMessage) Validate() error {
	if strings.TrimSpace(m.EntitlementID) == "" {
		return commandValidationError("entitlement_id", "entitlement id is required")
	}
	return nil
}

type GrantEntitlementMessage struct {
	Request core.GrantRequest
}

func (GrantEntitlementMessage) Type() string { return TypeGrant }

func (m GrantEntitlementMessage) Validate() error {
	if strings.TrimSpace(m.Request.OwnerID) == "" {
		return commandValidationError("owner_id", "owner id is required")
	}
	if m.Request.Duration <= 0 {
		return commandValidationError("duration", "grant duration must be positive")
	}
	return nil
}

type RevokeEntitlementMessage struct {
	OwnerID string
	Reason  string
}

func (RevokeEntitlementMessage) Type() string { return TypeRevoke }

func (m RevokeEntitlementMessage) Validate() error {
	if strings.TrimSpace(m.OwnerID) == "" {
		return commandValidationError("owner_id", "owner id is required")
	}
	return nil
}

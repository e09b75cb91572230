package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-entitlements/core"
)

type MutatingService interface {
	RegisterPurchase(ctx context.Context, purchase core.PendingPurchase) (core.PendingPurchase, error)
	ProcessPurchase(ctx context.Context, req core.PurchaseRequest) (core.PurchaseOutcome, error)
	StartTrial(ctx context.Context, req core.TrialRequest) (core.PurchaseOutcome, error)
	RenewFromBalance(ctx context.Context, req core.RenewalRequest) (core.PurchaseOutcome, error)
	ExpireRow(ctx context.Context, entitlementID string) (bool, error)
	ActivateRow(ctx context.Context, entitlementID string) (bool, error)
	Grant(ctx context.Context, req core.GrantRequest) (core.PurchaseOutcome, error)
	Revoke(ctx context.Context, ownerID string, reason string) error
}

type RegisterPurchaseCommand struct {
	service MutatingService
}

func NewRegisterPurchaseCommand(service MutatingService) *RegisterPurchaseCommand {
	return &RegisterPurchaseCommand{service: service}
}

func (c *RegisterPurchaseCommand) Execute(ctx context.Context, msg RegisterPurchaseMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: purchase service is required")
	}
	out, err := c.service.RegisterPurchase(ctx, msg.Purchase)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ProcessPurchaseCommand struct {
	service MutatingService
}

func NewProcessPurchaseCommand(service MutatingService) *ProcessPurchaseCommand {
	return &ProcessPurchaseCommand{service: service}
}

func (c *ProcessPurchaseCommand) Execute(ctx context.Context, msg ProcessPurchaseMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: purchase service is required")
	}
	out, err := c.service.ProcessPurchase(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type StartTrialCommand struct {
	service MutatingService
}

func NewStartTrialCommand(service MutatingService) *StartTrialCommand {
	return &StartTrialCommand{service: service}
}

func (c *StartTrialCommand) Execute(ctx context.Context, msg StartTrialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: trial service is required")
	}
	out, err := c.service.StartTrial(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RenewEntitlementCommand struct {
	service MutatingService
}

func NewRenewEntitlementCommand(service MutatingService) *RenewEntitlementCommand {
	return &RenewEntitlementCommand{service: service}
}

func (c *RenewEntitlementCommand) Execute(ctx context.Context, msg RenewEntitlementMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: renewal service is required")
	}
	out, err := c.service.RenewFromBalance(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ExpireEntitlementCommand struct {
	service MutatingService
}

func NewExpireEntitlementCommand(service MutatingService) *ExpireEntitlementCommand {
	return &ExpireEntitlementCommand{service: service}
}

func (c *ExpireEntitlementCommand) Execute(ctx context.Context, msg ExpireEntitlementMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: expiry service is required")
	}
	done, err := c.service.ExpireRow(ctx, msg.EntitlementID)
	if err != nil {
		return err
	}
	storeResult(ctx, done)
	return nil
}

type ActivateEntitlementCommand struct {
	service MutatingService
}

func NewActivateEntitlementCommand(service MutatingService) *ActivateEntitlementCommand {
	return &ActivateEntitlementCommand{service: service}
}

func (c *ActivateEntitlementCommand) Execute(ctx context.Context, msg ActivateEntitlementMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: activation service is required")
	}
	done, err := c.service.ActivateRow(ctx, msg.EntitlementID)
	if err != nil {
		return err
	}
	storeResult(ctx, done)
	return nil
}

type GrantEntitlementCommand struct {
	service MutatingService
}

func NewGrantEntitlementCommand(service MutatingService) *GrantEntitlementCommand {
	return &GrantEntitlementCommand{service: service}
}

func (c *GrantEntitlementCommand) Execute(ctx context.Context, msg GrantEntitlementMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: grant service is required")
	}
	out, err := c.service.Grant(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RevokeEntitlementCommand struct {
	service MutatingService
}

func NewRevokeEntitlementCommand(service MutatingService) *RevokeEntitlementCommand {
	return &RevokeEntitlementCommand{service: service}
}

func (c *RevokeEntitlementCommand) Execute(ctx context.Context, msg RevokeEntitlementMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: revoke service is required")
	}
	return c.service.Revoke(ctx, msg.OwnerID, msg.Reason)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
